// Package stats writes the per-read training/decoding summary TSV
// (§6 "Stats TSV"), gated behind the CLI's --stats flag.
package stats

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kshedden/nanocall/internal/model"
	"github.com/kshedden/nanocall/internal/transitions"
)

// ReadStat is one row of the stats TSV: a read's per-strand event counts,
// selected model, final fitted parameters, and training diagnostics.
type ReadStat struct {
	ReadID         string
	File           string
	NumEvents      [2]int
	SelectedModel  [2]string
	PMParams       [2]model.Params
	STParams       [2]transitions.Params
	TrainingRounds int
	LogLik         float64
}

// Writer writes ReadStat rows as tab-separated text, gzip-compressing
// the stream when the underlying path ends in ".gz" (ambient-stack
// consistency with the gzip-probe readers in internal/ioutil).
type Writer struct {
	bw   *bufio.Writer
	gz   *gzip.Writer
	file *os.File
}

// Create opens path for writing stats, wrapping it in a gzip.Writer if
// path ends in ".gz".
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("stats: creating %s: %w", path, err)
	}
	w := &Writer{file: f}
	var dst io.Writer = f
	if strings.HasSuffix(path, ".gz") {
		w.gz = gzip.NewWriter(f)
		dst = w.gz
	}
	w.bw = bufio.NewWriter(dst)
	return w, nil
}

// WriteHeader writes the column header row.
func (w *Writer) WriteHeader() error {
	_, err := fmt.Fprintln(w.bw, strings.Join([]string{
		"read_id", "file",
		"num_events_0", "num_events_1",
		"model_0", "model_1",
		"scale", "shift", "drift", "var", "scale_sd", "var_sd",
		"pr_stay_0", "pr_skip_0", "pr_skip_decay_0",
		"pr_stay_1", "pr_skip_1", "pr_skip_decay_1",
		"training_rounds", "log_lik",
	}, "\t"))
	return err
}

// WriteRow writes one read's stats. The pm_params columns report strand
// 0's fit; in "double" mode strand 1 is constrained identical to it
// (§4.7 step 6), so a single set of six columns is sufficient.
func (w *Writer) WriteRow(s ReadStat) error {
	p := s.PMParams[0]
	_, err := fmt.Fprintf(w.bw, "%s\t%s\t%d\t%d\t%s\t%s\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%d\t%g\n",
		s.ReadID, s.File,
		s.NumEvents[0], s.NumEvents[1],
		s.SelectedModel[0], s.SelectedModel[1],
		p.Scale, p.Shift, p.Drift, p.Var, p.ScaleSD, p.VarSD,
		s.STParams[0].PStay, s.STParams[0].PSkip, s.STParams[0].PSkipDecay,
		s.STParams[1].PStay, s.STParams[1].PSkip, s.STParams[1].PSkipDecay,
		s.TrainingRounds, s.LogLik)
	return err
}

// Close flushes buffered output and closes the underlying file (and the
// gzip stream, if any).
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return err
		}
	}
	return w.file.Close()
}
