// Command nanocall basecalls Oxford Nanopore reads from extracted
// events: per read, it fits a pore model's scaling and transition
// parameters (Baum-Welch), then decodes the most likely base sequence
// (Viterbi), emitting FASTA.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/schollz/progressbar"

	"github.com/kshedden/nanocall/internal/driver"
	"github.com/kshedden/nanocall/internal/ioutil"
	"github.com/kshedden/nanocall/internal/model"
	"github.com/kshedden/nanocall/internal/nanoerr"
	"github.com/kshedden/nanocall/internal/nanolog"
	"github.com/kshedden/nanocall/internal/pool"
	"github.com/kshedden/nanocall/internal/read"
	"github.com/kshedden/nanocall/internal/stats"
	"github.com/kshedden/nanocall/internal/transitions"
)

var logChannel = nanolog.ForChannel("main")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "nanocall:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := ParseArgs(args)
	if err != nil {
		return err
	}
	applyLogLevels(cfg.LogLevels)

	models, err := loadModels(cfg)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return nanoerr.Config("no candidate models given: supply -m STRAND:FILE or --model-fofn")
	}

	defaultTrans, err := loadTransitions(cfg.TransFile, cfg.PrStay, cfg.PrSkip)
	if err != nil {
		return err
	}

	inputPaths, err := ioutil.ExpandInputs(cfg.Inputs)
	if err != nil {
		return nanoerr.Input("expanding input paths", err)
	}

	summaries := make([]*read.Summary, len(inputPaths))
	for i, p := range inputPaths {
		summaries[i] = read.New(readIDFor(p), p, read.FileLoader{Path: p})
	}

	out, err := openOutput(cfg.OutputPath)
	if err != nil {
		return nanoerr.Input("opening output", err)
	}
	defer out.Close()

	var statsWriter *stats.Writer
	if cfg.StatsPath != "" {
		statsWriter, err = stats.Create(cfg.StatsPath)
		if err != nil {
			return nanoerr.Input("opening stats output", err)
		}
		if err := statsWriter.WriteHeader(); err != nil {
			return nanoerr.Input("writing stats header", err)
		}
		defer statsWriter.Close()
	}

	d := driver.New(cfg.driverConfig(), models, defaultTrans)

	var stop atomic.Bool // §5: cooperative stop flag, polled between reads
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sig; ok {
			logChannel.Warningf("received interrupt, stopping after in-flight reads")
			stop.Store(true)
		}
	}()
	defer signal.Stop(sig)

	p := pool.New(cfg.Workers, cfg.ChunkSize)
	p.Stop = stop.Load

	logChannel.Infof("training %d reads with %d workers", len(summaries), cfg.Workers)
	trainBar := progressbar.New(len(summaries))
	pool.Run(p, summaries, func(s *read.Summary) {
		if err := d.Train(s); err != nil {
			logChannel.Errorf("%s: training: %v", s.ReadID, err)
		}
		_ = trainBar.Add(1)
	})

	var outMu sync.Mutex
	logChannel.Infof("decoding %d reads with %d workers", len(summaries), cfg.Workers)
	decodeBar := progressbar.New(len(summaries))
	pool.Run(p, summaries, func(s *read.Summary) {
		res, err := d.Decode(s)
		if err != nil {
			logChannel.Errorf("%s: decoding: %v", s.ReadID, err)
			_ = decodeBar.Add(1)
			return
		}

		outMu.Lock()
		if res.FASTA != "" {
			if _, err := io.WriteString(out, res.FASTA); err != nil {
				logChannel.Errorf("%s: writing FASTA: %v", s.ReadID, err)
			}
		}
		if statsWriter != nil {
			if err := statsWriter.WriteRow(res.Stat); err != nil {
				logChannel.Errorf("%s: writing stats row: %v", s.ReadID, err)
			}
		}
		outMu.Unlock()

		_ = decodeBar.Add(1)
	})

	return nil
}

func applyLogLevels(levels []string) {
	for _, l := range levels {
		channel, lvl, err := splitLogLevel(l)
		if err != nil {
			continue // already rejected by Validate
		}
		nanolog.SetLevel(channel, lvl)
	}
}

// loadModels builds the candidate model dictionary from every -m
// occurrence and --model-fofn entry.
func loadModels(cfg *Config) (model.Dict, error) {
	dict := make(model.Dict)

	add := func(strand model.Strand, path string) error {
		f, err := ioutil.OpenMaybeGzip(path)
		if err != nil {
			return nanoerr.Input(fmt.Sprintf("opening model file %s", path), err)
		}
		defer f.Close()
		name := readIDFor(path)
		m, err := model.Read(f, name, strand)
		if err != nil {
			return nanoerr.Input(fmt.Sprintf("parsing model file %s", path), err)
		}
		dict[name] = m
		return nil
	}

	for _, a := range cfg.Models {
		if err := add(a.strand, a.path); err != nil {
			return nil, err
		}
	}

	if cfg.ModelFofn != "" {
		f, err := ioutil.OpenMaybeGzip(cfg.ModelFofn)
		if err != nil {
			return nil, nanoerr.Input(fmt.Sprintf("opening model fofn %s", cfg.ModelFofn), err)
		}
		entries, err := parseModelFofn(f)
		f.Close()
		if err != nil {
			return nil, nanoerr.Input(fmt.Sprintf("parsing model fofn %s", cfg.ModelFofn), err)
		}
		for _, e := range entries {
			if err := add(e.strand, e.path); err != nil {
				return nil, err
			}
		}
	}

	return dict, nil
}

func parseModelFofn(r io.Reader) ([]modelArg, error) {
	var out []modelArg
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var l modelArgList
		if err := l.Set(line); err != nil {
			return nil, err
		}
		out = append(out, l[0])
	}
	return out, sc.Err()
}

func loadTransitions(path string, prStay, prSkip float64) (*transitions.Transitions, error) {
	if path == "" {
		return transitions.ComputeFast(prStay, prSkip), nil
	}
	f, err := ioutil.OpenMaybeGzip(path)
	if err != nil {
		return nil, nanoerr.Input(fmt.Sprintf("opening transitions file %s", path), err)
	}
	defer f.Close()
	t, err := transitions.Read(f)
	if err != nil {
		return nil, nanoerr.Input(fmt.Sprintf("parsing transitions file %s", path), err)
	}
	return t, nil
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// readIDFor derives a stable name from a file path: the base name with
// any trailing ".gz" and its real extension stripped.
func readIDFor(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, ".gz")
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return base
}
