// Package model implements the per-state emission distributions of the
// generic pore model and the six-parameter affine rescaling used to adapt
// it to a particular read.
package model

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/kshedden/nanocall/internal/kmer"
)

// Eps is the variance floor below which a parameter is treated as a
// training singularity.
const Eps = 1e-6

const log2pi = 1.8378770664093453 // math.Log(2 * math.Pi)

// Strand identifies which strand(s) a model or event sequence applies to.
type Strand uint8

const (
	Template Strand = iota
	Complement
	Both
)

// State holds one hidden state's emission parameters and derived caches.
type State struct {
	LevelMean float64
	LevelStdv float64
	SDMean    float64
	SDStdv    float64
	SDLambda  float64

	LogLevelStdv float64
	LogSDLambda  float64
}

// updateSDLambda recomputes SDLambda from SDMean and SDStdv.
func (s *State) updateSDLambda() {
	s.SDLambda = math.Pow(s.SDMean, 3.0) / (s.SDStdv * s.SDStdv)
}

// updateSDStdv recomputes SDStdv from SDMean and SDLambda (used after scaling).
func (s *State) updateSDStdv() {
	s.SDStdv = math.Sqrt(math.Pow(s.SDMean, 3.0) / s.SDLambda)
}

func (s *State) updateLogs() {
	s.LogLevelStdv = math.Log(s.LevelStdv)
	s.LogSDLambda = math.Log(s.SDLambda)
}

// Params are the six scalars of a per-read affine rescaling. The identity
// value is Scale=1, Shift=0, Drift=0, Var=1, ScaleSD=1, VarSD=1.
type Params struct {
	Scale   float64
	Shift   float64
	Drift   float64
	Var     float64
	ScaleSD float64
	VarSD   float64
}

// Identity returns the scaling that leaves every state byte-identical.
func Identity() Params {
	return Params{Scale: 1, Shift: 0, Drift: 0, Var: 1, ScaleSD: 1, VarSD: 1}
}

// Scale applies the affine transform to s, mutating it in place.
//
//	level_mean = level_mean*scale + shift
//	level_stdv = level_stdv*var
//	sd_mean    = sd_mean*scale_sd
//	sd_lambda  = sd_lambda*var_sd
func (s *State) Scale(p Params) {
	s.LevelMean = s.LevelMean*p.Scale + p.Shift
	s.LevelStdv = s.LevelStdv * p.Var
	s.SDMean = s.SDMean * p.ScaleSD
	s.SDLambda = s.SDLambda * p.VarSD
	s.updateSDStdv()
	s.updateLogs()
}

// logNormalPDF returns the log-density of the Normal(mean, stdv) at x.
func logNormalPDF(x, mean, stdv, logStdv float64) float64 {
	a := (x - mean) / stdv
	return -logStdv - (log2pi+a*a)/2.0
}

// logInvGaussPDF returns the log-density of the Inverse-Gaussian(mu,
// lambda) at x, given x's precomputed natural log.
func logInvGaussPDF(x, logX, mu, lambda, logLambda float64) float64 {
	a := (x - mu) / mu
	return (logLambda - log2pi - 3.0*logX - lambda*a*a/x) / 2.0
}

// LogPrEmission returns the log-probability of observing the event's
// (mean, stdv) pair under this state, and a flag indicating the state's
// variance parameters have collapsed past the Eps singularity floor.
func (s *State) LogPrEmission(mean, stdv, logStdv float64) (float64, bool) {
	if s.LevelStdv < Eps || s.SDMean < Eps || s.SDLambda < Eps {
		return math.Inf(-1), true
	}
	lp := logNormalPDF(mean, s.LevelMean, s.LevelStdv, s.LogLevelStdv) +
		logInvGaussPDF(stdv, logStdv, s.SDMean, s.SDLambda, s.LogSDLambda)
	return lp, false
}

// Model is a pore model: one State per k-mer, plus the strand it is
// eligible for.
type Model struct {
	Name   string
	Strand Strand
	States [kmer.NStates]State
}

// New returns an empty model tagged for the given strand.
func New(name string, strand Strand) *Model {
	return &Model{Name: name, Strand: strand}
}

// Scale applies params to every state, refreshing cached logs.
func (m *Model) Scale(p Params) *Model {
	out := &Model{Name: m.Name, Strand: m.Strand, States: m.States}
	for i := range out.States {
		out.States[i].Scale(p)
	}
	return out
}

// LogPrEmission is the per-state emission log-density for event i.
func (m *Model) LogPrEmission(i int, mean, stdv, logStdv float64) (float64, bool) {
	return m.States[i].LogPrEmission(mean, stdv, logStdv)
}

// Mean returns the average level_mean across all states (sanity check only).
func (m *Model) Mean() float64 {
	var sum float64
	for i := range m.States {
		sum += m.States[i].LevelMean
	}
	return sum / float64(len(m.States))
}

// Stdv returns the average level_stdv across all states (sanity check only).
func (m *Model) Stdv() float64 {
	var sum float64
	for i := range m.States {
		sum += m.States[i].LevelStdv
	}
	return sum / float64(len(m.States))
}

// Write serialises the model, one line per state in integer order:
// kmer\tlevel_mean\tlevel_stdv\tsd_mean\tsd_stdv
func (m *Model) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i := range m.States {
		s := &m.States[i]
		if _, err := fmt.Fprintf(bw, "%s\t%g\t%g\t%g\t%g\n",
			kmer.ToString(i), s.LevelMean, s.LevelStdv, s.SDMean, s.SDStdv); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Read parses a model in the format written by Write. The k-mer field of
// line i must equal kmer.ToString(i); sd_lambda and the log caches are
// recomputed from sd_mean/sd_stdv.
func Read(r io.Reader, name string, strand Strand) (*Model, error) {
	m := New(name, strand)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for i := 0; i < kmer.NStates; i++ {
		if !sc.Scan() {
			return nil, fmt.Errorf("model: %s: expected %d lines, got %d", name, kmer.NStates, i)
		}
		fields := strings.Split(strings.TrimRight(sc.Text(), "\r\n"), "\t")
		if len(fields) != 5 {
			return nil, fmt.Errorf("model: %s: line %d: expected 5 fields, got %d", name, i+1, len(fields))
		}
		if fields[0] != kmer.ToString(i) {
			return nil, fmt.Errorf("model: %s: line %d: k-mer field %q does not match state %d (%s)",
				name, i+1, fields[0], i, kmer.ToString(i))
		}
		vals := [4]float64{}
		for j, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("model: %s: line %d: field %d: %w", name, i+1, j+2, err)
			}
			vals[j] = v
		}
		s := &m.States[i]
		s.LevelMean, s.LevelStdv, s.SDMean, s.SDStdv = vals[0], vals[1], vals[2], vals[3]
		s.updateSDLambda()
		s.updateLogs()
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("model: %s: %w", name, err)
	}
	return m, nil
}

// Dict is the immutable table of candidate pore models shared read-only
// across all workers.
type Dict map[string]*Model

// ForStrand returns the names of models eligible for the given strand.
func (d Dict) ForStrand(st Strand) []string {
	var names []string
	for name, m := range d {
		if m.Strand == st || m.Strand == Both {
			names = append(names, name)
		}
	}
	return names
}
