// Package transitions builds and serves the sparse 4096x4096 k-mer state
// transition matrix: one self-loop ("stay"), four step edges, and a capped
// number of geometrically-decaying skip levels per state.
package transitions

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/kshedden/nanocall/internal/kmer"
	"github.com/kshedden/nanocall/internal/nanolog"
)

var logChannel = nanolog.ForChannel("transitions")

// MaxSkip is the highest skip level materialised per state; probability
// mass for skips beyond this is folded into the MaxSkip level to keep
// rows normalised.
const MaxSkip = 5

// Params are the three scalars that determine the transition matrix.
type Params struct {
	PStay      float64
	PSkip      float64
	PSkipDecay float64
}

// DefaultParams are the CLI defaults (--pr-stay, --pr-skip) with a
// geometric skip decay of 0.5.
var DefaultParams = Params{PStay: 0.1, PSkip: 0.3, PSkipDecay: 0.5}

// Edge is one outgoing transition from a state.
type Edge struct {
	Dst     int
	LogProb float64
}

// Transitions is the sparse transition matrix plus its inverted
// (predecessor) index, built once after construction.
type Transitions struct {
	params    Params
	isDefault bool
	rows      [][]Edge // rows[i] = outgoing edges from state i
	preds     [][]Edge // preds[j] = incoming edges (src, logProb) into state j
}

// IsDefault reports whether params match the package defaults, letting
// callers reuse a single shared matrix instead of rebuilding one per read.
func (t *Transitions) IsDefault() bool { return t.isDefault }

// Params returns the parameters the matrix was built from.
func (t *Transitions) Params() Params { return t.params }

// ComputeFast builds the transition matrix from p_stay and p_skip alone,
// using the package's default geometric skip decay.
func ComputeFast(pStay, pSkip float64) *Transitions {
	return ComputeFastParams(Params{PStay: pStay, PSkip: pSkip, PSkipDecay: DefaultParams.PSkipDecay})
}

// ComputeFastParams builds the transition matrix from explicit
// (p_stay, p_skip, p_skip_decay).
//
// From state i:
//
//	P(stay -> i)   = p_stay
//	P(step -> j)   = (1 - p_stay - p_skip) / 4   for each of the 4 step successors j
//	P(skip_n -> j) = p_skip * (1-p_skip_decay) * p_skip_decay^(n-2) * 4^-n
//
// for each of the 4^n skip-n successors j, n = 2..MaxSkip, with the tail
// (n > MaxSkip) folded into n = MaxSkip to preserve row normalisation.
// The n-2 exponent (rather than n-1) is what makes the geometric series
// over n=2..infinity sum to exactly p_skip.
func ComputeFastParams(p Params) *Transitions {
	t := &Transitions{
		params:    p,
		isDefault: p == DefaultParams,
		rows:      make([][]Edge, kmer.NStates),
	}
	stepProb := (1 - p.PStay - p.PSkip) / 4

	// Probability mass of each skip level n=2..MaxSkip, with the
	// geometric tail beyond MaxSkip folded into the last level.
	skipLevelProb := make([]float64, MaxSkip+1) // index by n, n>=2 used
	var tail float64
	for n := 2; n < 100000; n++ {
		p_n := p.PSkip * (1 - p.PSkipDecay) * math.Pow(p.PSkipDecay, float64(n-2))
		if n > MaxSkip {
			tail += p_n
			if p_n < 1e-15 {
				break
			}
			continue
		}
		skipLevelProb[n] = p_n
	}
	skipLevelProb[MaxSkip] += tail

	for i := 0; i < kmer.NStates; i++ {
		edges := make([]Edge, 0, 4+4*(MaxSkip-1))
		if p.PStay > 0 {
			edges = append(edges, Edge{Dst: i, LogProb: math.Log(p.PStay)})
		}
		succ := kmer.Successors(i)
		for _, j := range succ {
			if stepProb > 0 {
				edges = append(edges, Edge{Dst: j, LogProb: math.Log(stepProb)})
			}
		}
		for n := 2; n <= MaxSkip; n++ {
			total := skipLevelProb[n]
			if total <= 0 {
				continue
			}
			dsts := kmer.SkipSuccessors(i, n)
			per := total / float64(len(dsts))
			logPer := math.Log(per)
			for _, j := range dsts {
				edges = append(edges, Edge{Dst: j, LogProb: logPer})
			}
		}
		t.rows[i] = edges
	}
	t.buildPredecessors()
	return t
}

func (t *Transitions) buildPredecessors() {
	t.preds = make([][]Edge, kmer.NStates)
	for src, edges := range t.rows {
		for _, e := range edges {
			t.preds[e.Dst] = append(t.preds[e.Dst], Edge{Dst: src, LogProb: e.LogProb})
		}
	}
}

// ForEachSuccessor invokes fn(src, dst, logProb) for every outgoing edge of i.
func (t *Transitions) ForEachSuccessor(i int, fn func(src, dst int, logProb float64)) {
	for _, e := range t.rows[i] {
		fn(i, e.Dst, e.LogProb)
	}
}

// ForEachPredecessor invokes fn(src, dst, logProb) for every incoming edge
// of j. This is the iteration the DP kernels actually need.
func (t *Transitions) ForEachPredecessor(j int, fn func(src, dst int, logProb float64)) {
	for _, e := range t.preds[j] {
		fn(e.Dst, j, e.LogProb)
	}
}

// RowSum returns the linear-scale sum of state i's outgoing edges, for
// property testing (rows must sum to 1).
func (t *Transitions) RowSum(i int) float64 {
	var sum float64
	for _, e := range t.rows[i] {
		sum += math.Exp(e.LogProb)
	}
	return sum
}

// Write serialises the matrix: first line "p_stay p_skip p_skip_decay",
// then 4096 sparse "src dst log_prob" rows grouped by src.
func (t *Transitions) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%g %g %g\n", t.params.PStay, t.params.PSkip, t.params.PSkipDecay); err != nil {
		return err
	}
	for src, edges := range t.rows {
		for _, e := range edges {
			if _, err := fmt.Fprintf(bw, "%d %d %g\n", src, e.Dst, e.LogProb); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Read parses a transitions file written by Write (§6 transitions
// file format). Each row is renormalised to sum to 1 on the linear scale;
// if the pre-renormalisation deviation from 1 exceeds 1e-6 a WARNING is
// logged on the "transitions" channel.
func Read(r io.Reader) (*Transitions, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !sc.Scan() {
		return nil, fmt.Errorf("transitions: empty file")
	}
	header := strings.Fields(sc.Text())
	if len(header) != 3 {
		return nil, fmt.Errorf("transitions: header has %d fields, want 3", len(header))
	}
	pStay, err := strconv.ParseFloat(header[0], 64)
	if err != nil {
		return nil, fmt.Errorf("transitions: header p_stay: %w", err)
	}
	pSkip, err := strconv.ParseFloat(header[1], 64)
	if err != nil {
		return nil, fmt.Errorf("transitions: header p_skip: %w", err)
	}
	pSkipDecay, err := strconv.ParseFloat(header[2], 64)
	if err != nil {
		return nil, fmt.Errorf("transitions: header p_skip_decay: %w", err)
	}

	t := &Transitions{
		params: Params{PStay: pStay, PSkip: pSkip, PSkipDecay: pSkipDecay},
		rows:   make([][]Edge, kmer.NStates),
	}

	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			return nil, fmt.Errorf("transitions: row %q: expected 3 fields", sc.Text())
		}
		src, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("transitions: src: %w", err)
		}
		dst, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("transitions: dst: %w", err)
		}
		logProb, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("transitions: log_prob: %w", err)
		}
		if src < 0 || src >= kmer.NStates {
			return nil, fmt.Errorf("transitions: src %d out of range", src)
		}
		t.rows[src] = append(t.rows[src], Edge{Dst: dst, LogProb: logProb})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transitions: %w", err)
	}

	t.renormalizeRows()
	t.isDefault = false
	t.buildPredecessors()
	return t, nil
}

// renormalizeRows rescales each row to sum to 1 on the linear scale,
// logging a WARNING if the original deviation exceeds 1e-6.
func (t *Transitions) renormalizeRows() {
	for i, edges := range t.rows {
		if len(edges) == 0 {
			continue
		}
		var sum float64
		for _, e := range edges {
			sum += math.Exp(e.LogProb)
		}
		if math.Abs(sum-1) > 1e-6 {
			logChannel.Warningf("row %d sums to %g, renormalising", i, sum)
		}
		if sum <= 0 {
			continue
		}
		logSum := math.Log(sum)
		for j := range edges {
			edges[j].LogProb -= logSum
		}
	}
}
