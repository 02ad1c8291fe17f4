// Package hmm implements the log-space dynamic-programming kernels shared
// by training and decoding: Viterbi (max-product) and Forward-Backward
// (sum-product) over the sparse k-mer transition graph.
//
// Viterbi keeps two rolling score rows plus a per-timestep back-pointer
// table for traceback, relaxing each state's sparse successor list.
// Forward-Backward keeps full [L][NState] alpha/beta tables, summing over
// sparse predecessor lists (forward) and successor lists (backward) with a
// max-shifted logsumexp. Neither builds a dense NState x NState matrix.
package hmm

import (
	"errors"
	"math"

	"github.com/kshedden/nanocall/internal/event"
	"github.com/kshedden/nanocall/internal/kmer"
	"github.com/kshedden/nanocall/internal/model"
	"github.com/kshedden/nanocall/internal/nanoerr"
	"github.com/kshedden/nanocall/internal/transitions"
)

// ErrUnreachable is returned when Viterbi's traceback finds every state at
// the final time step has probability zero (log-prob -Inf).
var ErrUnreachable = errors.New("hmm: viterbi: no state reachable with positive probability")

// ViterbiResult is the output of the Viterbi decoder.
type ViterbiResult struct {
	PathLogProb float64
	Path        []int
	BaseSeq     string
}

// Viterbi computes the most-probable k-mer state path through the HMM
// given a scaled model m, transitions t, and event sequence e (§4.5).
func Viterbi(m *model.Model, t *transitions.Transitions, e event.Sequence) (ViterbiResult, error) {
	l := len(e)
	if l == 0 {
		return ViterbiResult{}, errors.New("hmm: viterbi: empty event sequence")
	}
	n := kmer.NStates

	v := make([]float64, n)
	vPrev := make([]float64, n)
	bp := make([][]int32, l) // bp[t][j] = best predecessor of j at time t (t>=1)

	var collapsed bool
	logN := math.Log(float64(n))
	for i := 0; i < n; i++ {
		lp, c := m.LogPrEmission(i, e[0].Mean, e[0].Stdv, e[0].LogStdv)
		collapsed = collapsed || c
		v[i] = lp - logN
	}

	for tm := 1; tm < l; tm++ {
		vPrev, v = v, vPrev
		row := bp[tm]
		if row == nil {
			row = make([]int32, n)
			bp[tm] = row
		}
		for j := 0; j < n; j++ {
			v[j] = math.Inf(-1)
		}
		for i := 0; i < n; i++ {
			if math.IsInf(vPrev[i], -1) {
				continue
			}
			t.ForEachSuccessor(i, func(src, dst int, logProb float64) {
				cand := vPrev[src] + logProb
				// Deterministic tie-break: on equal log-prob, the lower
				// predecessor index wins.
				if cand > v[dst] || (cand == v[dst] && src < int(row[dst])) {
					v[dst] = cand
					row[dst] = int32(src)
				}
			})
		}
		for j := 0; j < n; j++ {
			if !math.IsInf(v[j], -1) {
				lp, c := m.LogPrEmission(j, e[tm].Mean, e[tm].Stdv, e[tm].LogStdv)
				collapsed = collapsed || c
				v[j] += lp
			}
		}
	}

	best := -1
	bestLP := math.Inf(-1)
	for j := 0; j < n; j++ {
		if v[j] > bestLP {
			bestLP = v[j]
			best = j
		} else if v[j] == bestLP && v[j] != math.Inf(-1) && (best == -1 || j < best) {
			best = j
		}
	}
	if best < 0 || math.IsInf(bestLP, -1) {
		if collapsed {
			return ViterbiResult{}, nanoerr.Singularity("hmm: viterbi: model variance collapsed, no state reachable")
		}
		return ViterbiResult{}, ErrUnreachable
	}

	path := make([]int, l)
	path[l-1] = best
	for tm := l - 1; tm > 0; tm-- {
		path[tm-1] = int(bp[tm][path[tm]])
	}

	return ViterbiResult{
		PathLogProb: bestLP,
		Path:        path,
		BaseSeq:     buildBaseSeq(path),
	}, nil
}

// buildBaseSeq reconstructs the base sequence from a k-mer state path:
// the full string of the first state, then for each subsequent step the
// newly-shifted-in base(s) -- nothing on a stay, one base on a step, n
// bases in shift order on a skip of n.
func buildBaseSeq(path []int) string {
	if len(path) == 0 {
		return ""
	}
	seq := []byte(kmer.ToString(path[0]))
	for i := 1; i < len(path); i++ {
		prev, cur := path[i-1], path[i]
		if prev == cur {
			continue // stay: no new base
		}
		seq = append(seq, newBasesOnTransition(prev, cur)...)
	}
	return string(seq)
}

// newBasesOnTransition returns the bases shifted in going from state prev
// to state cur: the trailing n bases of cur's k-mer string, where n is
// the transition's skip level (1 for a step, n for a skip of n bases).
func newBasesOnTransition(prev, cur int) []byte {
	n := kmer.TransitionSkip(prev, cur)
	curStr := kmer.ToString(cur)
	return []byte(curStr[kmer.K-n:])
}
