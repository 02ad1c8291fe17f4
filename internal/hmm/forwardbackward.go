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

// Result holds the forward and backward log-probability tables produced by
// ForwardBackward for a single read over the sparse transition graph.
type Result struct {
	Alpha [][]float64 // Alpha[t][i] = log P(e[0:t+1], state(t) = i)
	Beta  [][]float64 // Beta[t][i]  = log P(e[t+1:] | state(t) = i)
	LogZ  float64     // log P(e) = log sum_i exp(Alpha[L-1][i])

	trans *transitions.Transitions
	m     *model.Model
	e     event.Sequence
}

// ForwardBackward runs the forward and backward sweeps over a scaled model
// m, transition matrix t, and event sequence e (§4.6).
func ForwardBackward(m *model.Model, t *transitions.Transitions, e event.Sequence) (*Result, error) {
	l := len(e)
	if l == 0 {
		return nil, errors.New("hmm: forwardbackward: empty event sequence")
	}
	n := kmer.NStates

	r := &Result{
		Alpha: make([][]float64, l),
		Beta:  make([][]float64, l),
		trans: t,
		m:     m,
		e:     e,
	}
	for i := range r.Alpha {
		r.Alpha[i] = make([]float64, n)
		r.Beta[i] = make([]float64, n)
	}

	var collapsed bool
	logN := math.Log(float64(n))
	for i := 0; i < n; i++ {
		lp, c := m.LogPrEmission(i, e[0].Mean, e[0].Stdv, e[0].LogStdv)
		collapsed = collapsed || c
		r.Alpha[0][i] = lp - logN
	}

	terms := make([]float64, 0, 64)
	for tm := 1; tm < l; tm++ {
		prev := r.Alpha[tm-1]
		cur := r.Alpha[tm]
		for j := 0; j < n; j++ {
			terms = terms[:0]
			t.ForEachPredecessor(j, func(src, dst int, logProb float64) {
				if !math.IsInf(prev[src], -1) {
					terms = append(terms, prev[src]+logProb)
				}
			})
			if len(terms) == 0 {
				cur[j] = math.Inf(-1)
				continue
			}
			lp, c := m.LogPrEmission(j, e[tm].Mean, e[tm].Stdv, e[tm].LogStdv)
			collapsed = collapsed || c
			cur[j] = logSumExp(terms) + lp
		}
	}

	for i := 0; i < n; i++ {
		r.Beta[l-1][i] = 0
	}
	for tm := l - 2; tm >= 0; tm-- {
		next := r.Beta[tm+1]
		cur := r.Beta[tm]
		for i := 0; i < n; i++ {
			terms = terms[:0]
			t.ForEachSuccessor(i, func(src, dst int, logProb float64) {
				if math.IsInf(next[dst], -1) {
					return
				}
				lp, _ := m.LogPrEmission(dst, e[tm+1].Mean, e[tm+1].Stdv, e[tm+1].LogStdv)
				if math.IsInf(lp, -1) {
					return
				}
				terms = append(terms, logProb+lp+next[dst])
			})
			if len(terms) == 0 {
				cur[i] = math.Inf(-1)
				continue
			}
			cur[i] = logSumExp(terms)
		}
	}

	r.LogZ = logSumExp(r.Alpha[l-1])
	if collapsed && math.IsInf(r.LogZ, -1) {
		return nil, nanoerr.Singularity("hmm: forwardbackward: model variance collapsed, no state reachable")
	}
	return r, nil
}

// Gamma returns the log posterior probability that state(t) = i,
// log P(state(t)=i | e) = Alpha[t][i] + Beta[t][i] - LogZ.
func (r *Result) Gamma(t, i int) float64 {
	return r.Alpha[t][i] + r.Beta[t][i] - r.LogZ
}

// ForEachXi invokes fn(src, dst, logXi) for every edge (src, dst) with
// nonzero posterior transition probability between time t and t+1:
//
//	log Xi(t, src, dst) = Alpha[t][src] + logProb(src,dst) + e_dst(obs[t+1]) + Beta[t+1][dst] - LogZ
//
// Iterating edge-by-edge (rather than materializing an NState x NState
// matrix) keeps the trainer's posterior accumulation within the sparse
// transition graph, matching the package's transitions.ForEachSuccessor
// iteration style.
func (r *Result) ForEachXi(t int, fn func(src, dst int, logXi float64)) {
	if t < 0 || t >= len(r.Alpha)-1 {
		return
	}
	alpha := r.Alpha[t]
	beta := r.Beta[t+1]
	obs := r.e[t+1]
	for src := 0; src < kmer.NStates; src++ {
		if math.IsInf(alpha[src], -1) {
			continue
		}
		r.trans.ForEachSuccessor(src, func(s, dst int, logProb float64) {
			if math.IsInf(beta[dst], -1) {
				return
			}
			lp, _ := r.m.LogPrEmission(dst, obs.Mean, obs.Stdv, obs.LogStdv)
			if math.IsInf(lp, -1) {
				return
			}
			fn(s, dst, alpha[s]+logProb+lp+beta[dst]-r.LogZ)
		})
	}
}
