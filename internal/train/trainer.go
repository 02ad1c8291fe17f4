// Package train implements one Baum-Welch round of the per-read parameter
// fit: six-parameter affine rescaling plus the state-transition
// probabilities, by posterior-weighted moment accumulation followed by
// closed-form updates over the sparse per-read transition graph.
package train

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/kshedden/nanocall/internal/event"
	"github.com/kshedden/nanocall/internal/hmm"
	"github.com/kshedden/nanocall/internal/kmer"
	"github.com/kshedden/nanocall/internal/model"
	"github.com/kshedden/nanocall/internal/nanolog"
	"github.com/kshedden/nanocall/internal/transitions"
)

var logChannel = nanolog.ForChannel("train")

// Eps is the positivity floor enforced on Scale, Var, ScaleSD, and VarSD.
const Eps = 1e-6

// Segment is one stretch of training events drawn from one strand of a
// read (§4.9.b: head/tail chunks of scaling_num_events/2 events).
type Segment struct {
	StrandIdx int // indexes Models/PMParams; always 0 in "single" scaling mode
	Events    event.Sequence
}

// RoundInput is everything one Baum-Welch round needs (§4.7).
type RoundInput struct {
	Segments         []Segment
	Models           []*model.Model // unscaled; len 1 (single) or 2 (double)
	PMParams         []model.Params // parallel to Models
	STParams         transitions.Params
	Trans            *transitions.Transitions // non-nil: use directly instead of rebuilding from STParams
	TrainScaling     bool
	TrainTransitions bool
	Double           bool // §4.7 step 6: constrain pm_params identical across strands
}

// RoundOutput is the updated parameters and round diagnostics. Trans
// carries forward the matrix actually used this round; it is nil once
// TrainTransitions has re-estimated STParams, signalling that the next
// round must rebuild its matrix from the new scalars.
type RoundOutput struct {
	PMParams []model.Params
	STParams transitions.Params
	Trans    *transitions.Transitions
	LogLik   float64
	Done     bool
}

type fbPair struct {
	events event.Sequence
	fb     *hmm.Result
}

// Round runs Forward-Backward over every training segment under the
// current parameters, then performs the closed-form M-step updates of
// §4.7.
func Round(in RoundInput) (RoundOutput, error) {
	if len(in.Models) == 0 {
		return RoundOutput{}, errors.New("train: no models supplied")
	}

	scaled := make([]*model.Model, len(in.Models))
	for i, m := range in.Models {
		scaled[i] = m.Scale(in.PMParams[i])
	}
	trans := in.Trans
	if trans == nil {
		trans = transitions.ComputeFastParams(in.STParams)
	}

	pairs := make([][]fbPair, len(in.Models))
	accs := make([]*momentAcc, len(in.Models))
	for i := range accs {
		accs[i] = newMomentAcc()
	}

	var logLik float64
	for _, seg := range in.Segments {
		if len(seg.Events) == 0 {
			continue
		}
		mi := seg.StrandIdx
		if mi < 0 || mi >= len(scaled) {
			mi = 0
		}
		corrected := seg.Events.DriftCorrected(in.PMParams[mi].Drift)
		fb, err := hmm.ForwardBackward(scaled[mi], trans, corrected)
		if err != nil {
			return RoundOutput{}, err
		}
		logLik += fb.LogZ
		// accumulateFirstMoments fits drift itself against the raw
		// (uncorrected) event means, so the original events are kept
		// here even though Forward-Backward ran on the corrected copy.
		pairs[mi] = append(pairs[mi], fbPair{events: seg.Events, fb: fb})
		accs[mi].accumulateFirstMoments(in.Models[mi], seg.Events, fb)
	}

	out := RoundOutput{
		PMParams: append([]model.Params(nil), in.PMParams...),
		STParams: in.STParams,
		Trans:    trans,
	}

	if in.TrainScaling {
		clamped, total := 0, 0
		for i := range accs {
			p, c := accs[i].fitScaling(in.Models[i], pairs[i], in.PMParams[i])
			out.PMParams[i] = p
			clamped += c
			total += 6
		}
		if in.Double && len(out.PMParams) > 1 {
			out.PMParams = broadcastShared(out.PMParams)
		}
		if total > 0 && 2*clamped >= total {
			out.Done = true
			logChannel.Warningf("scaling fit clamped %d/%d parameters, stopping", clamped, total)
		}
	}

	if in.TrainTransitions {
		st, err := fitTransitions(pairs, in.STParams)
		if err != nil {
			logChannel.Warningf("transition re-estimation skipped: %v", err)
		} else {
			out.STParams = st
			out.Trans = nil
		}
	}

	out.LogLik = logLik
	return out, nil
}

// broadcastShared averages a set of per-strand pm_params and assigns the
// average back to every strand (§4.7 step 6, "double" mode).
func broadcastShared(ps []model.Params) []model.Params {
	var avg model.Params
	for _, p := range ps {
		avg.Scale += p.Scale
		avg.Shift += p.Shift
		avg.Drift += p.Drift
		avg.Var += p.Var
		avg.ScaleSD += p.ScaleSD
		avg.VarSD += p.VarSD
	}
	n := float64(len(ps))
	avg.Scale /= n
	avg.Shift /= n
	avg.Drift /= n
	avg.Var /= n
	avg.ScaleSD /= n
	avg.VarSD /= n
	out := make([]model.Params, len(ps))
	for i := range out {
		out[i] = avg
	}
	return out
}

// momentAcc accumulates the weighted first moments needed to fit
// (scale, shift, drift, scale_sd) via two small weighted linear systems,
// one observation at a time, in O(NState + NEvents) per segment.
type momentAcc struct {
	n float64 // Sigma w

	// event mean ~ scale*x1 + shift + drift*x2, x1 = state level_mean, x2 = t - t0
	sx1, sx2, sy        float64
	sx1x1, sx2x2, sx1x2 float64
	sx1y, sx2y          float64

	// event stdv ~ scale_sd * x, x = state sd_mean (through the origin)
	sSDxx, sSDxy float64
}

func newMomentAcc() *momentAcc { return &momentAcc{} }

// accumulateFirstMoments adds one segment's posterior-weighted moments.
// base is the unscaled model: §4.7 step 4 fits the new affine
// parameters against the model's original (level_mean, sd_mean), not
// against the already-scaled values used to run Forward-Backward.
func (a *momentAcc) accumulateFirstMoments(base *model.Model, e event.Sequence, fb *hmm.Result) {
	if len(e) == 0 {
		return
	}
	t0 := e[0].StartTime
	for t, ev := range e {
		x2 := ev.StartTime - t0
		for i := 0; i < kmer.NStates; i++ {
			g := fb.Gamma(t, i)
			if math.IsInf(g, -1) {
				continue
			}
			w := math.Exp(g)
			if w <= 0 {
				continue
			}
			s := &base.States[i]
			x1 := s.LevelMean

			a.n += w
			a.sx1 += w * x1
			a.sx2 += w * x2
			a.sy += w * ev.Mean
			a.sx1x1 += w * x1 * x1
			a.sx2x2 += w * x2 * x2
			a.sx1x2 += w * x1 * x2
			a.sx1y += w * x1 * ev.Mean
			a.sx2y += w * x2 * ev.Mean

			a.sSDxx += w * s.SDMean * s.SDMean
			a.sSDxy += w * s.SDMean * ev.Stdv
		}
	}
}

// fitScaling solves §4.7 step 4's closed-form updates and returns the
// new parameters plus the count of the four positivity-constrained
// parameters (scale, var, scale_sd, var_sd) that had to be clamped to Eps.
func (a *momentAcc) fitScaling(base *model.Model, pairs []fbPair, prior model.Params) (model.Params, int) {
	if a.n <= 0 {
		return prior, 0
	}

	scale, shift, drift := solveAffine3(a.n, a.sx1, a.sx2, a.sy, a.sx1x1, a.sx2x2, a.sx1x2, a.sx1y, a.sx2y)
	clamped := 0
	if scale <= Eps {
		scale = Eps
		clamped++
	}

	scaleSD := a.sSDxy / a.sSDxx
	if math.IsNaN(scaleSD) || a.sSDxx <= 0 {
		scaleSD = prior.ScaleSD
	}
	if scaleSD <= Eps {
		scaleSD = Eps
		clamped++
	}

	var varNum, varDen, varSDNum, varSDDen float64
	for _, p := range pairs {
		t0 := p.events[0].StartTime
		for t, ev := range p.events {
			x2 := ev.StartTime - t0
			for i := 0; i < kmer.NStates; i++ {
				g := p.fb.Gamma(t, i)
				if math.IsInf(g, -1) {
					continue
				}
				w := math.Exp(g)
				if w <= 0 {
					continue
				}
				s := &base.States[i]

				mean := scale*s.LevelMean + shift + drift*x2
				resid := ev.Mean - mean
				varNum += w * resid * resid / (s.LevelStdv * s.LevelStdv)
				varDen += w

				mu := scaleSD * s.SDMean
				d := ev.Stdv - mu
				varSDDen += w * s.SDLambda * d * d / (mu * mu * ev.Stdv)
				varSDNum += w
			}
		}
	}

	vr := prior.Var
	if varDen > 0 {
		vr = math.Sqrt(varNum / varDen)
	}
	if vr <= Eps {
		vr = Eps
		clamped++
	}

	vsd := prior.VarSD
	if varSDDen > 0 {
		vsd = varSDNum / varSDDen
	}
	if vsd <= Eps {
		vsd = Eps
		clamped++
	}

	return model.Params{Scale: scale, Shift: shift, Drift: drift, Var: vr, ScaleSD: scaleSD, VarSD: vsd}, clamped
}

// solveAffine3 solves the 3x3 weighted normal equations for the model
//
//	y = scale*x1 + shift + drift*x2
//
// by Cramer's rule.
func solveAffine3(n, sx1, sx2, sy, sx1x1, sx2x2, sx1x2, sx1y, sx2y float64) (scale, shift, drift float64) {
	// Normal equations, rows ordered (shift, scale, drift):
	//   [ n    sx1   sx2  ] [shift]   [sy  ]
	//   [ sx1  sx1x1 sx1x2] [scale] = [sx1y]
	//   [ sx2  sx1x2 sx2x2] [drift]   [sx2y]
	a := [3][3]float64{
		{n, sx1, sx2},
		{sx1, sx1x1, sx1x2},
		{sx2, sx1x2, sx2x2},
	}
	b := [3]float64{sy, sx1y, sx2y}

	det := det3(a)
	if math.Abs(det) < 1e-12 {
		return 1, 0, 0
	}

	var x [3]float64
	for col := 0; col < 3; col++ {
		m := a
		for row := 0; row < 3; row++ {
			m[row][col] = b[row]
		}
		x[col] = det3(m) / det
	}
	return x[1], x[0], x[2]
}

func det3(m [3][3]float64) float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// fitTransitions re-estimates p_stay, p_skip, and p_skip_decay from the
// accumulated edge posteriors (§4.7 step 5): p_stay from the
// self-loop posterior mass, p_skip from the total skip-edge mass, and
// p_skip_decay by weighted least squares on log(mass_n) vs n-1.
func fitTransitions(pairs [][]fbPair, prior transitions.Params) (transitions.Params, error) {
	var selfMass, totalMass float64
	var skipMass [kmer.K + 1]float64 // indexed by skip level n; n=1 is "step"

	for _, strand := range pairs {
		for _, p := range strand {
			for t := 0; t < len(p.events)-1; t++ {
				p.fb.ForEachXi(t, func(src, dst int, logXi float64) {
					xi := math.Exp(logXi)
					if xi <= 0 {
						return
					}
					totalMass += xi
					n := kmer.TransitionSkip(src, dst)
					if n == 0 {
						// A skip-n edge that lands back on a homopolymer state
						// (e.g. AAAAAA skip-2 -> AAAAAA) is indistinguishable
						// from a stay here and gets folded into selfMass.
						selfMass += xi
						return
					}
					skipMass[n] += xi
				})
			}
		}
	}
	if totalMass <= 0 {
		return prior, errors.New("train: no transition posterior mass accumulated")
	}

	pStay := selfMass / totalMass
	pSkip := floats.Sum(skipMass[2:]) / totalMass

	xs := make([]float64, 0, kmer.K)
	ys := make([]float64, 0, kmer.K)
	ws := make([]float64, 0, kmer.K)
	for n := 2; n <= kmer.K; n++ {
		if skipMass[n] <= 0 {
			continue
		}
		xs = append(xs, float64(n-1))
		ys = append(ys, math.Log(skipMass[n]))
		ws = append(ws, skipMass[n])
	}
	pSkipDecay := prior.PSkipDecay
	if len(xs) >= 2 {
		pSkipDecay = math.Exp(weightedSlope(xs, ys, ws))
	}

	pStay = clamp01(pStay)
	pSkip = clamp01(pSkip)
	pSkipDecay = clamp01(pSkipDecay)

	return transitions.Params{PStay: pStay, PSkip: pSkip, PSkipDecay: pSkipDecay}, nil
}

// weightedSlope returns the slope of the weighted least-squares line
// through (xs, ys) with weights ws.
func weightedSlope(xs, ys, ws []float64) float64 {
	var sw, swx, swy, swxx, swxy float64
	for i := range xs {
		w := ws[i]
		sw += w
		swx += w * xs[i]
		swy += w * ys[i]
		swxx += w * xs[i] * xs[i]
		swxy += w * xs[i] * ys[i]
	}
	den := sw*swxx - swx*swx
	if math.Abs(den) < 1e-12 {
		return 0
	}
	return (sw*swxy - swx*swy) / den
}

func clamp01(p float64) float64 {
	return math.Max(Eps, math.Min(1-Eps, p))
}
