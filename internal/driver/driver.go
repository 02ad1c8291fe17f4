// Package driver runs the per-read pipeline of §4.9: load events,
// build training segments, run Baum-Welch, decode with Viterbi, and emit
// FASTA. Train and Decode are kept as separate methods so the caller can
// run them as two sequential worker-pool phases over every read (§5),
// rather than interleaving training and decoding within a single pass.
package driver

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kshedden/nanocall/internal/align"
	"github.com/kshedden/nanocall/internal/event"
	"github.com/kshedden/nanocall/internal/hmm"
	"github.com/kshedden/nanocall/internal/model"
	"github.com/kshedden/nanocall/internal/nanoerr"
	"github.com/kshedden/nanocall/internal/nanolog"
	"github.com/kshedden/nanocall/internal/read"
	"github.com/kshedden/nanocall/internal/stats"
	"github.com/kshedden/nanocall/internal/train"
	"github.com/kshedden/nanocall/internal/transitions"
)

var logChannel = nanolog.ForChannel("driver")

var strands = [2]event.Strand{event.Template, event.Complement}

// Config holds the per-read tunables of §6.
type Config struct {
	MinReadLen int
	MaxReadLen int

	Train            bool
	OnlyTrain        bool
	TrainScaling     bool
	TrainTransitions bool
	DoubleStrand     bool // scale_strands_together (§4.7 step 6)

	ScalingNumEvents       int
	ScalingMaxRounds       int
	ScalingMinProgress     float64
	ScalingSelectThreshold float64

	PrStay float64
	PrSkip float64

	TwoDHMM        bool
	FastaLineWidth int
}

// Driver runs §4.9 against a fixed, read-only model dictionary and
// default transition matrix, shared across every worker (§5).
type Driver struct {
	Config       Config
	Models       model.Dict
	DefaultTrans *transitions.Transitions
}

// New returns a Driver.
func New(cfg Config, models model.Dict, defaultTrans *transitions.Transitions) *Driver {
	return &Driver{Config: cfg, Models: models, DefaultTrans: defaultTrans}
}

// Result is what Decode produces for one read.
type Result struct {
	FASTA string
	Stat  stats.ReadStat
}

// modelFit is one candidate model's training outcome for one strand.
type modelFit struct {
	pmParams model.Params
	stParams transitions.Params
	logLik   float64
	rounds   int
}

// Train runs §4.9 steps a-c for one read: load events, fit every
// candidate model's parameters, and lock in a preferred model if
// selection is unambiguous. Results are written back onto s for Decode
// to consume later; events are released before returning (§5).
func (d *Driver) Train(s *read.Summary) error {
	defer s.DropEvents()

	var events [2]event.Sequence
	var loaded [2]bool
	for strandIdx, strand := range strands {
		e, err := s.LoadEvents(strand) // §4.9.a
		if err != nil {
			logChannel.Errorf("%s: loading strand %d events: %v", s.ReadID, strandIdx, err)
			continue
		}
		if len(e) < d.Config.MinReadLen || len(e) > d.Config.MaxReadLen {
			continue
		}
		events[strandIdx] = e
		loaded[strandIdx] = true
	}

	// §4.7 step 6: candidates tagged for both strands are fit jointly
	// with a shared pm_params when --double-strand-scaling (the
	// default) is set and both strands cleared the length filter.
	shared := make(map[string]bool)
	if d.Config.DoubleStrand && loaded[0] && loaded[1] {
		for _, name := range d.Models.ForStrand(model.Both) {
			shared[name] = true
		}
	}

	var fitLL [2]map[string]float64
	for i := range fitLL {
		fitLL[i] = make(map[string]float64)
	}

	for name := range shared {
		fits, err := d.trainDouble(s.ReadID, d.Models[name], [2]event.Sequence{events[0], events[1]})
		if err != nil {
			logChannel.Warningf("%s: joint training %s: %v", s.ReadID, name, err)
			continue
		}
		key := read.ModelKey(name)
		for strandIdx, f := range fits {
			s.PMParams[key] = f.pmParams
			st := s.STParams[key]
			st[strandIdx] = f.stParams
			s.STParams[key] = st
			fitLL[strandIdx][name] = f.logLik
			s.TrainingRounds += f.rounds
		}
	}

	for strandIdx := range strands {
		if !loaded[strandIdx] {
			continue
		}
		candidates := d.Models.ForStrand(modelStrand(strands[strandIdx]))
		if len(candidates) == 0 {
			logChannel.Warningf("%s: no candidate models for strand %d", s.ReadID, strandIdx)
			continue
		}
		for _, name := range candidates {
			if shared[name] {
				continue // already jointly trained above
			}
			f, err := d.trainOne(s.ReadID, d.Models[name], events[strandIdx]) // §4.9.b, c
			if err != nil {
				logChannel.Warningf("%s: training %s on strand %d: %v", s.ReadID, name, strandIdx, err)
				continue
			}
			key := read.ModelKey(name)
			s.PMParams[key] = f.pmParams
			st := s.STParams[key]
			st[strandIdx] = f.stParams
			s.STParams[key] = st
			fitLL[strandIdx][name] = f.logLik
			s.TrainingRounds += f.rounds
		}
	}

	for strandIdx := range strands {
		if winner, ok := train.Select(fitLL[strandIdx], d.Config.ScalingSelectThreshold); ok { // §4.8
			s.PreferredModel[strandIdx] = winner
		}
	}

	return nil
}

// Decode runs §4.9 steps d-f for one read, reloading whichever
// strands' events cleared the length filter during Train. Stats and
// FASTA are returned rather than written directly, so the caller can
// flush them under its own output mutex (§5).
func (d *Driver) Decode(s *read.Summary) (Result, error) {
	defer s.DropEvents()

	res := Result{Stat: stats.ReadStat{
		ReadID:         s.ReadID,
		File:           s.FilePath,
		NumEvents:      s.NumEvents,
		TrainingRounds: s.TrainingRounds,
	}}

	if d.Config.OnlyTrain {
		return res, nil
	}

	var decodedBases [2]string
	var strandOK [2]bool

	for strandIdx, strand := range strands {
		if s.NumEvents[strandIdx] < d.Config.MinReadLen || s.NumEvents[strandIdx] > d.Config.MaxReadLen {
			continue
		}
		events, err := s.LoadEvents(strand)
		if err != nil {
			logChannel.Errorf("%s: reloading strand %d events: %v", s.ReadID, strandIdx, err)
			continue
		}
		strandOK[strandIdx] = true

		base, winner, pathLP, err := d.decodeBest(s, strandIdx, events) // §4.9.d
		if err != nil {
			logChannel.Warningf("%s: decode failed on strand %d: %v", s.ReadID, strandIdx, err)
			continue
		}
		res.Stat.SelectedModel[strandIdx] = winner
		if base == "" {
			continue
		}
		decodedBases[strandIdx] = base
		res.FASTA += fastaRecord(s.ReadID, s.FilePath, strandIdx, base, d.Config.FastaLineWidth)
		res.Stat.LogLik += pathLP
		if pmP, ok := s.PMParams[read.ModelKey(winner)]; ok {
			res.Stat.PMParams[strandIdx] = pmP
			res.Stat.STParams[strandIdx] = s.STParams[read.ModelKey(winner)][strandIdx]
		}
	}

	// §4.9.e: skip silently unless both strands cleared min_read_len
	// and both decoded a non-empty sequence.
	if d.Config.TwoDHMM && strandOK[0] && strandOK[1] && decodedBases[0] != "" && decodedBases[1] != "" {
		_, rowA, rowB := align.GlobalAlign(decodedBases[0], decodedBases[1])
		seq := consensus(rowA, rowB)
		res.FASTA += fastaRecord(s.ReadID, s.FilePath, 2, seq, d.Config.FastaLineWidth)
	}

	return res, nil
}

// ProcessRead runs Train followed by Decode for one read. It is a
// single-phase convenience wrapper for callers that do not need the
// two-phase pool scheduling of §5 (tests, small one-off runs); the
// CLI driver runs Train and Decode as separate pool phases instead.
func (d *Driver) ProcessRead(s *read.Summary) (Result, error) {
	if err := d.Train(s); err != nil {
		return Result{}, err
	}
	return d.Decode(s)
}

// trainOne runs the §4.7 convergence loop for one candidate model
// against one strand's training segments.
func (d *Driver) trainOne(readID string, base *model.Model, events event.Sequence) (modelFit, error) {
	segments := buildTrainingSegments(events, d.Config.ScalingNumEvents)

	pmParams := model.Identity()
	stParams := transitions.Params{PStay: d.Config.PrStay, PSkip: d.Config.PrSkip, PSkipDecay: transitions.DefaultParams.PSkipDecay}
	trans := d.DefaultTrans // §4.3: reuse a loaded/default matrix until transitions are re-estimated

	var logLik float64
	rounds := 0
	for r := 0; r < d.Config.ScalingMaxRounds; r++ {
		in := train.RoundInput{
			Segments: []train.Segment{
				{StrandIdx: 0, Events: segments[0]},
				{StrandIdx: 0, Events: segments[1]},
			},
			Models:           []*model.Model{base},
			PMParams:         []model.Params{pmParams},
			STParams:         stParams,
			Trans:            trans,
			TrainScaling:     d.Config.Train && d.Config.TrainScaling,
			TrainTransitions: d.Config.Train && d.Config.TrainTransitions,
		}
		out, err := train.Round(in)
		if err != nil {
			if nanoerr.IsKind(err, nanoerr.SingularityKind) {
				break // §4.2: accept the last stable fit, stop retrying this candidate
			}
			return modelFit{pmParams, stParams, logLik, rounds}, err
		}
		rounds++

		dec := decideConvergence(r, out.LogLik, logLik, out.Done, d.Config.ScalingMinProgress)
		if dec.rollback {
			logChannel.Warningf("%v", nanoerr.Regression(fmt.Sprintf("%s: round %d log-likelihood %.3f regressed below %.3f, rolling back", readID, r, out.LogLik, logLik)))
			break
		}
		pmParams = out.PMParams[0]
		stParams = out.STParams
		trans = out.Trans
		logLik = out.LogLik
		if dec.stop {
			break
		}
		if !d.Config.Train {
			break // untrained fit: one pass, just to score the model
		}
	}

	return modelFit{pmParams, stParams, logLik, rounds}, nil
}

// trainDouble runs the §4.7 step 6 joint convergence loop for a
// both-strand candidate model: one Baum-Welch round covers both
// strands' segments at once and the fitted pm_params are broadcast back
// identically to each strand (train.Round's Double mode). The round cap
// is doubled unconditionally, since each round updates the shared
// parameters using half as many dedicated per-strand rounds would.
func (d *Driver) trainDouble(readID string, base *model.Model, eventsByStrand [2]event.Sequence) ([2]modelFit, error) {
	var segs [2][2]event.Sequence
	for i, e := range eventsByStrand {
		segs[i] = buildTrainingSegments(e, d.Config.ScalingNumEvents)
	}

	pmParams := [2]model.Params{model.Identity(), model.Identity()}
	stParams := transitions.Params{PStay: d.Config.PrStay, PSkip: d.Config.PrSkip, PSkipDecay: transitions.DefaultParams.PSkipDecay}
	trans := d.DefaultTrans

	fail := func(rounds int) [2]modelFit {
		return [2]modelFit{
			{pmParams[0], stParams, 0, rounds},
			{pmParams[1], stParams, 0, rounds},
		}
	}

	var jointLL float64
	rounds := 0
	for r := 0; r < d.Config.ScalingMaxRounds*2; r++ {
		in := train.RoundInput{
			Segments: []train.Segment{
				{StrandIdx: 0, Events: segs[0][0]},
				{StrandIdx: 0, Events: segs[0][1]},
				{StrandIdx: 1, Events: segs[1][0]},
				{StrandIdx: 1, Events: segs[1][1]},
			},
			Models:           []*model.Model{base, base},
			PMParams:         []model.Params{pmParams[0], pmParams[1]},
			STParams:         stParams,
			Trans:            trans,
			TrainScaling:     d.Config.Train && d.Config.TrainScaling,
			TrainTransitions: d.Config.Train && d.Config.TrainTransitions,
			Double:           true,
		}
		out, err := train.Round(in)
		if err != nil {
			if nanoerr.IsKind(err, nanoerr.SingularityKind) {
				break
			}
			return fail(rounds), err
		}
		rounds++

		dec := decideConvergence(r, out.LogLik, jointLL, out.Done, d.Config.ScalingMinProgress)
		if dec.rollback {
			logChannel.Warningf("%v", nanoerr.Regression(fmt.Sprintf("%s: joint round %d log-likelihood %.3f regressed below %.3f, rolling back", readID, r, out.LogLik, jointLL)))
			break
		}
		pmParams[0], pmParams[1] = out.PMParams[0], out.PMParams[1]
		stParams = out.STParams
		trans = out.Trans
		jointLL = out.LogLik
		if dec.stop {
			break
		}
		if !d.Config.Train {
			break
		}
	}

	// The joint round's log-likelihood covers both strands' segments;
	// split it evenly so each strand's entry stays comparable in scale
	// to a candidate trained by trainOne against one strand alone.
	return [2]modelFit{
		{pmParams[0], stParams, jointLL / 2, rounds},
		{pmParams[1], stParams, jointLL / 2, rounds},
	}, nil
}

// convergenceDecision is the §4.7 per-round outcome: roll back and
// stop (regression), accept and stop (singularity or insufficient
// progress), or accept and continue.
type convergenceDecision struct {
	rollback bool
	stop     bool
}

// decideConvergence implements §4.7's round-acceptance rule in
// isolation so it can be tested without running Baum-Welch: round r's
// newLL is compared against the prior round's prevLL (ignored on round 0,
// which has no prior to regress against).
func decideConvergence(r int, newLL, prevLL float64, done bool, minProgress float64) convergenceDecision {
	if r > 0 && newLL < prevLL-1e-6 {
		return convergenceDecision{rollback: true}
	}
	if done {
		return convergenceDecision{stop: true}
	}
	if r > 0 && newLL-prevLL < minProgress {
		return convergenceDecision{stop: true}
	}
	return convergenceDecision{}
}

// buildTrainingSegments splits events into disjoint head and tail chunks
// of scalingNumEvents/2 events each (§4.9.b).
func buildTrainingSegments(events event.Sequence, scalingNumEvents int) [2]event.Sequence {
	half := scalingNumEvents / 2
	if half <= 0 {
		half = 1
	}
	n := len(events)
	if half > n {
		half = n
	}
	head := events[:half]
	tailStart := n - half
	if tailStart < half {
		tailStart = half
	}
	return [2]event.Sequence{head, events[tailStart:]}
}

// decodeBest runs Viterbi for every applicable candidate model and picks
// the highest path_log_prob, falling back to every trained candidate when
// model selection left the read ambiguous (§4.8).
func (d *Driver) decodeBest(s *read.Summary, strandIdx int, events event.Sequence) (base, winner string, pathLP float64, err error) {
	var names []string
	if pref := s.PreferredModel[strandIdx]; pref != "" {
		names = []string{pref}
	} else {
		for key := range s.PMParams {
			names = append(names, string(key))
		}
		sort.Strings(names) // §4.8: lexicographic tie-break
	}

	pathLP = math.Inf(-1)
	found := false
	var bestScaled *model.Model
	for _, name := range names {
		key := read.ModelKey(name)
		pmP, ok := s.PMParams[key]
		if !ok {
			continue
		}
		stP := s.STParams[key][strandIdx]
		scaled := d.Models[name].Scale(pmP)
		trans := d.transitionsFor(stP)
		corrected := events.DriftCorrected(pmP.Drift) // §3/§4.4: drift is scored against events, not the model
		vr, verr := hmm.Viterbi(scaled, trans, corrected)
		if verr != nil {
			if errors.Is(verr, hmm.ErrUnreachable) || nanoerr.IsKind(verr, nanoerr.SingularityKind) { // §7: decode underflow
				continue
			}
			return "", "", 0, verr
		}
		if !found || vr.PathLogProb > pathLP {
			found = true
			pathLP = vr.PathLogProb
			base = vr.BaseSeq
			winner = name
			bestScaled = scaled
		}
	}
	if !found {
		logChannel.Warningf("%s: strand %d: every candidate model underflowed, emitting empty sequence", s.ReadID, strandIdx)
		return "", "", 0, nil
	}

	checkScalingSanity(s.ReadID, strandIdx, bestScaled, events) // §4.9.f
	return base, winner, pathLP, nil
}

// checkScalingSanity logs a non-fatal WARNING if the scaled model's mean
// level diverges from the observed event mean by more than 5 (§4.9.f).
func checkScalingSanity(readID string, strandIdx int, scaled *model.Model, events event.Sequence) {
	mean, _ := events.MeanStdv()
	if d := math.Abs(mean - scaled.Mean()); d > 5 {
		logChannel.Warningf("%s: strand %d: |event_mean - model_mean| = %.3f exceeds 5 after scaling", readID, strandIdx, d)
	}
}

// transitionsFor reuses the driver's shared transition matrix -- which
// may be an arbitrary matrix loaded from a file (§4.3, §6 -s FILE) --
// whenever transitions aren't being re-estimated for this run, rather
// than rebuilding a matrix from scalars that a loaded matrix might not
// even have come from.
func (d *Driver) transitionsFor(p transitions.Params) *transitions.Transitions {
	if !d.Config.TrainTransitions {
		return d.DefaultTrans
	}
	return transitions.ComputeFastParams(p)
}

func modelStrand(st event.Strand) model.Strand {
	if st == event.Complement {
		return model.Complement
	}
	return model.Template
}

// fastaRecord formats one FASTA record, header ">read_id:file:strand",
// wrapped to lineWidth (§6 "FASTA output").
func fastaRecord(readID, file string, strandIdx int, base string, lineWidth int) string {
	var b strings.Builder
	fmt.Fprintf(&b, ">%s:%s:%d\n", readID, file, strandIdx)
	if lineWidth <= 0 {
		lineWidth = len(base)
	}
	if lineWidth <= 0 {
		lineWidth = 1
	}
	for i := 0; i < len(base); i += lineWidth {
		end := i + lineWidth
		if end > len(base) {
			end = len(base)
		}
		b.WriteString(base[i:end])
		b.WriteByte('\n')
	}
	return b.String()
}

// consensus builds a simple per-column majority sequence from two aligned
// rows (§4.9.e's "consensus view"): a gap yields the other row's
// base; a mismatch keeps the template row's base.
func consensus(rowA, rowB string) string {
	var b strings.Builder
	for i := 0; i < len(rowA); i++ {
		a, c := rowA[i], rowB[i]
		switch {
		case a != '-':
			b.WriteByte(a)
		case c != '-':
			b.WriteByte(c)
		}
	}
	return b.String()
}
