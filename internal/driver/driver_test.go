package driver

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kshedden/nanocall/internal/event"
	"github.com/kshedden/nanocall/internal/kmer"
	"github.com/kshedden/nanocall/internal/model"
	"github.com/kshedden/nanocall/internal/read"
	"github.com/kshedden/nanocall/internal/transitions"
)

// flatModel builds a model where every state shares the same emission
// parameters, so a synthetic flat event sequence has an exact decoding
// (every transition is a self-stay) regardless of which candidate wins.
func flatModel(t *testing.T, name string) *model.Model {
	t.Helper()
	var b strings.Builder
	for i := 0; i < kmer.NStates; i++ {
		fmt.Fprintf(&b, "%s\t%g\t%g\t%g\t%g\n", kmer.ToString(i), 0.0, 1.0, 1.0, 1.0)
	}
	m, err := model.Read(strings.NewReader(b.String()), name, model.Both)
	if err != nil {
		t.Fatalf("model.Read: %v", err)
	}
	return m
}

type fakeLoader struct {
	seq event.Sequence
}

func (f *fakeLoader) LoadEvents(strand event.Strand) (event.Sequence, error) {
	return f.seq, nil
}

// twoStrandLoader hands out a different event sequence per strand, so a
// joint double-strand fit can be distinguished from two independent
// single-strand fits.
type twoStrandLoader struct {
	template, complement event.Sequence
}

func (l *twoStrandLoader) LoadEvents(strand event.Strand) (event.Sequence, error) {
	if strand == event.Complement {
		return l.complement, nil
	}
	return l.template, nil
}

func offsetFlatEvents(n int, offset float64) event.Sequence {
	e := make(event.Sequence, n)
	for i := range e {
		e[i] = event.New(offset, 1, float64(i), 1)
	}
	return e
}

func flatEvents(n int) event.Sequence {
	e := make(event.Sequence, n)
	for i := range e {
		e[i] = event.New(0, 1, float64(i), 1)
	}
	return e
}

func baseConfig() Config {
	return Config{
		MinReadLen:             5,
		MaxReadLen:             10000,
		Train:                  true,
		TrainScaling:           true,
		TrainTransitions:       false,
		ScalingNumEvents:       20,
		ScalingMaxRounds:       3,
		ScalingMinProgress:     1e-3,
		ScalingSelectThreshold: 5,
		PrStay:                 transitions.DefaultParams.PStay,
		PrSkip:                 transitions.DefaultParams.PSkip,
		FastaLineWidth:         60,
	}
}

func TestProcessReadSingleCandidate(t *testing.T) {
	m := flatModel(t, "modelA")
	dict := model.Dict{"modelA": m}
	trans := transitions.ComputeFastParams(transitions.DefaultParams)

	d := New(baseConfig(), dict, trans)
	s := read.New("read1", "read1.fast5", &fakeLoader{seq: flatEvents(30)})

	res, err := d.ProcessRead(s)
	if err != nil {
		t.Fatalf("ProcessRead: %v", err)
	}
	if !strings.Contains(res.FASTA, ">read1:read1.fast5:0") {
		t.Errorf("FASTA missing strand-0 record: %q", res.FASTA)
	}
	if res.Stat.NumEvents[0] != 30 {
		t.Errorf("NumEvents[0] = %d, want 30", res.Stat.NumEvents[0])
	}
	if res.Stat.SelectedModel[0] != "modelA" {
		t.Errorf("SelectedModel[0] = %q, want modelA", res.Stat.SelectedModel[0])
	}
}

func TestProcessReadShortReadSkipped(t *testing.T) {
	m := flatModel(t, "modelA")
	dict := model.Dict{"modelA": m}
	trans := transitions.ComputeFastParams(transitions.DefaultParams)

	cfg := baseConfig()
	cfg.MinReadLen = 50
	d := New(cfg, dict, trans)
	s := read.New("read1", "read1.fast5", &fakeLoader{seq: flatEvents(10)})

	res, err := d.ProcessRead(s)
	if err != nil {
		t.Fatalf("ProcessRead: %v", err)
	}
	if res.FASTA != "" {
		t.Errorf("FASTA = %q, want empty for a too-short read", res.FASTA)
	}
}

func TestProcessReadOnlyTrainEmitsNoFasta(t *testing.T) {
	m := flatModel(t, "modelA")
	dict := model.Dict{"modelA": m}
	trans := transitions.ComputeFastParams(transitions.DefaultParams)

	cfg := baseConfig()
	cfg.OnlyTrain = true
	d := New(cfg, dict, trans)
	s := read.New("read1", "read1.fast5", &fakeLoader{seq: flatEvents(30)})

	res, err := d.ProcessRead(s)
	if err != nil {
		t.Fatalf("ProcessRead: %v", err)
	}
	if res.FASTA != "" {
		t.Errorf("FASTA = %q, want empty with --only-train", res.FASTA)
	}
	if len(s.PMParams) == 0 {
		t.Errorf("expected fitted pm params to be recorded despite --only-train")
	}
}

func TestProcessReadAmbiguousSelectionTriesEveryCandidate(t *testing.T) {
	m1 := flatModel(t, "modelA")
	m2 := flatModel(t, "modelB")
	dict := model.Dict{"modelA": m1, "modelB": m2}
	trans := transitions.ComputeFastParams(transitions.DefaultParams)

	cfg := baseConfig()
	cfg.ScalingSelectThreshold = 1e9 // force ambiguity: nothing separates identical fits
	d := New(cfg, dict, trans)
	s := read.New("read1", "read1.fast5", &fakeLoader{seq: flatEvents(30)})

	res, err := d.ProcessRead(s)
	if err != nil {
		t.Fatalf("ProcessRead: %v", err)
	}
	if s.PreferredModel[0] != "" {
		t.Errorf("PreferredModel[0] = %q, want ambiguous (empty)", s.PreferredModel[0])
	}
	if res.FASTA == "" {
		t.Errorf("expected a decoded FASTA record even with an ambiguous selection")
	}
	if res.Stat.SelectedModel[0] != "modelA" && res.Stat.SelectedModel[0] != "modelB" {
		t.Errorf("SelectedModel[0] = %q, want one of the two candidates", res.Stat.SelectedModel[0])
	}
}

func TestDoubleStrandSharedCandidateGetsIdenticalPMParams(t *testing.T) {
	m := flatModel(t, "modelA") // model.Both-tagged, so it is a double-strand candidate
	dict := model.Dict{"modelA": m}
	trans := transitions.ComputeFastParams(transitions.DefaultParams)

	cfg := baseConfig()
	cfg.DoubleStrand = true
	d := New(cfg, dict, trans)
	// Different offsets per strand would pull independent single-strand
	// fits to different shift values; a joint fit must still land on one
	// shared pm_params for both strands.
	s := read.New("read1", "read1.fast5", &twoStrandLoader{
		template:   offsetFlatEvents(30, 2),
		complement: offsetFlatEvents(30, 6),
	})

	if err := d.Train(s); err != nil {
		t.Fatalf("Train: %v", err)
	}

	key := read.ModelKey("modelA")
	if _, ok := s.PMParams[key]; !ok {
		t.Fatalf("expected modelA to have a recorded pm_params fit")
	}
	if s.PreferredModel[0] != "modelA" || s.PreferredModel[1] != "modelA" {
		t.Fatalf("PreferredModel = %v, want modelA selected on both strands", s.PreferredModel)
	}
	stBoth := s.STParams[key]
	if stBoth[0] != stBoth[1] {
		t.Errorf("STParams differ across strands (%+v vs %+v) for a jointly-trained candidate", stBoth[0], stBoth[1])
	}
}

func TestTrainThenDecodeAsSeparatePhases(t *testing.T) {
	m := flatModel(t, "modelA")
	dict := model.Dict{"modelA": m}
	trans := transitions.ComputeFastParams(transitions.DefaultParams)

	d := New(baseConfig(), dict, trans)
	s := read.New("read1", "read1.fast5", &fakeLoader{seq: flatEvents(30)})

	if err := d.Train(s); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(s.PMParams) == 0 {
		t.Fatalf("Train did not record any fitted pm params")
	}

	res, err := d.Decode(s)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.FASTA == "" {
		t.Errorf("expected Decode to emit a FASTA record using Train's stored fit")
	}
}

func TestDecideConvergenceRegressionRollsBack(t *testing.T) {
	dec := decideConvergence(1, -100, -90, false, 1.0) // worse than prevLL
	if !dec.rollback {
		t.Errorf("expected rollback when round 1's log-likelihood regresses")
	}
}

func TestDecideConvergenceFirstRoundNeverRollsBack(t *testing.T) {
	dec := decideConvergence(0, -1e9, 0, false, 1.0) // no prior round to regress against
	if dec.rollback {
		t.Errorf("round 0 should never be treated as a regression")
	}
}

func TestDecideConvergenceSingularityStops(t *testing.T) {
	dec := decideConvergence(1, -80, -90, true, 1.0)
	if dec.rollback || !dec.stop {
		t.Errorf("expected accept-and-stop on a singularity, got %+v", dec)
	}
}

func TestDecideConvergenceInsufficientProgressStops(t *testing.T) {
	dec := decideConvergence(1, -89.9, -90, false, 1.0) // gain of 0.1 < minProgress 1.0
	if dec.rollback || !dec.stop {
		t.Errorf("expected accept-and-stop on insufficient progress, got %+v", dec)
	}
}

func TestDecideConvergenceContinues(t *testing.T) {
	dec := decideConvergence(1, -80, -90, false, 1.0) // gain of 10 >= minProgress
	if dec.rollback || dec.stop {
		t.Errorf("expected accept-and-continue, got %+v", dec)
	}
}

func TestBuildTrainingSegmentsDisjoint(t *testing.T) {
	e := flatEvents(100)
	segs := buildTrainingSegments(e, 40)
	if len(segs[0]) != 20 || len(segs[1]) != 20 {
		t.Fatalf("segment lengths = %d, %d, want 20, 20", len(segs[0]), len(segs[1]))
	}
	if segs[0][0].StartTime != 0 || segs[1][len(segs[1])-1].StartTime != 99 {
		t.Errorf("unexpected segment boundaries")
	}
}

func TestBuildTrainingSegmentsShortReadStaysDisjoint(t *testing.T) {
	e := flatEvents(10)
	segs := buildTrainingSegments(e, 40) // half=20 > n=10
	total := len(segs[0]) + len(segs[1])
	if total > len(e) {
		t.Fatalf("segments overlap: total %d events drawn from only %d", total, len(e))
	}
}

func TestFastaRecordWraps(t *testing.T) {
	out := fastaRecord("r1", "f.fast5", 0, "AAAAACCCCC", 5)
	want := ">r1:f.fast5:0\nAAAAA\nCCCCC\n"
	if out != want {
		t.Errorf("fastaRecord = %q, want %q", out, want)
	}
}

func TestTransitionsForReusesSharedMatrixWhenNotRetraining(t *testing.T) {
	custom := transitions.ComputeFastParams(transitions.Params{PStay: 0.5, PSkip: 0.1, PSkipDecay: 0.3})
	cfg := baseConfig()
	cfg.TrainTransitions = false
	d := New(cfg, model.Dict{}, custom)

	got := d.transitionsFor(transitions.Params{PStay: 0.9, PSkip: 0.01, PSkipDecay: 0.5}) // params that don't match custom at all
	if got != custom {
		t.Error("transitionsFor should return the driver's shared matrix whenever transitions aren't being re-estimated, regardless of the passed-in params")
	}
}

func TestTransitionsForRebuildsFromScalarsWhenRetraining(t *testing.T) {
	custom := transitions.ComputeFastParams(transitions.Params{PStay: 0.5, PSkip: 0.1, PSkipDecay: 0.3})
	cfg := baseConfig()
	cfg.TrainTransitions = true
	d := New(cfg, model.Dict{}, custom)

	p := transitions.Params{PStay: 0.05, PSkip: 0.2, PSkipDecay: 0.4}
	got := d.transitionsFor(p)
	if got == custom {
		t.Error("transitionsFor should rebuild from the fitted scalars once transitions are being re-estimated")
	}
	if got.Params() != p {
		t.Errorf("rebuilt matrix params = %+v, want %+v", got.Params(), p)
	}
}

func TestConsensusFillsGapsFromEitherRow(t *testing.T) {
	got := consensus("AC-GT", "ACGG-")
	want := "ACGGT"
	if got != want {
		t.Errorf("consensus = %q, want %q", got, want)
	}
}
