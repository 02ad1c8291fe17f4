package train

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/kshedden/nanocall/internal/event"
	"github.com/kshedden/nanocall/internal/kmer"
	"github.com/kshedden/nanocall/internal/model"
	"github.com/kshedden/nanocall/internal/transitions"
)

// flatModel builds a model where every state has the same level_mean
// (0) and sd_mean (1), so the affine fit under synthetic events whose
// mean/stdv never vary can be checked against a known identity answer.
func flatModel(t *testing.T) *model.Model {
	t.Helper()
	var b strings.Builder
	for i := 0; i < kmer.NStates; i++ {
		fmt.Fprintf(&b, "%s\t%g\t%g\t%g\t%g\n", kmer.ToString(i), 0.0, 1.0, 1.0, 1.0)
	}
	m, err := model.Read(strings.NewReader(b.String()), "flat", model.Both)
	if err != nil {
		t.Fatalf("model.Read: %v", err)
	}
	return m
}

func TestRoundIdentityRescale(t *testing.T) {
	m := flatModel(t)
	e := make(event.Sequence, 20)
	for i := range e {
		e[i] = event.New(0, 1, float64(i), 1)
	}

	in := RoundInput{
		Segments:     []Segment{{StrandIdx: 0, Events: e}},
		Models:       []*model.Model{m},
		PMParams:     []model.Params{model.Identity()},
		STParams:     transitions.DefaultParams,
		TrainScaling: true,
	}
	out, err := Round(in)
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	p := out.PMParams[0]
	if math.Abs(p.Shift) > 0.5 {
		t.Errorf("shift = %g, want near 0 for already-matching data", p.Shift)
	}
	if math.IsNaN(p.Scale) || p.Scale <= 0 {
		t.Errorf("scale = %g, want a positive finite value", p.Scale)
	}
	if math.IsInf(out.LogLik, 0) || math.IsNaN(out.LogLik) {
		t.Errorf("LogLik = %v, want a finite value", out.LogLik)
	}
}

func TestRoundTrainTransitionsProducesValidParams(t *testing.T) {
	m := flatModel(t)
	e := make(event.Sequence, 10)
	for i := range e {
		e[i] = event.New(0, 1, float64(i), 1)
	}
	in := RoundInput{
		Segments:         []Segment{{StrandIdx: 0, Events: e}},
		Models:           []*model.Model{m},
		PMParams:         []model.Params{model.Identity()},
		STParams:         transitions.DefaultParams,
		TrainTransitions: true,
	}
	out, err := Round(in)
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	for _, v := range []float64{out.STParams.PStay, out.STParams.PSkip, out.STParams.PSkipDecay} {
		if v <= 0 || v >= 1 {
			t.Errorf("transition param %g out of (0,1)", v)
		}
	}
}

func TestRoundNoModels(t *testing.T) {
	if _, err := Round(RoundInput{}); err == nil {
		t.Error("expected an error when no models are supplied")
	}
}

func TestRoundUsesSuppliedTrans(t *testing.T) {
	m := flatModel(t)
	e := make(event.Sequence, 10)
	for i := range e {
		e[i] = event.New(0, 1, float64(i), 1)
	}
	tr := transitions.ComputeFastParams(transitions.DefaultParams)

	out, err := Round(RoundInput{
		Segments: []Segment{{StrandIdx: 0, Events: e}},
		Models:   []*model.Model{m},
		PMParams: []model.Params{model.Identity()},
		STParams: transitions.DefaultParams,
		Trans:    tr,
	})
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	if out.Trans != tr {
		t.Error("Round rebuilt the transition matrix instead of reusing the supplied one")
	}
}

func TestRoundClearsTransOnceTransitionsRetrained(t *testing.T) {
	m := flatModel(t)
	e := make(event.Sequence, 10)
	for i := range e {
		e[i] = event.New(0, 1, float64(i), 1)
	}
	tr := transitions.ComputeFastParams(transitions.DefaultParams)

	out, err := Round(RoundInput{
		Segments:         []Segment{{StrandIdx: 0, Events: e}},
		Models:           []*model.Model{m},
		PMParams:         []model.Params{model.Identity()},
		STParams:         transitions.DefaultParams,
		Trans:            tr,
		TrainTransitions: true,
	})
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	if out.Trans != nil {
		t.Error("Trans should be cleared once transitions are re-estimated from scalars")
	}
}

func TestRoundDriftCorrectsEventsBeforeForwardBackward(t *testing.T) {
	m := flatModel(t)
	const drift = 2.0
	e := make(event.Sequence, 10)
	for i := range e {
		// Raw means drift upward over time; after correction they
		// should score well against the flat, zero-mean model.
		e[i] = event.New(drift*float64(i), 1, float64(i), 1)
	}

	out, err := Round(RoundInput{
		Segments: []Segment{{StrandIdx: 0, Events: e}},
		Models:   []*model.Model{m},
		PMParams: []model.Params{{Scale: 1, Var: 1, ScaleSD: 1, VarSD: 1, Drift: drift}},
		STParams: transitions.DefaultParams,
	})
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	if math.IsInf(out.LogLik, -1) || math.IsNaN(out.LogLik) {
		t.Errorf("LogLik = %v, want a finite value once drift is corrected away", out.LogLik)
	}

	uncorrected, err := Round(RoundInput{
		Segments: []Segment{{StrandIdx: 0, Events: e}},
		Models:   []*model.Model{m},
		PMParams: []model.Params{{Scale: 1, Var: 1, ScaleSD: 1, VarSD: 1}},
		STParams: transitions.DefaultParams,
	})
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	if out.LogLik <= uncorrected.LogLik {
		t.Errorf("drift-corrected LogLik (%g) should exceed uncorrected (%g)", out.LogLik, uncorrected.LogLik)
	}
}

func TestBroadcastSharedAverages(t *testing.T) {
	ps := []model.Params{
		{Scale: 1, Shift: 0, Drift: 0, Var: 1, ScaleSD: 1, VarSD: 1},
		{Scale: 3, Shift: 2, Drift: 4, Var: 3, ScaleSD: 3, VarSD: 3},
	}
	out := broadcastShared(ps)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	want := model.Params{Scale: 2, Shift: 1, Drift: 2, Var: 2, ScaleSD: 2, VarSD: 2}
	for i, p := range out {
		if p != want {
			t.Errorf("out[%d] = %+v, want %+v", i, p, want)
		}
	}
}

func TestSelectClearWinner(t *testing.T) {
	fits := map[string]float64{"a": -100, "b": -50, "c": -900}
	name, ok := Select(fits, 10)
	if !ok || name != "b" {
		t.Errorf("Select = (%q, %v), want (\"b\", true)", name, ok)
	}
}

func TestSelectAmbiguous(t *testing.T) {
	fits := map[string]float64{"a": -100, "b": -100.5}
	name, ok := Select(fits, 5)
	if ok {
		t.Errorf("Select = (%q, %v), want ambiguous (ok=false)", name, ok)
	}
}

func TestSelectSingleCandidate(t *testing.T) {
	name, ok := Select(map[string]float64{"only": -1}, 5)
	if !ok || name != "only" {
		t.Errorf("Select = (%q, %v), want (\"only\", true)", name, ok)
	}
}

func TestSelectEmpty(t *testing.T) {
	if _, ok := Select(nil, 5); ok {
		t.Error("Select on an empty fit set should not return ok=true")
	}
}
