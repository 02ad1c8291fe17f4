package event

import "testing"

func TestApplyDriftCorrection(t *testing.T) {
	s := Sequence{
		New(10, 1, 0, 1),
		New(10, 1, 1, 1),
		New(10, 1, 2, 1),
	}
	s.ApplyDriftCorrection(1.0)
	want := []float64{10, 9, 8}
	for i, e := range s {
		if e.Mean != want[i] {
			t.Errorf("event %d mean = %g, want %g", i, e.Mean, want[i])
		}
	}
}

func TestDriftCorrectedLeavesOriginalUntouched(t *testing.T) {
	s := Sequence{New(10, 1, 0, 1), New(10, 1, 1, 1), New(10, 1, 2, 1)}
	c := s.DriftCorrected(1.0)

	wantOrig := []float64{10, 10, 10}
	for i, e := range s {
		if e.Mean != wantOrig[i] {
			t.Errorf("original event %d mean = %g, want %g (must not be mutated)", i, e.Mean, wantOrig[i])
		}
	}
	wantCorrected := []float64{10, 9, 8}
	for i, e := range c {
		if e.Mean != wantCorrected[i] {
			t.Errorf("corrected event %d mean = %g, want %g", i, e.Mean, wantCorrected[i])
		}
	}
}

func TestDriftCorrectedZeroDriftReturnsSameSlice(t *testing.T) {
	s := Sequence{New(10, 1, 0, 1), New(10, 1, 1, 1)}
	c := s.DriftCorrected(0)
	if &c[0] != &s[0] {
		t.Error("zero drift should return s unchanged, not a copy")
	}
}

func TestMeanStdv(t *testing.T) {
	s := Sequence{New(1, 1, 0, 1), New(2, 1, 1, 1), New(3, 1, 2, 1)}
	mean, _ := s.MeanStdv()
	if mean != 2 {
		t.Errorf("mean = %g, want 2", mean)
	}
}

func TestMeanStdvEmpty(t *testing.T) {
	var s Sequence
	mean, stdv := s.MeanStdv()
	if mean != 0 || stdv != 0 {
		t.Errorf("empty sequence stats = (%g, %g), want (0, 0)", mean, stdv)
	}
}
