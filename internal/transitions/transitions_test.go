package transitions

import (
	"bytes"
	"math"
	"testing"

	"github.com/kshedden/nanocall/internal/kmer"
)

func TestRowsSumToOne(t *testing.T) {
	tr := ComputeFast(0.1, 0.3)
	for i := 0; i < kmer.NStates; i += 37 { // sample, full sweep is slow but still fine
		sum := tr.RowSum(i)
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("row %d sums to %g, want 1", i, sum)
		}
	}
}

func TestIsDefault(t *testing.T) {
	tr := ComputeFastParams(DefaultParams)
	if !tr.IsDefault() {
		t.Errorf("expected default params to be flagged default")
	}
	tr2 := ComputeFast(0.5, 0.1)
	if tr2.IsDefault() {
		t.Errorf("expected non-default params to not be flagged default")
	}
}

func TestForEachPredecessorMatchesSuccessor(t *testing.T) {
	tr := ComputeFast(0.1, 0.3)
	i, _ := kmer.ToInt("AAAAAA")
	succ := kmer.Successors(i)
	j := succ[0]
	found := false
	tr.ForEachPredecessor(j, func(src, dst int, logProb float64) {
		if src == i {
			found = true
		}
	})
	if !found {
		t.Errorf("expected %d to be a predecessor of %d", i, j)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	tr := ComputeFast(0.1, 0.3)
	var buf bytes.Buffer
	if err := tr.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tr2, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := 0; i < kmer.NStates; i += 101 {
		sum := tr2.RowSum(i)
		if math.Abs(sum-1) > 1e-6 {
			t.Errorf("row %d after round trip sums to %g, want 1", i, sum)
		}
	}
}
