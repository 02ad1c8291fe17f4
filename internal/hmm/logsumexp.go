package hmm

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// logSumExp returns log(sum(exp(x))), shifting by the maximum for stability.
func logSumExp(x []float64) float64 {
	mx := floats.Max(x)
	if math.IsInf(mx, -1) {
		return mx
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(v - mx)
	}
	return mx + math.Log(sum)
}
