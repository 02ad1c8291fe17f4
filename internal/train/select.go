package train

import "sort"

// Select implements §4.8: among a set of candidate pore models with
// fitted log-likelihoods, picks a preferred model only if its lead over
// the runner-up is at least threshold. A lone candidate is always
// selected. ok is false when there are no candidates or the lead is too
// small (ambiguous), in which case the driver tries every candidate at
// decode time instead.
func Select(fits map[string]float64, threshold float64) (winner string, ok bool) {
	if len(fits) == 0 {
		return "", false
	}
	names := make([]string, 0, len(fits))
	for name := range fits {
		names = append(names, name)
	}
	// Lexicographic tie-break (§4.8) requires a deterministic order
	// before picking the top two by log-likelihood.
	sort.Strings(names)
	sort.SliceStable(names, func(i, j int) bool { return fits[names[i]] > fits[names[j]] })

	if len(names) == 1 {
		return names[0], true
	}
	l1, l2 := fits[names[0]], fits[names[1]]
	if l1-l2 >= threshold {
		return names[0], true
	}
	return "", false
}
