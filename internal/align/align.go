// Package align implements the pairwise DNA alignment invoked by the
// 2D-consensus step (§4.9.e). It is intentionally minimal: only the one
// global-alignment operation needed to merge a template and complement
// call is implemented here.
package align

// scoring matches nanocall.cpp's seqan::Score<int, Simple>(0, -1, -1)
// (match=0, mismatch=-1, gap=-1) recast as a maximization DP.
const (
	matchScore    = 0
	mismatchScore = -1
	gapScore      = -1
)

// GlobalAlign computes the optimal global (Needleman-Wunsch) alignment of
// a and b over the DNA alphabet and returns its score plus the two padded
// rows ('-' for a gap).
func GlobalAlign(a, b string) (score int, rowA, rowB string) {
	n, m := len(a), len(b)

	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := 0; i <= n; i++ {
		dp[i][0] = i * gapScore
	}
	for j := 0; j <= m; j++ {
		dp[0][j] = j * gapScore
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			sub := dp[i-1][j-1] + subScore(a[i-1], b[j-1])
			del := dp[i-1][j] + gapScore
			ins := dp[i][j-1] + gapScore
			dp[i][j] = max3(sub, del, ins)
		}
	}

	var ra, rb []byte
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && dp[i][j] == dp[i-1][j-1]+subScore(a[i-1], b[j-1]):
			ra = append(ra, a[i-1])
			rb = append(rb, b[j-1])
			i--
			j--
		case i > 0 && dp[i][j] == dp[i-1][j]+gapScore:
			ra = append(ra, a[i-1])
			rb = append(rb, '-')
			i--
		default:
			ra = append(ra, '-')
			rb = append(rb, b[j-1])
			j--
		}
	}
	reverseBytes(ra)
	reverseBytes(rb)

	return dp[n][m], string(ra), string(rb)
}

func subScore(x, y byte) int {
	if x == y {
		return matchScore
	}
	return mismatchScore
}

func max3(a, b, c int) int {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
