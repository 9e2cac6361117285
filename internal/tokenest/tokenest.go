// Package tokenest provides the deterministic token estimate used for
// rate-limit budgeting. One token is approximated as 4 UTF-8 bytes of text;
// exact counts, when the upstream reports them, always take precedence.
package tokenest

// Estimate returns the estimated token count for a piece of text.
func Estimate(text string) int {
	return EstimateBytes(len(text))
}

// EstimateBytes estimates tokens from a UTF-8 byte count, rounding up so a
// non-empty text always costs at least one token.
func EstimateBytes(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
