package memory

import "unicode/utf8"

// TokenEstimator converts text to an estimated token count. It must be
// pure.
type TokenEstimator func(text string) int

// EstimateTokens is the default estimator: ceil(characters / 4).
// Overestimates dense text rather than undercounting.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
