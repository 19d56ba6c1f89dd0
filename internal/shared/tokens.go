package shared

// EstimateTokens approximates the token count of text as a quarter of its
// UTF-8 byte length, rounding up. Good enough for budget enforcement.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
