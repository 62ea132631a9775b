package budget

// charsPerToken is the rough character-to-token ratio used when the caller
// does not declare token counts.
const charsPerToken = 4

// defaultOutputTokens is assumed when the request does not bound its output.
const defaultOutputTokens = 1024

// Estimate computes the expected cost of an invocation from its arguments
// using the provider's rate. Token counts are taken from max_tokens /
// estimated input length when present; otherwise the prompt-bearing string
// arguments are sized at charsPerToken.
func Estimate(args map[string]any, provider string, table RateTable) float64 {
	rate, ok := table[provider]
	if !ok {
		rate = table["default"]
	}

	inputTokens := float64(argInt(args, "input_tokens"))
	if inputTokens == 0 {
		inputTokens = float64(promptChars(args)) / charsPerToken
	}

	outputTokens := float64(argInt(args, "max_tokens"))
	if outputTokens == 0 {
		outputTokens = defaultOutputTokens
	}

	return inputTokens/1000*rate.InputPer1K + outputTokens/1000*rate.OutputPer1K
}

// argInt reads an integer-ish argument.
func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// promptChars sums the lengths of the string arguments that typically carry
// prompt content.
func promptChars(args map[string]any) int {
	total := 0
	for _, key := range []string{"prompt", "input", "messages", "query", "text", "content"} {
		switch v := args[key].(type) {
		case string:
			total += len(v)
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok {
					total += len(s)
				}
			}
		}
	}
	return total
}
