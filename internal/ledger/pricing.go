package ledger

// Inference pricing in credits per 1k tokens. Each token class is rounded
// up independently before summing, so a one-token call still costs a credit.
type modelRate struct {
	promptPer1K     int64
	completionPer1K int64
}

var inferenceRates = map[string]map[string]modelRate{
	"openai": {
		"gpt-4o":      {promptPer1K: 5, completionPer1K: 15},
		"gpt-4o-mini": {promptPer1K: 1, completionPer1K: 2},
	},
	"anthropic": {
		"claude-sonnet": {promptPer1K: 6, completionPer1K: 18},
		"claude-haiku":  {promptPer1K: 1, completionPer1K: 4},
	},
}

var defaultRate = modelRate{promptPer1K: 5, completionPer1K: 15}

func ceilDiv1K(tokens, per1K int64) int64 {
	if tokens <= 0 || per1K <= 0 {
		return 0
	}
	return (tokens*per1K + 999) / 1000
}

// CalculateCost prices one inference call in credits.
func CalculateCost(provider, model string, promptTokens, completionTokens int64) int64 {
	rate := defaultRate
	if models, ok := inferenceRates[provider]; ok {
		if r, ok := models[model]; ok {
			rate = r
		}
	}
	return ceilDiv1K(promptTokens, rate.promptPer1K) + ceilDiv1K(completionTokens, rate.completionPer1K)
}
