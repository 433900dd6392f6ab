package usage

import "strings"

// modelRate is USD per 1000 tokens.
type modelRate struct {
	Input  float64
	Output float64
}

// pricing holds per-model token rates. Prefix matching lets versioned
// model names (gpt-4o-2024-11-20) hit their family rate.
var pricing = map[string]modelRate{
	"gpt-4":           {Input: 0.03, Output: 0.06},
	"gpt-4-turbo":     {Input: 0.01, Output: 0.03},
	"gpt-4o":          {Input: 0.005, Output: 0.015},
	"gpt-4o-mini":     {Input: 0.00015, Output: 0.0006},
	"gpt-3.5-turbo":   {Input: 0.0005, Output: 0.0015},
	"claude-3-opus":   {Input: 0.015, Output: 0.075},
	"claude-3-sonnet": {Input: 0.003, Output: 0.015},
	"claude-3-haiku":  {Input: 0.00025, Output: 0.00125},
}

// defaultRate covers models the table does not know.
var defaultRate = modelRate{Input: 0.001, Output: 0.002}

// freePrefixes mark self-hosted models that cost nothing per token.
var freePrefixes = []string{"local/", "ollama/", "llama", "mistral", "qwen"}

// EstimateCost returns the USD cost of a call before it is made.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	rate := rateFor(model)
	return float64(inputTokens)/1000*rate.Input + float64(outputTokens)/1000*rate.Output
}

func rateFor(model string) modelRate {
	m := strings.ToLower(model)
	for _, p := range freePrefixes {
		if strings.HasPrefix(m, p) {
			return modelRate{}
		}
	}
	if r, ok := pricing[m]; ok {
		return r
	}
	// Longest matching family prefix wins: gpt-4o-mini before gpt-4o
	// before gpt-4.
	var best string
	for name := range pricing {
		if strings.HasPrefix(m, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return pricing[best]
	}
	return defaultRate
}
