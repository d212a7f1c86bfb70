// Package pricing estimates the USD cost of candidate generation
// calls so per-session spend can be logged alongside token counts.
package pricing

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Pricing for the generation and embedding providers TaskBridge can be
// configured with, as of Feb 2026.
var knownModels = map[string]ModelPricing{
	// Gemini
	"gemini-2.0-flash-exp":  {0.0, 0.0},
	"gemini-1.5-pro":        {1.25, 5.00},
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	// Anthropic
	"claude-3-7-sonnet":     {3.00, 15.00},
	"claude-sonnet-4-5":     {3.00, 15.00},
	// OpenAI
	"gpt-4o":                {2.50, 10.00},
	"gpt-4o-mini":           {0.15, 0.60},
}

// EstimateCost returns the estimated USD cost for the given token
// counts. An unknown model costs zero rather than guessing, so cost
// log lines stay trustworthy.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := knownModels[model]
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}
