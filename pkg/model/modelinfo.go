package model

// ModelInfo is the pricing and context-window metadata the middleware
// chain needs to enforce cost and token limits. Populated from a model
// catalog keyed by (provider, model id).
type ModelInfo struct {
	Provider      string
	ID            string
	ContextWindow int

	// InputPrice and OutputPrice are USD per million tokens.
	InputPrice  float64
	OutputPrice float64
}

// EstimateCostUSD returns the USD cost of the given token counts under
// this model's pricing.
func (m ModelInfo) EstimateCostUSD(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*m.InputPrice + float64(outputTokens)/1_000_000*m.OutputPrice
}
