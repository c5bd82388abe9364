// Package llm holds the provider-neutral request and response shapes used
// by the classifier.
package llm

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEnd       StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
)

// Request is a single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
}

// Response is the text the model produced.
type Response struct {
	Text       string
	StopReason StopReason
	Usage      Usage
}

// Usage is the token accounting for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}
