package providers

import (
	"context"
	"time"
)

// CompletionRequest is one streamed chat completion.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// CompletionResult holds the complete response with timing.
type CompletionResult struct {
	Text               string     `json:"text"`
	ToolCalls          []ToolCall `json:"tool_calls,omitempty"`
	LatencyMs          float64    `json:"latency_ms"`
	TimeToFirstTokenMs float64    `json:"ttft_ms"`
}

// TokenCallback is called for each streamed text token.
type TokenCallback func(token string)

// CompletionProvider streams chat completions with function calling.
type CompletionProvider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest, onToken TokenCallback) (*CompletionResult, error)
}

// streamResult accumulates a streamed response.
type streamResult struct {
	text      string
	toolCalls []ToolCall
	ttft      time.Time
}

func (sr *streamResult) addText(text string, onToken TokenCallback) {
	if text == "" {
		return
	}
	if sr.ttft.IsZero() {
		sr.ttft = time.Now()
	}
	if onToken != nil {
		onToken(text)
	}
	sr.text += text
}

func (sr *streamResult) result(start time.Time) *CompletionResult {
	ttft := float64(0)
	if !sr.ttft.IsZero() {
		ttft = float64(sr.ttft.Sub(start).Milliseconds())
	}
	return &CompletionResult{
		Text:               sr.text,
		ToolCalls:          sr.toolCalls,
		LatencyMs:          float64(time.Since(start).Milliseconds()),
		TimeToFirstTokenMs: ttft,
	}
}
