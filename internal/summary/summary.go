// Package summary condenses a finished call's transcript into a short
// note for the call record.
package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/callbridge/internal/metrics"
	"github.com/hubenschmidt/callbridge/internal/prompts"
	"github.com/hubenschmidt/callbridge/internal/transcript"
)

// minTurns is the shortest conversation worth summarizing.
const minTurns = 2

// Summarizer turns a transcript into a summary.
type Summarizer interface {
	Summarize(ctx context.Context, turns []transcript.Turn) (string, error)
}

// Config configures an Agent summarizer.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Agent summarizes through the agents SDK against any OpenAI-compatible
// chat completions endpoint.
type Agent struct {
	provider  agents.ModelProvider
	model     string
	maxTokens int
}

// New builds an Agent summarizer. An empty BaseURL targets OpenAI.
func New(cfg Config) *Agent {
	params := agents.OpenAIProviderParams{UseResponses: param.NewOpt(false)}
	if cfg.APIKey != "" {
		params.APIKey = param.NewOpt(cfg.APIKey)
	}
	if cfg.BaseURL != "" {
		params.BaseURL = param.NewOpt(cfg.BaseURL)
	}
	return NewWithProvider(agents.NewOpenAIProvider(params), cfg.Model, cfg.MaxTokens)
}

func NewWithProvider(provider agents.ModelProvider, model string, maxTokens int) *Agent {
	if maxTokens <= 0 {
		maxTokens = 200
	}
	return &Agent{provider: provider, model: model, maxTokens: maxTokens}
}

// Summarize returns an empty summary for calls too short to be worth one.
func (a *Agent) Summarize(ctx context.Context, turns []transcript.Turn) (string, error) {
	input, ok := Input(turns)
	if !ok {
		return "", nil
	}

	agent := agents.New("summarizer").
		WithInstructions(prompts.Summary).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	start := time.Now()
	events, errCh, err := runner.RunStreamedChan(ctx, agent, input)
	if err != nil {
		metrics.Errors.WithLabelValues("summary", "start").Inc()
		return "", fmt.Errorf("summary stream start: %w", err)
	}

	var buf strings.Builder
	for ev := range events {
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok || raw.Data.Type != "response.output_text.delta" {
			continue
		}
		buf.WriteString(raw.Data.Delta)
	}
	if streamErr := <-errCh; streamErr != nil {
		metrics.Errors.WithLabelValues("summary", "stream").Inc()
		return "", fmt.Errorf("summary stream: %w", streamErr)
	}

	metrics.StageDuration.WithLabelValues("summary").Observe(time.Since(start).Seconds())
	return strings.TrimSpace(buf.String()), nil
}

// Input renders the transcript the summarizer reads. It reports false when
// the caller never spoke or the call has too few turns.
func Input(turns []transcript.Turn) (string, bool) {
	if len(turns) < minTurns {
		return "", false
	}
	spoke := false
	for _, t := range turns {
		if t.Role == transcript.RoleUser && strings.TrimSpace(t.Text) != "" {
			spoke = true
			break
		}
	}
	if !spoke {
		return "", false
	}
	return transcript.Format(turns), true
}
