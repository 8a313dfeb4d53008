package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/metrics"
)

// Gemini streams completions from the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string, poolSize int) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: NewPooledHTTPClient(poolSize, 120*time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (c *Gemini) Name() string { return "gemini" }

func (c *Gemini) Complete(ctx context.Context, req CompletionRequest, onToken TokenCallback) (*CompletionResult, error) {
	start := time.Now()
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	var sr streamResult
	for resp, err := range c.client.Models.GenerateContentStream(ctx, model, toGeminiContents(req.Messages), geminiConfig(req)) {
		if err != nil {
			metrics.Errors.WithLabelValues("llm", "stream").Inc()
			return nil, classifyGemini(err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.FunctionCall != nil {
				sr.toolCalls = append(sr.toolCalls, fromGeminiCall(part.FunctionCall))
				continue
			}
			if !part.Thought {
				sr.addText(part.Text, onToken)
			}
		}
	}

	metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	return sr.result(start), nil
}

func geminiConfig(req CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// toGeminiContents maps the conversation onto user/model turns. Tool
// results travel as function responses inside a user turn.
func toGeminiContents(msgs []Message) []*genai.Content {
	var out []*genai.Content
	push := func(role string, part *genai.Part) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, part)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			push("user", &genai.Part{Text: m.Content})
		case RoleAssistant:
			if m.Content != "" {
				push("model", &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Arguments, &args)
				push("model", &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
		case RoleTool:
			var payload map[string]any
			if json.Unmarshal([]byte(m.Content), &payload) != nil {
				payload = map[string]any{"output": m.Content}
			}
			push("user", &genai.Part{FunctionResponse: &genai.FunctionResponse{ID: m.ToolCallID, Name: m.Name, Response: payload}})
		}
	}
	return out
}

func fromGeminiCall(fc *genai.FunctionCall) ToolCall {
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	return ToolCall{ID: id, Name: fc.Name, Arguments: args}
}

func classifyGemini(err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return callerr.ProviderConnection("gemini", err, false)
	}
	return callerr.ProviderStream("gemini", err, false)
}
