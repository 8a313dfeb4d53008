package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/metrics"
)

// OpenAIChat streams chat completions from OpenAI or any API speaking the
// same protocol (Cerebras, Groq, xAI).
type OpenAIChat struct {
	name   string
	model  string
	client openai.Client
}

// NewOpenAIChat creates a chat completions client. An empty baseURL uses
// the OpenAI default.
func NewOpenAIChat(name, apiKey, baseURL, model string, poolSize int) *OpenAIChat {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(NewPooledHTTPClient(poolSize, 120*time.Second)),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIChat{name: name, model: model, client: openai.NewClient(opts...)}
}

func (c *OpenAIChat) Name() string { return c.name }

func (c *OpenAIChat) Complete(ctx context.Context, req CompletionRequest, onToken TokenCallback) (*CompletionResult, error) {
	start := time.Now()

	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var sr streamResult
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			sr.addText(chunk.Choices[0].Delta.Content, onToken)
		}
	}
	if err = stream.Err(); err != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return nil, c.classify(err)
	}

	if len(acc.Choices) > 0 {
		for _, tc := range acc.Choices[0].Message.ToolCalls {
			sr.toolCalls = append(sr.toolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}

	metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	return sr.result(start), nil
}

func (c *OpenAIChat) buildParams(req CompletionRequest) (openai.ChatCompletionNewParams, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if req.System != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		msg, err := toOpenAIMessage(m)
		if err != nil {
			return params, err
		}
		params.Messages = append(params.Messages, msg)
	}

	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  shared.FunctionParameters(t.Parameters),
		}))
	}
	return params, nil
}

// wireToolCall mirrors the assistant tool_calls JSON so that messages carrying
// tool calls round-trip through the SDK's own response type.
type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func toOpenAIMessage(m Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case RoleSystem:
		return openai.SystemMessage(m.Content), nil
	case RoleUser:
		return openai.UserMessage(m.Content), nil
	case RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID), nil
	case RoleAssistant:
		if len(m.ToolCalls) == 0 {
			return openai.AssistantMessage(m.Content), nil
		}
		calls := make([]wireToolCall, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			w := wireToolCall{ID: tc.ID, Type: "function"}
			w.Function.Name = tc.Name
			w.Function.Arguments = string(tc.Arguments)
			calls = append(calls, w)
		}
		raw, err := json.Marshal(map[string]any{"role": "assistant", "content": m.Content, "tool_calls": calls})
		if err != nil {
			return openai.ChatCompletionMessageParamUnion{}, err
		}
		var msg openai.ChatCompletionMessage
		if err = json.Unmarshal(raw, &msg); err != nil {
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("assistant tool calls: %w", err)
		}
		return msg.ToParam(), nil
	}
	return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown message role %q", m.Role)
}

func (c *OpenAIChat) classify(err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return callerr.ProviderConnection(c.name, err, false)
	}
	return callerr.ProviderStream(c.name, err, false)
}
