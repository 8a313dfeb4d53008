package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/metrics"
)

const anthropicURL = "https://api.anthropic.com"

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	apiKey    string
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

func NewAnthropic(apiKey, url, model string, maxTokens, poolSize int) *Anthropic {
	if url == "" {
		url = anthropicURL
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Anthropic{
		apiKey:    apiKey,
		url:       url,
		model:     model,
		maxTokens: maxTokens,
		client:    NewPooledHTTPClient(poolSize, 120*time.Second),
	}
}

func (c *Anthropic) Name() string { return "anthropic" }

func (c *Anthropic) Complete(ctx context.Context, req CompletionRequest, onToken TokenCallback) (*CompletionResult, error) {
	start := time.Now()

	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Stream:      true,
		System:      req.System,
		Temperature: req.Temperature,
		Messages:    toAnthropicMessages(req.Messages),
		Tools:       toAnthropicTools(req.Tools),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		return nil, requestError("anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		return nil, statusError("anthropic", resp)
	}

	sr, err := consumeAnthropicStream(resp.Body, onToken)
	if err != nil {
		return nil, err
	}
	metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	return sr.result(start), nil
}

// toAnthropicMessages folds tool results into user turns, since the
// Messages API has no tool role and requires alternating roles.
func toAnthropicMessages(msgs []Message) []anthropicMessage {
	var out []anthropicMessage
	push := func(role string, block anthropicBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: []anthropicBlock{block}})
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			push("user", anthropicBlock{Type: "text", Text: m.Content})
		case RoleTool:
			push("user", anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		case RoleAssistant:
			if m.Content != "" {
				push("assistant", anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				push("assistant", anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
		}
	}
	return out
}

func toAnthropicTools(specs []ToolSpec) []anthropicTool {
	out := make([]anthropicTool, 0, len(specs))
	for _, s := range specs {
		out = append(out, anthropicTool{Name: s.Name, Description: s.Description, InputSchema: s.Parameters})
	}
	return out
}

func consumeAnthropicStream(body io.Reader, onToken TokenCallback) (streamResult, error) {
	var sr streamResult
	scanner := bufio.NewScanner(body)
	var eventType string
	pending := map[int]*pendingToolUse{}
	var order []int

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := []byte(strings.TrimPrefix(line, "data: "))

		switch eventType {
		case "content_block_start":
			var ev anthropicBlockStart
			if json.Unmarshal(data, &ev) != nil || ev.ContentBlock.Type != "tool_use" {
				continue
			}
			pending[ev.Index] = &pendingToolUse{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			order = append(order, ev.Index)
		case "content_block_delta":
			var ev anthropicDeltaEvent
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				sr.addText(ev.Delta.Text, onToken)
			case "input_json_delta":
				if tu, ok := pending[ev.Index]; ok {
					tu.args.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "error":
			return sr, callerr.ProviderStream("anthropic", fmt.Errorf("stream error: %s", data), false)
		case "message_stop":
			sr.toolCalls = collectToolUses(pending, order)
			return sr, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return sr, requestError("anthropic", err)
	}
	sr.toolCalls = collectToolUses(pending, order)
	return sr, nil
}

type pendingToolUse struct {
	id, name string
	args     strings.Builder
}

func collectToolUses(pending map[int]*pendingToolUse, order []int) []ToolCall {
	var calls []ToolCall
	for _, idx := range order {
		tu := pending[idx]
		args := tu.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{ID: tu.id, Name: tu.name, Arguments: json.RawMessage(args)})
	}
	return calls
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type anthropicDeltaEvent struct {
	Index int            `json:"index"`
	Delta anthropicDelta `json:"delta"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}
