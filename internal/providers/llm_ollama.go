package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/metrics"
)

// Ollama streams chat completions from a local Ollama server.
type Ollama struct {
	url    string
	model  string
	client *http.Client
}

func NewOllama(url, model string, poolSize int) *Ollama {
	return &Ollama{
		url:    url,
		model:  model,
		client: NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

func (c *Ollama) Name() string { return "ollama" }

func (c *Ollama) Complete(ctx context.Context, req CompletionRequest, onToken TokenCallback) (*CompletionResult, error) {
	start := time.Now()

	resp, err := c.postChatRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		return nil, statusError("ollama", resp)
	}

	sr, err := consumeOllamaStream(resp, onToken)
	if err != nil {
		return nil, err
	}
	metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	return sr.result(start), nil
}

func (c *Ollama) postChatRequest(ctx context.Context, req CompletionRequest) (*http.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	messages := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, toOllamaMessage(m))
	}

	reqBody := ollamaRequest{
		Model:    model,
		Stream:   true,
		Options:  ollamaOptions{NumPredict: req.MaxTokens, Temperature: req.Temperature},
		Messages: messages,
		Tools:    toChatTools(req.Tools),
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		return nil, requestError("ollama", err)
	}
	return resp, nil
}

func toOllamaMessage(m Message) ollamaMessage {
	out := ollamaMessage{Role: m.Role, Content: m.Content, ToolName: m.Name}
	for _, tc := range m.ToolCalls {
		var call ollamaToolCall
		call.Function.Name = tc.Name
		call.Function.Arguments = tc.Arguments
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out
}

func consumeOllamaStream(resp *http.Response, onToken TokenCallback) (streamResult, error) {
	var sr streamResult
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
			continue
		}
		if chunk.Error != "" {
			return sr, callerr.ProviderStream("ollama", fmt.Errorf("%s", chunk.Error), false)
		}
		sr.addText(chunk.Message.Content, onToken)
		for _, tc := range chunk.Message.ToolCalls {
			args := tc.Function.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			sr.toolCalls = append(sr.toolCalls, ToolCall{ID: "call_" + uuid.NewString(), Name: tc.Function.Name, Arguments: args})
		}
		if chunk.Done {
			return sr, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return sr, requestError("ollama", err)
	}
	return sr, nil
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []chatTool      `json:"tools,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaStreamChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error"`
}
