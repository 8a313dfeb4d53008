package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/callbridge/internal/callerr"
)

func TestAnthropicStreamsTextAndToolUse(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			"event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"text\"}}\n",
			"event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Let me check.\"}}\n",
			"event: content_block_start\ndata: {\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_1\",\"name\":\"get_weather\"}}\n",
			"event: content_block_delta\ndata: {\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"location\\\":\"}}\n",
			"event: content_block_delta\ndata: {\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"\\\"Boston\\\"}\"}}\n",
			"event: message_stop\ndata: {}\n",
		}
		for _, e := range events {
			fmt.Fprintln(w, e)
		}
	}))
	defer srv.Close()

	c := NewAnthropic("test-key", srv.URL, "claude-test", 256, 1)
	var tokens []string
	res, err := c.Complete(t.Context(), CompletionRequest{
		System: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: "weather?"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "toolu_0", Name: "lookup", Arguments: json.RawMessage(`{}`)}}},
			{Role: RoleTool, ToolCallID: "toolu_0", Name: "lookup", Content: `{"ok":true}`},
		},
		Tools: []ToolSpec{{Name: "get_weather", Parameters: map[string]any{"type": "object"}}},
	}, func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)

	assert.Equal(t, "Let me check.", res.Text)
	assert.Equal(t, []string{"Let me check."}, tokens)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "toolu_1", res.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", res.ToolCalls[0].Name)
	assert.JSONEq(t, `{"location":"Boston"}`, string(res.ToolCalls[0].Arguments))

	require.Len(t, got.Messages, 3)
	assert.Equal(t, "tool_use", got.Messages[1].Content[0].Type)
	assert.Equal(t, "user", got.Messages[2].Role)
	assert.Equal(t, "tool_result", got.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_0", got.Messages[2].Content[0].ToolUseID)
	require.Len(t, got.Tools, 1)
}

func TestAnthropicRejectedKeyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid x-api-key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewAnthropic("bad", srv.URL, "m", 0, 1).Complete(t.Context(), CompletionRequest{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, callerr.ErrProviderConnection)
	assert.True(t, callerr.IsFatal(err))
}

func TestOllamaServerErrorIsTurnLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "llama", 1).Complete(t.Context(), CompletionRequest{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, callerr.ErrProviderStream)
	assert.False(t, callerr.IsFatal(err))
}

func TestOllamaStreamsToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"tools"`)
		lines := []string{
			`{"message":{"role":"assistant","content":"Sure"},"done":false}`,
			`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"get_weather","arguments":{"location":"Boston"}}}]},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true}`,
		}
		fmt.Fprint(w, strings.Join(lines, "\n"))
	}))
	defer srv.Close()

	res, err := NewOllama(srv.URL, "llama", 1).Complete(t.Context(), CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "weather in Boston"}},
		Tools:    []ToolSpec{{Name: "get_weather"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Sure", res.Text)
	require.Len(t, res.ToolCalls, 1)
	assert.NotEmpty(t, res.ToolCalls[0].ID)
	assert.JSONEq(t, `{"location":"Boston"}`, string(res.ToolCalls[0].Arguments))
}

func TestToGeminiContentsGroupsRoles(t *testing.T) {
	contents := toGeminiContents([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "lookup", Arguments: json.RawMessage(`{"q":1}`)}}},
		{Role: RoleTool, ToolCallID: "c1", Name: "lookup", Content: `{"found":true}`},
		{Role: RoleTool, ToolCallID: "c2", Name: "lookup", Content: `not json`},
	})
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "lookup", contents[1].Parts[0].FunctionCall.Name)
	require.Len(t, contents[2].Parts, 2)
	assert.Equal(t, true, contents[2].Parts[0].FunctionResponse.Response["found"])
	assert.Equal(t, "not json", contents[2].Parts[1].FunctionResponse.Response["output"])
}
