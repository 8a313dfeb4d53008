package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/callbridge/internal/callerr"
)

func weatherTool(calls *atomic.Int32) Tool {
	return Func{
		Def: Definition{
			Name:        "get_weather",
			Description: "Current weather for a city",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"location": map[string]any{"type": "string"}},
			},
		},
		Fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			var in struct{ Location string }
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"temperature":72,"conditions":"sunny"}`), nil
		},
	}
}

func decodeFailure(t *testing.T, out json.RawMessage) failurePayload {
	t.Helper()
	var p failurePayload
	require.NoError(t, json.Unmarshal(out, &p))
	assert.False(t, p.Success)
	return p
}

func TestDispatchSuccess(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(NewStaticRegistry(weatherTool(&calls)))

	res := d.Dispatch(context.Background(), Invocation{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"location":"Boston"}`)})
	require.False(t, res.Failed())
	assert.JSONEq(t, `{"temperature":72,"conditions":"sunny"}`, string(res.Output))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatchIsAtMostOnce(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(NewStaticRegistry(weatherTool(&calls)))
	inv := Invocation{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"location":"Boston"}`)}

	first := d.Dispatch(context.Background(), inv)
	second := d.Dispatch(context.Background(), inv)

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, second.Duplicate)
	assert.JSONEq(t, string(first.Output), string(second.Output))
}

func TestDispatchUnknownTool(t *testing.T) {
	d := NewDispatcher(NewStaticRegistry())

	res := d.Dispatch(context.Background(), Invocation{ID: "x", Name: "nonexistent_tool"})
	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, callerr.ErrUnknownTool)
	p := decodeFailure(t, res.Output)
	assert.Contains(t, p.Error, "nonexistent_tool")
}

func TestDispatchBoundsErrorPayload(t *testing.T) {
	boom := Func{
		Def: Definition{Name: "boom"},
		Fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New(strings.Repeat("x", 5000))
		},
	}
	d := NewDispatcher(NewStaticRegistry(boom), WithMaxErrorLen(64))

	res := d.Dispatch(context.Background(), Invocation{ID: "b", Name: "boom"})
	assert.ErrorIs(t, res.Err, callerr.ErrToolExecution)
	p := decodeFailure(t, res.Output)
	assert.LessOrEqual(t, len(p.Error), 67)
}

func TestDispatchRecoversPanics(t *testing.T) {
	panicky := Func{
		Def: Definition{Name: "panicky"},
		Fn:  func(context.Context, json.RawMessage) (json.RawMessage, error) { panic("nil map") },
	}
	res := NewDispatcher(NewStaticRegistry(panicky)).Dispatch(context.Background(), Invocation{ID: "p", Name: "panicky"})
	assert.ErrorIs(t, res.Err, callerr.ErrToolExecution)
	assert.Contains(t, decodeFailure(t, res.Output).Error, "panicked")
}

func TestDispatchTimeout(t *testing.T) {
	slow := Func{
		Def: Definition{Name: "slow"},
		Fn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			time.Sleep(time.Second)
			return json.RawMessage(`{}`), nil
		},
	}
	d := NewDispatcher(NewStaticRegistry(slow), WithTimeout(20*time.Millisecond))

	start := time.Now()
	res := d.Dispatch(context.Background(), Invocation{ID: "s", Name: "slow"})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Contains(t, decodeFailure(t, res.Output).Error, "timed out")
}

func TestDispatchRejectsMalformedArguments(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(NewStaticRegistry(weatherTool(&calls)))

	res := d.Dispatch(context.Background(), Invocation{ID: "m", Name: "get_weather", Arguments: json.RawMessage(`{"location":`)})
	assert.True(t, res.Failed())
	assert.Zero(t, calls.Load())
}

func TestDefinitions(t *testing.T) {
	var calls atomic.Int32
	reg := NewStaticRegistry(weatherTool(&calls), Func{Def: Definition{Name: "hang_up"}})

	defs, err := Definitions(reg, []string{"get_weather", "hang_up"})
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "object", defs[1].Parameters["type"])

	_, err = Definitions(reg, []string{"missing"})
	assert.Error(t, err)
}

func TestWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Boston", body["location"])
		_, _ = w.Write([]byte(`{"temperature":72}`))
	}))
	defer srv.Close()

	hook := NewWebhook(WebhookConfig{
		Definition: Definition{Name: "get_weather"},
		URL:        srv.URL,
		Headers:    map[string]string{"X-Api-Key": "secret"},
	}, srv.Client())

	out, err := hook.Execute(context.Background(), json.RawMessage(`{"location":"Boston"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"temperature":72}`, string(out))
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWebhook(WebhookConfig{Definition: Definition{Name: "x"}, URL: srv.URL}, nil).Execute(context.Background(), nil)
	assert.ErrorContains(t, err, "502")
}
