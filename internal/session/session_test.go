package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/prompts"
	"github.com/hubenschmidt/callbridge/internal/providers"
	"github.com/hubenschmidt/callbridge/internal/transcript"
)

func weatherCall(id string) providers.ToolCall {
	return providers.ToolCall{ID: id, Name: "get_weather", Arguments: json.RawMessage(`{"location":"Boston"}`)}
}

func TestCascadedWeatherTurn(t *testing.T) {
	h := newHarness(t)
	h.stt.utterances = []string{"What's the weather in Boston?"}
	h.llm.script = func(n int, _ providers.CompletionRequest) llmReply {
		if n == 0 {
			return llmReply{calls: []providers.ToolCall{weatherCall("call_1")}}
		}
		return llmReply{tokens: []string{"It's 72 degrees ", "and sunny in Boston."}}
	}
	h.start(cascadedConfig())
	h.say()
	h.eventually(func() bool { return len(h.sess.Transcript()) == 2 }, "user and agent turns")
	require.NoError(t, h.hangUp())

	turns := h.sess.Transcript()
	require.Len(t, turns, 2)
	assert.Equal(t, transcript.RoleUser, turns[0].Role)
	assert.Equal(t, "What's the weather in Boston?", turns[0].Text)
	assert.Equal(t, transcript.RoleAgent, turns[1].Role)
	assert.Contains(t, turns[1].Text, "72")
	assert.False(t, turns[1].Interrupted)
	assert.Equal(t, "call_1", turns[1].ToolCallID)
	assert.Equal(t, int32(1), h.weatherCalls.Load())

	reqs := h.llm.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 1)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, providers.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.JSONEq(t, `{"temperature":72,"conditions":"sunny"}`, last.Content)

	assert.NotEmpty(t, h.tr.sentFrames())
	assert.Equal(t, StateEnded, h.sess.State())
	assert.Equal(t, []string{ReasonHangUp}, h.life.reasons)
}

func TestCascadedBargeInDropsStaleAudio(t *testing.T) {
	h := newHarness(t)
	h.tts.chunks = 100
	h.tts.delay = 10 * time.Millisecond
	h.stt.utterances = []string{"Tell me a story."}
	h.llm.script = func(int, providers.CompletionRequest) llmReply {
		return llmReply{tokens: []string{"Once upon a time there was a phone. ", "It rang all day."}}
	}
	h.start(cascadedConfig())
	h.say()
	h.eventually(func() bool { return len(h.tr.sentFrames()) > 0 }, "agent audio started")

	h.talk()
	h.eventually(func() bool { return len(h.tr.interrupted()) == 1 }, "barge-in")
	h.eventually(func() bool {
		turns := h.sess.Transcript()
		return len(turns) == 2 && turns[1].Interrupted
	}, "interrupted agent turn")
	h.pause()
	require.NoError(t, h.hangUp())

	assert.Equal(t, []uint64{1}, h.tr.interrupted())
	sent := h.tr.sentFrames()
	h.tr.mu.Lock()
	assert.Len(t, sent, h.tr.sentAt[0], "no frames delivered after the interrupt")
	h.tr.mu.Unlock()
	for _, f := range sent {
		assert.Equal(t, uint64(0), f.Epoch)
	}
	assert.Less(t, len(sent), 100)
	assert.GreaterOrEqual(t, h.tts.cancelled.Load(), int32(1))
	assert.Equal(t, []string{"Once upon a time there was a phone."}, h.tts.spoken())
	assert.Equal(t, "Once upon a time there was a phone.", h.sess.Transcript()[1].Text)
}

func TestCascadedBargeInWhileAudioPlays(t *testing.T) {
	h := newHarness(t)
	h.tr.setPlayback(time.Second)
	h.stt.utterances = []string{"Tell me a story."}
	h.llm.script = func(int, providers.CompletionRequest) llmReply {
		return llmReply{tokens: []string{"Once upon a time there was a phone."}}
	}
	h.start(cascadedConfig())
	h.say()
	h.eventually(func() bool { return len(h.tr.sentFrames()) == 2 }, "reply synthesized")

	// Generation is over but the caller is still hearing the reply.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.sess.Transcript(), 1)
	assert.Equal(t, StateResponding, h.sess.State())

	h.talk()
	h.eventually(func() bool { return len(h.tr.interrupted()) == 1 }, "barge-in during playback")
	h.eventually(func() bool { return len(h.sess.Transcript()) == 2 }, "agent turn recorded")
	h.eventually(func() bool { return h.sess.State() == StateListening }, "listening again")
	h.pause()
	require.NoError(t, h.hangUp())

	turn := h.sess.Transcript()[1]
	assert.Equal(t, "Once upon a time there was a phone.", turn.Text)
	assert.True(t, turn.Interrupted)
}

func TestCascadedTurnEndsWhenPlaybackDoes(t *testing.T) {
	h := newHarness(t)
	h.tr.setPlayback(200 * time.Millisecond)
	h.stt.utterances = []string{"Hi."}
	h.start(cascadedConfig())
	h.say()
	h.eventually(func() bool { return len(h.sess.Transcript()) == 2 }, "agent turn")
	require.NoError(t, h.hangUp())

	turn := h.sess.Transcript()[1]
	assert.Equal(t, "Okay.", turn.Text)
	assert.False(t, turn.Interrupted)
	assert.GreaterOrEqual(t, turn.EndedAt.Sub(turn.StartedAt), 180*time.Millisecond)
}

func TestCascadedSynthesisFailureApologizes(t *testing.T) {
	h := newHarness(t)
	h.tts.broken = map[string]bool{"Let me check that.": true}
	h.stt.utterances = []string{"Is the store open?"}
	h.llm.script = func(int, providers.CompletionRequest) llmReply {
		return llmReply{tokens: []string{"Let me check that. ", "We open at nine."}}
	}
	h.start(cascadedConfig())
	h.say()
	h.eventually(func() bool { return len(h.sess.Transcript()) == 2 }, "agent turn")
	require.NoError(t, h.hangUp())

	assert.Equal(t, prompts.Apology, h.sess.Transcript()[1].Text)
	assert.Equal(t, []string{"Let me check that.", "Let me check that.", prompts.Apology}, h.tts.spoken())
	assert.Empty(t, h.life.fatals())
}

func TestCascadedUnknownToolKeepsCallAlive(t *testing.T) {
	h := newHarness(t)
	h.stt.utterances = []string{"Book me a flight."}
	h.llm.script = func(n int, _ providers.CompletionRequest) llmReply {
		if n == 0 {
			return llmReply{calls: []providers.ToolCall{{ID: "call_x", Name: "nonexistent_tool", Arguments: json.RawMessage(`{}`)}}}
		}
		return llmReply{tokens: []string{"Sorry, I can't do that."}}
	}
	h.start(cascadedConfig())
	h.say()
	h.eventually(func() bool { return len(h.sess.Transcript()) == 2 }, "agent answered")
	h.eventually(func() bool { return h.sess.State() == StateListening }, "back to listening")
	require.NoError(t, h.hangUp())

	reqs := h.llm.requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Equal(t, providers.RoleTool, last.Role)
	var payload struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(last.Content), &payload))
	assert.False(t, payload.Success)
	assert.Contains(t, payload.Error, "nonexistent_tool")
	assert.Empty(t, h.life.fatals())
	assert.Equal(t, "Sorry, I can't do that.", h.sess.Transcript()[1].Text)
}

func TestCascadedToolChainBound(t *testing.T) {
	h := newHarness(t)
	h.stt.utterances = []string{"Check the weather forever."}
	h.llm.script = func(n int, _ providers.CompletionRequest) llmReply {
		return llmReply{calls: []providers.ToolCall{weatherCall(fmt.Sprintf("call_%d", n))}}
	}
	cfg := cascadedConfig()
	cfg.MaxToolChain = 2
	h.start(cfg)
	h.say()
	h.eventually(func() bool { return len(h.sess.Transcript()) == 2 }, "fallback spoken")
	require.NoError(t, h.hangUp())

	assert.Len(t, h.llm.requests(), 3)
	assert.Equal(t, int32(2), h.weatherCalls.Load())
	assert.Equal(t, prompts.ToolChainFallback, h.sess.Transcript()[1].Text)
	assert.Empty(t, h.life.fatals())
}

func TestCascadedFatalProviderErrorEndsCall(t *testing.T) {
	h := newHarness(t)
	h.stt.utterances = []string{"Hello?"}
	h.llm.script = func(int, providers.CompletionRequest) llmReply {
		return llmReply{err: callerr.ProviderConnection("fake", errors.New("status 401"), false)}
	}
	h.start(cascadedConfig())
	h.say()

	err := h.wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, callerr.ErrProviderConnection)
	assert.Equal(t, StateFailed, h.sess.State())
	assert.Len(t, h.life.fatals(), 1)
	assert.Len(t, h.llm.requests(), 1)
	h.tr.mu.Lock()
	assert.True(t, h.tr.hungUp)
	h.tr.mu.Unlock()
}

func TestCascadedTurnErrorApologizes(t *testing.T) {
	h := newHarness(t)
	h.stt.utterances = []string{"Hello?"}
	h.llm.script = func(int, providers.CompletionRequest) llmReply {
		return llmReply{err: callerr.ProviderStream("fake", errors.New("status 503"), false)}
	}
	h.start(cascadedConfig())
	h.say()
	h.eventually(func() bool { return len(h.sess.Transcript()) == 2 }, "apology spoken")
	require.NoError(t, h.hangUp())

	assert.Len(t, h.llm.requests(), 2, "one retry")
	assert.Equal(t, prompts.Apology, h.sess.Transcript()[1].Text)
}

func TestCascadedGreetingJoinsHistory(t *testing.T) {
	h := newHarness(t)
	h.stt.utterances = []string{"What are your hours?"}
	cfg := cascadedConfig()
	cfg.Greeting = "Hi, this is the front desk."
	h.start(cfg)
	h.eventually(func() bool { return len(h.sess.Transcript()) == 1 }, "greeting spoken")
	h.say()
	h.eventually(func() bool { return len(h.sess.Transcript()) == 3 }, "reply spoken")
	require.NoError(t, h.hangUp())

	assert.Equal(t, "Hi, this is the front desk.", h.sess.Transcript()[0].Text)
	reqs := h.llm.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, providers.RoleAssistant, reqs[0].Messages[0].Role)
	assert.Equal(t, "What are your hours?", reqs[0].Messages[1].Content)
}

func TestCascadedTranscriptionReopensOnce(t *testing.T) {
	h := newHarness(t)
	h.start(cascadedConfig())
	h.eventually(func() bool { return h.stt.opened() == 1 }, "stream opened")

	h.stt.stream(0).fail(errors.New("connection reset"))
	h.eventually(func() bool { return h.stt.opened() == 2 }, "stream reopened")
	assert.Equal(t, StateListening, h.sess.State())

	h.stt.stream(1).fail(errors.New("connection reset"))
	err := h.wait()
	assert.ErrorIs(t, err, callerr.ErrProviderConnection)
	assert.Equal(t, StateFailed, h.sess.State())
}

func TestSpeechToSpeechToolRoundTrip(t *testing.T) {
	h := newHarness(t)
	conn := h.voice.conn
	h.start(s2sConfig())
	h.eventually(func() bool { return h.sess.State() == StateListening }, "configured")

	conn.events <- providers.RealtimeEvent{Kind: providers.EventUserTranscript, Text: "What's the weather in Boston?"}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventResponseCreated, ResponseID: "r1"}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventFunctionCall, ResponseID: "r1", CallID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"location":"Boston"}`)}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventResponseDone, ResponseID: "r1", Status: "completed"}
	h.eventually(func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.creates) == 1
	}, "response continued after tool output")

	conn.events <- providers.RealtimeEvent{Kind: providers.EventResponseCreated, ResponseID: "r2"}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventAudioDelta, ResponseID: "r2", ItemID: "i2", Audio: make([]byte, 960)}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventTranscriptDone, ResponseID: "r2", Text: "It's 72 and sunny in Boston."}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventResponseDone, ResponseID: "r2", Status: "completed"}
	h.eventually(func() bool { return len(h.sess.Transcript()) == 2 }, "agent turn")
	require.NoError(t, h.hangUp())

	out, ok := conn.output("c1")
	require.True(t, ok)
	assert.JSONEq(t, `{"temperature":72,"conditions":"sunny"}`, out)
	assert.Equal(t, int32(1), h.weatherCalls.Load())

	turns := h.sess.Transcript()
	assert.Equal(t, transcript.RoleUser, turns[0].Role)
	assert.Equal(t, "It's 72 and sunny in Boston.", turns[1].Text)
	assert.Equal(t, "c1", turns[1].ToolCallID)

	sent := h.tr.sentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, providers.RealtimeRate, sent[0].SampleRate)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.NotNil(t, conn.cfg)
	assert.Equal(t, "marin", conn.cfg.Voice)
	assert.Len(t, conn.cfg.Tools, 1)
	assert.InDelta(t, 0.6, conn.cfg.Temperature, 1e-9)
}

func TestSpeechToSpeechBargeIn(t *testing.T) {
	h := newHarness(t)
	conn := h.voice.conn
	h.start(s2sConfig())
	h.eventually(func() bool { return h.sess.State() == StateListening }, "configured")

	conn.events <- providers.RealtimeEvent{Kind: providers.EventResponseCreated, ResponseID: "r1"}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventTranscriptDelta, ResponseID: "r1", Text: "Once upon"}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventAudioDelta, ResponseID: "r1", ItemID: "i1", Audio: make([]byte, 960)}
	h.eventually(func() bool { return len(h.tr.sentFrames()) == 1 }, "agent audio sent")
	conn.events <- providers.RealtimeEvent{Kind: providers.EventSpeechStarted}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventAudioDelta, ResponseID: "r1", ItemID: "i1", Audio: make([]byte, 960)}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventTranscriptDone, ResponseID: "r1", Text: "Once upon a time"}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventResponseDone, ResponseID: "r1", Status: "cancelled"}
	h.eventually(func() bool { return len(h.sess.Transcript()) == 1 }, "interrupted turn recorded")
	h.eventually(func() bool { return h.sess.State() == StateListening }, "listening again")
	require.NoError(t, h.hangUp())

	assert.Len(t, h.tr.sentFrames(), 1)
	assert.Equal(t, []uint64{1}, h.tr.interrupted())
	turn := h.sess.Transcript()[0]
	assert.Equal(t, "Once upon", turn.Text)
	assert.True(t, turn.Interrupted)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, 1, conn.cancels)
	assert.Equal(t, []string{"i1"}, conn.truncated)
}

func TestSpeechToSpeechBargeInWhileAudioPlays(t *testing.T) {
	h := newHarness(t)
	h.tr.setPlayback(time.Second)
	conn := h.voice.conn
	h.start(s2sConfig())
	h.eventually(func() bool { return h.sess.State() == StateListening }, "configured")

	conn.events <- providers.RealtimeEvent{Kind: providers.EventResponseCreated, ResponseID: "r1"}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventAudioDelta, ResponseID: "r1", ItemID: "i1", Audio: make([]byte, 960)}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventTranscriptDone, ResponseID: "r1", Text: "Once upon a time."}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventResponseDone, ResponseID: "r1", Status: "completed"}
	h.eventually(func() bool { return len(h.tr.sentFrames()) == 1 }, "agent audio sent")

	// The model is done but the caller is still hearing the reply.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.sess.Transcript())
	assert.Equal(t, StateResponding, h.sess.State())

	conn.events <- providers.RealtimeEvent{Kind: providers.EventSpeechStarted}
	h.eventually(func() bool { return len(h.tr.interrupted()) == 1 }, "barge-in during playback")
	h.eventually(func() bool { return len(h.sess.Transcript()) == 1 }, "interrupted turn recorded")
	h.eventually(func() bool { return h.sess.State() == StateListening }, "listening again")
	require.NoError(t, h.hangUp())

	turn := h.sess.Transcript()[0]
	assert.Equal(t, "Once upon a time.", turn.Text)
	assert.True(t, turn.Interrupted)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Zero(t, conn.cancels, "a finished response is not cancelled")
	assert.Equal(t, []string{"i1"}, conn.truncated)
}

func TestSpeechToSpeechTurnEndsWhenPlaybackDoes(t *testing.T) {
	h := newHarness(t)
	h.tr.setPlayback(200 * time.Millisecond)
	conn := h.voice.conn
	h.start(s2sConfig())
	h.eventually(func() bool { return h.sess.State() == StateListening }, "configured")

	conn.events <- providers.RealtimeEvent{Kind: providers.EventResponseCreated, ResponseID: "r1"}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventTranscriptDelta, ResponseID: "r1", Text: "Hello there."}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventAudioDelta, ResponseID: "r1", ItemID: "i1", Audio: make([]byte, 960)}
	conn.events <- providers.RealtimeEvent{Kind: providers.EventResponseDone, ResponseID: "r1", Status: "completed"}
	h.eventually(func() bool { return len(h.sess.Transcript()) == 1 }, "agent turn")
	h.eventually(func() bool { return h.sess.State() == StateListening }, "listening again")
	require.NoError(t, h.hangUp())

	turn := h.sess.Transcript()[0]
	assert.False(t, turn.Interrupted)
	assert.GreaterOrEqual(t, turn.EndedAt.Sub(turn.StartedAt), 180*time.Millisecond)
	assert.Empty(t, h.tr.interrupted())
}

func TestSpeechToSpeechRetriesConnectOnce(t *testing.T) {
	refused := func() error {
		return callerr.ProviderConnection("fake", errors.New("dial tcp: connection refused"), true)
	}

	t.Run("transient failure", func(t *testing.T) {
		h := newHarness(t)
		h.voice.failures = []error{refused()}
		h.start(s2sConfig())
		h.eventually(func() bool { return h.sess.State() == StateListening }, "connected on retry")
		require.NoError(t, h.hangUp())
		assert.Equal(t, 2, h.voice.attempts())
		assert.Empty(t, h.life.fatals())
	})

	t.Run("second failure ends the call", func(t *testing.T) {
		h := newHarness(t)
		h.voice.failures = []error{refused(), refused()}
		h.start(s2sConfig())
		err := h.wait()
		assert.ErrorIs(t, err, callerr.ErrProviderConnection)
		assert.Equal(t, 2, h.voice.attempts())
		assert.Equal(t, StateFailed, h.sess.State())
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		h := newHarness(t)
		h.voice.failures = []error{callerr.ProviderConnection("fake", errors.New("status 401"), false)}
		h.start(s2sConfig())
		assert.ErrorIs(t, h.wait(), callerr.ErrProviderConnection)
		assert.Equal(t, 1, h.voice.attempts())
	})
}

func TestSpeechToSpeechConfigureTimeout(t *testing.T) {
	h := newHarness(t)
	h.voice.conn.silent = true
	h.start(s2sConfig())

	err := h.wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, callerr.ErrProviderConnection)
	assert.Equal(t, StateFailed, h.sess.State())
	assert.Len(t, h.life.fatals(), 1)
}

func TestSpeechToSpeechGreeting(t *testing.T) {
	h := newHarness(t)
	cfg := s2sConfig()
	cfg.Greeting = "Thanks for calling."
	h.start(cfg)
	h.eventually(func() bool {
		h.voice.conn.mu.Lock()
		defer h.voice.conn.mu.Unlock()
		return len(h.voice.conn.creates) == 1
	}, "greeting requested")
	require.NoError(t, h.hangUp())

	assert.Contains(t, h.voice.conn.creates[0], "Thanks for calling.")
	assert.Contains(t, h.voice.conn.cfg.Instructions, "Thanks for calling.")
}

func TestNotifyToolResultIsOneShot(t *testing.T) {
	h := newHarness(t)
	sess, err := h.router.New(s2sConfig())
	require.NoError(t, err)
	rs := sess.(*realtimeSession)
	rs.awaiting["inv1"] = "get_weather"

	require.NoError(t, sess.NotifyToolResult("inv1", json.RawMessage(`{"ok":true}`)))
	assert.ErrorIs(t, sess.NotifyToolResult("inv1", json.RawMessage(`{"ok":true}`)), ErrUnknownInvocation)
	assert.ErrorIs(t, sess.NotifyToolResult("never", json.RawMessage(`{}`)), ErrUnknownInvocation)

	r := <-rs.results
	assert.Equal(t, "get_weather", r.name)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t)
	h.start(cascadedConfig())
	h.eventually(func() bool { return h.sess.State() == StateListening }, "listening")
	assert.ErrorIs(t, h.sess.Start(t.Context(), h.tr), ErrAlreadyStarted)
	require.NoError(t, h.hangUp())
}

func TestShutdownEndsCall(t *testing.T) {
	h := newHarness(t)
	h.start(cascadedConfig())
	h.eventually(func() bool { return h.sess.State() == StateListening }, "listening")
	h.sess.Shutdown()
	h.sess.Shutdown()
	require.NoError(t, h.wait())
	assert.Equal(t, StateEnded, h.sess.State())
	assert.Equal(t, []string{ReasonShutdown}, h.life.reasons)
}

func TestRouterRejectsBadConfig(t *testing.T) {
	h := newHarness(t)

	keyed := cascadedConfig()
	keyed.LLM.Provider = "keyed"
	unknownTTS := cascadedConfig()
	unknownTTS.TTS.Provider = "nope"
	unknownTool := cascadedConfig()
	unknownTool.Tools = []string{"nonexistent_tool"}

	cases := map[string]EngineConfig{
		"unknown mode":       {Mode: "telepathy"},
		"missing credential": keyed,
		"unknown provider":   unknownTTS,
		"unknown tool":       unknownTool,
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.router.New(cfg)
			assert.ErrorIs(t, err, callerr.ErrConfiguration)
		})
	}

	keyed.Credentials = providers.Credentials{"vendor": "k"}
	assert.NoError(t, h.router.Validate(keyed))
}

func TestEngineConfigDefaults(t *testing.T) {
	c := EngineConfig{LLM: providers.Selection{Provider: "openai", Model: "gpt-4o-realtime-preview"}}.WithDefaults()
	assert.Equal(t, ModeCascaded, c.Mode)
	assert.Equal(t, providers.DefaultLLMModel, c.LLM.Model)
	assert.Equal(t, providers.DefaultSTTProvider, c.STT.Provider)
	assert.Equal(t, providers.DefaultSTTModel, c.STT.Model)
	assert.Equal(t, "en-US", c.TTS.Language)
	assert.InDelta(t, 0.7, c.Temperature, 1e-9)
	assert.Equal(t, 5, c.MaxToolChain)

	s := EngineConfig{Mode: ModeSpeechToSpeech, Language: "es-MX"}.WithDefaults()
	assert.InDelta(t, 0.6, s.Temperature, 1e-9)
	assert.Equal(t, providers.DefaultVoiceProvider, s.Voice.Provider)
	assert.Equal(t, "es-MX", s.Voice.Language)
}

func TestEpoch(t *testing.T) {
	var e Epoch
	assert.True(t, e.Valid(0))
	assert.Equal(t, uint64(1), e.Advance())
	assert.False(t, e.Valid(0))
	assert.True(t, e.Valid(e.Current()))
}
