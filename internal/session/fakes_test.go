package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/callbridge/internal/audio"
	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/providers"
	"github.com/hubenschmidt/callbridge/internal/telephony"
	"github.com/hubenschmidt/callbridge/internal/tools"
)

// fakeTransport drops frames tagged below the last interrupt, like the
// telephony adapter. Sent audio keeps playing for playback after the last
// SendAudio.
type fakeTransport struct {
	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	sent       []audio.Frame
	dropped    int
	interrupts []uint64
	// sentAt holds len(sent) at each interrupt
	sentAt   []int
	minEpoch uint64
	hungUp   bool
	playback time.Duration
	playEnd  time.Time
	wake     chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan audio.Frame, 256), done: make(chan struct{}), wake: make(chan struct{})}
}

func (f *fakeTransport) Info() telephony.CallInfo {
	return telephony.CallInfo{Dialect: telephony.DialectTwilio, CallID: "CA123", From: "+15550001111", To: "+15550002222"}
}

func (f *fakeTransport) Frames() <-chan audio.Frame { return f.frames }
func (f *fakeTransport) Done() <-chan struct{}      { return f.done }

func (f *fakeTransport) SendAudio(fr audio.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fr.Epoch < f.minEpoch {
		f.dropped++
		return nil
	}
	f.sent = append(f.sent, fr)
	f.playEnd = time.Now().Add(f.playback)
	return nil
}

func (f *fakeTransport) Interrupt(epoch uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, epoch)
	f.sentAt = append(f.sentAt, len(f.sent))
	if epoch > f.minEpoch {
		f.minEpoch = epoch
	}
	f.playEnd = time.Time{}
	close(f.wake)
	f.wake = make(chan struct{})
}

func (f *fakeTransport) AwaitPlayout(ctx context.Context) error {
	for {
		f.mu.Lock()
		rest, wake := time.Until(f.playEnd), f.wake
		f.mu.Unlock()
		if rest <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-wake:
		case <-time.After(rest):
		}
	}
}

func (f *fakeTransport) setPlayback(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playback = d
}

func (f *fakeTransport) HangUp() error {
	f.mu.Lock()
	f.hungUp = true
	f.mu.Unlock()
	f.close()
	return nil
}

func (f *fakeTransport) close() { f.once.Do(func() { close(f.done) }) }

func (f *fakeTransport) sentFrames() []audio.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Frame(nil), f.sent...)
}

func (f *fakeTransport) interrupted() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.interrupts...)
}

// fakeSTT emits one scripted utterance per Finalize.
type fakeSTT struct {
	mu         sync.Mutex
	utterances []string
	streams    []*fakeStream
	openErr    error
}

func (f *fakeSTT) Name() string { return "fake" }

func (f *fakeSTT) Open(_ context.Context, _ providers.TranscribeOptions) (providers.TranscriptionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeStream{parent: f, results: make(chan providers.Transcript, 16)}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSTT) next() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.utterances) == 0 {
		return ""
	}
	u := f.utterances[0]
	f.utterances = f.utterances[1:]
	return u
}

func (f *fakeSTT) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

func (f *fakeSTT) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

type fakeStream struct {
	parent  *fakeSTT
	results chan providers.Transcript
	once    sync.Once
	bytes   atomic.Int64
	err     error
}

func (s *fakeStream) Send(pcm []byte) error {
	s.bytes.Add(int64(len(pcm)))
	return nil
}

func (s *fakeStream) Finalize() error {
	if text := s.parent.next(); text != "" {
		s.results <- providers.Transcript{Text: text, Final: true}
	}
	s.results <- providers.Transcript{EndOfUtterance: true}
	return nil
}

func (s *fakeStream) Results() <-chan providers.Transcript { return s.results }
func (s *fakeStream) Err() error                           { return s.err }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.results) })
	return nil
}

// fail ends the stream as a dropped provider connection would.
func (s *fakeStream) fail(err error) {
	s.err = err
	_ = s.Close()
}

type llmReply struct {
	tokens []string
	calls  []providers.ToolCall
	err    error
}

// fakeLLM answers each completion from a script indexed by call number.
type fakeLLM struct {
	mu     sync.Mutex
	reqs   []providers.CompletionRequest
	script func(n int, req providers.CompletionRequest) llmReply
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Complete(ctx context.Context, req providers.CompletionRequest, onToken providers.TokenCallback) (*providers.CompletionResult, error) {
	req.Messages = append([]providers.Message(nil), req.Messages...)
	f.mu.Lock()
	n := len(f.reqs)
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	r := f.script(n, req)
	if r.err != nil {
		return nil, r.err
	}
	for _, tok := range r.tokens {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		onToken(tok)
	}
	return &providers.CompletionResult{Text: strings.Join(r.tokens, ""), ToolCalls: r.calls}, nil
}

func (f *fakeLLM) requests() []providers.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]providers.CompletionRequest(nil), f.reqs...)
}

// fakeTTS emits chunks of silence per sentence, optionally paced. Sentences
// in broken fail before any audio.
type fakeTTS struct {
	chunks    int
	delay     time.Duration
	broken    map[string]bool
	cancelled atomic.Int32

	mu    sync.Mutex
	texts []string
}

func (f *fakeTTS) Name() string { return "fake" }

func (f *fakeTTS) Synthesize(ctx context.Context, text string, _ providers.SynthesisOptions, onAudio providers.AudioCallback) (*providers.SynthesisResult, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.broken[text] {
		return nil, callerr.ProviderStream("fake", errors.New("synthesis failed"), false)
	}
	n := f.chunks
	if n == 0 {
		n = 2
	}
	for i := 0; i < n; i++ {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				f.cancelled.Add(1)
				return nil, ctx.Err()
			}
		}
		if err := onAudio(make([]byte, 640), audio.InternalRate); err != nil {
			return nil, err
		}
	}
	return &providers.SynthesisResult{Bytes: n * 640}, nil
}

func (f *fakeTTS) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// fakeVoice fails one Connect per queued error before handing out conn.
type fakeVoice struct {
	conn *fakeConn

	mu       sync.Mutex
	failures []error
	connects int
}

func (f *fakeVoice) Name() string { return "fake" }

func (f *fakeVoice) Connect(context.Context) (providers.VoiceConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	return f.conn, nil
}

func (f *fakeVoice) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// fakeConn is a scripted voice-model connection. UpdateSession answers
// with session-ready unless silent is set.
type fakeConn struct {
	events   chan providers.RealtimeEvent
	silent   bool
	once     sync.Once
	appended atomic.Int64

	mu        sync.Mutex
	cfg       *providers.RealtimeConfig
	outputs   map[string]string
	creates   []string
	cancels   int
	truncated []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan providers.RealtimeEvent, 64), outputs: make(map[string]string)}
}

func (c *fakeConn) UpdateSession(cfg providers.RealtimeConfig) error {
	c.mu.Lock()
	c.cfg = &cfg
	c.mu.Unlock()
	if !c.silent {
		c.events <- providers.RealtimeEvent{Kind: providers.EventSessionReady}
	}
	return nil
}

func (c *fakeConn) AppendAudio(pcm []byte) error {
	c.appended.Add(int64(len(pcm)))
	return nil
}

func (c *fakeConn) SendFunctionOutput(callID, output string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[callID] = output
	return nil
}

func (c *fakeConn) CreateResponse(instructions string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates = append(c.creates, instructions)
	return nil
}

func (c *fakeConn) CancelResponse() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return nil
}

func (c *fakeConn) Truncate(itemID string, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.truncated = append(c.truncated, itemID)
	return nil
}

func (c *fakeConn) Events() <-chan providers.RealtimeEvent { return c.events }
func (c *fakeConn) Err() error                             { return nil }
func (c *fakeConn) SampleRate() int                        { return providers.RealtimeRate }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) output(callID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.outputs[callID]
	return out, ok
}

type fakeLifecycle struct {
	mu      sync.Mutex
	started int
	reasons []string
	fatal   []error
}

func (l *fakeLifecycle) CallStarted(Meta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *fakeLifecycle) CallEnded(_ Meta, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reasons = append(l.reasons, reason)
}

func (l *fakeLifecycle) FatalError(_ Meta, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fatal = append(l.fatal, err)
}

func (l *fakeLifecycle) fatals() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.fatal...)
}

// harness wires fakes into a Router the way the gateway wires real providers.
type harness struct {
	t      *testing.T
	tr     *fakeTransport
	stt    *fakeSTT
	llm    *fakeLLM
	tts    *fakeTTS
	voice  *fakeVoice
	life   *fakeLifecycle
	router *Router

	weatherCalls atomic.Int32
	sess         Session
	errc         chan error
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:     t,
		tr:    newFakeTransport(),
		stt:   &fakeSTT{},
		llm:   &fakeLLM{script: func(int, providers.CompletionRequest) llmReply { return llmReply{tokens: []string{"Okay."}} }},
		tts:   &fakeTTS{},
		voice: &fakeVoice{conn: newFakeConn()},
		life:  &fakeLifecycle{},
	}

	cat := &providers.Catalog{
		STT:   providers.NewRegistry[providers.TranscriptionProvider]("stt"),
		LLM:   providers.NewRegistry[providers.CompletionProvider]("llm"),
		TTS:   providers.NewRegistry[providers.SynthesisProvider]("tts"),
		Voice: providers.NewRegistry[providers.VoiceModelProvider]("voice"),
	}
	cat.STT.Register("fake", providers.Factory[providers.TranscriptionProvider]{
		New: func(providers.Selection, string) (providers.TranscriptionProvider, error) { return h.stt, nil },
	})
	cat.LLM.Register("fake", providers.Factory[providers.CompletionProvider]{
		New: func(providers.Selection, string) (providers.CompletionProvider, error) { return h.llm, nil },
	})
	cat.LLM.Register("keyed", providers.Factory[providers.CompletionProvider]{
		Key: "vendor",
		New: func(providers.Selection, string) (providers.CompletionProvider, error) { return h.llm, nil },
	})
	cat.TTS.Register("fake", providers.Factory[providers.SynthesisProvider]{
		New: func(providers.Selection, string) (providers.SynthesisProvider, error) { return h.tts, nil },
	})
	cat.Voice.Register("fake", providers.Factory[providers.VoiceModelProvider]{
		New: func(providers.Selection, string) (providers.VoiceModelProvider, error) { return h.voice, nil },
	})

	weather := tools.Func{
		Def: tools.Definition{
			Name:        "get_weather",
			Description: "Current weather for a city",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"location": map[string]any{"type": "string"}},
			},
		},
		Fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			h.weatherCalls.Add(1)
			return json.RawMessage(`{"temperature":72,"conditions":"sunny"}`), nil
		},
	}

	h.router = NewRouter(Deps{
		Catalog:    cat,
		Dispatcher: tools.NewDispatcher(tools.NewStaticRegistry(weather)),
		Lifecycle:  h.life,
		Timeouts:   Timeouts{Configure: 500 * time.Millisecond, Finalize: 300 * time.Millisecond, RetryBackoff: 10 * time.Millisecond},
	})
	return h
}

func cascadedConfig() EngineConfig {
	return EngineConfig{
		Mode:  ModeCascaded,
		STT:   providers.Selection{Provider: "fake"},
		LLM:   providers.Selection{Provider: "fake"},
		TTS:   providers.Selection{Provider: "fake"},
		Tools: []string{"get_weather"},
		TurnDetection: TurnDetection{
			MinSpeech:       40 * time.Millisecond,
			SilenceDuration: 100 * time.Millisecond,
		},
	}
}

func s2sConfig() EngineConfig {
	return EngineConfig{
		Mode:  ModeSpeechToSpeech,
		Voice: providers.Selection{Provider: "fake", Voice: "marin"},
		Tools: []string{"get_weather"},
	}
}

func (h *harness) start(cfg EngineConfig) {
	h.t.Helper()
	sess, err := h.router.New(cfg)
	require.NoError(h.t, err)
	h.sess = sess
	h.errc = make(chan error, 1)
	go func() { h.errc <- sess.Start(context.Background(), h.tr) }()
}

// wait returns Start's result once the call has ended.
func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(3 * time.Second):
		h.t.Fatal("session did not end")
		return nil
	}
}

func (h *harness) hangUp() error {
	h.tr.close()
	return h.wait()
}

func tone(level float32) audio.Frame {
	samples := make([]float32, 320)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = level
		} else {
			samples[i] = -level
		}
	}
	return audio.Frame{Data: audio.FloatToPCM(samples), SampleRate: audio.InternalRate}
}

// talk feeds enough voiced audio to start speech.
func (h *harness) talk() {
	for range 5 {
		h.tr.frames <- tone(0.25)
	}
}

// pause feeds enough silence to end speech.
func (h *harness) pause() {
	for range 8 {
		h.tr.frames <- tone(0)
	}
}

// say is one complete user utterance.
func (h *harness) say() {
	h.talk()
	h.pause()
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
