package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/callbridge/internal/callerr"
)

// RealtimeRate is the pcm16 rate used on realtime voice connections.
const RealtimeRate = 24000

// TurnDetection configures provider-side voice activity detection.
type TurnDetection struct {
	Threshold       float64
	PrefixPadding   time.Duration
	SilenceDuration time.Duration
}

// RealtimeConfig is the session.update payload in provider-neutral form.
type RealtimeConfig struct {
	Model         string
	Voice         string
	Instructions  string
	Temperature   float64
	TurnDetection TurnDetection
	Tools         []ToolSpec
}

// RealtimeEventKind classifies provider events a session acts on.
type RealtimeEventKind int

const (
	EventSessionReady RealtimeEventKind = iota + 1
	EventSpeechStarted
	EventSpeechStopped
	EventResponseCreated
	EventAudioDelta
	EventTranscriptDelta
	EventTranscriptDone
	EventUserTranscript
	EventFunctionCall
	EventResponseDone
	EventError
)

func (k RealtimeEventKind) String() string {
	switch k {
	case EventSessionReady:
		return "session_ready"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventResponseCreated:
		return "response_created"
	case EventAudioDelta:
		return "audio_delta"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventTranscriptDone:
		return "transcript_done"
	case EventUserTranscript:
		return "user_transcript"
	case EventFunctionCall:
		return "function_call"
	case EventResponseDone:
		return "response_done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// RealtimeEvent is one decoded provider event.
type RealtimeEvent struct {
	Kind       RealtimeEventKind
	ResponseID string
	ItemID     string
	// Audio is pcm16 at RealtimeRate.
	Audio []byte
	Text  string
	// Function call fields.
	CallID    string
	Name      string
	Arguments json.RawMessage
	// Status is the response.done status (completed, cancelled, failed, incomplete).
	Status string
	// Code and Text carry the provider error on EventError.
	Code string
}

// VoiceConn is one live bidirectional voice-model stream.
type VoiceConn interface {
	UpdateSession(cfg RealtimeConfig) error
	AppendAudio(pcm []byte) error
	SendFunctionOutput(callID, output string) error
	CreateResponse(instructions string) error
	CancelResponse() error
	Truncate(itemID string, playedMs int) error
	Events() <-chan RealtimeEvent
	// Err reports why Events closed; nil on a clean close.
	Err() error
	Close() error
	SampleRate() int
}

// VoiceModelProvider opens voice-model streams.
type VoiceModelProvider interface {
	Name() string
	Connect(ctx context.Context) (VoiceConn, error)
}

// realtimeDialect captures the per-vendor differences of the realtime protocol.
type realtimeDialect struct {
	name    string
	url     string
	session func(cfg RealtimeConfig) map[string]any
}

// Realtime is a websocket voice-model provider.
type Realtime struct {
	dialect realtimeDialect
	apiKey  string
	model   string
}

// NewOpenAIRealtime targets the OpenAI realtime API.
func NewOpenAIRealtime(apiKey, model string) *Realtime {
	return &Realtime{dialect: realtimeDialect{name: "openai", url: "wss://api.openai.com/v1/realtime", session: openAISession}, apiKey: apiKey, model: model}
}

// NewXAIRealtime targets the xAI Grok voice agent API.
func NewXAIRealtime(apiKey, model string) *Realtime {
	return &Realtime{dialect: realtimeDialect{name: "xai", url: "wss://api.x.ai/v1/realtime", session: xaiSession}, apiKey: apiKey, model: model}
}

// WithURL overrides the websocket endpoint.
func (r *Realtime) WithURL(u string) *Realtime {
	r.dialect.url = u
	return r
}

func (r *Realtime) Name() string { return r.dialect.name }

func (r *Realtime) Connect(ctx context.Context) (VoiceConn, error) {
	endpoint := r.dialect.url
	if r.model != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, callerr.Configuration(r.dialect.name, "realtime url: %v", err)
		}
		q := u.Query()
		q.Set("model", r.model)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+r.apiKey)

	conn, err := dialWebsocket(ctx, r.dialect.name, endpoint, headers)
	if err != nil {
		return nil, err
	}
	rc := &realtimeConn{
		provider: r.dialect.name,
		dialect:  r.dialect,
		conn:     conn,
		events:   make(chan RealtimeEvent, 256),
		quit:     make(chan struct{}),
		log:      slog.With("provider", r.dialect.name),
	}
	go rc.readLoop()
	return rc, nil
}

type realtimeConn struct {
	provider string
	dialect  realtimeDialect
	conn     *websocket.Conn
	writeMu  sync.Mutex
	events   chan RealtimeEvent
	quit     chan struct{}
	errMu    sync.Mutex
	err      error
	once     sync.Once
	log      *slog.Logger
}

func (c *realtimeConn) SampleRate() int              { return RealtimeRate }
func (c *realtimeConn) Events() <-chan RealtimeEvent { return c.events }

func (c *realtimeConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *realtimeConn) UpdateSession(cfg RealtimeConfig) error {
	return c.send(map[string]any{"type": "session.update", "session": c.dialect.session(cfg)})
}

func (c *realtimeConn) AppendAudio(pcm []byte) error {
	return c.send(map[string]any{"type": "input_audio_buffer.append", "audio": base64.StdEncoding.EncodeToString(pcm)})
}

func (c *realtimeConn) SendFunctionOutput(callID, output string) error {
	return c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{"type": "function_call_output", "call_id": callID, "output": output},
	})
}

func (c *realtimeConn) CreateResponse(instructions string) error {
	msg := map[string]any{"type": "response.create"}
	if instructions != "" {
		msg["response"] = map[string]any{"instructions": instructions}
	}
	return c.send(msg)
}

func (c *realtimeConn) CancelResponse() error {
	return c.send(map[string]any{"type": "response.cancel"})
}

func (c *realtimeConn) Truncate(itemID string, playedMs int) error {
	return c.send(map[string]any{"type": "conversation.item.truncate", "item_id": itemID, "content_index": 0, "audio_end_ms": playedMs})
}

func (c *realtimeConn) send(msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %v: %w", msg["type"], err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return callerr.ProviderStream(c.provider, fmt.Errorf("write %v: %w", msg["type"], err), true)
	}
	return nil
}

func (c *realtimeConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.quit)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *realtimeConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		ev, ok := decodeRealtimeEvent(data)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.quit:
			return
		}
	}
}

func (c *realtimeConn) finish(err error) {
	select {
	case <-c.quit:
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info("realtime stream closed by provider")
		return
	}
	c.errMu.Lock()
	c.err = callerr.ProviderStream(c.provider, fmt.Errorf("read: %w", err), true)
	c.errMu.Unlock()
}

type rawRealtimeEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Response   *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeRealtimeEvent accepts both the GA and the beta event names.
func decodeRealtimeEvent(data []byte) (RealtimeEvent, bool) {
	var raw rawRealtimeEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return RealtimeEvent{}, false
	}
	ev := RealtimeEvent{ResponseID: raw.ResponseID, ItemID: raw.ItemID}

	switch raw.Type {
	case "session.updated":
		ev.Kind = EventSessionReady
	case "input_audio_buffer.speech_started":
		ev.Kind = EventSpeechStarted
	case "input_audio_buffer.speech_stopped":
		ev.Kind = EventSpeechStopped
	case "response.created":
		ev.Kind = EventResponseCreated
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
		}
	case "response.output_audio.delta", "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(raw.Delta)
		if err != nil {
			return ev, false
		}
		ev.Kind = EventAudioDelta
		ev.Audio = pcm
	case "response.output_audio_transcript.delta", "response.audio_transcript.delta", "response.audio.transcript.delta":
		ev.Kind = EventTranscriptDelta
		ev.Text = raw.Delta
	case "response.output_audio_transcript.done", "response.audio_transcript.done", "response.audio.transcript.done":
		ev.Kind = EventTranscriptDone
		ev.Text = raw.Transcript
	case "conversation.item.input_audio_transcription.completed":
		ev.Kind = EventUserTranscript
		ev.Text = raw.Transcript
	case "response.function_call_arguments.done":
		ev.Kind = EventFunctionCall
		ev.CallID = raw.CallID
		ev.Name = raw.Name
		ev.Arguments = json.RawMessage(raw.Arguments)
	case "response.done":
		ev.Kind = EventResponseDone
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
			ev.Status = raw.Response.Status
		}
	case "error":
		ev.Kind = EventError
		if raw.Error != nil {
			ev.Code = raw.Error.Code
			ev.Text = raw.Error.Message
		}
	default:
		return ev, false
	}
	return ev, true
}

// ErrCancelNotActive is the provider code for cancelling a response that
// already finished.
const ErrCancelNotActive = "response_cancel_not_active"

// IsBenignRealtimeError reports provider errors a session can ignore.
func IsBenignRealtimeError(ev RealtimeEvent) bool {
	return ev.Code == ErrCancelNotActive
}

func turnDetection(td TurnDetection) map[string]any {
	return map[string]any{
		"type":                "server_vad",
		"threshold":           td.Threshold,
		"prefix_padding_ms":   td.PrefixPadding.Milliseconds(),
		"silence_duration_ms": td.SilenceDuration.Milliseconds(),
	}
}

func pcmFormat() map[string]any {
	return map[string]any{"type": "audio/pcm", "rate": RealtimeRate}
}

func openAISession(cfg RealtimeConfig) map[string]any {
	s := map[string]any{
		"type":              "realtime",
		"output_modalities": []string{"audio"},
		"instructions":      cfg.Instructions,
		"audio": map[string]any{
			"input": map[string]any{
				"format":         pcmFormat(),
				"transcription":  map[string]any{"model": "gpt-4o-mini-transcribe"},
				"turn_detection": turnDetection(cfg.TurnDetection),
			},
			"output": map[string]any{
				"format": pcmFormat(),
				"voice":  MapVoice("openai", cfg.Voice),
			},
		},
	}
	if cfg.Model != "" {
		s["model"] = cfg.Model
	}
	if len(cfg.Tools) > 0 {
		s["tools"] = toRealtimeTools(cfg.Tools)
		s["tool_choice"] = "auto"
	}
	return s
}

func xaiSession(cfg RealtimeConfig) map[string]any {
	s := map[string]any{
		"voice":          MapVoice("xai", cfg.Voice),
		"instructions":   cfg.Instructions,
		"turn_detection": turnDetection(cfg.TurnDetection),
		"audio": map[string]any{
			"input":  map[string]any{"format": pcmFormat()},
			"output": map[string]any{"format": pcmFormat()},
		},
	}
	if cfg.Temperature > 0 {
		s["temperature"] = cfg.Temperature
	}
	if len(cfg.Tools) > 0 {
		s["tools"] = toRealtimeTools(cfg.Tools)
	}
	return s
}

// errRealtimeClosed is returned when the provider closes before acknowledging configuration.
var errRealtimeClosed = errors.New("realtime stream closed")

// AwaitSessionReady drains events until the provider acknowledges
// session.update. Events other than errors received meanwhile are dropped.
func AwaitSessionReady(ctx context.Context, c VoiceConn, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				if err := c.Err(); err != nil {
					return err
				}
				return callerr.ProviderConnection("realtime", errRealtimeClosed, false)
			}
			switch ev.Kind {
			case EventSessionReady:
				return nil
			case EventError:
				return callerr.ProviderConnection("realtime", fmt.Errorf("configure: %s: %s", ev.Code, ev.Text), false)
			}
		case <-timer.C:
			return callerr.ProviderConnection("realtime", fmt.Errorf("no session acknowledgment within %s", timeout), false)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
