// Package session runs one phone call against a conversation engine: either
// a single speech-to-speech voice model or a cascaded STT, LLM and TTS
// pipeline. Both engines share the Session contract, the tool dispatch
// path and the transcript recorder.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hubenschmidt/callbridge/internal/audio"
	"github.com/hubenschmidt/callbridge/internal/telephony"
	"github.com/hubenschmidt/callbridge/internal/transcript"
)

// Mode selects the conversation engine.
type Mode string

const (
	ModeSpeechToSpeech Mode = "speech_to_speech"
	ModeCascaded       Mode = "cascaded"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle        State = "IDLE"
	StateConnecting  State = "CONNECTING"
	StateConfiguring State = "CONFIGURING"
	StateListening   State = "LISTENING"
	StateResponding  State = "RESPONDING"
	StateToolPending State = "TOOL_PENDING"
	StateEnded       State = "ENDED"
	StateFailed      State = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// End reasons reported to Lifecycle.CallEnded.
const (
	ReasonHangUp         = "hangup"
	ReasonShutdown       = "shutdown"
	ReasonProviderClosed = "provider_closed"
	ReasonError          = "error"
)

var (
	ErrAlreadyStarted    = errors.New("session already started")
	ErrUnknownInvocation = errors.New("no pending tool invocation with that id")
	ErrSessionEnded      = errors.New("session ended")
)

// Transport is the telephony side of a call as seen by a session.
type Transport interface {
	Info() telephony.CallInfo
	Frames() <-chan audio.Frame
	Done() <-chan struct{}
	SendAudio(f audio.Frame) error
	// Interrupt discards queued outbound audio tagged below epoch.
	Interrupt(epoch uint64)
	// AwaitPlayout blocks until audio sent so far has played on the far end.
	AwaitPlayout(ctx context.Context) error
	HangUp() error
}

// Session is one call bound to a conversation engine.
type Session interface {
	ID() string
	Mode() Mode
	State() State
	// Start runs the call until it ends. It returns nil on hang-up or
	// shutdown and the fatal error otherwise.
	Start(ctx context.Context, t Transport) error
	// NotifyToolResult delivers the result for a pending tool invocation.
	// Each invocation accepts exactly one result.
	NotifyToolResult(invocationID string, output json.RawMessage) error
	Transcript() []transcript.Turn
	Shutdown()
}

// Meta identifies a call in lifecycle events.
type Meta struct {
	SessionID string
	Mode      Mode
	Call      telephony.CallInfo
	StartedAt time.Time
}

// Lifecycle receives call bookkeeping events.
type Lifecycle interface {
	CallStarted(m Meta)
	CallEnded(m Meta, reason string)
	FatalError(m Meta, err error)
}

// Lifecycles fans events out to several observers.
type Lifecycles []Lifecycle

func (ls Lifecycles) CallStarted(m Meta) {
	for _, l := range ls {
		l.CallStarted(m)
	}
}

func (ls Lifecycles) CallEnded(m Meta, reason string) {
	for _, l := range ls {
		l.CallEnded(m, reason)
	}
}

func (ls Lifecycles) FatalError(m Meta, err error) {
	for _, l := range ls {
		l.FatalError(m, err)
	}
}
