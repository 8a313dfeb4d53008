package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/callbridge/internal/metrics"
	"github.com/hubenschmidt/callbridge/internal/tools"
	"github.com/hubenschmidt/callbridge/internal/transcript"
)

// toolResult is a tool output on its way back into the engine loop.
type toolResult struct {
	id     string
	name   string
	output json.RawMessage
}

// base holds what both engines share: identity, state, the epoch, the
// transcript and the tool result mailbox.
type base struct {
	id         string
	mode       Mode
	cfg        EngineConfig
	rec        *transcript.Recorder
	dispatcher *tools.Dispatcher
	lifecycle  Lifecycle
	log        *slog.Logger

	epoch     Epoch
	state     atomic.Value
	started   atomic.Bool
	transport Transport
	meta      Meta

	pendingMu sync.Mutex
	awaiting  map[string]string
	results   chan toolResult

	stop     chan struct{}
	stopOnce sync.Once
}

func newBase(id string, mode Mode, cfg EngineConfig, d Deps) base {
	b := base{
		id:         id,
		mode:       mode,
		cfg:        cfg,
		rec:        transcript.NewRecorder(id, d.Sinks...),
		dispatcher: d.Dispatcher,
		lifecycle:  d.Lifecycle,
		log:        slog.With("session_id", id, "mode", string(mode)),
		awaiting:   make(map[string]string),
		results:    make(chan toolResult, 32),
		stop:       make(chan struct{}),
	}
	if b.lifecycle == nil {
		b.lifecycle = Lifecycles{}
	}
	b.state.Store(StateIdle)
	return b
}

func (b *base) ID() string                    { return b.id }
func (b *base) Mode() Mode                    { return b.mode }
func (b *base) Transcript() []transcript.Turn { return b.rec.Turns() }

func (b *base) State() State { return b.state.Load().(State) }

func (b *base) setState(s State) {
	prev := b.state.Swap(s).(State)
	if prev != s {
		b.log.Debug("state", "from", string(prev), "to", string(s))
	}
}

// transition moves from one state to another only if the session is still
// in from, so a late worker cannot overwrite a newer state.
func (b *base) transition(from, to State) bool {
	if b.state.CompareAndSwap(from, to) {
		b.log.Debug("state", "from", string(from), "to", string(to))
		return true
	}
	return false
}

// Shutdown ends the call. Safe to call more than once and before Start.
func (b *base) Shutdown() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// bind attaches the transport and reports the call as started.
func (b *base) bind(t Transport) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	b.transport = t
	b.meta = Meta{SessionID: b.id, Mode: b.mode, Call: t.Info(), StartedAt: time.Now()}
	b.log = b.log.With("call_id", b.meta.Call.CallID)
	metrics.CallsTotal.WithLabelValues(string(b.mode)).Inc()
	b.lifecycle.CallStarted(b.meta)
	return nil
}

// NotifyToolResult hands a tool output to the engine loop. A second result
// for the same invocation is rejected.
func (b *base) NotifyToolResult(invocationID string, output json.RawMessage) error {
	b.pendingMu.Lock()
	name, ok := b.awaiting[invocationID]
	delete(b.awaiting, invocationID)
	b.pendingMu.Unlock()
	if !ok {
		return ErrUnknownInvocation
	}
	select {
	case b.results <- toolResult{id: invocationID, name: name, output: output}:
		return nil
	case <-b.stop:
		return ErrSessionEnded
	}
}

// dispatch runs a tool call in the background and routes its result
// through NotifyToolResult. The dispatcher ledger key is scoped to the
// session so provider call ids cannot collide across calls.
func (b *base) dispatch(ctx context.Context, callID, name string, args json.RawMessage) {
	b.pendingMu.Lock()
	b.awaiting[callID] = name
	b.pendingMu.Unlock()

	b.log.Info("tool call", "tool", name, "invocation_id", callID)
	go func() {
		res := b.dispatcher.Dispatch(ctx, tools.Invocation{ID: b.id + "/" + callID, Name: name, Arguments: args})
		if res.Failed() {
			b.log.Warn("tool call failed", "tool", name, "invocation_id", callID, "error", res.Err)
		}
		if err := b.NotifyToolResult(callID, res.Output); err != nil {
			b.log.Debug("tool result not delivered", "invocation_id", callID, "error", err)
		}
	}()
}

// end records the terminal state and tears the call down.
func (b *base) end(reason string, err error) error {
	if err != nil {
		b.setState(StateFailed)
		b.log.Error("call failed", "error", err)
		b.lifecycle.FatalError(b.meta, err)
		reason = ReasonError
	} else {
		b.setState(StateEnded)
	}
	metrics.CallsEnded.WithLabelValues(reason).Inc()
	b.lifecycle.CallEnded(b.meta, reason)
	b.Shutdown()
	if b.transport != nil {
		_ = b.transport.HangUp()
	}
	b.log.Info("call ended", "reason", reason, "turns", b.rec.Len())
	return err
}
