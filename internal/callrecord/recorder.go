// Package callrecord persists calls, their transcripts and summaries to
// PostgreSQL without putting database latency on the call path.
package callrecord

import (
	"context"
	"log/slog"
	"time"

	"github.com/hubenschmidt/callbridge/internal/metrics"
	"github.com/hubenschmidt/callbridge/internal/session"
	"github.com/hubenschmidt/callbridge/internal/transcript"
)

const maxTextLen = 4000

// Writer is the storage the Recorder drains into.
type Writer interface {
	CreateCall(ctx context.Context, c Call) error
	EndCall(ctx context.Context, sessionID, reason, errMsg string, endedAt time.Time) error
	AddTurn(ctx context.Context, sessionID string, seq int, t transcript.Turn) error
	SetSummary(ctx context.Context, sessionID, summary string) error
}

type recordMsg struct {
	kind      string // "call_start", "call_end", "turn", "summary"
	sessionID string
	call      Call
	reason    string
	errMsg    string
	at        time.Time
	seq       int
	turn      transcript.Turn
	summary   string
}

// Recorder writes call records asynchronously via a buffered channel. It
// is a transcript sink and a session lifecycle observer. When the buffer
// is full records are dropped rather than stalling a call.
// All methods are nil-safe (no-op on nil receiver).
type Recorder struct {
	w    Writer
	ch   chan recordMsg
	done chan struct{}
}

// NewRecorder starts the background writer. Must call Close when done.
func NewRecorder(w Writer, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{w: w, ch: make(chan recordMsg, buffer), done: make(chan struct{})}
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer close(r.done)
	for msg := range r.ch {
		r.handle(msg)
	}
}

func (r *Recorder) handle(m recordMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handlers := map[string]func() error{
		"call_start": func() error { return r.w.CreateCall(ctx, m.call) },
		"call_end":   func() error { return r.w.EndCall(ctx, m.sessionID, m.reason, m.errMsg, m.at) },
		"turn":       func() error { return r.w.AddTurn(ctx, m.sessionID, m.seq, m.turn) },
		"summary":    func() error { return r.w.SetSummary(ctx, m.sessionID, m.summary) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("call record write failed", "kind", m.kind, "session_id", m.sessionID, "error", err)
	}
}

func (r *Recorder) send(m recordMsg) {
	if r == nil {
		return
	}
	select {
	case r.ch <- m:
	default:
		metrics.Errors.WithLabelValues("callrecord", "buffer_full").Inc()
		slog.Warn("call record dropped", "kind", m.kind, "session_id", m.sessionID)
	}
}

func (r *Recorder) CallStarted(m session.Meta) {
	r.send(recordMsg{kind: "call_start", sessionID: m.SessionID, call: Call{
		SessionID: m.SessionID,
		CallID:    m.Call.CallID,
		Dialect:   string(m.Call.Dialect),
		From:      m.Call.From,
		To:        m.Call.To,
		Mode:      string(m.Mode),
		StartedAt: m.StartedAt,
	}})
}

// CallEnded records the end reason. A call that failed already had its
// error recorded by FatalError, which always precedes CallEnded.
func (r *Recorder) CallEnded(m session.Meta, reason string) {
	r.send(recordMsg{kind: "call_end", sessionID: m.SessionID, reason: reason, at: time.Now()})
}

func (r *Recorder) FatalError(m session.Meta, err error) {
	r.send(recordMsg{kind: "call_end", sessionID: m.SessionID, reason: session.ReasonError, errMsg: truncate(err.Error(), maxTextLen), at: time.Now()})
}

func (r *Recorder) WriteTurn(sessionID string, seq int, t transcript.Turn) {
	t.Text = truncate(t.Text, maxTextLen)
	r.send(recordMsg{kind: "turn", sessionID: sessionID, seq: seq, turn: t})
}

// RecordSummary stores a post-call summary.
func (r *Recorder) RecordSummary(sessionID, summary string) {
	r.send(recordMsg{kind: "summary", sessionID: sessionID, summary: truncate(summary, maxTextLen)})
}

// Close drains pending writes and shuts down the background goroutine.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	close(r.ch)
	<-r.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
