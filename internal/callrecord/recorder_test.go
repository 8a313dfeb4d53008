package callrecord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/callbridge/internal/session"
	"github.com/hubenschmidt/callbridge/internal/telephony"
	"github.com/hubenschmidt/callbridge/internal/transcript"
)

type fakeWriter struct {
	mu      sync.Mutex
	log     []string
	calls   []Call
	turns   []transcript.Turn
	ends    []string
	summary string
	block   chan struct{}
}

func (f *fakeWriter) record(s string) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, s)
}

func (f *fakeWriter) CreateCall(_ context.Context, c Call) error {
	f.record("call_start")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeWriter) EndCall(_ context.Context, _, reason, errMsg string, _ time.Time) error {
	f.record("call_end")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, reason+":"+errMsg)
	return nil
}

func (f *fakeWriter) AddTurn(_ context.Context, _ string, _ int, t transcript.Turn) error {
	f.record("turn")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, t)
	return nil
}

func (f *fakeWriter) SetSummary(_ context.Context, _, summary string) error {
	f.record("summary")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summary = summary
	return errors.New("ignored")
}

func meta() session.Meta {
	return session.Meta{
		SessionID: "s1",
		Mode:      session.ModeCascaded,
		Call:      telephony.CallInfo{Dialect: telephony.DialectTwilio, CallID: "CA1", From: "+1555", To: "+1666"},
		StartedAt: time.Now(),
	}
}

func TestRecorderWritesInOrder(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, 16)

	r.CallStarted(meta())
	r.WriteTurn("s1", 0, transcript.Turn{Role: transcript.RoleUser, Text: "hi"})
	r.WriteTurn("s1", 1, transcript.Turn{Role: transcript.RoleAgent, Text: "hello"})
	r.CallEnded(meta(), session.ReasonHangUp)
	r.RecordSummary("s1", "Caller said hi.")
	r.Close()

	assert.Equal(t, []string{"call_start", "turn", "turn", "call_end", "summary"}, w.log)
	require.Len(t, w.calls, 1)
	assert.Equal(t, "CA1", w.calls[0].CallID)
	assert.Equal(t, "twilio", w.calls[0].Dialect)
	assert.Equal(t, "cascaded", w.calls[0].Mode)
	assert.Equal(t, []string{"hangup:"}, w.ends)
	assert.Equal(t, "Caller said hi.", w.summary)
}

func TestRecorderFatalErrorRecordsMessage(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, 16)
	r.FatalError(meta(), errors.New("voice provider unauthorized"))
	r.Close()
	assert.Equal(t, []string{"error:voice provider unauthorized"}, w.ends)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	r := NewRecorder(w, 1)

	for i := range 5 {
		r.WriteTurn("s1", i, transcript.Turn{Role: transcript.RoleUser, Text: "x"})
	}
	close(w.block)
	r.Close()
	assert.Less(t, len(w.turns), 5)
	assert.NotEmpty(t, w.turns)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.CallStarted(meta())
	r.WriteTurn("s1", 0, transcript.Turn{Text: "x"})
	r.Close()
}
