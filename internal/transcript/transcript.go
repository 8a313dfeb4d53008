// Package transcript records the finalized turns of a call in completion
// order, independent of which engine produced them.
package transcript

import (
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Turn is one finalized utterance.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	// ToolCallID links an agent turn to the tool call that preceded it.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Interrupted marks an agent turn cut short by barge-in.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Sink receives every appended turn, in append order. Implementations must
// not block for long: they run on the caller's goroutine.
type Sink interface {
	WriteTurn(callID string, seq int, t Turn)
}

// Recorder is an append-only transcript, safe for concurrent use.
type Recorder struct {
	callID string
	sinks  []Sink

	mu    sync.RWMutex
	turns []Turn
}

func NewRecorder(callID string, sinks ...Sink) *Recorder {
	return &Recorder{callID: callID, sinks: sinks}
}

// Append records a finalized turn and returns its sequence number, or -1
// if the turn has no text. Turns are ordered by when Append is called, so
// callers append at completion time.
func (r *Recorder) Append(t Turn) int {
	t.Text = strings.TrimSpace(t.Text)
	if t.Text == "" {
		return -1
	}
	if t.EndedAt.IsZero() {
		t.EndedAt = time.Now()
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = t.EndedAt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	seq := len(r.turns)
	r.turns = append(r.turns, t)
	for _, s := range r.sinks {
		s.WriteTurn(r.callID, seq, t)
	}
	return seq
}

// Turns returns a copy of the finalized transcript.
func (r *Recorder) Turns() []Turn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Turn, len(r.turns))
	copy(out, r.turns)
	return out
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.turns)
}

// Format renders turns as "[User]: ..." / "[Assistant]: ..." blocks.
func Format(turns []Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, "["+label(t.Role)+"]: "+t.Text)
	}
	return strings.Join(parts, "\n\n")
}

func label(r Role) string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAgent:
		return "Assistant"
	}
	return "System"
}
