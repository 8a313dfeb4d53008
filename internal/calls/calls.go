// Package calls tracks the sessions of in-progress calls by call id so a
// call can be found again for hang-up, transcript reads and tool results.
package calls

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hubenschmidt/callbridge/internal/session"
)

var (
	ErrDuplicate = errors.New("call already has an active session")
	ErrNotFound  = errors.New("no active call with that id")
)

// Handle is what the tracker keeps for one call.
type Handle struct {
	Session session.Session
	// HangUp closes the telephony side of the call.
	HangUp func() error
	From   string
	To     string
}

// Active describes an in-progress call.
type Active struct {
	CallID    string        `json:"call_id"`
	SessionID string        `json:"session_id"`
	Mode      session.Mode  `json:"mode"`
	State     session.State `json:"state"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

type entry struct {
	handle    Handle
	startedAt time.Time
	once      sync.Once
}

// Tracker is a concurrent map of call id to session. At most one session
// is registered per call id.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]*entry
	wg    sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{calls: make(map[string]*entry)}
}

// Register adds a call. The returned func removes it and is safe to call
// more than once.
func (t *Tracker) Register(callID string, h Handle) (unregister func(), err error) {
	e := &entry{handle: h, startedAt: time.Now()}

	t.mu.Lock()
	if _, ok := t.calls[callID]; ok {
		t.mu.Unlock()
		return nil, ErrDuplicate
	}
	t.calls[callID] = e
	t.wg.Add(1)
	t.mu.Unlock()

	return func() { t.unregister(callID, e) }, nil
}

func (t *Tracker) unregister(callID string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.calls[callID] == e {
			delete(t.calls, callID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Get returns the session registered for callID.
func (t *Tracker) Get(callID string) (session.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.calls[callID]
	if !ok {
		return nil, false
	}
	return e.handle.Session, true
}

// HangUp ends the call's telephony leg. The session notices the closed
// transport and ends itself.
func (t *Tracker) HangUp(callID string) error {
	t.mu.Lock()
	e, ok := t.calls[callID]
	t.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if e.handle.HangUp != nil {
		return e.handle.HangUp()
	}
	e.handle.Session.Shutdown()
	return nil
}

// List returns the active calls, oldest first.
func (t *Tracker) List() []Active {
	t.mu.Lock()
	out := make([]Active, 0, len(t.calls))
	for id, e := range t.calls {
		s := e.handle.Session
		out = append(out, Active{
			CallID:    id,
			SessionID: s.ID(),
			Mode:      s.Mode(),
			State:     s.State(),
			From:      e.handle.From,
			To:        e.handle.To,
			StartedAt: e.startedAt,
		})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// ShutdownAll asks every active session to end and returns how many were
// signalled.
func (t *Tracker) ShutdownAll() int {
	var sessions []session.Session
	t.mu.Lock()
	for _, e := range t.calls {
		sessions = append(sessions, e.handle.Session)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.Shutdown()
	}
	return len(sessions)
}

// Wait blocks until every registered call has unregistered or ctx is done.
func (t *Tracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
