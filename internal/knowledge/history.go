package knowledge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/callbridge/internal/transcript"
)

// CallHistory stores each caller/agent exchange as an embedding so past
// calls can be searched. It is a transcript sink; writes happen in the
// background and failures are logged, never surfaced to the call.
type CallHistory struct {
	embedder   Embedder
	store      VectorStore
	collection string
	timeout    time.Duration

	mu      sync.Mutex
	pending map[string]string
	wg      sync.WaitGroup
}

func NewCallHistory(embedder Embedder, store VectorStore, collection string) *CallHistory {
	return &CallHistory{
		embedder:   embedder,
		store:      store,
		collection: collection,
		timeout:    10 * time.Second,
		pending:    make(map[string]string),
	}
}

// WriteTurn pairs each agent turn with the user turn before it.
func (ch *CallHistory) WriteTurn(callID string, _ int, t transcript.Turn) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	switch t.Role {
	case transcript.RoleUser:
		ch.pending[callID] = t.Text
	case transcript.RoleAgent:
		user, ok := ch.pending[callID]
		if !ok {
			return
		}
		delete(ch.pending, callID)
		ch.wg.Add(1)
		go ch.persist(callID, user, t.Text)
	}
}

// Forget drops any unpaired user turn for a finished call.
func (ch *CallHistory) Forget(callID string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.pending, callID)
}

// Wait blocks until background writes finish.
func (ch *CallHistory) Wait() { ch.wg.Wait() }

func (ch *CallHistory) persist(callID, userText, agentText string) {
	defer ch.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), ch.timeout)
	defer cancel()

	combined := "User: " + userText + "\nAgent: " + agentText
	vector, err := ch.embedder.Embed(ctx, combined)
	if err != nil {
		slog.Error("call history embed", "session_id", callID, "error", err)
		return
	}
	point := Point{
		ID:     uuid.NewString(),
		Vector: vector,
		Payload: map[string]any{
			"session_id": callID,
			"user":       userText,
			"agent":      agentText,
			"text":       combined,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := ch.store.Upsert(ctx, ch.collection, []Point{point}); err != nil {
		slog.Error("call history upsert", "session_id", callID, "error", err)
	}
}
