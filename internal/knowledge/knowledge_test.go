package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/callbridge/internal/transcript"
)

type fakeEmbedder struct {
	err    error
	mu     sync.Mutex
	inputs []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeStore struct {
	hits []Hit

	mu       sync.Mutex
	upserted []Point
	topK     int
}

func (f *fakeStore) Upsert(_ context.Context, _ string, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, points...)
	return nil
}

func (f *fakeStore) Search(_ context.Context, _ string, _ []float32, topK int, _ float32) ([]Hit, error) {
	f.topK = topK
	return f.hits, nil
}

func TestRetrieverJoinsPassages(t *testing.T) {
	store := &fakeStore{hits: []Hit{
		{Payload: map[string]string{"text": "We open at 9am."}},
		{Payload: map[string]string{"source": "no text"}},
		{Payload: map[string]string{"text": "We close at 5pm."}},
	}}
	r := NewRetriever(RetrieverConfig{Embedder: &fakeEmbedder{}, Store: store, Collection: "knowledge_base"})

	got, err := r.Retrieve(t.Context(), "hours?")
	require.NoError(t, err)
	assert.Equal(t, "We open at 9am.\n---\nWe close at 5pm.", got)
	assert.Equal(t, 3, store.topK)
}

func TestRetrieverEmbedError(t *testing.T) {
	r := NewRetriever(RetrieverConfig{Embedder: &fakeEmbedder{err: errors.New("down")}, Store: &fakeStore{}})
	_, err := r.Retrieve(t.Context(), "hours?")
	assert.ErrorContains(t, err, "embed query")
}

func TestCallHistoryPairsTurns(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &fakeStore{}
	ch := NewCallHistory(emb, store, "call_history")

	ch.WriteTurn("s1", 0, transcript.Turn{Role: transcript.RoleAgent, Text: "Hello!"})
	ch.WriteTurn("s1", 1, transcript.Turn{Role: transcript.RoleUser, Text: "Is it sunny?"})
	ch.WriteTurn("s1", 2, transcript.Turn{Role: transcript.RoleAgent, Text: "Yes, 72 and sunny."})
	ch.WriteTurn("s2", 0, transcript.Turn{Role: transcript.RoleUser, Text: "Hang on"})
	ch.Forget("s2")
	ch.Wait()

	require.Len(t, store.upserted, 1)
	p := store.upserted[0]
	assert.Equal(t, "s1", p.Payload["session_id"])
	assert.Equal(t, "Is it sunny?", p.Payload["user"])
	assert.Equal(t, []string{"User: Is it sunny?\nAgent: Yes, 72 and sunny."}, emb.inputs)
	assert.Empty(t, ch.pending)
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		_, _ = w.Write([]byte(`{"embeddings":[[0.5,0.25]]}`))
	}))
	defer srv.Close()

	vec, err := NewOllamaEmbedder(srv.URL, "nomic-embed-text", 1).Embed(t.Context(), "hi")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[{"object":"embedding","index":0,"embedding":[1,0.5]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer srv.Close()

	vec, err := NewOpenAIEmbedder("k", srv.URL, "", 1).Embed(t.Context(), "hi")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.5}, vec)
}

func TestChunk(t *testing.T) {
	text := "First paragraph.\n\nSecond paragraph.\n\n\n\nThird one is here."
	assert.Equal(t, []string{"First paragraph.\n\nSecond paragraph.", "Third one is here."}, Chunk(text, 40))
	assert.Equal(t, []string{"First paragraph.", "Second paragraph.", "Third one is here."}, Chunk(text, 10))
	assert.Empty(t, Chunk("  \n\n ", 10))
}

func TestIngest(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &fakeStore{}
	n, err := Ingest(context.Background(), emb, store, "knowledge_base", "hours.txt",
		"We open at 9am.\n\nWe close at 5pm on weekdays.", 20)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, store.upserted, 2)
	assert.Equal(t, "We open at 9am.", store.upserted[0].Payload["text"])
	assert.Equal(t, "hours.txt", store.upserted[1].Payload["source"])
	assert.NotEqual(t, store.upserted[0].ID, store.upserted[1].ID)
}

func TestIngest_EmbedErrorWritesNothing(t *testing.T) {
	store := &fakeStore{}
	_, err := Ingest(context.Background(), &fakeEmbedder{err: errors.New("down")}, store, "kb", "a.txt", "text", 100)
	require.Error(t, err)
	assert.Empty(t, store.upserted)
}
