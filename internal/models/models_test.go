package models

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama keeps a resident set that /api/generate mutates.
type fakeOllama struct {
	mu       sync.Mutex
	resident map[string]bool
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3.2:3b"},{"name":"nomic-embed-text"},{"name":"qwen2.5:7b"}]}`))
	})
	mux.HandleFunc("GET /api/ps", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var out struct {
			Models []Loaded `json:"models"`
		}
		for name := range f.resident {
			out.Models = append(out.Models, Loaded{Name: name, Size: 1})
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model     string `json:"model"`
			KeepAlive int    `json:"keep_alive"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model == "missing" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		f.mu.Lock()
		f.resident[req.Model] = req.KeepAlive != 0
		if req.KeepAlive == 0 {
			delete(f.resident, req.Model)
		}
		f.mu.Unlock()
		w.Write([]byte(`{"done":true}`))
	})
	return mux
}

func newFake(t *testing.T) (*Ollama, *fakeOllama) {
	t.Helper()
	f := &fakeOllama{resident: map[string]bool{}}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	o := NewOllama(srv.URL + "/")
	o.PollInterval = 5 * time.Millisecond
	o.UnloadWait = 200 * time.Millisecond
	return o, f
}

func TestInstalled_SkipsEmbeddingModels(t *testing.T) {
	o, _ := newFake(t)
	names, err := o.Installed(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:3b", "qwen2.5:7b"}, names)
}

func TestPreloadAndUnload(t *testing.T) {
	o, _ := newFake(t)
	require.NoError(t, o.Preload(t.Context(), "llama3.2:3b"))
	require.NoError(t, o.Preload(t.Context(), "qwen2.5:7b"))

	loaded, err := o.Resident(t.Context())
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	require.NoError(t, o.Unload(t.Context(), "llama3.2:3b"))
	loaded, err = o.Resident(t.Context())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "qwen2.5:7b", loaded[0].Name)

	require.NoError(t, o.UnloadAll(t.Context()))
	loaded, err = o.Resident(t.Context())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestPreload_ReportsServerError(t *testing.T) {
	o, _ := newFake(t)
	err := o.Preload(t.Context(), "missing")
	assert.ErrorContains(t, err, "404")
}

func TestWarm_ContinuesPastFailures(t *testing.T) {
	o, f := newFake(t)
	o.Warm(t.Context(), []string{"missing", "llama3.2:3b"})
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.True(t, f.resident["llama3.2:3b"])
}
