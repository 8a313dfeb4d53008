package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/callbridge/internal/callrecord"
	"github.com/hubenschmidt/callbridge/internal/calls"
	"github.com/hubenschmidt/callbridge/internal/models"
	"github.com/hubenschmidt/callbridge/internal/profiles"
	"github.com/hubenschmidt/callbridge/internal/providers"
	"github.com/hubenschmidt/callbridge/internal/session"
)

const (
	// defaultCallListLimit is how many call records are returned when the
	// caller omits the ?limit= query parameter.
	defaultCallListLimit = 20

	maxToolResultBody = 1 << 20
)

type deps struct {
	mediaHandler http.Handler
	tracker      *calls.Tracker
	store        *callrecord.Store
	catalog      *providers.Catalog
	profiles     *profiles.Set
	ollama       *models.Ollama
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/media-stream", d.mediaHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/providers", d.handleProviders)
	mux.HandleFunc("GET /api/profiles", d.handleProfiles)
	mux.HandleFunc("GET /api/models", d.handleModels)
	mux.HandleFunc("GET /api/calls/active", d.handleActiveCalls)
	mux.HandleFunc("GET /api/calls/active/{id}/transcript", d.handleTranscript)
	mux.HandleFunc("POST /api/calls/active/{id}/hangup", d.handleHangUp)
	mux.HandleFunc("POST /api/calls/active/{id}/tool-results/{invocation}", d.handleToolResult)
	registerCallRecordRoutes(mux, d.store)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (d deps) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"stt":   d.catalog.STT.Names(),
		"llm":   d.catalog.LLM.Names(),
		"tts":   d.catalog.TTS.Names(),
		"voice": d.catalog.Voice.Names(),
	})
}

func (d deps) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"profiles": d.profiles.Names()})
}

func (d deps) handleModels(w http.ResponseWriter, r *http.Request) {
	if d.ollama == nil {
		http.Error(w, "ollama not configured", http.StatusNotFound)
		return
	}
	installed, err := d.ollama.Installed(r.Context())
	if err != nil {
		slog.Error("list ollama models", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	loaded, err := d.ollama.Resident(r.Context())
	if err != nil {
		slog.Warn("list resident ollama models", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"installed": installed, "loaded": loaded})
}

func (d deps) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"calls": d.tracker.List()})
}

func (d deps) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := d.tracker.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID(),
		"state":      sess.State(),
		"turns":      sess.Transcript(),
	})
}

func (d deps) handleHangUp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.tracker.HangUp(id); err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("hangup requested", "call_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "hanging_up"})
}

// handleToolResult accepts the result of a tool invocation executed
// outside the gateway. The request body is the JSON result.
func (d deps) handleToolResult(w http.ResponseWriter, r *http.Request) {
	sess, ok := d.tracker.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxToolResultBody))
	if err != nil || !json.Valid(body) {
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}
	err = sess.NotifyToolResult(r.PathValue("invocation"), body)
	switch {
	case errors.Is(err, session.ErrUnknownInvocation):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrSessionEnded):
		http.Error(w, err.Error(), http.StatusGone)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func registerCallRecordRoutes(mux *http.ServeMux, store *callrecord.Store) {
	mux.HandleFunc("GET /api/calls", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "call records disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultCallListLimit)
		offset := queryInt(r, "offset", 0)
		list, total, err := store.ListCalls(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": list, "total": total})
	})

	mux.HandleFunc("GET /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "call records disabled", http.StatusNotFound)
			return
		}
		detail, err := store.GetCall(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
