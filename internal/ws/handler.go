// Package ws serves the telephony media-stream WebSocket: it admits a call,
// resolves its profile, builds the session and runs it to completion.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/calls"
	"github.com/hubenschmidt/callbridge/internal/metrics"
	"github.com/hubenschmidt/callbridge/internal/profiles"
	"github.com/hubenschmidt/callbridge/internal/providers"
	"github.com/hubenschmidt/callbridge/internal/session"
	"github.com/hubenschmidt/callbridge/internal/summary"
	"github.com/hubenschmidt/callbridge/internal/telephony"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionBuilder builds a session for an engine config.
type SessionBuilder interface {
	New(cfg session.EngineConfig) (session.Session, error)
}

// SummarySink stores a post-call summary.
type SummarySink interface {
	RecordSummary(sessionID, summary string)
}

// Forgetter drops per-call state held for a session.
type Forgetter interface {
	Forget(sessionID string)
}

// HandlerConfig holds what every call on this endpoint shares.
type HandlerConfig struct {
	Router      SessionBuilder
	Profiles    *profiles.Set
	Tracker     *calls.Tracker
	Credentials providers.Credentials
	Transport   telephony.Config

	MaxConcurrent int
	// AcceptTimeout bounds the wait for the stream's start event.
	AcceptTimeout time.Duration

	// Optional post-call work.
	Summarizer     summary.Summarizer
	Summaries      SummarySink
	History        Forgetter
	SummaryTimeout time.Duration
}

// Handler manages media-stream connections with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
	bg  sync.WaitGroup
}

func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 10 * time.Second
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 30 * time.Second
	}
	if cfg.Transport.MaxBuffer <= 0 {
		cfg.Transport = telephony.DefaultConfig()
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ServeHTTP upgrades the connection and runs the call.
// Returns 503 if at max concurrent call capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.CallsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runCall(telephony.NewAdapter(conn, h.cfg.Transport))
}

func (h *Handler) runCall(adapter *telephony.Adapter) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acceptCtx, acceptCancel := context.WithTimeout(ctx, h.cfg.AcceptTimeout)
	info, err := adapter.Accept(acceptCtx)
	acceptCancel()
	if err != nil {
		metrics.CallsRejected.WithLabelValues("transport").Inc()
		slog.Warn("media stream rejected", "error", err)
		return
	}
	log := slog.With("call_id", info.CallID, "stream_id", info.StreamID)

	profile := h.cfg.Profiles.ForCall(info)
	engine := profile.Engine
	engine.Credentials = h.cfg.Credentials

	// Configuration problems are reported before any audio is read.
	sess, err := h.cfg.Router.New(engine)
	if err != nil {
		reason := "error"
		if errors.Is(err, callerr.ErrConfiguration) {
			reason = "configuration"
		}
		metrics.CallsRejected.WithLabelValues(reason).Inc()
		log.Error("call rejected", "profile", profile.Name, "error", err)
		_ = adapter.HangUp()
		return
	}

	unregister, err := h.cfg.Tracker.Register(info.CallID, calls.Handle{
		Session: sess,
		HangUp:  adapter.HangUp,
		From:    info.From,
		To:      info.To,
	})
	if err != nil {
		metrics.CallsRejected.WithLabelValues("duplicate").Inc()
		log.Warn("call rejected", "error", err)
		_ = adapter.HangUp()
		return
	}
	defer unregister()

	metrics.CallsActive.Inc()
	defer metrics.CallsActive.Dec()

	log.Info("call accepted", "session_id", sess.ID(), "profile", profile.Name, "mode", string(sess.Mode()),
		"dialect", string(info.Dialect), "codec", string(info.Codec), "sample_rate", info.SampleRate)

	var transportDone sync.WaitGroup
	transportDone.Add(1)
	go func() {
		defer transportDone.Done()
		adapter.Run(ctx)
	}()

	if err = sess.Start(ctx, adapter); err != nil {
		log.Error("call failed", "session_id", sess.ID(), "error", err)
	}
	cancel()
	transportDone.Wait()

	h.afterCall(sess)
}

// afterCall runs post-call work in the background so the connection can
// close immediately.
func (h *Handler) afterCall(sess session.Session) {
	if h.cfg.History != nil {
		h.cfg.History.Forget(sess.ID())
	}
	if h.cfg.Summarizer == nil || h.cfg.Summaries == nil {
		return
	}
	turns := sess.Transcript()
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SummaryTimeout)
		defer cancel()
		text, err := h.cfg.Summarizer.Summarize(ctx, turns)
		if err != nil {
			slog.Warn("call summary failed", "session_id", sess.ID(), "error", err)
			return
		}
		if text != "" {
			h.cfg.Summaries.RecordSummary(sess.ID(), text)
		}
	}()
}

// Wait blocks until background post-call work has finished.
func (h *Handler) Wait() { h.bg.Wait() }
