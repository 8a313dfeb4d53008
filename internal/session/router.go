package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/providers"
	"github.com/hubenschmidt/callbridge/internal/tools"
	"github.com/hubenschmidt/callbridge/internal/transcript"
)

// Retriever supplies knowledge-base context for a user utterance.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (string, error)
}

// Timeouts bounds the waits inside a session.
type Timeouts struct {
	// Configure bounds the wait for the voice model to acknowledge session.update.
	Configure time.Duration
	// Finalize bounds the wait for the last transcript after speech ends.
	Finalize time.Duration
	// RetryBackoff is the pause before the single connection retry.
	RetryBackoff time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Configure <= 0 {
		t.Configure = 5 * time.Second
	}
	if t.Finalize <= 0 {
		t.Finalize = 1500 * time.Millisecond
	}
	if t.RetryBackoff <= 0 {
		t.RetryBackoff = 500 * time.Millisecond
	}
	return t
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Catalog    *providers.Catalog
	Dispatcher *tools.Dispatcher
	Sinks      []transcript.Sink
	Lifecycle  Lifecycle
	// Knowledge is optional; cascaded sessions use it for retrieval.
	Knowledge Retriever
	Timeouts  Timeouts
}

// Router builds sessions from engine configuration.
type Router struct {
	deps Deps
}

func NewRouter(d Deps) *Router {
	d.Timeouts = d.Timeouts.withDefaults()
	return &Router{deps: d}
}

// Validate checks cfg without building anything. Every failure is a
// configuration error, so callers can reject the call before accepting audio.
func (r *Router) Validate(cfg EngineConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.validateMode(); err != nil {
		return err
	}
	cat := r.deps.Catalog
	switch cfg.Mode {
	case ModeSpeechToSpeech:
		if err := cat.Voice.Check(cfg.Voice, cfg.Credentials); err != nil {
			return err
		}
	case ModeCascaded:
		if err := cat.STT.Check(cfg.STT, cfg.Credentials); err != nil {
			return err
		}
		if err := cat.LLM.Check(cfg.LLM, cfg.Credentials); err != nil {
			return err
		}
		if err := cat.TTS.Check(cfg.TTS, cfg.Credentials); err != nil {
			return err
		}
	}
	_, err := r.toolSpecs(cfg.Tools)
	return err
}

// New validates cfg and constructs the session for its mode.
func (r *Router) New(cfg EngineConfig) (Session, error) {
	if err := r.Validate(cfg); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	specs, err := r.toolSpecs(cfg.Tools)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()

	switch cfg.Mode {
	case ModeSpeechToSpeech:
		voice, err := r.deps.Catalog.Voice.Build(cfg.Voice, cfg.Credentials)
		if err != nil {
			return nil, err
		}
		return newRealtimeSession(id, cfg, r.deps, voice, specs), nil
	default:
		stt, err := r.deps.Catalog.STT.Build(cfg.STT, cfg.Credentials)
		if err != nil {
			return nil, err
		}
		llm, err := r.deps.Catalog.LLM.Build(cfg.LLM, cfg.Credentials)
		if err != nil {
			return nil, err
		}
		tts, err := r.deps.Catalog.TTS.Build(cfg.TTS, cfg.Credentials)
		if err != nil {
			return nil, err
		}
		return newCascadeSession(id, cfg, r.deps, stt, llm, tts, specs), nil
	}
}

func (r *Router) toolSpecs(names []string) ([]providers.ToolSpec, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if r.deps.Dispatcher == nil {
		return nil, callerr.Configuration("router", "tools %v enabled but no dispatcher configured", names)
	}
	defs, err := tools.Definitions(r.deps.Dispatcher.Registry(), names)
	if err != nil {
		return nil, callerr.Configuration("router", "%v", err)
	}
	specs := make([]providers.ToolSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, providers.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return specs, nil
}
