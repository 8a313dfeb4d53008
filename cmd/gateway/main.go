package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hubenschmidt/callbridge/internal/callrecord"
	"github.com/hubenschmidt/callbridge/internal/calls"
	"github.com/hubenschmidt/callbridge/internal/knowledge"
	"github.com/hubenschmidt/callbridge/internal/models"
	"github.com/hubenschmidt/callbridge/internal/profiles"
	"github.com/hubenschmidt/callbridge/internal/providers"
	"github.com/hubenschmidt/callbridge/internal/session"
	"github.com/hubenschmidt/callbridge/internal/summary"
	"github.com/hubenschmidt/callbridge/internal/tools"
	"github.com/hubenschmidt/callbridge/internal/transcript"
	"github.com/hubenschmidt/callbridge/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	catalog := providers.NewCatalog(cfg.endpoints)

	profileSet := profiles.Single(cfg.engine)
	if cfg.profilesPath != "" {
		set, err := profiles.Load(cfg.profilesPath)
		if err != nil {
			slog.Error("load profiles", "path", cfg.profilesPath, "error", err)
			os.Exit(1)
		}
		profileSet = set
	}

	// Tools
	registry := tools.NewStaticRegistry()
	profileSet.RegisterTools(registry, providers.NewPooledHTTPClient(cfg.toolPoolSize, cfg.toolTimeout))
	dispatchOpts := []tools.Option{tools.WithTimeout(cfg.toolTimeout)}
	var redisClient *redis.Client
	if cfg.redisURL != "" {
		opt, err := redis.ParseURL(cfg.redisURL)
		if err != nil {
			slog.Error("parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opt)
		if err = redisClient.Ping(initCtx).Err(); err != nil {
			slog.Warn("redis unreachable, using in-memory tool ledger", "error", err)
			redisClient.Close()
			redisClient = nil
		}
	}
	if redisClient != nil {
		dispatchOpts = append(dispatchOpts, tools.WithLedger(tools.NewRedisLedger(redisClient, cfg.ledgerTTL)))
		slog.Info("tool ledger", "backend", "redis")
	}
	dispatcher := tools.NewDispatcher(registry, dispatchOpts...)

	// Knowledge base and call history
	var retriever *knowledge.Retriever
	var history *knowledge.CallHistory
	var qdrantClient *knowledge.Qdrant
	if cfg.qdrantURL != "" {
		var err error
		qdrantClient, err = knowledge.NewQdrant(cfg.qdrantURL, cfg.qdrantAPIKey)
		if err != nil {
			slog.Error("qdrant", "error", err)
			os.Exit(1)
		}
		embedder := newEmbedder(cfg)
		if err = qdrantClient.EnsureCollection(initCtx, "knowledge_base", cfg.vectorSize); err != nil {
			slog.Warn("qdrant knowledge_base collection", "error", err)
		}
		if err = qdrantClient.EnsureCollection(initCtx, "call_history", cfg.vectorSize); err != nil {
			slog.Warn("qdrant call_history collection", "error", err)
		}
		retriever = knowledge.NewRetriever(knowledge.RetrieverConfig{
			Embedder:       embedder,
			Store:          qdrantClient,
			Collection:     "knowledge_base",
			TopK:           cfg.ragTopK,
			ScoreThreshold: float32(cfg.ragScoreThreshold),
		})
		history = knowledge.NewCallHistory(embedder, qdrantClient, "call_history")
		slog.Info("rag enabled", "qdrant", cfg.qdrantURL, "embedding_provider", cfg.embeddingProvider, "embedding_model", cfg.embeddingModel)
	}

	// Call records
	var store *callrecord.Store
	var recorder *callrecord.Recorder
	if cfg.databaseURL != "" {
		var err error
		store, err = callrecord.Open(initCtx, cfg.databaseURL)
		if err != nil {
			slog.Error("call records", "error", err)
			os.Exit(1)
		}
		recorder = callrecord.NewRecorder(store, 512)
		slog.Info("call records enabled")
	}

	sessDeps := session.Deps{
		Catalog:    catalog,
		Dispatcher: dispatcher,
		Timeouts:   cfg.timeouts,
	}
	var lifecycle session.Lifecycles
	if recorder != nil {
		sessDeps.Sinks = append(sessDeps.Sinks, recorder)
		lifecycle = append(lifecycle, recorder)
	}
	if history != nil {
		sessDeps.Sinks = append(sessDeps.Sinks, transcript.Sink(history))
	}
	if retriever != nil {
		sessDeps.Knowledge = retriever
	}
	sessDeps.Lifecycle = lifecycle
	router := session.NewRouter(sessDeps)

	for _, name := range profileSet.Names() {
		p, _ := profileSet.Get(name)
		p.Engine.Credentials = cfg.credentials
		if err := router.Validate(p.Engine); err != nil {
			slog.Warn("profile cannot take calls", "profile", name, "error", err)
		}
	}

	var ollama *models.Ollama
	if cfg.endpoints.OllamaURL != "" {
		ollama = models.NewOllama(cfg.endpoints.OllamaURL)
		if cfg.warmOllama {
			go ollama.Warm(context.Background(), ollamaModels(profileSet))
		}
	}

	handlerCfg := ws.HandlerConfig{
		Router:        router,
		Profiles:      profileSet,
		Tracker:       calls.NewTracker(),
		Credentials:   cfg.credentials,
		Transport:     cfg.transport,
		MaxConcurrent: cfg.maxConcurrentCalls,
	}
	if history != nil {
		handlerCfg.History = history
	}
	if cfg.summaryModel != "" && recorder != nil {
		handlerCfg.Summarizer = summary.New(summary.Config{
			APIKey:  cfg.summaryAPIKey,
			BaseURL: cfg.summaryBaseURL,
			Model:   cfg.summaryModel,
		})
		handlerCfg.Summaries = recorder
		slog.Info("call summaries enabled", "model", cfg.summaryModel)
	}
	media := ws.NewHandler(handlerCfg)

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		mediaHandler: media,
		tracker:      handlerCfg.Tracker,
		store:        store,
		catalog:      catalog,
		profiles:     profileSet,
		ollama:       ollama,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		n := handlerCfg.Tracker.ShutdownAll()
		slog.Info("ending active calls", "count", n)
		if !handlerCfg.Tracker.Wait(ctx) {
			slog.Warn("calls still active at shutdown deadline", "count", handlerCfg.Tracker.Count())
		}
		srv.Shutdown(ctx)
	}()

	slog.Info("gateway starting", "addr", addr, "max_concurrent", cfg.maxConcurrentCalls, "profiles", profileSet.Names())

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	media.Wait()
	if history != nil {
		history.Wait()
	}
	recorder.Close()
	if store != nil {
		store.Close()
	}
	if qdrantClient != nil {
		qdrantClient.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if ollama != nil && cfg.warmOllama {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		slog.Info("unloading ollama models")
		if err := ollama.UnloadAll(ctx); err != nil {
			slog.Warn("ollama unload", "error", err)
		}
		cancel()
	}

	slog.Info("gateway stopped")
}

func newEmbedder(cfg config) knowledge.Embedder {
	if cfg.embeddingProvider == "openai" {
		return knowledge.NewOpenAIEmbedder(cfg.credentials[providers.KeyOpenAI], "", cfg.embeddingModel, cfg.endpoints.PoolSize)
	}
	return knowledge.NewOllamaEmbedder(orDefault(cfg.endpoints.OllamaURL, "http://localhost:11434"), cfg.embeddingModel, cfg.endpoints.PoolSize)
}

// ollamaModels lists the distinct Ollama models the profiles use.
func ollamaModels(set *profiles.Set) []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range set.Names() {
		p, _ := set.Get(name)
		engine := p.Engine.WithDefaults()
		llm := engine.LLM
		if engine.Mode != session.ModeCascaded || llm.Provider != "ollama" || llm.Model == "" || seen[llm.Model] {
			continue
		}
		seen[llm.Model] = true
		out = append(out, llm.Model)
	}
	return out
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
