package main

import (
	"time"

	"github.com/hubenschmidt/callbridge/internal/env"
	"github.com/hubenschmidt/callbridge/internal/prompts"
	"github.com/hubenschmidt/callbridge/internal/providers"
	"github.com/hubenschmidt/callbridge/internal/session"
	"github.com/hubenschmidt/callbridge/internal/telephony"
)

type config struct {
	port               string
	maxConcurrentCalls int
	profilesPath       string
	// engine is the single profile used when no profiles file is given.
	engine      session.EngineConfig
	credentials providers.Credentials
	endpoints   providers.Endpoints
	timeouts    session.Timeouts
	transport   telephony.Config

	toolTimeout  time.Duration
	toolPoolSize int
	redisURL     string
	ledgerTTL    time.Duration

	qdrantURL         string
	qdrantAPIKey      string
	embeddingProvider string
	embeddingModel    string
	vectorSize        int
	ragTopK           int
	ragScoreThreshold float64

	databaseURL string

	summaryModel   string
	summaryBaseURL string
	summaryAPIKey  string

	warmOllama bool
}

func loadConfig() config {
	creds := providers.Credentials{}
	for key, name := range map[string]string{
		providers.KeyDeepgram:   "DEEPGRAM_API_KEY",
		providers.KeyOpenAI:     "OPENAI_API_KEY",
		providers.KeyAnthropic:  "ANTHROPIC_API_KEY",
		providers.KeyGemini:     "GEMINI_API_KEY",
		providers.KeyCerebras:   "CEREBRAS_API_KEY",
		providers.KeyGroq:       "GROQ_API_KEY",
		providers.KeyXAI:        "XAI_API_KEY",
		providers.KeyElevenLabs: "ELEVENLABS_API_KEY",
	} {
		if v := env.Str(name, ""); v != "" {
			creds[key] = v
		}
	}

	engine := session.EngineConfig{
		Mode:         session.Mode(env.Str("ENGINE_MODE", string(session.ModeCascaded))),
		STT:          providers.Selection{Provider: env.Str("STT_PROVIDER", ""), Model: env.Str("STT_MODEL", "")},
		LLM:          providers.Selection{Provider: env.Str("LLM_PROVIDER", ""), Model: env.Str("LLM_MODEL", "")},
		TTS:          providers.Selection{Provider: env.Str("TTS_PROVIDER", ""), Model: env.Str("TTS_MODEL", ""), Voice: env.Str("TTS_VOICE", "")},
		Voice:        providers.Selection{Provider: env.Str("VOICE_PROVIDER", ""), Model: env.Str("VOICE_MODEL", ""), Voice: env.Str("VOICE_NAME", "")},
		Instructions: env.Str("LLM_SYSTEM_PROMPT", prompts.DefaultSystem),
		Greeting:     env.Str("GREETING", ""),
		Language:     env.Str("LANGUAGE", ""),
		Timezone:     env.Str("TIMEZONE", ""),
		Temperature:  env.Float("LLM_TEMPERATURE", 0),
		MaxTokens:    env.Int("LLM_MAX_TOKENS", 0),
		MaxToolChain: env.Int("MAX_TOOL_CHAIN", 0),
		Tools:        env.List("TOOLS"),
		TurnDetection: session.TurnDetection{
			Threshold:         env.Float("VAD_THRESHOLD", 0),
			PrefixPadding:     env.Duration("VAD_PREFIX_PADDING", 0),
			SilenceDuration:   env.Duration("VAD_SILENCE_DURATION", 0),
			EnergyThresholdDB: env.Float("VAD_SPEECH_THRESHOLD_DB", 0),
			MinSpeech:         env.Duration("VAD_MIN_SPEECH", 0),
		},
	}

	transport := telephony.DefaultConfig()
	transport.MaxBuffer = env.Duration("TRANSPORT_MAX_BUFFER", transport.MaxBuffer)

	return config{
		port:               env.Str("GATEWAY_PORT", "8000"),
		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),
		profilesPath:       env.Str("PROFILES_PATH", ""),
		engine:             engine,
		credentials:        creds,
		endpoints: providers.Endpoints{
			WhisperURL:   env.Str("WHISPER_SERVER_URL", ""),
			OllamaURL:    env.Str("OLLAMA_URL", ""),
			PiperURL:     env.Str("PIPER_URL", ""),
			KokoroURL:    env.Str("KOKORO_URL", ""),
			PoolSize:     env.Int("PROVIDER_POOL_SIZE", 50),
			LLMMaxTokens: env.Int("LLM_MAX_TOKENS", 300),
		},
		timeouts: session.Timeouts{
			Configure:    env.Duration("VOICE_CONFIGURE_TIMEOUT", 0),
			Finalize:     env.Duration("STT_FINALIZE_TIMEOUT", 0),
			RetryBackoff: env.Duration("PROVIDER_RETRY_BACKOFF", 0),
		},
		transport: transport,

		toolTimeout:  env.Duration("TOOL_TIMEOUT", 10*time.Second),
		toolPoolSize: env.Int("TOOL_POOL_SIZE", 20),
		redisURL:     env.Str("REDIS_URL", ""),
		ledgerTTL:    env.Duration("TOOL_LEDGER_TTL", 24*time.Hour),

		qdrantURL:         env.Str("QDRANT_URL", ""),
		qdrantAPIKey:      env.Str("QDRANT_API_KEY", ""),
		embeddingProvider: env.Str("EMBEDDING_PROVIDER", "ollama"),
		embeddingModel:    env.Str("EMBEDDING_MODEL", "nomic-embed-text"),
		vectorSize:        env.Int("VECTOR_SIZE", 768),
		ragTopK:           env.Int("RAG_TOP_K", 3),
		ragScoreThreshold: env.Float("RAG_SCORE_THRESHOLD", 0.7),

		databaseURL: env.Str("DATABASE_URL", ""),

		summaryModel:   env.Str("SUMMARY_MODEL", ""),
		summaryBaseURL: env.Str("SUMMARY_BASE_URL", ""),
		summaryAPIKey:  env.Str("SUMMARY_API_KEY", env.Str("OPENAI_API_KEY", "")),

		warmOllama: env.Str("OLLAMA_WARM", "true") == "true",
	}
}
