package providers

import (
	"context"
)

// Credential names, matching the keys of Credentials.
const (
	KeyDeepgram   = "deepgram"
	KeyOpenAI     = "openai"
	KeyAnthropic  = "anthropic"
	KeyGemini     = "gemini"
	KeyCerebras   = "cerebras"
	KeyGroq       = "groq"
	KeyXAI        = "xai"
	KeyElevenLabs = "elevenlabs"
)

// Default provider selections.
const (
	DefaultSTTProvider   = "deepgram"
	DefaultSTTModel      = "nova-3"
	DefaultLLMProvider   = "openai"
	DefaultLLMModel      = "gpt-4o"
	DefaultTTSProvider   = "elevenlabs"
	DefaultVoiceProvider = "openai"
	DefaultVoiceModel    = "gpt-realtime"
)

// Endpoints locates the self-hosted backends. Empty URLs leave the
// backend unregistered.
type Endpoints struct {
	WhisperURL   string
	OllamaURL    string
	PiperURL     string
	KokoroURL    string
	PoolSize     int
	LLMMaxTokens int
}

// Catalog holds one registry per provider role.
type Catalog struct {
	STT   *Registry[TranscriptionProvider]
	LLM   *Registry[CompletionProvider]
	TTS   *Registry[SynthesisProvider]
	Voice *Registry[VoiceModelProvider]
}

// NewCatalog registers every supported vendor.
func NewCatalog(ep Endpoints) *Catalog {
	if ep.PoolSize <= 0 {
		ep.PoolSize = 8
	}
	c := &Catalog{
		STT:   NewRegistry[TranscriptionProvider]("stt"),
		LLM:   NewRegistry[CompletionProvider]("llm"),
		TTS:   NewRegistry[SynthesisProvider]("tts"),
		Voice: NewRegistry[VoiceModelProvider]("voice"),
	}
	pool := ep.PoolSize

	c.STT.Register("deepgram", Factory[TranscriptionProvider]{Key: KeyDeepgram, New: func(sel Selection, key string) (TranscriptionProvider, error) {
		return NewDeepgram(key, sel.Model), nil
	}})
	if ep.WhisperURL != "" {
		c.STT.Register("whisper", Factory[TranscriptionProvider]{New: func(Selection, string) (TranscriptionProvider, error) {
			return NewWhisper(ep.WhisperURL, pool), nil
		}})
	}

	chat := func(name, baseURL string) Factory[CompletionProvider] {
		return Factory[CompletionProvider]{Key: name, New: func(sel Selection, key string) (CompletionProvider, error) {
			return NewOpenAIChat(name, key, baseURL, sel.Model, pool), nil
		}}
	}
	c.LLM.Register("openai", chat(KeyOpenAI, ""))
	c.LLM.Register("cerebras", chat(KeyCerebras, "https://api.cerebras.ai/v1"))
	c.LLM.Register("groq", chat(KeyGroq, "https://api.groq.com/openai/v1"))
	c.LLM.Register("xai", chat(KeyXAI, "https://api.x.ai/v1"))
	c.LLM.Register("anthropic", Factory[CompletionProvider]{Key: KeyAnthropic, New: func(sel Selection, key string) (CompletionProvider, error) {
		return NewAnthropic(key, "", sel.Model, ep.LLMMaxTokens, pool), nil
	}})
	c.LLM.Register("gemini", Factory[CompletionProvider]{Key: KeyGemini, New: func(sel Selection, key string) (CompletionProvider, error) {
		return NewGemini(context.Background(), key, sel.Model, pool)
	}})
	if ep.OllamaURL != "" {
		c.LLM.Register("ollama", Factory[CompletionProvider]{New: func(sel Selection, _ string) (CompletionProvider, error) {
			return NewOllama(ep.OllamaURL, sel.Model, pool), nil
		}})
	}

	c.TTS.Register("elevenlabs", Factory[SynthesisProvider]{Key: KeyElevenLabs, New: func(sel Selection, key string) (SynthesisProvider, error) {
		return NewElevenLabs(key, sel.Voice, sel.Model, pool), nil
	}})
	c.TTS.Register("openai", Factory[SynthesisProvider]{Key: KeyOpenAI, New: func(sel Selection, key string) (SynthesisProvider, error) {
		model := sel.Model
		if model == "" {
			model = "gpt-4o-mini-tts"
		}
		return NewOpenAISpeech(key, "https://api.openai.com", model, MapVoice("openai", sel.Voice), pool), nil
	}})
	if ep.KokoroURL != "" {
		c.TTS.Register("kokoro", Factory[SynthesisProvider]{New: func(sel Selection, _ string) (SynthesisProvider, error) {
			voice := sel.Voice
			if voice == "" {
				voice = "af_heart"
			}
			return NewOpenAISpeech("", ep.KokoroURL, "kokoro", voice, pool), nil
		}})
	}
	if ep.PiperURL != "" {
		c.TTS.Register("piper", Factory[SynthesisProvider]{New: func(sel Selection, _ string) (SynthesisProvider, error) {
			voice := sel.Voice
			if voice == "" {
				voice = "en_US-lessac-medium"
			}
			return NewPiper(ep.PiperURL, voice, pool), nil
		}})
	}

	c.Voice.Register("openai", Factory[VoiceModelProvider]{Key: KeyOpenAI, New: func(sel Selection, key string) (VoiceModelProvider, error) {
		model := sel.Model
		if model == "" {
			model = DefaultVoiceModel
		}
		return NewOpenAIRealtime(key, model), nil
	}})
	c.Voice.Register("xai", Factory[VoiceModelProvider]{Key: KeyXAI, New: func(sel Selection, key string) (VoiceModelProvider, error) {
		return NewXAIRealtime(key, sel.Model), nil
	}})
	return c
}
