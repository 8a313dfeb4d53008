package session

import (
	"strings"
	"time"

	"github.com/hubenschmidt/callbridge/internal/audio"
	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/providers"
)

// TurnDetection holds the turn-taking parameters. Threshold, PrefixPadding
// and SilenceDuration configure provider-side VAD in speech-to-speech mode;
// EnergyThresholdDB, MinSpeech and SilenceDuration configure the local VAD
// in cascaded mode.
type TurnDetection struct {
	Threshold         float64       `yaml:"threshold"`
	PrefixPadding     time.Duration `yaml:"prefix_padding"`
	SilenceDuration   time.Duration `yaml:"silence_duration"`
	EnergyThresholdDB float64       `yaml:"energy_threshold_db"`
	MinSpeech         time.Duration `yaml:"min_speech"`
}

// EngineConfig is the immutable per-call configuration resolved before a
// session is built.
type EngineConfig struct {
	Mode        Mode                  `yaml:"mode"`
	Credentials providers.Credentials `yaml:"-"`

	// Cascaded stage selections.
	STT providers.Selection `yaml:"stt"`
	LLM providers.Selection `yaml:"llm"`
	TTS providers.Selection `yaml:"tts"`
	// Voice selects the speech-to-speech model.
	Voice providers.Selection `yaml:"voice"`

	TurnDetection TurnDetection `yaml:"turn_detection"`
	Tools         []string      `yaml:"tools"`
	Instructions  string        `yaml:"instructions"`
	Greeting      string        `yaml:"greeting"`
	Language      string        `yaml:"language"`
	Timezone      string        `yaml:"timezone"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	// MaxToolChain bounds consecutive tool-calling completions in one turn.
	MaxToolChain int `yaml:"max_tool_chain"`
}

const (
	defaultS2STemperature      = 0.6
	defaultCascadedTemperature = 0.7
	defaultMaxToolChain        = 5
	defaultMaxTokens           = 300
	defaultLanguage            = "en-US"
	defaultTimezone            = "UTC"
)

// WithDefaults fills unset fields. The receiver is not modified.
func (c EngineConfig) WithDefaults() EngineConfig {
	if c.Mode == "" {
		c.Mode = ModeCascaded
	}
	if c.Language == "" {
		c.Language = defaultLanguage
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.MaxToolChain <= 0 {
		c.MaxToolChain = defaultMaxToolChain
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}

	td := &c.TurnDetection
	vad := audio.DefaultVADConfig()
	if td.Threshold <= 0 {
		td.Threshold = 0.7
	}
	if td.PrefixPadding <= 0 {
		td.PrefixPadding = 200 * time.Millisecond
	}
	if td.SilenceDuration <= 0 {
		td.SilenceDuration = vad.SilenceTimeout
	}
	if td.EnergyThresholdDB == 0 {
		td.EnergyThresholdDB = vad.SpeechThresholdDB
	}
	if td.MinSpeech <= 0 {
		td.MinSpeech = vad.MinSpeechDuration
	}

	switch c.Mode {
	case ModeSpeechToSpeech:
		if c.Temperature <= 0 {
			c.Temperature = defaultS2STemperature
		}
		if c.Voice.Provider == "" {
			c.Voice.Provider = providers.DefaultVoiceProvider
		}
	case ModeCascaded:
		if c.Temperature <= 0 {
			c.Temperature = defaultCascadedTemperature
		}
		c.STT = withDefault(c.STT, providers.DefaultSTTProvider, providers.DefaultSTTModel)
		c.LLM = withDefault(c.LLM, providers.DefaultLLMProvider, providers.DefaultLLMModel)
		c.TTS = withDefault(c.TTS, providers.DefaultTTSProvider, "")
		// realtime models cannot serve chat completions
		if strings.Contains(c.LLM.Model, "realtime") {
			c.LLM.Model = providers.DefaultLLMModel
		}
	}
	for _, sel := range []*providers.Selection{&c.STT, &c.LLM, &c.TTS, &c.Voice} {
		if sel.Language == "" {
			sel.Language = c.Language
		}
	}
	return c
}

func withDefault(sel providers.Selection, provider, model string) providers.Selection {
	if sel.Provider == "" {
		sel.Provider = provider
		if sel.Model == "" {
			sel.Model = model
		}
	}
	return sel
}

// vadConfig derives the local VAD settings.
func (c EngineConfig) vadConfig() audio.VADConfig {
	return audio.VADConfig{
		SpeechThresholdDB: c.TurnDetection.EnergyThresholdDB,
		SilenceTimeout:    c.TurnDetection.SilenceDuration,
		MinSpeechDuration: c.TurnDetection.MinSpeech,
		SampleRate:        audio.InternalRate,
	}
}

func (c EngineConfig) validateMode() error {
	switch c.Mode {
	case ModeSpeechToSpeech, ModeCascaded:
		return nil
	default:
		return callerr.Configuration("router", "unknown engine mode %q", c.Mode)
	}
}
