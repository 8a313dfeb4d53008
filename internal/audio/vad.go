package audio

import (
	"math"
	"time"
)

// VADConfig controls voice activity detection behavior.
type VADConfig struct {
	SpeechThresholdDB float64
	SilenceTimeout    time.Duration
	MinSpeechDuration time.Duration
	SampleRate        int
}

// DefaultVADConfig returns defaults tuned for narrowband telephone audio.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThresholdDB: -35,
		SilenceTimeout:    600 * time.Millisecond,
		MinSpeechDuration: 200 * time.Millisecond,
		SampleRate:        InternalRate,
	}
}

// VADEvent marks an utterance boundary.
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStarted
	VADSpeechEnded
)

func (e VADEvent) String() string {
	switch e {
	case VADSpeechStarted:
		return "speech_started"
	case VADSpeechEnded:
		return "speech_ended"
	}
	return "none"
}

// VAD implements energy-based voice activity detection. Time is measured in
// processed audio, not wall clock, so identical input yields identical events.
type VAD struct {
	cfg        VADConfig
	inSpeech   bool
	speechRun  time.Duration
	silenceRun time.Duration
	speechDur  time.Duration
}

// NewVAD creates a VAD with the given config.
func NewVAD(cfg VADConfig) *VAD {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = InternalRate
	}
	return &VAD{cfg: cfg}
}

// VADResult holds the output of processing an audio chunk.
type VADResult struct {
	Event VADEvent
	// Speech is the voiced duration of the utterance that just ended.
	Speech time.Duration
	// EnergyDB is the RMS level of the processed chunk.
	EnergyDB float64
}

// Process feeds an audio chunk into the VAD and reports utterance boundaries.
// Speech starts after MinSpeechDuration of continuous activity above the
// threshold and ends after SilenceTimeout of continuous silence.
func (v *VAD) Process(samples []float32) VADResult {
	energyDB := computeEnergyDB(samples)
	dur := time.Duration(len(samples)) * time.Second / time.Duration(v.cfg.SampleRate)

	if energyDB >= v.cfg.SpeechThresholdDB {
		return VADResult{Event: v.handleSpeech(dur), EnergyDB: energyDB}
	}
	res := v.handleSilence(dur)
	res.EnergyDB = energyDB
	return res
}

func (v *VAD) handleSpeech(dur time.Duration) VADEvent {
	v.silenceRun = 0
	v.speechRun += dur
	if v.inSpeech {
		v.speechDur += dur
		return VADNone
	}
	if v.speechRun < v.cfg.MinSpeechDuration {
		return VADNone
	}
	v.inSpeech = true
	v.speechDur = v.speechRun
	return VADSpeechStarted
}

func (v *VAD) handleSilence(dur time.Duration) VADResult {
	v.speechRun = 0
	if !v.inSpeech {
		return VADResult{}
	}
	v.silenceRun += dur
	if v.silenceRun < v.cfg.SilenceTimeout {
		return VADResult{}
	}
	speech := v.speechDur
	v.Reset()
	return VADResult{Event: VADSpeechEnded, Speech: speech}
}

// InSpeech reports whether an utterance is in progress.
func (v *VAD) InSpeech() bool {
	return v.inSpeech
}

// Reset drops any in-progress utterance.
func (v *VAD) Reset() {
	v.inSpeech = false
	v.speechRun = 0
	v.silenceRun = 0
	v.speechDur = 0
}

func computeEnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
