package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/callbridge/internal/audio"
)

// openAISpeechRate is the fixed rate of response_format "pcm".
const openAISpeechRate = 24000

// OpenAISpeech targets any server exposing /v1/audio/speech (OpenAI,
// Kokoro, Orpheus).
type OpenAISpeech struct {
	apiKey string
	url    string
	model  string
	voice  string
	client *http.Client
}

func NewOpenAISpeech(apiKey, url, model, voice string, poolSize int) *OpenAISpeech {
	return &OpenAISpeech{apiKey: apiKey, url: url, model: model, voice: voice, client: NewPooledHTTPClient(poolSize, 60*time.Second)}
}

func (o *OpenAISpeech) Name() string { return "openai" }

func (o *OpenAISpeech) Synthesize(ctx context.Context, text string, opts SynthesisOptions, onAudio AudioCallback) (*SynthesisResult, error) {
	start := time.Now()
	voice := o.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	body, err := json.Marshal(struct {
		Input          string  `json:"input"`
		Model          string  `json:"model"`
		Voice          string  `json:"voice"`
		Speed          float64 `json:"speed,omitempty"`
		ResponseFormat string  `json:"response_format"`
	}{Input: text, Model: o.model, Voice: voice, Speed: opts.Speed, ResponseFormat: "pcm"})
	if err != nil {
		return nil, fmt.Errorf("marshal openai tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create openai tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := doTTSRequest("openai", o.client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return streamPCM("openai", resp.Body, openAISpeechRate, start, onAudio)
}

// Piper is a self-hosted piper-tts server returning a WAV per request.
type Piper struct {
	url    string
	voice  string
	client *http.Client
}

func NewPiper(url, voice string, poolSize int) *Piper {
	return &Piper{url: url, voice: voice, client: NewPooledHTTPClient(poolSize, 30*time.Second)}
}

func (p *Piper) Name() string { return "piper" }

func (p *Piper) Synthesize(ctx context.Context, text string, opts SynthesisOptions, onAudio AudioCallback) (*SynthesisResult, error) {
	start := time.Now()
	voice := p.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: voice})
	if err != nil {
		return nil, fmt.Errorf("marshal piper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create piper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := doTTSRequest("piper", p.client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, requestError("piper", err)
	}
	pcm, rate, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("piper: %w", err)
	}
	return streamPCM("piper", bytes.NewReader(pcm), rate, start, onAudio)
}
