package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	elevenLabsURL   = "https://api.elevenlabs.io"
	elevenLabsRate  = 16000
	DefaultELVoice  = "21m00Tcm4TlvDq8ikWAM"
	DefaultELModel  = "eleven_turbo_v2_5"
	elevenLabsCodec = "pcm_16000"
)

// ElevenLabs streams raw PCM from the ElevenLabs streaming endpoint.
type ElevenLabs struct {
	apiKey  string
	baseURL string
	voiceID string
	modelID string
	client  *http.Client
}

func NewElevenLabs(apiKey, voiceID, modelID string, poolSize int) *ElevenLabs {
	if voiceID == "" {
		voiceID = DefaultELVoice
	}
	if modelID == "" {
		modelID = DefaultELModel
	}
	return &ElevenLabs{
		apiKey:  apiKey,
		baseURL: elevenLabsURL,
		voiceID: voiceID,
		modelID: modelID,
		client:  NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

// WithURL points the client at a different API host.
func (e *ElevenLabs) WithURL(u string) *ElevenLabs {
	e.baseURL = u
	return e
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) Synthesize(ctx context.Context, text string, opts SynthesisOptions, onAudio AudioCallback) (*SynthesisResult, error) {
	start := time.Now()
	voice := e.voiceID
	if opts.Voice != "" {
		voice = opts.Voice
	}

	reqBody := struct {
		Text         string `json:"text"`
		ModelID      string `json:"model_id"`
		LanguageCode string `json:"language_code,omitempty"`
	}{Text: text, ModelID: e.modelID, LanguageCode: opts.Language}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal elevenlabs request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s", e.baseURL, url.PathEscape(voice), elevenLabsCodec)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create elevenlabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := doTTSRequest("elevenlabs", e.client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return streamPCM("elevenlabs", resp.Body, elevenLabsRate, start, onAudio)
}
