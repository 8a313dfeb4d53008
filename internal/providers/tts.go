package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/callbridge/internal/metrics"
)

// SynthesisOptions holds per-call TTS tuning parameters.
type SynthesisOptions struct {
	Voice    string
	Language string
	Speed    float64
}

// SynthesisResult holds timing for one synthesized utterance.
type SynthesisResult struct {
	Bytes       int     `json:"bytes"`
	LatencyMs   float64 `json:"latency_ms"`
	FirstByteMs float64 `json:"first_byte_ms"`
}

// AudioCallback receives 16-bit mono PCM at rate as it is synthesized.
// Returning an error stops synthesis.
type AudioCallback func(pcm []byte, rate int) error

// SynthesisProvider streams speech audio for text.
type SynthesisProvider interface {
	Name() string
	Synthesize(ctx context.Context, text string, opts SynthesisOptions, onAudio AudioCallback) (*SynthesisResult, error)
}

// streamChunk is roughly 100ms of 16 kHz audio.
const streamChunk = 3200

// streamPCM forwards a raw PCM body to onAudio in sample-aligned chunks.
func streamPCM(provider string, body io.Reader, rate int, start time.Time, onAudio AudioCallback) (*SynthesisResult, error) {
	res := &SynthesisResult{}
	buf := make([]byte, streamChunk)
	var carry []byte

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if res.Bytes == 0 {
				res.FirstByteMs = float64(time.Since(start).Milliseconds())
			}
			res.Bytes += n
			data := append(carry, buf[:n]...)
			even := len(data) &^ 1
			if even > 0 {
				if cbErr := onAudio(append([]byte(nil), data[:even]...), rate); cbErr != nil {
					return res, cbErr
				}
			}
			carry = append([]byte(nil), data[even:]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, requestError(provider, err)
		}
	}

	res.LatencyMs = float64(time.Since(start).Milliseconds())
	metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
	return res, nil
}

func doTTSRequest(provider string, client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "http").Inc()
		return nil, requestError(provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		metrics.Errors.WithLabelValues("tts", "status").Inc()
		return nil, statusError(provider, resp)
	}
	return resp, nil
}
