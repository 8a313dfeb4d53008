package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/hubenschmidt/callbridge/internal/audio"
	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/metrics"
)

const maxWhisperBuffer = 30 * time.Second

// Whisper sends each utterance as multipart WAV to any whisper-compatible
// HTTP endpoint (/inference for whisper.cpp). Audio is buffered until
// Finalize, so only final transcripts are produced.
type Whisper struct {
	url      string
	endpoint string
	client   *http.Client
}

func NewWhisper(url string, poolSize int) *Whisper {
	return &Whisper{
		url:      url,
		endpoint: "/inference",
		client:   NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

func (w *Whisper) Name() string { return "whisper" }

func (w *Whisper) Open(ctx context.Context, opts TranscribeOptions) (TranscriptionStream, error) {
	rate := opts.SampleRate
	if rate == 0 {
		rate = audio.InternalRate
	}
	ctx, cancel := context.WithCancel(ctx)
	return &whisperStream{
		w:       w,
		ctx:     ctx,
		cancel:  cancel,
		rate:    rate,
		lang:    opts.Language,
		results: make(chan Transcript, 8),
		maxLen:  int(maxWhisperBuffer.Seconds()*float64(rate)) * 2,
	}, nil
}

// Transcribe sends 16-bit PCM as multipart WAV and returns the transcript.
func (w *Whisper) Transcribe(ctx context.Context, pcm []byte, rate int, language string) (string, error) {
	start := time.Now()

	body, contentType, err := buildMultipartAudio(audio.PCMToFloat(pcm), rate, language)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+w.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("create whisper request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("stt", "http").Inc()
		return "", requestError("whisper", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("stt", "status").Inc()
		return "", statusError("whisper", resp)
	}

	var result whisperResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", callerr.ProviderStream("whisper", fmt.Errorf("decode response: %w", err), false)
	}
	metrics.StageDuration.WithLabelValues("stt").Observe(time.Since(start).Seconds())
	return result.Text, nil
}

type whisperResponse struct {
	Text string `json:"text"`
}

func buildMultipartAudio(samples []float32, rate int, language string) (*bytes.Buffer, string, error) {
	wavData := audio.SamplesToWAV(samples, rate)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}
	if language != "" {
		if err = writer.WriteField("language", language); err != nil {
			return nil, "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err = writer.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("write format field: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

type whisperStream struct {
	w      *Whisper
	ctx    context.Context
	cancel context.CancelFunc
	rate   int
	lang   string
	maxLen int

	mu      sync.Mutex
	buf     []byte
	pending sync.WaitGroup
	closed  bool

	results   chan Transcript
	closeOnce sync.Once
}

func (s *whisperStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("whisper stream closed")
	}
	s.buf = append(s.buf, pcm...)
	if over := len(s.buf) - s.maxLen; over > 0 {
		s.buf = s.buf[over+over%2:]
	}
	return nil
}

// Finalize transcribes everything buffered so far, retrying once on failure.
func (s *whisperStream) Finalize() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("whisper stream closed")
	}
	pcm := s.buf
	s.buf = nil
	s.pending.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.pending.Done()
		t := Transcript{Final: true, EndOfUtterance: true}
		if len(pcm) > 0 {
			t.Text, t.Err = s.w.Transcribe(s.ctx, pcm, s.rate, s.lang)
			if t.Err != nil && s.ctx.Err() == nil {
				t.Text, t.Err = s.w.Transcribe(s.ctx, pcm, s.rate, s.lang)
			}
		}
		if s.ctx.Err() != nil {
			return
		}
		select {
		case s.results <- t:
		case <-s.ctx.Done():
		}
	}()
	return nil
}

func (s *whisperStream) Results() <-chan Transcript { return s.results }

func (s *whisperStream) Err() error { return nil }

func (s *whisperStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.pending.Wait()
		close(s.results)
	})
	return nil
}
