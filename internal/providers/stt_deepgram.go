package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/metrics"
)

const (
	deepgramURL       = "wss://api.deepgram.com/v1/listen"
	deepgramKeepAlive = 5 * time.Second
)

// Deepgram streams audio to Deepgram's live transcription API.
type Deepgram struct {
	apiKey string
	url    string
	model  string
}

func NewDeepgram(apiKey, model string) *Deepgram {
	if model == "" {
		model = "nova-3"
	}
	return &Deepgram{apiKey: apiKey, url: deepgramURL, model: model}
}

// WithURL points the client at a different listen endpoint.
func (d *Deepgram) WithURL(u string) *Deepgram {
	d.url = u
	return d
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Open(ctx context.Context, opts TranscribeOptions) (TranscriptionStream, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, callerr.Configuration("deepgram", "listen url: %v", err)
	}
	model := d.model
	if opts.Model != "" {
		model = opts.Model
	}
	rate := opts.SampleRate
	if rate == 0 {
		rate = 16000
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, err := dialWebsocket(ctx, "deepgram", u.String(), headers)
	if err != nil {
		return nil, err
	}

	s := &deepgramStream{
		conn:    conn,
		results: make(chan Transcript, 64),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive()
	return s, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	results chan Transcript
	done    chan struct{}
	quit    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex
	err     error
}

type deepgramMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Description  string `json:"description"`
}

func (s *deepgramStream) readLoop() {
	defer func() {
		close(s.results)
		close(s.done)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				metrics.Errors.WithLabelValues("stt", "stream").Inc()
				s.err = callerr.ProviderConnection("deepgram", err, true)
			}
			return
		}
		var msg deepgramMessage
		if err = json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "Results":
			t := Transcript{Final: msg.IsFinal, EndOfUtterance: msg.FromFinalize}
			if len(msg.Channel.Alternatives) > 0 {
				t.Text = msg.Channel.Alternatives[0].Transcript
			}
			if t.Text == "" && !t.EndOfUtterance {
				continue
			}
			select {
			case s.results <- t:
			case <-s.quit:
				return
			}
		case "Error":
			s.err = callerr.ProviderStream("deepgram", errors.New(msg.Description), true)
			return
		case "Metadata", "SpeechStarted", "UtteranceEnd":
		default:
			slog.Debug("deepgram message", "type", msg.Type)
		}
	}
}

func (s *deepgramStream) keepAlive() {
	ticker := time.NewTicker(deepgramKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeControl("KeepAlive"); err != nil {
				return
			}
		}
	}
}

func (s *deepgramStream) writeControl(kind string) error {
	data, _ := json.Marshal(map[string]string{"type": kind})
	return s.write(websocket.TextMessage, data)
}

func (s *deepgramStream) write(mt int, data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("deepgram stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(mt, data)
}

func (s *deepgramStream) Send(pcm []byte) error {
	return s.write(websocket.BinaryMessage, pcm)
}

func (s *deepgramStream) Finalize() error {
	return s.writeControl("Finalize")
}

func (s *deepgramStream) Results() <-chan Transcript { return s.results }

func (s *deepgramStream) Err() error {
	<-s.done
	return s.err
}

func (s *deepgramStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.quit)
	s.writeMu.Lock()
	data, _ := json.Marshal(map[string]string{"type": "CloseStream"})
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	err := s.conn.Close()
	<-s.done
	return err
}
