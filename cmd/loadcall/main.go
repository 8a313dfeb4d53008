// Command loadcall places simulated Twilio media-stream calls against the
// gateway and reports time to first agent audio and barge-in behavior.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/callbridge/internal/audio"
)

const (
	wireRate  = 8000
	frameSize = 160 // 20ms of mu-law at 8kHz
)

func main() {
	gateway := flag.String("gateway", "ws://localhost:8000/media-stream", "gateway media-stream URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent callers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "/samples", "directory with sample .wav files")
	to := flag.String("to", "+15550002222", "dialed number, selects the agent profile")
	bargeIn := flag.Bool("barge-in", false, "speak again while the agent is answering")
	wait := flag.Duration("wait", 15*time.Second, "max wait for agent audio")
	flag.Parse()

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic audio\n", *audioDir)
		files = nil
	}

	fmt.Printf("Load test: %d concurrent calls for %s\n", *concurrency, *duration)
	fmt.Printf("Gateway: %s | To: %s | Barge-in: %v\n\n", *gateway, *to, *bargeIn)

	var mu sync.Mutex
	var results []callResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for time.Now().Before(deadline) {
				r := runCall(*gateway, *to, files, *bargeIn, *wait)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type callResult struct {
	success       bool
	firstAudioMs  float64
	clears        int
	audioAfterClr int
	err           string
}

type streamEvent struct {
	Event string `json:"event"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

func runCall(gateway, to string, files []string, bargeIn bool, wait time.Duration) callResult {
	conn, _, err := websocket.DefaultDialer.Dial(gateway, nil)
	if err != nil {
		return callResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	callSid := "CA" + uuid.NewString()
	streamSid := "MZ" + uuid.NewString()
	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	if err = send(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"}); err != nil {
		return callResult{err: fmt.Sprintf("send connected: %v", err)}
	}
	if err = send(map[string]any{
		"event":     "start",
		"streamSid": streamSid,
		"start": map[string]any{
			"streamSid":        streamSid,
			"callSid":          callSid,
			"customParameters": map[string]string{"from": "+15550001111", "to": to},
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": wireRate, "channels": 1},
		},
	}); err != nil {
		return callResult{err: fmt.Sprintf("send start: %v", err)}
	}

	utterance, err := getAudio(files)
	if err != nil {
		return callResult{err: err.Error()}
	}

	events := make(chan streamEvent, 256)
	go func() {
		defer close(events)
		for {
			_, data, readErr := conn.ReadMessage()
			if readErr != nil {
				return
			}
			var ev streamEvent
			if json.Unmarshal(data, &ev) == nil {
				events <- ev
			}
		}
	}()

	var chunk int
	speak := func(payload []byte) error {
		for i := 0; i < len(payload); i += frameSize {
			end := min(i+frameSize, len(payload))
			chunk++
			msg := map[string]any{
				"event":          "media",
				"sequenceNumber": fmt.Sprint(chunk),
				"streamSid":      streamSid,
				"media": map[string]any{
					"track":     "inbound",
					"chunk":     fmt.Sprint(chunk),
					"timestamp": fmt.Sprint(chunk * 20),
					"payload":   base64.StdEncoding.EncodeToString(payload[i:end]),
				},
			}
			if err := send(msg); err != nil {
				return err
			}
			time.Sleep(20 * time.Millisecond)
		}
		return nil
	}

	if err = speak(utterance); err != nil {
		return callResult{err: fmt.Sprintf("send audio: %v", err)}
	}
	silence := silenceFrames(40)
	if err = speak(silence); err != nil {
		return callResult{err: fmt.Sprintf("send silence: %v", err)}
	}
	spokeAt := time.Now()

	var res callResult
	timeout := time.After(wait)
	interrupted := false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				res.err = "stream closed before agent audio"
				return res
			}
			switch ev.Event {
			case "media":
				if res.firstAudioMs == 0 {
					res.firstAudioMs = float64(time.Since(spokeAt).Milliseconds())
					if !bargeIn {
						res.success = true
						_ = send(map[string]any{"event": "stop", "streamSid": streamSid})
						return res
					}
				}
				if interrupted && res.clears > 0 {
					res.audioAfterClr++
				}
				if bargeIn && !interrupted {
					interrupted = true
					go speak(utterance)
				}
			case "clear":
				res.clears++
			}
		case <-timeout:
			if res.firstAudioMs == 0 {
				res.err = "no agent audio"
				return res
			}
			res.success = !bargeIn || res.clears > 0
			if !res.success {
				res.err = "barge-in produced no clear"
			}
			_ = send(map[string]any{"event": "stop", "streamSid": streamSid})
			return res
		}
	}
}

// getAudio returns one utterance as 8kHz mu-law.
func getAudio(files []string) ([]byte, error) {
	pcm, rate := generateSyntheticAudio(2 * time.Second)
	if len(files) > 0 {
		data, err := os.ReadFile(files[rand.Intn(len(files))])
		if err == nil {
			if p, r, wavErr := audio.ParseWAV(data); wavErr == nil {
				pcm, rate = p, r
			}
		}
	}
	narrow := audio.ConvertPCM(pcm, rate, wireRate)
	return audio.EncodeSamples(audio.BytesToInt16(narrow), audio.CodecG711Ulaw)
}

func silenceFrames(n int) []byte {
	out, _ := audio.EncodeSamples(make([]int16, n*frameSize), audio.CodecG711Ulaw)
	return out
}

func generateSyntheticAudio(dur time.Duration) ([]byte, int) {
	sampleRate := 16000
	numSamples := int(dur.Seconds()) * sampleRate
	samples := make([]float32, numSamples)

	for i := range numSamples {
		t := float64(i) / float64(sampleRate)
		// 440Hz sine wave with some noise to trigger VAD
		samples[i] = float32(math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05)
	}
	return audio.FloatToPCM(samples), sampleRate
}

func findAudioFiles(dir string) ([]string, error) {
	var files []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".wav" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func printSummary(results []callResult) {
	var succeeded, failed, clears, stale int
	var firstAudio []float64
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		firstAudio = append(firstAudio, r.firstAudioMs)
		clears += r.clears
		stale += r.audioAfterClr
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Calls completed: %d\n", succeeded)
	fmt.Printf("Calls failed:    %d\n", failed)
	for msg, n := range errs {
		fmt.Printf("  %4d  %s\n", n, msg)
	}

	if len(firstAudio) == 0 {
		fmt.Println("No successful calls to report metrics")
		return
	}

	fmt.Printf("\n%-12s %8s %8s %8s\n", "Metric", "p50", "p95", "p99")
	fmt.Printf("%-12s %6.0fms %6.0fms %6.0fms\n", "first audio", percentile(firstAudio, 50), percentile(firstAudio, 95), percentile(firstAudio, 99))
	fmt.Printf("\nclear events: %d | agent frames after clear: %d\n", clears, stale)
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
