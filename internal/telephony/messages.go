package telephony

import (
	"encoding/json"
	"strconv"
)

// inboundMessage covers the media-stream events sent by Twilio and Telnyx.
// Telnyx uses snake_case for the same fields.
type inboundMessage struct {
	Event          string          `json:"event"`
	SequenceNumber json.RawMessage `json:"sequenceNumber"`
	StreamSID      string          `json:"streamSid"`
	StreamID       string          `json:"stream_id"`
	Start          *startPayload   `json:"start"`
	Media          *mediaPayload   `json:"media"`
	Stop           json.RawMessage `json:"stop"`
	Mark           *markPayload    `json:"mark"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CallControlID    string            `json:"call_control_id"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      *mediaFormat      `json:"mediaFormat"`
	MediaFormatSnake *mediaFormat      `json:"media_format"`
}

type mediaFormat struct {
	Encoding        string `json:"encoding"`
	SampleRate      int    `json:"sampleRate"`
	SampleRateSnake int    `json:"sample_rate"`
	Channels        int    `json:"channels"`
}

func (m *mediaFormat) rate() int {
	if m.SampleRate > 0 {
		return m.SampleRate
	}
	return m.SampleRateSnake
}

type mediaPayload struct {
	Track     string          `json:"track,omitempty"`
	Chunk     json.RawMessage `json:"chunk,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Payload   string          `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type outboundMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

// flexInt parses counters that Twilio sends as strings and Telnyx as numbers.
func flexInt(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, _ := strconv.ParseUint(s, 10, 64)
		return n
	}
	var n uint64
	_ = json.Unmarshal(raw, &n)
	return n
}
