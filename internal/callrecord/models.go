package callrecord

import (
	"time"

	"github.com/hubenschmidt/callbridge/internal/transcript"
)

// Call is one persisted phone call.
type Call struct {
	SessionID string     `json:"session_id"`
	CallID    string     `json:"call_id"`
	Dialect   string     `json:"dialect"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Mode      string     `json:"mode"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
	Error     string     `json:"error,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	TurnCount int        `json:"turn_count,omitempty"`
}

// Detail is a call with its transcript.
type Detail struct {
	Call
	Turns []transcript.Turn `json:"turns"`
}
