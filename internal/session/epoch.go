package session

import "sync/atomic"

// Epoch is the per-session generation counter. Every barge-in advances it;
// output produced under an older value is discarded before it reaches the
// transport.
type Epoch struct {
	v atomic.Uint64
}

func (e *Epoch) Current() uint64 { return e.v.Load() }

// Advance invalidates all output tagged with the current epoch and returns
// the new one.
func (e *Epoch) Advance() uint64 { return e.v.Add(1) }

// Valid reports whether output tagged g may still be delivered.
func (e *Epoch) Valid(g uint64) bool { return g == e.v.Load() }
