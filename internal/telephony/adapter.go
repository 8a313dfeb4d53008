// Package telephony terminates the telephony media-stream WebSocket for one
// call and converts wire audio to and from internal PCM frames.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/callbridge/internal/audio"
	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/metrics"
)

// Conn is the subset of *websocket.Conn the adapter uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Config bounds the adapter's buffering.
type Config struct {
	// MaxBuffer is the latency budget held in either direction. Outbound it
	// also bounds how far writes run ahead of playback on the far end.
	MaxBuffer     time.Duration
	FrameDuration time.Duration
	// SendWait bounds how long SendAudio waits for queue space before
	// dropping the oldest queued frame. Paced writes free a slot every
	// FrameDuration, so only a stalled connection reaches it.
	SendWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxBuffer:     300 * time.Millisecond,
		FrameDuration: 20 * time.Millisecond,
		SendWait:      300 * time.Millisecond,
	}
}

// Dialect is the telephony vendor whose framing the stream uses.
type Dialect string

const (
	DialectTwilio Dialect = "twilio"
	DialectTelnyx Dialect = "telnyx"
)

// CallInfo is the metadata announced by the start event.
type CallInfo struct {
	Dialect    Dialect
	StreamID   string
	CallID     string
	From       string
	To         string
	Codec      audio.Codec
	SampleRate int
	Parameters map[string]string
}

// ErrHungUp is reported by Err after a local hang-up.
var ErrHungUp = errors.New("hung up")

// Adapter owns the media stream for one call. Frames delivered on Frames and
// accepted by SendAudio are 16-bit mono PCM at audio.InternalRate.
type Adapter struct {
	conn Conn
	cfg  Config
	info CallInfo
	log  *slog.Logger

	inbound  chan audio.Frame
	outbound chan audio.Frame
	minEpoch atomic.Uint64
	// pending counts frames accepted by SendAudio and not yet written or dropped.
	pending atomic.Int64

	fromWire *audio.Resampler // read loop only
	toWire   *audio.Resampler // write loop only

	sendMu     sync.Mutex
	sendEpoch  uint64
	toInternal map[int]*audio.Resampler

	writeMu sync.Mutex
	// playUntil is when the far end finishes playing what has been written;
	// interrupted is closed and replaced by each Interrupt. Both guarded by writeMu.
	playUntil   time.Time
	interrupted chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func NewAdapter(conn Conn, cfg Config) *Adapter {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.MaxBuffer < cfg.FrameDuration {
		cfg.MaxBuffer = cfg.FrameDuration
	}
	if cfg.SendWait <= 0 {
		cfg.SendWait = DefaultConfig().SendWait
	}
	depth := int(cfg.MaxBuffer / cfg.FrameDuration)
	return &Adapter{
		conn:        conn,
		cfg:         cfg,
		log:         slog.Default(),
		inbound:     make(chan audio.Frame, depth),
		outbound:    make(chan audio.Frame, depth),
		toInternal:  map[int]*audio.Resampler{},
		interrupted: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Accept reads control messages until the stream's start event and returns
// the declared call metadata. No audio is consumed before Accept returns.
// The connection is closed if ctx ends first.
func (a *Adapter) Accept(ctx context.Context) (CallInfo, error) {
	stop := context.AfterFunc(ctx, func() { _ = a.conn.Close() })
	defer stop()
	for {
		_, data, err := a.conn.ReadMessage()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return CallInfo{}, callerr.Transport("no start event", ctxErr)
		}
		if err != nil {
			return CallInfo{}, callerr.Transport("read before start", err)
		}
		var msg inboundMessage
		if err = json.Unmarshal(data, &msg); err != nil {
			return CallInfo{}, callerr.Transport("malformed control message", err)
		}
		switch msg.Event {
		case "connected":
			continue
		case "start":
			info, err := parseStart(&msg)
			if err != nil {
				return CallInfo{}, err
			}
			a.info = info
			a.log = slog.With("stream_id", info.StreamID, "call_id", info.CallID)
			a.fromWire = audio.NewResampler(info.SampleRate, audio.InternalRate)
			a.toWire = audio.NewResampler(audio.InternalRate, info.SampleRate)
			return info, nil
		case "stop":
			return CallInfo{}, callerr.Transport("stream stopped before start", nil)
		default:
			return CallInfo{}, callerr.Transport(fmt.Sprintf("unexpected %q before start", msg.Event), nil)
		}
	}
}

func parseStart(msg *inboundMessage) (CallInfo, error) {
	if msg.Start == nil {
		return CallInfo{}, callerr.Transport("start event without payload", nil)
	}
	st := msg.Start
	info := CallInfo{
		Dialect:    DialectTwilio,
		StreamID:   firstNonEmpty(st.StreamSID, msg.StreamSID),
		CallID:     st.CallSID,
		From:       st.From,
		To:         st.To,
		Parameters: st.CustomParameters,
	}
	if msg.StreamID != "" || st.CallControlID != "" {
		info.Dialect = DialectTelnyx
		info.StreamID = firstNonEmpty(info.StreamID, msg.StreamID)
		info.CallID = firstNonEmpty(info.CallID, st.CallControlID)
	}
	if info.From == "" {
		info.From = st.CustomParameters["from"]
	}
	if info.To == "" {
		info.To = st.CustomParameters["to"]
	}

	format := st.MediaFormat
	if format == nil {
		format = st.MediaFormatSnake
	}
	if format == nil {
		format = &mediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1}
	}
	codec, err := audio.ParseEncoding(format.Encoding)
	if err != nil {
		return CallInfo{}, callerr.Transport("start event", err)
	}
	if format.Channels > 1 {
		return CallInfo{}, callerr.Transport(fmt.Sprintf("%d channel audio is not supported", format.Channels), nil)
	}
	info.Codec = codec
	info.SampleRate = format.rate()
	if info.SampleRate <= 0 {
		info.SampleRate = 8000
	}
	return info, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (a *Adapter) Info() CallInfo { return a.info }

// Frames yields inbound audio. It is closed when the stream stops.
func (a *Adapter) Frames() <-chan audio.Frame { return a.inbound }

// Done is closed once the stream has stopped or been hung up.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Err returns why the stream stopped; nil for a remote stop event.
func (a *Adapter) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Run pumps the stream until it stops, the connection drops or ctx ends.
func (a *Adapter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.writeLoop()
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			a.finish(ctx.Err())
		case <-a.done:
		}
	}()
	a.readLoop()
	wg.Wait()
}

func (a *Adapter) readLoop() {
	defer close(a.inbound)
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			a.finish(err)
			return
		}
		var msg inboundMessage
		if err = json.Unmarshal(data, &msg); err != nil {
			a.reject(callerr.Transport("malformed message", err))
			continue
		}
		switch msg.Event {
		case "media":
			a.handleMedia(&msg)
		case "stop":
			a.log.Info("media stream stopped")
			a.finish(nil)
			return
		case "mark":
			if msg.Mark != nil {
				a.log.Debug("playback mark", "name", msg.Mark.Name)
			}
		default:
			a.log.Debug("ignoring stream event", "event", msg.Event)
		}
	}
}

func (a *Adapter) handleMedia(msg *inboundMessage) {
	if msg.Media == nil {
		a.reject(callerr.Transport("media event without payload", nil))
		return
	}
	if msg.Media.Track != "" && msg.Media.Track != "inbound" && msg.Media.Track != "inbound_track" {
		return
	}
	frame, err := a.decode(msg.Media.Payload)
	if err != nil {
		a.reject(err)
		return
	}
	frame.Seq = flexInt(msg.SequenceNumber)
	frame.Timestamp = time.Duration(flexInt(msg.Media.Timestamp)) * time.Millisecond
	metrics.AudioChunks.WithLabelValues("inbound").Inc()

	select {
	case a.inbound <- frame:
		return
	default:
	}
	// Consumer is behind: live audio is use-it-or-lose-it.
	select {
	case <-a.inbound:
		metrics.FramesDropped.WithLabelValues("inbound", "overflow").Inc()
	default:
	}
	select {
	case a.inbound <- frame:
	default:
		metrics.FramesDropped.WithLabelValues("inbound", "overflow").Inc()
	}
}

func (a *Adapter) decode(payload string) (audio.Frame, error) {
	if payload == "" {
		return audio.Frame{}, callerr.Transport("empty media payload", nil)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return audio.Frame{}, callerr.Transport("media payload is not base64", err)
	}
	samples, err := audio.DecodeSamples(raw, a.info.Codec)
	if err != nil {
		return audio.Frame{}, callerr.Transport("media payload", err)
	}
	pcm := audio.Int16ToBytes(samples)
	return audio.Frame{
		Data:       a.fromWire.ProcessPCM(pcm),
		SampleRate: audio.InternalRate,
	}, nil
}

// reject logs and drops one bad chunk; the call carries on.
func (a *Adapter) reject(err error) {
	metrics.Errors.WithLabelValues("transport", "malformed_chunk").Inc()
	metrics.FramesDropped.WithLabelValues("inbound", "malformed").Inc()
	a.log.Warn("dropping inbound chunk", "error", err)
}

// SendAudio queues agent audio for the wire. Frames tagged with an epoch
// older than the last Interrupt are discarded. The queue drains at playback
// speed, so a producer running ahead of real time waits here; when the queue
// stays full longer than SendWait the oldest queued frame is dropped.
func (a *Adapter) SendAudio(f audio.Frame) error {
	if f.SampleRate == 0 {
		f.SampleRate = audio.InternalRate
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	pcm := a.internalPCM(f)
	for _, chunk := range audio.Chunk(pcm, audio.InternalRate, a.cfg.FrameDuration) {
		if f.Epoch < a.minEpoch.Load() {
			metrics.FramesDropped.WithLabelValues("outbound", "stale").Inc()
			return nil
		}
		if err := a.enqueue(audio.Frame{Data: chunk, SampleRate: audio.InternalRate, Epoch: f.Epoch}); err != nil {
			return err
		}
	}
	return nil
}

// internalPCM converts f to the internal rate. Each generation is its own
// stream, so resampler state starts over when the epoch changes.
func (a *Adapter) internalPCM(f audio.Frame) []byte {
	if f.SampleRate == audio.InternalRate {
		return f.Data
	}
	if f.Epoch != a.sendEpoch {
		a.sendEpoch = f.Epoch
		clear(a.toInternal)
	}
	r, ok := a.toInternal[f.SampleRate]
	if !ok {
		r = audio.NewResampler(f.SampleRate, audio.InternalRate)
		a.toInternal[f.SampleRate] = r
	}
	return r.ProcessPCM(f.Data)
}

func (a *Adapter) enqueue(f audio.Frame) error {
	select {
	case <-a.done:
		return callerr.Transport("send after stream stopped", a.err)
	default:
	}
	a.pending.Add(1)
	select {
	case a.outbound <- f:
		return nil
	default:
	}

	timer := time.NewTimer(a.cfg.SendWait)
	defer timer.Stop()
	select {
	case <-a.done:
		a.pending.Add(-1)
		return callerr.Transport("send after stream stopped", a.err)
	case a.outbound <- f:
		return nil
	case <-timer.C:
	}

	select {
	case <-a.outbound:
		a.pending.Add(-1)
		metrics.FramesDropped.WithLabelValues("outbound", "overflow").Inc()
	default:
	}
	select {
	case a.outbound <- f:
	default:
		a.pending.Add(-1)
		metrics.FramesDropped.WithLabelValues("outbound", "overflow").Inc()
	}
	return nil
}

// Interrupt invalidates every outbound frame tagged below epoch, drains the
// queue and tells the telephony side to discard audio it has buffered.
func (a *Adapter) Interrupt(epoch uint64) {
	for {
		cur := a.minEpoch.Load()
		if epoch <= cur || a.minEpoch.CompareAndSwap(cur, epoch) {
			break
		}
	}
	for drained := false; !drained; {
		select {
		case <-a.outbound:
			a.pending.Add(-1)
			metrics.FramesDropped.WithLabelValues("outbound", "stale").Inc()
		default:
			drained = true
		}
	}

	a.writeMu.Lock()
	a.playUntil = time.Time{}
	close(a.interrupted)
	a.interrupted = make(chan struct{})
	a.writeMu.Unlock()

	if err := a.writeJSON(outboundMessage{Event: "clear", StreamSID: a.streamSID()}); err != nil {
		a.log.Debug("clear after interrupt", "error", err)
	}
}

// AwaitPlayout blocks until every frame queued so far has been written and
// the far end has had time to play it. It returns early, with nil, when the
// stream stops or an Interrupt discards the audio.
func (a *Adapter) AwaitPlayout(ctx context.Context) error {
	for {
		rest, interrupted := a.playout()
		if rest <= 0 && a.pending.Load() == 0 {
			return nil
		}
		if rest <= 0 {
			rest = a.cfg.FrameDuration
		}
		timer := time.NewTimer(rest)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-a.done:
			timer.Stop()
			return nil
		case <-interrupted:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// playout reports how much written audio the far end has yet to play.
func (a *Adapter) playout() (time.Duration, <-chan struct{}) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return time.Until(a.playUntil), a.interrupted
}

func (a *Adapter) writeLoop() {
	for {
		select {
		case <-a.done:
			return
		case f := <-a.outbound:
			if !a.pace(f) {
				return
			}
			if err := a.writeFrame(f); err != nil {
				a.log.Warn("write audio", "error", err)
			}
			a.pending.Add(-1)
		}
	}
}

// pace holds f until the far end has no more than MaxBuffer left to play.
func (a *Adapter) pace(f audio.Frame) bool {
	for {
		rest, _ := a.playout()
		wait := rest - a.cfg.MaxBuffer
		if wait <= 0 || f.Epoch < a.minEpoch.Load() {
			return true
		}
		timer := time.NewTimer(min(wait, a.cfg.FrameDuration))
		select {
		case <-a.done:
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (a *Adapter) writeFrame(f audio.Frame) error {
	wire := a.toWire.ProcessPCM(f.Data)
	encoded, err := audio.EncodeSamples(audio.BytesToInt16(wire), a.info.Codec)
	if err != nil {
		return err
	}
	data, err := json.Marshal(outboundMessage{
		Event:     "media",
		StreamSID: a.streamSID(),
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(encoded)},
	})
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if f.Epoch < a.minEpoch.Load() {
		metrics.FramesDropped.WithLabelValues("outbound", "stale").Inc()
		return nil
	}
	metrics.AudioChunks.WithLabelValues("outbound").Inc()
	if err = a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	now := time.Now()
	if a.playUntil.Before(now) {
		a.playUntil = now
	}
	a.playUntil = a.playUntil.Add(f.Duration())
	return nil
}

func (a *Adapter) writeJSON(msg outboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-a.done:
		return nil
	default:
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *Adapter) streamSID() string {
	if a.info.Dialect == DialectTwilio {
		return a.info.StreamID
	}
	return ""
}

// HangUp closes the media stream. Calling it more than once, or after the
// remote side stopped the stream, is a no-op.
func (a *Adapter) HangUp() error {
	a.finish(ErrHungUp)
	return nil
}

func (a *Adapter) finish(err error) {
	a.closeOnce.Do(func() {
		a.err = err
		close(a.done)
		a.writeMu.Lock()
		_ = a.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		a.writeMu.Unlock()
		_ = a.conn.Close()
	})
}
