package session

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/hubenschmidt/callbridge/internal/audio"
	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/metrics"
	"github.com/hubenschmidt/callbridge/internal/prompts"
	"github.com/hubenschmidt/callbridge/internal/providers"
	"github.com/hubenschmidt/callbridge/internal/transcript"
)

// realtimeSession drives a single speech-to-speech voice model. All
// provider events, inbound frames and tool results are handled on one loop
// goroutine, so the fields below the divider need no locking. Agent audio
// goes out through a player goroutine, which reports back when a response
// has finished playing.
type realtimeSession struct {
	base
	provider providers.VoiceModelProvider
	rtcfg    providers.RealtimeConfig
	timeouts Timeouts

	conn   providers.VoiceConn
	playQ  chan playItem
	played chan playItem

	// loop goroutine only
	toProvider *audio.Resampler

	// active is the response being generated; speaking is the latest
	// response whose audio may still be playing.
	active    string
	speaking  string
	requested bool
	cancelled map[string]bool
	respEpoch map[string]uint64

	// item is the audio item last sent, for truncation on barge-in.
	item        string
	itemSentMs  int
	itemStarted time.Time

	// tool round trip
	pending          map[string]bool
	toolResponse     string
	toolResponseDone bool
	lastCall         string
	toolRef          string

	turns       map[string]*agentTurn
	speechEnded time.Time
}

// agentTurn accumulates one response's transcript until it has played.
type agentTurn struct {
	text    strings.Builder
	started time.Time
	toolRef string
}

// playItem is either agent audio or the end of a response's audio.
type playItem struct {
	frame    audio.Frame
	response string
	end      bool
}

const playQueueDepth = 1024

func newRealtimeSession(id string, cfg EngineConfig, d Deps, p providers.VoiceModelProvider, specs []providers.ToolSpec) *realtimeSession {
	instructions := prompts.WithGreeting(prompts.Instructions(cfg.Instructions, cfg.Language, cfg.Timezone, time.Now()), cfg.Greeting)
	return &realtimeSession{
		base:     newBase(id, ModeSpeechToSpeech, cfg, d),
		provider: p,
		timeouts: d.Timeouts.withDefaults(),
		rtcfg: providers.RealtimeConfig{
			Model:        cfg.Voice.Model,
			Voice:        cfg.Voice.Voice,
			Instructions: instructions,
			Temperature:  cfg.Temperature,
			TurnDetection: providers.TurnDetection{
				Threshold:       cfg.TurnDetection.Threshold,
				PrefixPadding:   cfg.TurnDetection.PrefixPadding,
				SilenceDuration: cfg.TurnDetection.SilenceDuration,
			},
			Tools: specs,
		},
		playQ:     make(chan playItem, playQueueDepth),
		played:    make(chan playItem, 16),
		cancelled: make(map[string]bool),
		respEpoch: make(map[string]uint64),
		pending:   make(map[string]bool),
		turns:     make(map[string]*agentTurn),
	}
}

func (s *realtimeSession) Start(ctx context.Context, t Transport) error {
	if err := s.bind(t); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setState(StateConnecting)
	conn, err := s.connect(ctx)
	if err != nil {
		return s.end(ReasonError, err)
	}
	s.conn = conn
	s.toProvider = audio.NewResampler(audio.InternalRate, conn.SampleRate())
	defer conn.Close()

	s.setState(StateConfiguring)
	if err = conn.UpdateSession(s.rtcfg); err != nil {
		return s.end(ReasonError, err)
	}
	if err = providers.AwaitSessionReady(ctx, conn, s.timeouts.Configure); err != nil {
		if ctx.Err() != nil {
			return s.end(ReasonShutdown, nil)
		}
		return s.end(ReasonError, err)
	}
	s.setState(StateListening)
	s.log.Info("voice session ready", "provider", s.provider.Name(), "tools", len(s.rtcfg.Tools))

	if s.cfg.Greeting != "" {
		if err = conn.CreateResponse(prompts.GreetingDirective(s.cfg.Greeting)); err != nil {
			return s.end(ReasonError, err)
		}
		s.requested = true
	}

	pctx, stopPlayer := context.WithCancel(ctx)
	playerDone := make(chan struct{})
	go func() {
		defer close(playerDone)
		s.play(pctx)
	}()

	reason, err := s.loop(ctx)
	stopPlayer()
	<-playerDone
	s.flushAll()
	return s.end(reason, err)
}

// connect opens the provider stream, retrying once after a transient failure.
func (s *realtimeSession) connect(ctx context.Context) (providers.VoiceConn, error) {
	conn, err := s.provider.Connect(ctx)
	if err == nil || !callerr.IsRetryable(err) {
		return conn, err
	}
	s.log.Warn("voice connect failed, retrying", "error", err, "backoff", s.timeouts.RetryBackoff)
	select {
	case <-time.After(s.timeouts.RetryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.provider.Connect(ctx)
}

func (s *realtimeSession) loop(ctx context.Context) (string, error) {
	frames := s.transport.Frames()
	events := s.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown, nil
		case <-s.stop:
			return ReasonShutdown, nil
		case <-s.transport.Done():
			return ReasonHangUp, nil
		case f, ok := <-frames:
			if !ok {
				return ReasonHangUp, nil
			}
			if err := s.conn.AppendAudio(s.toProvider.ProcessPCM(f.Data)); err != nil {
				return ReasonError, err
			}
		case ev, ok := <-events:
			if !ok {
				if err := s.conn.Err(); err != nil {
					return ReasonError, err
				}
				return ReasonProviderClosed, nil
			}
			if err := s.handle(ctx, ev); err != nil {
				return ReasonError, err
			}
		case r := <-s.results:
			if err := s.onToolResult(r); err != nil {
				return ReasonError, err
			}
		case it := <-s.played:
			s.onPlayed(it)
		}
	}
}

// play sends agent audio in order. At the end of each response it waits for
// the transport to finish playing before reporting back to the loop.
func (s *realtimeSession) play(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.playQ:
			if !it.end {
				if err := s.transport.SendAudio(it.frame); err != nil {
					s.log.Debug("send agent audio", "error", err)
				}
				continue
			}
			if err := s.transport.AwaitPlayout(ctx); err != nil {
				return
			}
			select {
			case s.played <- it:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *realtimeSession) enqueue(it playItem) {
	select {
	case s.playQ <- it:
	default:
		metrics.FramesDropped.WithLabelValues("outbound", "overflow").Inc()
		s.log.Warn("agent audio queue full", "response_id", it.response)
	}
}

func (s *realtimeSession) handle(ctx context.Context, ev providers.RealtimeEvent) error {
	switch ev.Kind {
	case providers.EventSpeechStarted:
		s.bargeIn()
	case providers.EventSpeechStopped:
		s.speechEnded = time.Now()
	case providers.EventResponseCreated:
		s.active = ev.ResponseID
		s.speaking = ev.ResponseID
		s.requested = false
		s.respEpoch[ev.ResponseID] = s.epoch.Current()
		s.turns[ev.ResponseID] = &agentTurn{toolRef: s.toolRef}
		s.toolRef = ""
		if s.State() != StateToolPending {
			s.setState(StateResponding)
		}
	case providers.EventAudioDelta:
		s.forwardAudio(ev)
	case providers.EventTranscriptDelta:
		if turn := s.turn(ev.ResponseID); turn != nil {
			if turn.text.Len() == 0 {
				turn.started = time.Now()
			}
			turn.text.WriteString(ev.Text)
		}
	case providers.EventTranscriptDone:
		// The turn is recorded once its audio has played.
		if turn := s.turn(ev.ResponseID); turn != nil && ev.Text != "" {
			if turn.started.IsZero() {
				turn.started = time.Now()
			}
			turn.text.Reset()
			turn.text.WriteString(ev.Text)
		}
	case providers.EventUserTranscript:
		s.rec.Append(transcript.Turn{Role: transcript.RoleUser, Text: ev.Text})
	case providers.EventFunctionCall:
		s.onFunctionCall(ctx, ev)
	case providers.EventResponseDone:
		s.onResponseDone(ev)
	case providers.EventError:
		if providers.IsBenignRealtimeError(ev) {
			s.log.Debug("voice provider notice", "code", ev.Code)
			return nil
		}
		metrics.Errors.WithLabelValues("voice", "provider_event").Inc()
		s.log.Warn("voice provider error", "code", ev.Code, "message", ev.Text)
	}
	return nil
}

// forwardAudio passes a response's audio to the transport unless the
// response was cancelled or its epoch superseded.
func (s *realtimeSession) forwardAudio(ev providers.RealtimeEvent) {
	if s.cancelled[ev.ResponseID] {
		metrics.FramesDropped.WithLabelValues("outbound", "cancelled").Inc()
		return
	}
	g, ok := s.respEpoch[ev.ResponseID]
	if !ok {
		g = s.epoch.Current()
	}
	if !s.epoch.Valid(g) {
		metrics.FramesDropped.WithLabelValues("outbound", "stale").Inc()
		return
	}
	if !s.speechEnded.IsZero() {
		metrics.E2EDuration.WithLabelValues(string(s.mode)).Observe(time.Since(s.speechEnded).Seconds())
		s.speechEnded = time.Time{}
	}
	if ev.ItemID != "" && ev.ItemID != s.item {
		s.item = ev.ItemID
		s.itemSentMs = 0
		s.itemStarted = time.Now()
	}
	s.itemSentMs += int(audio.PCMDuration(len(ev.Audio), s.conn.SampleRate()).Milliseconds())
	s.enqueue(playItem{
		frame:    audio.Frame{Data: ev.Audio, SampleRate: s.conn.SampleRate(), Epoch: g},
		response: ev.ResponseID,
	})
}

// bargeIn stops the agent while it is generating or its audio is still
// playing. Only a response still being generated is cancelled at the
// provider; one that finishes concurrently is answered with a benign
// cancel-not-active error.
func (s *realtimeSession) bargeIn() {
	generating := s.active != "" && !s.cancelled[s.active]
	if !generating && s.speaking == "" {
		return
	}
	next := s.epoch.Advance()
	s.transport.Interrupt(next)
	metrics.BargeIns.WithLabelValues(string(s.mode)).Inc()
	s.log.Info("barge-in", "response_id", s.speaking, "generating", generating, "epoch", next)

	if generating {
		s.cancelled[s.active] = true
		if err := s.conn.CancelResponse(); err != nil {
			s.log.Warn("cancel response", "error", err)
		}
	}
	if s.item != "" {
		// the caller heard at most what has had time to play
		heard := min(s.itemSentMs, int(time.Since(s.itemStarted).Milliseconds()))
		if err := s.conn.Truncate(s.item, heard); err != nil {
			s.log.Debug("truncate item", "error", err)
		}
		s.item = ""
	}
	// nothing queued before the barge-in will finish playing
	s.flushAll()
	s.speaking = ""
	if s.State() == StateResponding {
		s.setState(StateListening)
	}
}

func (s *realtimeSession) onFunctionCall(ctx context.Context, ev providers.RealtimeEvent) {
	s.setState(StateToolPending)
	s.pending[ev.CallID] = true
	s.lastCall = ev.CallID
	if s.toolResponse != ev.ResponseID {
		s.toolResponse = ev.ResponseID
		s.toolResponseDone = false
	}
	s.dispatch(ctx, ev.CallID, ev.Name, ev.Arguments)
}

func (s *realtimeSession) onResponseDone(ev providers.RealtimeEvent) {
	if ev.Status == "failed" {
		s.log.Warn("voice response failed", "response_id", ev.ResponseID)
	}
	cancelled := s.cancelled[ev.ResponseID]
	g, ok := s.respEpoch[ev.ResponseID]
	delete(s.cancelled, ev.ResponseID)
	delete(s.respEpoch, ev.ResponseID)
	if ev.ResponseID == s.active {
		s.active = ""
	}
	switch {
	case cancelled:
	case ok && s.epoch.Valid(g) && ev.Status != "cancelled":
		// Still speaking until the player reports the audio has played.
		s.enqueue(playItem{response: ev.ResponseID, end: true, frame: audio.Frame{Epoch: g}})
	default:
		s.flushAgent(ev.ResponseID, true)
		s.settle(ev.ResponseID)
	}

	if ev.ResponseID != "" && ev.ResponseID == s.toolResponse {
		s.toolResponseDone = true
		s.continueAfterTools()
	}
}

// onPlayed finishes a response once its audio has played out.
func (s *realtimeSession) onPlayed(it playItem) {
	if !s.epoch.Valid(it.frame.Epoch) {
		return
	}
	s.flushAgent(it.response, false)
	s.settle(it.response)
}

// settle returns to listening once the latest response is over and no
// other response is due.
func (s *realtimeSession) settle(responseID string) {
	if responseID != s.speaking {
		return
	}
	s.speaking = ""
	s.item = ""
	if s.active == "" && !s.requested && s.toolResponse == "" && len(s.pending) == 0 {
		s.transition(StateResponding, StateListening)
	}
}

func (s *realtimeSession) onToolResult(r toolResult) error {
	if !s.pending[r.id] {
		return nil
	}
	delete(s.pending, r.id)
	if err := s.conn.SendFunctionOutput(r.id, string(r.output)); err != nil {
		return err
	}
	s.continueAfterTools()
	return nil
}

// continueAfterTools asks the model to carry on once every result of the
// tool-calling response is in and that response has finished.
func (s *realtimeSession) continueAfterTools() {
	if len(s.pending) > 0 || !s.toolResponseDone {
		return
	}
	s.toolResponse = ""
	s.toolResponseDone = false
	if err := s.conn.CreateResponse(""); err != nil {
		s.log.Warn("continue after tools", "error", err)
		return
	}
	s.requested = true
	s.toolRef = s.lastCall
	s.setState(StateResponding)
}

// turn returns the transcript buffer of a live response, or nil once the
// response was cancelled or recorded.
func (s *realtimeSession) turn(responseID string) *agentTurn {
	if responseID == "" {
		responseID = s.active
	}
	if s.cancelled[responseID] {
		return nil
	}
	return s.turns[responseID]
}

// flushAgent records a response's accumulated text as an agent turn.
func (s *realtimeSession) flushAgent(responseID string, interrupted bool) {
	turn, ok := s.turns[responseID]
	if !ok {
		return
	}
	delete(s.turns, responseID)
	s.rec.Append(transcript.Turn{
		Role:        transcript.RoleAgent,
		Text:        turn.text.String(),
		StartedAt:   turn.started,
		ToolCallID:  turn.toolRef,
		Interrupted: interrupted,
	})
}

// flushAll records every unfinished response as cut off.
func (s *realtimeSession) flushAll() {
	ids := make([]string, 0, len(s.turns))
	for id := range s.turns {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return s.turns[a].started.Compare(s.turns[b].started)
	})
	for _, id := range ids {
		s.flushAgent(id, true)
	}
}
