package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/callbridge/internal/audio"
	"github.com/hubenschmidt/callbridge/internal/callerr"
	"github.com/hubenschmidt/callbridge/internal/metrics"
	"github.com/hubenschmidt/callbridge/internal/prompts"
	"github.com/hubenschmidt/callbridge/internal/providers"
	"github.com/hubenschmidt/callbridge/internal/transcript"
)

// cascadeSession chains STT, LLM and TTS. The loop goroutine owns the
// transcription stream, the VAD and the utterance buffer; each agent turn
// runs on its own responder goroutine, which owns the LLM history.
type cascadeSession struct {
	base
	stt       providers.TranscriptionProvider
	llm       providers.CompletionProvider
	tts       providers.SynthesisProvider
	specs     []providers.ToolSpec
	knowledge Retriever
	timeouts  Timeouts
	system    string

	callCtx context.Context
	fatal   chan error

	// loop goroutine only
	stream        providers.TranscriptionStream
	sttReopened   bool
	vad           *audio.VAD
	utterance     strings.Builder
	speechStarted time.Time
	speechEnded   time.Time
	awaitingFinal bool
	finalize      *time.Timer
	finalizeC     <-chan time.Time
	resp          *responder

	// responder goroutine only, one at a time
	history []providers.Message
}

// responder is one agent turn in flight.
type responder struct {
	epoch  uint64
	origin time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *responder) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func newCascadeSession(id string, cfg EngineConfig, d Deps, stt providers.TranscriptionProvider, llm providers.CompletionProvider, tts providers.SynthesisProvider, specs []providers.ToolSpec) *cascadeSession {
	return &cascadeSession{
		base:      newBase(id, ModeCascaded, cfg, d),
		stt:       stt,
		llm:       llm,
		tts:       tts,
		specs:     specs,
		knowledge: d.Knowledge,
		timeouts:  d.Timeouts.withDefaults(),
		system:    prompts.Instructions(cfg.Instructions, cfg.Language, cfg.Timezone, time.Now()),
		fatal:     make(chan error, 1),
		vad:       audio.NewVAD(cfg.vadConfig()),
	}
}

func (s *cascadeSession) Start(ctx context.Context, t Transport) error {
	if err := s.bind(t); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.callCtx = ctx

	s.setState(StateConnecting)
	stream, err := s.openSTT(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.end(ReasonShutdown, nil)
		}
		return s.end(ReasonError, err)
	}
	s.stream = stream
	s.setState(StateListening)
	s.log.Info("cascade ready", "stt", s.stt.Name(), "llm", s.llm.Name(), "tts", s.tts.Name(), "tools", len(s.specs))

	if s.cfg.Greeting != "" {
		s.startResponder(ctx, "", s.cfg.Greeting)
	}

	reason, err := s.loop(ctx)
	if s.resp != nil {
		s.resp.cancel()
		<-s.resp.done
	}
	s.stopFinalize()
	_ = s.stream.Close()
	return s.end(reason, err)
}

// openSTT opens a transcription stream, retrying once after a transient failure.
func (s *cascadeSession) openSTT(ctx context.Context) (providers.TranscriptionStream, error) {
	opts := providers.TranscribeOptions{Model: s.cfg.STT.Model, Language: s.cfg.STT.Language, SampleRate: audio.InternalRate}
	stream, err := s.stt.Open(ctx, opts)
	if err == nil || !callerr.IsRetryable(err) {
		return stream, err
	}
	s.log.Warn("transcription connect failed, retrying", "error", err, "backoff", s.timeouts.RetryBackoff)
	select {
	case <-time.After(s.timeouts.RetryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.stt.Open(ctx, opts)
}

func (s *cascadeSession) loop(ctx context.Context) (string, error) {
	frames := s.transport.Frames()
	for {
		var turnDone <-chan struct{}
		if s.resp != nil {
			turnDone = s.resp.done
		}
		select {
		case <-ctx.Done():
			return ReasonShutdown, nil
		case <-s.stop:
			return ReasonShutdown, nil
		case <-s.transport.Done():
			return ReasonHangUp, nil
		case err := <-s.fatal:
			return ReasonError, err
		case f, ok := <-frames:
			if !ok {
				return ReasonHangUp, nil
			}
			s.onFrame(f)
		case tr, ok := <-s.stream.Results():
			if !ok {
				if ctx.Err() != nil {
					return ReasonShutdown, nil
				}
				if err := s.reopenSTT(ctx); err != nil {
					return ReasonError, err
				}
				continue
			}
			s.onTranscript(ctx, tr)
		case <-s.finalizeC:
			s.log.Debug("finalize timed out, committing partial utterance")
			s.commit(ctx)
		case <-turnDone:
			s.resp = nil
			if !s.transition(StateResponding, StateListening) {
				s.transition(StateToolPending, StateListening)
			}
		}
	}
}

func (s *cascadeSession) onFrame(f audio.Frame) {
	if err := s.stream.Send(f.Data); err != nil {
		s.log.Debug("send to transcription", "error", err)
	}
	res := s.vad.Process(f.Samples())
	switch res.Event {
	case audio.VADSpeechStarted:
		metrics.SpeechSegments.Inc()
		s.speechStarted = time.Now().Add(-s.cfg.TurnDetection.MinSpeech)
		if s.awaitingFinal {
			// user resumed; the utterance keeps growing until the next pause
			s.awaitingFinal = false
			s.stopFinalize()
		}
		s.bargeIn()
	case audio.VADSpeechEnded:
		s.speechEnded = time.Now()
		if err := s.stream.Finalize(); err != nil {
			s.log.Debug("finalize transcription", "error", err)
		}
		s.awaitingFinal = true
		s.stopFinalize()
		s.finalize = time.NewTimer(s.timeouts.Finalize)
		s.finalizeC = s.finalize.C
	}
}

// bargeIn cancels an agent turn that is still producing or playing audio.
// The epoch advances first so nothing the old turn already queued reaches
// the caller.
func (s *cascadeSession) bargeIn() {
	if s.resp == nil || s.resp.finished() {
		return
	}
	next := s.epoch.Advance()
	s.transport.Interrupt(next)
	s.resp.cancel()
	metrics.BargeIns.WithLabelValues(string(s.mode)).Inc()
	s.log.Info("barge-in", "epoch", next)
	s.setState(StateListening)
}

func (s *cascadeSession) onTranscript(ctx context.Context, tr providers.Transcript) {
	if tr.Err != nil {
		metrics.Errors.WithLabelValues("stt", "utterance").Inc()
		s.log.Warn("utterance not transcribed", "error", tr.Err)
		if s.awaitingFinal {
			s.awaitingFinal = false
			s.stopFinalize()
			s.utterance.Reset()
			s.startResponder(ctx, "", prompts.Apology)
		}
		return
	}
	if tr.Final && strings.TrimSpace(tr.Text) != "" {
		if s.utterance.Len() > 0 {
			s.utterance.WriteByte(' ')
		}
		s.utterance.WriteString(strings.TrimSpace(tr.Text))
	}
	if tr.EndOfUtterance && s.awaitingFinal {
		s.commit(ctx)
	}
}

// commit closes the current utterance and starts the agent's reply.
func (s *cascadeSession) commit(ctx context.Context) {
	s.awaitingFinal = false
	s.stopFinalize()
	text := strings.TrimSpace(s.utterance.String())
	s.utterance.Reset()
	if text == "" {
		return
	}
	if !s.speechEnded.IsZero() {
		metrics.StageDuration.WithLabelValues("stt_finalize").Observe(time.Since(s.speechEnded).Seconds())
	}
	s.rec.Append(transcript.Turn{Role: transcript.RoleUser, Text: text, StartedAt: s.speechStarted})
	s.startResponder(ctx, text, "")
}

func (s *cascadeSession) stopFinalize() {
	if s.finalize != nil {
		s.finalize.Stop()
	}
	s.finalize = nil
	s.finalizeC = nil
}

// reopenSTT replaces a transcription stream that ended mid-call. A second
// loss ends the call.
func (s *cascadeSession) reopenSTT(ctx context.Context) error {
	cause := s.stream.Err()
	_ = s.stream.Close()
	if s.sttReopened {
		if cause == nil {
			cause = errors.New("transcription stream closed")
		}
		return callerr.ProviderConnection(s.stt.Name(), cause, false)
	}
	s.sttReopened = true
	s.log.Warn("transcription stream ended, reopening", "error", cause)
	stream, err := s.openSTT(ctx)
	if err != nil {
		return callerr.ProviderConnection(s.stt.Name(), err, false)
	}
	s.stream = stream
	return nil
}

// startResponder begins an agent turn. With a script the text is spoken
// verbatim; otherwise userText is sent to the model.
func (s *cascadeSession) startResponder(ctx context.Context, userText, script string) {
	if s.resp != nil {
		s.bargeIn()
		<-s.resp.done
	}
	origin := s.speechEnded
	if origin.IsZero() {
		origin = time.Now()
	}
	tctx, cancel := context.WithCancel(ctx)
	r := &responder{epoch: s.epoch.Current(), origin: origin, cancel: cancel, done: make(chan struct{})}
	s.resp = r
	s.speechEnded = time.Time{}
	s.setState(StateResponding)
	go s.respond(tctx, r, userText, script)
}

func (s *cascadeSession) respond(ctx context.Context, r *responder, userText, script string) {
	defer close(r.done)
	defer r.cancel()

	sp := s.newSpeaker(ctx, r)
	var (
		toolRef string
		err     error
	)
	if script != "" {
		sp.say(script)
	} else {
		toolRef, err = s.generate(ctx, sp, userText)
	}

	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, callerr.ErrToolChainExceeded):
		s.log.Warn("tool chain limit reached", "limit", s.cfg.MaxToolChain)
		sp.say(prompts.ToolChainFallback)
	case callerr.IsFatal(err):
		s.reportFatal(err)
	default:
		metrics.Errors.WithLabelValues("llm", string(callerr.KindOf(err))).Inc()
		s.log.Warn("turn failed", "error", err)
		sp.say(prompts.Apology)
	}
	sp.close()

	// The turn stays open, and interruptible, until the caller has heard it.
	if ctx.Err() == nil && sp.sent {
		_ = s.transport.AwaitPlayout(ctx)
	}

	spoken := sp.text()
	interrupted := ctx.Err() != nil
	if script != "" && userText == "" && script == s.cfg.Greeting {
		s.history = append(s.history, providers.Message{Role: providers.RoleAssistant, Content: spoken})
	} else if interrupted && err != nil && spoken != "" {
		// the model was cut off mid-reply; keep what the caller heard
		s.history = append(s.history, providers.Message{Role: providers.RoleAssistant, Content: spoken})
	}
	s.rec.Append(transcript.Turn{
		Role:        transcript.RoleAgent,
		Text:        spoken,
		StartedAt:   sp.firstAudio,
		ToolCallID:  toolRef,
		Interrupted: interrupted,
	})
	if sp.fatal != nil {
		s.reportFatal(sp.fatal)
	}
}

func (s *cascadeSession) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// generate runs the model until it answers without tool calls, speaking
// text as it streams. Each completion that requests tools counts toward
// MaxToolChain. It returns the last tool call whose result the reply follows.
func (s *cascadeSession) generate(ctx context.Context, sp *speaker, userText string) (string, error) {
	s.history = append(s.history, providers.Message{Role: providers.RoleUser, Content: userText})
	system := s.systemPrompt(ctx, userText)

	var toolRef string
	for rounds := 0; ; rounds++ {
		res, err := s.complete(ctx, system, sp)
		if err != nil {
			return toolRef, err
		}
		ensureCallIDs(res.ToolCalls)
		s.history = append(s.history, providers.Message{Role: providers.RoleAssistant, Content: res.Text, ToolCalls: res.ToolCalls})
		if len(res.ToolCalls) == 0 {
			return toolRef, nil
		}
		if rounds >= s.cfg.MaxToolChain {
			s.history = append(s.history, unanswered(res.ToolCalls, nil, "tool chain limit reached")...)
			return toolRef, callerr.ToolChainExceeded(s.cfg.MaxToolChain)
		}
		msgs, err := s.runTools(ctx, res.ToolCalls)
		s.history = append(s.history, msgs...)
		if err != nil {
			return toolRef, err
		}
		toolRef = res.ToolCalls[len(res.ToolCalls)-1].ID
	}
}

func (s *cascadeSession) systemPrompt(ctx context.Context, query string) string {
	if s.knowledge == nil {
		return s.system
	}
	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	kb, err := s.knowledge.Retrieve(rctx, query)
	metrics.RAGDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.log.Warn("knowledge retrieval failed", "error", err)
		return s.system
	}
	if kb == "" {
		return s.system
	}
	return s.system + "\n\n" + prompts.RAGContext(kb)
}

// complete streams one completion, retrying once if it failed before any
// sentence was spoken.
func (s *cascadeSession) complete(ctx context.Context, system string, sp *speaker) (*providers.CompletionResult, error) {
	req := providers.CompletionRequest{
		Model:       s.cfg.LLM.Model,
		System:      system,
		Messages:    s.history,
		Tools:       s.specs,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var sb sentenceBuffer
		spoke := false
		res, err := s.llm.Complete(ctx, req, func(token string) {
			if sentence := sb.Add(token); sentence != "" {
				spoke = true
				sp.say(sentence)
			}
		})
		if err == nil {
			if rest := sb.Flush(); rest != "" {
				sp.say(rest)
			}
			metrics.StageDuration.WithLabelValues("llm").Observe(res.LatencyMs / 1000)
			return res, nil
		}
		if ctx.Err() != nil || callerr.IsFatal(err) || spoke {
			return nil, err
		}
		lastErr = err
		if attempt == 0 {
			s.log.Warn("completion failed, retrying", "provider", s.llm.Name(), "error", err)
		}
	}
	return nil, lastErr
}

// runTools dispatches every call of one completion and waits for all
// results. Each call gets a tool message even when the turn is cut short,
// so the history stays well formed for the next request.
func (s *cascadeSession) runTools(ctx context.Context, calls []providers.ToolCall) ([]providers.Message, error) {
	s.transition(StateResponding, StateToolPending)
	defer s.transition(StateToolPending, StateResponding)

	want := make(map[string]bool, len(calls))
	for _, c := range calls {
		want[c.ID] = true
		s.dispatch(s.callCtx, c.ID, c.Name, c.Arguments)
	}
	got := make(map[string]json.RawMessage, len(calls))
	for len(got) < len(calls) {
		select {
		case r := <-s.results:
			if want[r.id] {
				got[r.id] = r.output
			}
		case <-ctx.Done():
			return unanswered(calls, got, "interrupted by caller"), ctx.Err()
		}
	}
	return unanswered(calls, got, ""), nil
}

// unanswered builds the tool messages for calls, using got where a result
// arrived and a failure payload carrying reason otherwise.
func unanswered(calls []providers.ToolCall, got map[string]json.RawMessage, reason string) []providers.Message {
	msgs := make([]providers.Message, 0, len(calls))
	for _, c := range calls {
		out, ok := got[c.ID]
		if !ok {
			out, _ = json.Marshal(map[string]any{"success": false, "error": reason})
		}
		msgs = append(msgs, providers.Message{Role: providers.RoleTool, ToolCallID: c.ID, Name: c.Name, Content: string(out)})
	}
	return msgs
}

func ensureCallIDs(calls []providers.ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
}

// speaker synthesizes sentences in order on its own goroutine, so the
// model keeps streaming while earlier sentences play.
type speaker struct {
	s         *cascadeSession
	ctx       context.Context
	r         *responder
	sentences chan string
	done      chan struct{}

	// written by the speaker goroutine, read after done
	spoken     []string
	firstAudio time.Time
	sent       bool
	fatal      error
	// failed is set when a sentence could not be synthesized; the rest of
	// the turn is replaced by an apology.
	failed     error
	apologized bool
}

var errSuperseded = errors.New("superseded by a newer turn")

func (s *cascadeSession) newSpeaker(ctx context.Context, r *responder) *speaker {
	sp := &speaker{s: s, ctx: ctx, r: r, sentences: make(chan string, 16), done: make(chan struct{})}
	go sp.run()
	return sp
}

func (sp *speaker) say(text string) {
	text = speakable(text)
	if text == "" {
		return
	}
	select {
	case sp.sentences <- text:
	case <-sp.ctx.Done():
	}
}

// close waits for queued sentences to finish playing.
func (sp *speaker) close() {
	close(sp.sentences)
	<-sp.done
}

func (sp *speaker) text() string { return strings.Join(sp.spoken, " ") }

func (sp *speaker) run() {
	defer close(sp.done)
	for sentence := range sp.sentences {
		if sp.ctx.Err() != nil || sp.fatal != nil || sp.failed != nil {
			continue
		}
		sp.synthesize(sentence)
	}
	if sp.failed != nil && sp.ctx.Err() == nil && sp.fatal == nil {
		sp.s.log.Warn("turn failed", "error", sp.failed)
		sp.apologized = true
		sp.synthesize(prompts.Apology)
	}
}

func (sp *speaker) synthesize(text string) {
	s := sp.s
	opts := providers.SynthesisOptions{Voice: s.cfg.TTS.Voice, Language: s.cfg.TTS.Language}
	sent := false
	onAudio := func(pcm []byte, rate int) error {
		if !s.epoch.Valid(sp.r.epoch) {
			return errSuperseded
		}
		if !sent {
			sent = true
			sp.sent = true
			if sp.firstAudio.IsZero() {
				sp.firstAudio = time.Now()
				metrics.E2EDuration.WithLabelValues(string(s.mode)).Observe(time.Since(sp.r.origin).Seconds())
			}
		}
		return s.transport.SendAudio(audio.Frame{Data: pcm, SampleRate: rate, Epoch: sp.r.epoch})
	}

	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.tts.Synthesize(sp.ctx, text, opts, onAudio)
		if err == nil {
			metrics.StageDuration.WithLabelValues("tts").Observe(res.LatencyMs / 1000)
			sp.spoken = append(sp.spoken, text)
			return
		}
		if sent {
			// partially heard; retrying would repeat audio
			sp.spoken = append(sp.spoken, text)
		}
		if sp.ctx.Err() != nil || errors.Is(err, errSuperseded) || sent {
			return
		}
		if callerr.IsFatal(err) {
			sp.fatal = err
			return
		}
		if attempt == 0 {
			s.log.Warn("synthesis failed, retrying", "provider", s.tts.Name(), "error", err)
			continue
		}
		metrics.Errors.WithLabelValues("tts", string(callerr.KindOf(err))).Inc()
		s.log.Error("sentence dropped", "provider", s.tts.Name(), "error", err)
		if !sp.apologized {
			sp.failed = err
		}
	}
}
