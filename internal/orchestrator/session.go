package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/lease"
	"github.com/voxloop/voxloop/internal/llm"
	"github.com/voxloop/voxloop/internal/media"
	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/internal/queue"
	"github.com/voxloop/voxloop/internal/scope"
	"github.com/voxloop/voxloop/internal/turn"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/tts"
)

const (
	mediaBuf   = 8
	smsBuf     = 4
	tickEvery  = 100 * time.Millisecond
	hangupWait = 5 * time.Second
)

// errCallOver cancels the session scope once the conversation concluded.
var errCallOver = errors.New("orchestrator: call over")

// session drives one call. All conversation state is owned by the goroutine
// running run; other goroutines reach it only through mediaCh and smsCh.
type session struct {
	e   *Engine
	log *slog.Logger

	call    *call.Call
	keeper  *lease.Keeper
	sc      *scope.Scope
	leg     Leg
	eventID string

	conv     config.ConversationConfig
	tier     llm.Tier
	botPhone string

	bridge   *media.Bridge
	player   *media.Player
	sounds   *media.Sounds
	detector *turn.Detector
	pipe     *pipeline.Pipeline

	mediaCh chan queue.MediaEvent
	smsCh   chan queue.InboundSMS

	// runCtx is captured at run start for metric recording from hooks.
	runCtx context.Context

	state       State
	events      <-chan stt.Event
	rag         []string
	pendingTurn *turn.Signal
	farewell    string
	transferTo  string
	callerGone  bool

	mu        sync.Mutex
	turnStart time.Time
}

func newSession(e *Engine, cl *call.Call, keeper *lease.Keeper, leg Leg, sc *scope.Scope) *session {
	log := e.log.With("call_id", cl.ID)
	conv := e.conversation(sc.Context())

	s := &session{
		e:       e,
		log:     log,
		call:    cl,
		keeper:  keeper,
		sc:      sc,
		leg:     leg,
		conv:    conv,
		tier:    e.chatTier(sc.Context()),
		mediaCh: make(chan queue.MediaEvent, mediaBuf),
		smsCh:   make(chan queue.InboundSMS, smsBuf),
		state:   StateIdle,
		runCtx:  context.Background(),
	}

	sink := media.SinkFunc(func(ctx context.Context, pcm []byte) error {
		return leg.Play(ctx, pcm)
	})
	s.sounds = media.NewSounds(sink, e.cfg.SampleRate)
	s.player = media.NewPlayer(e.deps.TTS, sink,
		media.WithQueueDepth(e.cfg.Voice.QueueDepth),
		media.WithPlayerLogger(log))
	s.bridge = media.NewBridge(e.deps.STT, media.WithLogger(log))
	s.detector = turn.New(turn.Config{
		VADSilence:   time.Duration(conv.VADSilenceMS) * time.Millisecond,
		VADCutoff:    time.Duration(conv.VADCutoffMS) * time.Millisecond,
		PhoneSilence: time.Duration(conv.PhoneSilenceTimeoutS) * time.Second,
	})
	s.pipe = pipeline.New(s.player, e.deps.Translator, e.deps.Filter, pipeline.Config{
		SoftTimeout:   time.Duration(conv.AnswerSoftTimeoutS) * time.Second,
		HardTimeout:   time.Duration(conv.AnswerHardTimeoutS) * time.Second,
		PivotLanguage: e.cfg.PivotLanguage,
		Voice:         s.voiceID(),
		SoftCue:       resolveUtterance(cl, "still_here", e.cfg.Utterances.StillHere),
		Apology:       resolveUtterance(cl, "apology", e.cfg.Utterances.Apology),
	}, pipeline.WithLogger(log), pipeline.WithFirstSentenceHook(s.firstSentence))
	return s
}

// voiceID is the provider voice for the default style; per-style overrides
// travel with each request's Style field.
func (s *session) voiceID() string {
	return s.e.cfg.Voice.Styles[string(call.StyleNone)].VoiceID
}

// firstSentence runs from the pipeline goroutine when real speech begins.
func (s *session) firstSentence() {
	s.sounds.Stop()
	s.mu.Lock()
	start := s.turnStart
	s.turnStart = time.Time{}
	s.mu.Unlock()
	if !start.IsZero() {
		s.e.metrics.TurnDuration.Record(s.runCtx, s.e.now().Sub(start).Seconds())
	}
}

func (s *session) markTurnStart() {
	s.mu.Lock()
	s.turnStart = s.e.now()
	s.mu.Unlock()
}

// deliverMedia hands a gateway lifecycle event to the session goroutine.
func (s *session) deliverMedia(evt queue.MediaEvent) {
	select {
	case s.mediaCh <- evt:
	default:
		s.log.Warn("media event dropped, session backlogged", "kind", evt.Kind)
	}
}

// deliverSMS hands an inbound text to the session goroutine.
func (s *session) deliverSMS(evt queue.InboundSMS) {
	select {
	case s.smsCh <- evt:
	default:
		s.log.Warn("inbound sms dropped, session backlogged", "from", evt.From)
	}
}

// run drives the call to completion. A non-nil return asks for queue
// redelivery so the call resumes on another worker.
func (s *session) run() error {
	ctx := s.sc.Context()
	s.runCtx = ctx
	s.log.Info("call session starting",
		"caller", s.call.Initiate.CallerPhoneNumber, "lang", s.call.LangCurrent)

	var keywords []string
	if c := s.e.deps.Corrector; c != nil {
		keywords = c.Vocabulary(s.call)
	}
	if err := s.bridge.Start(ctx, stt.StreamConfig{
		SampleRate: s.e.cfg.SampleRate,
		Channels:   1,
		Language:   s.call.LangCurrent,
		Keywords:   keywords,
	}); err != nil {
		s.log.Error("recognition stream failed to start", "error", err)
		s.e.metrics.RecordIncident(ctx, "stt")
		s.seal(&call.Next{Action: call.NextCallBack,
			Justification: "speech recognition unavailable"})
		return nil
	}
	s.events = s.bridge.Events()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.player.Run(gctx) })
	g.Go(func() error { s.pumpAudio(gctx); return nil })

	err := s.converse(gctx)

	s.sc.Cancel(errCallOver)
	if cerr := s.bridge.Close(); cerr != nil {
		s.log.Debug("bridge close", "error", cerr)
	}
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		s.log.Warn("session subtask failed", "error", werr)
	}

	switch {
	case s.sc.CancelledWith(lease.ErrLost):
		// Another worker may own the record now; stop touching it.
		s.e.metrics.RecordIncident(s.runCtx, "lease")
		s.log.Error("call lease lost mid-call, abandoning session")
		return nil
	case err != nil && !s.sc.CancelledWith(errCallOver):
		// Worker draining. Persist and hand the call back to the queue.
		s.suspend()
		return err
	}

	s.finalize()
	return nil
}

// pumpAudio forwards caller audio into recognition. The telephony side
// closing its stream counts as a hangup.
func (s *session) pumpAudio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-s.leg.AudioIn():
			if !ok {
				s.deliverMedia(queue.MediaEvent{CallID: s.call.ID, Kind: queue.MediaHangup})
				return
			}
			if err := s.bridge.SendAudio(chunk); err != nil {
				s.log.Debug("audio chunk not forwarded", "error", err)
			}
		}
	}
}

// converse is the main state machine: greet, then alternate listening and
// answering until a farewell is due or the caller is gone.
func (s *session) converse(ctx context.Context) error {
	s.state = StateGreeting
	s.detector.Start(s.e.now())
	if err := s.greet(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		if sig := s.pendingTurn; sig != nil {
			s.pendingTurn = nil
			if err := s.humanTurn(ctx, sig.Text); err != nil {
				return err
			}
			continue
		}
		if s.callerGone || s.farewell != "" {
			return s.end(ctx)
		}
		s.state = StateListening

		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-s.events:
			if !ok {
				s.events = nil
				s.log.Error("recognition stream ended mid-call")
				s.e.metrics.RecordIncident(ctx, "stt")
				s.seal(&call.Next{Action: call.NextCallBack,
					Justification: "speech recognition lost mid-call"})
				s.farewell = resolveUtterance(s.call, "goodbye", s.e.cfg.Utterances.Goodbye)
				continue
			}
			s.onRecognition(ctx, evt)

		case now := <-ticker.C:
			for _, sig := range s.detector.Tick(now) {
				if err := s.onSignal(ctx, sig); err != nil {
					return err
				}
			}

		case evt := <-s.mediaCh:
			s.onMedia(evt)

		case evt := <-s.smsCh:
			if err := s.onSMS(ctx, evt); err != nil {
				return err
			}
		}
	}
}

// greet speaks the opening line and records it.
func (s *session) greet(ctx context.Context) error {
	key, fallback := "hello", s.e.cfg.Utterances.Hello
	if len(s.call.Messages) > 0 {
		// Resumed conversation: re-engage instead of introducing again.
		key, fallback = "reengage", s.e.cfg.Utterances.Reengage
	}
	line := resolveUtterance(s.call, key, fallback)
	s.speakLine(ctx, line)
	s.call.AppendMessage(call.Message{
		Action:  call.ActionTalk,
		Persona: call.PersonaAssistant,
		Content: line,
	})
	return s.save(ctx)
}

// onRecognition feeds one recognition event through turn detection and keeps
// the active language in step with what the caller actually speaks.
func (s *session) onRecognition(ctx context.Context, evt stt.Event) {
	if evt.Kind == stt.Final && evt.Language != "" &&
		!strings.EqualFold(evt.Language, s.call.LangCurrent) {
		if err := s.call.SetLanguage(evt.Language); err == nil {
			s.log.Info("caller switched language", "lang", evt.Language)
			if berr := s.bridge.SetLanguage(evt.Language); berr != nil {
				s.log.Warn("recognition language switch failed", "error", berr)
			}
		}
	}
	for _, sig := range s.detector.Feed(evt) {
		if err := s.onSignal(ctx, sig); err != nil {
			s.log.Warn("signal handling failed", "error", err)
		}
	}
}

// onSignal reacts to a detector signal while listening.
func (s *session) onSignal(ctx context.Context, sig turn.Signal) error {
	switch sig.Kind {
	case turn.TurnEnded:
		return s.humanTurn(ctx, sig.Text)
	case turn.IdleWarn:
		return s.onIdle(ctx)
	case turn.BargeIn:
		// No assistant speech to interrupt while listening.
	}
	return nil
}

// onIdle nudges a silent caller, and gives up after the configured number of
// consecutive dead turns.
func (s *session) onIdle(ctx context.Context) error {
	s.call.RecognitionRetry++
	if s.call.RecognitionRetry >= s.conv.RecognitionRetryMax {
		s.log.Info("caller unresponsive, ending call",
			"retries", s.call.RecognitionRetry)
		s.seal(&call.Next{Action: call.NextSilence,
			Justification: "caller stayed silent through repeated prompts"})
		s.farewell = resolveUtterance(s.call, "goodbye", s.e.cfg.Utterances.Goodbye)
		return s.save(ctx)
	}
	line := resolveUtterance(s.call, "reengage", s.e.cfg.Utterances.Reengage)
	s.speakLine(ctx, line)
	s.call.AppendMessage(call.Message{
		Action:  call.ActionTalk,
		Persona: call.PersonaAssistant,
		Content: line,
	})
	return s.save(ctx)
}

// onMedia applies one gateway lifecycle event.
func (s *session) onMedia(evt queue.MediaEvent) {
	switch evt.Kind {
	case queue.MediaHangup:
		s.log.Info("caller hung up")
		s.callerGone = true
		s.player.Cancel()
		s.sounds.Stop()
	case queue.MediaTransferred:
		s.callerGone = true
	case queue.MediaRecordingStarted:
		if evt.Payload != "" {
			s.call.RecordingURI = evt.Payload
		}
	case queue.MediaRecordingStopped, queue.MediaConnected:
		// Nothing to track.
	}
}

// onSMS folds a text message received mid-call into the conversation. The
// content is not read aloud; the caller just hears that it arrived.
func (s *session) onSMS(ctx context.Context, evt queue.InboundSMS) error {
	if s.call.SeenEvent(smsFingerprint(evt)) {
		return nil
	}
	s.call.AppendMessage(call.Message{
		Action:  call.ActionSMS,
		Persona: call.PersonaHuman,
		Content: evt.Body,
	})
	s.speakLine(ctx, resolveUtterance(s.call, "sms_cue", s.e.cfg.Utterances.SMSCue))
	return s.save(ctx)
}

// humanTurn records the caller's utterance and produces the reply.
func (s *session) humanTurn(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if c := s.e.deps.Corrector; c != nil {
		corrected, changes := c.Correct(text, c.Vocabulary(s.call))
		if len(changes) > 0 {
			s.log.Debug("transcript corrected", "corrections", len(changes))
		}
		text = corrected
	}
	s.call.RecognitionRetry = 0
	s.call.AppendMessage(call.Message{
		Action:  call.ActionTalk,
		Persona: call.PersonaHuman,
		Content: text,
	})
	if err := s.save(ctx); err != nil {
		s.log.Error("human turn not persisted", "error", err)
	}
	s.markTurnStart()
	return s.answer(ctx)
}

// end plays the farewell and tears the leg down.
func (s *session) end(ctx context.Context) error {
	s.state = StateEnding
	if !s.callerGone {
		if s.transferTo != "" {
			s.speakLine(ctx, s.farewell)
			if err := s.leg.Transfer(ctx, s.transferTo); err != nil {
				s.log.Error("transfer failed, hanging up", "error", err)
				s.e.metrics.RecordIncident(ctx, "transfer")
				if herr := s.leg.Hangup(ctx); herr != nil {
					s.log.Warn("hangup failed", "error", herr)
				}
			}
		} else {
			if s.farewell != "" {
				s.speakLine(ctx, s.farewell)
			}
			if err := s.leg.Hangup(ctx); err != nil {
				s.log.Warn("hangup failed", "error", err)
			}
		}
		s.awaitHangup(ctx)
	}
	s.state = StateClosed
	return nil
}

// awaitHangup waits briefly for the gateway to confirm the leg is down.
func (s *session) awaitHangup(ctx context.Context) {
	timer := time.NewTimer(hangupWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case evt := <-s.mediaCh:
			s.onMedia(evt)
			if s.callerGone {
				return
			}
		}
	}
}

// seal fixes the call outcome. The first decision wins.
func (s *session) seal(next *call.Next) {
	if s.call.Next == nil {
		s.call.Next = next
	}
}

// suspend persists mid-call state for resumption on another worker. The
// incoming_call fingerprint is dropped so the redelivered event is not
// mistaken for a duplicate.
func (s *session) suspend() {
	ctx := context.WithoutCancel(s.runCtx)
	if s.eventID != "" {
		drop := s.call.ID + ":" + s.eventID
		kept := s.call.Fingerprints[:0]
		for _, fp := range s.call.Fingerprints {
			if fp != drop {
				kept = append(kept, fp)
			}
		}
		s.call.Fingerprints = kept
	}
	s.call.InProgress = false
	if err := s.e.saveCall(ctx, s.call); err != nil {
		s.log.Error("suspend save failed", "error", err)
		return
	}
	s.log.Info("call suspended for resumption")
}

// finalize seals and persists the record and kicks off post-call work.
func (s *session) finalize() {
	ctx := context.WithoutCancel(s.runCtx)

	persona := call.PersonaAssistant
	content := "assistant ended the call"
	if s.callerGone && s.farewell == "" {
		persona = call.PersonaHuman
		content = "caller disconnected"
	}
	s.call.AppendMessage(call.Message{
		Action:  call.ActionHangup,
		Persona: persona,
		Content: content,
	})
	s.seal(&call.Next{Action: call.NextCaseClosed,
		Justification: "caller ended the call"})
	s.call.InProgress = false

	if err := s.save(ctx); err != nil {
		s.log.Error("final save failed", "error", err)
		s.e.metrics.RecordIncident(ctx, "finalize")
		return
	}
	if err := s.e.deps.Dispatcher.CallClosed(ctx, s.call); err != nil {
		s.log.Error("post-call dispatch failed", "error", err)
		s.e.metrics.RecordIncident(ctx, "dispatch")
	}
	s.log.Info("call closed", "next", s.call.Next.Action, "messages", len(s.call.Messages))
}

func (s *session) save(ctx context.Context) error {
	return s.e.saveCall(ctx, s.call)
}

// speakLine renders one canned line in the caller's language and waits for
// playback. Failures degrade to silence rather than ending the call.
func (s *session) speakLine(ctx context.Context, text string) {
	if text == "" {
		return
	}
	rendered := text
	if t := s.e.deps.Translator; t != nil &&
		s.call.LangCurrent != "" &&
		!strings.EqualFold(s.call.LangCurrent, s.e.cfg.PivotLanguage) {
		translated, err := t.Translate(ctx, text, s.e.cfg.PivotLanguage, s.call.LangCurrent)
		if err != nil {
			s.log.Warn("canned line translation failed", "error", err)
		} else {
			rendered = translated
		}
	}
	u, err := s.player.Speak(ctx, tts.Request{
		Text:     rendered,
		Language: s.call.LangCurrent,
		Voice:    s.voiceID(),
	})
	if err != nil {
		s.log.Warn("canned line rejected", "error", err)
		return
	}
	select {
	case <-u.Done():
	case <-ctx.Done():
	}
}

// smsFingerprint derives a dedup key for a mid-call text message.
func smsFingerprint(evt queue.InboundSMS) string {
	return "sms:" + evt.From + ":" + evt.ReceivedAt.UTC().Format(time.RFC3339Nano)
}
