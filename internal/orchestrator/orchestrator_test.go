package orchestrator_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/dispatch"
	"github.com/voxloop/voxloop/internal/lease"
	"github.com/voxloop/voxloop/internal/llm"
	"github.com/voxloop/voxloop/internal/orchestrator"
	"github.com/voxloop/voxloop/internal/prompt"
	"github.com/voxloop/voxloop/internal/queue"
	"github.com/voxloop/voxloop/internal/store"
	"github.com/voxloop/voxloop/internal/tools"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
	smsmock "github.com/voxloop/voxloop/pkg/provider/sms/mock"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	sttmock "github.com/voxloop/voxloop/pkg/provider/stt/mock"
	ttsmock "github.com/voxloop/voxloop/pkg/provider/tts/mock"
)

// fakeLeg is an in-memory media leg. Closing the inbound audio stream stands
// in for the telephony side dropping the call.
type fakeLeg struct {
	audioIn chan []byte

	mu        sync.Mutex
	played    int
	hangups   int
	transfers []string
	closeOnce sync.Once
}

func newFakeLeg() *fakeLeg {
	return &fakeLeg{audioIn: make(chan []byte, 16)}
}

func (l *fakeLeg) Play(_ context.Context, pcm []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.played += len(pcm)
	return nil
}

func (l *fakeLeg) AudioIn() <-chan []byte { return l.audioIn }

func (l *fakeLeg) Hangup(context.Context) error {
	l.mu.Lock()
	l.hangups++
	l.mu.Unlock()
	l.close()
	return nil
}

func (l *fakeLeg) Transfer(_ context.Context, to string) error {
	l.mu.Lock()
	l.transfers = append(l.transfers, to)
	l.mu.Unlock()
	l.close()
	return nil
}

func (l *fakeLeg) close() {
	l.closeOnce.Do(func() { close(l.audioIn) })
}

func (l *fakeLeg) hangupCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hangups
}

func (l *fakeLeg) transferred() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.transfers...)
}

type fakeGateway struct {
	leg *fakeLeg

	mu       sync.Mutex
	attached []string
	dialled  []string
}

func (g *fakeGateway) Attach(_ context.Context, correlationID string) (orchestrator.Leg, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attached = append(g.attached, correlationID)
	return g.leg, nil
}

func (g *fakeGateway) Dial(_ context.Context, to, from string) (orchestrator.Leg, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dialled = append(g.dialled, to+"<-"+from)
	return g.leg, nil
}

type fixture struct {
	eng    *orchestrator.Engine
	store  *store.Memory
	leases *lease.Memory
	queue  *queue.Memory
	llm    *llmmock.Provider
	stt    *sttmock.Provider
	tts    *ttsmock.Provider
	sms    *smsmock.Sender
	leg    *fakeLeg
	gw     *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:  store.NewMemory(),
		leases: lease.NewMemory(),
		queue:  queue.NewMemory(time.Second),
		llm: &llmmock.Provider{
			TokenCount: 10,
			ModelCapabilities: pllm.ModelCapabilities{
				ContextWindow:       8000,
				MaxOutputTokens:     1024,
				SupportsToolCalling: true,
				SupportsStreaming:   true,
			},
		},
		stt: &sttmock.Provider{},
		tts: &ttsmock.Provider{},
		sms: &smsmock.Sender{},
		leg: newFakeLeg(),
	}
	f.gw = &fakeGateway{leg: f.leg}

	driver, err := llm.NewDriver(f.llm, nil)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	reg := tools.NewRegistry()
	if err := reg.RegisterAll(tools.Builtins(tools.BuiltinDeps{SMS: f.sms})); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	eng, err := orchestrator.New(orchestrator.Deps{
		Store:      f.store,
		Leases:     f.leases,
		Queue:      f.queue,
		Registry:   reg,
		Driver:     driver,
		Assembler:  prompt.NewAssembler(),
		STT:        f.stt,
		TTS:        f.tts,
		Gateway:    f.gw,
		Dispatcher: dispatch.New(f.queue, dispatch.NewMemoryMarker()),
		SMS:        f.sms,
	}, orchestrator.Config{
		Conversation: config.ConversationConfig{
			VADSilenceMS:         40,
			VADCutoffMS:          40,
			PhoneSilenceTimeoutS: 1,
			AnswerSoftTimeoutS:   3,
			AnswerHardTimeoutS:   10,
			RecognitionRetryMax:  1,
			CallbackTimeoutHour:  3,
		},
		Workflow: config.WorkflowConfig{
			BotName:          "Ada",
			BotCompany:       "Hartland Insurance",
			AgentPhoneNumber: "+15550100",
			DefaultLanguage:  "en-US",
			Languages:        []string{"en-US", "de-DE"},
			TaskDescription:  "collect storm damage claims",
		},
	}, orchestrator.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.eng = eng
	return f
}

func callEventMsg(t *testing.T, eventID string, evt queue.CallEvent) queue.Message {
	t.Helper()
	body, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return queue.Message{Queue: queue.KindCallEvents, EventID: eventID, Body: body, Attempts: 1}
}

func smsEventMsg(t *testing.T, eventID string, evt queue.InboundSMS) queue.Message {
	t.Helper()
	body, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return queue.Message{Queue: queue.KindSMSEvents, EventID: eventID, Body: body, Attempts: 1}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitSession(t *testing.T, p *sttmock.Provider, n int) *sttmock.Session {
	t.Helper()
	var s *sttmock.Session
	waitFor(t, "recognition session", func() bool {
		s = p.Session(n)
		return s != nil
	})
	return s
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("call session never finished")
		return nil
	}
}

func lastCall(t *testing.T, st *store.Memory, phone string) *call.Call {
	t.Helper()
	cl, err := st.GetLast(context.Background(), phone)
	if err != nil {
		t.Fatalf("GetLast(%s): %v", phone, err)
	}
	return cl
}

// speakTurn pushes one recognized caller utterance through the mock session.
func speakTurn(s *sttmock.Session, text string) {
	now := time.Now()
	s.Emit(stt.Event{Kind: stt.Partial, Text: text, Timestamp: now})
	s.Emit(stt.Event{Kind: stt.Final, Text: text, Timestamp: time.Now()})
}

func startCall(t *testing.T, f *fixture, caller string) <-chan error {
	t.Helper()
	msg := callEventMsg(t, "evt-in", queue.CallEvent{
		Type: queue.EventIncomingCall,
		Incoming: &queue.IncomingCall{
			CallerPhone:   caller,
			CalleePhone:   "+15550999",
			CorrelationID: "corr-1",
		},
	})
	done := make(chan error, 1)
	go func() { done <- f.eng.HandleCallEvent(context.Background(), msg) }()
	return done
}

func TestEngine_CallTurnAndHangup(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamChunks = []pllm.Chunk{
		{Text: "Thank you, I have noted the leak. "},
		{Text: "Is there anything else?", FinishReason: "stop"},
	}

	done := startCall(t, f, "+15550123")
	sess := waitSession(t, f.stt, 0)

	// Greeting plays before the caller says anything.
	waitFor(t, "greeting playback", func() bool { return f.tts.RequestCount() >= 1 })

	speakTurn(sess, "my roof is leaking after the storm")
	waitFor(t, "assistant reply", func() bool { return f.tts.RequestCount() >= 3 })

	f.leg.close() // caller hangs up
	if err := waitDone(t, done); err != nil {
		t.Fatalf("HandleCallEvent: %v", err)
	}

	cl := lastCall(t, f.store, "+15550123")
	if cl.InProgress {
		t.Error("InProgress still set after close")
	}
	if cl.Next == nil || cl.Next.Action != call.NextCaseClosed {
		t.Errorf("Next = %+v, want case_closed", cl.Next)
	}

	var haveHuman, haveReply, haveHangup bool
	for _, m := range cl.Messages {
		switch {
		case m.Persona == call.PersonaHuman && strings.Contains(m.Content, "roof is leaking"):
			haveHuman = true
		case m.Persona == call.PersonaAssistant && strings.Contains(m.Content, "noted the leak"):
			haveReply = true
		case m.Action == call.ActionHangup:
			haveHangup = true
		}
	}
	if !haveHuman || !haveReply || !haveHangup {
		t.Errorf("history incomplete: human=%v reply=%v hangup=%v (%d messages)",
			haveHuman, haveReply, haveHangup, len(cl.Messages))
	}

	// Closing a call queues the synthesis job.
	jobs, err := f.queue.Receive(context.Background(), queue.KindPostCall, 4)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("post_call queue: %d jobs, err %v", len(jobs), err)
	}
	var job queue.PostCallJob
	if err := jobs[0].Decode(&job); err != nil || job.CallID != cl.ID {
		t.Errorf("synthesis job = %+v (err %v), want call %s", job, err, cl.ID)
	}
}

func TestEngine_UpdateClaimTool(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamScript = [][]pllm.Chunk{
		{
			{ToolCalls: []pllm.ToolCall{{
				ID:        "t1",
				Name:      "update_claim",
				Arguments: `{"field":"policy_number","value":"HA-299-X"}`,
			}}},
			{FinishReason: "tool_calls"},
		},
		{
			{Text: "I recorded your policy number.", FinishReason: "stop"},
		},
	}

	done := startCall(t, f, "+15550124")
	sess := waitSession(t, f.stt, 0)
	waitFor(t, "greeting playback", func() bool { return f.tts.RequestCount() >= 1 })

	speakTurn(sess, "my policy number is H A 299 X")
	waitFor(t, "claim update", func() bool {
		cl, err := f.store.GetLast(context.Background(), "+15550124")
		return err == nil && cl.Claim["policy_number"] == "HA-299-X"
	})

	f.leg.close()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("HandleCallEvent: %v", err)
	}

	cl := lastCall(t, f.store, "+15550124")
	var toolMsg, finalText bool
	for _, m := range cl.Messages {
		if m.Persona == call.PersonaTool && m.ToolCallID == "t1" {
			toolMsg = true
		}
		if m.Persona == call.PersonaAssistant && strings.Contains(m.Content, "recorded your policy number") {
			finalText = true
		}
	}
	if !toolMsg || !finalText {
		t.Errorf("tool round not in history: tool=%v text=%v", toolMsg, finalText)
	}
}

func TestEngine_EndCallTool(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamChunks = []pllm.Chunk{
		{ToolCalls: []pllm.ToolCall{{ID: "t1", Name: "end_call", Arguments: `{}`}}},
		{FinishReason: "tool_calls"},
	}

	done := startCall(t, f, "+15550125")
	sess := waitSession(t, f.stt, 0)
	waitFor(t, "greeting playback", func() bool { return f.tts.RequestCount() >= 1 })

	speakTurn(sess, "that was all thank you")
	if err := waitDone(t, done); err != nil {
		t.Fatalf("HandleCallEvent: %v", err)
	}

	if f.leg.hangupCount() == 0 {
		t.Error("assistant never hung up")
	}
	cl := lastCall(t, f.store, "+15550125")
	if cl.Next == nil || cl.Next.Action != call.NextCaseClosed {
		t.Errorf("Next = %+v, want case_closed", cl.Next)
	}
	if cl.InProgress {
		t.Error("InProgress still set")
	}
}

func TestEngine_TransferTool(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamChunks = []pllm.Chunk{
		{ToolCalls: []pllm.ToolCall{{ID: "t1", Name: "talk_to_human", Arguments: `{}`}}},
		{FinishReason: "tool_calls"},
	}

	done := startCall(t, f, "+15550126")
	sess := waitSession(t, f.stt, 0)
	waitFor(t, "greeting playback", func() bool { return f.tts.RequestCount() >= 1 })

	speakTurn(sess, "let me talk to a real person")
	if err := waitDone(t, done); err != nil {
		t.Fatalf("HandleCallEvent: %v", err)
	}

	if got := f.leg.transferred(); len(got) != 1 || got[0] != "+15550100" {
		t.Errorf("transfers = %v, want [+15550100]", got)
	}
	cl := lastCall(t, f.store, "+15550126")
	if cl.Next == nil || cl.Next.Action != call.NextCaseEscalated {
		t.Errorf("Next = %+v, want case_escalated", cl.Next)
	}
}

func TestEngine_SilentCallerEndsCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	done := startCall(t, f, "+15550127")
	waitSession(t, f.stt, 0)

	// Nobody speaks: one idle window, retry budget of one, hang up.
	if err := waitDone(t, done); err != nil {
		t.Fatalf("HandleCallEvent: %v", err)
	}

	if f.leg.hangupCount() == 0 {
		t.Error("line never hung up")
	}
	cl := lastCall(t, f.store, "+15550127")
	if cl.Next == nil || cl.Next.Action != call.NextSilence {
		t.Errorf("Next = %+v, want silence", cl.Next)
	}
}

func TestEngine_BargeInCutsPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tts.Hold = true
	f.llm.StreamScript = [][]pllm.Chunk{
		{
			{Text: "Let me walk you through the whole policy in detail. "},
			{Text: "First of all, the coverage terms.", FinishReason: "stop"},
		},
		{
			{Text: "Sure, go ahead.", FinishReason: "stop"},
		},
	}

	done := startCall(t, f, "+15550128")
	sess := waitSession(t, f.stt, 0)

	// Greeting is held by the mock; release it once requested.
	waitFor(t, "greeting request", func() bool { return f.tts.RequestCount() >= 1 })
	f.tts.Release()

	speakTurn(sess, "tell me about my coverage")
	waitFor(t, "reply synthesis", func() bool { return f.tts.RequestCount() >= 2 })

	// Caller speaks over the held playback long enough to count as barge-in.
	base := time.Now()
	sess.Emit(stt.Event{Kind: stt.Partial, Text: "wait", Timestamp: base})
	sess.Emit(stt.Event{Kind: stt.Partial, Text: "wait actually", Timestamp: base.Add(100 * time.Millisecond)})
	sess.Emit(stt.Event{Kind: stt.Final, Text: "wait actually one question", Timestamp: base.Add(150 * time.Millisecond)})

	// The interrupting speech becomes the next turn and gets its own reply.
	// Its playback is held by the mock too, so keep releasing while polling.
	waitFor(t, "second reply", func() bool {
		f.tts.Release()
		cl, err := f.store.GetLast(context.Background(), "+15550128")
		if err != nil {
			return false
		}
		for _, m := range cl.Messages {
			if m.Persona == call.PersonaAssistant && strings.Contains(m.Content, "go ahead") {
				return true
			}
		}
		return false
	})

	f.leg.close()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("HandleCallEvent: %v", err)
	}

	cl := lastCall(t, f.store, "+15550128")
	for _, m := range cl.Messages {
		if strings.Contains(m.Content, "coverage terms") {
			t.Error("unspoken interrupted sentence was persisted")
		}
	}
}

func TestEngine_BargeInCancelsCompletionStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tts.Hold = true
	f.llm.HoldFirstStream = true
	f.llm.StreamScript = [][]pllm.Chunk{
		{
			{Text: "Let me walk you through the whole policy in detail. "},
		},
		{
			{Text: "Sure, go ahead.", FinishReason: "stop"},
		},
	}

	done := startCall(t, f, "+15550133")
	sess := waitSession(t, f.stt, 0)

	waitFor(t, "greeting request", func() bool { return f.tts.RequestCount() >= 1 })
	f.tts.Release()

	speakTurn(sess, "tell me about my coverage")
	waitFor(t, "reply synthesis", func() bool { return f.tts.RequestCount() >= 2 })

	// Caller speaks over the held playback long enough to count as barge-in.
	base := time.Now()
	sess.Emit(stt.Event{Kind: stt.Partial, Text: "wait", Timestamp: base})
	sess.Emit(stt.Event{Kind: stt.Partial, Text: "wait actually", Timestamp: base.Add(100 * time.Millisecond)})
	sess.Emit(stt.Event{Kind: stt.Final, Text: "wait actually one question", Timestamp: base.Add(150 * time.Millisecond)})

	// The interrupted completion is cancelled outright, not left running in
	// the background: the context handed to the provider goes done.
	waitFor(t, "completion stream cancellation", func() bool {
		f.tts.Release()
		sc := f.llm.StreamContext(0)
		return sc != nil && sc.Err() != nil
	})

	// The conversation survives the cut and answers the interrupting turn.
	waitFor(t, "second reply", func() bool {
		f.tts.Release()
		cl, err := f.store.GetLast(context.Background(), "+15550133")
		if err != nil {
			return false
		}
		for _, m := range cl.Messages {
			if m.Persona == call.PersonaAssistant && strings.Contains(m.Content, "go ahead") {
				return true
			}
		}
		return false
	})

	f.leg.close()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("HandleCallEvent: %v", err)
	}
}

func TestEngine_DuplicateIncomingEventIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamChunks = []pllm.Chunk{
		{ToolCalls: []pllm.ToolCall{{ID: "t1", Name: "end_call", Arguments: `{}`}}},
		{FinishReason: "tool_calls"},
	}

	done := startCall(t, f, "+15550129")
	sess := waitSession(t, f.stt, 0)
	speakTurn(sess, "nothing today thanks")
	if err := waitDone(t, done); err != nil {
		t.Fatalf("HandleCallEvent: %v", err)
	}
	before := len(lastCall(t, f.store, "+15550129").Messages)

	// Same event redelivered after the call closed: the sealed record is
	// left alone and no new session starts.
	msg := callEventMsg(t, "evt-in", queue.CallEvent{
		Type: queue.EventIncomingCall,
		Incoming: &queue.IncomingCall{
			CallerPhone:   "+15550129",
			CalleePhone:   "+15550999",
			CorrelationID: "corr-1",
		},
	})
	if err := f.eng.HandleCallEvent(context.Background(), msg); err != nil {
		t.Fatalf("redelivered HandleCallEvent: %v", err)
	}
	if got := len(lastCall(t, f.store, "+15550129").Messages); got != before {
		t.Errorf("messages grew from %d to %d on duplicate event", before, got)
	}
}

func TestEngine_OrphanHangupSealsCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cl := call.New(call.Initiate{
		BotName:           "Ada",
		BotCompany:        "Hartland Insurance",
		CallerPhoneNumber: "+15550130",
		LanguageDefault:   "en-US",
		Languages:         []string{"en-US"},
	})
	cl.InProgress = true
	if err := f.store.Save(context.Background(), cl); err != nil {
		t.Fatalf("Save: %v", err)
	}

	msg := callEventMsg(t, "evt-h", queue.CallEvent{
		Type:  queue.EventMedia,
		Media: &queue.MediaEvent{CallID: cl.ID, Kind: queue.MediaHangup},
	})
	if err := f.eng.HandleCallEvent(context.Background(), msg); err != nil {
		t.Fatalf("HandleCallEvent: %v", err)
	}

	sealed := lastCall(t, f.store, "+15550130")
	if sealed.InProgress {
		t.Error("InProgress still set")
	}
	if sealed.Next == nil || sealed.Next.Action != call.NextCallBack {
		t.Errorf("Next = %+v, want call_back", sealed.Next)
	}
}

func TestEngine_SMSWithoutLiveCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.CompleteResponse = &pllm.CompletionResponse{
		Content: "Got it, I added that to your file.",
	}

	msg := smsEventMsg(t, "sms-1", queue.InboundSMS{
		From:       "+15550131",
		To:         "+15550999",
		Body:       "the police report number is PR-7712",
		ReceivedAt: time.Now(),
	})
	if err := f.eng.HandleSMSEvent(context.Background(), msg); err != nil {
		t.Fatalf("HandleSMSEvent: %v", err)
	}

	sent := f.sms.Messages()
	if len(sent) != 1 || sent[0].To != "+15550131" ||
		!strings.Contains(sent[0].Body, "added that to your file") {
		t.Fatalf("sms replies = %+v", sent)
	}

	cl := lastCall(t, f.store, "+15550131")
	var haveIn, haveOut bool
	for _, m := range cl.Messages {
		if m.Action == call.ActionSMS && m.Persona == call.PersonaHuman &&
			strings.Contains(m.Content, "PR-7712") {
			haveIn = true
		}
		if m.Action == call.ActionSMS && m.Persona == call.PersonaAssistant {
			haveOut = true
		}
	}
	if !haveIn || !haveOut {
		t.Errorf("sms exchange not recorded: in=%v out=%v", haveIn, haveOut)
	}

	// The same event redelivered must not double-append.
	before := len(cl.Messages)
	if err := f.eng.HandleSMSEvent(context.Background(), msg); err != nil {
		t.Fatalf("redelivered HandleSMSEvent: %v", err)
	}
	if got := len(lastCall(t, f.store, "+15550131").Messages); got != before {
		t.Errorf("messages grew from %d to %d on duplicate sms", before, got)
	}
}

func TestEngine_BusyLeaseSkipsEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cl := call.New(call.Initiate{
		BotName:           "Ada",
		BotCompany:        "Hartland Insurance",
		CallerPhoneNumber: "+15550132",
		LanguageDefault:   "en-US",
		Languages:         []string{"en-US"},
	})
	if err := f.store.Save(context.Background(), cl); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := f.leases.Acquire(context.Background(), lease.CallKey(cl.ID), lease.CallTTL); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	msg := callEventMsg(t, "evt-b", queue.CallEvent{
		Type: queue.EventIncomingCall,
		Incoming: &queue.IncomingCall{
			CallerPhone:   "+15550132",
			CalleePhone:   "+15550999",
			CorrelationID: "corr-1",
		},
	})
	if err := f.eng.HandleCallEvent(context.Background(), msg); err != nil {
		t.Fatalf("HandleCallEvent with busy lease: %v", err)
	}
	if f.eng.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls = %d, want 0", f.eng.ActiveCalls())
	}
}
