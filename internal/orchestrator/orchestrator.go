// Package orchestrator runs the per-call conversation state machine.
//
// One Engine serves a worker process. For every incoming_call event it
// acquires the call lease, loads or creates the Call, attaches the media leg,
// and drives the Greeting -> Listening -> Thinking -> Speaking loop until the
// call reaches Closed. Shared Call state is owned by exactly one goroutine per
// call; recognition, playback, lease renewal, and the completion stream run as
// sub-tasks that report back through channels.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/dispatch"
	"github.com/voxloop/voxloop/internal/lease"
	"github.com/voxloop/voxloop/internal/llm"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/prompt"
	"github.com/voxloop/voxloop/internal/queue"
	"github.com/voxloop/voxloop/internal/store"
	"github.com/voxloop/voxloop/internal/tools"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/provider/safety"
	"github.com/voxloop/voxloop/pkg/provider/sms"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/translate"
	"github.com/voxloop/voxloop/pkg/provider/tts"
)

// State names one phase of the call state machine. Tracked for logging and
// metrics; transitions are driven inside session.run.
type State string

const (
	StateIdle      State = "idle"
	StateGreeting  State = "greeting"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
	StateEnding    State = "ending"
	StateClosed    State = "closed"
)

// ErrNoCall is returned for media or SMS events that reference no known Call.
var ErrNoCall = errors.New("orchestrator: no call for event")

// Leg is the media side of one call, provided by the telephony gateway
// adapter: outbound PCM in, caller PCM out, and the two call-control verbs the
// conversation may trigger. AudioIn closes when the telephony side disconnects.
type Leg interface {
	Play(ctx context.Context, pcm []byte) error
	AudioIn() <-chan []byte
	Hangup(ctx context.Context) error
	Transfer(ctx context.Context, to string) error
}

// Gateway binds calls to media legs. Attach joins an inbound call already
// ringing at the gateway; Dial originates an outbound call and blocks until
// the callee answers or the attempt fails.
type Gateway interface {
	Attach(ctx context.Context, correlationID string) (Leg, error)
	Dial(ctx context.Context, to, from string) (Leg, error)
}

// Deps are the process-wide collaborators shared by all calls.
type Deps struct {
	Store      store.Store
	Leases     lease.Manager
	Queue      queue.Queue
	Registry   *tools.Registry
	Driver     *llm.Driver
	Assembler  *prompt.Assembler
	STT        stt.Provider
	TTS        tts.Provider
	Gateway    Gateway
	Dispatcher *dispatch.Dispatcher

	// Translator and Filter may be nil; the pipeline then runs with
	// translate.Noop and safety.AllowAll.
	Translator translate.Translator
	Filter     safety.Filter

	// SMS sends replies on the text-message path. Nil disables SMS replies.
	SMS sms.Sender

	// Corrector fixes domain terms in recognition finals. Nil skips correction.
	Corrector *transcript.Corrector

	// Flags serves runtime overrides. Nil means config values apply as loaded.
	Flags *config.Flags
}

// Config is the per-deployment tuning handed to every call scope at start.
// Flag overrides are resolved once per call; a flag flipped mid-call applies
// from the next call on.
type Config struct {
	Conversation config.ConversationConfig
	Workflow     config.WorkflowConfig
	Voice        config.VoiceConfig

	// PivotLanguage is the language prompts are authored in. Default "en-US".
	PivotLanguage string

	// SampleRate of the telephony audio in Hz. Default 8000.
	SampleRate int

	// MaxToolRounds bounds completions per human turn. Default 4.
	MaxToolRounds int

	// Utterances are the canned lines; zero fields take the defaults.
	Utterances Utterances
}

func (c Config) withDefaults() Config {
	c.Conversation = c.Conversation.WithDefaults()
	if c.PivotLanguage == "" {
		c.PivotLanguage = "en-US"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 4
	}
	c.Utterances = c.Utterances.withDefaults()
	return c
}

// Utterances are the pre-authored lines the caller hears instead of raw
// errors. {bot_name} and {bot_company} are substituted from the Call;
// per-call overrides come through Initiate.PromptOverrides under the same
// keys ("hello", "reengage", ...).
type Utterances struct {
	Hello     string
	Reengage  string
	Goodbye   string
	Transfer  string
	Apology   string
	SMSCue    string
	StillHere string
}

func (u Utterances) withDefaults() Utterances {
	if u.Hello == "" {
		u.Hello = "Hello, this is {bot_name} from {bot_company}. How can I help you today?"
	}
	if u.Reengage == "" {
		u.Reengage = "I am still here. Take your time, and tell me when you are ready."
	}
	if u.Goodbye == "" {
		u.Goodbye = "Thank you for calling. Goodbye."
	}
	if u.Transfer == "" {
		u.Transfer = "I am transferring you to one of my colleagues now. One moment please."
	}
	if u.Apology == "" {
		u.Apology = "I am sorry, something went wrong on my side. Could you say that again?"
	}
	if u.SMSCue == "" {
		u.SMSCue = "I received your message."
	}
	if u.StillHere == "" {
		u.StillHere = "Give me a moment, I am checking that for you."
	}
	return u
}

// resolve renders one utterance for cl, honoring per-call overrides.
func resolveUtterance(cl *call.Call, key, fallback string) string {
	text := fallback
	if o := cl.Initiate.PromptOverrides[key]; o != "" {
		text = o
	}
	return strings.NewReplacer(
		"{bot_name}", cl.Initiate.BotName,
		"{bot_company}", cl.Initiate.BotCompany,
	).Replace(text)
}

// Engine turns queue events into running call sessions.
// Safe for concurrent use; one instance per process.
type Engine struct {
	deps    Deps
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu      sync.Mutex
	active  map[string]*session // call ID -> live session
	byPhone map[string]*session // caller phone -> live session
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// withClock substitutes the time source in tests.
func withClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New builds an engine. Deps must carry every non-optional collaborator.
func New(deps Deps, cfg Config, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator: store is required")
	case deps.Leases == nil:
		return nil, fmt.Errorf("orchestrator: lease manager is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("orchestrator: queue is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("orchestrator: tool registry is required")
	case deps.Driver == nil:
		return nil, fmt.Errorf("orchestrator: llm driver is required")
	case deps.Assembler == nil:
		return nil, fmt.Errorf("orchestrator: prompt assembler is required")
	case deps.STT == nil || deps.TTS == nil:
		return nil, fmt.Errorf("orchestrator: stt and tts providers are required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("orchestrator: gateway is required")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("orchestrator: dispatcher is required")
	}
	e := &Engine{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		log:     slog.Default(),
		now:     time.Now,
		active:  make(map[string]*session),
		byPhone: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// ActiveCalls reports how many sessions this instance is running.
func (e *Engine) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) register(s *session) {
	e.mu.Lock()
	e.active[s.call.ID] = s
	e.byPhone[s.call.Initiate.CallerPhoneNumber] = s
	e.mu.Unlock()
}

func (e *Engine) unregister(s *session) {
	e.mu.Lock()
	delete(e.active, s.call.ID)
	if e.byPhone[s.call.Initiate.CallerPhoneNumber] == s {
		delete(e.byPhone, s.call.Initiate.CallerPhoneNumber)
	}
	e.mu.Unlock()
}

// rebind moves a live session to a fresh Call (the new_claim tool).
func (e *Engine) rebind(s *session, oldID string) {
	e.mu.Lock()
	delete(e.active, oldID)
	e.active[s.call.ID] = s
	e.mu.Unlock()
}

func (e *Engine) sessionByID(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[id]
}

func (e *Engine) sessionByPhone(phone string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byPhone[phone]
}

// conversation resolves the conversation tuning for a new call scope,
// applying current feature-flag overrides.
func (e *Engine) conversation(ctx context.Context) config.ConversationConfig {
	conv := e.cfg.Conversation
	if e.deps.Flags != nil {
		conv = e.deps.Flags.Conversation(ctx, conv)
	}
	return conv.WithDefaults()
}

// chatTier picks the completion tier for live turns.
func (e *Engine) chatTier(ctx context.Context) llm.Tier {
	if e.deps.Flags != nil && e.deps.Flags.Bool(ctx, config.FlagSlowLLMForChat, false) {
		return llm.TierSlow
	}
	return llm.TierFast
}
