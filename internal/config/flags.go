package config

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Feature flag names recognised by the server. Operators set them in Redis
// under "voxloop:flag:<name>"; unset flags fall back to the caller-supplied
// default.
const (
	// FlagSlowLLMForChat routes live turns through the slow LLM tier, trading
	// latency for quality.
	FlagSlowLLMForChat = "slow_llm_for_chat"

	// FlagRecordingEnabled enables call audio recording.
	FlagRecordingEnabled = "recording_enabled"

	// FlagAnswerSoftTimeoutS overrides conversation.answer_soft_timeout_s.
	FlagAnswerSoftTimeoutS = "answer_soft_timeout_sec"

	// FlagAnswerHardTimeoutS overrides conversation.answer_hard_timeout_s.
	FlagAnswerHardTimeoutS = "answer_hard_timeout_sec"

	// FlagRecognitionRetryMax overrides conversation.recognition_retry_max.
	FlagRecognitionRetryMax = "recognition_retry_max"

	// FlagCallbackTimeoutHour overrides conversation.callback_timeout_hour.
	FlagCallbackTimeoutHour = "callback_timeout_hour"

	// FlagVADSilenceMS overrides conversation.vad_silence_ms.
	FlagVADSilenceMS = "vad_silence_timeout_ms"

	// FlagVADCutoffMS overrides conversation.vad_cutoff_ms.
	FlagVADCutoffMS = "vad_cutoff_timeout_ms"

	// FlagPhoneSilenceTimeoutS overrides conversation.phone_silence_timeout_s.
	FlagPhoneSilenceTimeoutS = "phone_silence_timeout_sec"

	// FlagVADThreshold tunes recognition sensitivity (0.1 to 1.0).
	FlagVADThreshold = "vad_threshold"
)

// flagKeyPrefix namespaces flag keys in Redis.
const flagKeyPrefix = "voxloop:flag:"

// defaultFlagTTL is how long a fetched flag value is served from cache.
const defaultFlagTTL = 60 * time.Second

// FlagSource looks up the raw value of one flag. found is false when the
// flag is not set at all.
type FlagSource interface {
	Lookup(ctx context.Context, name string) (value string, found bool, err error)
}

// RedisSource reads flags from Redis string keys.
type RedisSource struct {
	Client *redis.Client
}

var _ FlagSource = RedisSource{}

// Lookup implements [FlagSource].
func (s RedisSource) Lookup(ctx context.Context, name string) (string, bool, error) {
	val, err := s.Client.Get(ctx, flagKeyPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

type flagEntry struct {
	value     string
	found     bool
	fetchedAt time.Time
}

// Flags serves runtime feature flags with a short cache so the hot path
// never waits on Redis more than once per TTL per flag. Lookup failures fall
// back to the default value; the flag system must never take a call down.
//
// Safe for concurrent use.
type Flags struct {
	src FlagSource
	ttl time.Duration
	log *slog.Logger
	now func() time.Time

	mu    sync.Mutex
	cache map[string]flagEntry
}

// FlagsOption configures [Flags].
type FlagsOption func(*Flags)

// WithFlagTTL overrides the cache TTL. The default is 60 seconds.
func WithFlagTTL(d time.Duration) FlagsOption {
	return func(f *Flags) {
		if d > 0 {
			f.ttl = d
		}
	}
}

// WithFlagsLogger sets the logger. Defaults to slog.Default.
func WithFlagsLogger(log *slog.Logger) FlagsOption {
	return func(f *Flags) {
		f.log = log
	}
}

// withFlagClock substitutes the time source in tests.
func withFlagClock(now func() time.Time) FlagsOption {
	return func(f *Flags) {
		f.now = now
	}
}

// NewFlags returns a flag reader over src.
func NewFlags(src FlagSource, opts ...FlagsOption) *Flags {
	f := &Flags{
		src:   src,
		ttl:   defaultFlagTTL,
		log:   slog.Default(),
		now:   time.Now,
		cache: make(map[string]flagEntry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// lookup serves name from cache, refreshing it when the entry is older than
// the TTL. On source errors the stale entry (or absence) is kept.
func (f *Flags) lookup(ctx context.Context, name string) (string, bool) {
	f.mu.Lock()
	entry, cached := f.cache[name]
	f.mu.Unlock()
	if cached && f.now().Sub(entry.fetchedAt) < f.ttl {
		return entry.value, entry.found
	}

	value, found, err := f.src.Lookup(ctx, name)
	if err != nil {
		f.log.Warn("feature flag lookup failed", "flag", name, "err", err)
		return entry.value, entry.found
	}

	f.mu.Lock()
	f.cache[name] = flagEntry{value: value, found: found, fetchedAt: f.now()}
	f.mu.Unlock()
	return value, found
}

// Bool returns the flag as a boolean, or def when unset or unparseable.
func (f *Flags) Bool(ctx context.Context, name string, def bool) bool {
	raw, found := f.lookup(ctx, name)
	if !found {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		f.log.Warn("feature flag is not a boolean", "flag", name, "value", raw)
		return def
	}
	return v
}

// Int returns the flag as an integer, or def when unset or unparseable.
func (f *Flags) Int(ctx context.Context, name string, def int) int {
	raw, found := f.lookup(ctx, name)
	if !found {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		f.log.Warn("feature flag is not an integer", "flag", name, "value", raw)
		return def
	}
	return v
}

// Float returns the flag as a float, or def when unset or unparseable.
func (f *Flags) Float(ctx context.Context, name string, def float64) float64 {
	raw, found := f.lookup(ctx, name)
	if !found {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		f.log.Warn("feature flag is not a number", "flag", name, "value", raw)
		return def
	}
	return v
}

// Conversation returns conv with every flag-overridable timing replaced by
// its current flag value.
func (f *Flags) Conversation(ctx context.Context, conv ConversationConfig) ConversationConfig {
	conv = conv.WithDefaults()
	conv.VADSilenceMS = f.Int(ctx, FlagVADSilenceMS, conv.VADSilenceMS)
	conv.VADCutoffMS = f.Int(ctx, FlagVADCutoffMS, conv.VADCutoffMS)
	conv.PhoneSilenceTimeoutS = f.Int(ctx, FlagPhoneSilenceTimeoutS, conv.PhoneSilenceTimeoutS)
	conv.AnswerSoftTimeoutS = f.Int(ctx, FlagAnswerSoftTimeoutS, conv.AnswerSoftTimeoutS)
	conv.AnswerHardTimeoutS = f.Int(ctx, FlagAnswerHardTimeoutS, conv.AnswerHardTimeoutS)
	conv.RecognitionRetryMax = f.Int(ctx, FlagRecognitionRetryMax, conv.RecognitionRetryMax)
	conv.CallbackTimeoutHour = f.Int(ctx, FlagCallbackTimeoutHour, conv.CallbackTimeoutHour)
	return conv
}
