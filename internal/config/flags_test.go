package config

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubSource is an in-memory FlagSource counting lookups.
type stubSource struct {
	values  map[string]string
	err     error
	lookups int
}

func (s *stubSource) Lookup(_ context.Context, name string) (string, bool, error) {
	s.lookups++
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.values[name]
	return v, ok, nil
}

func TestFlags_TypedAccessors(t *testing.T) {
	t.Parallel()
	src := &stubSource{values: map[string]string{
		FlagSlowLLMForChat:      "true",
		FlagRecognitionRetryMax: "5",
		"vad_threshold":         "0.65",
		FlagRecordingEnabled:    "not-a-bool",
	}}
	f := NewFlags(src)
	ctx := context.Background()

	if !f.Bool(ctx, FlagSlowLLMForChat, false) {
		t.Error("slow_llm_for_chat: want true")
	}
	if got := f.Int(ctx, FlagRecognitionRetryMax, 3); got != 5 {
		t.Errorf("recognition_retry_max: %d", got)
	}
	if got := f.Float(ctx, "vad_threshold", 0.5); got != 0.65 {
		t.Errorf("vad_threshold: %v", got)
	}

	// Unset flags fall back to the default.
	if f.Bool(ctx, "no_such_flag", false) {
		t.Error("unset flag did not use default")
	}
	// Unparseable values fall back too.
	if f.Bool(ctx, FlagRecordingEnabled, true) != true {
		t.Error("unparseable flag did not use default")
	}
}

func TestFlags_CachesWithinTTL(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	src := &stubSource{values: map[string]string{FlagRecognitionRetryMax: "5"}}
	f := NewFlags(src, withFlagClock(func() time.Time { return now }))
	ctx := context.Background()

	f.Int(ctx, FlagRecognitionRetryMax, 3)
	f.Int(ctx, FlagRecognitionRetryMax, 3)
	f.Int(ctx, FlagRecognitionRetryMax, 3)
	if src.lookups != 1 {
		t.Errorf("lookups within TTL: %d, want 1", src.lookups)
	}

	// Past the TTL the value is refreshed.
	src.values[FlagRecognitionRetryMax] = "7"
	now = now.Add(defaultFlagTTL + time.Second)
	if got := f.Int(ctx, FlagRecognitionRetryMax, 3); got != 7 {
		t.Errorf("refreshed value: %d", got)
	}
	if src.lookups != 2 {
		t.Errorf("lookups after TTL: %d, want 2", src.lookups)
	}
}

func TestFlags_SourceErrorKeepsLastValue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	src := &stubSource{values: map[string]string{FlagSlowLLMForChat: "true"}}
	f := NewFlags(src, withFlagClock(func() time.Time { return now }))
	ctx := context.Background()

	if !f.Bool(ctx, FlagSlowLLMForChat, false) {
		t.Fatal("initial lookup failed")
	}

	// Redis goes away; the cached value keeps serving.
	src.err = errors.New("connection refused")
	now = now.Add(defaultFlagTTL + time.Second)
	if !f.Bool(ctx, FlagSlowLLMForChat, false) {
		t.Error("stale value not served on source error")
	}
}

func TestFlags_ConversationOverrides(t *testing.T) {
	t.Parallel()
	src := &stubSource{values: map[string]string{
		FlagVADSilenceMS:       "900",
		FlagAnswerHardTimeoutS: "20",
	}}
	f := NewFlags(src)

	conv := f.Conversation(context.Background(), ConversationConfig{})
	if conv.VADSilenceMS != 900 {
		t.Errorf("vad_silence_ms: %d", conv.VADSilenceMS)
	}
	if conv.AnswerHardTimeoutS != 20 {
		t.Errorf("answer_hard_timeout_s: %d", conv.AnswerHardTimeoutS)
	}
	// Flags that are unset keep the config defaults.
	if conv.AnswerSoftTimeoutS != 4 || conv.RecognitionRetryMax != 3 {
		t.Errorf("defaults lost: %+v", conv)
	}
}
