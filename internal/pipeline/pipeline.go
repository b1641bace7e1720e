// Package pipeline turns a completion token stream into spoken sentences.
//
// Tokens accumulate into sentences; each completed sentence is translated to
// the caller's language when it differs from the model pivot, screened by the
// content-safety filter, and handed to the media player with the turn's
// style. Tool calls ride the same stream and are collected for the
// orchestrator, never spoken. Barge-in and the soft/hard answer timeouts cut
// the turn short.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/llm"
	"github.com/voxloop/voxloop/internal/media"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/safety"
	"github.com/voxloop/voxloop/pkg/provider/translate"
	"github.com/voxloop/voxloop/pkg/provider/tts"
)

// Voice is the playback surface the pipeline speaks through. *media.Player
// satisfies it.
type Voice interface {
	Speak(ctx context.Context, req tts.Request) (*media.Utterance, error)
	Cancel()
}

// Config tunes one pipeline. Zero values take the defaults.
type Config struct {
	// MaxSentenceChars force-flushes a sentence that never terminates.
	// Default 120.
	MaxSentenceChars int

	// SoftTimeout is the wait before the "still working" cue when no
	// sentence has been spoken yet. Default 4s.
	SoftTimeout time.Duration

	// HardTimeout aborts the turn outright. Default 15s.
	HardTimeout time.Duration

	// PivotLanguage is the language the model is prompted in. Sentences are
	// translated when the caller's language differs. Default "en-US".
	PivotLanguage string

	// Voice is the provider voice identifier passed through to TTS.
	Voice string

	// SoftCue and Apology are the canned lines for the two timeouts.
	SoftCue string
	Apology string
}

const (
	defaultMaxSentenceChars = 120
	defaultSoftTimeout      = 4 * time.Second
	defaultHardTimeout      = 15 * time.Second
	defaultPivot            = "en-US"
	defaultSoftCue          = "Give me a moment, I am checking that for you."
	defaultApology          = "I am sorry, something went wrong on my side. Could you say that again?"
)

func (c Config) withDefaults() Config {
	if c.MaxSentenceChars <= 0 {
		c.MaxSentenceChars = defaultMaxSentenceChars
	}
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = defaultSoftTimeout
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = defaultHardTimeout
	}
	if c.PivotLanguage == "" {
		c.PivotLanguage = defaultPivot
	}
	if c.SoftCue == "" {
		c.SoftCue = defaultSoftCue
	}
	if c.Apology == "" {
		c.Apology = defaultApology
	}
	return c
}

// Sentence is one extracted sentence and its fate.
type Sentence struct {
	Text     string // pivot-language text, markers stripped
	Rendered string // what was sent to TTS, after translation
	Spoken   bool   // reached the caller, at least partially
	Filtered bool   // dropped by the safety filter
}

// Result summarizes one completed (or cut short) turn.
type Result struct {
	// Style extracted from the leading reply markers.
	Style call.Style

	// Sentences in emission order.
	Sentences []Sentence

	// ToolCalls completed during the stream, with repaired arguments.
	ToolCalls []pllm.ToolCall

	// InvalidCalls are tool calls whose arguments stayed broken.
	InvalidCalls []llm.ToolCallError

	// FinishReason of the underlying completion, empty when cut short.
	FinishReason string

	// Filtered is set when at least one sentence was blocked.
	Filtered bool

	// BargedIn is set when the caller interrupted the reply.
	BargedIn bool

	// Aborted is set when the hard timeout fired.
	Aborted bool
}

// Text returns the full reply in the pivot language, spoken or not.
func (r *Result) Text() string {
	parts := make([]string, 0, len(r.Sentences))
	for _, s := range r.Sentences {
		if !s.Filtered {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}

// SpokenText returns only what the caller actually heard, which is what gets
// persisted after a barge-in.
func (r *Result) SpokenText() string {
	parts := make([]string, 0, len(r.Sentences))
	for _, s := range r.Sentences {
		if s.Spoken {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Pipeline converts completion streams into speech. Safe for concurrent use;
// run one turn at a time per call.
type Pipeline struct {
	voice           Voice
	translator      translate.Translator
	filter          safety.Filter
	log             *slog.Logger
	cfg             Config
	onFirstSentence func()
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLogger sets the pipeline logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithFirstSentenceHook runs fn when the first speakable sentence of a turn is
// handed to the voice. The orchestrator uses it to stop the thinking tone the
// moment real speech begins.
func WithFirstSentenceHook(fn func()) Option {
	return func(p *Pipeline) {
		p.onFirstSentence = fn
	}
}

// New builds a pipeline. A nil translator or filter falls back to
// translate.Noop and safety.AllowAll.
func New(voice Voice, translator translate.Translator, filter safety.Filter, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		voice:      voice,
		translator: translator,
		filter:     filter,
		log:        slog.Default(),
		cfg:        cfg.withDefaults(),
	}
	if p.translator == nil {
		p.translator = translate.Noop{}
	}
	if p.filter == nil {
		p.filter = safety.AllowAll{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// pending pairs an emitted sentence with its in-flight utterance.
type pending struct {
	index     int
	utterance *media.Utterance
}

// Run consumes one completion stream and speaks it in lang. A receive on
// interrupt is a barge-in: in-flight speech is cancelled, no further
// sentences are accepted, and what was already spoken stays in the result.
func (p *Pipeline) Run(ctx context.Context, chunks <-chan llm.Chunk, lang string, interrupt <-chan struct{}) (*Result, error) {
	res := &Result{Style: call.StyleNone}

	soft := time.NewTimer(p.cfg.SoftTimeout)
	defer soft.Stop()
	hard := time.NewTimer(p.cfg.HardTimeout)
	defer hard.Stop()

	var (
		buffer      strings.Builder
		inflight    []pending
		markersDone bool
		cued        bool
	)

	emit := func(sentence string) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			return
		}
		if !markersDone {
			// Leading reply markers apply to the whole turn.
			style, rest := call.ExtractStyle(call.RemoveAction(sentence))
			res.Style = style
			sentence = strings.TrimSpace(rest)
			markersDone = true
			soft.Stop()
			if sentence == "" {
				return
			}
		}
		idx := len(res.Sentences)
		res.Sentences = append(res.Sentences, Sentence{Text: sentence})
		if idx == 0 && p.onFirstSentence != nil {
			p.onFirstSentence()
		}

		rendered, ok := p.prepare(ctx, sentence, lang)
		if !ok {
			res.Sentences[idx].Filtered = true
			res.Filtered = true
			return
		}
		res.Sentences[idx].Rendered = rendered

		u, err := p.voice.Speak(ctx, tts.Request{
			Text:     rendered,
			Language: lang,
			Voice:    p.cfg.Voice,
			Style:    string(res.Style),
		})
		if err != nil {
			p.log.Warn("sentence playback rejected", "err", err)
			return
		}
		inflight = append(inflight, pending{index: idx, utterance: u})
	}

stream:
	for {
		select {
		case <-ctx.Done():
			p.voice.Cancel()
			p.settle(res, inflight)
			return res, ctx.Err()

		case <-interrupt:
			res.BargedIn = true
			p.voice.Cancel()
			go drain(chunks)
			break stream

		case <-soft.C:
			if len(res.Sentences) == 0 && !cued {
				cued = true
				p.speakCue(ctx, p.cfg.SoftCue, lang)
			}

		case <-hard.C:
			res.Aborted = true
			p.voice.Cancel()
			go drain(chunks)
			p.log.Error("turn aborted, no full response within hard timeout",
				"timeout", p.cfg.HardTimeout)
			p.speakCue(ctx, p.cfg.Apology, lang)
			break stream

		case chunk, ok := <-chunks:
			if !ok {
				emit(buffer.String())
				buffer.Reset()
				break stream
			}
			if chunk.FinishReason != "" {
				res.FinishReason = chunk.FinishReason
			}
			res.ToolCalls = append(res.ToolCalls, chunk.ToolCalls...)
			res.InvalidCalls = append(res.InvalidCalls, chunk.Invalid...)
			if chunk.Text == "" {
				continue
			}
			buffer.WriteString(chunk.Text)
			complete, rest := splitSentences(buffer.String(), p.cfg.MaxSentenceChars)
			if len(complete) > 0 {
				buffer.Reset()
				buffer.WriteString(rest)
				for _, s := range complete {
					emit(s)
				}
			}
		}
	}

	p.settle(res, inflight)
	return res, nil
}

// prepare translates and screens one sentence. ok is false when the filter
// blocks it.
func (p *Pipeline) prepare(ctx context.Context, sentence, lang string) (string, bool) {
	rendered := sentence
	if lang != "" && !strings.EqualFold(lang, p.cfg.PivotLanguage) {
		translated, err := p.translator.Translate(ctx, sentence, p.cfg.PivotLanguage, lang)
		if err != nil {
			// Better the pivot language than silence.
			p.log.Warn("sentence translation failed", "err", err)
		} else {
			rendered = translated
		}
	}

	verdict, err := p.filter.Check(ctx, rendered, nil)
	if err != nil {
		p.log.Warn("safety check failed, sentence allowed", "err", err)
		return rendered, true
	}
	if !verdict.Allowed {
		p.log.Warn("sentence blocked by safety filter", "categories", verdict.Categories)
		return "", false
	}
	return rendered, true
}

// speakCue plays a canned line outside the sentence bookkeeping.
func (p *Pipeline) speakCue(ctx context.Context, text, lang string) {
	if _, err := p.voice.Speak(ctx, tts.Request{Text: text, Language: lang, Voice: p.cfg.Voice}); err != nil {
		p.log.Warn("cue playback rejected", "err", err)
	}
}

// settle waits for in-flight utterances and marks which sentences were heard.
func (p *Pipeline) settle(res *Result, inflight []pending) {
	for _, pd := range inflight {
		select {
		case <-pd.utterance.Done():
		case <-time.After(30 * time.Second):
			p.log.Error("utterance never settled", "text", res.Sentences[pd.index].Text)
			continue
		}
		u := pd.utterance
		if u.Err() == nil && (!u.Cancelled() || u.PlayedChunks() > 0) {
			res.Sentences[pd.index].Spoken = true
		}
	}
}

// drain unblocks the producer of an abandoned stream.
func drain(chunks <-chan llm.Chunk) {
	for range chunks {
	}
}
