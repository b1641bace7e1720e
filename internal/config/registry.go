package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/embeddings"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/safety"
	"github.com/voxloop/voxloop/pkg/provider/sms"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/translate"
	"github.com/voxloop/voxloop/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// exists under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// providerSet holds the named factories for one provider kind.
type providerSet[T any] struct {
	kind string

	mu        sync.RWMutex
	factories map[string]func(ProviderEntry) (T, error)
}

func newProviderSet[T any](kind string) providerSet[T] {
	return providerSet[T]{
		kind:      kind,
		factories: make(map[string]func(ProviderEntry) (T, error)),
	}
}

// register stores a factory under name, replacing any previous one.
func (s *providerSet[T]) register(name string, factory func(ProviderEntry) (T, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[name] = factory
}

// create runs the factory registered under entry.Name.
func (s *providerSet[T]) create(entry ProviderEntry) (T, error) {
	s.mu.RLock()
	factory, ok := s.factories[entry.Name]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, s.kind, entry.Name)
	}
	return factory(entry)
}

// Registry maps provider names to constructors, one namespace per provider
// kind. Safe for concurrent use.
type Registry struct {
	llm        providerSet[llm.Provider]
	stt        providerSet[stt.Provider]
	tts        providerSet[tts.Provider]
	embeddings providerSet[embeddings.Provider]
	translate  providerSet[translate.Translator]
	safety     providerSet[safety.Filter]
	sms        providerSet[sms.Sender]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:        newProviderSet[llm.Provider]("llm"),
		stt:        newProviderSet[stt.Provider]("stt"),
		tts:        newProviderSet[tts.Provider]("tts"),
		embeddings: newProviderSet[embeddings.Provider]("embeddings"),
		translate:  newProviderSet[translate.Translator]("translate"),
		safety:     newProviderSet[safety.Filter]("safety"),
		sms:        newProviderSet[sms.Sender]("sms"),
	}
}

func (r *Registry) RegisterLLM(name string, f func(ProviderEntry) (llm.Provider, error)) {
	r.llm.register(name, f)
}

func (r *Registry) RegisterSTT(name string, f func(ProviderEntry) (stt.Provider, error)) {
	r.stt.register(name, f)
}

func (r *Registry) RegisterTTS(name string, f func(ProviderEntry) (tts.Provider, error)) {
	r.tts.register(name, f)
}

func (r *Registry) RegisterEmbeddings(name string, f func(ProviderEntry) (embeddings.Provider, error)) {
	r.embeddings.register(name, f)
}

func (r *Registry) RegisterTranslate(name string, f func(ProviderEntry) (translate.Translator, error)) {
	r.translate.register(name, f)
}

func (r *Registry) RegisterSafety(name string, f func(ProviderEntry) (safety.Filter, error)) {
	r.safety.register(name, f)
}

func (r *Registry) RegisterSMS(name string, f func(ProviderEntry) (sms.Sender, error)) {
	r.sms.register(name, f)
}

// CreateLLM instantiates the LLM provider named by entry. It and the other
// Create methods return [ErrProviderNotRegistered] for unknown names, which
// startup treats as "configured but not compiled in".
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(entry)
}

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(entry)
}

func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return r.tts.create(entry)
}

func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.create(entry)
}

func (r *Registry) CreateTranslate(entry ProviderEntry) (translate.Translator, error) {
	return r.translate.create(entry)
}

func (r *Registry) CreateSafety(entry ProviderEntry) (safety.Filter, error) {
	return r.safety.create(entry)
}

func (r *Registry) CreateSMS(entry ProviderEntry) (sms.Sender, error) {
	return r.sms.create(entry)
}
