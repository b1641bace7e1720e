// Package mock is an in-memory test double for embeddings.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/embeddings"
)

// Provider returns canned vectors without a live model. EmbedFunc maps each
// text to its vector deterministically and backs both Embed and EmbedBatch;
// when nil, a zero vector of DimensionsValue length is returned. Err, when
// set, is returned from both embed methods instead.
type Provider struct {
	EmbedFunc       func(text string) []float32
	Err             error
	DimensionsValue int
	ModelIDValue    string

	mu    sync.Mutex
	texts []string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	vecs, err := p.record(text)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.record(texts...)
}

func (p *Provider) record(texts ...string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if p.EmbedFunc != nil {
			out[i] = p.EmbedFunc(text)
		} else {
			out[i] = make([]float32, p.DimensionsValue)
		}
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.DimensionsValue }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.ModelIDValue }

// Texts returns every string submitted for embedding, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.texts))
	copy(out, p.texts)
	return out
}
