// Package embeddings abstracts text-embedding backends. The vectors feed the
// pgvector documentation index used for retrieval during claim intake.
package embeddings

import "context"

// Provider maps text to dense float32 vectors. Every vector a single Provider
// returns has length Dimensions; vectors from different providers or models
// must not be compared against each other. Implementations are safe for
// concurrent use.
type Provider interface {
	// Embed returns the vector for one text. Text is passed to the backend
	// verbatim; any model-specific prefixing is the caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one backend call, returning vectors in input
	// order. On error no partial results are returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed vector length this provider produces.
	Dimensions() int

	// ModelID identifies the backing model, for logging and for checking that
	// an index was built with the same model it is queried with.
	ModelID() string
}
