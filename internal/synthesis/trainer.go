package synthesis

import (
	"context"
	"fmt"
	"strings"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/rag"
)

// Trainer turns a finished conversation into indexed knowledge. Each human
// turn paired with the assistant reply that followed it becomes one Q/A
// document, so the next caller asking the same thing gets the answer through
// retrieval instead of a fresh reasoning pass.
type Trainer struct {
	index rag.Index
}

// NewTrainer builds a trainer writing to index.
func NewTrainer(index rag.Index) *Trainer {
	return &Trainer{index: index}
}

// Train extracts the Q/A pairs of cl and upserts them. Document IDs derive
// from the call ID and pair position, so re-running a redelivered job
// replaces rather than duplicates.
func (t *Trainer) Train(ctx context.Context, cl *call.Call) (int, error) {
	docs := ExtractPairs(cl)
	if len(docs) == 0 {
		return 0, nil
	}
	if err := t.index.Upsert(ctx, docs); err != nil {
		return 0, fmt.Errorf("synthesis: index %d documents for call %s: %w", len(docs), cl.ID, err)
	}
	return len(docs), nil
}

// ExtractPairs walks the conversation and emits one document per answered
// human turn. Consecutive human messages merge into one question; assistant
// messages with no preceding question (the greeting) are skipped.
func ExtractPairs(cl *call.Call) []rag.Document {
	var docs []rag.Document
	var question []string
	for _, msg := range cl.Messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Persona {
		case call.PersonaHuman:
			question = append(question, msg.Content)
		case call.PersonaAssistant:
			if len(question) == 0 {
				continue
			}
			docs = append(docs, rag.Document{
				ID:        fmt.Sprintf("%s:%d", cl.ID, len(docs)),
				Source:    cl.ID,
				Content:   "Q: " + strings.Join(question, " ") + "\nA: " + msg.Content,
				CreatedAt: msg.CreatedAt,
			})
			question = question[:0]
		}
	}
	return docs
}
