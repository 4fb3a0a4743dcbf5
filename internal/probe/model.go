// Package probe defines the contract of the masked language model being probed
// and provides an HTTP client for a remote inference server.
package probe

import (
	"context"
	"fmt"
)

// Tokenizer splits text into model tokens.
type Tokenizer interface {
	Tokenize(ctx context.Context, text string) ([]string, error)
	MaskToken() string
}

// Model is a masked language model. Implementations are treated as blocking and
// non-reentrant: callers invoke them from a single goroutine.
type Model interface {
	Tokenizer

	// BatchGeneration runs one forward pass over a batch.
	BatchGeneration(ctx context.Context, req GenerationRequest) (*Generation, error)

	// Vocab returns the ordered id -> surface form table.
	Vocab() []string

	// TokenID returns the ids of label's tokens, or nil if label contains
	// a token outside the vocabulary.
	TokenID(ctx context.Context, label string) ([]int, error)
}

// GenerationRequest is a batch of inputs. Exactly one of Sentences or Tokens is set.
type GenerationRequest struct {
	// Sentences holds, per sample, the raw sentences to encode.
	Sentences [][]string `json:"sentences,omitempty"`

	// Tokens holds, per sample, pre-tokenized input.
	Tokens [][]string `json:"tokens,omitempty"`

	// RelationMask marks, per sample and token, positions to mask before the
	// forward pass. Only valid with Tokens.
	RelationMask [][]int `json:"relation_mask,omitempty"`
}

// Size returns the number of samples in the request.
func (r GenerationRequest) Size() int {
	if r.Tokens != nil {
		return len(r.Tokens)
	}
	return len(r.Sentences)
}

// Validate checks the request is well formed.
func (r GenerationRequest) Validate() error {
	if (r.Sentences == nil) == (r.Tokens == nil) {
		return fmt.Errorf("exactly one of sentences or tokens must be set")
	}
	if r.RelationMask != nil {
		if r.Tokens == nil {
			return fmt.Errorf("relation mask requires pre-tokenized input")
		}
		if len(r.RelationMask) != len(r.Tokens) {
			return fmt.Errorf("relation mask has %d rows, want %d", len(r.RelationMask), len(r.Tokens))
		}
		for i := range r.Tokens {
			if len(r.RelationMask[i]) != len(r.Tokens[i]) {
				return fmt.Errorf("sample %d: relation mask length %d, want %d", i, len(r.RelationMask[i]), len(r.Tokens[i]))
			}
		}
	}
	return nil
}

// Generation is the output of one forward pass.
type Generation struct {
	// LogProbs is indexed [sample][position][vocab id].
	LogProbs [][][]float64 `json:"log_probs"`

	// TokenIDs are the ids fed to the model, mask ids included.
	TokenIDs [][]int `json:"token_ids"`

	// MaskedIndices lists the masked positions of each sample.
	MaskedIndices [][]int `json:"masked_indices"`

	// Tokens are the ids of the unmasked input tokens.
	Tokens [][]int `json:"tokens"`

	// Mask echoes the relation mask when one was given, otherwise it marks
	// valid non-mask tokens.
	Mask [][]float64 `json:"mask"`
}

// Size returns the number of samples in the generation.
func (g *Generation) Size() int {
	return len(g.LogProbs)
}

// TokenLogProb returns the log-probability the model assigns to the true token
// at position pos of sample b.
func (g *Generation) TokenLogProb(b, pos int) float64 {
	return g.LogProbs[b][pos][g.Tokens[b][pos]]
}

// Check verifies the generation covers n samples with consistent lengths.
func (g *Generation) Check(n int) error {
	if len(g.LogProbs) != n || len(g.TokenIDs) != n || len(g.MaskedIndices) != n ||
		len(g.Tokens) != n || len(g.Mask) != n {
		return fmt.Errorf("generation covers %d samples, want %d", len(g.LogProbs), n)
	}
	for b := range g.LogProbs {
		seq := len(g.LogProbs[b])
		if len(g.TokenIDs[b]) != seq || len(g.Tokens[b]) != seq || len(g.Mask[b]) != seq {
			return fmt.Errorf("sample %d: inconsistent sequence lengths", b)
		}
	}
	return nil
}
