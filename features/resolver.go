// Package features turns manifest records into model-ready tensors. Text
// normalization, mel extraction and embedding computation are collaborators
// behind small interfaces.
package features

import (
	"context"
	"fmt"

	"github.com/tsawler/go-speechtrain/dataset"
	"github.com/tsawler/go-speechtrain/tensor"
)

// TextEncoder maps raw text to symbol ids.
type TextEncoder interface {
	Encode(text string) ([]int32, error)
}

// FeatureExtractor produces a channels x frames acoustic feature matrix for
// an audio path.
type FeatureExtractor interface {
	Extract(ctx context.Context, audioPath string) (*tensor.Tensor, error)
}

// EmbeddingLoader produces a dim x frames auxiliary embedding.
type EmbeddingLoader interface {
	Load(ctx context.Context, path string) (*tensor.Tensor, error)
}

// Sample is a record resolved into tensors. Features and Embedding are 2-D
// (channels x frames); Embedding is nil when auxiliary embeddings are off.
type Sample struct {
	TextIDs   []int32
	Features  *tensor.Tensor
	Embedding *tensor.Tensor
	Speaker   []float32
	Emotion   []float32
	ID        string
}

// Frames is the number of feature frames.
func (s *Sample) Frames() int {
	return s.Features.Size(1)
}

// Resolver builds samples from records.
type Resolver struct {
	Text         TextEncoder
	Features     FeatureExtractor
	Embeddings   EmbeddingLoader
	Channels     int
	EmbeddingDim int
	NumSpeakers  int
	NumEmotions  int
}

// Resolve produces the sample for rec. Channel counts are checked against
// the configured sizes so that a bad file fails here rather than in the
// collator.
func (r *Resolver) Resolve(ctx context.Context, rec dataset.Record) (*Sample, error) {
	ids, err := r.Text.Encode(rec.Text)
	if err != nil {
		return nil, fmt.Errorf("encode text for %s: %w", rec.AudioPath, err)
	}

	feats, err := r.Features.Extract(ctx, rec.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("extract features for %s: %w", rec.AudioPath, err)
	}
	if feats.Dim() != 2 {
		return nil, fmt.Errorf("features for %s: expected 2 dimensions, got %d", rec.AudioPath, feats.Dim())
	}
	if r.Channels > 0 && feats.Size(0) != r.Channels {
		return nil, fmt.Errorf("features for %s: channel mismatch: given %d, expected %d", rec.AudioPath, feats.Size(0), r.Channels)
	}

	var emb *tensor.Tensor
	if r.Embeddings != nil {
		if rec.EmbeddingPath == "" {
			return nil, fmt.Errorf("record %s has no embedding path", rec.AudioPath)
		}
		emb, err = r.Embeddings.Load(ctx, rec.EmbeddingPath)
		if err != nil {
			return nil, fmt.Errorf("load embedding for %s: %w", rec.AudioPath, err)
		}
		if emb.Dim() != 2 {
			return nil, fmt.Errorf("embedding for %s: expected 2 dimensions, got %d", rec.AudioPath, emb.Dim())
		}
		if r.EmbeddingDim > 0 && emb.Size(0) != r.EmbeddingDim {
			return nil, fmt.Errorf("embedding for %s: dimension mismatch: given %d, expected %d", rec.AudioPath, emb.Size(0), r.EmbeddingDim)
		}
	}

	speaker, err := OneHot(rec.SpeakerID, r.NumSpeakers)
	if err != nil {
		return nil, fmt.Errorf("speaker for %s: %w", rec.AudioPath, err)
	}
	emotion, err := OneHot(rec.EmotionID, r.NumEmotions)
	if err != nil {
		return nil, fmt.Errorf("emotion for %s: %w", rec.AudioPath, err)
	}

	return &Sample{
		TextIDs:   ids,
		Features:  feats,
		Embedding: emb,
		Speaker:   speaker,
		Emotion:   emotion,
		ID:        rec.ID(),
	}, nil
}

// ResolveAll resolves a batch of records in order.
func (r *Resolver) ResolveAll(ctx context.Context, recs []dataset.Record) ([]*Sample, error) {
	out := make([]*Sample, len(recs))
	for i, rec := range recs {
		s, err := r.Resolve(ctx, rec)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// OneHot returns a length-n vector with a single 1 at index.
func OneHot(index, n int) ([]float32, error) {
	if n <= 0 {
		return nil, fmt.Errorf("one-hot size must be positive, got %d", n)
	}
	if index < 0 || index >= n {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, n)
	}
	v := make([]float32, n)
	v[index] = 1
	return v, nil
}
