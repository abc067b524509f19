// Package collate groups resolved samples into padded, length-sorted
// batches.
package collate

import (
	"sort"

	"github.com/tsawler/go-speechtrain/features"
	"github.com/tsawler/go-speechtrain/tensor"
)

// Batch is a zero-padded group of samples. Rows are sorted by text length,
// longest first, and every per-row field follows the same permutation.
type Batch struct {
	TextPadded      *tensor.Tensor // Int32, B x maxText
	TextLengths     []int          // descending
	FeaturePadded   *tensor.Tensor // Float32, B x C x maxFrames
	StopFlags       *tensor.Tensor // Float32, B x maxFrames
	EmbeddingPadded *tensor.Tensor // Float32, B x E x maxFrames, nil without embeddings
	OutputLengths   []int
	Speakers        *tensor.Tensor // Float32, B x nSpeakers
	Emotions        *tensor.Tensor // Float32, B x nEmotions
	IDs             []string
	// Order[i] is the index in the input slice of row i.
	Order []int
}

// Size is the number of rows.
func (b *Batch) Size() int {
	return len(b.TextLengths)
}

// MaxFrames is the padded frame width.
func (b *Batch) MaxFrames() int {
	return b.StopFlags.Size(1)
}

// Collator pads samples; FramesPerStep is the decoder reduction factor the
// frame width is rounded up to.
type Collator struct {
	FramesPerStep int
}

// NewCollator returns a collator, treating a non-positive step as 1.
func NewCollator(framesPerStep int) *Collator {
	if framesPerStep <= 0 {
		framesPerStep = 1
	}
	return &Collator{FramesPerStep: framesPerStep}
}

// Collate builds one batch. It fails with *InvalidBatchError on empty input
// and *DimensionMismatchError when channel or one-hot sizes disagree.
func (c *Collator) Collate(samples []*features.Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, &InvalidBatchError{Reason: "no samples"}
	}
	for i, s := range samples {
		if s == nil || s.Features == nil || s.Features.Dim() != 2 {
			return nil, &InvalidBatchError{Reason: "sample without a 2-D feature matrix", Index: i}
		}
	}
	if err := checkDimensions(samples); err != nil {
		return nil, err
	}

	n := len(samples)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(samples[order[a]].TextIDs) > len(samples[order[b]].TextIDs)
	})

	textLengths := make([]int, n)
	for i, idx := range order {
		textLengths[i] = len(samples[idx].TextIDs)
	}
	maxText := textLengths[0]

	step := c.FramesPerStep
	if step <= 0 {
		step = 1
	}
	maxFrames := 0
	for _, s := range samples {
		maxFrames = max(maxFrames, s.Frames())
	}
	if rem := maxFrames % step; rem != 0 {
		maxFrames += step - rem
	}

	channels := samples[0].Features.Size(0)
	nSpeakers := len(samples[0].Speaker)
	nEmotions := len(samples[0].Emotion)

	text, err := tensor.Zeros([]int{n, maxText}, tensor.Int32)
	if err != nil {
		return nil, err
	}
	feats, err := tensor.Zeros([]int{n, channels, maxFrames}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	stops, err := tensor.Zeros([]int{n, maxFrames}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	speakers, err := tensor.Zeros([]int{n, nSpeakers}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	emotions, err := tensor.Zeros([]int{n, nEmotions}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	textData := text.Data.([]int32)
	featData := feats.Data.([]float32)
	stopData := stops.Data.([]float32)
	spkData := speakers.Data.([]float32)
	emoData := emotions.Data.([]float32)

	outLengths := make([]int, n)
	ids := make([]string, n)
	for i, idx := range order {
		s := samples[idx]
		copy(textData[i*maxText:], s.TextIDs)

		frames := s.Frames()
		src := s.Features.Data.([]float32)
		for ch := 0; ch < channels; ch++ {
			dst := featData[(i*channels+ch)*maxFrames:]
			copy(dst[:frames], src[ch*frames:(ch+1)*frames])
		}
		if frames > 0 {
			row := stopData[i*maxFrames : (i+1)*maxFrames]
			for f := frames - 1; f < maxFrames; f++ {
				row[f] = 1
			}
		}
		outLengths[i] = frames

		copy(spkData[i*nSpeakers:], s.Speaker)
		copy(emoData[i*nEmotions:], s.Emotion)
		ids[i] = s.ID
	}

	batch := &Batch{
		TextPadded:    text,
		TextLengths:   textLengths,
		FeaturePadded: feats,
		StopFlags:     stops,
		OutputLengths: outLengths,
		Speakers:      speakers,
		Emotions:      emotions,
		IDs:           ids,
		Order:         order,
	}

	if samples[0].Embedding != nil {
		emb, err := padEmbeddings(samples, order, maxFrames)
		if err != nil {
			return nil, err
		}
		batch.EmbeddingPadded = emb
	}
	return batch, nil
}

// padEmbeddings copies each embedding up to min(its own frames, maxFrames).
// The embedding frame rate is not tied to the feature frame rate, so an
// embedding longer than the padded feature width is cut rather than
// resampled.
func padEmbeddings(samples []*features.Sample, order []int, maxFrames int) (*tensor.Tensor, error) {
	dim := samples[0].Embedding.Size(0)
	out, err := tensor.Zeros([]int{len(samples), dim, maxFrames}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	dst := out.Data.([]float32)
	for i, idx := range order {
		e := samples[idx].Embedding
		frames := e.Size(1)
		keep := min(frames, maxFrames)
		src := e.Data.([]float32)
		for d := 0; d < dim; d++ {
			copy(dst[(i*dim+d)*maxFrames:(i*dim+d)*maxFrames+keep], src[d*frames:d*frames+keep])
		}
	}
	return out, nil
}

func checkDimensions(samples []*features.Sample) error {
	first := samples[0]
	channels := first.Features.Size(0)
	withEmb := first.Embedding != nil
	embDim := 0
	if withEmb {
		embDim = first.Embedding.Size(0)
	}

	for i, s := range samples {
		if s.Features.DType != tensor.Float32 {
			return &InvalidBatchError{Reason: "features must be Float32", Index: i}
		}
		if got := s.Features.Size(0); got != channels {
			return &DimensionMismatchError{Field: "features", Index: i, Expected: channels, Got: got}
		}
		if (s.Embedding != nil) != withEmb {
			return &InvalidBatchError{Reason: "embedding present on some samples only", Index: i}
		}
		if withEmb {
			if s.Embedding.Dim() != 2 || s.Embedding.DType != tensor.Float32 {
				return &InvalidBatchError{Reason: "embedding must be a 2-D Float32 matrix", Index: i}
			}
			if got := s.Embedding.Size(0); got != embDim {
				return &DimensionMismatchError{Field: "embedding", Index: i, Expected: embDim, Got: got}
			}
		}
		if got := len(s.Speaker); got != len(first.Speaker) {
			return &DimensionMismatchError{Field: "speaker", Index: i, Expected: len(first.Speaker), Got: got}
		}
		if got := len(s.Emotion); got != len(first.Emotion) {
			return &DimensionMismatchError{Field: "emotion", Index: i, Expected: len(first.Emotion), Got: got}
		}
	}
	return nil
}
