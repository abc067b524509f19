package collate

import (
	"slices"
)

// PaddingStats describes how much of a batch is padding.
type PaddingStats struct {
	TextPaddingRate    float64 `msgpack:"text_padding_rate" json:"text_padding_rate"`
	MaxTextLen         int     `msgpack:"max_text_len" json:"max_text_len"`
	TopTextLens        []int   `msgpack:"top_text_lens" json:"top_text_lens"`
	FeaturePaddingRate float64 `msgpack:"feature_padding_rate" json:"feature_padding_rate"`
	MaxFrames          int     `msgpack:"max_frames" json:"max_frames"`
	TopFrameLens       []int   `msgpack:"top_frame_lens" json:"top_frame_lens"`
}

// Stats computes the padding rates of b and its three longest rows.
func Stats(b *Batch) PaddingStats {
	var ps PaddingStats
	if b == nil || b.Size() == 0 {
		return ps
	}
	ps.MaxTextLen = b.TextPadded.Size(1)
	ps.TextPaddingRate = paddingRate(b.TextLengths, ps.MaxTextLen)
	ps.TopTextLens = topN(b.TextLengths, 3)

	ps.MaxFrames = b.MaxFrames()
	ps.FeaturePaddingRate = paddingRate(b.OutputLengths, ps.MaxFrames)
	ps.TopFrameLens = topN(b.OutputLengths, 3)
	return ps
}

func paddingRate(lengths []int, width int) float64 {
	if width == 0 || len(lengths) == 0 {
		return 0
	}
	used := 0
	for _, l := range lengths {
		used += l
	}
	return 1 - float64(used)/float64(width*len(lengths))
}

func topN(lengths []int, n int) []int {
	sorted := slices.Clone(lengths)
	slices.Sort(sorted)
	slices.Reverse(sorted)
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
