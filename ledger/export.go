package ledger

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
)

var trackHeader = []string{
	"padding-rate-txt", "max-len-txt", "top-len-txt",
	"padding-rate-mel", "max-len-mel", "top-len-mel",
	"duration", "epoch", "step",
}

// ExportTrack writes this run's padding statistics as CSV, one row per
// iteration. The top lengths are space separated within their column.
func (l *Ledger) ExportTrack(ctx context.Context, w io.Writer) error {
	entries, err := l.Track(ctx)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(trackHeader); err != nil {
		return err
	}
	for _, e := range entries {
		p := e.Padding
		row := []string{
			strconv.FormatFloat(p.TextPaddingRate, 'f', 4, 64),
			strconv.Itoa(p.MaxTextLen),
			joinInts(p.TopTextLens),
			strconv.FormatFloat(p.FeaturePaddingRate, 'f', 4, 64),
			strconv.Itoa(p.MaxFrames),
			joinInts(p.TopFrameLens),
			strconv.FormatFloat(e.Duration.Seconds(), 'f', 3, 64),
			strconv.Itoa(e.Epoch),
			strconv.Itoa(e.Iteration),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, " ")
}
