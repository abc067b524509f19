package observe

import (
	"context"
	"io"
	"log/slog"

	"github.com/tsawler/go-speechtrain/config"
	"github.com/tsawler/go-speechtrain/training"
)

// NewLogger returns a text logger writing to w at the given level.
func NewLogger(level config.LogLevel, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level.Level()}))
}

// LogSink writes one structured line per event.
type LogSink struct {
	Logger *slog.Logger
}

var _ training.MetricsSink = (*LogSink)(nil)

func (s *LogSink) LogTraining(ctx context.Context, ev training.Event) {
	attrs := []slog.Attr{
		slog.Int("iteration", ev.Iteration),
		slog.Int("epoch", ev.Epoch),
		slog.Float64("loss", ev.Loss),
		slog.Float64("grad_norm", ev.GradNorm),
		slog.Float64("lr", ev.LearningRate),
		slog.Duration("duration", ev.Duration),
	}
	if ev.HasReg {
		attrs = append(attrs,
			slog.Float64("rec_loss", ev.RecLoss),
			slog.Float64("reg_loss", ev.RegLoss),
			slog.Float64("reg_weight", ev.RegWeight),
		)
	}
	attrs = append(attrs,
		slog.Float64("text_padding", ev.Padding.TextPaddingRate),
		slog.Float64("feature_padding", ev.Padding.FeaturePaddingRate),
	)
	s.Logger.LogAttrs(ctx, slog.LevelInfo, "train", attrs...)
}

func (s *LogSink) LogValidation(ctx context.Context, ev training.ValidationEvent) {
	s.Logger.LogAttrs(ctx, slog.LevelInfo, "validation",
		slog.Int("iteration", ev.Iteration),
		slog.Float64("loss", ev.Loss),
		slog.Int("batches", ev.Batches),
		slog.Duration("duration", ev.Duration),
	)
}
