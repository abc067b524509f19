// Package observe exports training progress: OpenTelemetry metrics scraped
// through Prometheus, and structured log lines through slog.
//
// Both exporters implement [training.MetricsSink]; combine them with
// [training.MultiSink].
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tsawler/go-speechtrain/training"
)

// meterName is the instrumentation scope for all training metrics.
const meterName = "github.com/tsawler/go-speechtrain"

// Metrics holds the OpenTelemetry instruments for a training run.
type Metrics struct {
	// --- Per-iteration gauges ---

	TrainingLoss   metric.Float64Gauge
	ReconLoss      metric.Float64Gauge
	RegLoss        metric.Float64Gauge
	RegWeight      metric.Float64Gauge
	GradNorm       metric.Float64Gauge
	LearningRate   metric.Float64Gauge
	LossScale      metric.Float64Gauge
	ValidationLoss metric.Float64Gauge

	// PaddingRate is recorded with attribute.String("kind", "text"|"feature").
	PaddingRate metric.Float64Gauge

	// --- Histograms ---

	IterationDuration  metric.Float64Histogram
	ValidationDuration metric.Float64Histogram

	// --- Counters ---

	Iterations  metric.Int64Counter
	Validations metric.Int64Counter
}

// iterationBuckets are histogram boundaries in seconds.
var iterationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	gauges := []struct {
		dst  *metric.Float64Gauge
		name string
		desc string
	}{
		{&met.TrainingLoss, "speechtrain.train.loss", "Reduced training loss of the last applied iteration."},
		{&met.ReconLoss, "speechtrain.train.recon_loss", "Reconstruction term of the training loss."},
		{&met.RegLoss, "speechtrain.train.reg_loss", "Unweighted regularization term of the training loss."},
		{&met.RegWeight, "speechtrain.train.reg_weight", "Annealed regularization weight."},
		{&met.GradNorm, "speechtrain.train.grad_norm", "Global gradient norm before clipping."},
		{&met.LearningRate, "speechtrain.train.learning_rate", "Learning rate applied at the last iteration."},
		{&met.LossScale, "speechtrain.train.loss_scale", "Mixed-precision loss scale."},
		{&met.ValidationLoss, "speechtrain.validation.loss", "Mean validation loss across ranks."},
		{&met.PaddingRate, "speechtrain.batch.padding_rate", "Fraction of padded positions in the last batch."},
	}
	for _, g := range gauges {
		if *g.dst, err = m.Float64Gauge(g.name, metric.WithDescription(g.desc)); err != nil {
			return nil, err
		}
	}

	if met.IterationDuration, err = m.Float64Histogram("speechtrain.train.iteration.duration",
		metric.WithDescription("Wall time of one training iteration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(iterationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ValidationDuration, err = m.Float64Histogram("speechtrain.validation.duration",
		metric.WithDescription("Wall time of one validation pass."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Iterations, err = m.Int64Counter("speechtrain.train.iterations",
		metric.WithDescription("Total applied training iterations."),
	); err != nil {
		return nil, err
	}
	if met.Validations, err = m.Int64Counter("speechtrain.validation.runs",
		metric.WithDescription("Total validation passes."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// OTelSink records training events on a [Metrics] instance.
type OTelSink struct {
	Metrics *Metrics
}

var _ training.MetricsSink = (*OTelSink)(nil)

func (s *OTelSink) LogTraining(ctx context.Context, ev training.Event) {
	m := s.Metrics
	m.TrainingLoss.Record(ctx, ev.Loss)
	m.GradNorm.Record(ctx, ev.GradNorm)
	m.LearningRate.Record(ctx, ev.LearningRate)
	m.LossScale.Record(ctx, ev.LossScale)
	if ev.HasReg {
		m.ReconLoss.Record(ctx, ev.RecLoss)
		m.RegLoss.Record(ctx, ev.RegLoss)
		m.RegWeight.Record(ctx, ev.RegWeight)
	}
	m.PaddingRate.Record(ctx, ev.Padding.TextPaddingRate, metric.WithAttributes(attribute.String("kind", "text")))
	m.PaddingRate.Record(ctx, ev.Padding.FeaturePaddingRate, metric.WithAttributes(attribute.String("kind", "feature")))
	m.IterationDuration.Record(ctx, ev.Duration.Seconds())
	m.Iterations.Add(ctx, 1)
}

func (s *OTelSink) LogValidation(ctx context.Context, ev training.ValidationEvent) {
	s.Metrics.ValidationLoss.Record(ctx, ev.Loss)
	s.Metrics.ValidationDuration.Record(ctx, ev.Duration.Seconds())
	s.Metrics.Validations.Add(ctx, 1)
}
