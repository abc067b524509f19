package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/tsawler/go-speechtrain/collate"
	"github.com/tsawler/go-speechtrain/config"
	"github.com/tsawler/go-speechtrain/dataset"
	"github.com/tsawler/go-speechtrain/features"
	"github.com/tsawler/go-speechtrain/ledger"
	"github.com/tsawler/go-speechtrain/model"
	"github.com/tsawler/go-speechtrain/observe"
	"github.com/tsawler/go-speechtrain/storage"
	"github.com/tsawler/go-speechtrain/training"
)

const trackFile = "track.csv"

// serveMetrics installs the Prometheus-backed meter provider and serves
// /metrics on addr until the returned shutdown function is called.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) (*observe.Metrics, func(), error) {
	shutdownProvider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: Version})
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("Serving metrics", "addr", addr)

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		if err := shutdownProvider(sctx); err != nil {
			logger.Warn("Metrics provider shutdown failed", "error", err)
		}
	}
	return metrics, shutdown, nil
}

// openFiles returns the store checkpoints and run files are written to.
// For s3 the output directory becomes part of the key prefix.
func openFiles(sc config.StorageConfig, outputDir string, getenv func(string) string) (storage.FileStore, error) {
	if sc.Backend == "s3" {
		client := storage.NewS3Client(storage.S3Options{
			Region:    sc.Region,
			Endpoint:  sc.Endpoint,
			AccessKey: getenv("AWS_ACCESS_KEY_ID"),
			SecretKey: getenv("AWS_SECRET_ACCESS_KEY"),
			PathStyle: sc.PathStyle,
		})
		return storage.NewS3(client, sc.Bucket, path.Join(sc.Prefix, filepath.ToSlash(outputDir))), nil
	}
	local, err := storage.NewLocal(outputDir)
	if err != nil {
		return nil, fmt.Errorf("open output dir: %w", err)
	}
	return local, nil
}

// checkpointPath maps the --checkpoint value into the output store. Local
// paths are made absolute so they do not resolve under the output dir;
// s3 paths are keys relative to the output prefix.
func checkpointPath(sc config.StorageConfig, p string) (string, error) {
	if sc.Backend == "s3" {
		return p, nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("checkpoint path %q: %w", p, err)
	}
	return abs, nil
}

func splitAddress(addr string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("distributed.address %q: %w", addr, err)
	}
	return host, port, nil
}

func joinAddress(host, port string) string {
	return net.JoinHostPort(host, port)
}

// loadData reads both manifests and plans this rank's batches.
func loadData(cfg *config.Config, rank, worldSize int) (*dataset.Source, [][]dataset.Record, error) {
	cols, err := dataset.ParseColumns(cfg.Data.Columns)
	if err != nil {
		return nil, nil, err
	}
	opts := dataset.ManifestOptions{Columns: cols, Delimiter: cfg.Data.Delimiter}

	records, err := dataset.Load(cfg.Data.TrainingFiles, opts)
	if err != nil {
		return nil, nil, err
	}
	records = dataset.Subset(records, cfg.Data.OverrideSampleSize)

	policy, err := dataset.ParsePolicy(cfg.Data.ShufflePolicy)
	if err != nil {
		return nil, nil, err
	}
	train, err := dataset.NewSource(records,
		dataset.Shuffler{Policy: policy, Seed: cfg.Training.Seed, LocalRandFactor: cfg.Data.LocalRandFactor},
		dataset.BatchPlan{
			BatchSize:      cfg.Training.BatchSize,
			DropLast:       cfg.Data.DropLast,
			ShuffleBatches: cfg.Data.ShuffleBatches,
			Seed:           cfg.Training.Seed,
			Rank:           rank,
			WorldSize:      worldSize,
		},
		cfg.Data.PrepTrainsetPerEpoch,
	)
	if err != nil {
		return nil, nil, err
	}

	valRecords, err := dataset.Load(cfg.Data.ValidationFiles, opts)
	if err != nil {
		return nil, nil, err
	}
	validation, err := dataset.ValidationBatches(valRecords, cfg.Training.BatchSize, cfg.Training.Seed, rank, worldSize)
	if err != nil {
		return nil, nil, err
	}
	return train, validation, nil
}

// buildModel assembles the feature pipeline, the baseline model and its
// criterion.
func buildModel(cfg *config.Config) (*training.Pipeline, *model.Baseline, *model.SpectrogramLoss, error) {
	enc := features.NewCharEncoder(cfg.Data.TextSymbols)
	resolver := &features.Resolver{
		Text:         enc,
		Features:     features.NpyFeatures{Root: cfg.Data.FeatureRoot},
		Channels:     cfg.Audio.Channels,
		EmbeddingDim: cfg.Data.EmbeddingDim,
		NumSpeakers:  cfg.Data.NumSpeakers,
		NumEmotions:  cfg.Data.NumEmotions,
	}
	if cfg.Data.EmbeddingDim > 0 {
		resolver.Embeddings = features.NpyEmbeddings{Root: cfg.Data.EmbeddingRoot}
	}
	pipeline := &training.Pipeline{Resolver: resolver, Collator: collate.NewCollator(cfg.Audio.FramesPerStep)}

	m, err := model.NewBaseline(model.BaselineConfig{
		VocabSize:    enc.NumSymbols(),
		EmbeddingDim: cfg.Model.SymbolsEmbeddingDim,
		Channels:     cfg.Audio.Channels,
		NumSpeakers:  cfg.Data.NumSpeakers,
		NumEmotions:  cfg.Data.NumEmotions,
		LatentDim:    cfg.Model.LatentDim,
		Seed:         cfg.Training.Seed,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	a := cfg.Anneal
	crit := &model.SpectrogramLoss{Schedule: training.Anneal{
		Function: a.Function,
		K:        a.K,
		X0:       a.X0,
		Upper:    a.Upper,
		Lag:      a.Lag,
		Constant: a.Constant,
	}}
	return pipeline, m, crit, nil
}

// exportTrack rewrites the padding track CSV.
func exportTrack(ctx context.Context, led *ledger.Ledger, p string) error {
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	if err := led.ExportTrack(ctx, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
