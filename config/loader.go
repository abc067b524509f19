package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/tsawler/go-speechtrain/checkpoints"
	"github.com/tsawler/go-speechtrain/dataset"
	"gopkg.in/yaml.v3"
)

var (
	validAnnealFunctions = []string{"logistic", "linear", "constant"}
	validSchedulers      = []string{"constant", "step", "exponential", "cosine"}
	validOptimizers      = []string{"adam", "sgd"}
	validBackends        = []string{"local", "s3"}
)

// Load reads the YAML configuration file at path on top of [Default] and
// returns a validated [Config].
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse is [Load] without validation, for callers that apply overrides
// before validating.
func Parse(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Keys absent from the document keep their default values; unknown keys are
// an error.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads YAML from r over [Default]. Unknown keys are an error.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Write encodes cfg as YAML.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}
	return enc.Close()
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Training
	t := cfg.Training
	if t.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("training.epochs must be positive, got %d", t.Epochs))
	}
	if t.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("training.batch_size must be positive, got %d", t.BatchSize))
	}
	if t.IterationsPerCheckpoint <= 0 {
		errs = append(errs, fmt.Errorf("training.iters_per_checkpoint must be positive, got %d", t.IterationsPerCheckpoint))
	}
	if t.GradClipThresh < 0 {
		errs = append(errs, fmt.Errorf("training.grad_clip_thresh must not be negative, got %g", t.GradClipThresh))
	}
	if t.PrefetchDepth < 0 || t.Workers < 0 {
		errs = append(errs, fmt.Errorf("training.prefetch_depth and training.workers must not be negative"))
	}

	// Data
	d := cfg.Data
	if d.TrainingFiles == "" {
		errs = append(errs, errors.New("data.training_files is required"))
	}
	if d.ValidationFiles == "" {
		errs = append(errs, errors.New("data.validation_files is required"))
	}
	if d.Delimiter == "" {
		errs = append(errs, errors.New("data.delimiter must not be empty"))
	}
	if _, err := dataset.ParseColumns(d.Columns); err != nil {
		errs = append(errs, fmt.Errorf("data.columns: %w", err))
	}
	if _, err := dataset.ParsePolicy(d.ShufflePolicy); err != nil {
		errs = append(errs, fmt.Errorf("data.shuffle_policy: %w", err))
	}
	if d.LocalRandFactor < 0 || d.LocalRandFactor > 1 {
		errs = append(errs, fmt.Errorf("data.local_rand_factor %.3f is out of range [0, 1]", d.LocalRandFactor))
	}
	if d.OverrideSampleSize < 0 {
		errs = append(errs, fmt.Errorf("data.override_sample_size must not be negative, got %d", d.OverrideSampleSize))
	}
	if !d.LoadMelFromDisk {
		errs = append(errs, errors.New("data.load_mel_from_disk must be true; features are read from precomputed .npy files"))
	}
	if d.NumSpeakers <= 0 || d.NumEmotions <= 0 {
		errs = append(errs, fmt.Errorf("data.n_speakers and data.n_emotions must be positive, got %d and %d", d.NumSpeakers, d.NumEmotions))
	}
	if d.EmbeddingDim < 0 {
		errs = append(errs, fmt.Errorf("data.embedding_dim must not be negative, got %d", d.EmbeddingDim))
	}

	// Audio and model
	if cfg.Audio.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio.n_mel_channels must be positive, got %d", cfg.Audio.Channels))
	}
	if cfg.Audio.FramesPerStep <= 0 {
		errs = append(errs, fmt.Errorf("audio.n_frames_per_step must be positive, got %d", cfg.Audio.FramesPerStep))
	}
	if cfg.Model.SymbolsEmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("model.symbols_embedding_dim must be positive, got %d", cfg.Model.SymbolsEmbeddingDim))
	}
	if cfg.Model.LatentDim < 0 {
		errs = append(errs, fmt.Errorf("model.latent_dim must not be negative, got %d", cfg.Model.LatentDim))
	}

	// Distributed
	dist := cfg.Distributed
	if dist.WorldSize < 1 {
		errs = append(errs, fmt.Errorf("distributed.world_size must be at least 1, got %d", dist.WorldSize))
	} else if dist.Rank < 0 || dist.Rank >= dist.WorldSize {
		errs = append(errs, fmt.Errorf("distributed.rank %d is outside [0, %d)", dist.Rank, dist.WorldSize))
	}
	if dist.WorldSize > 1 && dist.Address == "" {
		errs = append(errs, errors.New("distributed.address is required when world_size > 1"))
	}

	// Precision
	if cfg.Precision.FP16Run {
		p := cfg.Precision
		if p.InitialScale <= 0 || p.MinScale <= 0 || p.MinScale > p.InitialScale {
			errs = append(errs, fmt.Errorf("precision scales must satisfy 0 < min_scale <= initial_scale, got %g and %g", p.MinScale, p.InitialScale))
		}
		if p.GrowthInterval <= 0 {
			errs = append(errs, fmt.Errorf("precision.growth_interval must be positive, got %d", p.GrowthInterval))
		}
	}

	// Checkpoint
	if _, err := checkpoints.ParseFormat(cfg.Checkpoint.Format); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint.format: %w", err))
	}
	if strings.Count(cfg.Checkpoint.NamePattern, "%") != 2 {
		errs = append(errs, fmt.Errorf("checkpoint.name_pattern %q must hold one iteration and one loss verb", cfg.Checkpoint.NamePattern))
	}

	// Anneal
	if !slices.Contains(validAnnealFunctions, cfg.Anneal.Function) {
		errs = append(errs, fmt.Errorf("anneal.function %q is invalid; valid values: %s", cfg.Anneal.Function, strings.Join(validAnnealFunctions, ", ")))
	}
	if cfg.Anneal.Function == "linear" && cfg.Anneal.X0 <= 0 {
		errs = append(errs, fmt.Errorf("anneal.x0 must be positive for the linear schedule, got %d", cfg.Anneal.X0))
	}
	if cfg.Anneal.Lag < 0 {
		errs = append(errs, fmt.Errorf("anneal.lag must not be negative, got %d", cfg.Anneal.Lag))
	}

	// Optimizer and scheduler
	if !slices.Contains(validOptimizers, strings.ToLower(cfg.Optimizer.Type)) {
		errs = append(errs, fmt.Errorf("optimizer.type %q is invalid; valid values: %s", cfg.Optimizer.Type, strings.Join(validOptimizers, ", ")))
	}
	if cfg.Optimizer.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("optimizer.learning_rate must be positive, got %g", cfg.Optimizer.LearningRate))
	}
	s := cfg.Scheduler
	if !slices.Contains(validSchedulers, s.Type) {
		errs = append(errs, fmt.Errorf("scheduler.type %q is invalid; valid values: %s", s.Type, strings.Join(validSchedulers, ", ")))
	}
	if s.Type == "step" && s.StepSize <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.step_size must be positive, got %d", s.StepSize))
	}
	if s.Type == "cosine" && s.TMax <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.t_max must be positive, got %d", s.TMax))
	}

	// Storage
	if !slices.Contains(validBackends, cfg.Storage.Backend) {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: %s", cfg.Storage.Backend, strings.Join(validBackends, ", ")))
	}
	if cfg.Storage.Backend == "s3" && cfg.Storage.Bucket == "" {
		errs = append(errs, errors.New("storage.bucket is required for the s3 backend"))
	}

	return errors.Join(errs...)
}
