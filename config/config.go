// Package config provides the configuration schema and loader for a
// training run.
package config

import (
	"log/slog"
	"time"

	"github.com/tsawler/go-speechtrain/optimizer"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog level; unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration of a training run.
type Config struct {
	LogLevel    LogLevel          `yaml:"log_level"`
	Training    TrainingConfig    `yaml:"training"`
	Data        DataConfig        `yaml:"data"`
	Audio       AudioConfig       `yaml:"audio"`
	Model       ModelConfig       `yaml:"model"`
	Distributed DistributedConfig `yaml:"distributed"`
	Precision   PrecisionConfig   `yaml:"precision"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Anneal      AnnealConfig      `yaml:"anneal"`
	Optimizer   optimizer.Config  `yaml:"optimizer"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Storage     StorageConfig     `yaml:"storage"`
	Ledger      LedgerConfig      `yaml:"ledger"`
}

// TrainingConfig drives the epoch loop.
type TrainingConfig struct {
	Epochs                  int      `yaml:"epochs"`
	BatchSize               int      `yaml:"batch_size"`
	Seed                    uint64   `yaml:"seed"`
	IterationsPerCheckpoint int      `yaml:"iters_per_checkpoint"`
	GradClipThresh          float64  `yaml:"grad_clip_thresh"`
	UseSavedLearningRate    bool     `yaml:"use_saved_learning_rate"`
	IgnoreLayers            []string `yaml:"ignore_layers"`
	PrefetchDepth           int      `yaml:"prefetch_depth"`
	Workers                 int      `yaml:"workers"`
}

// DataConfig locates the manifests and controls sample ordering.
type DataConfig struct {
	TrainingFiles        string   `yaml:"training_files"`
	ValidationFiles      string   `yaml:"validation_files"`
	Delimiter            string   `yaml:"delimiter"`
	Columns              []string `yaml:"columns"`
	ShufflePolicy        string   `yaml:"shuffle_policy"`
	LocalRandFactor      float64  `yaml:"local_rand_factor"`
	ShuffleBatches       bool     `yaml:"shuffle_batches"`
	PrepTrainsetPerEpoch bool     `yaml:"prep_trainset_per_epoch"`
	DropLast             bool     `yaml:"drop_last"`
	LoadMelFromDisk      bool     `yaml:"load_mel_from_disk"`
	OverrideSampleSize   int      `yaml:"override_sample_size"`
	FeatureRoot          string   `yaml:"feature_root"`
	EmbeddingRoot        string   `yaml:"embedding_root"`
	TextSymbols          string   `yaml:"text_symbols"`
	NumSpeakers          int      `yaml:"n_speakers"`
	NumEmotions          int      `yaml:"n_emotions"`
	EmbeddingDim         int      `yaml:"embedding_dim"` // auxiliary embedding channels, 0 when unused
}

// AudioConfig describes the acoustic features.
type AudioConfig struct {
	Channels      int `yaml:"n_mel_channels"`
	FramesPerStep int `yaml:"n_frames_per_step"`
}

// ModelConfig sizes the baseline model.
type ModelConfig struct {
	SymbolsEmbeddingDim int `yaml:"symbols_embedding_dim"`
	LatentDim           int `yaml:"latent_dim"` // 0 disables the regularized latent
}

// DistributedConfig describes the process group.
type DistributedConfig struct {
	WorldSize   int           `yaml:"world_size"`
	Rank        int           `yaml:"rank"`
	Address     string        `yaml:"address"`
	GroupName   string        `yaml:"group_name"`
	Device      string        `yaml:"device"`
	JoinTimeout time.Duration `yaml:"join_timeout"`
}

// PrecisionConfig selects full or emulated mixed precision.
type PrecisionConfig struct {
	FP16Run        bool    `yaml:"fp16_run"`
	InitialScale   float64 `yaml:"initial_scale"`
	MinScale       float64 `yaml:"min_scale"`
	GrowthInterval int     `yaml:"growth_interval"`
}

// CheckpointConfig controls checkpoint files.
type CheckpointConfig struct {
	Format string `yaml:"format"`
	// NamePattern is formatted with the iteration and the validation loss.
	NamePattern string `yaml:"name_pattern"`
}

// AnnealConfig shapes the regularization weight.
type AnnealConfig struct {
	Function string  `yaml:"function"`
	K        float64 `yaml:"k"`
	X0       int     `yaml:"x0"`
	Upper    float64 `yaml:"upper"`
	Lag      int     `yaml:"lag"`
	Constant float64 `yaml:"constant"`
}

// SchedulerConfig selects the learning-rate schedule.
type SchedulerConfig struct {
	Type     string  `yaml:"type"` // constant, step, exponential, cosine
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
	TMax     int     `yaml:"t_max"`
	EtaMin   float64 `yaml:"eta_min"`
}

// StorageConfig selects where checkpoints are written. Credentials for s3
// come from AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.
type StorageConfig struct {
	Backend   string `yaml:"backend"` // local or s3
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// LedgerConfig controls the run ledger, stored under the log directory.
type LedgerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Training: TrainingConfig{
			Epochs:                  500,
			BatchSize:               32,
			Seed:                    1234,
			IterationsPerCheckpoint: 1000,
			GradClipThresh:          1.0,
			PrefetchDepth:           2,
			Workers:                 2,
			IgnoreLayers:            []string{"embedding.weight"},
		},
		Data: DataConfig{
			Delimiter:            "|",
			Columns:              []string{"audio_path", "text", "speaker", "emotion"},
			ShufflePolicy:        "random",
			LocalRandFactor:      0.05,
			ShuffleBatches:       true,
			PrepTrainsetPerEpoch: true,
			DropLast:             true,
			LoadMelFromDisk:      true,
			NumSpeakers:          1,
			NumEmotions:          1,
		},
		Audio: AudioConfig{
			Channels:      80,
			FramesPerStep: 1,
		},
		Model: ModelConfig{
			SymbolsEmbeddingDim: 512,
		},
		Distributed: DistributedConfig{
			WorldSize:   1,
			Address:     "localhost:54321",
			GroupName:   "group_name",
			Device:      "cpu",
			JoinTimeout: 5 * time.Minute,
		},
		Precision: PrecisionConfig{
			InitialScale:   65536,
			MinScale:       1,
			GrowthInterval: 1000,
		},
		Checkpoint: CheckpointConfig{
			Format:      "proto",
			NamePattern: "checkpoint_%d_%.4f",
		},
		Anneal: AnnealConfig{
			Function: "logistic",
			K:        0.0025,
			X0:       10000,
			Upper:    0.2,
			Constant: 0.001,
		},
		Optimizer: optimizer.Config{
			Type:         "adam",
			LearningRate: 1e-3,
			Beta1:        0.9,
			Beta2:        0.999,
			Epsilon:      1e-6,
			WeightDecay:  1e-6,
		},
		Scheduler: SchedulerConfig{
			Type: "constant",
		},
		Storage: StorageConfig{
			Backend: "local",
		},
		Ledger: LedgerConfig{
			Enabled: true,
		},
	}
}
