package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-speechtrain/async"
	"github.com/tsawler/go-speechtrain/checkpoints"
	"github.com/tsawler/go-speechtrain/config"
	"github.com/tsawler/go-speechtrain/distributed"
	"github.com/tsawler/go-speechtrain/ledger"
	"github.com/tsawler/go-speechtrain/observe"
	"github.com/tsawler/go-speechtrain/optimizer"
	"github.com/tsawler/go-speechtrain/precision"
	"github.com/tsawler/go-speechtrain/training"
)

// trainOptions are the train command flags.
type trainOptions struct {
	outputDir   string
	logDir      string
	checkpoint  string
	warmStart   bool
	worldSize   int
	rank        int
	device      string
	groupName   string
	configFile  string
	hparams     string
	metricsAddr string
}

var trainOpts trainOptions

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run or resume a training job",
	Long: `Train the model described by the configuration file.

Checkpoints, hparams.yaml, args.yaml and training_progression.json are
written to --output-dir. The run ledger, the padding track export and the
metrics log go to --log-dir.

--hparams takes comma separated name=value pairs. Names are YAML keys,
either dotted (training.batch_size) or bare when unambiguous (batch_size).

MASTER_ADDR, MASTER_PORT, WORLD_SIZE and RANK override the matching flags
when set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(&trainOpts, cmd.Flags().Changed, os.Getenv)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runTrain(ctx, cfg, &trainOpts, cmd.ErrOrStderr())
	},
}

func init() {
	f := trainCmd.Flags()
	f.StringVarP(&trainOpts.outputDir, "output-dir", "o", "", "directory for checkpoints and run files")
	f.StringVarP(&trainOpts.logDir, "log-dir", "l", "", "directory for the run ledger and metrics log")
	f.StringVarP(&trainOpts.checkpoint, "checkpoint", "c", "", "checkpoint to resume from")
	f.BoolVar(&trainOpts.warmStart, "warm-start", false, "load only model weights from --checkpoint, skipping training.ignore_layers")
	f.IntVar(&trainOpts.worldSize, "world-size", 1, "number of processes in the group")
	f.IntVar(&trainOpts.rank, "rank", 0, "rank of this process")
	f.StringVar(&trainOpts.device, "device", "cpu", "compute device: cpu, cuda or mps")
	f.StringVar(&trainOpts.groupName, "group-name", "group_name", "process group name")
	f.StringVar(&trainOpts.configFile, "config", "", "YAML configuration file")
	f.StringVar(&trainOpts.hparams, "hparams", "", "comma separated name=value overrides")
	f.StringVar(&trainOpts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	_ = trainCmd.MarkFlagRequired("output-dir")
	_ = trainCmd.MarkFlagRequired("log-dir")
}

// resolveConfig layers the configuration: defaults, the config file,
// --hparams, explicit flags, then the launcher environment.
func resolveConfig(opts *trainOptions, changed func(string) bool, getenv func(string) string) (*config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.Parse(opts.configFile); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyOverrides(cfg, config.SplitOverrides(opts.hparams)); err != nil {
		return nil, err
	}

	d := &cfg.Distributed
	if changed("world-size") {
		d.WorldSize = opts.worldSize
	}
	if changed("rank") {
		d.Rank = opts.rank
	}
	if changed("device") {
		d.Device = opts.device
	}
	if changed("group-name") {
		d.GroupName = opts.groupName
	}
	if err := applyLauncherEnv(d, getenv); err != nil {
		return nil, err
	}

	if opts.warmStart && opts.checkpoint == "" {
		return nil, errors.New("--warm-start needs --checkpoint")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyLauncherEnv(d *config.DistributedConfig, getenv func(string) string) error {
	if addr, port := getenv("MASTER_ADDR"), getenv("MASTER_PORT"); addr != "" || port != "" {
		host, p, err := splitAddress(d.Address)
		if err != nil {
			return err
		}
		if addr != "" {
			host = addr
		}
		if port != "" {
			p = port
		}
		d.Address = joinAddress(host, p)
	}
	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"WORLD_SIZE", &d.WorldSize},
		{"RANK", &d.Rank},
	} {
		s := getenv(v.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
		*v.dst = n
	}
	return nil
}

func launchArgs(opts *trainOptions, cfg *config.Config) map[string]string {
	return map[string]string{
		"output_dir": opts.outputDir,
		"log_dir":    opts.logDir,
		"checkpoint": opts.checkpoint,
		"warm_start": strconv.FormatBool(opts.warmStart),
		"world_size": strconv.Itoa(cfg.Distributed.WorldSize),
		"rank":       strconv.Itoa(cfg.Distributed.Rank),
		"group_name": cfg.Distributed.GroupName,
		"device":     cfg.Distributed.Device,
		"config":     opts.configFile,
		"hparams":    opts.hparams,
	}
}

func runTrain(ctx context.Context, cfg *config.Config, opts *trainOptions, stderr io.Writer) error {
	logger := observe.NewLogger(cfg.LogLevel, stderr)
	slog.SetDefault(logger)

	if err := os.MkdirAll(opts.logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	var sinks training.MultiSink
	if opts.metricsAddr != "" {
		metrics, shutdown, err := serveMetrics(ctx, opts.metricsAddr, logger)
		if err != nil {
			return err
		}
		defer shutdown()
		sinks = append(sinks, &observe.OTelSink{Metrics: metrics})
	}

	probe, err := distributed.ProbeFor(cfg.Distributed.Device)
	if err != nil {
		return err
	}
	coord, err := distributed.Init(ctx, distributed.Options{
		WorldSize:   cfg.Distributed.WorldSize,
		Rank:        cfg.Distributed.Rank,
		Address:     cfg.Distributed.Address,
		GroupName:   cfg.Distributed.GroupName,
		Probe:       probe,
		JoinTimeout: cfg.Distributed.JoinTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer coord.Close()
	primary := distributed.IsPrimary(coord)

	files, err := openFiles(cfg.Storage, opts.outputDir, os.Getenv)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	args := launchArgs(opts, cfg)

	var led *ledger.Ledger
	if primary && cfg.Ledger.Enabled {
		led, err = ledger.Open(ledger.Options{Dir: filepath.Join(opts.logDir, "ledger"), RunID: runID, Logger: logger})
		if err != nil {
			return err
		}
		defer led.Close()
		if err := led.StartRun(ctx, ledger.RunInfo{RunID: runID, StartedAt: time.Now().UTC(), WorldSize: coord.WorldSize(), Args: args}); err != nil {
			return err
		}
	}

	if primary {
		logFile, err := os.OpenFile(filepath.Join(opts.logDir, "metrics.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open metrics log: %w", err)
		}
		defer logFile.Close()
		sinks = append(sinks, &observe.LogSink{Logger: observe.NewLogger(config.LogInfo, logFile)})
	}

	train, validation, err := loadData(cfg, coord.Rank(), coord.WorldSize())
	if err != nil {
		return err
	}
	batcher, m, crit, err := buildModel(cfg)
	if err != nil {
		return err
	}

	mode := precision.ModeFull
	if cfg.Precision.FP16Run {
		mode = precision.ModeHalf
	}
	var registry precision.Registry
	registry.RegisterModel(m)
	if err := registry.Convert(mode); err != nil {
		return fmt.Errorf("convert model to %s precision: %w", mode, err)
	}
	controller := precision.New(mode, precision.DynamicConfig{
		InitialScale:   cfg.Precision.InitialScale,
		MinScale:       cfg.Precision.MinScale,
		GrowthInterval: cfg.Precision.GrowthInterval,
		Logger:         logger,
	})

	opt, err := optimizer.New(cfg.Optimizer)
	if err != nil {
		return err
	}
	sched, err := training.NewScheduler(cfg.Scheduler.Type, cfg.Scheduler.StepSize, cfg.Scheduler.Gamma, cfg.Scheduler.TMax, cfg.Scheduler.EtaMin)
	if err != nil {
		return err
	}

	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return err
	}
	store := checkpoints.NewStore(files, format, coord.Rank())
	store.Logger = logger

	components := training.Components{
		Model:       m,
		Criterion:   crit,
		Optimizer:   opt,
		Precision:   controller,
		Coordinator: coord,
		Train:       train,
		Validation:  validation,
		Batcher:     batcher,
		Scheduler:   sched,
		Sink:        sinks,
		Logger:      logger,
	}
	ckptConfig := training.CheckpointConfig{
		FilenamePattern: cfg.Checkpoint.NamePattern,
		RunID:           runID,
		WorldSize:       coord.WorldSize(),
	}
	if led != nil {
		components.Checkpoints = training.NewCheckpointManager(store, ckptConfig, led)
		components.Track = led
		trackPath := filepath.Join(opts.logDir, trackFile)
		components.Hooks.OnPhase = func(p training.Phase, _ training.State) {
			if p != training.PhaseCheckpoint && p != training.PhaseTerminate {
				return
			}
			if err := exportTrack(ctx, led, trackPath); err != nil {
				logger.Warn("Failed to export padding track", "path", trackPath, "error", err)
			}
		}
	} else {
		components.Checkpoints = training.NewCheckpointManager(store, ckptConfig, nil)
	}

	if primary {
		if err := training.WriteRunFiles(ctx, files, "", cfg, args); err != nil {
			return err
		}
		components.Progress = training.NewProgression(files, training.ProgressionFile, cfg.Training.Epochs, train.BatchesPerEpoch(), 0)
	}

	orch, err := training.NewOrchestrator(training.TrainingConfig{
		Epochs:                  cfg.Training.Epochs,
		IterationsPerCheckpoint: cfg.Training.IterationsPerCheckpoint,
		GradClipThresh:          cfg.Training.GradClipThresh,
		LearningRate:            cfg.Optimizer.LearningRate,
		UseSavedLearningRate:    cfg.Training.UseSavedLearningRate,
		Loader: async.LoaderConfig{
			PrefetchDepth: cfg.Training.PrefetchDepth,
			Workers:       cfg.Training.Workers,
		},
	}, components)
	if err != nil {
		return err
	}

	if opts.checkpoint != "" {
		p, err := checkpointPath(cfg.Storage, opts.checkpoint)
		if err != nil {
			return err
		}
		if opts.warmStart {
			err = orch.WarmStart(ctx, p, cfg.Training.IgnoreLayers)
		} else {
			err = orch.Resume(ctx, p)
		}
		if err != nil {
			return err
		}
	}

	logger.Info("Run configured", "run_id", runID, "rank", coord.Rank(), "world_size", coord.WorldSize(),
		"precision", mode, "train_records", train.Len(), "validation_batches", len(validation))

	if err := orch.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Training interrupted", "iteration", orch.State().Iteration)
		}
		return err
	}
	logger.Info("Training finished", "iteration", orch.State().Iteration)
	return nil
}
