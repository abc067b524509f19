package training

import (
	"context"
	"fmt"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-speechtrain/storage"
)

const (
	HparamsFile     = "hparams.yaml"
	ArgsFile        = "args.yaml"
	ProgressionFile = "training_progression.json"
)

// WriteRunFiles stores the resolved hyperparameters and the launch
// arguments under dir.
func WriteRunFiles(ctx context.Context, files storage.FileStore, dir string, hparams any, args map[string]string) error {
	for name, v := range map[string]any{HparamsFile: hparams, ArgsFile: args} {
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		if err := storage.WriteFile(ctx, files, path.Join(dir, name), data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
