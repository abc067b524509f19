package commands

import (
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...commands.Version=...".
var Version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "speechtrain",
	Short: "Resumable distributed training for speech synthesis models",
	Long: `speechtrain trains a text-to-spectrogram model from a manifest of
(text, audio feature) pairs.

Runs are resumable from any checkpoint, can be spread over several
processes that average their gradients every iteration, and can emulate
mixed precision with a dynamic loss scale.

Examples:
  # Single process run
  speechtrain train --config run.yaml -o out -l logs

  # Override hyperparameters
  speechtrain train --config run.yaml -o out -l logs --hparams "batch_size=16,fp16_run=true"

  # Rank 1 of a two process group
  speechtrain train --config run.yaml -o out -l logs --world-size 2 --rank 1

  # Show what a checkpoint holds
  speechtrain inspect out/checkpoint_1000_0.4321.ckpt
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}
