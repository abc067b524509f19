package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-speechtrain/checkpoints"
)

var inspectTensors bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <checkpoint>",
	Short: "Summarize a checkpoint file",
	Long: `Print the iteration, learning rate, metadata and parameter counts
stored in a checkpoint. The encoding is detected from the file header.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return &checkpoints.NotFoundError{Path: args[0]}
			}
			return err
		}
		cp, format, err := checkpoints.Decode(data)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		return renderCheckpoint(cmd.OutOrStdout(), args[0], cp, format, inspectTensors)
	},
}

func init() {
	inspectCmd.Flags().BoolVarP(&inspectTensors, "tensors", "t", false, "list every tensor with its shape")
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#00ff9f")).Padding(0, 1)
)

// labelled renders two columns, the first padded to the widest label.
func labelled(rows [][2]string) []string {
	width := 0
	for _, r := range rows {
		width = max(width, lipgloss.Width(r[0]))
	}
	label := labelStyle.Width(width + 2)
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = label.Render(r[0]) + r[1]
	}
	return lines
}

func renderCheckpoint(w io.Writer, name string, cp *checkpoints.Checkpoint, format checkpoints.CheckpointFormat, tensors bool) error {
	md := cp.Metadata
	rows := [][2]string{
		{"format", fmt.Sprintf("%s v%d", format, cp.FormatVersion)},
		{"iteration", strconv.Itoa(cp.Iteration)},
		{"epoch", strconv.Itoa(md.Epoch)},
		{"learning rate", strconv.FormatFloat(cp.LearningRate, 'g', 6, 64)},
		{"validation loss", strconv.FormatFloat(md.ValidationLoss, 'f', 4, 64)},
		{"world size", strconv.Itoa(md.WorldSize)},
		{"tensors", strconv.Itoa(len(cp.StateDict))},
		{"parameters", strconv.Itoa(cp.NumParameters())},
	}
	if md.RunID != "" {
		rows = append(rows, [2]string{"run id", md.RunID})
	}
	if !md.CreatedAt.IsZero() {
		rows = append(rows, [2]string{"created", md.CreatedAt.Format(time.RFC3339)})
	}
	if md.Framework != "" {
		rows = append(rows, [2]string{"framework", md.Framework})
	}
	if opt := cp.Optimizer; opt != nil {
		rows = append(rows, [2]string{"optimizer", opt.Type})
		if steps, ok := opt.Parameters["step_count"]; ok {
			rows = append(rows, [2]string{"optimizer steps", strconv.FormatFloat(steps, 'f', 0, 64)})
		}
	}

	lines := append([]string{titleStyle.Render(name), ""}, labelled(rows)...)
	if tensors {
		state := make([][2]string, 0, len(cp.StateDict))
		for _, t := range cp.StateDict {
			state = append(state, [2]string{t.Name, formatShape(t.Shape)})
		}
		sort.Slice(state, func(i, j int) bool { return state[i][0] < state[j][0] })
		lines = append(lines, "", titleStyle.Render("state dict"))
		lines = append(lines, labelled(state)...)
	}

	_, err := fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))
	return err
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, " x ") + "]"
}
