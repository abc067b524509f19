// Package checkpoints persists the resumable training state: iteration,
// learning rate, model parameters and optimizer state, under a versioned
// schema.
package checkpoints

import (
	"fmt"
	"strings"
	"time"
)

// FormatVersion is the schema version written by this package. Loaders
// reject any other version.
const FormatVersion = 1

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
	FormatMsgpack
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	case FormatMsgpack:
		return "Msgpack"
	default:
		return "Unknown"
	}
}

// ParseFormat accepts proto, json or msgpack, case-insensitively.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "proto", "protobuf":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	case "msgpack":
		return FormatMsgpack, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint represents a complete resumable training state
type Checkpoint struct {
	FormatVersion int                `json:"format_version" msgpack:"format_version"`
	Iteration     int                `json:"iteration" msgpack:"iteration"`
	LearningRate  float64            `json:"learning_rate" msgpack:"learning_rate"`
	StateDict     []WeightTensor     `json:"state_dict" msgpack:"state_dict"`
	Optimizer     *OptimizerState    `json:"optimizer,omitempty" msgpack:"optimizer,omitempty"`
	Metadata      CheckpointMetadata `json:"metadata" msgpack:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name" msgpack:"name"`
	Shape []int     `json:"shape" msgpack:"shape"`
	Data  []float32 `json:"data" msgpack:"data"`
}

// OptimizerState captures optimizer-specific state (moments, velocities)
type OptimizerState struct {
	Type       string             `json:"type" msgpack:"type"` // "Adam", "SGD"
	Parameters map[string]float64 `json:"parameters" msgpack:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data" msgpack:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name" msgpack:"name"`
	Shape     []int     `json:"shape" msgpack:"shape"`
	Data      []float32 `json:"data" msgpack:"data"`
	StateType string    `json:"state_type" msgpack:"state_type"` // "m", "v", "velocity"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Framework      string    `json:"framework" msgpack:"framework"`
	RunID          string    `json:"run_id,omitempty" msgpack:"run_id,omitempty"`
	CreatedAt      time.Time `json:"created_at" msgpack:"created_at"`
	Epoch          int       `json:"epoch" msgpack:"epoch"`
	ValidationLoss float64   `json:"validation_loss" msgpack:"validation_loss"`
	WorldSize      int       `json:"world_size" msgpack:"world_size"`
	Description    string    `json:"description,omitempty" msgpack:"description,omitempty"`
	Tags           []string  `json:"tags,omitempty" msgpack:"tags,omitempty"`
}

// Weight returns the state dict entry with the given name.
func (c *Checkpoint) Weight(name string) (WeightTensor, bool) {
	for _, w := range c.StateDict {
		if w.Name == name {
			return w, true
		}
	}
	return WeightTensor{}, false
}

// NumParameters counts the scalar parameters in the state dict.
func (c *Checkpoint) NumParameters() int {
	total := 0
	for _, w := range c.StateDict {
		total += len(w.Data)
	}
	return total
}

// EpochOffset is the epoch a resumed run starts in.
func EpochOffset(iteration, batchesPerEpoch int) int {
	if batchesPerEpoch <= 0 {
		return 0
	}
	return max(0, iteration/batchesPerEpoch)
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func validateTensor(name string, shape []int, data []float32) error {
	if shapeSize(shape) != len(data) {
		return fmt.Errorf("tensor %s: shape %v holds %d elements, data has %d", name, shape, shapeSize(shape), len(data))
	}
	return nil
}

// Validate checks the version and that every tensor's data matches its
// shape.
func (c *Checkpoint) Validate() error {
	if c.FormatVersion != FormatVersion {
		return &VersionError{Got: c.FormatVersion, Supported: FormatVersion}
	}
	if c.Iteration < 0 {
		return fmt.Errorf("checkpoint: negative iteration %d", c.Iteration)
	}
	for _, w := range c.StateDict {
		if err := validateTensor(w.Name, w.Shape, w.Data); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	if c.Optimizer != nil {
		for _, o := range c.Optimizer.StateData {
			if err := validateTensor(o.Name, o.Shape, o.Data); err != nil {
				return fmt.Errorf("checkpoint optimizer: %w", err)
			}
		}
	}
	return nil
}
