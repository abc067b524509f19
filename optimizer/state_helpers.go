package optimizer

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-speechtrain/checkpoints"
)

// extractFloat64Param safely extracts a float parameter from the state map
func extractFloat64Param(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

// extractBoolParam reads a flag stored as 0 or 1.
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		return val != 0
	}
	return defaultValue
}

// extractUint64Param safely extracts a counter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// exportBuffers turns a name-keyed buffer map into state tensors, sorted by
// name for a stable checkpoint layout.
func exportBuffers(buffers map[string][]float32, shapes map[string][]int, stateType string) []checkpoints.OptimizerTensor {
	names := make([]string, 0, len(buffers))
	for name := range buffers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]checkpoints.OptimizerTensor, 0, len(names))
	for _, name := range names {
		out = append(out, checkpoints.OptimizerTensor{
			Name:      name,
			Shape:     append([]int(nil), shapes[name]...),
			Data:      append([]float32(nil), buffers[name]...),
			StateType: stateType,
		})
	}
	return out
}

// importBuffers collects state tensors of one type, checking that each
// tensor's data matches its shape.
func importBuffers(state []checkpoints.OptimizerTensor, stateType string) (map[string][]float32, map[string][]int, error) {
	buffers := make(map[string][]float32)
	shapes := make(map[string][]int)
	for _, t := range state {
		if t.StateType != stateType {
			continue
		}
		size := 1
		for _, d := range t.Shape {
			size *= d
		}
		if size != len(t.Data) {
			return nil, nil, fmt.Errorf("data size mismatch for %s %s: expected %d elements, got %d",
				stateType, t.Name, size, len(t.Data))
		}
		buffers[t.Name] = append([]float32(nil), t.Data...)
		shapes[t.Name] = append([]int(nil), t.Shape...)
	}
	return buffers, shapes, nil
}
