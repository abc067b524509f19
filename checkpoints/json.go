package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// encoding/json rejects NaN and ±Inf, which a diverging run can leave in
// the weights or the validation loss. The JSON form writes those as the
// strings "NaN", "+Inf" and "-Inf"; finite values stay plain numbers.

func appendFloat(b []byte, v float64, bitSize int) []byte {
	switch {
	case math.IsNaN(v):
		return append(b, `"NaN"`...)
	case math.IsInf(v, 1):
		return append(b, `"+Inf"`...)
	case math.IsInf(v, -1):
		return append(b, `"-Inf"`...)
	}
	return strconv.AppendFloat(b, v, 'g', -1, bitSize)
}

func parseFloat(b []byte, bitSize int) (float64, error) {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		switch s[1 : len(s)-1] {
		case "NaN":
			return math.NaN(), nil
		case "+Inf", "Inf":
			return math.Inf(1), nil
		case "-Inf":
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("invalid number %s", s)
	}
	return strconv.ParseFloat(s, bitSize)
}

type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	return appendFloat(nil, float64(f), 64), nil
}

func (f *jsonFloat) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	v, err := parseFloat(b, 64)
	if err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

type jsonFloat32s []float32

func (s jsonFloat32s) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	b := make([]byte, 0, 2+8*len(s))
	b = append(b, '[')
	for i, v := range s {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendFloat(b, float64(v), 32)
	}
	return append(b, ']'), nil
}

func (s *jsonFloat32s) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	out := make(jsonFloat32s, len(raw))
	for i, r := range raw {
		v, err := parseFloat(r, 32)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = float32(v)
	}
	*s = out
	return nil
}

func (c Checkpoint) MarshalJSON() ([]byte, error) {
	type alias Checkpoint
	return json.Marshal(struct {
		alias
		LearningRate jsonFloat `json:"learning_rate"`
	}{alias(c), jsonFloat(c.LearningRate)})
}

func (c *Checkpoint) UnmarshalJSON(b []byte) error {
	type alias Checkpoint
	aux := struct {
		*alias
		LearningRate jsonFloat `json:"learning_rate"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	c.LearningRate = float64(aux.LearningRate)
	return nil
}

func (w WeightTensor) MarshalJSON() ([]byte, error) {
	type alias WeightTensor
	return json.Marshal(struct {
		alias
		Data jsonFloat32s `json:"data"`
	}{alias(w), w.Data})
}

func (w *WeightTensor) UnmarshalJSON(b []byte) error {
	type alias WeightTensor
	aux := struct {
		*alias
		Data jsonFloat32s `json:"data"`
	}{alias: (*alias)(w)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	w.Data = aux.Data
	return nil
}

func (o OptimizerTensor) MarshalJSON() ([]byte, error) {
	type alias OptimizerTensor
	return json.Marshal(struct {
		alias
		Data jsonFloat32s `json:"data"`
	}{alias(o), o.Data})
}

func (o *OptimizerTensor) UnmarshalJSON(b []byte) error {
	type alias OptimizerTensor
	aux := struct {
		*alias
		Data jsonFloat32s `json:"data"`
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	o.Data = aux.Data
	return nil
}

func (o OptimizerState) MarshalJSON() ([]byte, error) {
	type alias OptimizerState
	var params map[string]jsonFloat
	if o.Parameters != nil {
		params = make(map[string]jsonFloat, len(o.Parameters))
		for k, v := range o.Parameters {
			params[k] = jsonFloat(v)
		}
	}
	return json.Marshal(struct {
		alias
		Parameters map[string]jsonFloat `json:"parameters"`
	}{alias(o), params})
}

func (o *OptimizerState) UnmarshalJSON(b []byte) error {
	type alias OptimizerState
	aux := struct {
		*alias
		Parameters map[string]jsonFloat `json:"parameters"`
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	o.Parameters = nil
	if aux.Parameters != nil {
		o.Parameters = make(map[string]float64, len(aux.Parameters))
		for k, v := range aux.Parameters {
			o.Parameters[k] = float64(v)
		}
	}
	return nil
}

func (m CheckpointMetadata) MarshalJSON() ([]byte, error) {
	type alias CheckpointMetadata
	return json.Marshal(struct {
		alias
		ValidationLoss jsonFloat `json:"validation_loss"`
	}{alias(m), jsonFloat(m.ValidationLoss)})
}

func (m *CheckpointMetadata) UnmarshalJSON(b []byte) error {
	type alias CheckpointMetadata
	aux := struct {
		*alias
		ValidationLoss jsonFloat `json:"validation_loss"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.ValidationLoss = float64(aux.ValidationLoss)
	return nil
}
