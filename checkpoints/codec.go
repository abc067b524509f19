package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protowire"
)

// Every checkpoint file starts with magic followed by one format byte, so a
// loader never has to guess the codec from the file name.
var magic = []byte("SPTRCKPT")

const headerSize = 9

var errTruncated = errors.New("checkpoint: truncated header")

// Encode serializes cp in the given format, header included.
func Encode(cp *Checkpoint, format CheckpointFormat) ([]byte, error) {
	var body []byte
	var err error
	switch format {
	case FormatProto:
		body = marshalProto(cp)
	case FormatJSON:
		body, err = json.MarshalIndent(cp, "", "  ")
	case FormatMsgpack:
		body, err = msgpack.Marshal(cp)
	default:
		return nil, fmt.Errorf("checkpoint: unsupported format %v", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint as %s: %w", format, err)
	}
	out := make([]byte, 0, headerSize+len(body))
	out = append(out, magic...)
	out = append(out, byte(format))
	return append(out, body...), nil
}

// Decode parses a checkpoint written by Encode and validates it.
func Decode(data []byte) (*Checkpoint, CheckpointFormat, error) {
	if len(data) < headerSize {
		return nil, 0, errTruncated
	}
	if !bytes.Equal(data[:len(magic)], magic) {
		return nil, 0, fmt.Errorf("checkpoint: bad magic %q", data[:len(magic)])
	}
	format := CheckpointFormat(data[len(magic)])
	body := data[headerSize:]

	cp := &Checkpoint{}
	var err error
	switch format {
	case FormatProto:
		err = unmarshalProto(body, cp)
	case FormatJSON:
		err = json.Unmarshal(body, cp)
	case FormatMsgpack:
		err = msgpack.Unmarshal(body, cp)
	default:
		return nil, format, fmt.Errorf("checkpoint: unknown format byte %d", byte(format))
	}
	if err != nil {
		return nil, format, fmt.Errorf("failed to decode %s checkpoint: %w", format, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, format, err
	}
	return cp, format, nil
}

// Wire layout, field numbers:
//
//	Checkpoint:     1 version, 2 iteration, 3 learning_rate, 4 state_dict,
//	                5 optimizer, 6 metadata
//	Tensor:         1 name, 2 shape (packed), 3 data (packed fixed32),
//	                4 state_type
//	OptimizerState: 1 type, 2 parameters (map<string,double>), 3 state_data
//	Metadata:       1 framework, 2 run_id, 3 created_at (unix nanos),
//	                4 validation_loss, 5 epoch, 6 description, 7 tags,
//	                8 world_size

func appendVarintField(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func marshalTensor(name string, shape []int, data []float32, stateType string) []byte {
	var b []byte
	b = appendStringField(b, 1, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = appendMessageField(b, 2, packed)

	values := make([]byte, 0, 4*len(data))
	for _, v := range data {
		values = protowire.AppendFixed32(values, math.Float32bits(v))
	}
	b = appendMessageField(b, 3, values)

	if stateType != "" {
		b = appendStringField(b, 4, stateType)
	}
	return b
}

func marshalProto(cp *Checkpoint) []byte {
	var b []byte
	b = appendVarintField(b, 1, int64(cp.FormatVersion))
	b = appendVarintField(b, 2, int64(cp.Iteration))
	b = appendDoubleField(b, 3, cp.LearningRate)
	for _, w := range cp.StateDict {
		b = appendMessageField(b, 4, marshalTensor(w.Name, w.Shape, w.Data, ""))
	}

	if opt := cp.Optimizer; opt != nil {
		var ob []byte
		ob = appendStringField(ob, 1, opt.Type)
		keys := make([]string, 0, len(opt.Parameters))
		for k := range opt.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var entry []byte
			entry = appendStringField(entry, 1, k)
			entry = appendDoubleField(entry, 2, opt.Parameters[k])
			ob = appendMessageField(ob, 2, entry)
		}
		for _, t := range opt.StateData {
			ob = appendMessageField(ob, 3, marshalTensor(t.Name, t.Shape, t.Data, t.StateType))
		}
		b = appendMessageField(b, 5, ob)
	}

	md := cp.Metadata
	var mb []byte
	mb = appendStringField(mb, 1, md.Framework)
	if md.RunID != "" {
		mb = appendStringField(mb, 2, md.RunID)
	}
	if !md.CreatedAt.IsZero() {
		mb = appendVarintField(mb, 3, md.CreatedAt.UnixNano())
	}
	mb = appendDoubleField(mb, 4, md.ValidationLoss)
	mb = appendVarintField(mb, 5, int64(md.Epoch))
	if md.Description != "" {
		mb = appendStringField(mb, 6, md.Description)
	}
	for _, tag := range md.Tags {
		mb = appendStringField(mb, 7, tag)
	}
	mb = appendVarintField(mb, 8, int64(md.WorldSize))
	return appendMessageField(b, 6, mb)
}

// walk calls fn for every field in b. fn consumes the value and returns the
// number of bytes it used, or -1 to let walk skip an unknown field.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if used < 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeVarint(b []byte, out *int64) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = int64(v)
	return n, nil
}

func consumeDouble(b []byte, out *float64) (int, error) {
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = math.Float64frombits(v)
	return n, nil
}

func consumeBytes(b []byte, out *[]byte) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = v
	return n, nil
}

func consumeString(b []byte, out *string) (int, error) {
	var raw []byte
	n, err := consumeBytes(b, &raw)
	*out = string(raw)
	return n, err
}

type wireTensor struct {
	name, stateType string
	shape           []int
	data            []float32
}

func unmarshalTensor(b []byte) (wireTensor, error) {
	var t wireTensor
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &t.name)
		case num == 2 && typ == protowire.BytesType:
			var packed []byte
			n, err := consumeBytes(b, &packed)
			if err != nil {
				return 0, err
			}
			t.shape = []int{}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				t.shape = append(t.shape, int(v))
				packed = packed[m:]
			}
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			var packed []byte
			n, err := consumeBytes(b, &packed)
			if err != nil {
				return 0, err
			}
			if len(packed)%4 != 0 {
				return 0, fmt.Errorf("tensor data is %d bytes, not a multiple of 4", len(packed))
			}
			t.data = make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				t.data = append(t.data, math.Float32frombits(v))
				packed = packed[m:]
			}
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			return consumeString(b, &t.stateType)
		}
		return -1, nil
	})
	return t, err
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	opt := &OptimizerState{Parameters: map[string]float64{}}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		switch num {
		case 1:
			return consumeString(b, &opt.Type)
		case 2:
			var entry []byte
			n, err := consumeBytes(b, &entry)
			if err != nil {
				return 0, err
			}
			var key string
			var value float64
			err = walk(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == 1 && typ == protowire.BytesType:
					return consumeString(b, &key)
				case num == 2 && typ == protowire.Fixed64Type:
					return consumeDouble(b, &value)
				}
				return -1, nil
			})
			if err != nil {
				return 0, err
			}
			opt.Parameters[key] = value
			return n, nil
		case 3:
			var raw []byte
			n, err := consumeBytes(b, &raw)
			if err != nil {
				return 0, err
			}
			t, err := unmarshalTensor(raw)
			if err != nil {
				return 0, err
			}
			opt.StateData = append(opt.StateData, OptimizerTensor{Name: t.name, Shape: t.shape, Data: t.data, StateType: t.stateType})
			return n, nil
		}
		return -1, nil
	})
	return opt, err
}

func unmarshalMetadata(b []byte, md *CheckpointMetadata) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v int64
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &md.Framework)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &md.RunID)
		case num == 3 && typ == protowire.VarintType:
			n, err := consumeVarint(b, &v)
			md.CreatedAt = time.Unix(0, v).UTC()
			return n, err
		case num == 4 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &md.ValidationLoss)
		case num == 5 && typ == protowire.VarintType:
			n, err := consumeVarint(b, &v)
			md.Epoch = int(v)
			return n, err
		case num == 6 && typ == protowire.BytesType:
			return consumeString(b, &md.Description)
		case num == 7 && typ == protowire.BytesType:
			var tag string
			n, err := consumeString(b, &tag)
			md.Tags = append(md.Tags, tag)
			return n, err
		case num == 8 && typ == protowire.VarintType:
			n, err := consumeVarint(b, &v)
			md.WorldSize = int(v)
			return n, err
		}
		return -1, nil
	})
}

func unmarshalProto(b []byte, cp *Checkpoint) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v int64
		switch {
		case num == 1 && typ == protowire.VarintType:
			n, err := consumeVarint(b, &v)
			cp.FormatVersion = int(v)
			return n, err
		case num == 2 && typ == protowire.VarintType:
			n, err := consumeVarint(b, &v)
			cp.Iteration = int(v)
			return n, err
		case num == 3 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &cp.LearningRate)
		case num == 4 && typ == protowire.BytesType:
			var raw []byte
			n, err := consumeBytes(b, &raw)
			if err != nil {
				return 0, err
			}
			t, err := unmarshalTensor(raw)
			if err != nil {
				return 0, err
			}
			cp.StateDict = append(cp.StateDict, WeightTensor{Name: t.name, Shape: t.shape, Data: t.data})
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			var raw []byte
			n, err := consumeBytes(b, &raw)
			if err != nil {
				return 0, err
			}
			cp.Optimizer, err = unmarshalOptimizer(raw)
			return n, err
		case num == 6 && typ == protowire.BytesType:
			var raw []byte
			n, err := consumeBytes(b, &raw)
			if err != nil {
				return 0, err
			}
			return n, unmarshalMetadata(raw, &cp.Metadata)
		}
		return -1, nil
	})
}
