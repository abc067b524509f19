package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Offset returns the flat index of the element at indices.
func (t *Tensor) Offset(indices ...int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d with size %d", idx, i, t.Shape[i])
		}
		offset += idx * t.Strides[i]
	}
	return offset, nil
}

func (t *Tensor) Float32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor is not Float32 type, got %s", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) Int32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor is not Int32 type, got %s", t.DType)
	}
	return t.Data.([]int32), nil
}

func (t *Tensor) Float16Data() ([]uint16, error) {
	if t.DType != Float16 {
		return nil, fmt.Errorf("tensor is not Float16 type, got %s", t.DType)
	}
	return t.Data.([]uint16), nil
}

// At returns the element at indices as float64 regardless of dtype.
func (t *Tensor) At(indices ...int) (float64, error) {
	offset, err := t.Offset(indices...)
	if err != nil {
		return 0, err
	}
	switch d := t.Data.(type) {
	case []float32:
		return float64(d[offset]), nil
	case []uint16:
		return float64(float16.Frombits(d[offset]).Float32()), nil
	case []int32:
		return float64(d[offset]), nil
	default:
		return 0, fmt.Errorf("unsupported data type %T", t.Data)
	}
}

// SetAt stores value at indices, converting to the tensor dtype.
func (t *Tensor) SetAt(value float64, indices ...int) error {
	offset, err := t.Offset(indices...)
	if err != nil {
		return err
	}
	switch d := t.Data.(type) {
	case []float32:
		d[offset] = float32(value)
	case []uint16:
		d[offset] = float16.Fromfloat32(float32(value)).Bits()
	case []int32:
		d[offset] = int32(value)
	default:
		return fmt.Errorf("unsupported data type %T", t.Data)
	}
	return nil
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Size returns the extent of dimension i.
func (t *Tensor) Size(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    t.DType,
		NumElems: t.NumElems,
	}
	switch d := t.Data.(type) {
	case []float32:
		out.Data = append([]float32(nil), d...)
	case []uint16:
		out.Data = append([]uint16(nil), d...)
	case []int32:
		out.Data = append([]int32(nil), d...)
	}
	return out
}

// Equal reports whether both tensors have the same dtype, shape and
// bit-identical data.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || t.DType != other.DType || len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	switch a := t.Data.(type) {
	case []float32:
		b := other.Data.([]float32)
		for i := range a {
			if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
				return false
			}
		}
	case []uint16:
		b := other.Data.([]uint16)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	case []int32:
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

// Cast converts between Float32 and Float16. Values outside the half range
// become ±Inf, which is how reduced-precision overflow surfaces.
func (t *Tensor) Cast(dtype DType) (*Tensor, error) {
	if t.DType == dtype {
		return t.Clone(), nil
	}
	out := &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    dtype,
		NumElems: t.NumElems,
	}
	switch {
	case t.DType == Float32 && dtype == Float16:
		src := t.Data.([]float32)
		dst := make([]uint16, len(src))
		for i, v := range src {
			dst[i] = float16.Fromfloat32(v).Bits()
		}
		out.Data = dst
	case t.DType == Float16 && dtype == Float32:
		src := t.Data.([]uint16)
		dst := make([]float32, len(src))
		for i, v := range src {
			dst[i] = float16.Frombits(v).Float32()
		}
		out.Data = dst
	default:
		return nil, fmt.Errorf("unsupported cast from %s to %s", t.DType, dtype)
	}
	return out, nil
}

// Zero sets every element to zero.
func (t *Tensor) Zero() {
	switch d := t.Data.(type) {
	case []float32:
		clear(d)
	case []uint16:
		clear(d)
	case []int32:
		clear(d)
	}
}
