package tensor

import (
	"fmt"
)

// NewTensor builds a tensor over data. A nil data allocates zeros; a scalar
// of the element type fills every element.
func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	s := make([]int, len(shape))
	copy(s, shape)

	tensor := &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		DType:    dtype,
		NumElems: calculateNumElements(s),
	}

	if data == nil {
		return tensor, tensor.allocate()
	}
	if err := tensor.setData(data); err != nil {
		return nil, err
	}
	return tensor, nil
}

func (t *Tensor) allocate() error {
	switch t.DType {
	case Float32:
		t.Data = make([]float32, t.NumElems)
	case Float16:
		t.Data = make([]uint16, t.NumElems)
	case Int32:
		t.Data = make([]int32, t.NumElems)
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Float16:
		d, ok := data.([]uint16)
		if !ok {
			return fmt.Errorf("unsupported data type for Float16 tensor: %T", data)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		t.Data = d
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, nil)
}

// FromRows builds a 2-D Float32 tensor from equally sized rows.
func FromRows(rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("cannot build tensor from zero rows")
	}
	cols := len(rows[0])
	data := make([]float32, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return NewTensor([]int{len(rows), cols}, Float32, data)
}
