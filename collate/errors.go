package collate

import (
	"errors"
	"fmt"
)

// ErrInvalidBatch matches every *InvalidBatchError via errors.Is.
var ErrInvalidBatch = errors.New("collate: invalid batch")

// InvalidBatchError reports a batch that cannot be collated at all.
type InvalidBatchError struct {
	Reason string
	Index  int
}

func (e *InvalidBatchError) Error() string {
	return fmt.Sprintf("collate: invalid batch: %s (sample %d)", e.Reason, e.Index)
}

func (e *InvalidBatchError) Is(target error) bool {
	return target == ErrInvalidBatch
}

// DimensionMismatchError reports a sample whose channel count differs from
// the first sample of the batch.
type DimensionMismatchError struct {
	Field    string
	Index    int
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("collate: %s dimension mismatch at sample %d: expected %d, got %d",
		e.Field, e.Index, e.Expected, e.Got)
}
