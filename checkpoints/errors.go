package checkpoints

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrNotFound matches *NotFoundError via errors.Is.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrNotPrimary is returned when a non-zero rank tries to write.
	ErrNotPrimary = errors.New("checkpoint: only rank 0 writes checkpoints")
)

// NotFoundError reports a checkpoint path with no file behind it.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("checkpoint not found: %s", e.Path)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound || target == os.ErrNotExist
}

// VersionError reports a checkpoint written with an unsupported schema.
type VersionError struct {
	Got       int
	Supported int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("checkpoint format version %d is not supported (supported: %d)", e.Got, e.Supported)
}
