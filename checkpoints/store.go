package checkpoints

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/tsawler/go-speechtrain/model"
	"github.com/tsawler/go-speechtrain/storage"
)

// Extension returns the file suffix for a format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return ".json"
	case FormatMsgpack:
		return ".msgpack"
	default:
		return ".ckpt"
	}
}

// knownExtension reports whether p already ends in a checkpoint suffix.
// Names such as checkpoint_100_0.1234 have a dot but no suffix.
func knownExtension(p string) bool {
	switch path.Ext(p) {
	case ".ckpt", ".json", ".msgpack":
		return true
	}
	return false
}

// Store reads and writes checkpoints through a FileStore. Rank is the
// caller's process rank; only rank 0 may save.
type Store struct {
	Files  storage.FileStore
	Format CheckpointFormat
	Rank   int
	Logger *slog.Logger
}

// NewStore creates a store writing the given format.
func NewStore(files storage.FileStore, format CheckpointFormat, rank int) *Store {
	return &Store{Files: files, Format: format, Rank: rank, Logger: slog.Default()}
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Save writes cp to p, appending the format extension when p lacks one, and
// returns the path written. The write is atomic: a failure leaves any
// previous file at p untouched.
func (s *Store) Save(ctx context.Context, cp *Checkpoint, p string) (string, error) {
	if s.Rank != 0 {
		return "", ErrNotPrimary
	}
	if cp.FormatVersion == 0 {
		cp.FormatVersion = FormatVersion
	}
	if cp.Metadata.CreatedAt.IsZero() {
		cp.Metadata.CreatedAt = time.Now().UTC()
	}
	if err := cp.Validate(); err != nil {
		return "", err
	}
	if !knownExtension(p) {
		p += s.Format.Extension()
	}

	data, err := Encode(cp, s.Format)
	if err != nil {
		return "", err
	}
	if err := storage.WriteFile(ctx, s.Files, p, data); err != nil {
		return "", fmt.Errorf("failed to write checkpoint %s: %w", p, err)
	}
	s.logger().Info("Saved checkpoint", "path", p, "iteration", cp.Iteration, "format", s.Format.String(), "bytes", len(data))
	return p, nil
}

// Load reads the checkpoint at p. When p lacks a checkpoint extension and
// no file exists there, the known extensions are tried in turn.
func (s *Store) Load(ctx context.Context, p string) (*Checkpoint, error) {
	candidates := []string{p}
	if !knownExtension(p) {
		for _, f := range []CheckpointFormat{FormatProto, FormatJSON, FormatMsgpack} {
			candidates = append(candidates, p+f.Extension())
		}
	}
	for _, c := range candidates {
		data, err := storage.ReadFile(ctx, s.Files, c)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint %s: %w", c, err)
		}
		cp, format, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", c, err)
		}
		s.logger().Info("Loaded checkpoint", "path", c, "iteration", cp.Iteration, "format", format.String())
		return cp, nil
	}
	return nil, &NotFoundError{Path: p}
}

// FromParameters snapshots parameter values into state dict entries.
func FromParameters(params []*model.Parameter) []WeightTensor {
	out := make([]WeightTensor, len(params))
	for i, p := range params {
		out[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Values()...),
		}
	}
	return out
}

// Restore copies every state dict entry into the matching parameter. Every
// parameter must be present with the same shape.
func Restore(cp *Checkpoint, params []*model.Parameter) error {
	for _, p := range params {
		w, ok := cp.Weight(p.Name)
		if !ok {
			return fmt.Errorf("checkpoint has no tensor for parameter %s", p.Name)
		}
		if err := copyInto(p, w); err != nil {
			return err
		}
	}
	return nil
}

func copyInto(p *model.Parameter, w WeightTensor) error {
	if !sameShape(p.Value.Shape, w.Shape) {
		return fmt.Errorf("parameter %s: checkpoint shape %v, model shape %v", p.Name, w.Shape, p.Value.Shape)
	}
	copy(p.Values(), w.Data)
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
