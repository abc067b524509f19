// Package ledger keeps a per-run record of checkpoints written and of the
// padding statistics of every batch, in an embedded badger database.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tsawler/go-speechtrain/collate"
)

// ErrNotFound is returned for a run or checkpoint the ledger has no entry
// for.
var ErrNotFound = errors.New("ledger: not found")

// Options configures the ledger database.
type Options struct {
	// Dir holds the badger files. Required unless InMemory is set.
	Dir      string
	InMemory bool
	// RunID identifies this run; a random UUID is used when empty.
	RunID  string
	Logger *slog.Logger
}

// RunInfo describes one training run.
type RunInfo struct {
	RunID     string            `msgpack:"run_id"`
	StartedAt time.Time         `msgpack:"started_at"`
	WorldSize int               `msgpack:"world_size"`
	Args      map[string]string `msgpack:"args"`
}

// CheckpointEntry records one saved checkpoint.
type CheckpointEntry struct {
	Iteration      int       `msgpack:"iteration"`
	Epoch          int       `msgpack:"epoch"`
	Path           string    `msgpack:"path"`
	ValidationLoss float64   `msgpack:"validation_loss"`
	CreatedAt      time.Time `msgpack:"created_at"`
}

// TrackEntry is the padding profile of the batch trained at Iteration.
type TrackEntry struct {
	Iteration int                  `msgpack:"iteration"`
	Epoch     int                  `msgpack:"epoch"`
	Duration  time.Duration        `msgpack:"duration"`
	Padding   collate.PaddingStats `msgpack:"padding"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	db     *badger.DB
	runID  string
	logger *slog.Logger
}

// Open opens or creates the ledger database.
func Open(opts Options) (*Ledger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("ledger: Options.Dir is required for on-disk mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Ledger{db: db, runID: runID, logger: logger}, nil
}

// RunID is the identifier entries are recorded under.
func (l *Ledger) RunID() string {
	return l.runID
}

func runKey(runID string) []byte {
	return []byte("run/" + runID)
}

func checkpointPrefix(runID string) []byte {
	return []byte("ckpt/" + runID + "/")
}

func trackPrefix(runID string) []byte {
	return []byte("track/" + runID + "/")
}

// iteration keys are zero padded so byte order is numeric order.
func iterKey(prefix []byte, iteration int) []byte {
	return fmt.Appendf(append([]byte(nil), prefix...), "%012d", iteration)
}

func (l *Ledger) put(key []byte, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("ledger: encode: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (l *Ledger) get(key []byte, v any) error {
	var data []byte
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, v)
}

// scan decodes every value under prefix, in key order.
func scan[T any](l *Ledger, prefix []byte, reverse bool, limit int) ([]T, error) {
	var out []T
	err := l.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.Reverse = reverse
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		seek := prefix
		if reverse {
			seek = append(append([]byte(nil), prefix...), 0xff)
		}
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var v T
			if err := msgpack.Unmarshal(val, &v); err != nil {
				return fmt.Errorf("ledger: decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, v)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// StartRun records the run's arguments. It is safe to call again on
// resume; the latest call wins.
func (l *Ledger) StartRun(_ context.Context, info RunInfo) error {
	info.RunID = l.runID
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	return l.put(runKey(l.runID), info)
}

// Run returns the stored info for runID.
func (l *Ledger) Run(_ context.Context, runID string) (RunInfo, error) {
	var info RunInfo
	err := l.get(runKey(runID), &info)
	return info, err
}

// RecordCheckpoint appends a checkpoint entry for this run.
func (l *Ledger) RecordCheckpoint(_ context.Context, e CheckpointEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return l.put(iterKey(checkpointPrefix(l.runID), e.Iteration), e)
}

// Checkpoints lists this run's checkpoints by iteration.
func (l *Ledger) Checkpoints(_ context.Context) ([]CheckpointEntry, error) {
	return scan[CheckpointEntry](l, checkpointPrefix(l.runID), false, 0)
}

// LatestCheckpoint returns the checkpoint with the highest iteration.
func (l *Ledger) LatestCheckpoint(_ context.Context) (CheckpointEntry, error) {
	entries, err := scan[CheckpointEntry](l, checkpointPrefix(l.runID), true, 1)
	if err != nil {
		return CheckpointEntry{}, err
	}
	if len(entries) == 0 {
		return CheckpointEntry{}, ErrNotFound
	}
	return entries[0], nil
}

// RecordTrack stores padding statistics. Entries are written in one batch.
func (l *Ledger) RecordTrack(_ context.Context, entries ...TrackEntry) error {
	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	prefix := trackPrefix(l.runID)
	for _, e := range entries {
		data, err := msgpack.Marshal(e)
		if err != nil {
			return fmt.Errorf("ledger: encode: %w", err)
		}
		if err := wb.Set(iterKey(prefix, e.Iteration), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Track lists this run's padding statistics by iteration.
func (l *Ledger) Track(_ context.Context) ([]TrackEntry, error) {
	return scan[TrackEntry](l, trackPrefix(l.runID), false, 0)
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// badgerLogger routes badger's warnings and errors to slog.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error(fmt.Sprintf(f, v...), "component", "badger")
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn(fmt.Sprintf(f, v...), "component", "badger")
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
