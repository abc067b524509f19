// Package dataset reads sample manifests and decides the order in which
// samples are visited each epoch.
package dataset

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Column names a manifest field.
type Column string

const (
	ColumnAudioPath     Column = "audio_path"
	ColumnText          Column = "text"
	ColumnSpeaker       Column = "speaker"
	ColumnEmotion       Column = "emotion"
	ColumnEmbeddingPath Column = "embedding_path"
	ColumnDuration      Column = "duration"
)

// columnAliases maps the short names used by older filelists.
var columnAliases = map[string]Column{
	"audiopath":  ColumnAudioPath,
	"emoembpath": ColumnEmbeddingPath,
	"dur":        ColumnDuration,
}

// Record is one manifest line. Records are immutable once loaded.
type Record struct {
	AudioPath     string
	Text          string
	SpeakerID     int
	EmotionID     int
	EmbeddingPath string
	Duration      float64
	HasDuration   bool
	Line          int
}

// ID is the audio file name without directory or extension.
func (r Record) ID() string {
	base := filepath.Base(r.AudioPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ManifestOptions controls how manifest lines are split into records.
type ManifestOptions struct {
	Columns   []Column
	Delimiter string
}

// DefaultManifestOptions returns the pipe-delimited four column layout.
func DefaultManifestOptions() ManifestOptions {
	return ManifestOptions{
		Columns:   []Column{ColumnAudioPath, ColumnText, ColumnSpeaker, ColumnEmotion},
		Delimiter: "|",
	}
}

// ParseColumns converts configured column names, accepting the legacy
// aliases, and checks that the mandatory columns are present exactly once.
func ParseColumns(names []string) ([]Column, error) {
	cols := make([]Column, 0, len(names))
	seen := make(map[Column]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		col := Column(name)
		if alias, ok := columnAliases[name]; ok {
			col = alias
		}
		switch col {
		case ColumnAudioPath, ColumnText, ColumnSpeaker, ColumnEmotion, ColumnEmbeddingPath, ColumnDuration:
		default:
			return nil, fmt.Errorf("unknown manifest column %q", name)
		}
		if seen[col] {
			return nil, fmt.Errorf("manifest column %q listed twice", name)
		}
		seen[col] = true
		cols = append(cols, col)
	}
	if !seen[ColumnAudioPath] || !seen[ColumnText] {
		return nil, fmt.Errorf("manifest columns must include %q and %q", ColumnAudioPath, ColumnText)
	}
	return cols, nil
}

// ManifestError reports a malformed manifest line.
type ManifestError struct {
	Source string
	Line   int
	Err    error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s:%d: %v", e.Source, e.Line, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// Load reads every record from the manifest at path, in file order.
func Load(path string, opts ManifestOptions) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f, path, opts)
}

// Parse reads records from r. Blank lines and lines starting with '#' are
// skipped; source only labels errors.
func Parse(r io.Reader, source string, opts ManifestOptions) ([]Record, error) {
	if len(opts.Columns) == 0 {
		opts.Columns = DefaultManifestOptions().Columns
	}
	if opts.Delimiter == "" {
		opts.Delimiter = "|"
	}

	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := parseLine(line, opts)
		if err != nil {
			return nil, &ManifestError{Source: source, Line: lineNo, Err: err}
		}
		rec.Line = lineNo
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dataset: read manifest %s: %w", source, err)
	}
	return records, nil
}

func parseLine(line string, opts ManifestOptions) (Record, error) {
	fields := strings.Split(line, opts.Delimiter)
	if len(fields) != len(opts.Columns) {
		return Record{}, fmt.Errorf("expected %d fields, got %d", len(opts.Columns), len(fields))
	}

	var rec Record
	for i, col := range opts.Columns {
		value := strings.TrimSpace(fields[i])
		switch col {
		case ColumnAudioPath:
			if value == "" {
				return Record{}, fmt.Errorf("empty audio path")
			}
			rec.AudioPath = value
		case ColumnText:
			rec.Text = fields[i]
		case ColumnSpeaker:
			id, err := strconv.Atoi(value)
			if err != nil || id < 0 {
				return Record{}, fmt.Errorf("invalid speaker id %q", value)
			}
			rec.SpeakerID = id
		case ColumnEmotion:
			id, err := strconv.Atoi(value)
			if err != nil || id < 0 {
				return Record{}, fmt.Errorf("invalid emotion id %q", value)
			}
			rec.EmotionID = id
		case ColumnEmbeddingPath:
			rec.EmbeddingPath = value
		case ColumnDuration:
			d, err := strconv.ParseFloat(value, 64)
			if err != nil || d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
				return Record{}, fmt.Errorf("invalid duration %q", value)
			}
			rec.Duration = d
			rec.HasDuration = true
		}
	}
	return rec, nil
}

// Subset keeps at most limit records. A non-positive limit keeps all.
func Subset(records []Record, limit int) []Record {
	if limit <= 0 || limit >= len(records) {
		return records
	}
	return records[:limit]
}
