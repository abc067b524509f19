package checkpoints

import (
	"context"
	"path"
	"strings"

	"github.com/tsawler/go-speechtrain/model"
)

// WarmStartReport lists what a warm start did with each parameter.
type WarmStartReport struct {
	Loaded  []string
	Ignored []string
	Missing []string // in the model but not in the checkpoint
}

// Ignored reports whether name matches one of the patterns. A pattern
// matches exactly, as a path.Match glob, or as a dotted prefix ("decoder"
// covers "decoder.linear.weight").
func Ignored(name string, patterns []string) bool {
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		if pat == name || strings.HasPrefix(name, pat+".") {
			return true
		}
		if ok, err := path.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

// WarmStart loads parameter values from the checkpoint at p, leaving
// ignored and missing parameters at their initialized values. Iteration,
// learning rate and optimizer state are not touched.
func (s *Store) WarmStart(ctx context.Context, p string, m model.Model, ignore []string) (*WarmStartReport, error) {
	cp, err := s.Load(ctx, p)
	if err != nil {
		return nil, err
	}
	report := &WarmStartReport{}
	for _, param := range m.Parameters() {
		if Ignored(param.Name, ignore) {
			report.Ignored = append(report.Ignored, param.Name)
			continue
		}
		w, ok := cp.Weight(param.Name)
		if !ok {
			report.Missing = append(report.Missing, param.Name)
			continue
		}
		if err := copyInto(param, w); err != nil {
			return nil, err
		}
		report.Loaded = append(report.Loaded, param.Name)
	}
	s.logger().Info("Warm start", "path", p, "loaded", len(report.Loaded), "ignored", len(report.Ignored), "missing", len(report.Missing))
	return report, nil
}
