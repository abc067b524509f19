package config

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ApplyOverrides sets values from name=value pairs. A name is either a
// dotted path ("training.batch_size") or a bare key that occurs in exactly
// one section ("batch_size"). Values are parsed as YAML scalars or flow
// sequences, so "ignore_layers=[a,b]" works. Unknown or ambiguous names are
// errors. The result is not validated.
func ApplyOverrides(cfg *Config, pairs []string) error {
	if len(pairs) == 0 {
		return nil
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode for overrides: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("config: decode for overrides: %w", err)
	}

	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("config: override %q is not name=value", pair)
		}
		path, err := resolveKey(tree, name)
		if err != nil {
			return err
		}
		var v any
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			return fmt.Errorf("config: override %s: %w", name, err)
		}
		setPath(tree, path, v)
	}

	raw, err = yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("config: encode overrides: %w", err)
	}
	next := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(next); err != nil {
		return fmt.Errorf("config: apply overrides: %w", err)
	}
	*cfg = *next
	return nil
}

// SplitOverrides splits a comma separated override list. Commas inside
// brackets belong to the value.
func SplitOverrides(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				if p := strings.TrimSpace(s[start:i]); p != "" {
					out = append(out, p)
				}
				start = i + 1
			}
		}
	}
	if p := strings.TrimSpace(s[start:]); p != "" {
		out = append(out, p)
	}
	return out
}

func resolveKey(tree map[string]any, name string) ([]string, error) {
	if strings.Contains(name, ".") {
		path := strings.Split(name, ".")
		node := any(tree)
		for _, k := range path {
			m, ok := node.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config: unknown key %q", name)
			}
			if node, ok = m[k]; !ok {
				return nil, fmt.Errorf("config: unknown key %q", name)
			}
		}
		return path, nil
	}

	if _, ok := tree[name]; ok {
		return []string{name}, nil
	}
	var matches []string
	for section, v := range tree {
		if m, ok := v.(map[string]any); ok {
			if _, ok := m[name]; ok {
				matches = append(matches, section)
			}
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("config: unknown key %q", name)
	case 1:
		return []string{matches[0], name}, nil
	default:
		sort.Strings(matches)
		return nil, fmt.Errorf("config: key %q is ambiguous; qualify it with one of: %s", name, strings.Join(matches, ", "))
	}
}

func setPath(tree map[string]any, path []string, v any) {
	m := tree
	for _, k := range path[:len(path)-1] {
		m = m[k].(map[string]any)
	}
	m[path[len(path)-1]] = v
}
