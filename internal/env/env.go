// Package env loads dotenv-style files and expands shell-like variable
// references in service environments.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Map is an insertion-ordered environment map. Order matters because later
// entries may reference earlier ones during expansion.
type Map struct {
	keys   []string
	values map[string]string
}

// NewMap creates an empty environment map.
func NewMap() *Map {
	return &Map{values: make(map[string]string)}
}

// Set inserts or updates a key. New keys keep insertion order.
func (m *Map) Set(key, value string) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key and whether it is present.
func (m *Map) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	return m.keys
}

// Merge copies all entries of other into m, preserving other's order for
// keys m does not already have.
func (m *Map) Merge(other *Map) {
	for _, k := range other.keys {
		m.Set(k, other.values[k])
	}
}

// Environ renders the map as KEY=VALUE pairs in insertion order, the form
// expected by exec.Cmd.Env.
func (m *Map) Environ() []string {
	out := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k+"="+m.values[k])
	}
	return out
}

// ParseDotenv parses dotenv file contents: KEY=VALUE lines, optional
// "export " prefix, single or double quoted values, # comments.
func ParseDotenv(contents string) (*Map, error) {
	m := NewMap()

	for idx, raw := range strings.Split(contents, "\n") {
		lineNo := idx + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid env file line %d: missing '='", lineNo)
		}

		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid env file line %d: empty key", lineNo)
		}

		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			first, last := value[0], value[len(value)-1]
			if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
				value = value[1 : len(value)-1]
			}
		}

		m.Set(key, value)
	}

	return m, nil
}

// LoadFiles reads and parses each env file in order; later files override
// earlier ones.
func LoadFiles(paths []string) (*Map, error) {
	m := NewMap()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading env file %s: %w", path, err)
		}
		parsed, err := ParseDotenv(string(data))
		if err != nil {
			return nil, fmt.Errorf("parsing env file %s: %w", path, err)
		}
		m.Merge(parsed)
	}
	return m, nil
}

// ResolvePath expands a leading ~ and resolves relative paths against the
// config directory.
func ResolvePath(configDir, raw string) (string, error) {
	path := raw
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding %q: %w", raw, err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	path = os.Expand(path, func(key string) string {
		return os.Getenv(key)
	})
	if filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Join(configDir, path), nil
}

// Expand resolves $VAR and ${VAR} references within the map's own values,
// against base and the map itself; a key present in both resolves to the
// map's value. $$ escapes a literal dollar.
// Expansion iterates until a fixpoint (bounded) so entries may reference
// earlier expanded entries.
func Expand(m *Map, base map[string]string) *Map {
	current := make(map[string]string, len(base)+m.Len())
	for k, v := range base {
		current[k] = v
	}
	for _, k := range m.keys {
		current[k] = m.values[k]
	}

	out := NewMap()
	for _, k := range m.keys {
		out.Set(k, m.values[k])
	}

	for range 8 {
		changed := false
		next := NewMap()
		for _, k := range out.keys {
			v := out.values[k]
			expanded := Interpolate(v, current)
			if expanded != v {
				changed = true
			}
			next.Set(k, expanded)
			current[k] = expanded
		}
		out = next
		if !changed {
			break
		}
	}

	return out
}

// Interpolate substitutes $VAR and ${VAR} references in input from env.
// Unknown variables expand to the empty string; $$ yields a literal $.
func Interpolate(input string, env map[string]string) string {
	var out strings.Builder
	out.Grow(len(input))

	i := 0
	for i < len(input) {
		c := input[i]
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}

		if i+1 >= len(input) {
			out.WriteByte('$')
			break
		}

		next := input[i+1]
		switch {
		case next == '$':
			out.WriteByte('$')
			i += 2
		case next == '{':
			j := i + 2
			for j < len(input) && input[j] != '}' {
				j++
			}
			key := input[i+2:j]
			if v, ok := env[key]; ok {
				out.WriteString(v)
			}
			if j < len(input) {
				j++ // consume '}'
			}
			i = j
		case isVarStart(next):
			j := i + 1
			for j < len(input) && isVarContinue(input[j]) {
				j++
			}
			key := input[i+1 : j]
			if v, ok := env[key]; ok {
				out.WriteString(v)
			}
			i = j
		default:
			out.WriteByte('$')
			i++
		}
	}

	return out.String()
}

func isVarStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isVarContinue(c byte) bool {
	return isVarStart(c) || (c >= '0' && c <= '9')
}
