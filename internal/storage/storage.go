// Package storage provides the authoritative secret stores that leakguard reads
// secrets from and writes rotated values back to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStoreUnavailable is returned when the backend cannot be reached or the
	// call did not complete in time. The state of the secret is unchanged or unknown.
	ErrStoreUnavailable = errors.New("secret store unavailable")

	// ErrStoreConflict is returned when the document was modified concurrently
	// by someone else between our read and our write.
	ErrStoreConflict = errors.New("secret store conflict")

	// ErrPathNotFound is returned by ReadPath when nothing is stored at the path.
	ErrPathNotFound = errors.New("secret path not found")
)

// Document is the nested key/value secret set held by a store.
type Document = map[string]any

// Store defines the interface for an authoritative, path-addressed secret store.
type Store interface {
	// Name returns the backend name for logging/metrics
	Name() string

	// ReadAll returns the entire nested secret set
	ReadAll(ctx context.Context) (Document, error)

	// ReadPath returns the value stored at a dotted path
	ReadPath(ctx context.Context, path string) (any, error)

	// UpdatePath replaces the value at a dotted path, creating intermediate objects
	UpdatePath(ctx context.Context, path string, value string) error

	// Close releases any resources
	Close() error
}

// GetPath walks a nested document along a dotted path.
func GetPath(doc Document, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = doc
	for _, key := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetPath sets value at a dotted path inside doc, creating missing objects on the way.
// It refuses to replace a non-object value that sits in the middle of the path.
func SetPath(doc Document, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty secret path")
	}
	keys := strings.Split(path, ".")
	current := doc
	for i, key := range keys[:len(keys)-1] {
		next, exists := current[key]
		if !exists || next == nil {
			child := make(map[string]any)
			current[key] = child
			current = child
			continue
		}
		child, ok := asMap(next)
		if !ok {
			return fmt.Errorf("%w: %q is not an object", ErrStoreConflict, strings.Join(keys[:i+1], "."))
		}
		current[key] = child
		current = child
	}
	current[keys[len(keys)-1]] = value
	return nil
}

// Clone returns a deep copy of a document so callers never share maps with a store.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case map[any]any:
		m, _ := asMap(t)
		return Clone(m)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// asMap accepts both map shapes produced by the YAML and JSON decoders.
func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}
