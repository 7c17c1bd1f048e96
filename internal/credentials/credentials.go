// Package credentials resolves secret references used in configuration,
// such as the bot token or a store access token, before the service starts.
//
// Supported reference formats:
//   - env:NAME             environment variable
//   - ${NAME}              environment variable
//   - file:/abs/path       file contents, trailing whitespace trimmed
//   - keychain:name        OS keychain entry
//   - op://vault/item/field 1Password Connect
//
// An op:// value is always a reference and fails to resolve unless 1Password
// Connect is configured. Anything else, including a value whose prefix is not
// a registered scheme, is returned unchanged.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrResolveFailed is returned when a reference cannot be resolved
var ErrResolveFailed = errors.New("credential resolution failed")

// ErrNotFound is returned by providers when the referenced entry does not exist
var ErrNotFound = errors.New("credential not found")

// Provider resolves references for one scheme
type Provider interface {
	Scheme() string
	Resolve(ctx context.Context, key string) (string, error)
}

var (
	legacyEnvRegex = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)
	schemeRegex    = regexp.MustCompile(`^([a-z][a-z0-9]*):(.+)$`)
)

// Registry routes references to providers by scheme
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry with the given providers
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a provider. A scheme can only be registered once.
func (r *Registry) Register(p Provider) error {
	scheme := p.Scheme()
	if _, exists := r.providers[scheme]; exists {
		return fmt.Errorf("provider for scheme %q already registered", scheme)
	}
	r.providers[scheme] = p
	return nil
}

// Resolve returns the value behind reference. Errors wrap ErrResolveFailed
// and name the scheme, never the resolved value.
func (r *Registry) Resolve(ctx context.Context, reference string) (string, error) {
	scheme, key, ok := r.parse(reference)
	if !ok {
		return reference, nil
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: empty key for scheme %q", ErrResolveFailed, scheme)
	}

	provider, registered := r.providers[scheme]
	if !registered {
		return "", fmt.Errorf("%w: %s reference: 1Password Connect not configured", ErrResolveFailed, scheme)
	}
	value, err := provider.Resolve(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %s reference: %w", ErrResolveFailed, scheme, err)
	}
	return value, nil
}

// IsReference reports whether value would be routed to a provider
func (r *Registry) IsReference(value string) bool {
	_, _, ok := r.parse(value)
	return ok
}

func (r *Registry) parse(reference string) (scheme, key string, ok bool) {
	if rest, found := strings.CutPrefix(reference, "op://"); found {
		return OnePasswordScheme, rest, true
	}
	if m := legacyEnvRegex.FindStringSubmatch(reference); m != nil {
		if _, registered := r.providers["env"]; registered {
			return "env", m[1], true
		}
		return "", "", false
	}
	if m := schemeRegex.FindStringSubmatch(reference); m != nil {
		if _, registered := r.providers[m[1]]; registered {
			return m[1], m[2], true
		}
	}
	return "", "", false
}
