package credentials

import (
	"context"
	"fmt"
	"os"
)

// EnvProvider reads environment variables
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment variable provider
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// Scheme returns "env"
func (e *EnvProvider) Scheme() string {
	return "env"
}

// Resolve returns the variable's value. Unset and empty variables are not found.
func (e *EnvProvider) Resolve(_ context.Context, name string) (string, error) {
	value, ok := e.lookup(name)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: environment variable %s", ErrNotFound, name)
	}
	return value, nil
}
