package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeychainService is the keychain service entries are stored under
const DefaultKeychainService = "leakguard"

// KeychainProvider reads entries from the OS keychain (macOS Keychain,
// Secret Service on Linux, Windows Credential Manager)
type KeychainProvider struct {
	service string
}

// NewKeychainProvider creates a keychain provider for service
func NewKeychainProvider(service string) *KeychainProvider {
	if service == "" {
		service = DefaultKeychainService
	}
	return &KeychainProvider{service: service}
}

// Scheme returns "keychain"
func (k *KeychainProvider) Scheme() string {
	return "keychain"
}

// Resolve returns the keychain entry named name
func (k *KeychainProvider) Resolve(_ context.Context, name string) (string, error) {
	value, err := keyring.Get(k.service, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: keychain entry %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("keychain access: %w", err)
	}
	return value, nil
}
