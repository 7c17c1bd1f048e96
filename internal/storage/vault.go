package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/juju/errors"
)

// VaultConfig contains settings for a Vault KV v2 backed store.
type VaultConfig struct {
	Address string
	Token   string
	Mount   string
	Path    string
	Timeout time.Duration
}

// VaultStore keeps the secret document as the data map of one KV v2 secret.
// Writes use check-and-set against the version that was read, so a concurrent
// writer surfaces as ErrStoreConflict rather than a lost update.
type VaultStore struct {
	kv   *api.KVv2
	path string
}

// NewVaultStore creates a Vault KV v2 backed store
func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	vcfg := api.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	if cfg.Timeout > 0 {
		vcfg.Timeout = cfg.Timeout
	}
	// Rotation must not be retried behind our back.
	vcfg.MaxRetries = 0

	client, err := api.NewClient(vcfg)
	if err != nil {
		return nil, errors.Annotate(err, "creating vault client")
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	if cfg.Path == "" {
		return nil, errors.NotValidf("empty vault secret path")
	}

	return &VaultStore{
		kv:   client.KVv2(mount),
		path: cfg.Path,
	}, nil
}

// Name returns the backend name
func (v *VaultStore) Name() string {
	return "vault"
}

// ReadAll returns the KV data map; a missing secret is an empty document
func (v *VaultStore) ReadAll(ctx context.Context) (Document, error) {
	doc, _, err := v.read(ctx)
	return doc, err
}

// ReadPath returns the value at path
func (v *VaultStore) ReadPath(ctx context.Context, path string) (any, error) {
	doc, _, err := v.read(ctx)
	if err != nil {
		return nil, err
	}
	val, ok := GetPath(doc, path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	return val, nil
}

// UpdatePath writes the document back with check-and-set on the version read
func (v *VaultStore) UpdatePath(ctx context.Context, path string, value string) error {
	doc, version, err := v.read(ctx)
	if err != nil {
		return err
	}
	if err := SetPath(doc, path, value); err != nil {
		return err
	}

	if _, err := v.kv.Put(ctx, v.path, doc, api.WithCheckAndSet(version)); err != nil {
		return classifyVaultError(err)
	}
	return nil
}

// Close releases nothing; the vault client holds no persistent connection
func (v *VaultStore) Close() error {
	return nil
}

func (v *VaultStore) read(ctx context.Context) (Document, int, error) {
	secret, err := v.kv.Get(ctx, v.path)
	if err != nil {
		if isNotFound(err) {
			return make(Document), 0, nil
		}
		return nil, 0, classifyVaultError(err)
	}

	doc := Clone(secret.Data)
	if doc == nil {
		doc = make(Document)
	}
	version := 0
	if secret.VersionMetadata != nil {
		version = secret.VersionMetadata.Version
	}
	return doc, version, nil
}

func classifyVaultError(err error) error {
	switch {
	case isCheckAndSetMismatch(err):
		return fmt.Errorf("%w: %v", ErrStoreConflict, err)
	case isPermissionDenied(err):
		return fmt.Errorf("%w: permission denied: %v", ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, api.ErrSecretNotFound) {
		return true
	}
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

func isCheckAndSetMismatch(err error) bool {
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		errMessage := strings.Join(apiErr.Errors, ",")
		return apiErr.StatusCode == http.StatusBadRequest && strings.Contains(errMessage, "check-and-set")
	}
	return false
}

func isPermissionDenied(err error) bool {
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusForbidden
	}
	return false
}
