package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hfi/leakguard/internal/config"
	"github.com/hfi/leakguard/internal/credentials"
	"github.com/hfi/leakguard/internal/rotation"
	"github.com/hfi/leakguard/internal/storage"
	"github.com/hfi/leakguard/internal/transport"
	"github.com/hfi/leakguard/internal/transport/natsbus"
	"github.com/hfi/leakguard/internal/transport/telegram"
)

// chatTransport is both ends of the chat connection
type chatTransport interface {
	transport.Inbound
	transport.Outbound
}

// credentialField is a config value that may hold a credential reference
type credentialField struct {
	name  string
	value *string
}

func storeCredentials(cfg *config.Config) []credentialField {
	return []credentialField{
		{"store.redis.password", &cfg.Store.Redis.Password},
		{"store.vault.token", &cfg.Store.Vault.Token},
		{"store.esc.token", &cfg.Store.ESC.Token},
	}
}

func allCredentials(cfg *config.Config) []credentialField {
	return append(storeCredentials(cfg),
		credentialField{"transport.telegram.token", &cfg.Transport.Telegram.Token},
		credentialField{"remediation.lock.redis.password", &cfg.Remediation.Lock.Redis.Password},
	)
}

// resolveCredentials replaces each field's reference with its value. The
// 1Password token is resolved first so op:// references can use it.
func resolveCredentials(ctx context.Context, cfg *config.Config, fields []credentialField) error {
	reg, err := credentials.NewRegistry(
		credentials.NewEnvProvider(),
		credentials.NewFileProvider(credentials.FileProviderConfig{Allowlist: cfg.Credentials.FileAllowlist}),
		credentials.NewKeychainProvider(cfg.Credentials.KeychainService),
	)
	if err != nil {
		return err
	}

	op := &cfg.Credentials.OnePassword
	if op.ConnectURL != "" {
		token, err := reg.Resolve(ctx, op.ConnectToken)
		if err != nil {
			return fmt.Errorf("credentials.onepassword.connect_token: %w", err)
		}
		provider, err := credentials.NewOnePasswordProvider(credentials.OnePasswordConfig{
			URL:   op.ConnectURL,
			Token: token,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", credentials.ErrResolveFailed, err)
		}
		if err := reg.Register(provider); err != nil {
			return err
		}
	}

	for _, f := range fields {
		if *f.value == "" {
			continue
		}
		resolved, err := reg.Resolve(ctx, *f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = resolved
	}
	return nil
}

func buildStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		if cfg.Memory.SeedFile == "" {
			return storage.NewMemoryStore(nil), nil
		}
		return storage.NewMemoryStoreFromFile(cfg.Memory.SeedFile)
	case "redis":
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return storage.NewRedisStore(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Key)
	case "vault":
		return storage.NewVaultStore(storage.VaultConfig{
			Address: cfg.Vault.Address,
			Token:   cfg.Vault.Token,
			Mount:   cfg.Vault.Mount,
			Path:    cfg.Vault.Path,
			Timeout: cfg.Timeout,
		})
	case "esc":
		return storage.NewESCStore(storage.ESCConfig{
			APIURL:      cfg.ESC.APIURL,
			Org:         cfg.ESC.Org,
			Project:     cfg.ESC.Project,
			Environment: cfg.ESC.Environment,
			Token:       cfg.ESC.Token,
			Timeout:     cfg.Timeout,
		})
	}
	return nil, fmt.Errorf("unknown store type %q", cfg.Type)
}

// buildLocker returns the rotation lock and a release function for its client
func buildLocker(cfg *config.Config) (rotation.Locker, func() error, error) {
	lock := cfg.Remediation.Lock
	switch lock.Type {
	case "local":
		return rotation.NewLocalLocker(), func() error { return nil }, nil
	case "redis":
		rc := lock.Redis
		if rc.Address == "" {
			rc = cfg.Store.Redis
		}
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
		})
		return rotation.NewRedisLocker(client, lock.Prefix, lock.TTL), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown lock type %q", lock.Type)
}

// buildTransport returns the chat transport and a release function
func buildTransport(cfg config.TransportConfig, logger zerolog.Logger) (chatTransport, func() error, error) {
	switch cfg.Type {
	case "telegram":
		bot, err := telegram.New(telegram.Config{
			APIURL:      cfg.Telegram.APIURL,
			Token:       cfg.Telegram.Token,
			AdminChatID: cfg.Telegram.AdminChatID,
			PollTimeout: cfg.Telegram.PollTimeout,
			RateLimit:   cfg.Telegram.RateLimit,
			Burst:       cfg.Telegram.Burst,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return bot, func() error { return nil }, nil
	case "nats":
		t, err := natsbus.Connect(natsbus.Config{
			URL:           cfg.NATS.URL,
			Subject:       cfg.NATS.Subject,
			Queue:         cfg.NATS.Queue,
			AlertSubject:  cfg.NATS.AlertSubject,
			DeleteSubject: cfg.NATS.DeleteSubject,
			PassSubject:   cfg.NATS.PassSubject,
			BufferSize:    cfg.NATS.BufferSize,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown transport type %q", cfg.Type)
}
