// Package config provides configuration management for leakguard.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks environment overrides. Double underscores separate
	// levels: LEAKGUARD_STORE__REDIS__ADDRESS sets store.redis.address.
	EnvPrefix = "LEAKGUARD_"

	maxConfigFileSize = 1024 * 1024
)

// Config represents the main configuration structure
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Transport   TransportConfig   `yaml:"transport"`
	Cache       CacheConfig       `yaml:"cache"`
	Remediation RemediationConfig `yaml:"remediation"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// StoreConfig selects and configures the secret store backend
type StoreConfig struct {
	Type string `yaml:"type"` // "memory", "redis", "vault" or "esc"
	// ReservedKey is the top-level key excluded from scanning
	ReservedKey string        `yaml:"reserved_key"`
	Timeout     time.Duration `yaml:"timeout"`
	Memory      MemoryConfig  `yaml:"memory"`
	Redis       RedisConfig   `yaml:"redis"`
	Vault       VaultConfig   `yaml:"vault"`
	ESC         ESCConfig     `yaml:"esc"`
}

// MemoryConfig contains in-memory store settings
type MemoryConfig struct {
	SeedFile string `yaml:"seed_file"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"` //#nosec G117 -- may be a credential reference
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// VaultConfig contains Vault KV v2 settings
type VaultConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Mount   string `yaml:"mount"`
	Path    string `yaml:"path"`
}

// ESCConfig contains Pulumi ESC environment settings
type ESCConfig struct {
	APIURL      string `yaml:"api_url"`
	Org         string `yaml:"org"`
	Project     string `yaml:"project"`
	Environment string `yaml:"environment"`
	Token       string `yaml:"token"`
}

// TransportConfig selects the chat transport
type TransportConfig struct {
	Type     string         `yaml:"type"` // "telegram" or "nats"
	Telegram TelegramConfig `yaml:"telegram"`
	NATS     NATSConfig     `yaml:"nats"`
}

// TelegramConfig contains Bot API settings
type TelegramConfig struct {
	APIURL      string        `yaml:"api_url"`
	Token       string        `yaml:"token"`
	AdminChatID int64         `yaml:"admin_chat_id"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	RateLimit   float64       `yaml:"rate_limit"`
	Burst       int           `yaml:"burst"`
}

// NATSConfig contains NATS transport settings
type NATSConfig struct {
	URL           string `yaml:"url"`
	Subject       string `yaml:"subject"`
	Queue         string `yaml:"queue"`
	AlertSubject  string `yaml:"alert_subject"`
	DeleteSubject string `yaml:"delete_subject"`
	PassSubject   string `yaml:"pass_subject"`
	BufferSize    int    `yaml:"buffer_size"`
}

// CacheConfig contains secret cache settings
type CacheConfig struct {
	// RefreshInterval is the background refresh period; 0 disables it
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	PrimeDelay      time.Duration `yaml:"prime_delay"`
	PrimeMaxDelay   time.Duration `yaml:"prime_max_delay"`
	// ReadyWait bounds how long a message waits for an unprimed cache
	ReadyWait time.Duration `yaml:"ready_wait"`
}

// RemediationConfig contains rotation settings
type RemediationConfig struct {
	SecretLength     int            `yaml:"secret_length"`
	GenerateAttempts int            `yaml:"generate_attempts"`
	Lock             LockConfig     `yaml:"lock"`
	Timeouts         TimeoutsConfig `yaml:"timeouts"`
}

// LockConfig selects the per-path rotation lock
type LockConfig struct {
	Type   string        `yaml:"type"` // "local" or "redis"
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
	// Redis defaults to store.redis when the address is empty
	Redis RedisConfig `yaml:"redis"`
}

// TimeoutsConfig bounds each remediation step
type TimeoutsConfig struct {
	Lock     time.Duration `yaml:"lock"`
	Store    time.Duration `yaml:"store"`
	Refresh  time.Duration `yaml:"refresh"`
	Notify   time.Duration `yaml:"notify"`
	Suppress time.Duration `yaml:"suppress"`
}

// IngestConfig contains message processing settings
type IngestConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// CredentialsConfig configures secret reference resolution
type CredentialsConfig struct {
	FileAllowlist   []string          `yaml:"file_allowlist"`
	KeychainService string            `yaml:"keychain_service"`
	OnePassword     OnePasswordConfig `yaml:"onepassword"`
}

// OnePasswordConfig points at a 1Password Connect server
type OnePasswordConfig struct {
	ConnectURL   string `yaml:"connect_url"`
	ConnectToken string `yaml:"connect_token"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string      `yaml:"level"`
	Format string      `yaml:"format"`
	Output string      `yaml:"output"`
	Audit  AuditConfig `yaml:"audit"`
}

// AuditConfig contains audit logging settings
type AuditConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Level              string `yaml:"level"`
	Output             string `yaml:"output"`
	Format             string `yaml:"format"`
	IncludeChatDetails bool   `yaml:"include_chat_details"`
}

// MetricsConfig contains management server settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Type:        "memory",
			ReservedKey: "environmentVariables",
			Timeout:     5 * time.Second,
			Redis: RedisConfig{
				Address: "localhost:6379",
				Key:     "leakguard:secrets",
			},
			Vault: VaultConfig{
				Mount: "secret",
			},
			ESC: ESCConfig{
				APIURL: "https://api.pulumi.com",
			},
		},
		Transport: TransportConfig{
			Type: "telegram",
			Telegram: TelegramConfig{
				APIURL:      "https://api.telegram.org",
				PollTimeout: 30 * time.Second,
				RateLimit:   20,
				Burst:       5,
			},
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				Subject:       "leakguard.messages",
				Queue:         "leakguard",
				AlertSubject:  "leakguard.alerts",
				DeleteSubject: "leakguard.delete",
				BufferSize:    64,
			},
		},
		Cache: CacheConfig{
			RefreshInterval: 5 * time.Minute,
			PrimeDelay:      500 * time.Millisecond,
			PrimeMaxDelay:   30 * time.Second,
			ReadyWait:       10 * time.Second,
		},
		Remediation: RemediationConfig{
			SecretLength:     24,
			GenerateAttempts: 5,
			Lock: LockConfig{
				Type:   "local",
				Prefix: "leakguard:lock:",
				TTL:    time.Minute,
			},
			Timeouts: TimeoutsConfig{
				Lock:     10 * time.Second,
				Store:    5 * time.Second,
				Refresh:  5 * time.Second,
				Notify:   5 * time.Second,
				Suppress: 5 * time.Second,
			},
		},
		Ingest: IngestConfig{
			Concurrency: 8,
		},
		Credentials: CredentialsConfig{
			KeychainService: "leakguard",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
			Audit: AuditConfig{
				Enabled:            true,
				Level:              "standard",
				Output:             "stdout",
				Format:             "json",
				IncludeChatDetails: true,
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Addr:     ":9090",
			Endpoint: "/metrics",
		},
	}
}

// Load reads the YAML file at path and overlays LEAKGUARD_ environment
// variables. An empty path falls back to CONFIG_PATH, then config.yaml. A
// missing file yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path, err = sanitizeConfigPath(path, wd)
		if err != nil {
			return nil, err
		}
	}

	data, err := readConfigFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes on top of the defaults, then applies
// environment overrides
func Parse(data []byte) (*Config, error) {
	k := koanf.New(".")

	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// envKey maps LEAKGUARD_STORE__REDIS__ADDRESS to store.redis.address
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path) //#nosec G304 -- config path is sanitized by the caller
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// sanitizeConfigPath resolves path against baseDir and rejects anything that
// escapes it
func sanitizeConfigPath(path, baseDir string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(absBase, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(absBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q escapes %q", path, absBase)
	}
	return resolved, nil
}

// Validate checks that the selected backends are fully configured
func (c *Config) Validate() error {
	return errors.Join(
		c.Store.Validate(),
		c.Transport.Validate(),
		c.Remediation.Validate(),
		c.Logging.Validate(),
		c.validateIngest(),
	)
}

// Validate checks the store section
func (s *StoreConfig) Validate() error {
	switch s.Type {
	case "memory":
		return nil
	case "redis":
		if s.Redis.Address == "" {
			return errors.New("store.redis.address is required")
		}
	case "vault":
		if s.Vault.Address == "" || s.Vault.Path == "" {
			return errors.New("store.vault.address and store.vault.path are required")
		}
	case "esc":
		if s.ESC.Org == "" || s.ESC.Project == "" || s.ESC.Environment == "" {
			return errors.New("store.esc.org, store.esc.project and store.esc.environment are required")
		}
		if s.ESC.Token == "" {
			return errors.New("store.esc.token is required")
		}
	default:
		return fmt.Errorf("unknown store.type %q", s.Type)
	}
	return nil
}

// Validate checks the transport section
func (t *TransportConfig) Validate() error {
	switch t.Type {
	case "telegram":
		if t.Telegram.Token == "" {
			return errors.New("transport.telegram.token is required")
		}
		if t.Telegram.AdminChatID == 0 {
			return errors.New("transport.telegram.admin_chat_id is required")
		}
	case "nats":
		if t.NATS.URL == "" {
			return errors.New("transport.nats.url is required")
		}
	default:
		return fmt.Errorf("unknown transport.type %q", t.Type)
	}
	return nil
}

// Validate checks the remediation section
func (r *RemediationConfig) Validate() error {
	if r.SecretLength < 0 {
		return errors.New("remediation.secret_length must not be negative")
	}
	switch r.Lock.Type {
	case "local":
	case "redis":
		// The lease must outlive every step run while it is held.
		t := r.Timeouts
		if held := t.Lock + 2*t.Store + t.Refresh; r.Lock.TTL <= held {
			return fmt.Errorf("remediation.lock.ttl %s must exceed %s (lock + 2*store + refresh timeouts)", r.Lock.TTL, held)
		}
	default:
		return fmt.Errorf("unknown remediation.lock.type %q", r.Lock.Type)
	}
	return nil
}

// Validate checks the logging section
func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", l.Level)
	}
	switch l.Audit.Level {
	case "minimal", "standard", "verbose":
	default:
		return fmt.Errorf("invalid logging.audit.level %q", l.Audit.Level)
	}
	return nil
}

func (c *Config) validateIngest() error {
	if c.Ingest.Concurrency < 1 {
		return errors.New("ingest.concurrency must be at least 1")
	}
	return nil
}
