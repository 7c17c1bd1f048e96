package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	escSecretFn     = "fn::secret"
	escFnPrefix     = "fn::"
	maxESCBodyBytes = 4 << 20
)

// ESCConfig contains Pulumi ESC environment settings
type ESCConfig struct {
	APIURL      string
	Org         string
	Project     string
	Environment string
	Token       string
	Timeout     time.Duration
}

// ESCStore reads and writes the `values` section of a Pulumi ESC environment definition.
// Rotated values are written as fn::secret so they remain encrypted at rest.
type ESCStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewESCStore creates a new ESC environment store
func NewESCStore(cfg ESCConfig) (*ESCStore, error) {
	if cfg.Org == "" || cfg.Project == "" || cfg.Environment == "" {
		return nil, fmt.Errorf("esc store requires org, project and environment")
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.pulumi.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ESCStore{
		baseURL: fmt.Sprintf("%s/api/esc/environments/%s/%s/%s",
			apiURL, url.PathEscape(cfg.Org), url.PathEscape(cfg.Project), url.PathEscape(cfg.Environment)),
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the backend name
func (e *ESCStore) Name() string {
	return "esc"
}

// ReadAll returns the normalized `values` section of the environment
func (e *ESCStore) ReadAll(ctx context.Context) (Document, error) {
	def, _, err := e.fetch(ctx)
	if err != nil {
		return nil, err
	}
	values, _ := asMap(def["values"])
	normalized, _ := normalizeESC(values).(map[string]any)
	if normalized == nil {
		normalized = make(Document)
	}
	return normalized, nil
}

// ReadPath returns the normalized value at path
func (e *ESCStore) ReadPath(ctx context.Context, path string) (any, error) {
	doc, err := e.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := GetPath(doc, path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	return v, nil
}

// UpdatePath sets values.<path> to a fn::secret and writes the definition back
// guarded by the ETag of the definition that was read.
func (e *ESCStore) UpdatePath(ctx context.Context, path string, value string) error {
	def, etag, err := e.fetch(ctx)
	if err != nil {
		return err
	}

	values, ok := asMap(def["values"])
	if !ok {
		values = make(map[string]any)
	}
	if err := SetPath(values, path, map[string]any{escSecretFn: value}); err != nil {
		return err
	}
	def["values"] = values

	body, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode environment definition: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, e.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-yaml")
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	e.authorize(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxESCBodyBytes))

	switch {
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: environment changed since read (HTTP %d)", ErrStoreConflict, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: update returned HTTP %d", ErrStoreUnavailable, resp.StatusCode)
	}
	return nil
}

// Close releases idle HTTP connections
func (e *ESCStore) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// fetch returns the decrypted definition and its ETag
func (e *ESCStore) fetch(ctx context.Context) (Document, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/decrypt", nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	req.Header.Set("Accept", "application/x-yaml")
	e.authorize(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: read returned HTTP %d", ErrStoreUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxESCBodyBytes))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	def := make(Document)
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, "", fmt.Errorf("%w: malformed environment definition: %v", ErrStoreUnavailable, err)
	}
	if def == nil {
		def = make(Document)
	}
	return def, resp.Header.Get("ETag"), nil
}

func (e *ESCStore) authorize(req *http.Request) {
	if e.token != "" {
		req.Header.Set("Authorization", "token "+e.token)
	}
}

// normalizeESC unwraps fn::secret leaves and drops other fn:: expressions,
// which are only meaningful once an environment is opened.
func normalizeESC(v any) any {
	m, ok := asMap(v)
	if !ok {
		if list, isList := v.([]any); isList {
			out := make([]any, len(list))
			for i := range list {
				out[i] = normalizeESC(list[i])
			}
			return out
		}
		return v
	}

	if len(m) == 1 {
		for k, inner := range m {
			if k == escSecretFn {
				if s, isString := inner.(string); isString {
					return s
				}
				return nil
			}
			if strings.HasPrefix(k, escFnPrefix) {
				return nil
			}
		}
	}

	out := make(map[string]any, len(m))
	for k, inner := range m {
		out[k] = normalizeESC(inner)
	}
	return out
}
