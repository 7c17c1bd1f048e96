package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OnePasswordScheme is the registry scheme for op:// references
const OnePasswordScheme = "op"

// OnePasswordConfig points at a 1Password Connect server
type OnePasswordConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// OnePasswordProvider resolves op://vault/item/field references through the
// 1Password Connect REST API
type OnePasswordProvider struct {
	base   string
	token  string
	client *http.Client
}

type opVault struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type opItem struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Fields []opField `json:"fields"`
}

type opField struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// NewOnePasswordProvider creates a Connect client
func NewOnePasswordProvider(cfg OnePasswordConfig) (*OnePasswordProvider, error) {
	if cfg.URL == "" {
		return nil, errors.New("1password connect url is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("1password connect token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &OnePasswordProvider{
		base:   strings.TrimRight(cfg.URL, "/"),
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Scheme returns "op"
func (o *OnePasswordProvider) Scheme() string {
	return OnePasswordScheme
}

// Resolve takes "vault/item/field". Vault and item match by name or ID, field
// by label or ID.
func (o *OnePasswordProvider) Resolve(ctx context.Context, ref string) (string, error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", errors.New("reference must be op://vault/item/field")
	}
	vaultName, itemName, fieldName := parts[0], parts[1], parts[2]

	var vaults []opVault
	if err := o.get(ctx, "/v1/vaults", url.Values{"filter": {fmt.Sprintf("name eq %q", vaultName)}}, &vaults); err != nil {
		return "", err
	}
	vaultID := vaultName
	if len(vaults) > 0 {
		vaultID = vaults[0].ID
	}

	var items []opItem
	itemsPath := "/v1/vaults/" + url.PathEscape(vaultID) + "/items"
	if err := o.get(ctx, itemsPath, url.Values{"filter": {fmt.Sprintf("title eq %q", itemName)}}, &items); err != nil {
		return "", err
	}
	itemID := itemName
	if len(items) > 0 {
		itemID = items[0].ID
	}

	var item opItem
	if err := o.get(ctx, itemsPath+"/"+url.PathEscape(itemID), nil, &item); err != nil {
		return "", err
	}
	for _, f := range item.Fields {
		if f.Label == fieldName || f.ID == fieldName {
			return f.Value, nil
		}
	}
	return "", fmt.Errorf("%w: field %s in %s/%s", ErrNotFound, fieldName, vaultName, itemName)
}

func (o *OnePasswordProvider) get(ctx context.Context, path string, query url.Values, out any) error {
	u := o.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.token)
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("1password connect: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("1password connect: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: 1password %s", ErrNotFound, path)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("1password connect: HTTP %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("1password connect: malformed response: %w", err)
	}
	return nil
}
