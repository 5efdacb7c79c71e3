package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/hitl/pkg/schema"
)

const credentialPrefix = "credential:"

// CredentialStore keeps decision-service credentials as JSON in the vault.
// Decrypted values may be kept in an LRU cache that Put and Delete invalidate.
type CredentialStore struct {
	vault Vault
	cache *lru.Cache[string, schema.Credentials]
}

// CredentialOption configures a CredentialStore.
type CredentialOption func(*CredentialStore) error

// WithCache caches up to size decrypted credentials.
func WithCache(size int) CredentialOption {
	return func(c *CredentialStore) error {
		cache, err := lru.New[string, schema.Credentials](size)
		if err != nil {
			return fmt.Errorf("credential cache: %w", err)
		}
		c.cache = cache
		return nil
	}
}

// NewCredentialStore wraps a vault.
func NewCredentialStore(v Vault, opts ...CredentialOption) (*CredentialStore, error) {
	c := &CredentialStore{vault: v}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Put stores creds under name, replacing any previous value.
func (c *CredentialStore) Put(ctx context.Context, name string, creds schema.Credentials) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "credential name is required")
	}
	if creds.BaseURL == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "credential %q: baseUrl is required", name)
	}
	b, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credential %s: %w", name, err)
	}
	if err := c.vault.Store(ctx, credentialPrefix+name, b); err != nil {
		return err
	}
	c.forget(name)
	return nil
}

// Get returns the named credentials. Unknown names yield NOT_FOUND.
func (c *CredentialStore) Get(ctx context.Context, name string) (schema.Credentials, error) {
	if c.cache != nil {
		if creds, ok := c.cache.Get(name); ok {
			return creds, nil
		}
	}
	var creds schema.Credentials
	b, err := c.vault.Resolve(ctx, credentialPrefix+name)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(b, &creds); err != nil {
		return creds, schema.NewErrorf(schema.ErrCodeVault, "credential %q is corrupt", name).WithCause(err)
	}
	if c.cache != nil {
		c.cache.Add(name, creds)
	}
	return creds, nil
}

// Delete removes the named credentials.
func (c *CredentialStore) Delete(ctx context.Context, name string) error {
	c.forget(name)
	return c.vault.Delete(ctx, credentialPrefix+name)
}

func (c *CredentialStore) forget(name string) {
	if c.cache != nil {
		c.cache.Remove(name)
	}
}

// Names lists stored credential names.
func (c *CredentialStore) Names(ctx context.Context) ([]string, error) {
	keys, err := c.vault.List(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		if name, ok := strings.CutPrefix(k, credentialPrefix); ok {
			names = append(names, name)
		}
	}
	return names, nil
}
