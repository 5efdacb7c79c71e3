// Package secrets keeps decision-service credentials encrypted at rest.
package secrets

import "context"

// Vault resolves secrets by key. Values are encrypted before they are
// persisted and only ever decrypted in memory.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore persists sealed blobs. *store.LibSQLStore implements it.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, sealed []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
