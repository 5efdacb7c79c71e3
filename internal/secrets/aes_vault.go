package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/rendis/hitl/pkg/schema"
)

const (
	keyLen = 32

	// envelopeV1 prefixes every sealed blob: version || nonce || ciphertext.
	envelopeV1 byte = 1

	defaultArgonTime      = 3
	defaultArgonMemoryKiB = 64 * 1024
	argonThreads          = 4
)

// VaultConfig configures key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt, which is
// stretched with Argon2id.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte

	ArgonTime      uint32 // passes, default 3
	ArgonMemoryKiB uint32 // default 64 MiB
}

// AESVault seals secrets with AES-256-GCM before they reach the SecretStore.
// The secret's key is the additional data, so a blob copied under another key
// does not open.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault over s.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func (cfg VaultConfig) key() ([]byte, error) {
	switch {
	case len(cfg.MasterKey) > 0:
		if len(cfg.MasterKey) != keyLen {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keyLen, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or passphrase is required")
	case len(cfg.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	t, mem := cfg.ArgonTime, cfg.ArgonMemoryKiB
	if t == 0 {
		t = defaultArgonTime
	}
	if mem == 0 {
		mem = defaultArgonMemoryKiB
	}
	return argon2.IDKey([]byte(cfg.Passphrase), cfg.Salt, t, mem, argonThreads, keyLen), nil
}

// Store seals value under key and persists it.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := make([]byte, 0, 1+len(nonce)+len(value)+v.aead.Overhead())
	sealed = append(sealed, envelopeV1)
	sealed = append(sealed, nonce...)
	sealed = v.aead.Seal(sealed, nonce, value, []byte(key))
	return v.store.StoreSecret(ctx, key, sealed)
}

// Resolve loads and opens the secret stored under key.
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	n := v.aead.NonceSize()
	if len(sealed) < 1+n {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: sealed value too short", key)
	}
	if sealed[0] != envelopeV1 {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: unknown envelope version %d", key, sealed[0])
	}
	plaintext, err := v.aead.Open(nil, sealed[1:1+n], sealed[1+n:], []byte(key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: decrypt failed", key).WithCause(err)
	}
	return plaintext, nil
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

var _ Vault = (*AESVault)(nil)
