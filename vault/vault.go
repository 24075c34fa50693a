// Package vault provides an authenticated encrypted key/value store for
// named secrets. Storage holds ciphertext only; plaintext exists in memory
// just long enough to serve an authorized request.
package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/fluxproj/flux/store"
)

// ErrNoKey is returned when the vault is constructed without a master key.
var ErrNoKey = errors.New("vault: encryption key not configured")

// saltName is the reserved row holding the vault's KDF salt. The salt is
// not secret material, but the row lives with the ciphertexts so the vault
// is self-contained; List hides it.
const saltName = ".vault/kdf-salt"

const saltSize = 16

// SecretStore is the slice of the repository the vault needs: ciphertext
// rows keyed by name.
type SecretStore interface {
	SetSecret(ctx context.Context, name string, ciphertext []byte) error
	GetSecret(ctx context.Context, name string) ([]byte, error)
	ListSecrets(ctx context.Context) ([]string, error)
	DeleteSecret(ctx context.Context, name string) error
}

// Vault encrypts secrets with ChaCha20-Poly1305 keyed by an scrypt-derived
// key. The scrypt salt is generated per vault on first use and persisted in
// the backing store, so two vaults over different stores never share a key
// even with the same master key. Each write uses a fresh random nonce
// prepended to the sealed box.
type Vault struct {
	store SecretStore
	aead  interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// New loads (or creates, on a fresh store) the vault's KDF salt, derives
// the AEAD key from masterKey, and binds the vault to the store. The server
// constructs one vault at startup, before any request can race the salt
// row into existence.
func New(st SecretStore, masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrNoKey
	}

	salt, err := loadOrCreateSalt(context.Background(), st)
	if err != nil {
		return nil, err
	}

	key, err := scrypt.Key([]byte(masterKey), salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return &Vault{store: st, aead: aead}, nil
}

// loadOrCreateSalt returns the persisted per-vault salt, generating and
// storing one on first use. The stored value is always re-read after a
// write so every vault over the same store derives from the same salt.
func loadOrCreateSalt(ctx context.Context, st SecretStore) ([]byte, error) {
	salt, err := st.GetSecret(ctx, saltName)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("vault: stored salt is corrupt (%d bytes)", len(salt))
		}
		return salt, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("vault: load salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: generate salt: %w", err)
	}
	if err := st.SetSecret(ctx, saltName, salt); err != nil {
		return nil, fmt.Errorf("vault: persist salt: %w", err)
	}
	return st.GetSecret(ctx, saltName)
}

// Set encrypts plaintext and stores it under name, replacing any prior
// value.
func (v *Vault) Set(ctx context.Context, name, plaintext string) error {
	if name == saltName {
		return fmt.Errorf("vault: %q is reserved", name)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), []byte(name))
	return v.store.SetSecret(ctx, name, append(nonce, sealed...))
}

// Get decrypts and returns the secret's plaintext.
func (v *Vault) Get(ctx context.Context, name string) (string, error) {
	if name == saltName {
		return "", store.ErrNotFound
	}
	ciphertext, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return "", fmt.Errorf("vault: secret %q: ciphertext too short", name)
	}
	nonce, sealed := ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, []byte(name))
	if err != nil {
		return "", fmt.Errorf("vault: secret %q: %w", name, err)
	}
	return string(plaintext), nil
}

// List returns the stored secret names, never values. The reserved salt
// row is not a secret and is filtered out.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	names, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if name != saltName {
			out = append(out, name)
		}
	}
	return out, nil
}

// Remove deletes a secret.
func (v *Vault) Remove(ctx context.Context, name string) error {
	if name == saltName {
		return store.ErrNotFound
	}
	return v.store.DeleteSecret(ctx, name)
}

// GetSecret implements the runtime's secret source over the vault.
func (v *Vault) GetSecret(ctx context.Context, name string) (string, error) {
	return v.Get(ctx, name)
}
