// Package vault stores static credential key material encrypted at rest.
// Entries are encrypted with AES-256-GCM under a master key derived from the
// operator passphrase via Argon2id. Profile- and environment-based credential
// sources never touch the vault; only explicit static keys do.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/pchinjr/no-wing/internal/core"
)

const (
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	argonKeyLen  = 32

	saltLen  = 32
	nonceLen = 12
)

// entry is a single encrypted secret.
type entry struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// vaultFile is the on-disk representation.
type vaultFile struct {
	Salt    []byte            `json:"salt"`
	Entries map[string]*entry `json:"entries"`
}

// Vault manages encrypted credential storage.
type Vault struct {
	mu        sync.RWMutex
	masterKey []byte
	salt      []byte
	entries   map[string]*entry
	path      string
	dirty     bool
}

// DeriveKey derives the 256-bit master key from a passphrase and salt.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// Create initializes a new vault file with a fresh salt.
func Create(path string, passphrase string) (*Vault, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	v := &Vault{
		masterKey: DeriveKey(passphrase, salt),
		salt:      salt,
		entries:   make(map[string]*entry),
		path:      path,
		dirty:     true,
	}
	if err := v.flush(); err != nil {
		return nil, err
	}
	return v, nil
}

// Open loads an existing vault and unlocks it with the given passphrase. A
// wrong passphrase is caught by attempting to decrypt one entry.
func Open(path string, passphrase string) (*Vault, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vault file: %w", err)
	}

	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parsing vault file: %w", err)
	}

	mk := DeriveKey(passphrase, vf.Salt)
	v := &Vault{
		masterKey: mk,
		salt:      vf.Salt,
		entries:   vf.Entries,
		path:      path,
	}
	if v.entries == nil {
		v.entries = make(map[string]*entry)
	}

	for key := range v.entries {
		if _, err := v.Get(key); err != nil {
			for i := range mk {
				mk[i] = 0
			}
			return nil, fmt.Errorf("incorrect passphrase or corrupted vault")
		}
		break
	}

	return v, nil
}

// Put encrypts and stores a secret under the given key.
func (v *Vault) Put(key string, plaintext []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	gcm, err := v.cipher()
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	// Key name as AAD binds the ciphertext to its slot.
	v.entries[key] = &entry{
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, []byte(key)),
	}
	v.dirty = true
	return nil
}

// Get decrypts and returns the secret stored under the given key.
func (v *Vault) Get(key string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	e, ok := v.entries[key]
	if !ok {
		return nil, fmt.Errorf("vault key not found: %s", key)
	}

	gcm, err := v.cipher()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, e.Nonce, e.Ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypting vault entry: %w", err)
	}
	return plaintext, nil
}

// Has reports whether a key exists in the vault.
func (v *Vault) Has(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.entries[key]
	return ok
}

// PutCredential stores an access-key pair for a credential source.
func (v *Vault) PutCredential(keyRef string, kind core.ContextKind, accessKeyID, secretAccessKey string) error {
	data, err := json.Marshal(map[string]string{
		"kind":       string(kind),
		"access_key": accessKeyID,
		"secret_key": secretAccessKey,
	})
	if err != nil {
		return err
	}
	return v.Put(keyRef, data)
}

// GetCredential retrieves an access-key pair stored by PutCredential.
func (v *Vault) GetCredential(keyRef string) (accessKeyID, secretAccessKey string, err error) {
	raw, err := v.Get(keyRef)
	if err != nil {
		return "", "", err
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", "", fmt.Errorf("parsing credential material: %w", err)
	}
	if m["access_key"] == "" || m["secret_key"] == "" {
		return "", "", fmt.Errorf("incomplete credential material under %s", keyRef)
	}
	return m["access_key"], m["secret_key"], nil
}

// Save persists pending writes to disk.
func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flush()
}

// Close zeroes the master key and flushes pending writes.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.flush()
	for i := range v.masterKey {
		v.masterKey[i] = 0
	}
	return err
}

func (v *Vault) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

func (v *Vault) flush() error {
	if !v.dirty {
		return nil
	}

	data, err := json.Marshal(vaultFile{Salt: v.salt, Entries: v.entries})
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0600); err != nil {
		return fmt.Errorf("writing vault file: %w", err)
	}
	v.dirty = false
	return nil
}
