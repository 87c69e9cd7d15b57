package kms

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Keystore is the on-disk JSON format for persisted signing keys.
type Keystore struct {
	Keys map[string]*StoredKey `json:"keys"`
}

// StoredKey holds every version of one named key.
type StoredKey struct {
	ActiveVersion int               `json:"active_version"`
	Disabled      bool              `json:"disabled,omitempty"`
	Versions      map[string]string `json:"versions"` // version -> base64 PKCS#8 DER
}

// FileBackend is a file-backed Backend holding ECDSA P-256 keys with
// versioned rotation. Old versions stay in the keystore but only the active
// version signs.
type FileBackend struct {
	mu    sync.RWMutex
	store Keystore
	path  string
	keys  map[string]*ecdsa.PrivateKey // active key cache by ref
}

// NewFileBackend loads or creates a keystore at the given path.
func NewFileBackend(keystorePath string) (*FileBackend, error) {
	b := &FileBackend{
		path:  keystorePath,
		store: Keystore{Keys: make(map[string]*StoredKey)},
		keys:  make(map[string]*ecdsa.PrivateKey),
	}

	data, err := os.ReadFile(keystorePath)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}
		if err := b.persist(); err != nil {
			return nil, err
		}
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}

	if err := json.Unmarshal(data, &b.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}
	if b.store.Keys == nil {
		b.store.Keys = make(map[string]*StoredKey)
	}

	for ref, sk := range b.store.Keys {
		key, err := decodeVersion(sk, sk.ActiveVersion)
		if err != nil {
			return nil, fmt.Errorf("kms: key %q: %w", ref, err)
		}
		b.keys[ref] = key
	}
	return b, nil
}

func decodeVersion(sk *StoredKey, version int) (*ecdsa.PrivateKey, error) {
	encoded, ok := sk.Versions[strconv.Itoa(version)]
	if !ok {
		return nil, fmt.Errorf("version %d not in keystore", version)
	}
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode v%d: %w", version, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse v%d: %w", version, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok || key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("v%d is not an ECDSA P-256 key", version)
	}
	return key, nil
}

// CreateKey generates version 1 of a new key. It fails if ref exists.
func (b *FileBackend) CreateKey(ref string) error {
	if ref == "" {
		return ErrEmptyKeyRef
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.store.Keys[ref]; exists {
		return fmt.Errorf("kms: key %q already exists", ref)
	}
	sk := &StoredKey{Versions: make(map[string]string)}
	b.store.Keys[ref] = sk
	if _, err := b.addVersion(ref, sk); err != nil {
		delete(b.store.Keys, ref)
		return err
	}
	return b.persist()
}

// Rotate generates a new active version for ref and returns its number.
func (b *FileBackend) Rotate(ref string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sk, ok := b.store.Keys[ref]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrKeyNotFound, ref)
	}
	v, err := b.addVersion(ref, sk)
	if err != nil {
		return 0, err
	}
	if err := b.persist(); err != nil {
		return 0, err
	}
	return v, nil
}

func (b *FileBackend) addVersion(ref string, sk *StoredKey) (int, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return 0, fmt.Errorf("kms: generate key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return 0, fmt.Errorf("kms: encode key: %w", err)
	}
	v := sk.ActiveVersion + 1
	sk.Versions[strconv.Itoa(v)] = base64.StdEncoding.EncodeToString(der)
	sk.ActiveVersion = v
	b.keys[ref] = key
	return v, nil
}

// SetDisabled enables or disables signing with ref.
func (b *FileBackend) SetDisabled(ref string, disabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sk, ok := b.store.Keys[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, ref)
	}
	sk.Disabled = disabled
	return b.persist()
}

// ActiveVersion returns the active version of ref, 0 if unknown.
func (b *FileBackend) ActiveVersion(ref string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sk, ok := b.store.Keys[ref]; ok {
		return sk.ActiveVersion
	}
	return 0
}

func (b *FileBackend) active(ref string) (*ecdsa.PrivateKey, error) {
	if ref == "" {
		return nil, ErrEmptyKeyRef
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	sk, ok := b.store.Keys[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, ref)
	}
	if sk.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrKeyDisabled, ref)
	}
	return b.keys[ref], nil
}

// Sign implements Backend.
func (b *FileBackend) Sign(ctx context.Context, keyRef string, message []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := b.active(keyRef)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("kms: sign: %w", err)
	}
	return sig, nil
}

// PublicKey implements Backend. Disabled keys still expose their public half
// so existing signatures remain verifiable.
func (b *FileBackend) PublicKey(ctx context.Context, keyRef string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if keyRef == "" {
		return nil, ErrEmptyKeyRef
	}
	b.mu.RLock()
	key, ok := b.keys[keyRef]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyRef)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("kms: encode public key: %w", err)
	}
	return der, nil
}

// persist writes the keystore to disk with restricted permissions.
func (b *FileBackend) persist() error {
	data, err := json.MarshalIndent(b.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.WriteFile(b.path, data, 0600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}
