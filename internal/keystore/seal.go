package keystore

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	seedSize      = 32
	seedBlockType = "PZONE SEAL SEED"
)

// Sealer encrypts private keys at rest with XChaCha20-Poly1305. The AEAD
// key is derived from a random seed kept next to the database.
type Sealer struct {
	key []byte
}

// LoadOrCreateSealer loads the seed from path or generates a new one.
func LoadOrCreateSealer(path string) (*Sealer, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		block, _ := pem.Decode(data)
		if block == nil || block.Type != seedBlockType || len(block.Bytes) != seedSize {
			return nil, fmt.Errorf("invalid seal seed file %s", path)
		}
		return newSealer(block.Bytes), nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if err := pem.Encode(f, &pem.Block{Type: seedBlockType, Bytes: seed}); err != nil {
		f.Close() //nolint:errcheck
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return newSealer(seed), nil
}

func newSealer(seed []byte) *Sealer {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha512.New, seed, []byte("pzone-keystore-v1"), []byte("private-key-sealing"))
	io.ReadFull(r, key) //nolint:errcheck
	return &Sealer{key: key}
}

// Seal encrypts plaintext bound to keyID. The nonce is prepended.
func (s *Sealer) Seal(keyID string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(keyID)), nil
}

// Open decrypts a value produced by Seal for the same keyID.
func (s *Sealer) Open(keyID string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed key too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("open sealed key %s: %w", keyID, err)
	}
	return plain, nil
}
