package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// localWrapper wraps DEKs under a master key loaded from a file. It exists
// for development and tests; production deployments point at a remote
// authority so the master key never touches the vault process.
type localWrapper struct {
	keyID string
	aead  cipher.AEAD
}

// NewLocal creates a key-wrap client from a 32-byte master key.
func NewLocal(masterKey []byte) (KeyWrapper, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("kms: master key must be 32 bytes, got %d", len(masterKey))
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to create wrap cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to create GCM: %w", err)
	}

	// Key id is a short fingerprint of the master key, stable across restarts.
	sum := sha256.Sum256(masterKey)
	return &localWrapper{
		keyID: "local-" + hex.EncodeToString(sum[:4]),
		aead:  aead,
	}, nil
}

// NewLocalFromFile loads the master key from a file containing 32 raw bytes
// or 64 hex characters.
func NewLocalFromFile(path string) (KeyWrapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to read master key file: %w", err)
	}
	if decoded, derr := hex.DecodeString(string(trimNewline(data))); derr == nil && len(decoded) == 32 {
		return NewLocal(decoded)
	}
	return NewLocal(data)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func (w *localWrapper) KeyID() string {
	return w.keyID
}

func (w *localWrapper) Wrap(_ context.Context, dek []byte) ([]byte, error) {
	if len(dek) == 0 {
		return nil, errors.New("kms: plaintext DEK is empty")
	}
	nonce := make([]byte, w.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate wrap nonce: %v", ErrKeyUnavailable, err)
	}
	// nonce || ciphertext, mirroring the envelope layout used elsewhere.
	return w.aead.Seal(nonce, nonce, dek, nil), nil
}

func (w *localWrapper) Unwrap(_ context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) < w.aead.NonceSize() {
		return nil, errors.New("kms: wrapped key too short")
	}
	nonce := wrapped[:w.aead.NonceSize()]
	dek, err := w.aead.Open(nil, nonce, wrapped[w.aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap rejected", ErrKeyPermissionDenied)
	}
	return dek, nil
}

func (w *localWrapper) Close(context.Context) error {
	return nil
}
