package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAES256GCM is the default AES-256-GCM algorithm.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmChaCha20Poly1305 is the ChaCha20-Poly1305 algorithm.
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"

	dekSize   = 32 // 256-bit data encryption keys for both algorithms
	nonceSize = 12 // 96 bits for GCM and standard ChaCha20-Poly1305
	tagSize   = 16 // 128-bit authentication tag
)

// AEADCipher is an interface that wraps cipher.AEAD with algorithm name.
type AEADCipher interface {
	cipher.AEAD
	Algorithm() string
}

// aesGCMCipher wraps cipher.AEAD with algorithm name.
type aesGCMCipher struct {
	cipher.AEAD
}

func (c *aesGCMCipher) Algorithm() string {
	return AlgorithmAES256GCM
}

// chacha20Poly1305Cipher wraps cipher.AEAD with algorithm name.
type chacha20Poly1305Cipher struct {
	cipher.AEAD
}

func (c *chacha20Poly1305Cipher) Algorithm() string {
	return AlgorithmChaCha20Poly1305
}

// createAEADCipher creates an AEAD cipher for the given algorithm and key.
func createAEADCipher(algorithm string, key []byte) (AEADCipher, error) {
	switch algorithm {
	case AlgorithmAES256GCM:
		return createAESGCMCipher(key)
	case AlgorithmChaCha20Poly1305:
		return createChaCha20Poly1305Cipher(key)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// createAESGCMCipher creates an AES-GCM cipher.
func createAESGCMCipher(key []byte) (AEADCipher, error) {
	if len(key) != dekSize {
		return nil, fmt.Errorf("invalid key size for AES-256: expected %d bytes, got %d", dekSize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aesGCMCipher{AEAD: gcm}, nil
}

// createChaCha20Poly1305Cipher creates a ChaCha20-Poly1305 cipher.
func createChaCha20Poly1305Cipher(key []byte) (AEADCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key size for ChaCha20: expected %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &chacha20Poly1305Cipher{AEAD: aead}, nil
}

// isAlgorithmSupported checks if an algorithm is in the supported list.
func isAlgorithmSupported(algorithm string, supported []string) bool {
	if len(supported) == 0 {
		// If no supported list, allow all known algorithms
		return algorithm == AlgorithmAES256GCM || algorithm == AlgorithmChaCha20Poly1305
	}

	for _, alg := range supported {
		if alg == algorithm {
			return true
		}
	}
	return false
}
