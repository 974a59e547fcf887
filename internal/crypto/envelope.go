package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Sentinel errors for the two crypto failure classes. Callers classify with
// errors.Is; the concrete cause is wrapped behind them.
var (
	// ErrEncryptionFailure indicates the underlying primitive failed.
	ErrEncryptionFailure = errors.New("encryption failure")
	// ErrIntegrityFailure indicates an authentication tag or content hash
	// mismatch at decrypt time. No partial plaintext is ever returned.
	ErrIntegrityFailure = errors.New("integrity failure")
)

// Envelope is the sidecar record persisted alongside each document version.
// EncryptedDEK is filled in by the key-wrap client after Encrypt returns;
// the cipher itself never sees wrapped key material.
//
// JSON []byte fields marshal as base64, which matches the wire structure.
type Envelope struct {
	EncryptedData []byte `json:"encryptedData"`
	EncryptedDEK  []byte `json:"encryptedDEK"`
	IV            []byte `json:"iv"`
	AuthTag       []byte `json:"authTag"`
	Algorithm     string `json:"algorithm"`
	KeyID         string `json:"keyId"`
}

// Cipher encrypts and decrypts document payloads with a fresh data
// encryption key per object. It performs no I/O and holds no key material.
type Cipher struct {
	algorithm string
	supported []string
}

// NewCipher creates a cipher using the given preferred algorithm for new
// encryptions. An empty algorithm selects AES-256-GCM.
func NewCipher(algorithm string, supported []string) (*Cipher, error) {
	if algorithm == "" {
		algorithm = AlgorithmAES256GCM
	}
	if len(supported) == 0 {
		supported = []string{AlgorithmAES256GCM, AlgorithmChaCha20Poly1305}
	}
	if !isAlgorithmSupported(algorithm, supported) {
		return nil, fmt.Errorf("preferred algorithm %s is not in supported algorithms list", algorithm)
	}
	return &Cipher{algorithm: algorithm, supported: supported}, nil
}

// Encrypt encrypts plaintext under a freshly generated 256-bit DEK and
// 96-bit nonce. It returns the envelope (EncryptedDEK and KeyID unset) and
// the plaintext DEK, which the caller must hand to the key-wrap client and
// zero immediately afterwards.
//
// aad binds the envelope to its owning document; the same value must be
// supplied on decrypt.
func (c *Cipher) Encrypt(plaintext, aad []byte) (*Envelope, []byte, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to generate DEK: %v", ErrEncryptionFailure, err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		zeroBytes(dek)
		return nil, nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryptionFailure, err)
	}

	aead, err := createAEADCipher(c.algorithm, dek)
	if err != nil {
		zeroBytes(dek)
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, aad)

	// Seal appends the tag; the wire structure carries it separately.
	split := len(sealed) - tagSize
	env := &Envelope{
		EncryptedData: sealed[:split],
		IV:            nonce,
		AuthTag:       sealed[split:],
		Algorithm:     c.algorithm,
	}
	return env, dek, nil
}

// Decrypt verifies the authentication tag and returns the plaintext. The
// dek must be the unwrapped data encryption key for this envelope. On tag
// mismatch it fails with ErrIntegrityFailure and returns no data.
func (c *Cipher) Decrypt(env *Envelope, dek, aad []byte) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrEncryptionFailure)
	}
	algorithm := env.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmAES256GCM
	}
	if !isAlgorithmSupported(algorithm, c.supported) {
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrEncryptionFailure, algorithm)
	}
	if len(env.IV) != nonceSize {
		return nil, fmt.Errorf("%w: invalid nonce size %d", ErrEncryptionFailure, len(env.IV))
	}

	aead, err := createAEADCipher(algorithm, dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	sealed := make([]byte, 0, len(env.EncryptedData)+len(env.AuthTag))
	sealed = append(sealed, env.EncryptedData...)
	sealed = append(sealed, env.AuthTag...)

	plaintext, err := aead.Open(nil, env.IV, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication tag mismatch", ErrIntegrityFailure)
	}
	return plaintext, nil
}

// Hash computes the content digest of a plaintext, independent of
// encryption. It is stored on the document record at upload time and
// re-checked after decryption.
func Hash(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// ZeroBytes overwrites a byte slice with zeros for secure memory cleanup.
func ZeroBytes(b []byte) {
	zeroBytes(b)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
