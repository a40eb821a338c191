// Package secret implements the authenticated field cipher used to protect
// integration delivery URLs and config blobs at rest. Ciphertext is
// self-contained: a random nonce is prepended to the sealed payload so a
// single process-wide key decrypts any field.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes (256 bits).
const KeySize = chacha20poly1305.KeySize

// ErrDecrypt is returned when a ciphertext fails authentication or is
// structurally invalid. Callers treat it as per-field: the field is skipped,
// not the whole operation.
var ErrDecrypt = errors.New("secret: decrypt failed")

// Cipher encrypts and decrypts individual fields with XChaCha20-Poly1305.
// It is immutable after construction and safe for concurrent use.
type Cipher struct {
	key []byte
}

// NewCipher constructs a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secret: key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Cipher{key: k}, nil
}

// NewCipherFromBase64 constructs a Cipher from a standard base64 encoded key,
// the form the key takes in configuration.
func NewCipherFromBase64(encoded string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secret: decode key: %w", err)
	}
	return NewCipher(key)
}

// GenerateKey returns a fresh random key encoded in base64, suitable for
// development environments that start without one.
func GenerateKey() string {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("secret: read random: %v", err))
	}
	return base64.StdEncoding.EncodeToString(key)
}

// Encrypt seals plaintext and returns nonce||ciphertext.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("secret: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secret: read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens nonce||ciphertext produced by Encrypt. Returns ErrDecrypt on
// any authentication or framing failure.
func (c *Cipher) Decrypt(ciphertext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("secret: new aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
