// Package crypto implements the key derivation and authenticated encryption
// used for stored secrets.
//
// Keys are derived with PBKDF2-HMAC-SHA256 from a password and a fixed,
// purpose-scoped salt; payloads are sealed with AES-256-GCM. All operations
// are pure and safe for concurrent use.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyLen is the derived key size (AES-256).
	KeyLen = 32
	// GCMNonceLen is the nonce size prepended to every ciphertext.
	GCMNonceLen = 12
)

// ErrDecryptionFailed is returned when a ciphertext cannot be opened:
// wrong key, tampering, or truncation. Decryption never returns garbage.
var ErrDecryptionFailed = errors.New("decryption failed")

// randReader is swappable in tests.
var randReader io.Reader = rand.Reader

// DeriveKey derives a 32-byte key from secret and salt.
// Deterministic: the same inputs always produce the same key. The salt
// distinguishes purpose (key-material vs. message encryption), not record;
// per-record uniqueness comes from the password varying per secret.
func DeriveKey(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, KeyLen, sha256.New)
}

// Encrypt seals plaintext under key with AES-256-GCM. The returned
// ciphertext is self-contained: nonce || sealed payload.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, GCMNonceLen)
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. A wrong key or any
// modification of the ciphertext yields ErrDecryptionFailed.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < GCMNonceLen {
		return nil, ErrDecryptionFailed
	}
	nonce, sealed := ciphertext[:GCMNonceLen], ciphertext[GCMNonceLen:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM: %w", err)
	}
	return gcm, nil
}
