package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/voluma/internal/misc"
)

// SealWithPassphrase encrypts data under a passphrase with PBKDF2 + ChaCha20-Poly1305.
// Output layout: salt(32) | nonce(12) | ciphertext+tag. Used for header backup
// envelopes, never for sector data.
func SealWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, misc.Pbkdf2Iterations, chacha20poly1305.KeySize, sha256.New)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	result := make([]byte, len(salt)+len(nonce)+len(ciphertext))
	copy(result[:len(salt)], salt)
	copy(result[len(salt):len(salt)+len(nonce)], nonce)
	copy(result[len(salt)+len(nonce):], ciphertext)

	return result, nil
}

// OpenWithPassphrase decrypts a SealWithPassphrase envelope.
func OpenWithPassphrase(sealed []byte, passphrase string) ([]byte, error) {
	if len(sealed) < misc.SaltSize+chacha20poly1305.NonceSize {
		return nil, errors.New("sealed data too short")
	}

	salt := sealed[:misc.SaltSize]
	nonce := sealed[misc.SaltSize : misc.SaltSize+chacha20poly1305.NonceSize]
	ciphertext := sealed[misc.SaltSize+chacha20poly1305.NonceSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, misc.Pbkdf2Iterations, chacha20poly1305.KeySize, sha256.New)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// Checksum calculates the SHA-256 checksum of data as a hex string
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
