// Package credentials encrypts and decrypts the account passwords stored in the roster.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeyEnv is the environment variable holding the base64 encoded 32-byte key.
const KeyEnv = "CREDENTIALS_KEY"

// prefix marks values produced by Encrypt so plaintext rows can be told apart.
const prefix = "sb1:"

const (
	keySize   = 32
	nonceSize = 24
)

// ErrNotEncrypted is returned by Decrypt for values that were never encrypted.
var ErrNotEncrypted = errors.New("value is not encrypted")

// Cipher is a symmetric secretbox cipher.
type Cipher struct {
	key [keySize]byte
}

// NewCipher builds a Cipher from a base64 (std or url) encoded 32-byte key.
func NewCipher(encodedKey string) (*Cipher, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, fmt.Errorf("%s is not configured", KeyEnv)
	}
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(encodedKey)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyEnv, err)
		}
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("invalid %s: want %d bytes, got %d", KeyEnv, keySize, len(raw))
	}
	c := &Cipher{}
	copy(c.key[:], raw)
	return c, nil
}

// NewCipherFromEnv reads the key from CREDENTIALS_KEY.
func NewCipherFromEnv() (*Cipher, error) {
	return NewCipher(os.Getenv(KeyEnv))
}

// GenerateKey returns a new random key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// IsEncrypted reports whether value carries the Encrypt prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, prefix)
}

// Encrypt seals plaintext with a random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return "", ErrNotEncrypted
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", fmt.Errorf("failed to decrypt: authentication failed")
	}
	return string(plain), nil
}
