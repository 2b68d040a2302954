package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Cipher encrypts and decrypts individual credential fields with a
// process-wide AES-256-GCM key. Fields are sealed independently so adding a
// column never requires re-encrypting its neighbours.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// EncryptField seals one plaintext value. Output is base64(nonce || ciphertext).
func (c *Cipher) EncryptField(plaintext string) (string, error) {
	if c == nil || c.aead == nil {
		return "", errors.New("vault cipher is not configured")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptField opens a value produced by EncryptField.
func (c *Cipher) DecryptField(encoded string) (string, error) {
	if c == nil || c.aead == nil {
		return "", errors.New("vault cipher is not configured")
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("vault decode: %w", err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", errors.New("vault ciphertext is truncated")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("vault decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptFields seals every field of a credential set.
func (c *Cipher) EncryptFields(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		sealed, err := c.EncryptField(value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = sealed
	}
	return out, nil
}

// DecryptFields opens every field of a stored credential set.
func (c *Cipher) DecryptFields(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		plain, err := c.DecryptField(value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = plain
	}
	return out, nil
}
