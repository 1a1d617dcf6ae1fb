package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	ivSize  = 12
	tagSize = 16
	keySize = 32
)

var kdfSalt = []byte("bundler-go/keystore/v1")

// ErrDecrypt is returned for any ciphertext that fails to authenticate.
var ErrDecrypt = errors.New("keystore: decryption failed")

// Cipher seals key material with AES-256-GCM under a key derived once from a secret.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the encryption key from secret with scrypt (N=16384, r=8, p=1).
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("keystore: encryption secret not set")
	}
	key, err := scrypt.Key([]byte(secret), kdfSalt, 16384, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns base64(iv || tag || ciphertext).
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. A wrong secret or any tampering yields ErrDecrypt and no bytes.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < ivSize+tagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	iv, tag, ct := raw[:ivSize], raw[ivSize:ivSize+tagSize], raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
