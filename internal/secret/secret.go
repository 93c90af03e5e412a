// Package secret seals account passwords at rest.
//
// A sealed value is base64(salt | nonce | ciphertext): the key is stretched
// with scrypt using the per-value salt and the payload is sealed with
// XChaCha20-Poly1305.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const saltLen = 16

// scrypt cost parameters; N is lowered in tests.
var scryptN = 1 << 15

var (
	ErrEmptyKey  = errors.New("secret: empty key")
	ErrMalformed = errors.New("secret: malformed ciphertext")
	ErrDecrypt   = errors.New("secret: wrong key or corrupted ciphertext")
)

// Decrypter turns a sealed value back into plaintext.
type Decrypter interface {
	Decrypt(ciphertext, key string) (string, error)
}

// Box is the default Decrypter.
type Box struct{}

func (Box) Decrypt(ciphertext, key string) (string, error) { return Open(ciphertext, key) }

// Seal encrypts plaintext under key.
func Seal(plaintext, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("secret: salt: %w", err)
	}
	aead, err := newAEAD(key, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}
	box := aead.Seal(nil, nonce, []byte(plaintext), salt)
	out := make([]byte, 0, len(salt)+len(nonce)+len(box))
	out = append(append(append(out, salt...), nonce...), box...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func Open(ciphertext, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrMalformed
	}
	if len(raw) < saltLen+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", ErrMalformed
	}
	salt := raw[:saltLen]
	nonce := raw[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	aead, err := newAEAD(key, salt)
	if err != nil {
		return "", err
	}
	pt, err := aead.Open(nil, nonce, raw[saltLen+chacha20poly1305.NonceSizeX:], salt)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(pt), nil
}

func newAEAD(key string, salt []byte) (cipher.AEAD, error) {
	k, err := scrypt.Key([]byte(key), salt, scryptN, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("secret: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, fmt.Errorf("secret: cipher: %w", err)
	}
	return aead, nil
}
