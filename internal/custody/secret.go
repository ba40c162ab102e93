package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// Sealed blob layout, base64 encoded:
// version(1) | salt(16) | nonce(12) | AES-256-GCM ciphertext+tag
const (
	blobVersion = 1
	saltSize    = 16
	keySize     = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrDecrypt covers a wrong passphrase and a tampered blob alike
var ErrDecrypt = errors.New("custody: cannot decrypt secret")

// Seal encrypts secret under a key derived from passphrase. Every call
// uses a fresh salt and nonce.
func Seal(secret []byte, passphrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("custody: empty passphrase")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, 0, 1+saltSize+len(nonce)+len(secret)+gcm.Overhead())
	out = append(out, blobVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, secret, []byte{blobVersion})
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal
func Open(blob, passphrase string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", ErrDecrypt)
	}
	if len(raw) < 1+saltSize || raw[0] != blobVersion {
		return nil, fmt.Errorf("%w: unknown format", ErrDecrypt)
	}

	salt := raw[1 : 1+saltSize]
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	rest := raw[1+saltSize:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: truncated", ErrDecrypt)
	}

	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	secret, err := gcm.Open(nil, nonce, ciphertext, []byte{blobVersion})
	if err != nil {
		return nil, ErrDecrypt
	}
	return secret, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
