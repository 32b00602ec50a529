package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Encryptor is the symmetric capability the store seals session payloads with.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

var errCiphertextShort = errors.New("ciphertext too short")

// AEAD seals with XChaCha20-Poly1305. Output is nonce || sealed box.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD derives a 256-bit key from secret with HKDF-SHA256.
func NewAEAD(secret string) (*AEAD, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is empty")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("campus session v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &AEAD{aead: aead}, nil
}

func (a *AEAD) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (a *AEAD) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < a.aead.NonceSize()+a.aead.Overhead() {
		return nil, errCiphertextShort
	}
	nonce, box := ciphertext[:a.aead.NonceSize()], ciphertext[a.aead.NonceSize():]
	return a.aead.Open(nil, nonce, box, nil)
}
