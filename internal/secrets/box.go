package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrDecrypt is returned when a sealed value cannot be opened with the configured key.
var ErrDecrypt = errors.New("unable to decrypt sealed value")

// Box seals and opens offshore API credentials at rest.
type Box struct {
	key [32]byte
}

// NewBox derives the sealing key from a passphrase.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("secret passphrase is required")
	}
	return &Box{key: sha256.Sum256([]byte(passphrase))}, nil
}

// Seal encrypts plain and returns a base64 payload. Empty input stays empty so
// absent credentials remain absent after a round trip.
func (b *Box) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a payload produced by Seal.
func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
