// Package secrets seals provider credentials at rest.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrOpen is returned when a ciphertext cannot be authenticated.
var ErrOpen = errors.New("secrets: cannot open sealed value")

// Box seals and opens values with a key derived from a passphrase.
type Box struct {
	key [32]byte
}

// NewBox derives a box key from passphrase, which must be at least 32 bytes.
func NewBox(passphrase string) (*Box, error) {
	if len(passphrase) < 32 {
		return nil, fmt.Errorf("secrets: key must be at least 32 characters")
	}
	return &Box{key: sha256.Sum256([]byte(passphrase))}, nil
}

// Seal encrypts plaintext, prefixing the random nonce.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("secrets: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open reverses Seal.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}
