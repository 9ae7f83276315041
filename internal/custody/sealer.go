package custody

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrUnseal is returned when a sealed key fails authentication.
var ErrUnseal = errors.New("custody: cannot unseal key")

// Sealer encrypts private keys at rest with NaCl secretbox.
// Sealed form is nonce || ciphertext.
type Sealer struct {
	key *[32]byte
}

// NewSealer creates a Sealer with a 32-byte secret.
func NewSealer(key *[32]byte) (*Sealer, error) {
	if key == nil {
		return nil, errors.New("custody: seal key is required")
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plain under a fresh random nonce.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, s.key), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrUnseal
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, ErrUnseal
	}
	return plain, nil
}
