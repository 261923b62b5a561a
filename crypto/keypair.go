package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// KeyPair represents an Ed25519 key pair backing a node's identity.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{}
	copy(keyPair.Public[:], public)
	copy(keyPair.Private[:], private.Seed())

	return keyPair, nil
}

// FromSecretKey derives a key pair from an existing 32-byte seed.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	private := ed25519.NewKeyFromSeed(secretKey[:])

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], private.Public().(ed25519.PublicKey))

	return keyPair, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
