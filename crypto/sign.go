package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature is the Ed25519 ownership proof a node attaches to connect
// exchanges.
type Signature [SignatureSize]byte

// Sign signs message with the 32-byte private key seed.
func Sign(message []byte, privateKey [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	var signature Signature
	copy(signature[:], ed25519.Sign(ed25519.NewKeyFromSeed(privateKey[:]), message))
	return signature, nil
}

// Verify reports whether signature is valid for message under publicKey.
func Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}

	return ed25519.Verify(publicKey[:], message, signature[:]), nil
}
