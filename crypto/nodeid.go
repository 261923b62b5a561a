package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/bits"

	"golang.org/x/crypto/blake2b"
)

// NodeIDSize is the size of a node identifier in bytes.
const NodeIDSize = 64

// NodeIDBits is the size of a node identifier in bits.
const NodeIDBits = NodeIDSize * 8

// NodeID is a 512-bit overlay address. Node identities are the BLAKE2b-512
// digest of the node's public key; message destinations and transport
// connection handles share the same shape.
type NodeID [NodeIDSize]byte

// NewNodeID derives a node identifier from an Ed25519 public key.
func NewNodeID(publicKey [32]byte) NodeID {
	return NodeID(blake2b.Sum512(publicKey[:]))
}

// RandomNodeID generates a random identifier, used for anonymous node
// identities and transport connection handles.
func RandomNodeID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, err
	}
	return id, nil
}

// NodeIDFromString parses a node identifier from its hexadecimal
// representation.
func NodeIDFromString(s string) (NodeID, error) {
	if len(s) != NodeIDSize*2 {
		return NodeID{}, errors.New("invalid node ID length")
	}

	data, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, err
	}

	var id NodeID
	copy(id[:], data)
	return id, nil
}

// NodeIDFromBytes parses a node identifier from a raw byte slice.
func NodeIDFromBytes(data []byte) (NodeID, error) {
	if len(data) != NodeIDSize {
		return NodeID{}, errors.New("invalid node ID length")
	}

	var id NodeID
	copy(id[:], data)
	return id, nil
}

// String returns the hexadecimal representation of the identifier.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a truncated hexadecimal prefix for log output.
func (id NodeID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the identifier is all zeros.
func (id NodeID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal reports whether two identifiers are the same.
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// Xor returns the XOR distance between two identifiers.
func (id NodeID) Xor(other NodeID) NodeID {
	var result NodeID
	for i := 0; i < NodeIDSize; i++ {
		result[i] = id[i] ^ other[i]
	}
	return result
}

// Less compares two identifiers as big-endian unsigned integers.
func (id NodeID) Less(other NodeID) bool {
	for i := 0; i < NodeIDSize; i++ {
		if id[i] < other[i] {
			return true
		} else if id[i] > other[i] {
			return false
		}
	}
	return false
}

// BucketIndex returns the number of leading bits this identifier shares with
// the other. A distant peer lands in bucket 0; an identical identifier yields
// NodeIDBits-1.
func (id NodeID) BucketIndex(other NodeID) int {
	for i := 0; i < NodeIDSize; i++ {
		diff := id[i] ^ other[i]
		if diff != 0 {
			return i*8 + bits.LeadingZeros8(diff)
		}
	}
	return NodeIDBits - 1
}

// CloserToTarget reports whether a is strictly closer to target than b by XOR
// distance.
func CloserToTarget(a, b, target NodeID) bool {
	for i := 0; i < NodeIDSize; i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			return da < db
		}
	}
	return false
}
