package routing

import (
	"github.com/opd-ai/routecore/crypto"
)

// NodeInfo describes a peer in the overlay. The identity pair (ID,
// PublicKey) is immutable for the lifetime of an entry; Rank is mutable.
type NodeInfo struct {
	ID           crypto.NodeID
	PublicKey    [32]byte
	ConnectionID crypto.NodeID
	Rank         int32
	Endpoint     string
}

// IsValid reports whether the entry carries a usable identity.
func (n NodeInfo) IsValid() bool {
	return !n.ID.IsZero()
}
