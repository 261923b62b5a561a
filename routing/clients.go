package routing

import (
	"sync"

	"github.com/opd-ai/routecore/crypto"
	"github.com/sirupsen/logrus"
)

// ClientTable tracks non-routing connections: clients and partially joined
// peers that relay through this node. Entries never participate in next-hop
// selection. Admission requires the identity to fall within this node's
// close-group responsibility.
type ClientTable struct {
	mu      sync.Mutex
	self    crypto.NodeID
	params  Parameters
	entries []NodeInfo

	// inRange reports whether this node is responsible for an identity;
	// supplied by the owner to avoid a cycle with the routing table.
	inRange func(crypto.NodeID) bool
}

// NewClientTable creates an empty client table.
func NewClientTable(self crypto.NodeID, params Parameters, inRange func(crypto.NodeID) bool) *ClientTable {
	return &ClientTable{
		self:    self,
		params:  params.withDefaults(),
		inRange: inRange,
	}
}

// Add admits a client connection. It rejects identities outside our close
// group responsibility, duplicate connection ids, and identities already at
// their connection cap.
func (ct *ClientTable) Add(client NodeInfo) bool {
	if client.ID.IsZero() || client.ConnectionID.IsZero() || client.ID.Equal(ct.self) {
		return false
	}
	if ct.inRange != nil && !ct.inRange(client.ID) {
		logrus.WithFields(logrus.Fields{
			"function": "Add",
			"client":   client.ID.ShortString(),
		}).Debug("Client identity outside close group responsibility")
		return false
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	perIdentity := 0
	for _, entry := range ct.entries {
		if entry.ConnectionID.Equal(client.ConnectionID) {
			return false
		}
		if entry.ID.Equal(client.ID) {
			perIdentity++
		}
	}
	if perIdentity >= ct.params.MaxClientsPerIdentity {
		return false
	}

	ct.entries = append(ct.entries, client)
	return true
}

// DropConnection removes the entry with the given connection id and returns
// it, or nil when absent.
func (ct *ClientTable) DropConnection(connectionID crypto.NodeID) *NodeInfo {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for i, entry := range ct.entries {
		if entry.ConnectionID.Equal(connectionID) {
			dropped := entry
			ct.entries = append(ct.entries[:i], ct.entries[i+1:]...)
			return &dropped
		}
	}
	return nil
}

// GetClientConnections returns all connections held for an identity.
func (ct *ClientTable) GetClientConnections(id crypto.NodeID) []NodeInfo {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	var connections []NodeInfo
	for _, entry := range ct.entries {
		if entry.ID.Equal(id) {
			connections = append(connections, entry)
		}
	}
	return connections
}

// Size returns the number of client connections.
func (ct *ClientTable) Size() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.entries)
}
