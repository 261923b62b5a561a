package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/routecore/crypto"
)

func clientInfo(t *testing.T) NodeInfo {
	t.Helper()
	return NodeInfo{ID: testNodeID(t), ConnectionID: testNodeID(t)}
}

func TestClientTableAddAndDrop(t *testing.T) {
	self := crypto.NodeID{}
	ct := NewClientTable(self, DefaultParameters(), func(crypto.NodeID) bool { return true })

	client := clientInfo(t)
	require.True(t, ct.Add(client))
	assert.Equal(t, 1, ct.Size())

	// Duplicate connection ids are rejected.
	assert.False(t, ct.Add(client))

	dropped := ct.DropConnection(client.ConnectionID)
	require.NotNil(t, dropped)
	assert.True(t, dropped.ID.Equal(client.ID))
	assert.Equal(t, 0, ct.Size())

	assert.Nil(t, ct.DropConnection(client.ConnectionID))
}

func TestClientTableRangeGate(t *testing.T) {
	ct := NewClientTable(crypto.NodeID{}, DefaultParameters(), func(crypto.NodeID) bool { return false })

	assert.False(t, ct.Add(clientInfo(t)), "identities outside our responsibility are refused")
}

func TestClientTablePerIdentityCap(t *testing.T) {
	params := DefaultParameters()
	params.MaxClientsPerIdentity = 2
	ct := NewClientTable(crypto.NodeID{}, params, func(crypto.NodeID) bool { return true })

	identity := testNodeID(t)
	for i := 0; i < 2; i++ {
		entry := NodeInfo{ID: identity, ConnectionID: testNodeID(t)}
		require.True(t, ct.Add(entry))
	}

	extra := NodeInfo{ID: identity, ConnectionID: testNodeID(t)}
	assert.False(t, ct.Add(extra))

	connections := ct.GetClientConnections(identity)
	assert.Len(t, connections, 2)
}

func TestClientTableRejectsInvalid(t *testing.T) {
	ct := NewClientTable(crypto.NodeID{}, DefaultParameters(), nil)

	assert.False(t, ct.Add(NodeInfo{ConnectionID: testNodeID(t)}), "zero identity")
	assert.False(t, ct.Add(NodeInfo{ID: testNodeID(t)}), "zero connection id")
	assert.False(t, ct.Add(NodeInfo{ID: crypto.NodeID{}, ConnectionID: testNodeID(t)}))
}
