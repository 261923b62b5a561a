package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/routecore/crypto"
)

func testNodeID(t *testing.T) crypto.NodeID {
	t.Helper()
	id, err := crypto.RandomNodeID()
	require.NoError(t, err)
	return id
}

func TestMessageSerializeRoundTrip(t *testing.T) {
	msg := &Message{
		Type:              MessageTypeNodeLevel,
		ID:                0xdeadbeef,
		Request:           true,
		RoutingMessage:    false,
		Direct:            true,
		Cacheable:         true,
		ClientNode:        true,
		Replication:       8,
		HopsToLive:        49,
		Source:            testNodeID(t),
		Destination:       testNodeID(t),
		RelayID:           testNodeID(t),
		RelayConnectionID: testNodeID(t),
		GroupClaim:        testNodeID(t),
		LastID:            testNodeID(t),
		Payload:           [][]byte{[]byte("hello"), {}, []byte("world")},
	}

	data, err := msg.Serialize()
	require.NoError(t, err)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg, parsed)
}

func TestMessageSerializeEmptyFields(t *testing.T) {
	msg := &Message{
		Type:        MessageTypeFindNodes,
		Destination: testNodeID(t),
		HopsToLive:  50,
	}

	data, err := msg.Serialize()
	require.NoError(t, err)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)
	assert.False(t, parsed.HasSource())
	assert.False(t, parsed.HasRelay())
	assert.Empty(t, parsed.Payload)
	assert.True(t, parsed.Destination.Equal(msg.Destination))
}

func TestParseMessageTruncated(t *testing.T) {
	msg := &Message{Type: MessageTypePing, Destination: testNodeID(t), Payload: [][]byte{[]byte("x")}}
	data, err := msg.Serialize()
	require.NoError(t, err)

	_, err = ParseMessage(data[:10])
	assert.ErrorIs(t, err, ErrMessageTooShort)

	// Truncating inside the payload framing is detected.
	_, err = ParseMessage(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrMessageCorrupt)
}

func TestNodeInfoRoundTrip(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	node := NodeInfo{
		ID:           crypto.NewNodeID(keys.Public),
		PublicKey:    keys.Public,
		ConnectionID: testNodeID(t),
		Endpoint:     "127.0.0.1:5483",
	}

	parsed, err := parseNodeInfo(serializeNodeInfo(node))
	require.NoError(t, err)
	assert.Equal(t, node, parsed)

	_, err = parseNodeInfo([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFindNodesRequestCarriesCount(t *testing.T) {
	self := testNodeID(t)
	relay := testNodeID(t)

	msg := findNodesRequest(self, self, 42, true, relay, 50)
	assert.False(t, msg.HasSource(), "relayed requests carry no source")
	assert.True(t, msg.RelayID.Equal(self))
	assert.True(t, msg.RelayConnectionID.Equal(relay))
	assert.Equal(t, 42, requestedNodeCount(msg))

	direct := findNodesRequest(self, self, 7, false, crypto.NodeID{}, 50)
	assert.True(t, direct.HasSource())
	assert.Equal(t, 7, requestedNodeCount(direct))
}
