package routing

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/routecore/crypto"
	"github.com/opd-ai/routecore/transport"
)

// facadePair wires two Network facades over an in-memory network.
func facadePair(t *testing.T) (*Network, *Network, transport.MemoryAddr, transport.MemoryAddr) {
	t.Helper()
	memory := transport.NewMemoryNetwork()

	trA, err := memory.Listen("net-a")
	require.NoError(t, err)
	trB, err := memory.Listen("net-b")
	require.NoError(t, err)

	selfA := testNodeID(t)
	selfB := testNodeID(t)
	params := DefaultParameters()

	poolA := NewTaskPool(2)
	poolB := NewTaskPool(2)
	t.Cleanup(poolA.Stop)
	t.Cleanup(poolB.Stop)

	a := NewNetwork(selfA, trA, NewRoutingTable(selfA, params), poolA)
	b := NewNetwork(selfB, trB, NewRoutingTable(selfB, params), poolB)

	return a, b, transport.MemoryAddr{Addr: "net-a"}, transport.MemoryAddr{Addr: "net-b"}
}

func TestNetworkBootstrapHandshake(t *testing.T) {
	a, b, _, addrB := facadePair(t)

	err := a.Bootstrap(context.Background(), []net.Addr{addrB}, nil, nil, nil)
	require.NoError(t, err)

	assert.True(t, a.BootstrapConnectionID().Equal(b.self),
		"bootstrap connection id identifies the peer")
	assert.False(t, a.ThisNodeRelayConnectionID().IsZero(),
		"the peer assigns us a relay handle")

	// The responder holds the relay handle as a live connection.
	_, held := b.ConnectionAddr(a.ThisNodeRelayConnectionID())
	assert.True(t, held)

	a.ClearBootstrapConnectionInfo()
	assert.True(t, a.BootstrapConnectionID().IsZero())
	assert.True(t, a.ThisNodeRelayConnectionID().IsZero())
}

func TestNetworkBootstrapUnreachableEndpoints(t *testing.T) {
	a, _, _, _ := facadePair(t)

	err := a.Bootstrap(context.Background(), []net.Addr{transport.MemoryAddr{Addr: "nowhere"}}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrBootstrapFailed)

	err = a.Bootstrap(context.Background(), nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrBootstrapFailed)
}

func TestNetworkBootstrapFallsThroughEndpointList(t *testing.T) {
	a, b, _, addrB := facadePair(t)

	endpoints := []net.Addr{transport.MemoryAddr{Addr: "dead"}, addrB}
	err := a.Bootstrap(context.Background(), endpoints, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, a.BootstrapConnectionID().Equal(b.self))
}

func TestNetworkConnectionRegistry(t *testing.T) {
	a, _, _, addrB := facadePair(t)

	peer := testNodeID(t)
	connectionID, err := a.Add(peer, addrB)
	require.NoError(t, err)
	assert.True(t, connectionID.Equal(peer))

	addr, ok := a.ConnectionAddr(connectionID)
	require.True(t, ok)
	assert.Equal(t, addrB.String(), addr.String())

	id, ok := a.ConnectionID(addrB)
	require.True(t, ok)
	assert.True(t, id.Equal(peer))

	_, _, result := a.GetAvailableEndpoint(peer, addrB)
	assert.Equal(t, EndpointAlreadyExists, result)

	a.Remove(connectionID)
	_, ok = a.ConnectionAddr(connectionID)
	assert.False(t, ok)

	_, _, result = a.GetAvailableEndpoint(peer, addrB)
	assert.Equal(t, EndpointOK, result)

	_, err = a.Add(crypto.NodeID{}, addrB)
	assert.Error(t, err, "zero peer id is not attachable")
}

func TestNetworkSendToDirectUnknownConnection(t *testing.T) {
	a, _, _, _ := facadePair(t)

	done := make(chan error, 1)
	msg := &Message{Type: MessageTypePing, Destination: testNodeID(t), HopsToLive: 50}
	a.SendToDirect(msg, testNodeID(t), func(err error) { done <- err })

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNoConnection)
	case <-time.After(time.Second):
		t.Fatal("onSent callback never fired")
	}
}

func TestNetworkSendFailureReportsConnectionLost(t *testing.T) {
	memory := transport.NewMemoryNetwork()
	tr, err := memory.Listen("lone")
	require.NoError(t, err)

	self := testNodeID(t)
	pool := NewTaskPool(2)
	t.Cleanup(pool.Stop)
	n := NewNetwork(self, tr, NewRoutingTable(self, DefaultParameters()), pool)

	lost := make(chan crypto.NodeID, 1)
	n.SetHandlers(nil, func(id crypto.NodeID) { lost <- id })

	// A registered connection whose endpoint has no listener fails on send.
	peer := testNodeID(t)
	_, err = n.Add(peer, transport.MemoryAddr{Addr: "gone"})
	require.NoError(t, err)

	msg := &Message{Type: MessageTypePing, Destination: peer, HopsToLive: 50}
	n.SendToDirect(msg, peer, nil)

	select {
	case id := <-lost:
		assert.True(t, id.Equal(peer))
	case <-time.After(time.Second):
		t.Fatal("connection loss was not reported")
	}
}
