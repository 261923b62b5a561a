package routing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/routecore/crypto"
	"github.com/opd-ai/routecore/transport"
)

func TestHandlerDropsExhaustedHops(t *testing.T) {
	network := transport.NewMemoryNetwork()
	node := newTestNode(t, network, "hops", nil)

	var mu sync.Mutex
	delivered := 0
	node.router.connectCallbacks(Callbacks{
		OnMessage: func(payload []byte, reply func([]byte)) {
			mu.Lock()
			delivered++
			mu.Unlock()
		},
	})

	msg := &Message{
		Type:        MessageTypeNodeLevel,
		Request:     true,
		Direct:      true,
		Replication: 1,
		HopsToLive:  0,
		Source:      testNodeID(t),
		Destination: node.router.Self().ID,
		Payload:     [][]byte{[]byte("dead")},
	}
	node.router.handler.HandleMessage(msg, node.addr)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, delivered, "exhausted hop count must drop the message")
}

func TestHandlerDeliversToSelf(t *testing.T) {
	network := transport.NewMemoryNetwork()
	node := newTestNode(t, network, "self", nil)

	var mu sync.Mutex
	var got []byte
	node.router.connectCallbacks(Callbacks{
		OnMessage: func(payload []byte, reply func([]byte)) {
			mu.Lock()
			got = payload
			mu.Unlock()
		},
	})

	msg := &Message{
		Type:        MessageTypeNodeLevel,
		Request:     true,
		Direct:      true,
		Replication: 1,
		HopsToLive:  50,
		Source:      testNodeID(t),
		Destination: node.router.Self().ID,
		Payload:     [][]byte{[]byte("ping")},
	}
	node.router.handler.HandleMessage(msg, node.addr)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("ping"), got)
}

func TestHandlerCorrelatesResponses(t *testing.T) {
	network := transport.NewMemoryNetwork()
	node := newTestNode(t, network, "corr", nil)

	rr := &responseRecorder{}
	id := node.router.timer.AddTask(time.Second, rr.fn, 1)

	response := &Message{
		Type:        MessageTypeNodeLevel,
		Request:     false,
		Direct:      true,
		Replication: 1,
		HopsToLive:  50,
		ID:          id,
		Source:      testNodeID(t),
		Destination: node.router.Self().ID,
		Payload:     [][]byte{[]byte("answer")},
	}
	node.router.handler.HandleMessage(response, node.addr)

	require.Eventually(t, func() bool {
		calls, _ := rr.snapshot()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	_, responses := rr.snapshot()
	require.Len(t, responses, 1)
	assert.Equal(t, []byte("answer"), responses[0])
}

func TestPingRoundTrip(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "ping-a", nil)
	b := newTestNode(t, network, "ping-b", nil)

	// Seed the pair with each other, as after a completed connect exchange.
	for _, pair := range [][2]*testNode{{a, b}, {b, a}} {
		node, peer := pair[0], pair[1]
		info := peer.router.Self()
		info.ConnectionID = info.ID
		info.Endpoint = peer.addr.Addr
		_, err := node.router.network.Add(info.ID, peer.addr)
		require.NoError(t, err)
		outcome, _ := node.router.table.Add(info)
		require.NotEqual(t, Rejected, outcome)
	}

	rr := &responseRecorder{}
	a.router.Ping(b.router.Self().ID, rr.fn, time.Second)

	require.Eventually(t, func() bool {
		calls, _ := rr.snapshot()
		return calls == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, responses := rr.snapshot()
	assert.Len(t, responses, 1, "a live peer answers the probe")
}

func TestPingUnreachableTimesOut(t *testing.T) {
	network := transport.NewMemoryNetwork()
	node := newTestNode(t, network, "ping-lone", nil)

	rr := &responseRecorder{}
	node.router.Ping(testNodeID(t), rr.fn, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		calls, _ := rr.snapshot()
		return calls == 1
	}, time.Second, 10*time.Millisecond)

	_, responses := rr.snapshot()
	assert.Empty(t, responses, "an unreachable target yields an empty probe result")
}

func TestHandlerSendSelfLoopback(t *testing.T) {
	network := transport.NewMemoryNetwork()
	node := newTestNode(t, network, "loop", nil)

	// A non-client node sending to its own address re-enters the inbound
	// path without touching the wire; the table must be non-empty so the
	// send does not take the relay path.
	seeded := NodeInfo{ID: testNodeID(t), ConnectionID: testNodeID(t)}
	outcome, _ := node.router.table.Add(seeded)
	require.NotEqual(t, Rejected, outcome)

	var mu sync.Mutex
	var got []byte
	node.router.connectCallbacks(Callbacks{
		OnMessage: func(payload []byte, reply func([]byte)) {
			mu.Lock()
			got = payload
			mu.Unlock()
		},
	})

	node.router.Send(node.router.Self().ID, crypto.NodeID{}, []byte("local"), nil, time.Second, true, false)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, time.Second, 5*time.Millisecond)
}
