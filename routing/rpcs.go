package routing

import (
	"encoding/binary"

	"github.com/opd-ai/routecore/crypto"
)

// RPC constructors for the overlay-internal routing messages. Relay fields
// are filled when the sender is anonymous or partially joined so responses
// can return via its bootstrap peer.

// findNodesRequest builds a FindNodes request asking for numNodes nodes
// closest to target.
func findNodesRequest(self, target crypto.NodeID, numNodes int, relay bool, relayConnectionID crypto.NodeID, hops uint16) *Message {
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(numNodes))

	m := &Message{
		Type:           MessageTypeFindNodes,
		Request:        true,
		RoutingMessage: true,
		Direct:         true,
		Replication:    1,
		HopsToLive:     hops,
		Destination:    target,
		Payload:        [][]byte{count},
	}
	if relay {
		m.RelayID = self
		m.RelayConnectionID = relayConnectionID
	} else {
		m.Source = self
	}
	return m
}

// requestedNodeCount extracts the node count from a FindNodes request.
func requestedNodeCount(m *Message) int {
	if len(m.Payload) == 0 || len(m.Payload[0]) != 4 {
		return 1
	}
	return int(binary.BigEndian.Uint32(m.Payload[0]))
}

// findNodesResponse answers a FindNodes request with the given peers.
func findNodesResponse(self crypto.NodeID, request *Message, nodes []NodeInfo, hops uint16) *Message {
	payload := make([][]byte, 0, len(nodes))
	for _, node := range nodes {
		payload = append(payload, serializeNodeInfo(node))
	}

	m := &Message{
		Type:              MessageTypeFindNodesResponse,
		Request:           false,
		RoutingMessage:    true,
		Direct:            true,
		Replication:       1,
		HopsToLive:        hops,
		ID:                request.ID,
		Source:            self,
		Destination:       request.Source,
		RelayID:           request.RelayID,
		RelayConnectionID: request.RelayConnectionID,
		Payload:           payload,
	}
	if !request.HasSource() {
		m.Destination = request.RelayID
	}
	return m
}

// connectRequest asks a candidate peer to validate and admit us. The payload
// carries our identity and the signed ownership token.
func connectRequest(self NodeInfo, token crypto.Signature, target crypto.NodeID, relay bool, relayConnectionID crypto.NodeID, hops uint16) *Message {
	m := &Message{
		Type:           MessageTypeConnect,
		Request:        true,
		RoutingMessage: true,
		Direct:         true,
		Replication:    1,
		HopsToLive:     hops,
		Destination:    target,
		Payload:        [][]byte{serializeNodeInfo(self), token[:]},
	}
	if relay {
		m.RelayID = self.ID
		m.RelayConnectionID = relayConnectionID
	} else {
		m.Source = self.ID
	}
	return m
}

// connectResponse answers a connect request, accepted or not, with our own
// identity and token.
func connectResponse(self NodeInfo, token crypto.Signature, request *Message, accepted bool, hops uint16) *Message {
	verdict := []byte{0}
	if accepted {
		verdict[0] = 1
	}

	m := &Message{
		Type:              MessageTypeConnectResponse,
		Request:           false,
		RoutingMessage:    true,
		Direct:            true,
		Replication:       1,
		HopsToLive:        hops,
		ID:                request.ID,
		Source:            self.ID,
		Destination:       request.Source,
		RelayID:           request.RelayID,
		RelayConnectionID: request.RelayConnectionID,
		Payload:           [][]byte{verdict, serializeNodeInfo(self), token[:]},
	}
	if !request.HasSource() {
		m.Destination = request.RelayID
	}
	return m
}

// pingRequest builds a liveness probe toward target.
func pingRequest(self, target crypto.NodeID, hops uint16) *Message {
	return &Message{
		Type:           MessageTypePing,
		Request:        true,
		RoutingMessage: true,
		Direct:         true,
		Replication:    1,
		HopsToLive:     hops,
		Source:         self,
		Destination:    target,
	}
}

// pingResponse answers a ping.
func pingResponse(self crypto.NodeID, request *Message, hops uint16) *Message {
	return &Message{
		Type:           MessageTypePingResponse,
		Request:        false,
		RoutingMessage: true,
		Direct:         true,
		Replication:    1,
		HopsToLive:     hops,
		ID:             request.ID,
		Source:         self,
		Destination:    request.Source,
	}
}
