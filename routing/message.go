package routing

import (
	"encoding/binary"
	"errors"

	"github.com/opd-ai/routecore/crypto"
)

// MessageType identifies the semantic of a routing envelope.
type MessageType uint8

const (
	MessageTypePing MessageType = iota + 1
	MessageTypePingResponse
	MessageTypeFindNodes
	MessageTypeFindNodesResponse
	MessageTypeConnect
	MessageTypeConnectResponse
	MessageTypeForwardConnect
	MessageTypeJoin
	MessageTypeJoinResponse
	MessageTypeFindGroup
	MessageTypeFindGroupResponse
	MessageTypeGetData
	MessageTypeGetDataResponse
	MessageTypePutData
	MessageTypePutDataResponse
	MessageTypePost
	MessageTypeNodeLevel
)

// Envelope flag bits.
const (
	flagRequest = 1 << iota
	flagRoutingMessage
	flagDirect
	flagCacheable
	flagClientNode
)

// envelopeHeaderSize is the fixed portion of a serialised envelope: type,
// flags, id, replication, hops, six identifiers, and the payload count.
const envelopeHeaderSize = 1 + 1 + 4 + 2 + 2 + 6*crypto.NodeIDSize + 2

var (
	// ErrMessageTooShort indicates a truncated envelope.
	ErrMessageTooShort = errors.New("message too short")
	// ErrMessageCorrupt indicates inconsistent payload framing.
	ErrMessageCorrupt = errors.New("message payload framing corrupt")
)

// Message is the routing envelope exchanged between overlay nodes. A zero
// Source marks a relayed message from a partially joined or anonymous peer.
type Message struct {
	Type              MessageType
	ID                uint32
	Request           bool
	RoutingMessage    bool
	Direct            bool
	Cacheable         bool
	ClientNode        bool
	Replication       uint16
	HopsToLive        uint16
	Source            crypto.NodeID
	Destination       crypto.NodeID
	RelayID           crypto.NodeID
	RelayConnectionID crypto.NodeID
	GroupClaim        crypto.NodeID
	LastID            crypto.NodeID
	Payload           [][]byte
}

// HasSource reports whether the envelope carries an originating identity.
func (m *Message) HasSource() bool {
	return !m.Source.IsZero()
}

// HasRelay reports whether the envelope carries relay return-path fields.
func (m *Message) HasRelay() bool {
	return !m.RelayConnectionID.IsZero()
}

// Serialize converts the envelope to its wire form.
func (m *Message) Serialize() ([]byte, error) {
	size := envelopeHeaderSize
	for _, p := range m.Payload {
		size += 4 + len(p)
	}
	if len(m.Payload) > 0xffff {
		return nil, ErrMessageCorrupt
	}

	data := make([]byte, size)
	data[0] = byte(m.Type)
	data[1] = m.flags()
	binary.BigEndian.PutUint32(data[2:6], m.ID)
	binary.BigEndian.PutUint16(data[6:8], m.Replication)
	binary.BigEndian.PutUint16(data[8:10], m.HopsToLive)

	offset := 10
	for _, id := range []crypto.NodeID{m.Source, m.Destination, m.RelayID, m.RelayConnectionID, m.GroupClaim, m.LastID} {
		copy(data[offset:], id[:])
		offset += crypto.NodeIDSize
	}

	binary.BigEndian.PutUint16(data[offset:], uint16(len(m.Payload)))
	offset += 2
	for _, p := range m.Payload {
		binary.BigEndian.PutUint32(data[offset:], uint32(len(p)))
		offset += 4
		copy(data[offset:], p)
		offset += len(p)
	}

	return data, nil
}

// flags packs the boolean envelope fields into one byte.
func (m *Message) flags() byte {
	var flags byte
	if m.Request {
		flags |= flagRequest
	}
	if m.RoutingMessage {
		flags |= flagRoutingMessage
	}
	if m.Direct {
		flags |= flagDirect
	}
	if m.Cacheable {
		flags |= flagCacheable
	}
	if m.ClientNode {
		flags |= flagClientNode
	}
	return flags
}

// ParseMessage converts wire data back to an envelope.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) < envelopeHeaderSize {
		return nil, ErrMessageTooShort
	}

	m := &Message{
		Type:        MessageType(data[0]),
		ID:          binary.BigEndian.Uint32(data[2:6]),
		Replication: binary.BigEndian.Uint16(data[6:8]),
		HopsToLive:  binary.BigEndian.Uint16(data[8:10]),
	}

	flags := data[1]
	m.Request = flags&flagRequest != 0
	m.RoutingMessage = flags&flagRoutingMessage != 0
	m.Direct = flags&flagDirect != 0
	m.Cacheable = flags&flagCacheable != 0
	m.ClientNode = flags&flagClientNode != 0

	offset := 10
	for _, id := range []*crypto.NodeID{&m.Source, &m.Destination, &m.RelayID, &m.RelayConnectionID, &m.GroupClaim, &m.LastID} {
		copy(id[:], data[offset:offset+crypto.NodeIDSize])
		offset += crypto.NodeIDSize
	}

	count := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	m.Payload = make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if offset+4 > len(data) {
			return nil, ErrMessageCorrupt
		}
		length := int(binary.BigEndian.Uint32(data[offset:]))
		offset += 4
		if offset+length > len(data) {
			return nil, ErrMessageCorrupt
		}
		payload := make([]byte, length)
		copy(payload, data[offset:offset+length])
		m.Payload = append(m.Payload, payload)
		offset += length
	}

	return m, nil
}

// wireNodeInfo framing: identity, public key, connection id, and a
// length-prefixed endpoint string.

// serializeNodeInfo encodes one peer description for FindNodes responses and
// connect exchanges.
func serializeNodeInfo(node NodeInfo) []byte {
	endpoint := []byte(node.Endpoint)
	data := make([]byte, crypto.NodeIDSize+32+crypto.NodeIDSize+2+len(endpoint))

	offset := 0
	copy(data[offset:], node.ID[:])
	offset += crypto.NodeIDSize
	copy(data[offset:], node.PublicKey[:])
	offset += 32
	copy(data[offset:], node.ConnectionID[:])
	offset += crypto.NodeIDSize
	binary.BigEndian.PutUint16(data[offset:], uint16(len(endpoint)))
	offset += 2
	copy(data[offset:], endpoint)

	return data
}

// parseNodeInfo decodes one peer description.
func parseNodeInfo(data []byte) (NodeInfo, error) {
	minSize := crypto.NodeIDSize + 32 + crypto.NodeIDSize + 2
	if len(data) < minSize {
		return NodeInfo{}, ErrMessageTooShort
	}

	var node NodeInfo
	offset := 0
	copy(node.ID[:], data[offset:])
	offset += crypto.NodeIDSize
	copy(node.PublicKey[:], data[offset:])
	offset += 32
	copy(node.ConnectionID[:], data[offset:])
	offset += crypto.NodeIDSize
	length := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+length > len(data) {
		return NodeInfo{}, ErrMessageCorrupt
	}
	node.Endpoint = string(data[offset : offset+length])

	return node, nil
}
