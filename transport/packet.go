package transport

import (
	"errors"
)

// PacketType identifies the type of an overlay packet.
type PacketType byte

const (
	// PacketRoutingMessage carries a serialised routing envelope.
	PacketRoutingMessage PacketType = iota + 1
	// PacketHandshake carries the bootstrap attach handshake (peer identity
	// and assigned relay handle).
	PacketHandshake

	// PacketNoiseHandshake carries a Noise protocol handshake message.
	PacketNoiseHandshake PacketType = 250
)

// Packet represents a framed overlay packet.
type Packet struct {
	Type PacketType
	Data []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.Type)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		Type: PacketType(data[0]),
		Data: make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
