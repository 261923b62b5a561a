package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSerializeRoundTrip(t *testing.T) {
	packet := &Packet{
		Type: PacketRoutingMessage,
		Data: []byte{0xde, 0xad, 0xbe, 0xef},
	}

	data, err := packet.Serialize()
	require.NoError(t, err)
	assert.Equal(t, byte(PacketRoutingMessage), data[0])

	parsed, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, packet.Type, parsed.Type)
	assert.Equal(t, packet.Data, parsed.Data)
}

func TestPacketSerializeNilData(t *testing.T) {
	packet := &Packet{Type: PacketHandshake}
	_, err := packet.Serialize()
	assert.Error(t, err)
}

func TestParsePacketTooShort(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.Error(t, err)

	_, err = ParsePacket([]byte{})
	assert.Error(t, err)

	// A lone type byte with empty body is valid.
	parsed, err := ParsePacket([]byte{byte(PacketHandshake)})
	require.NoError(t, err)
	assert.Equal(t, PacketHandshake, parsed.Type)
	assert.Empty(t, parsed.Data)
}
