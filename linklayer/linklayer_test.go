package linklayer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildEthIPv4TCP builds a minimal Ethernet+IPv4+TCP packet with the given
// ports, sequence number, and payload.
func buildEthIPv4TCP(srcPort, dstPort uint16, seq uint32, payload []byte) []byte {
	eth := make([]byte, 14)

	ip := make([]byte, 20)
	ip[0] = 0x45 // version 4, IHL 5
	totalLen := 20 + 20 + len(payload)
	ip[2] = byte(totalLen >> 8)
	ip[3] = byte(totalLen)
	ip[9] = 6 // TCP

	tcp := make([]byte, 20)
	tcp[0] = byte(srcPort >> 8)
	tcp[1] = byte(srcPort)
	tcp[2] = byte(dstPort >> 8)
	tcp[3] = byte(dstPort)
	tcp[4] = byte(seq >> 24)
	tcp[5] = byte(seq >> 16)
	tcp[6] = byte(seq >> 8)
	tcp[7] = byte(seq)
	tcp[12] = 5 << 4 // data offset 20 bytes

	packet := append([]byte{}, eth...)
	packet = append(packet, ip...)
	packet = append(packet, tcp...)
	packet = append(packet, payload...)
	return packet
}

func TestDecode_EthernetClientToServer(t *testing.T) {
	packet := buildEthIPv4TCP(5000, 5190, 42, []byte("hello"))
	seg, ok := Decode(1, packet, 5190)
	require.True(t, ok)
	assert.Equal(t, DirClientToServer, seg.Direction)
	assert.Equal(t, uint32(42), seg.Seq)
	assert.Equal(t, []byte("hello"), seg.Payload)
}

func TestDecode_EthernetServerToClient(t *testing.T) {
	packet := buildEthIPv4TCP(5190, 5000, 7, []byte("world"))
	seg, ok := Decode(1, packet, 5190)
	require.True(t, ok)
	assert.Equal(t, DirServerToClient, seg.Direction)
}

func TestDecode_UnsupportedLinkType(t *testing.T) {
	packet := buildEthIPv4TCP(5000, 5190, 1, nil)
	_, ok := Decode(999, packet, 5190)
	assert.False(t, ok)
}

func TestDecode_PortMismatch(t *testing.T) {
	packet := buildEthIPv4TCP(1111, 2222, 1, nil)
	_, ok := Decode(1, packet, 5190)
	assert.False(t, ok)
}

func TestDecode_RawIPv4(t *testing.T) {
	full := buildEthIPv4TCP(5000, 5190, 1, []byte("x"))
	raw := full[14:] // strip the Ethernet header off for raw-IP link-types
	seg, ok := Decode(101, raw, 5190)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), seg.Payload)
}

func TestDecode_NonTCPProtocol(t *testing.T) {
	packet := buildEthIPv4TCP(5000, 5190, 1, nil)
	packet[14+9] = 17 // UDP
	_, ok := Decode(1, packet, 5190)
	assert.False(t, ok)
}

func TestDecode_TruncatedPacket(t *testing.T) {
	_, ok := Decode(1, []byte{0x00, 0x01}, 5190)
	assert.False(t, ok)
}

func TestDecode_IPv6TCP(t *testing.T) {
	eth := make([]byte, 14)
	ip6 := make([]byte, 40)
	ip6[0] = 0x60 // version 6
	ip6[6] = 6    // next header TCP
	tcp := make([]byte, 20)
	tcp[0], tcp[1] = 0x14, 0x46 // srcPort 5190
	tcp[2], tcp[3] = 0x00, 0x50 // dstPort 80
	tcp[12] = 5 << 4

	packet := append([]byte{}, eth...)
	packet = append(packet, ip6...)
	packet = append(packet, tcp...)
	packet = append(packet, []byte("payload")...)

	seg, ok := Decode(1, packet, 5190)
	require.True(t, ok)
	assert.Equal(t, DirServerToClient, seg.Direction)
	assert.Equal(t, []byte("payload"), seg.Payload)
}
