// Package linklayer strips link-layer and IP/TCP headers from a captured
// packet down to the TCP payload (spec.md §4.C4). It only goes as far as
// locating that payload -- full link/IP option parsing is explicitly out
// of scope (spec.md §1 Non-goals).
package linklayer

// Direction matches frame.Parse's direction strings.
const (
	DirClientToServer = "C->S"
	DirServerToClient = "S->C"
)

// ipOffsetByLinkType maps a PCAP link-type to the byte offset of the IP
// header within the packet. Link-types not in this map carry no segment.
var ipOffsetByLinkType = map[uint32]int{
	0:   4,  // BSD loopback / NULL
	1:   14, // Ethernet
	101: 0,  // raw IP
	113: 16, // Linux cooked capture (SLL)
	228: 0,  // raw IPv4
	229: 0,  // raw IPv6
	276: 20, // Linux cooked capture v2 (SLL2)
}

// Segment is the TCP payload slice recovered from one packet, along with
// enough metadata for the reassembler (C5) to key and order it.
type Segment struct {
	Direction string
	SrcPort   uint16
	DstPort   uint16
	Seq       uint32
	Payload   []byte
}

// Decode locates the TCP payload belonging to serverPort within packet,
// given the capture's link-type. It returns ok=false when the link-type
// is unsupported, the packet isn't IPv4/IPv6+TCP, or neither port matches
// serverPort.
func Decode(linkType uint32, packet []byte, serverPort uint16) (Segment, bool) {
	ipOff, ok := ipOffsetByLinkType[linkType]
	if !ok {
		return Segment{}, false
	}
	if ipOff >= len(packet) {
		return Segment{}, false
	}
	ipHdr := packet[ipOff:]
	if len(ipHdr) < 1 {
		return Segment{}, false
	}

	version := ipHdr[0] >> 4
	var tcpOff int
	switch version {
	case 4:
		off, ok := ipv4TCPOffset(ipHdr)
		if !ok {
			return Segment{}, false
		}
		tcpOff = ipOff + off
	case 6:
		off, ok := ipv6TCPOffset(ipHdr)
		if !ok {
			return Segment{}, false
		}
		tcpOff = ipOff + off
	default:
		return Segment{}, false
	}

	return decodeTCP(packet, tcpOff, serverPort)
}

// ipv4TCPOffset validates the IPv4 header and returns the TCP header's
// offset relative to the start of the IP header.
func ipv4TCPOffset(ipHdr []byte) (int, bool) {
	if len(ipHdr) < 20 {
		return 0, false
	}
	if ipHdr[0]>>4 != 4 {
		return 0, false
	}
	ihl := int(ipHdr[0]&0x0F) * 4
	if ihl < 20 || len(ipHdr) < ihl {
		return 0, false
	}
	protocol := ipHdr[9]
	if protocol != 6 {
		return 0, false
	}
	return ihl, true
}

// ipv6TCPOffset validates a (no extension headers) IPv6 header and
// returns the TCP header's offset relative to the start of the IP header.
func ipv6TCPOffset(ipHdr []byte) (int, bool) {
	const ipv6HeaderLen = 40
	if len(ipHdr) < ipv6HeaderLen {
		return 0, false
	}
	if ipHdr[0]>>4 != 6 {
		return 0, false
	}
	nextHeader := ipHdr[6]
	if nextHeader != 6 {
		return 0, false
	}
	return ipv6HeaderLen, true
}

// decodeTCP parses the TCP header at tcpOff, filters to serverPort, and
// slices off the payload.
func decodeTCP(packet []byte, tcpOff int, serverPort uint16) (Segment, bool) {
	if tcpOff < 0 || tcpOff+20 > len(packet) {
		return Segment{}, false
	}
	tcpHdr := packet[tcpOff:]

	srcPort := uint16(tcpHdr[0])<<8 | uint16(tcpHdr[1])
	dstPort := uint16(tcpHdr[2])<<8 | uint16(tcpHdr[3])
	if srcPort != serverPort && dstPort != serverPort {
		return Segment{}, false
	}

	seq := uint32(tcpHdr[4])<<24 | uint32(tcpHdr[5])<<16 | uint32(tcpHdr[6])<<8 | uint32(tcpHdr[7])
	dataOffset := int(tcpHdr[12]>>4) * 4
	if dataOffset < 20 {
		return Segment{}, false
	}
	payloadOff := tcpOff + dataOffset
	if payloadOff > len(packet) {
		return Segment{}, false
	}

	direction := DirServerToClient
	if dstPort == serverPort {
		direction = DirClientToServer
	}

	return Segment{
		Direction: direction,
		SrcPort:   srcPort,
		DstPort:   dstPort,
		Seq:       seq,
		Payload:   packet[payloadOff:],
	}, true
}
