// Package scanner finds complete AOL/P3 frames inside a byte stream,
// carrying an incomplete trailing frame across calls as residual
// (spec.md §4.C6). It is the only place frame boundaries are discovered;
// frame.Parse never sees anything but a byte range scanner has already
// decided is a complete frame.
package scanner

import (
	"github.com/p3tap/p3tap/frame"
)

// Layout constants mirroring the wire format in spec.md §3: bytes 3..4
// hold the big-endian length field, and at least 10 bytes after magic
// are needed before a length can safely be read.
const (
	minBytesAfterMagic = 10
	lengthHiOffset     = 3
	lengthLoOffset     = 4

	// legacyShortFrameLen is the 9-byte keepalive short form some older
	// PCAP traces carry in addition to the parser's own "9B" branch
	// (spec.md §4.C6).
	legacyShortFrameLen = 9
)

// DirectionResidual holds the incomplete trailing bytes of the previous
// scan call for one stream direction (PCAP: per StreamKey; live proxy:
// per pipe direction).
type DirectionResidual struct {
	buf []byte
}

// Scan merges the residual with chunk, extracts every complete frame it
// can find, and leaves any trailing incomplete bytes as the new residual.
// legacyShortForm enables the optional 9-byte fast path the PCAP path
// may recognize (spec.md §4.C6); the live proxy path leaves it off and
// relies solely on the generic framed form.
//
// Each returned slice is a fresh copy, safe to retain past the next Scan
// call or past the lifetime of chunk.
func (d *DirectionResidual) Scan(chunk []byte, legacyShortForm bool) [][]byte {
	a := append(d.buf, chunk...)
	d.buf = nil

	var frames [][]byte
	cursor := 0
	for {
		magicAt := indexMagic(a, cursor)
		if magicAt < 0 {
			cursor = len(a)
			break
		}
		cursor = magicAt
		remaining := len(a) - cursor

		if legacyShortForm && remaining >= legacyShortFrameLen && isLegacyShortFrame(a, cursor) {
			frames = append(frames, copyRange(a, cursor, legacyShortFrameLen))
			cursor += legacyShortFrameLen
			continue
		}

		if remaining < minBytesAfterMagic {
			break
		}

		length := int(a[cursor+lengthHiOffset])<<8 | int(a[cursor+lengthLoOffset])
		total := 6 + length

		if remaining < total {
			break
		}

		frames = append(frames, copyRange(a, cursor, total))
		cursor += total
	}

	if cursor < len(a) {
		d.buf = append(d.buf, a[cursor:]...)
	}
	return frames
}

func copyRange(a []byte, off, length int) []byte {
	out := make([]byte, length)
	copy(out, a[off:off+length])
	return out
}

// indexMagic returns the offset of the first frame.Magic byte at or after
// start, or -1 if none is found.
func indexMagic(a []byte, start int) int {
	for i := start; i < len(a); i++ {
		if a[i] == frame.Magic {
			return i
		}
	}
	return -1
}

// isLegacyShortFrame recognizes the 9-byte short form some older PCAPs
// carry: a non-DATA type family whose high nibble is 0xA0, with len==3.
// This is strictly an additional fast path; the parser's own "9B" branch
// (triggered purely by length==9) remains normative.
func isLegacyShortFrame(a []byte, magicAt int) bool {
	if magicAt+8 >= len(a) {
		return false
	}
	typeByte := a[magicAt+7]
	length := int(a[magicAt+3])<<8 | int(a[magicAt+4])
	return typeByte&0xF0 == 0xA0 && typeByte&0x7F != frame.TypeDATA && length == 3
}
