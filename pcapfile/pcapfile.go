// Package pcapfile reads classic PCAP captures (spec.md §4.C3): the
// 24-byte file header in either byte order, followed by a stream of
// (record header, packet bytes) pairs. Pcapng and the nanosecond-precision
// variant are rejected outright; there is no fallback decoder for them.
package pcapfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

const (
	magicBigEndian    = 0xA1B2C3D4
	magicLittleEndian = 0xD4C3B2A1
	magicNanosecondBE = 0xA1B23C4D
	magicNanosecondLE = 0x4D3CB2A1
	magicPcapng       = 0x0A0D0D0A

	fileHeaderLen   = 24
	recordHeaderLen = 16

	maxInclLen = 65536
)

// ErrUnsupportedFormat is returned for any magic number this reader does
// not understand, including pcapng and the nanosecond-precision variant.
var ErrUnsupportedFormat = errors.New("pcapfile: unsupported or unrecognized capture format")

// Record is one packet read off the wire, paired with the link-type the
// whole file was opened with.
type Record struct {
	LinkType  uint32
	Timestamp time.Time
	Data      []byte
}

// Reader parses a classic PCAP stream record by record.
type Reader struct {
	r        *bufio.Reader
	order    binary.ByteOrder
	linkType uint32
}

// Open reads and validates the 24-byte file header, returning a Reader
// positioned at the first record.
func Open(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	header := make([]byte, fileHeaderLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, errors.Wrap(err, "pcapfile: reading file header")
	}

	magicBE := binary.BigEndian.Uint32(header[0:4])
	magicLE := binary.LittleEndian.Uint32(header[0:4])

	var order binary.ByteOrder
	switch {
	case magicBE == magicBigEndian:
		order = binary.BigEndian
	case magicBE == magicLittleEndian:
		order = binary.LittleEndian
	case magicBE == magicPcapng, magicLE == magicPcapng:
		return nil, errors.Wrap(ErrUnsupportedFormat, "pcapng capture")
	case magicBE == magicNanosecondBE, magicLE == magicNanosecondLE:
		return nil, errors.Wrap(ErrUnsupportedFormat, "nanosecond-precision capture")
	default:
		return nil, ErrUnsupportedFormat
	}

	linkType := order.Uint32(header[20:24])

	return &Reader{r: br, order: order, linkType: linkType}, nil
}

// LinkType returns the file-wide link-layer type (spec.md §4.C4's input).
func (r *Reader) LinkType() uint32 {
	return r.linkType
}

// Next reads the next record. It returns io.EOF when the stream is
// exhausted. Records with an implausible incl_len (<= 0 or > 65536) are
// skipped by consuming and discarding their declared bytes rather than
// surfaced to the caller, per spec.md §4.C3.
func (r *Reader) Next() (Record, error) {
	for {
		header := make([]byte, recordHeaderLen)
		if _, err := io.ReadFull(r.r, header); err != nil {
			if err == io.ErrUnexpectedEOF {
				return Record{}, io.EOF
			}
			return Record{}, err
		}

		tsSec := r.order.Uint32(header[0:4])
		tsUsec := r.order.Uint32(header[4:8])
		inclLen := r.order.Uint32(header[8:12])

		if inclLen == 0 || inclLen > maxInclLen {
			if err := r.skip(inclLen); err != nil {
				return Record{}, err
			}
			continue
		}

		data := make([]byte, inclLen)
		if _, err := io.ReadFull(r.r, data); err != nil {
			return Record{}, errors.Wrap(err, "pcapfile: truncated record body")
		}

		ts := time.Unix(int64(tsSec), 0).Add(time.Duration(tsUsec) * time.Microsecond)
		return Record{LinkType: r.linkType, Timestamp: ts, Data: data}, nil
	}
}

// skip discards n bytes without allocating the whole span up front, for
// the (presumably rare) bogus-length records.
func (r *Reader) skip(n uint32) error {
	if n == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r.r, int64(n))
	if err == io.EOF {
		return io.EOF
	}
	return err
}
