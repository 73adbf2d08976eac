// Package frame implements the single canonical decoder for the AOL/P3
// frame grammar (spec.md §3–§4.C2). Both the offline PCAP pipeline and the
// live proxy funnel every recovered frame through this package; there is no
// second parser.
package frame

import (
	"fmt"
	"strconv"
	"time"

	"github.com/p3tap/p3tap/hexutil"
)

// Magic is the single byte every frame starts with.
const Magic = 0x5A

// Type-family constants (low 7 bits of the type byte).
const (
	TypeDATA   = 0x20
	TypeINIT   = 0x23
	TypeACK    = 0x24
	TypeNAK    = 0x25
	TypeHBEAT  = 0x26
	TypeRESET  = 0x28
	TypeRAK    = 0x29
	TypeSETUP  = 0x2A
	TypeACKNOW = 0x2B
)

var typeNames = map[byte]string{
	TypeDATA:   "DATA",
	TypeINIT:   "INIT",
	TypeACK:    "ACK",
	TypeNAK:    "NAK",
	TypeHBEAT:  "HBEAT",
	TypeRESET:  "RESET",
	TypeRAK:    "RAK",
	TypeSETUP:  "SETUP",
	TypeACKNOW: "ACKNOW",
}

var nakReasons = map[byte]string{
	0x01: "CRC_ERROR",
	0x02: "SEQUENCE_ERROR",
	0x03: "LENGTH_ERROR",
	0x04: "PACKET_BUILD_ERROR",
}

// nakReasonName renders the NAK reason byte per spec.md §3: known codes map
// to their name, everything else renders as "UNKNOWN_0xNN".
func nakReasonName(b byte) string {
	if name, ok := nakReasons[b]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_0x%02X", b)
}

// Summary is the in-memory record produced by Parse/ParseLite (spec.md
// §3 FrameSummary). Field names and JSON tags match the wire contract in
// spec.md §6 exactly: absent optional fields are omitted, never emitted as
// null.
type Summary struct {
	Direction string `json:"dir"`
	Timestamp string `json:"ts"`

	Len        int    `json:"len"`
	Type       string `json:"type,omitempty"`
	TypeName   string `json:"typeName,omitempty"`
	Tx         string `json:"tx,omitempty"`
	Rx         string `json:"rx,omitempty"`
	Token      string `json:"token,omitempty"`
	StreamID   string `json:"streamId,omitempty"`
	NakReason  string `json:"nakReason,omitempty"`
	CrcOk      *bool  `json:"crcOk,omitempty"`
	HasError   bool   `json:"hasError,omitempty"`
	ErrorCodes string `json:"errorCodes,omitempty"`

	FullHex     string `json:"fullHex,omitempty"`
	Ref         string `json:"ref,omitempty"`
	PayloadHex  string `json:"payloadHex,omitempty"`
	PayloadText string `json:"payloadText,omitempty"`
	Preview     string `json:"preview,omitempty"`

	ConnectionID string `json:"connectionId,omitempty"`
	SourceIP     string `json:"sourceIp,omitempty"`
	SourcePort   int    `json:"sourcePort,omitempty"`

	// Optional enrichment, populated only by external collaborators (spec.md
	// §3's "Optional enrichment" list). The core parser never sets these.
	ProtocolTag string   `json:"protocolTag,omitempty"`
	TokenName   string   `json:"tokenName,omitempty"`
	TokenDesc   string   `json:"tokenDesc,omitempty"`
	DocRef      string   `json:"docRef,omitempty"`
	Atoms       []string `json:"atoms,omitempty"`
	FdoSource   string   `json:"fdoSource,omitempty"`

	// crcVariant records which of the four CRC comparisons matched (spec.md
	// §9 Open Question 1). It never affects the wire-visible CrcOk bool; it
	// exists purely so tests can assert on which heuristic fired.
	crcVariant string
}

// CRCVariant returns which of the four CRC comparisons matched ("A-BE",
// "A-LE", "B-BE", "B-LE"), or "" if none matched or CRC wasn't checked
// (lite mode, or length < 6).
func (s Summary) CRCVariant() string {
	return s.crcVariant
}

// Parse decodes one frame in "full" mode: CRC validation, payload sampling,
// NAK reason extraction, and an AT preview, timestamped with the caller-
// supplied capture time (spec.md §4.C2).
func Parse(direction string, ts time.Time, buf []byte, off, length int) Summary {
	s := Summary{
		Direction: direction,
		Timestamp: formatFullTimestamp(ts),
	}
	if length < 6 {
		return s
	}
	parseStructuralFields(&s, buf, off, length)
	validateCRC(&s, buf, off, length)
	samplePayload(&s, buf, off, length)
	s.FullHex = hexutil.BytesToHexLower(buf, off, length)
	return s
}

// ParseLite decodes one frame in "lite" mode for hot paths: no CRC check,
// no payload sampling, timestamped with the current time.
func ParseLite(direction string, buf []byte, off, length int) Summary {
	s := Summary{
		Direction: direction,
		Timestamp: formatLiteTimestamp(time.Now()),
	}
	if length < 6 {
		return s
	}
	parseStructuralFields(&s, buf, off, length)
	// Lite mode renders tx/rx as "0xNN" rather than decimal.
	if length > 5 {
		s.Tx = fmt.Sprintf("0x%02x", buf[off+5])
	}
	if length > 6 {
		s.Rx = fmt.Sprintf("0x%02x", buf[off+6])
	}
	return s
}

// parseStructuralFields fills in tx/rx/type/token/streamId/nakReason exactly
// as spec.md §4.C2 describes, common to both full and lite modes (callers
// of ParseLite overwrite Tx/Rx afterward with the lite rendering).
func parseStructuralFields(s *Summary, buf []byte, off, length int) {
	// len is the header's own length field (offsets 3..4, big-endian), not
	// derived from the caller's slice length -- spec.md §4.C6 scanners read
	// it the same way to compute total = 6 + len before slicing the frame.
	s.Len = int(buf[off+3])<<8 | int(buf[off+4])

	if length > 5 {
		s.Tx = strconv.Itoa(int(buf[off+5]))
	}
	if length > 6 {
		s.Rx = strconv.Itoa(int(buf[off+6]))
	}

	var typeByte byte
	haveType := false
	if length > 7 {
		typeByte = buf[off+7]
		haveType = true
		s.Type = fmt.Sprintf("0x%02X", typeByte)
		if name, ok := typeNames[typeByte&0x7F]; ok {
			s.TypeName = name
		}
	}

	magicOk := buf[off] == Magic

	// The 9-byte short form takes priority over the general DATA gating.
	if length == 9 && magicOk {
		s.Token = "9B"
	} else if length >= 10 && magicOk && haveType && (typeByte&0x7F) == TypeDATA {
		b0, b1 := buf[off+8], buf[off+9]
		if hexutil.IsPrintable(b0) && hexutil.IsPrintable(b1) {
			s.Token = string([]byte{b0, b1})
		} else {
			s.Token = fmt.Sprintf("0x%02x%02x", b0, b1)
		}
		if length >= 12 {
			s.StreamID = fmt.Sprintf("0x%02x%02x", buf[off+10], buf[off+11])
		}
	}

	if haveType && (typeByte&0x7F) == TypeNAK && length > 8 {
		s.NakReason = nakReasonName(buf[off+8])
	}
}

// validateCRC implements the four-variant CRC check of spec.md §4.C2,
// recording the outcome on s.CrcOk/HasError/ErrorCodes.
func validateCRC(s *Summary, buf []byte, off, length int) {
	crcBE := uint16(buf[off+1])<<8 | uint16(buf[off+2])
	crcLE := uint16(buf[off+2])<<8 | uint16(buf[off+1])

	variantA := safeCRC(buf, off+3, length-3)
	variantB := safeCRC(buf, off+5, length-5)

	variant := ""
	switch {
	case variantA == crcBE:
		variant = "A-BE"
	case variantA == crcLE:
		variant = "A-LE"
	case variantB == crcBE:
		variant = "B-BE"
	case variantB == crcLE:
		variant = "B-LE"
	}

	ok := variant != ""
	s.CrcOk = &ok
	s.crcVariant = variant
	if !ok {
		s.HasError = true
		s.ErrorCodes = addErrorCode(s.ErrorCodes, "CRC")
	}
}

func safeCRC(buf []byte, off, length int) uint16 {
	if length <= 0 {
		return 0
	}
	return hexutil.CRC16IBM(buf, off, length)
}

func addErrorCode(existing, code string) string {
	if existing == "" {
		return code
	}
	return existing + "," + code
}

// samplePayload fills payloadHex/payloadText/preview per spec.md §4.C2: the
// sample window starts at off+6 (immediately after tx), which intentionally
// overlaps rx/type/token/streamId for non-DATA or short frames -- this is
// the spec's own deliberately loose definition of "payload" for sampling
// purposes, distinct from the strict application payload used for preview.
func samplePayload(s *Summary, buf []byte, off, length int) {
	available := length - 6
	if available <= 0 {
		return
	}
	sampleLen := available
	if sampleLen > 256 {
		sampleLen = 256
	}
	s.PayloadHex = hexutil.BytesToHexLower(buf, off+6, sampleLen)

	textLen := sampleLen
	if textLen > 96 {
		textLen = 96
	}
	s.PayloadText = hexutil.Printable(buf, off+6, off+6+textLen)

	if s.Token == "AT" && length >= 12 {
		previewAvail := length - 12
		if previewAvail > 0 {
			previewLen := previewAvail
			if previewLen > 64 {
				previewLen = 64
			}
			s.Preview = hexutil.Printable(buf, off+12, off+12+previewLen)
		}
	}
}

// formatFullTimestamp renders seconds+nanos to six decimal places,
// locale-independent (spec.md §4.C2).
func formatFullTimestamp(ts time.Time) string {
	seconds := float64(ts.Unix()) + float64(ts.Nanosecond())/1e9
	return strconv.FormatFloat(seconds, 'f', 6, 64)
}

// formatLiteTimestamp renders now_ms/1000 as a decimal string.
func formatLiteTimestamp(ts time.Time) string {
	ms := ts.UnixNano() / int64(time.Millisecond)
	return strconv.FormatFloat(float64(ms)/1000.0, 'f', 3, 64)
}
