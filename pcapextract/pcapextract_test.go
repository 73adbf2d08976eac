package pcapextract

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p3tap/p3tap/hexutil"
	"github.com/p3tap/p3tap/sink"
)

const (
	fileHeaderLen   = 24
	recordHeaderLen = 16
	magicBigEndian  = 0xA1B2C3D4
)

func writeFileHeader(buf *bytes.Buffer, linkType uint32) {
	header := make([]byte, fileHeaderLen)
	binary.BigEndian.PutUint32(header[0:4], magicBigEndian)
	binary.BigEndian.PutUint16(header[4:6], 2)
	binary.BigEndian.PutUint16(header[6:8], 4)
	binary.BigEndian.PutUint32(header[20:24], linkType)
	buf.Write(header)
}

func writeRecord(buf *bytes.Buffer, packet []byte) {
	rh := make([]byte, recordHeaderLen)
	binary.BigEndian.PutUint32(rh[8:12], uint32(len(packet)))
	binary.BigEndian.PutUint32(rh[12:16], uint32(len(packet)))
	buf.Write(rh)
	buf.Write(packet)
}

func ethIPv4TCPPacket(srcPort, dstPort uint16, seq uint32, payload []byte) []byte {
	eth := make([]byte, 14)
	ip := make([]byte, 20)
	ip[0] = 0x45
	ip[9] = 6
	tcp := make([]byte, 20)
	tcp[0], tcp[1] = byte(srcPort>>8), byte(srcPort)
	tcp[2], tcp[3] = byte(dstPort>>8), byte(dstPort)
	tcp[4] = byte(seq >> 24)
	tcp[5] = byte(seq >> 16)
	tcp[6] = byte(seq >> 8)
	tcp[7] = byte(seq)
	tcp[12] = 5 << 4

	packet := append([]byte{}, eth...)
	packet = append(packet, ip...)
	packet = append(packet, tcp...)
	packet = append(packet, payload...)
	return packet
}

func TestRun_EndToEndOneFrame(t *testing.T) {
	hexFrame, err := hexutil.HexDecode("5a0102000600002041742a0000010000")
	require.NoError(t, err)

	var pcap bytes.Buffer
	writeFileHeader(&pcap, 1)
	writeRecord(&pcap, ethIPv4TCPPacket(5190, 6000, 0, hexFrame))

	var out bytes.Buffer
	writer := sink.NewStreamSink(&out)

	stats, err := Run(&pcap, Options{ServerPort: 5190}, writer, nil)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	assert.Equal(t, 1, stats.FramesEmitted)

	var summary map[string]interface{}
	line := strings.TrimSpace(out.String())
	require.NoError(t, json.Unmarshal([]byte(line), &summary))
	assert.Equal(t, "At", summary["token"])
	assert.Equal(t, float64(6), summary["len"])
}

func TestRun_DedupesRepeatedFrameIntoStore(t *testing.T) {
	// len field 0x000a makes all 16 bytes one frame (total = 6 + len).
	hexFrame, err := hexutil.HexDecode("5a0102000a00002041742a0000010000")
	require.NoError(t, err)

	var pcap bytes.Buffer
	writeFileHeader(&pcap, 1)
	// Same frame twice, back to back, on the same stream.
	both := append(append([]byte{}, hexFrame...), hexFrame...)
	writeRecord(&pcap, ethIPv4TCPPacket(5190, 6000, 0, both))

	fs := afero.NewMemMapFs()
	store := sink.NewFullFrameStore(fs, "/frames.json", false)
	var out bytes.Buffer
	writer := sink.NewStreamSink(&out)

	stats, err := Run(&pcap, Options{ServerPort: 5190}, writer, store)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NoError(t, store.Close())
	assert.Equal(t, 2, stats.FramesEmitted)
	assert.Equal(t, 1, stats.RepeatFrames, "second occurrence of the same frame should count as a repeat")

	ref := hexutil.SHA1Hex("5a0102000a00002041742a0000010000")
	assert.True(t, store.Contains(ref))
}

func TestRun_UnsupportedLinkTypeYieldsNoFrames(t *testing.T) {
	var pcap bytes.Buffer
	writeFileHeader(&pcap, 999)
	writeRecord(&pcap, []byte{0x01, 0x02, 0x03})

	var out bytes.Buffer
	writer := sink.NewStreamSink(&out)
	stats, err := Run(&pcap, Options{ServerPort: 5190}, writer, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FramesEmitted)
}
