package sink

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p3tap/p3tap/frame"
)

func TestStreamSink_WritesLinesWithoutClosingUnderlying(t *testing.T) {
	var buf bytes.Buffer
	closer := &trackingWriter{Writer: &buf}
	s := NewStreamSink(closer)

	require.NoError(t, s.Write(frame.Summary{Direction: "C->S", Timestamp: "1.0"}))
	require.NoError(t, s.Close())

	assert.False(t, closer.closed)
	assert.Contains(t, buf.String(), `"dir":"C->S"`)
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n")))
}

type trackingWriter struct {
	io.Writer
	closed bool
}

func (t *trackingWriter) Close() error {
	t.closed = true
	return nil
}

func TestFileSink_PlainAndGzip(t *testing.T) {
	fs := afero.NewMemMapFs()

	s, err := NewFileSink(fs, "/out.jsonl", false)
	require.NoError(t, err)
	require.NoError(t, s.Write(frame.Summary{Direction: "C->S", Timestamp: "1.0", Len: 3}))
	require.NoError(t, s.Close())
	// Second close must be a no-op, not an error.
	require.NoError(t, s.Close())

	data, err := afero.ReadFile(fs, "/out.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"len":3`)

	gzSink, err := NewFileSink(fs, "/out.jsonl.gz", true)
	require.NoError(t, err)
	require.NoError(t, gzSink.Write(frame.Summary{Direction: "S->C", Timestamp: "2.0"}))
	require.NoError(t, gzSink.Close())

	raw, err := afero.ReadFile(fs, "/out.jsonl.gz")
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(decompressed), `"dir":"S->C"`)
}

func TestFullFrameStore_InsertIfAbsent(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewFullFrameStore(fs, "/out.frames.json", false)

	assert.False(t, store.Contains("abc"))
	store.Put("abc", "5a0102")
	store.Put("abc", "ffffff") // should not overwrite
	assert.True(t, store.Contains("abc"))

	require.NoError(t, store.Close())

	data, err := afero.ReadFile(fs, "/out.frames.json")
	require.NoError(t, err)

	var doc fullFrameDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "5a0102", doc.Frames["abc"])
}
