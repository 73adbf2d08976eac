// Package sink implements the writers the frame pipeline emits to
// (spec.md §4.C10): a JSONL summary writer over a file or an arbitrary
// stream, and a content-addressed full-frame store. File-backed sinks go
// through afero.Fs so callers can test against an in-memory filesystem.
package sink

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/p3tap/p3tap/frame"
)

// SummaryWriter writes one summary JSON object per line, newline
// terminated. Close is idempotent and, for streaming sinks, never closes
// the underlying stream the caller owns.
type SummaryWriter interface {
	Write(s frame.Summary) error
	Close() error
}

// streamSink wraps an arbitrary io.Writer the caller owns. Close flushes
// but never closes w.
type streamSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewStreamSink returns a SummaryWriter over w that the caller remains
// responsible for closing (e.g. an HTTP response body).
func NewStreamSink(w io.Writer) SummaryWriter {
	return &streamSink{w: bufio.NewWriter(w)}
}

func (s *streamSink) Write(summary frame.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeLine(s.w, summary)
}

func (s *streamSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// fileSink owns a file it created and closes on Close. It optionally
// wraps the output in streaming gzip.
type fileSink struct {
	mu     sync.Mutex
	file   afero.File
	gz     *gzip.Writer
	w      *bufio.Writer
	closed bool
}

// NewFileSink creates path (truncating any existing file) and returns a
// SummaryWriter over it. When gzipped is true, the file content is
// streaming-gzip compressed.
func NewFileSink(fs afero.Fs, path string, gzipped bool) (SummaryWriter, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sink: creating %s", path)
	}

	fs2 := &fileSink{file: f}
	if gzipped {
		fs2.gz = gzip.NewWriter(f)
		fs2.w = bufio.NewWriter(fs2.gz)
	} else {
		fs2.w = bufio.NewWriter(f)
	}
	return fs2, nil
}

func (s *fileSink) Write(summary frame.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink: write after close")
	}
	return writeLine(s.w, summary)
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			return err
		}
	}
	return s.file.Close()
}

func writeLine(w *bufio.Writer, summary frame.Summary) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "sink: marshaling summary")
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// FullFrameStore is a content-addressed map from a SHA-1 key to the
// frame's full hex, written as a single JSON object on Close (spec.md
// §4.C10, §4.C7's dedup step).
type FullFrameStore struct {
	mu     sync.Mutex
	fs     afero.Fs
	path   string
	gzip   bool
	frames map[string]string
}

// NewFullFrameStore returns a store that will be written to path (gzip
// compressed when gzipped is true) on Close.
func NewFullFrameStore(fs afero.Fs, path string, gzipped bool) *FullFrameStore {
	return &FullFrameStore{
		fs:     fs,
		path:   path,
		gzip:   gzipped,
		frames: make(map[string]string),
	}
}

// Contains reports whether key is already stored.
func (s *FullFrameStore) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.frames[key]
	return ok
}

// Put inserts hex under key if absent; an existing key is left untouched.
func (s *FullFrameStore) Put(key, hex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[key]; !ok {
		s.frames[key] = hex
	}
}

type fullFrameDocument struct {
	Frames map[string]string `json:"frames"`
}

// Close writes the accumulated frames as a single JSON object.
func (s *FullFrameStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.Create(s.path)
	if err != nil {
		return errors.Wrapf(err, "sink: creating %s", s.path)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if s.gzip {
		gz = gzip.NewWriter(f)
		w = gz
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(fullFrameDocument{Frames: s.frames}); err != nil {
		return errors.Wrap(err, "sink: encoding full-frame store")
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}
