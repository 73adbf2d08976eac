// Package session implements the on-disk session store (spec.md §4.C12):
// named sessions under the platform data directory, each with a JSONL
// data file and a JSON sidecar metadata file, batched durable appends,
// crash-recovery bookkeeping, and filtered streaming replay.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"github.com/p3tap/p3tap/cfg"
)

// flagAppendWrite opens a file for append-only writing, creating it if
// necessary.
const flagAppendWrite = os.O_APPEND | os.O_WRONLY | os.O_CREATE

// flushInterval is how often the writer's scheduled flush task runs
// (spec.md §4.C12).
const flushInterval = 100 * time.Millisecond

// countFlushEvery controls how often streaming replay flushes its
// output, in lines (spec.md §4.C12).
const countFlushEvery = 100

// Info mirrors spec.md §3's SessionInfo plus the derived display strings
// from §6's metadata sidecar.
type Info struct {
	ID                string     `json:"id"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	FrameCount        int64      `json:"frameCount"`
	FileSizeBytes     int64      `json:"fileSizeBytes"`
	Active            bool       `json:"active"`
	FormattedSize     string     `json:"formattedSize"`
	FormattedDuration string     `json:"formattedDuration"`
}

// Manager owns at most one active session at a time.
type Manager struct {
	fs  afero.Fs
	dir string

	mu      sync.Mutex
	current *Writer
}

// NewManager resolves the platform sessions directory via cfg.SessionsDir
// unless dir is explicitly given (tests pass an afero.MemMapFs path).
func NewManager(fs afero.Fs, dir string) (*Manager, error) {
	if dir == "" {
		resolved, err := cfg.SessionsDir()
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "session: creating sessions directory %s", dir)
	}
	return &Manager{fs: fs, dir: dir}, nil
}

// StartSession stops any active session, then creates and starts a new
// one (spec.md §4.C12).
func (m *Manager) StartSession() (*Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.Close()
	}

	id := generateID()
	w, err := newWriter(m.fs, m.dir, id)
	if err != nil {
		return nil, err
	}
	m.current = w
	return w, nil
}

// StopSession closes the active session's writer, if any.
func (m *Manager) StopSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}

// AddFrame appends line to the active session, returning false if there
// is none.
func (m *Manager) AddFrame(line string) bool {
	m.mu.Lock()
	w := m.current
	m.mu.Unlock()
	if w == nil {
		return false
	}
	w.Append(line)
	return true
}

// Current returns the active session's id and writer, or ("", nil, false).
func (m *Manager) Current() (string, *Writer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", nil, false
	}
	return m.current.id, m.current, true
}

// List enumerates every journaled session, most recent first.
func (m *Manager) List() ([]Info, error) {
	return ListSessions(m.fs, m.dir)
}

// Replay streams one session's frames (optionally filtered to a single
// connectionId) to out.
func (m *Manager) Replay(id string, out io.Writer, connectionIDFilter string) error {
	return StreamFrames(m.fs, m.dir, id, out, connectionIDFilter)
}

// Recoverable returns sessions abandoned by a crashed prior run.
func (m *Manager) Recoverable() ([]Info, error) {
	return FindRecoverableSessions(m.fs, m.dir)
}

// Recover finalizes an abandoned session's metadata.
func (m *Manager) Recover(id string) (Info, error) {
	return RecoverSession(m.fs, m.dir, id)
}

// Delete removes a session, refusing to delete the currently active one.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	currentID := ""
	if m.current != nil {
		currentID = m.current.id
	}
	m.mu.Unlock()
	return DeleteSession(m.fs, m.dir, currentID, id)
}

func generateID() string {
	now := time.Now().UTC()
	return fmt.Sprintf("session-%s-%06d", now.Format("20060102-150405"), rand.Intn(1_000_000))
}

func dataPath(dir, id string) string { return dir + "/" + id + ".jsonl" }
func metaPath(dir, id string) string { return dir + "/" + id + ".meta.json" }
func lockPath(dir, id string) string { return dir + "/" + id + ".lock" }

// fileLock wraps an flock(2) advisory lock taken on a session's lock
// file, distinguishing a session still held open by a live process from
// one whose metadata merely claims active=true after a crash. It is a
// no-op against filesystems that don't hand back a real *os.File (e.g.
// afero's in-memory filesystem used by tests), since there's no
// descriptor to flock.
type fileLock struct {
	f *os.File
}

func acquireLock(fs afero.Fs, path string) (*fileLock, error) {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "session: opening lock file %s", path)
	}
	osFile, ok := f.(*os.File)
	if !ok {
		return &fileLock{}, nil
	}
	if err := unix.Flock(int(osFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		osFile.Close()
		return nil, errors.Wrapf(err, "session: session at %s is locked by another process", path)
	}
	return &fileLock{f: osFile}, nil
}

func (l *fileLock) release() {
	if l == nil || l.f == nil {
		return
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}

// Writer buffers JSONL lines for one session and flushes them to disk on
// a timer, per spec.md §4.C12.
type Writer struct {
	fs  afero.Fs
	dir string
	id  string

	mu         sync.Mutex
	buf        []string
	frameCount int64
	startTime  time.Time
	closed     bool
	lock       *fileLock

	stopFlush chan struct{}
	flushDone chan struct{}
}

func newWriter(fs afero.Fs, dir, id string) (*Writer, error) {
	lock, err := acquireLock(fs, lockPath(dir, id))
	if err != nil {
		return nil, err
	}

	f, err := fs.Create(dataPath(dir, id))
	if err != nil {
		lock.release()
		return nil, errors.Wrapf(err, "session: creating data file for %s", id)
	}
	f.Close()

	w := &Writer{
		fs:        fs,
		dir:       dir,
		id:        id,
		startTime: time.Now(),
		lock:      lock,
		stopFlush: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	if err := w.writeMeta(true, nil); err != nil {
		lock.release()
		return nil, err
	}

	go w.flushLoop()
	return w, nil
}

// Append pushes line onto the in-memory buffer; it never blocks on I/O.
func (w *Writer) Append(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.buf = append(w.buf, line)
	w.frameCount++
}

func (w *Writer) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	defer close(w.flushDone)
	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-w.stopFlush:
			return
		}
	}
}

// Flush forces an immediate write-and-fsync of the buffered lines.
func (w *Writer) Flush() {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buf
	w.buf = nil
	active := !w.closed
	w.mu.Unlock()

	if err := w.appendLines(batch); err != nil {
		// Re-prepend the batch for retry on the next flush.
		w.mu.Lock()
		w.buf = append(batch, w.buf...)
		w.mu.Unlock()
		return
	}

	w.writeMeta(active, nil)
}

func (w *Writer) appendLines(lines []string) error {
	f, err := w.fs.OpenFile(dataPath(w.dir, w.id), flagAppendWrite, 0o644)
	if err != nil {
		return errors.Wrap(err, "session: opening data file for append")
	}
	defer f.Close()

	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	if syncer, ok := f.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// Close cancels the flush scheduler, performs a final flush, and marks
// the session ended.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopFlush)
	select {
	case <-w.flushDone:
	case <-time.After(time.Second):
	}

	w.Flush()

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	now := time.Now()
	w.writeMeta(false, &now)
	w.lock.release()
}

// FrameCount returns the in-memory frame count.
func (w *Writer) FrameCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frameCount
}

func (w *Writer) writeMeta(active bool, endTime *time.Time) error {
	w.mu.Lock()
	info := Info{
		ID:         w.id,
		StartTime:  w.startTime,
		EndTime:    endTime,
		FrameCount: w.frameCount,
		Active:     active,
	}
	w.mu.Unlock()

	if size, err := afero.ReadFile(w.fs, dataPath(w.dir, w.id)); err == nil {
		info.FileSizeBytes = int64(len(size))
	}
	info.FormattedSize = formatSize(info.FileSizeBytes)
	info.FormattedDuration = formatDuration(info.StartTime, info.EndTime)

	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(w.fs, metaPath(w.dir, w.id), b, 0o644)
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(start time.Time, end *time.Time) string {
	stop := time.Now()
	if end != nil {
		stop = *end
	}
	return stop.Sub(start).Round(time.Second).String()
}

// ListSessions enumerates every *.meta.json file, parses it, and sorts
// the results by startTime descending (spec.md §4.C12).
func ListSessions(fs afero.Fs, dir string) ([]Info, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrap(err, "session: listing sessions directory")
	}

	var out []Info
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		b, err := afero.ReadFile(fs, dir+"/"+entry.Name())
		if err != nil {
			continue
		}
		var info Info
		if err := json.Unmarshal(b, &info); err != nil {
			continue
		}
		out = append(out, info)
	}

	slices.SortFunc(out, func(a, b Info) bool {
		return a.StartTime.After(b.StartTime)
	})
	return out, nil
}

// StreamFrames reads id's data file line by line, writing to out. If
// connectionIDFilter is non-empty, only lines containing
// `"connectionId":"<filter>"` are emitted; a substring test is
// sufficient given single-line JSON (spec.md §4.C12).
func StreamFrames(fs afero.Fs, dir, id string, out io.Writer, connectionIDFilter string) error {
	f, err := fs.Open(dataPath(dir, id))
	if err != nil {
		return errors.Wrap(err, "session: opening data file for replay")
	}
	defer f.Close()

	needle := ""
	if connectionIDFilter != "" {
		needle = fmt.Sprintf(`"connectionId":"%s"`, connectionIDFilter)
	}

	bufOut := bufio.NewWriter(out)
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 64*1024), 4*1024*1024)

	count := 0
	for scan.Scan() {
		line := scan.Text()
		if needle != "" && !strings.Contains(line, needle) {
			continue
		}
		bufOut.WriteString(line)
		bufOut.WriteByte('\n')
		count++
		if count%countFlushEvery == 0 {
			if err := bufOut.Flush(); err != nil {
				return err
			}
		}
	}
	if err := scan.Err(); err != nil {
		return err
	}
	return bufOut.Flush()
}

// CountFrames is StreamFrames's counting-only sibling.
func CountFrames(fs afero.Fs, dir, id string, connectionIDFilter string) (int, error) {
	f, err := fs.Open(dataPath(dir, id))
	if err != nil {
		return 0, errors.Wrap(err, "session: opening data file for count")
	}
	defer f.Close()

	needle := ""
	if connectionIDFilter != "" {
		needle = fmt.Sprintf(`"connectionId":"%s"`, connectionIDFilter)
	}

	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 64*1024), 4*1024*1024)
	count := 0
	for scan.Scan() {
		if needle != "" && !strings.Contains(scan.Text(), needle) {
			continue
		}
		count++
	}
	return count, scan.Err()
}

// DeleteSession removes both of id's files. It refuses to delete the
// currently-active session.
func DeleteSession(fs afero.Fs, dir string, currentActiveID string, id string) error {
	if id == currentActiveID {
		return errors.Errorf("session: refusing to delete active session %s", id)
	}
	if err := fs.Remove(dataPath(dir, id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := fs.Remove(metaPath(dir, id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := fs.Remove(lockPath(dir, id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FindRecoverableSessions returns every session whose metadata still
// claims active=true AND whose lock file is not currently held, which is
// what tells a session abandoned by a crashed process (spec.md §4.C12
// Recovery) apart from one a live process still owns. Against an
// in-memory filesystem the lock is always a no-op and so is always
// reported free, which is the right behavior for tests: there's no
// second process to contend with.
func FindRecoverableSessions(fs afero.Fs, dir string) ([]Info, error) {
	all, err := ListSessions(fs, dir)
	if err != nil {
		return nil, err
	}
	var recoverable []Info
	for _, info := range all {
		if !info.Active {
			continue
		}
		lock, err := acquireLock(fs, lockPath(dir, info.ID))
		if err != nil {
			// Still held by a live process; not ours to recover.
			continue
		}
		lock.release()
		recoverable = append(recoverable, info)
	}
	return recoverable, nil
}

// RecoverSession re-counts frames from the data file, fixes file size,
// marks the session inactive, and stamps endTime=now.
func RecoverSession(fs afero.Fs, dir, id string) (Info, error) {
	count, err := CountFrames(fs, dir, id, "")
	if err != nil {
		return Info{}, err
	}
	data, err := afero.ReadFile(fs, dataPath(dir, id))
	if err != nil {
		return Info{}, err
	}

	b, err := afero.ReadFile(fs, metaPath(dir, id))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return Info{}, err
	}

	now := time.Now()
	info.FrameCount = int64(count)
	info.FileSizeBytes = int64(len(data))
	info.Active = false
	info.EndTime = &now
	info.FormattedSize = formatSize(info.FileSizeBytes)
	info.FormattedDuration = formatDuration(info.StartTime, info.EndTime)

	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return Info{}, err
	}
	if err := afero.WriteFile(fs, metaPath(dir, id), out, 0o644); err != nil {
		return Info{}, err
	}
	return info, nil
}
