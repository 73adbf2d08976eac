package session

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAddFlushStopRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := NewManager(fs, "/sessions")
	require.NoError(t, err)

	w, err := m.StartSession()
	require.NoError(t, err)

	assert.True(t, m.AddFrame(`{"connectionId":"a"}`))
	assert.True(t, m.AddFrame(`{"connectionId":"b"}`))
	assert.True(t, m.AddFrame(`{"connectionId":"a"}`))

	w.Flush()
	m.StopSession()

	id, _, ok := m.Current()
	assert.False(t, ok)
	assert.Empty(t, id)

	sessions, err := ListSessions(fs, "/sessions")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(3), sessions[0].FrameCount)
	assert.False(t, sessions[0].Active)
	assert.NotNil(t, sessions[0].EndTime)

	count, err := CountFrames(fs, "/sessions", sessions[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	filteredCount, err := CountFrames(fs, "/sessions", sessions[0].ID, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, filteredCount)

	var out bytes.Buffer
	require.NoError(t, StreamFrames(fs, "/sessions", sessions[0].ID, &out, "a"))
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("\n")))
}

func TestAddFrameWithoutActiveSessionReturnsFalse(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := NewManager(fs, "/sessions")
	require.NoError(t, err)
	assert.False(t, m.AddFrame("line"))
}

func TestStartSessionStopsPriorOne(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := NewManager(fs, "/sessions")
	require.NoError(t, err)

	first, err := m.StartSession()
	require.NoError(t, err)
	firstID := first.id

	_, err = m.StartSession()
	require.NoError(t, err)

	sessions, err := ListSessions(fs, "/sessions")
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	for _, s := range sessions {
		if s.ID == firstID {
			assert.False(t, s.Active)
		}
	}
}

func TestDeleteSessionRefusesActive(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := NewManager(fs, "/sessions")
	require.NoError(t, err)
	w, err := m.StartSession()
	require.NoError(t, err)

	err = DeleteSession(fs, "/sessions", w.id, w.id)
	assert.Error(t, err)

	m.StopSession()
	err = DeleteSession(fs, "/sessions", "", w.id)
	assert.NoError(t, err)
}

func TestFindRecoverableAndRecoverSession(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "/sessions"
	require.NoError(t, fs.MkdirAll(dir, 0o755))

	// Simulate a crashed run: data file with two lines, meta still active.
	require.NoError(t, afero.WriteFile(fs, dir+"/session-x.jsonl", []byte("{}\n{}\n"), 0o644))
	meta := Info{ID: "session-x", StartTime: time.Now().Add(-time.Hour), Active: true}
	b, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, dir+"/session-x.meta.json", b, 0o644))

	recoverable, err := FindRecoverableSessions(fs, dir)
	require.NoError(t, err)
	require.Len(t, recoverable, 1)
	assert.Equal(t, "session-x", recoverable[0].ID)

	recovered, err := RecoverSession(fs, dir, "session-x")
	require.NoError(t, err)
	assert.False(t, recovered.Active)
	assert.Equal(t, int64(2), recovered.FrameCount)
	assert.NotNil(t, recovered.EndTime)

	recoverable, err = FindRecoverableSessions(fs, dir)
	require.NoError(t, err)
	assert.Empty(t, recoverable)
}
