package orchestrator

import (
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(afero.NewMemMapFs(), "/sessions")
	require.NoError(t, err)
	return o
}

// freePort binds an ephemeral port and releases it immediately so a
// proxy can listen there without us needing to dial an upstream.
func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestNew_StatusNotRunningInitially(t *testing.T) {
	o := newTestOrchestrator(t)
	status := o.Status()
	assert.False(t, status.Running)
	assert.Empty(t, status.SessionID)
}

func TestStartStopProxy_UpdatesStatusAndSession(t *testing.T) {
	o := newTestOrchestrator(t)

	require.NoError(t, o.StartProxy(freePort(t), "127.0.0.1", 1))
	status := o.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.SessionID)

	o.StopProxy()
	status = o.Status()
	assert.False(t, status.Running)
}

func TestStartProxy_RestartReplacesRegistryWithoutPanicking(t *testing.T) {
	o := newTestOrchestrator(t)

	// Two StartProxy/StopProxy cycles exercise the same private
	// prometheus registry twice; this must not panic on a duplicate
	// collector registration.
	require.NoError(t, o.StartProxy(freePort(t), "127.0.0.1", 1))
	o.StopProxy()
	require.NoError(t, o.StartProxy(freePort(t), "127.0.0.1", 1))
	o.StopProxy()
}

func TestMultipleOrchestrators_DoNotCollideOnPromRegistration(t *testing.T) {
	// Each Orchestrator owns its own *prometheus.Registry, so building
	// several in the same process (as happens across this package's own
	// tests) must never panic with "duplicate metrics collector
	// registration attempted".
	first := newTestOrchestrator(t)
	second := newTestOrchestrator(t)
	require.NotSame(t, first.PromRegistry(), second.PromRegistry())

	require.NoError(t, first.StartProxy(freePort(t), "127.0.0.1", 1))
	require.NoError(t, second.StartProxy(freePort(t), "127.0.0.1", 1))
	first.StopProxy()
	second.StopProxy()
}

func TestSubscribe_NotifiedOnStartAndStop(t *testing.T) {
	o := newTestOrchestrator(t)

	var events []Status
	o.Subscribe(func(s Status) {
		events = append(events, s)
	})

	require.NoError(t, o.StartProxy(freePort(t), "127.0.0.1", 1))
	o.StopProxy()

	require.Len(t, events, 2)
	assert.True(t, events[0].Running)
	assert.False(t, events[1].Running)
}

func TestStatus_ReflectsBusTrafficThroughSession(t *testing.T) {
	o := newTestOrchestrator(t)

	require.NoError(t, o.StartProxy(freePort(t), "127.0.0.1", 1))
	o.Bus().Publish(`{"connectionId":"abc"}`)
	time.Sleep(20 * time.Millisecond)

	status := o.Status()
	assert.Equal(t, int64(1), status.SessionFrames)

	o.StopProxy()
}
