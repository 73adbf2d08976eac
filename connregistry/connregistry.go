// Package connregistry is the thread-safe registry of live and recently
// closed proxy connections (spec.md §4.C9). Registration, close, and
// reset each emit a synthetic event onto the events.Sink passed to New so
// subscribers can reconcile state without polling; with a nil sink the
// events are dropped. The registry has no link of its own to the live bus
// (C11): livebus.Bus does not implement events.Sink, and the orchestrator
// creates its registries with a nil sink.
package connregistry

import (
	"sync"
	"time"

	events "github.com/docker/go-events"
	"github.com/prometheus/client_golang/prometheus"
)

// Event names emitted onto the sink.
const (
	EventConnectionOpened = "connection_opened"
	EventConnectionClosed = "connection_closed"
	EventConnectionsReset = "connections_reset"
)

// LifecycleEvent is published on registration, close, and reset.
type LifecycleEvent struct {
	Kind         string    `json:"kind"`
	ConnectionID string    `json:"connectionId,omitempty"`
	At           time.Time `json:"at"`
}

// Info mirrors spec.md §3's ConnectionInfo.
type Info struct {
	ConnectionID     string    `json:"connectionId"`
	SourceIP         string    `json:"sourceIp"`
	SourcePort       int       `json:"sourcePort"`
	StartTime        time.Time `json:"startTime"`
	Active           bool      `json:"active"`
	FrameCount       int64     `json:"frameCount"`
	LastActivityTime time.Time `json:"lastActivityTime"`
}

// Registry is a thread-safe connectionId -> Info map.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Info
	sink  events.Sink
}

// New returns an empty registry. sink may be nil, in which case lifecycle
// events are dropped rather than published.
func New(sink events.Sink) *Registry {
	return &Registry{conns: make(map[string]*Info), sink: sink}
}

func (r *Registry) publish(kind, connectionID string) {
	if r.sink == nil {
		return
	}
	_ = r.sink.Write(LifecycleEvent{Kind: kind, ConnectionID: connectionID, At: time.Now()})
}

// Register adds a new, active connection.
func (r *Registry) Register(connectionID, sourceIP string, sourcePort int) {
	now := time.Now()
	r.mu.Lock()
	r.conns[connectionID] = &Info{
		ConnectionID:     connectionID,
		SourceIP:         sourceIP,
		SourcePort:       sourcePort,
		StartTime:        now,
		Active:           true,
		LastActivityTime: now,
	}
	r.mu.Unlock()
	r.publish(EventConnectionOpened, connectionID)
}

// Close flips a connection to inactive, keeping its entry for inspection.
func (r *Registry) Close(connectionID string) {
	r.mu.Lock()
	if info, ok := r.conns[connectionID]; ok {
		info.Active = false
	}
	r.mu.Unlock()
	r.publish(EventConnectionClosed, connectionID)
}

// RecordFrame increments a connection's frame counter and timestamps its
// last activity.
func (r *Registry) RecordFrame(connectionID string) {
	r.mu.Lock()
	if info, ok := r.conns[connectionID]; ok {
		info.FrameCount++
		info.LastActivityTime = time.Now()
	}
	r.mu.Unlock()
}

// Get returns a copy of one connection's info.
func (r *Registry) Get(connectionID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.conns[connectionID]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// IsActive reports whether connectionID is known and currently active.
func (r *Registry) IsActive(connectionID string) bool {
	info, ok := r.Get(connectionID)
	return ok && info.Active
}

// ListAll returns a snapshot of every known connection.
func (r *Registry) ListAll() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.conns))
	for _, info := range r.conns {
		out = append(out, *info)
	}
	return out
}

// ListActive returns a snapshot of only active connections.
func (r *Registry) ListActive() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.conns))
	for _, info := range r.conns {
		if info.Active {
			out = append(out, *info)
		}
	}
	return out
}

// TotalFrameCount sums frameCount across every known connection.
func (r *Registry) TotalFrameCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, info := range r.conns {
		total += info.FrameCount
	}
	return total
}

// Reset clears every entry and publishes a connections_reset event.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.conns = make(map[string]*Info)
	r.mu.Unlock()
	r.publish(EventConnectionsReset, "")
}

// Snapshot is a JSON-friendly view of the whole registry (spec.md §4.C9
// to_json).
type Snapshot struct {
	Connections []Info `json:"connections"`
}

// ToJSON returns a snapshot of every known connection.
func (r *Registry) ToJSON() Snapshot {
	return Snapshot{Connections: r.ListAll()}
}

var (
	activeConnectionsDesc = prometheus.NewDesc(
		"p3tap_connections_active", "Currently active proxy connections.", nil, nil)
	totalFramesDesc = prometheus.NewDesc(
		"p3tap_connection_frames_total", "Total frames recorded across every known connection.", nil, nil)
)

// Collector adapts a Registry to prometheus.Collector, reporting live
// gauges on demand rather than through the periodic push the
// docker/go-metrics namespace (used by orchestrator, C13) relies on.
// Scraping a Collector always reflects the registry's current state. It
// indirects through a lookup function rather than a fixed *Registry so
// one Collector can be registered once and keep working across the
// orchestrator replacing its Registry on every proxy restart.
type Collector struct {
	current func() *Registry
}

// NewCollector returns a prometheus.Collector that reports on whatever
// Registry current returns at scrape time; current may return nil.
func NewCollector(current func() *Registry) *Collector {
	return &Collector{current: current}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- activeConnectionsDesc
	ch <- totalFramesDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	r := c.current()
	if r == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(activeConnectionsDesc, prometheus.GaugeValue, float64(len(r.ListActive())))
	ch <- prometheus.MustNewConstMetric(totalFramesDesc, prometheus.GaugeValue, float64(r.TotalFrameCount()))
}
