// Package orchestrator glues the live proxy, the live bus, and the
// session store together, and exposes a status snapshot to adapters
// (spec.md §4.C13). It holds at most one proxy and at most one active
// session.
package orchestrator

import (
	"encoding/json"
	"sync"

	metrics "github.com/docker/go-metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/p3tap/p3tap/connregistry"
	"github.com/p3tap/p3tap/frame"
	"github.com/p3tap/p3tap/livebus"
	"github.com/p3tap/p3tap/proxy"
	"github.com/p3tap/p3tap/session"
)

// metricsNamespace groups every orchestrator gauge/counter under one
// Prometheus namespace (spec.md's Domain Stack wiring for C13).
var metricsNamespace = metrics.NewNamespace("p3tap", "", nil)

var (
	framesTotal       = metricsNamespace.NewCounter("frames_total", "Total frames recovered by the live proxy.")
	connectionsActive = metricsNamespace.NewGauge("connections_active", "Currently active proxy connections.", metrics.Total)
)

func init() {
	metrics.Register(metricsNamespace)
}

// Observer is notified whenever running state changes (start/stop).
type Observer func(Status)

// Orchestrator owns the single proxy + single session pairing.
type Orchestrator struct {
	fs         afero.Fs
	sessionDir string

	mu       sync.Mutex
	proxy    *proxy.Proxy
	registry *connregistry.Registry
	promReg  *prometheus.Registry
	bus      *livebus.Bus
	manager  *session.Manager
	running  bool
	listen   string

	observers []Observer
}

// New returns an Orchestrator with its own live bus and session manager.
func New(fs afero.Fs, sessionDir string) (*Orchestrator, error) {
	manager, err := session.NewManager(fs, sessionDir)
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator: creating session manager")
	}
	bus := livebus.New()
	o := &Orchestrator{fs: fs, sessionDir: sessionDir, bus: bus, manager: manager}
	bus.SetSessionHook(func(line string) {
		o.manager.AddFrame(line)
	})

	// A private registry, not prometheus.DefaultRegisterer: each
	// Orchestrator owns one, so many Orchestrators (as in tests) never
	// collide over the same metric names.
	o.promReg = prometheus.NewRegistry()
	o.promReg.MustRegister(connregistry.NewCollector(func() *connregistry.Registry {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.registry
	}))

	return o, nil
}

// Bus returns the live bus, for adapters that want to subscribe.
func (o *Orchestrator) Bus() *livebus.Bus { return o.bus }

// SessionManager returns the session manager, for adapters that list or
// replay sessions directly.
func (o *Orchestrator) SessionManager() *session.Manager { return o.manager }

// PromRegistry returns the per-connection-registry Prometheus registry,
// distinct from the docker/go-metrics namespace the orchestrator's own
// counters/gauges register into.
func (o *Orchestrator) PromRegistry() *prometheus.Registry { return o.promReg }

// Subscribe registers an Observer invoked on every start/stop.
func (o *Orchestrator) Subscribe(obs Observer) {
	o.mu.Lock()
	o.observers = append(o.observers, obs)
	o.mu.Unlock()
}

// StartProxy stops any running proxy, starts a new one plus a new
// session, and notifies observers (spec.md §4.C13).
func (o *Orchestrator) StartProxy(listen, host string, port int) error {
	o.mu.Lock()
	if o.proxy != nil {
		o.proxy.Stop()
	}
	o.registry = connregistry.New(nil)

	w, err := o.manager.StartSession()
	if err != nil {
		o.mu.Unlock()
		return errors.Wrap(err, "orchestrator: starting session")
	}
	_ = w

	registry := o.registry
	bus := o.bus
	p := proxy.New(proxy.Options{ListenAddr: listen, DestHost: host, DestPort: port}, registry, func(s frame.Summary) {
		line, err := json.Marshal(s)
		if err != nil {
			return
		}
		bus.Publish(string(line))
		framesTotal.Inc()
	})
	o.proxy = p
	o.listen = listen
	o.running = true
	o.mu.Unlock()

	if err := p.Start(); err != nil {
		o.mu.Lock()
		o.running = false
		o.proxy = nil
		o.mu.Unlock()
		o.manager.StopSession()
		return errors.Wrap(err, "orchestrator: starting proxy")
	}

	connectionsActive.Set(0)
	o.notify()
	return nil
}

// StopProxy stops the proxy and the session; session files remain on
// disk (spec.md §4.C13).
func (o *Orchestrator) StopProxy() {
	o.mu.Lock()
	p := o.proxy
	o.proxy = nil
	o.running = false
	o.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	o.manager.StopSession()
	o.notify()
}

func (o *Orchestrator) notify() {
	status := o.Status()
	o.mu.Lock()
	observers := append([]Observer{}, o.observers...)
	o.mu.Unlock()
	for _, obs := range observers {
		obs(status)
	}
}

// Status is the snapshot exposed to adapters.
type Status struct {
	Running       bool                  `json:"running"`
	ListenAddr    string                `json:"listenAddr,omitempty"`
	Connections   connregistry.Snapshot `json:"connections"`
	SessionID     string                `json:"sessionId,omitempty"`
	SessionFrames int64                 `json:"sessionFrameCount"`
}

// Status returns the current running state, connection registry
// snapshot, and active session id + frame count.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	running := o.running
	listen := o.listen
	registry := o.registry
	o.mu.Unlock()

	status := Status{Running: running, ListenAddr: listen}
	if registry != nil {
		status.Connections = registry.ToJSON()
		connectionsActive.Set(float64(len(registry.ListActive())))
	}

	if id, w, ok := o.manager.Current(); ok {
		status.SessionID = id
		status.SessionFrames = w.FrameCount()
	}
	return status
}
