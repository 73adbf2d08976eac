// Package proxy implements the live man-in-the-middle TCP proxy (spec.md
// §4.C8): accept a client, dial the real upstream, forward bytes
// unchanged in both directions, and tap each direction through the
// stream scanner so every recognizable frame is summarized exactly once.
package proxy

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/p3tap/p3tap/connregistry"
	"github.com/p3tap/p3tap/frame"
	"github.com/p3tap/p3tap/linklayer"
	"github.com/p3tap/p3tap/printer"
	"github.com/p3tap/p3tap/scanner"
)

// readChunkSize is the per-read buffer size each pipe uses, per spec.md
// §4.C8 ("reads up to ~8 KiB at a time").
const readChunkSize = 8 * 1024

// FrameHandler is invoked for every frame recovered from either
// direction of a connection, already attributed with connectionId,
// sourceIp, and sourcePort.
type FrameHandler func(frame.Summary)

// Options configures one proxy instance.
type Options struct {
	ListenAddr string
	DestHost   string
	DestPort   int
}

// Proxy listens for client connections and forwards each to the
// configured upstream, scanning both directions for frames.
type Proxy struct {
	opts     Options
	registry *connregistry.Registry
	onFrame  FrameHandler

	mu       sync.Mutex
	listener net.Listener
	pipes    map[string]*connState
	stopped  bool
}

type connState struct {
	client net.Conn
	server net.Conn
}

// New returns a Proxy that will attribute frames via registry and invoke
// onFrame for each one.
func New(opts Options, registry *connregistry.Registry, onFrame FrameHandler) *Proxy {
	return &Proxy{
		opts:     opts,
		registry: registry,
		onFrame:  onFrame,
		pipes:    make(map[string]*connState),
	}
}

// Start opens the listener and begins accepting connections in a
// background goroutine. It returns once the listener is bound.
func (p *Proxy) Start() error {
	l, err := net.Listen("tcp", p.opts.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "proxy: listen")
	}
	p.mu.Lock()
	p.listener = l
	p.stopped = false
	p.mu.Unlock()

	go p.acceptLoop(l)
	return nil
}

func (p *Proxy) acceptLoop(l net.Listener) {
	for {
		client, err := l.Accept()
		if err != nil {
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if stopped {
				return
			}
			printer.Warningf("proxy: accept error: %v", err)
			continue
		}
		go p.handleConnection(client)
	}
}

// handleConnection implements one accepted client's lifecycle (spec.md
// §4.C8): register, dial upstream, start both pipes, and tear down on
// either side's EOF/error.
func (p *Proxy) handleConnection(client net.Conn) {
	connectionID := newConnectionID()
	sourceIP, sourcePort := splitHostPort(client.RemoteAddr())

	p.registry.Register(connectionID, sourceIP, sourcePort)

	upstreamAddr := fmt.Sprintf("%s:%d", p.opts.DestHost, p.opts.DestPort)
	server, err := net.Dial("tcp", upstreamAddr)
	if err != nil {
		printer.Warningf("proxy: dial upstream for %s failed: %v", connectionID, err)
		client.Close()
		p.registry.Close(connectionID)
		return
	}

	state := &connState{client: client, server: server}
	p.mu.Lock()
	p.pipes[connectionID] = state
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go p.pipe(connectionID, linklayer.DirClientToServer, client, server, &wg)
	go p.pipe(connectionID, linklayer.DirServerToClient, server, client, &wg)
	wg.Wait()

	p.mu.Lock()
	delete(p.pipes, connectionID)
	p.mu.Unlock()

	p.registry.Close(connectionID)
}

// pipe forwards bytes from src to dst unchanged, scanning a copy of each
// chunk for frames. Forwarding always precedes parsing within one chunk
// so a slow parse never stalls the next read for longer than one chunk
// (spec.md §5).
func (p *Proxy) pipe(connectionID, direction string, src, dst net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()

	sourceIP, sourcePort := splitHostPort(src.RemoteAddr())
	if direction == linklayer.DirServerToClient {
		// Attribution always reflects the client socket's identity,
		// not whichever leg happens to be "src" for this pipe.
		sourceIP, sourcePort = splitHostPort(dst.RemoteAddr())
	}

	var residual scanner.DirectionResidual
	buf := make([]byte, readChunkSize)

	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := dst.Write(chunk); werr != nil {
				p.teardown(src, dst)
				return
			}

			scanCopy := make([]byte, n)
			copy(scanCopy, chunk)
			for _, frameBytes := range residual.Scan(scanCopy, false) {
				s := frame.Parse(direction, time.Now(), frameBytes, 0, len(frameBytes))
				s.ConnectionID = connectionID
				s.SourceIP = sourceIP
				s.SourcePort = sourcePort
				p.registry.RecordFrame(connectionID)
				if p.onFrame != nil {
					p.onFrame(s)
				}
			}
		}
		if err != nil {
			p.teardown(src, dst)
			return
		}
	}
}

// teardown closes both sockets; idempotent because net.Conn.Close is.
func (p *Proxy) teardown(a, b net.Conn) {
	a.Close()
	b.Close()
}

// Stop closes the listener and every active connection's sockets. It is
// idempotent.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	listener := p.listener
	pipes := p.pipes
	p.pipes = make(map[string]*connState)
	p.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, state := range pipes {
		state.client.Close()
		state.server.Close()
	}

	p.registry.Reset()
}

func newConnectionID() string {
	return uuid.New().String()[:8]
}

func splitHostPort(addr net.Addr) (string, int) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return tcpAddr.IP.String(), tcpAddr.Port
}
