package httpcore

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dqx0.com/go/httpcore/internal/obs"
	"go.opentelemetry.io/otel/metric"
)

// Server holds the runtime state shared by every connection: options,
// the driver, host selection, admission accounting, the keep-alive
// queue, and the live client table. Lifecycle wraps a Server with the
// start/stop state machine; Server itself never transitions state, it
// only asks its Lifecycle whether a shutdown is in progress (spec §4.5
// step 1).
type Server struct {
	opts   *Options
	driver Driver
	hosts  HostSelector

	admission  *Admission
	keepalive  *KeepaliveQueue
	clock      *Clock
	logger     obs.Logger
	monitor    *Monitor
	negotiator *Negotiator

	listeners *ListenerSet

	clientsMu  sync.RWMutex
	clients    map[uint64]*Conn
	clientsWG  sync.WaitGroup
	nextConnID atomic.Uint64

	// runCtx bounds in-flight TLS handshakes; it is set by Lifecycle.Start
	// to the same context cancelled at the top of Stop, and handshakeWG
	// tracks them so Stop's drain barrier can wait for every aborted
	// handshake to actually release its admission slot and close its
	// socket before Stop returns (spec §4.1 stop step 2).
	runCtx      context.Context
	handshakeWG sync.WaitGroup

	lifecycle *Lifecycle
}

// NewServer wires the C1-C13 components together. logger and meter may
// be nil, in which case a no-op Logger and the otel no-op Meter are
// used.
func NewServer(opts *Options, driver Driver, hosts HostSelector, logger obs.Logger, meter metric.Meter) *Server {
	if logger == nil {
		logger = obs.NopLogger{}
	}
	s := &Server{
		opts:      opts,
		driver:    driver,
		hosts:     hosts,
		admission: NewAdmission(opts.MaxConnections, opts.ConnectionsPerIP),
		keepalive: NewKeepaliveQueue(opts.ConnectionTimeout, logger),
		clock:     NewClock(),
		logger:    logger,
		clients:   make(map[uint64]*Conn),
	}
	s.negotiator = NewNegotiator(10*time.Second, logger)
	s.monitor = NewMonitor(s, meter)
	return s
}

func (s *Server) registerClient(c *Conn) {
	s.clientsMu.Lock()
	s.clients[c.ID] = c
	s.clientsMu.Unlock()
	s.clientsWG.Add(1)
	s.monitor.incClients()
}

// removeClient reports whether the connection was still tracked (so
// callers only fire the drain-barrier Done() once per connection).
func (s *Server) removeClient(id uint64) bool {
	s.clientsMu.Lock()
	_, ok := s.clients[id]
	delete(s.clients, id)
	s.clientsMu.Unlock()
	return ok
}

func (s *Server) noteClientClosed() {
	s.clientsWG.Done()
	s.monitor.decClients()
}

// Snapshot returns a point-in-time view of the server's runtime state
// (spec §6, "Monitoring surface").
func (s *Server) Snapshot() Snapshot {
	return s.monitor.Snapshot()
}

// onAccept implements spec §4.2: derive the IP-block key, admit or
// reject, then either enqueue for TLS handshake or import directly as a
// plaintext client.
func (s *Server) onAccept(raw net.Conn, addr string, tlsCfg *tls.Config, isUnix bool) {
	var blockKey string
	var skip bool
	if isUnix {
		skip = true
	} else {
		blockKey, skip = BlockKey(raw.RemoteAddr())
	}
	admitted, release := s.admission.TryAdmit(blockKey, skip)
	if !admitted {
		s.monitor.incRejected()
		s.logger.Logf(obs.Warn, "admission rejected %s on %s", raw.RemoteAddr(), addr)
		_ = raw.Close()
		return
	}
	if tlsCfg != nil {
		s.handshakeWG.Add(1)
		go func() {
			defer s.handshakeWG.Done()
			s.handshakeAndImport(raw, tlsCfg, skip, release)
		}()
		return
	}
	s.importPlaintext(raw, nil, skip, release)
}

func (s *Server) handshakeAndImport(raw net.Conn, cfg *tls.Config, skip bool, release func()) {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	tconn, err := s.negotiator.Handshake(ctx, raw, cfg, release)
	if err != nil {
		s.monitor.incTLSFailures()
		return
	}
	state := tconn.ConnectionState()
	// Handshake success does not release the admission slot counted at
	// accept (spec §4.3); it carries forward and is returned by the
	// connection's eventual Close.
	s.importPlaintext(tconn, &state, skip, release)
}

// importPlaintext allocates and starts a Conn bound to raw, transferring
// ownership of the admission release closure to the connection.
func (s *Server) importPlaintext(raw net.Conn, tlsState *tls.ConnectionState, skip bool, release func()) {
	id := s.nextConnID.Add(1)
	conn := newConn(id, raw, s, tlsState, skip, release)
	conn.driver = s.driver
	conn.start()
}
