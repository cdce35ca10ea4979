package httpcore

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"dqx0.com/go/httpcore/internal/obs"
)

// Conn is a single client connection: the per-connection I/O buffers,
// half-close tracking, timers and in-flight bookkeeping of spec §3
// ("Connection"). The reactor's separate readable/writable watcher-enable
// bits are realized here as one reader goroutine plus one writer
// goroutine synchronized through a mutex and sync.Cond guarding the
// pending write buffer — the natural Go rendering of "suspend the
// producer, resume on drain" (spec §9, Design Notes).
type Conn struct {
	ID     uint64
	raw    net.Conn
	server *Server

	remoteAddr net.Addr
	localAddr  net.Addr
	tlsState   *tls.ConnectionState

	skipIPBlock bool
	release     func() // returns the admission slot; called by Close, or by Export's disposer

	driver Driver
	parser Parser

	mu          sync.Mutex
	cond        *sync.Cond
	writeBuf    []byte
	readClosed  bool
	writeClosed bool
	onDrain     func()

	readDone  chan struct{} // closed when readLoop returns
	writeDone chan struct{} // closed when writerLoop returns

	dispatchCh chan *Request // new-request handoff from readLoop to dispatchLoop

	softCap int64
	hardCap int64

	inFlightResponses atomic.Int64
	remainingRequests atomic.Int64

	emittersMu sync.Mutex
	emitters   map[uint64]*bodyEmitter

	exported  atomic.Bool
	closeOnce sync.Once
	logger    obs.Logger
}

func newConn(id uint64, raw net.Conn, srv *Server, tlsState *tls.ConnectionState, skipIPBlock bool, release func()) *Conn {
	c := &Conn{
		ID:          id,
		raw:         raw,
		server:      srv,
		remoteAddr:  raw.RemoteAddr(),
		localAddr:   raw.LocalAddr(),
		tlsState:    tlsState,
		skipIPBlock: skipIPBlock,
		release:     release,
		softCap:     srv.opts.SoftStreamCap,
		hardCap:     srv.opts.HardStreamCap,
		emitters:    make(map[uint64]*bodyEmitter),
		logger:      srv.logger,
		readDone:    make(chan struct{}),
		writeDone:   make(chan struct{}),
		dispatchCh:  make(chan *Request),
	}
	c.cond = sync.NewCond(&c.mu)
	c.remainingRequests.Store(srv.opts.MaxRequestsPerConnection)
	return c
}

// RemoteAddr and LocalAddr expose the underlying socket addresses.
func (c *Conn) RemoteAddr() net.Addr { return c.remoteAddr }
func (c *Conn) LocalAddr() net.Addr  { return c.localAddr }

// TLSState returns TLS connection info, or nil for plaintext.
func (c *Conn) TLSState() *tls.ConnectionState { return c.tlsState }

// KeepAliveEligible reports whether this connection still has budget for
// another request, for a Driver deciding what Connection header to send.
func (c *Conn) KeepAliveEligible() bool {
	return c.remainingRequests.Load() > 0
}

// isBusy reports whether the connection has an in-flight response with
// no corresponding active body emitter left draining — i.e. a slow
// response is still being produced, not an idle connection (spec §4.7).
func (c *Conn) isBusy() bool {
	c.emittersMu.Lock()
	activeEmitters := len(c.emitters)
	c.emittersMu.Unlock()
	return c.inFlightResponses.Load() > int64(activeEmitters)
}

// start runs the reader, writer and dispatch goroutines for the imported
// connection (spec §4.4 "Import"). It renews the keep-alive timer and
// registers the connection with the server before returning.
func (c *Conn) start() {
	c.parser = c.driver.NewParser(c)
	c.server.registerClient(c)
	c.server.keepalive.Renew(c)
	go c.writerLoop()
	go c.readLoop()
	go c.dispatchLoop()
}

// dispatchLoop runs application dispatch for each request in arrival
// order, on a goroutine separate from readLoop. A handler that blocks
// reading a streamed entity body (the normal pattern) would otherwise
// deadlock readLoop, since only readLoop's own event loop can feed that
// body's emitter with the ENTITY_PART/ENTITY_COMPLETE events the read
// is waiting on. One worker per connection keeps requests serialized,
// so responses are still written in the order their requests arrived.
func (c *Conn) dispatchLoop() {
	for {
		select {
		case req := <-c.dispatchCh:
			c.server.dispatchRequest(c, req)
		case <-c.readDone:
			return
		}
	}
}

// Write appends p to the pending write buffer and blocks the caller
// (the response producer) while the buffer exceeds the soft cap,
// resuming once the writer goroutine has drained it back down (spec's
// "Backpressure contract"). Writes are never silently dropped; exceeding
// the hard cap is documented as a driver bug rather than enforced here.
func (c *Conn) Write(p []byte) error {
	c.mu.Lock()
	if c.writeClosed {
		c.mu.Unlock()
		return ErrClientDisconnect
	}
	c.writeBuf = append(c.writeBuf, p...)
	overSoft := int64(len(c.writeBuf)) > c.softCap
	c.cond.Broadcast()
	if !overSoft {
		c.mu.Unlock()
		return nil
	}
	for int64(len(c.writeBuf)) > c.softCap && !c.writeClosed {
		c.cond.Wait()
	}
	closed := c.writeClosed
	c.mu.Unlock()
	if closed {
		return ErrClientDisconnect
	}
	return nil
}

// writerLoop drains the pending write buffer to the socket. It is the
// sole writer of c.raw, so writes never interleave. It returns once
// writeClosed is set and the buffer is fully drained, or when a socket
// write fails (the unwritten bytes are dropped), so Close can wait on
// writeDone to know the socket is safe to tear down.
func (c *Conn) writerLoop() {
	defer close(c.writeDone)
	c.mu.Lock()
	for {
		for len(c.writeBuf) == 0 && !c.writeClosed {
			c.cond.Wait()
		}
		if c.writeClosed && len(c.writeBuf) == 0 {
			c.mu.Unlock()
			return
		}
		buf := c.writeBuf
		c.writeBuf = nil
		c.mu.Unlock()

		_, err := c.raw.Write(buf)

		c.mu.Lock()
		if err != nil {
			readClosed := c.readClosed
			c.writeClosed = true
			c.cond.Broadcast()
			c.mu.Unlock()
			if readClosed {
				// Close waits on writeDone, which this goroutine hasn't
				// closed yet; run it from a fresh goroutine so the
				// deferred close(writeDone) above fires first.
				go c.Close()
			}
			return
		}
		if int64(len(c.writeBuf)) <= c.softCap {
			c.cond.Broadcast()
		}
		if len(c.writeBuf) == 0 && c.onDrain != nil {
			cb := c.onDrain
			c.onDrain = nil
			c.mu.Unlock()
			cb()
			c.mu.Lock()
		}
	}
}

// readLoop is the connection's readable path (spec §4.4). Export signals
// it to stop by flipping exported and forcing the blocked raw.Read to
// return via SetReadDeadline; readLoop checks exported right after every
// Read so it never hands bytes read after export to the parser.
func (c *Conn) readLoop() {
	defer close(c.readDone)
	buf := make([]byte, c.server.opts.IOGranularity)
	for {
		n, err := c.raw.Read(buf)
		if c.exported.Load() {
			return
		}
		if err != nil {
			c.mu.Lock()
			writeClosed := c.writeClosed
			c.mu.Unlock()
			if writeClosed || c.inFlightResponses.Load() == 0 {
				c.Close()
				return
			}
			c.mu.Lock()
			c.readClosed = true
			c.mu.Unlock()
			c.failAllEmitters(ErrClientDisconnect)
			return
		}
		if n == 0 {
			continue
		}
		c.server.keepalive.Renew(c)
		events, perr := c.parser.Feed(buf[:n])
		if perr != nil {
			// A Parser is expected to surface wire-format failures as an
			// EventParseError (spec §6), not through this return; a
			// non-nil perr means the driver called Feed after its own
			// parser already broke, which has no differentiated
			// status/message to report.
			c.server.dispatchParseError(c, 0, ErrBadRequest.Error())
			return
		}
		for _, ev := range events {
			c.server.dispatchEvent(c, ev)
			if ev.Kind == EventParseError {
				return
			}
		}
	}
}

// failAllEmitters fails and replaces every active body emitter, per
// spec: "replace each failed emitter with a fresh sink so that late
// parser callbacks do not crash on a completed emitter."
func (c *Conn) failAllEmitters(err error) {
	c.emittersMu.Lock()
	ids := make([]uint64, 0, len(c.emitters))
	for id := range c.emitters {
		ids = append(ids, id)
	}
	for _, id := range ids {
		c.emitters[id].Fail(err)
		c.emitters[id] = newBodyEmitter()
		c.emitters[id].Fail(err)
	}
	c.emittersMu.Unlock()
}

// emitterFor returns (creating if needed) the body emitter for streamID.
func (c *Conn) emitterFor(streamID uint64) *bodyEmitter {
	c.emittersMu.Lock()
	defer c.emittersMu.Unlock()
	e, ok := c.emitters[streamID]
	if !ok {
		e = newBodyEmitter()
		c.emitters[streamID] = e
	}
	return e
}

// dropEmitter removes a completed stream's emitter from the active set,
// which is what makes isBusy's "in-flight vs active emitters" comparison
// meaningful once a body finishes but its response is still draining.
func (c *Conn) dropEmitter(streamID uint64) {
	c.emittersMu.Lock()
	delete(c.emitters, streamID)
	c.emittersMu.Unlock()
}

// Close is idempotent and performs the full teardown of spec §4.4
// "Close": cancel watchers, clear the keep-alive entry, remove from the
// client map, shut the socket down for both directions, decrement
// admission counters, and fail any outstanding emitters or suspended
// producers. It waits for writerLoop to drain any buffered response
// bytes before touching the socket, so a forced close never races a
// pending write and truncates the bytes already handed to Write.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.readClosed = true
		c.writeClosed = true
		c.cond.Broadcast()
		c.mu.Unlock()

		<-c.writeDone

		_ = c.raw.Close()
		c.server.keepalive.Remove(c)
		wasTracked := c.server.removeClient(c.ID)
		if c.release != nil {
			c.release()
		}
		c.failAllEmitters(ErrClientDisconnect)
		if c.logger != nil {
			c.logger.Logf(obs.Debug, "conn %d closed", c.ID)
		}
		if wasTracked {
			c.server.noteClientClosed()
		}
	})
}
