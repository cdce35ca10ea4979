package httpcore

import (
	"net"
	"time"
)

// Export marks the connection dead-for-HTTP and exported, removes it
// from server bookkeeping without closing the socket, and returns the
// raw net.Conn plus a disposer that the upgrader must call exactly once
// when it's done with the socket, returning the admission slot (spec
// §4.4 "Export"). Subsequent ownership of the socket belongs entirely to
// the caller: Export forces the blocked reader off its raw.Read via a
// past read deadline and waits for it to exit, then waits for the
// writer to drain any buffered response bytes, before handing the
// socket back with both goroutines stopped.
func (c *Conn) Export() (net.Conn, func()) {
	c.exported.Store(true)

	// readLoop is almost certainly parked in raw.Read; an expired
	// deadline is the only way to unblock a plain net.Conn read without
	// closing the socket out from under it.
	_ = c.raw.SetReadDeadline(time.Unix(0, 1))
	<-c.readDone
	_ = c.raw.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.readClosed = true
	c.writeClosed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	<-c.writeDone

	c.server.keepalive.Remove(c)
	wasTracked := c.server.removeClient(c.ID)
	if wasTracked {
		c.server.noteClientClosed()
	}

	disposed := false
	disposer := func() {
		if disposed {
			return
		}
		disposed = true
		if c.release != nil {
			c.release()
		}
	}
	return c.raw, disposer
}

// IsExported reports whether Export has been called on this connection.
func (c *Conn) IsExported() bool { return c.exported.Load() }
