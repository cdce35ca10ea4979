package httpcore

import (
	"net"
	"testing"
	"time"
)

func newTestConn(t *testing.T, srv *Server) *Conn {
	t.Helper()
	client, serverSide := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	id := srv.nextConnID.Add(1)
	c := newConn(id, serverSide, srv, nil, true, func() {})
	return c
}

func TestKeepaliveQueue_RenewIsRemoveThenReinsert(t *testing.T) {
	q := NewKeepaliveQueue(time.Hour, nil)
	srv := &Server{opts: DefaultOptions()}
	c1 := newTestConn(t, srv)
	c2 := newTestConn(t, srv)

	q.Renew(c1)
	q.Renew(c2)
	if got := q.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	// Renewing c1 again must not create a duplicate entry.
	q.Renew(c1)
	if got := q.Len(); got != 2 {
		t.Fatalf("Len after re-renewing c1 = %d, want 2", got)
	}
}

func TestKeepaliveQueue_RemoveDropsEntry(t *testing.T) {
	q := NewKeepaliveQueue(time.Hour, nil)
	srv := &Server{opts: DefaultOptions()}
	c := newTestConn(t, srv)

	q.Renew(c)
	if got := q.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
	q.Remove(c)
	if got := q.Len(); got != 0 {
		t.Fatalf("Len after Remove = %d, want 0", got)
	}
	// Removing an entry that's already gone is a no-op, not a panic.
	q.Remove(c)
}

func TestKeepaliveQueue_SweepClosesExpiredIdleConn(t *testing.T) {
	q := NewKeepaliveQueue(10*time.Millisecond, nil)
	srv := &Server{opts: DefaultOptions(), keepalive: q, clients: make(map[uint64]*Conn)}
	srv.monitor = NewMonitor(srv, nil)
	c := newTestConn(t, srv)
	c.driver = fakeDriver{}
	c.start()

	q.Renew(c)
	time.Sleep(30 * time.Millisecond)
	q.sweepOnce()

	if got := q.Len(); got != 0 {
		t.Fatalf("Len after sweep = %d, want 0 (entry should have expired)", got)
	}
	c.mu.Lock()
	closed := c.writeClosed
	c.mu.Unlock()
	if !closed {
		t.Fatal("expired idle connection should have been closed by the sweep")
	}
	// Closing is idempotent and synchronous enough that a second Close
	// is safe immediately after the sweep's Close.
	c.Close()
}

func TestKeepaliveQueue_SweepSparesBusyConn(t *testing.T) {
	q := NewKeepaliveQueue(10*time.Millisecond, nil)
	srv := &Server{opts: DefaultOptions(), keepalive: q, clients: make(map[uint64]*Conn)}
	srv.monitor = NewMonitor(srv, nil)
	c := newTestConn(t, srv)
	c.driver = fakeDriver{}
	c.start()
	c.inFlightResponses.Store(1) // in-flight with no active emitter => busy

	q.Renew(c)
	time.Sleep(30 * time.Millisecond)
	q.sweepOnce()

	// A busy connection's entry is removed from the queue (it was past
	// due) but the connection itself is spared, not closed.
	select {
	case <-time.After(20 * time.Millisecond):
	}
	c.mu.Lock()
	closed := c.writeClosed
	c.mu.Unlock()
	if closed {
		t.Fatal("busy connection should not have been closed by the sweep")
	}
	c.Close()
}

type fakeDriver struct{}

func (fakeDriver) NewParser(*Conn) Parser                        { return nil }
func (fakeDriver) NewWriter(*Request, func([]byte) error) Writer { return nil }
func (fakeDriver) Filters(*Request, []Filter) []Filter           { return nil }
