package httpcore

import (
	"net"
	"testing"
	"time"
)

func newTestServerForExport(t *testing.T) *Server {
	t.Helper()
	srv := &Server{
		opts:      DefaultOptions(),
		admission: NewAdmission(0, 0),
		keepalive: NewKeepaliveQueue(time.Hour, nil),
		clients:   make(map[uint64]*Conn),
		driver:    fakeDriver{},
	}
	srv.monitor = NewMonitor(srv, nil)
	return srv
}

func TestConn_ExportStopsReaderAndWriter(t *testing.T) {
	srv := newTestServerForExport(t)
	client, serverSide := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	released := false
	id := srv.nextConnID.Add(1)
	c := newConn(id, serverSide, srv, nil, true, func() { released = true })
	c.driver = fakeDriver{}
	c.start()

	raw, dispose := c.Export()
	if raw == nil {
		t.Fatal("Export returned a nil net.Conn")
	}

	select {
	case <-c.readDone:
	default:
		t.Fatal("readLoop goroutine did not exit before Export returned")
	}
	select {
	case <-c.writeDone:
	default:
		t.Fatal("writerLoop goroutine did not exit before Export returned")
	}

	if !c.IsExported() {
		t.Fatal("IsExported() = false after Export")
	}

	dispose()
	if !released {
		t.Fatal("disposer did not release the admission slot")
	}
	// A second call must be a no-op, not a double release.
	dispose()

	if _, ok := srv.clients[c.ID]; ok {
		t.Fatal("connection still tracked in server.clients after Export")
	}

	// The raw conn must still be usable: a read must deliver the peer's
	// byte instead of failing on the past deadline Export used internally.
	// net.Pipe is synchronous, so the peer writes from its own goroutine.
	go func() { _, _ = client.Write([]byte("x")) }()
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := raw.Read(buf)
		readErr <- err
	}()
	select {
	case err := <-readErr:
		if err != nil {
			t.Fatalf("raw conn read deadline was not cleared after Export: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read on the exported raw conn did not complete")
	}
}
