package httpcore

import (
	"io"
	"sync"
)

// bodyEmitter is the write end of a streamed request entity (spec's
// "body emitter"): the dispatcher calls Emit/Complete/Fail as the
// parser's ENTITY_PART, ENTITY_COMPLETE and SIZE_WARNING events (and
// client disconnects) arrive; the
// application reads through the io.ReadCloser returned by reader().
type bodyEmitter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	err    error
	closed bool
}

func newBodyEmitter() *bodyEmitter {
	e := &bodyEmitter{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Emit appends a body chunk (ENTITY_PART).
func (e *bodyEmitter) Emit(p []byte) {
	if len(p) == 0 {
		return
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	e.mu.Lock()
	if !e.closed {
		e.chunks = append(e.chunks, cp)
		e.cond.Broadcast()
	}
	e.mu.Unlock()
}

// Complete marks the body finished with no error (ENTITY_COMPLETE).
func (e *bodyEmitter) Complete() {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Fail terminates the body with a tagged error (SIZE_WARNING, or a
// client-disconnect propagated from the connection's read loop). The
// caller (dispatchEvent, or Conn.failAllEmitters) then installs a fresh
// emitter so later callbacks don't observe a completed one.
func (e *bodyEmitter) Fail(err error) {
	e.mu.Lock()
	if !e.closed {
		e.err = err
		e.closed = true
		e.cond.Broadcast()
	}
	e.mu.Unlock()
}

// reader adapts the emitter to io.ReadCloser for the application.
func (e *bodyEmitter) reader() io.ReadCloser { return &emitterReader{e: e} }

type emitterReader struct {
	e   *bodyEmitter
	buf []byte
}

func (r *emitterReader) Read(p []byte) (int, error) {
	e := r.e
	e.mu.Lock()
	for len(r.buf) == 0 && len(e.chunks) == 0 && !e.closed {
		e.cond.Wait()
	}
	if len(r.buf) == 0 && len(e.chunks) > 0 {
		r.buf = e.chunks[0]
		e.chunks = e.chunks[1:]
	}
	if len(r.buf) == 0 {
		err := e.err
		e.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	e.mu.Unlock()
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *emitterReader) Close() error {
	r.e.Fail(io.EOF)
	return nil
}

// nullBody is the sentinel body for requests with no entity
// (HEADERS_ONLY), per spec's "null-body sentinel".
var nullBody io.ReadCloser = io.NopCloser(noReader{})

type noReader struct{}

func (noReader) Read([]byte) (int, error) { return 0, io.EOF }
