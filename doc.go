// Package httpcore implements the connection and request-dispatch core of
// a non-blocking HTTP server: listener admission, TLS handshake gating,
// per-connection I/O with half-close and backpressure, incremental
// request/response dispatch, a filtered response pipeline, a keep-alive
// timeout queue, socket export for protocol upgrades, and a lifecycle
// state machine with observer notification.
//
// The wire format itself — HTTP/1.1, HTTP/2, or anything else — is not
// part of this package. httpcore depends only on the Driver contract in
// driver.go; internal/http1 supplies a reference implementation used by
// the tests and by cmd/httpcore-echo, but any Driver can be plugged in.
//
// Quick start:
//
//	opts := httpcore.DefaultOptions()
//	lc := httpcore.NewLifecycle(opts, http1.NewDriver(opts), httpcore.HandlerFunc(
//	    func(w httpcore.ResponseWriter, r *httpcore.Request) {
//	        w.SetHeader("Content-Type", "text/plain; charset=utf-8")
//	        w.WriteHeader(200)
//	        w.Write([]byte("hello"))
//	    }))
//	if err := lc.Start(context.Background(), map[string]httpcore.ListenerContext{
//	    ":8080": {},
//	}); err != nil {
//	    log.Fatal(err)
//	}
package httpcore
