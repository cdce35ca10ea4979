package http1

import (
	"bufio"
	"bytes"
	"strings"

	"dqx0.com/go/httpcore"
)

// Driver is the HTTP/1.1 reference implementation of httpcore.Driver. It
// is the only package in the module that knows anything about the wire
// format; httpcore itself only calls through the interfaces in
// httpcore.Driver.
type Driver struct {
	opts *httpcore.Options
}

// NewDriver builds a Driver whose Parsers and Writers are bounded by
// opts's header/body limits.
func NewDriver(opts *httpcore.Options) *Driver {
	return &Driver{opts: opts}
}

func (d *Driver) NewParser(conn *httpcore.Conn) httpcore.Parser {
	p := NewStreamParser(d.opts.MaxHeaderLineBytes, d.opts.MaxTotalHeaderBytes, d.opts.MaxBodyBytes)
	p.write = conn.Write
	return p
}

func (d *Driver) NewWriter(req *httpcore.Request, emit func([]byte) error) httpcore.Writer {
	keepAlive := requestWantsKeepAlive(req) && req.Conn.KeepAliveEligible()
	return &StreamWriter{emit: emit, keepAlive: keepAlive}
}

// Filters excludes any vhost filter whose key has been blacklisted on
// req after a prior failure, per the filter-recovery contract; this
// driver contributes no filters of its own.
func (d *Driver) Filters(req *httpcore.Request, vhostFilters []httpcore.Filter) []httpcore.Filter {
	if len(req.BadFilterKeys) == 0 {
		return vhostFilters
	}
	out := make([]httpcore.Filter, 0, len(vhostFilters))
	for _, f := range vhostFilters {
		if _, bad := req.BadFilterKeys[f.Key()]; bad {
			continue
		}
		out = append(out, f)
	}
	return out
}

func requestWantsKeepAlive(req *httpcore.Request) bool {
	conn := strings.ToLower(req.Header.Get("Connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if strings.HasPrefix(req.Proto, "HTTP/1.0") {
		return strings.Contains(conn, "keep-alive")
	}
	return true
}

// StreamWriter turns httpcore.WirePart values into HTTP/1.1 response
// bytes handed to emit (normally conn.Write). It picks chunked transfer
// encoding whenever the application didn't set Content-Length itself.
type StreamWriter struct {
	emit      func([]byte) error
	keepAlive bool
	chunked   bool
	started   bool
}

func (w *StreamWriter) Write(part httpcore.WirePart) error {
	var raw bytes.Buffer
	bw := bufio.NewWriter(&raw)

	if !w.started {
		w.started = true
		hdr := part.Header
		if hdr == nil {
			hdr = httpcore.Header{}
		}
		_, hasCL := hdr["Content-Length"]
		w.chunked = !hasCL
		// A response that sets Connection: close (pre-app 400/503 and
		// parse-error responses) overrides the request's keep-alive.
		if strings.Contains(strings.ToLower(hdr.Get("Connection")), "close") {
			w.keepAlive = false
		}
		if err := StartResponse(bw, part.Status, part.Reason, hdr, w.chunked, w.keepAlive); err != nil {
			return err
		}
	}

	if len(part.Chunk) > 0 {
		if w.chunked {
			if _, err := WriteChunked(bw, part.Chunk); err != nil {
				return err
			}
		} else if _, err := bw.Write(part.Chunk); err != nil {
			return err
		}
	}

	if part.End && w.chunked {
		if err := EndChunked(bw, part.Trailer); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	if raw.Len() == 0 {
		return nil
	}
	return w.emit(raw.Bytes())
}

// Flush is a no-op: Write already hands its bytes to emit synchronously,
// so there's nothing buffered on this side to push out early.
func (w *StreamWriter) Flush() error { return nil }
