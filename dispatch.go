package httpcore

import (
	"errors"
	"fmt"
	"html"
	"io"
	"strings"

	"dqx0.com/go/httpcore/internal/obs"
)

// Handler is the application contract. It is only ever invoked once host
// selection and every pre-app fast path have been ruled out (spec §4.5
// step 6).
type Handler interface {
	ServeHTTP(w ResponseWriter, r *Request)
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(w ResponseWriter, r *Request)

func (f HandlerFunc) ServeHTTP(w ResponseWriter, r *Request) { f(w, r) }

// dispatchEvent maps one driver event to a pipeline action, per the
// table in spec §4.5.
func (s *Server) dispatchEvent(conn *Conn, ev Event) {
	switch ev.Kind {
	case EventHeadersOnly:
		req := s.buildRequest(conn, ev.Headers, nullBody)
		conn.dispatchCh <- req

	case EventEntityHeaders:
		emitter := conn.emitterFor(ev.StreamID)
		req := s.buildRequest(conn, ev.Headers, emitter.reader())
		// Handed to dispatchLoop rather than run inline: the handler is
		// free to block reading req.Body while this goroutine (readLoop)
		// keeps draining ENTITY_PART/ENTITY_COMPLETE into the emitter
		// that Body reads from. Response may start before the body
		// finishes arriving.
		conn.dispatchCh <- req

	case EventEntityPart:
		conn.emitterFor(ev.StreamID).Emit(ev.Chunk)

	case EventEntityComplete:
		conn.emitterFor(ev.StreamID).Complete()
		conn.dropEmitter(ev.StreamID)

	case EventSizeWarning:
		conn.emitterFor(ev.StreamID).Fail(ErrBodyTooLarge)
		conn.emittersMu.Lock()
		conn.emitters[ev.StreamID] = newBodyEmitter()
		conn.emittersMu.Unlock()

	case EventParseError:
		s.dispatchParseError(conn, ev.Status, ev.Message)
	}
}

// dispatchParseError implements spec §4.5's PARSE_ERROR row: clear the
// keep-alive timer, and either drain an in-progress streaming response
// then close, or return an immediate pre-app error with Connection:
// close.
func (s *Server) dispatchParseError(conn *Conn, status int, msg string) {
	s.keepalive.Remove(conn)

	conn.emittersMu.Lock()
	streaming := len(conn.emitters) > 0
	conn.emittersMu.Unlock()
	if streaming {
		conn.remainingRequests.Store(0)
		conn.failAllEmitters(fmt.Errorf("%w: %s", ErrProtocolViolation, msg))
		return
	}

	if status == 0 {
		status = 400
	}
	req := &Request{Proto: "HTTP/1.1", Header: Header{}, Conn: conn, Locals: map[string]any{}}
	conn.inFlightResponses.Add(1)
	s.respondPreApp(conn, req, nil, func(rw ResponseWriter) error {
		rw.SetHeader("Connection", "close")
		if err := rw.WriteHeader(status); err != nil {
			return err
		}
		return rw.End([]byte(msg))
	}, true)
}

func (s *Server) buildRequest(conn *Conn, h *ParsedHeaders, body io.ReadCloser) *Request {
	return &Request{
		Method:   h.Method,
		URI:      h.URI,
		Proto:    h.Proto,
		Header:   h.Header,
		Host:     h.Header.Get("Host"),
		StreamID: h.StreamID,
		Body:     body,
		Conn:     conn,
		Locals:   make(map[string]any),
	}
}

// dispatchRequest performs the pre-dispatch bookkeeping and the six-step
// pre-app fast-path ordering of spec §4.5, falling through to the
// application handler when nothing else claims the request.
func (s *Server) dispatchRequest(conn *Conn, req *Request) {
	if s.opts.NormalizeMethodCase {
		req.Method = strings.ToUpper(req.Method)
	}
	conn.remainingRequests.Add(-1)
	req.ArrivedAt = s.clock.Now()
	req.HTTPDate = s.clock.HTTPDate()
	s.stampTrace(req)
	conn.inFlightResponses.Add(1)

	// Step 1: shutdown in progress.
	if s.shuttingDown() {
		s.respondPreApp(conn, req, nil, func(rw ResponseWriter) error {
			rw.SetHeader("Connection", "close")
			if err := rw.WriteHeader(503); err != nil {
				return err
			}
			return rw.End([]byte("Service Unavailable"))
		}, true)
		return
	}

	// Step 2: method whitelist.
	if !s.opts.IsMethodAllowed(req.Method) {
		s.respondPreApp(conn, req, nil, func(rw ResponseWriter) error {
			rw.SetHeader("Allow", s.opts.AllowHeader())
			if err := rw.WriteHeader(405); err != nil {
				return err
			}
			return rw.End([]byte("Method Not Allowed"))
		}, false)
		return
	}

	// Step 3: host selection.
	vhost, ok := s.hosts.Select(req.Host)
	if !ok {
		s.respondPreApp(conn, req, nil, func(rw ResponseWriter) error {
			rw.SetHeader("Connection", "close")
			rw.SetReason("Bad Request: Invalid Host")
			if err := rw.WriteHeader(400); err != nil {
				return err
			}
			return rw.End([]byte("Bad Request: Invalid Host"))
		}, true)
		return
	}
	req.resolvedVhost = &vhost

	// Step 4: pre-app TRACE.
	if req.Method == "TRACE" {
		s.respondPreApp(conn, req, vhost.Filters, func(rw ResponseWriter) error {
			rw.SetHeader("Content-Type", "message/http")
			if err := rw.WriteHeader(200); err != nil {
				return err
			}
			return rw.End(traceBody(req))
		}, false)
		return
	}

	// Step 5: OPTIONS *.
	if req.Method == "OPTIONS" && req.URI == "*" {
		s.respondPreApp(conn, req, vhost.Filters, func(rw ResponseWriter) error {
			rw.SetHeader("Allow", s.opts.AllowHeader())
			return rw.WriteHeader(200)
		}, false)
		return
	}

	// Step 6: application.
	wire := s.driver.NewWriter(req, conn.Write)
	filters := s.driver.Filters(req, vhost.Filters)
	rw := newPipelineResponse(req, wire, filters)
	s.monitor.incDispatched()
	s.runApplication(conn, req, rw, vhost.Handler)
}

// respondPreApp builds a driver writer/filter chain for a pre-app
// response and runs the response-complete bookkeeping afterward.
func (s *Server) respondPreApp(conn *Conn, req *Request, vhostFilters []Filter, write func(rw ResponseWriter) error, forceClose bool) {
	wire := s.driver.NewWriter(req, conn.Write)
	filters := s.driver.Filters(req, vhostFilters)
	rw := newPipelineResponse(req, wire, filters)
	err := write(rw)
	s.responseComplete(conn, req, forceClose || err != nil)
}

func traceBody(req *Request) []byte {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.URI)
	b.WriteByte(' ')
	b.WriteString(req.Proto)
	b.WriteString("\r\n")
	for k, vv := range req.Header {
		for _, v := range vv {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return []byte(b.String())
}

// stampTrace populates the per-request locals map with the request ID
// and any propagated W3C trace/correlation context, per SPEC_FULL's
// supplemented trace-propagation feature.
func (s *Server) stampTrace(req *Request) {
	if req.Locals == nil {
		req.Locals = make(map[string]any)
	}
	req.Locals["request_id"] = genID()
	if tp := req.Header.Get("Traceparent"); tp != "" {
		if tid, sid, flags, ok := parseTraceparent(tp); ok {
			req.Locals["trace_id"] = tid
			req.Locals["parent_span_id"] = sid
			req.Locals["span_id"] = genSpanID()
			req.Locals["trace_flags"] = flags
		}
	}
	if ts := req.Header.Get("Tracestate"); ts != "" {
		req.Locals["tracestate"] = NewTraceStateBuilder(ts).String()
	}
	if corr := req.Header.Get("X-Correlation-Id"); corr != "" {
		req.Locals["correlation_id"] = corr
	} else if xr := req.Header.Get("X-Request-Id"); xr != "" {
		req.Locals["correlation_id"] = xr
	}
}

// runApplication executes handler and applies the "Application
// resolution" rules of spec §4.6.
func (s *Server) runApplication(conn *Conn, req *Request, rw *pipelineResponse, handler Handler) {
	appErr := s.invokeSafely(handler, rw, req)

	if appErr == nil {
		switch rw.State() {
		case ResponseNotStarted:
			rw.SetStatus(404)
			appErr = rw.End([]byte("Not Found"))
		case ResponseStarted:
			appErr = rw.End(nil)
		}
		if appErr == nil {
			s.responseComplete(conn, req, false)
			return
		}
	}

	if conn.IsExported() {
		return
	}

	if errors.Is(appErr, ErrClientDisconnect) {
		s.logger.Logf(obs.Debug, "conn %d: client disconnected mid-response: %v", conn.ID, appErr)
		s.responseComplete(conn, req, true)
		return
	}

	var ferr *filterError
	if errors.As(appErr, &ferr) {
		req.MarkFilterFailed(ferr.key)
	}

	if rw.State() != ResponseNotStarted {
		s.logger.Logf(obs.Error, "conn %d: response already started, cannot recover from: %v", conn.ID, appErr)
		s.responseComplete(conn, req, true)
		return
	}

	if req.FilterErrored {
		s.filterRecoveryLoop(conn, req, appErr)
		return
	}

	s.emitApplicationError(conn, req, appErr)
}

func (s *Server) invokeSafely(h Handler, rw ResponseWriter, req *Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Logf(obs.Error, "conn %d: handler panic: %v", req.Conn.ID, r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	h.ServeHTTP(rw, req)
	return nil
}

// vhostFiltersFor returns the vhost filter set carried by req, or nil if
// host selection never resolved one (pre-app responses issued before
// step 3).
func vhostFiltersFor(req *Request) []Filter {
	if req.resolvedVhost == nil {
		return nil
	}
	return req.resolvedVhost.Filters
}

// emitApplicationError renders a 500 (spec §4.6, application failure
// with no prior filter error).
func (s *Server) emitApplicationError(conn *Conn, req *Request, appErr error) {
	wire := s.driver.NewWriter(req, conn.Write)
	filters := s.driver.Filters(req, vhostFiltersFor(req))
	rw := newPipelineResponse(req, wire, filters)
	err := s.writeErrorBody(rw, appErr)
	if err == nil {
		s.responseComplete(conn, req, false)
		return
	}
	if errors.Is(err, ErrClientDisconnect) {
		s.responseComplete(conn, req, true)
		return
	}
	var ferr *filterError
	if errors.As(err, &ferr) {
		req.MarkFilterFailed(ferr.key)
		s.filterRecoveryLoop(conn, req, err)
		return
	}
	s.responseComplete(conn, req, true)
}

// filterRecoveryLoop reinitializes the response excluding bad filters
// and retries the error response, per spec §4.6, until no further
// filter throws or the pipeline yields a client-disconnect/unrecoverable
// error.
func (s *Server) filterRecoveryLoop(conn *Conn, req *Request, lastErr error) {
	for {
		wire := s.driver.NewWriter(req, conn.Write)
		filters := s.driver.Filters(req, vhostFiltersFor(req))
		rw := newPipelineResponse(req, wire, filters)
		err := s.writeErrorBody(rw, lastErr)
		if err == nil {
			s.responseComplete(conn, req, false)
			return
		}
		if errors.Is(err, ErrClientDisconnect) {
			s.responseComplete(conn, req, true)
			return
		}
		var ferr *filterError
		if errors.As(err, &ferr) {
			req.MarkFilterFailed(ferr.key)
			lastErr = err
			continue
		}
		s.responseComplete(conn, req, true)
		return
	}
}

func (s *Server) writeErrorBody(rw ResponseWriter, cause error) error {
	rw.SetStatus(500)
	body := "Internal Server Error"
	if s.opts.Debug && cause != nil {
		body = "Internal Server Error: " + html.EscapeString(cause.Error())
	}
	if err := rw.WriteHeader(500); err != nil {
		return err
	}
	return rw.End([]byte(body))
}

// responseComplete is the "Response-complete callback" of spec §4.6: it
// decrements in-flight responses and either closes the connection or
// renews its keep-alive timer.
func (s *Server) responseComplete(conn *Conn, req *Request, markedClose bool) {
	remaining := conn.inFlightResponses.Add(-1)
	conn.mu.Lock()
	readClosed := conn.readClosed
	conn.mu.Unlock()
	budgetExhausted := conn.remainingRequests.Load() <= 0
	if markedClose || (remaining == 0 && readClosed) || (remaining == 0 && budgetExhausted) {
		conn.Close()
		return
	}
	s.keepalive.Renew(conn)
}

func (s *Server) shuttingDown() bool {
	return s.lifecycle.State() == StateStopping
}
