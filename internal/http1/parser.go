package http1

import (
	"bufio"
	"bytes"
	"errors"
	"strconv"
	"strings"

	"dqx0.com/go/httpcore"
)

var (
	errLineTooLong          = errors.New("http1: header line too long")
	errChunkFormat          = errors.New("http1: invalid chunk format")
	errMalformedRequestLine = errors.New("http1: malformed request line")
	errHeaderTooLarge       = errors.New("http1: header block too large")
	errInvalidHeaderName    = errors.New("http1: invalid header name")
	errContentLengthInvalid = errors.New("http1: invalid content-length")
	errCLTEConflict         = errors.New("http1: content-length and transfer-encoding both set")
)

type parserState int

const (
	stateRequestLine parserState = iota
	stateHeaders
	stateBodyLength
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateChunkTrailer
	stateBroken
)

// StreamParser is an incremental HTTP/1.1 request parser bound to one
// connection. It implements httpcore.Parser: Feed is handed each chunk
// read off the socket and returns the events that chunk completed,
// resuming exactly where the previous call left off.
type StreamParser struct {
	maxLine  int
	maxTotal int
	maxBody  int64

	buf   []byte
	state parserState

	streamID uint64

	method, uri, proto string
	header             httpcore.Header
	headerBytes        int

	chunked    bool
	remaining  int64
	bodySeen   int64
	sizeWarned bool

	// write, when set by the driver, pushes raw bytes straight to the
	// connection's socket outside the normal response pipeline. It is
	// the parser's only route for sending a 100 Continue interim
	// response before the application has even seen the request.
	write func([]byte) error
}

// NewStreamParser builds a StreamParser bounded by maxLine (single
// request/header line), maxTotal (sum of header line lengths) and
// maxBody (entity size before a SIZE_WARNING event fires).
func NewStreamParser(maxLine, maxTotal int, maxBody int64) *StreamParser {
	return &StreamParser{maxLine: maxLine, maxTotal: maxTotal, maxBody: maxBody}
}

// Feed appends p to the parser's pending buffer and drains as many
// complete events as the buffered bytes allow. A parse failure is
// surfaced as an EventParseError in the returned slice — never as the
// error return, which is reserved for a Feed call made after the
// parser already broke (a driver-usage bug, not a wire-format problem).
func (p *StreamParser) Feed(b []byte) ([]httpcore.Event, error) {
	if p.state == stateBroken {
		return nil, errMalformedRequestLine
	}
	p.buf = append(p.buf, b...)
	var events []httpcore.Event
	for {
		switch p.state {
		case stateRequestLine:
			line, ok, err := p.takeLine()
			if err != nil {
				p.state = stateBroken
				return append(events, p.parseErrorEvent(err)), nil
			}
			if !ok {
				return events, nil
			}
			parts := strings.SplitN(line, " ", 3)
			if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
				p.state = stateBroken
				return append(events, p.parseErrorEvent(errMalformedRequestLine)), nil
			}
			p.method, p.uri, p.proto = parts[0], parts[1], parts[2]
			p.header = httpcore.Header{}
			p.headerBytes = 0
			p.state = stateHeaders

		case stateHeaders:
			line, ok, err := p.takeLine()
			if err != nil {
				p.state = stateBroken
				return append(events, p.parseErrorEvent(err)), nil
			}
			if !ok {
				return events, nil
			}
			if line == "" {
				ev, err := p.finishHeaders()
				if err != nil {
					p.state = stateBroken
					return append(events, p.parseErrorEvent(err)), nil
				}
				events = append(events, ev)
				continue
			}
			p.headerBytes += len(line)
			if p.maxTotal > 0 && p.headerBytes > p.maxTotal {
				p.state = stateBroken
				return append(events, p.parseErrorEvent(errHeaderTooLarge)), nil
			}
			i := strings.IndexByte(line, ':')
			if i <= 0 {
				p.state = stateBroken
				return append(events, p.parseErrorEvent(errInvalidHeaderName)), nil
			}
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if SanitizeHeaderKey(k) == "" {
				p.state = stateBroken
				return append(events, p.parseErrorEvent(errInvalidHeaderName)), nil
			}
			p.header.Add(k, v)

		case stateBodyLength:
			sid := p.streamID
			if p.remaining == 0 {
				p.state = stateRequestLine
				events = append(events, httpcore.Event{Kind: httpcore.EventEntityComplete, StreamID: sid})
				continue
			}
			if len(p.buf) == 0 {
				return events, nil
			}
			n := int64(len(p.buf))
			if n > p.remaining {
				n = p.remaining
			}
			chunk := p.buf[:n]
			p.buf = p.buf[n:]
			p.remaining -= n
			events = append(events, p.emitBodyChunk(sid, chunk)...)

		case stateChunkSize:
			line, ok, err := p.takeLine()
			if err != nil {
				p.state = stateBroken
				return append(events, p.parseErrorEvent(err)), nil
			}
			if !ok {
				return events, nil
			}
			size, err := parseChunkSizeLine(line)
			if err != nil {
				p.state = stateBroken
				return append(events, p.parseErrorEvent(err)), nil
			}
			if size == 0 {
				p.state = stateChunkTrailer
				continue
			}
			p.remaining = size
			p.state = stateChunkData

		case stateChunkData:
			sid := p.streamID
			if p.remaining == 0 {
				p.state = stateChunkCRLF
				continue
			}
			if len(p.buf) == 0 {
				return events, nil
			}
			n := int64(len(p.buf))
			if n > p.remaining {
				n = p.remaining
			}
			chunk := p.buf[:n]
			p.buf = p.buf[n:]
			p.remaining -= n
			events = append(events, p.emitBodyChunk(sid, chunk)...)

		case stateChunkCRLF:
			if len(p.buf) < 2 {
				return events, nil
			}
			if p.buf[0] != '\r' || p.buf[1] != '\n' {
				p.state = stateBroken
				return append(events, p.parseErrorEvent(errChunkFormat)), nil
			}
			p.buf = p.buf[2:]
			p.state = stateChunkSize

		case stateChunkTrailer:
			line, ok, err := p.takeLine()
			if err != nil {
				p.state = stateBroken
				return append(events, p.parseErrorEvent(err)), nil
			}
			if !ok {
				return events, nil
			}
			if line == "" {
				sid := p.streamID
				p.state = stateRequestLine
				events = append(events, httpcore.Event{Kind: httpcore.EventEntityComplete, StreamID: sid})
				continue
			}
			// Trailer headers are read and discarded.

		default:
			return events, nil
		}
	}
}

// parseErrorEvent turns a sentinel parse failure into a PARSE_ERROR
// event carrying the status the failure maps to, per spec §6's
// "PARSE_ERROR(status, message)".
func (p *StreamParser) parseErrorEvent(err error) httpcore.Event {
	return httpcore.Event{
		Kind:     httpcore.EventParseError,
		StreamID: p.streamID,
		Status:   statusForParseError(err),
		Message:  err.Error(),
	}
}

func statusForParseError(err error) int {
	switch err {
	case errHeaderTooLarge, errLineTooLong:
		return 431
	default:
		return 400
	}
}

// emitBodyChunk turns a raw body slice into ENTITY_PART events, folding
// in a one-shot SIZE_WARNING the first time the running total crosses
// maxBody. Bytes keep flowing (and framing keeps advancing) afterward;
// it's the dispatcher's job to decide what a warned stream does next.
func (p *StreamParser) emitBodyChunk(sid uint64, chunk []byte) []httpcore.Event {
	var events []httpcore.Event
	p.bodySeen += int64(len(chunk))
	if p.maxBody > 0 && p.bodySeen > p.maxBody && !p.sizeWarned {
		p.sizeWarned = true
		events = append(events, httpcore.Event{Kind: httpcore.EventSizeWarning, StreamID: sid})
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	events = append(events, httpcore.Event{Kind: httpcore.EventEntityPart, StreamID: sid, Chunk: cp})
	return events
}

func (p *StreamParser) finishHeaders() (httpcore.Event, error) {
	cl, hasCL, err := parseContentLength(p.header)
	if err != nil {
		return httpcore.Event{}, errContentLengthInvalid
	}
	chunked := hasChunkedTE(p.header)
	if hasCL && chunked {
		return httpcore.Event{}, errCLTEConflict
	}

	p.streamID++
	sid := p.streamID
	p.bodySeen = 0
	p.sizeWarned = false
	ph := &httpcore.ParsedHeaders{Method: p.method, URI: p.uri, Proto: p.proto, Header: p.header, StreamID: sid}

	switch {
	case chunked:
		p.chunked = true
		p.state = stateChunkSize
		p.sendContinueIfExpected()
		return httpcore.Event{Kind: httpcore.EventEntityHeaders, StreamID: sid, Headers: ph}, nil
	case hasCL && cl > 0:
		p.chunked = false
		p.remaining = cl
		p.state = stateBodyLength
		p.sendContinueIfExpected()
		return httpcore.Event{Kind: httpcore.EventEntityHeaders, StreamID: sid, Headers: ph}, nil
	default:
		p.state = stateRequestLine
		return httpcore.Event{Kind: httpcore.EventHeadersOnly, StreamID: sid, Headers: ph}, nil
	}
}

// sendContinueIfExpected writes a 100 Continue interim response when the
// request declared Expect: 100-continue, so the client releases the body
// it's holding back. Best-effort: a write failure here surfaces on the
// next real write to the same connection, not here.
func (p *StreamParser) sendContinueIfExpected() {
	if p.write == nil {
		return
	}
	if !strings.EqualFold(p.header.Get("Expect"), "100-continue") {
		return
	}
	var raw bytes.Buffer
	bw := bufio.NewWriter(&raw)
	if err := WriteContinue(bw); err != nil {
		return
	}
	if err := bw.Flush(); err != nil {
		return
	}
	_ = p.write(raw.Bytes())
}

func (p *StreamParser) takeLine() (string, bool, error) {
	idx := bytes.IndexByte(p.buf, '\n')
	if idx < 0 {
		if p.maxLine > 0 && len(p.buf) > p.maxLine {
			return "", false, errLineTooLong
		}
		return "", false, nil
	}
	line := p.buf[:idx]
	p.buf = p.buf[idx+1:]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	if p.maxLine > 0 && len(line) > p.maxLine {
		return "", false, errLineTooLong
	}
	return string(line), true, nil
}

func parseChunkSizeLine(line string) (int64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, errChunkFormat
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, errChunkFormat
	}
	return n, nil
}

// parseContentLength validates the header the same way the blocking
// Reader does, but against an httpcore.Header multimap.
func parseContentLength(h httpcore.Header) (int64, bool, error) {
	vv := h["Content-Length"]
	if len(vv) == 0 {
		return 0, false, nil
	}
	got := int64(-1)
	for _, v := range vv {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				return 0, false, errContentLengthInvalid
			}
			n, err := strconv.ParseInt(part, 10, 64)
			if err != nil || n < 0 {
				return 0, false, errContentLengthInvalid
			}
			if got == -1 {
				got = n
			} else if got != n {
				return 0, false, errContentLengthInvalid
			}
		}
	}
	return got, true, nil
}

func hasChunkedTE(h httpcore.Header) bool {
	for _, v := range h["Transfer-Encoding"] {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}
