package http1

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// ParsedRequest is a minimal representation parsed from the wire, used by
// the blocking Reader below.
type ParsedRequest struct {
	Method        string
	RequestURI    string
	Proto         string
	Header        map[string][]string
	ContentLength int64
	Body          io.ReadCloser
}

// Reader is a synchronous, buffered request reader kept for tests that
// prefer a blocking read; the connection's own read loop uses the
// incremental StreamParser instead, so Reader carries no production
// callers and lives here rather than in the package's build output.
type Reader struct {
	BR                  *bufio.Reader
	MaxHeaderBytes      int
	MaxTotalHeaderBytes int
}

func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, errMalformedRequestLine
	}
	method, uri, proto := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, errMalformedRequestLine
	}
	hdr, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	cl, hasCL, err := blockingParseContentLength(hdr)
	if err != nil {
		return nil, err
	}
	chunked := blockingHasChunkedTE(hdr)
	if chunked && hasCL {
		return nil, errCLTEConflict
	}

	var body io.ReadCloser
	switch {
	case chunked:
		cl = -1
		body = newBlockingChunkedBody(r.BR, r.MaxHeaderBytes)
	case hasCL && cl > 0:
		lr := &io.LimitedReader{R: r.BR, N: cl}
		body = &blockingLimitedBody{lr: lr}
	default:
		cl = 0
		body = io.NopCloser(strings.NewReader(""))
	}
	return &ParsedRequest{
		Method:        method,
		RequestURI:    uri,
		Proto:         proto,
		Header:        hdr,
		ContentLength: cl,
		Body:          body,
	}, nil
}

func (r *Reader) readHeaders() (map[string][]string, error) {
	h := make(map[string][]string)
	total := 0
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		total += len(line)
		if r.MaxTotalHeaderBytes > 0 && total > r.MaxTotalHeaderBytes {
			return nil, errHeaderTooLarge
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, errInvalidHeaderName
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if SanitizeHeaderKey(k) == "" {
			return nil, errInvalidHeaderName
		}
		blockingAddHeader(h, k, v)
	}
	return h, nil
}

func (r *Reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := r.BR.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if r.MaxHeaderBytes > 0 && sb.Len() > r.MaxHeaderBytes {
			return "", io.ErrShortBuffer
		}
	}
	return sb.String(), nil
}

// blockingParseContentLength validates the Content-Length header,
// accepting a comma-separated list of equal values (RFC 9110 §8.6) and
// rejecting any mismatched duplicate.
func blockingParseContentLength(h map[string][]string) (int64, bool, error) {
	vv := h[blockingCanonicalHeaderKey("Content-Length")]
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

type blockingLimitedBody struct {
	lr *io.LimitedReader
}

func (b *blockingLimitedBody) Read(p []byte) (int, error) { return b.lr.Read(p) }

func (b *blockingLimitedBody) Close() error {
	// Drain remaining bytes to allow next request on the same connection.
	buf := make([]byte, 1024)
	for b.lr.N > 0 {
		n := int64(len(buf))
		if n > b.lr.N {
			n = b.lr.N
		}
		if n <= 0 {
			break
		}
		if _, err := io.ReadFull(b.lr, buf[:n]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

func blockingAddHeader(h map[string][]string, k, v string) {
	hk := blockingCanonicalHeaderKey(k)
	h[hk] = append(h[hk], v)
}

func blockingHasChunkedTE(h map[string][]string) bool {
	hk := blockingCanonicalHeaderKey("Transfer-Encoding")
	if vv, ok := h[hk]; ok {
		for _, v := range vv {
			if strings.Contains(strings.ToLower(v), "chunked") {
				return true
			}
		}
	}
	return false
}

// blockingCanonicalHeaderKey is a small canonicalizer to avoid importing
// net/textproto for the blocking reader's own map[string][]string.
func blockingCanonicalHeaderKey(s string) string {
	b := []byte(strings.ToLower(s))
	upper := true
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			if upper {
				b[i] = byte(c - 'a' + 'A')
			}
			upper = false
			continue
		}
		upper = c == '-'
	}
	return string(b)
}

// blockingChunkedBody implements io.ReadCloser for Transfer-Encoding:
// chunked, used only by Reader above.
type blockingChunkedBody struct {
	br       *bufio.Reader
	remain   int64
	finished bool
	maxLine  int
}

func newBlockingChunkedBody(br *bufio.Reader, maxLine int) io.ReadCloser {
	return &blockingChunkedBody{br: br, remain: -1, maxLine: maxLine}
}

func (c *blockingChunkedBody) Read(p []byte) (int, error) {
	if c.finished {
		return 0, io.EOF
	}
	if c.remain == -1 || c.remain == 0 {
		size, err := c.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := c.readTrailers(); err != nil {
				return 0, err
			}
			c.finished = true
			return 0, io.EOF
		}
		c.remain = size
	}
	if c.remain < 0 {
		return 0, errChunkFormat
	}
	if len(p) == 0 {
		return 0, nil
	}
	toRead := int64(len(p))
	if toRead > c.remain {
		toRead = c.remain
	}
	n, err := io.ReadFull(c.br, p[:toRead])
	c.remain -= int64(n)
	if err != nil {
		return n, err
	}
	if c.remain == 0 {
		if err := c.expectCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *blockingChunkedBody) Close() error {
	buf := make([]byte, 1024)
	for !c.finished {
		_, err := c.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *blockingChunkedBody) readChunkSize() (int64, error) {
	line, err := blockingReadLineLimit(c.br, c.maxLine)
	if err != nil {
		return 0, err
	}
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

func (c *blockingChunkedBody) expectCRLF() error {
	b1, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	b2, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return errChunkFormat
	}
	return nil
}

func (c *blockingChunkedBody) readTrailers() error {
	for {
		line, err := blockingReadLineLimit(c.br, c.maxLine)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		// Trailer headers are read and discarded.
	}
}

func blockingReadLineLimit(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if limit > 0 && sb.Len() > limit {
			return "", io.ErrShortBuffer
		}
	}
	return sb.String(), nil
}
