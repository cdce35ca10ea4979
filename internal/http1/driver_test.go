package http1

import (
	"strings"
	"testing"

	"dqx0.com/go/httpcore"
)

type fakeFilter struct{ key string }

func (f fakeFilter) Key() string                        { return f.key }
func (f fakeFilter) Begin(*httpcore.Request) error       { return nil }
func (f fakeFilter) Step(c []byte) ([]byte, error)       { return c, nil }
func (f fakeFilter) Finish() ([]byte, error)             { return nil, nil }

func TestStreamWriter_ContentLengthResponse(t *testing.T) {
	var out []byte
	w := &StreamWriter{emit: func(p []byte) error { out = append(out, p...); return nil }, keepAlive: true}
	hdr := httpcore.Header{}
	hdr.Set("Content-Length", "5")
	if err := w.Write(httpcore.WirePart{Status: 200, Header: hdr}); err != nil {
		t.Fatalf("Write header: %v", err)
	}
	if err := w.Write(httpcore.WirePart{Chunk: []byte("hello"), End: true}); err != nil {
		t.Fatalf("Write body: %v", err)
	}
	s := string(out)
	if !strings.HasPrefix(s, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", s)
	}
	if !strings.Contains(s, "Connection: keep-alive\r\n") {
		t.Fatalf("missing keep-alive: %q", s)
	}
	if !strings.HasSuffix(s, "hello") {
		t.Fatalf("missing body: %q", s)
	}
	if strings.Contains(s, "Transfer-Encoding") {
		t.Fatalf("should not be chunked: %q", s)
	}
}

func TestStreamWriter_ChunkedWhenNoContentLength(t *testing.T) {
	var out []byte
	w := &StreamWriter{emit: func(p []byte) error { out = append(out, p...); return nil }, keepAlive: false}
	if err := w.Write(httpcore.WirePart{Status: 200}); err != nil {
		t.Fatalf("Write header: %v", err)
	}
	if err := w.Write(httpcore.WirePart{Chunk: []byte("hi"), End: true}); err != nil {
		t.Fatalf("Write body: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("expected chunked: %q", s)
	}
	if !strings.Contains(s, "2\r\nhi\r\n0\r\n\r\n") {
		t.Fatalf("bad chunk framing: %q", s)
	}
	if !strings.Contains(s, "Connection: close\r\n") {
		t.Fatalf("expected close: %q", s)
	}
}

func TestDriver_FiltersExcludesBlacklisted(t *testing.T) {
	d := NewDriver(httpcore.DefaultOptions())
	req := &httpcore.Request{}
	req.MarkFilterFailed("bad")
	vhostFilters := []httpcore.Filter{fakeFilter{key: "good"}, fakeFilter{key: "bad"}}
	got := d.Filters(req, vhostFilters)
	if len(got) != 1 || got[0].Key() != "good" {
		t.Fatalf("got=%+v", got)
	}
}

func TestRequestWantsKeepAlive(t *testing.T) {
	req := &httpcore.Request{Proto: "HTTP/1.1", Header: httpcore.Header{}}
	if !requestWantsKeepAlive(req) {
		t.Fatal("HTTP/1.1 should default to keep-alive")
	}
	req.Header.Set("Connection", "close")
	if requestWantsKeepAlive(req) {
		t.Fatal("Connection: close should override default")
	}

	req10 := &httpcore.Request{Proto: "HTTP/1.0", Header: httpcore.Header{}}
	if requestWantsKeepAlive(req10) {
		t.Fatal("HTTP/1.0 should default to close")
	}
	req10.Header.Set("Connection", "keep-alive")
	if !requestWantsKeepAlive(req10) {
		t.Fatal("HTTP/1.0 with explicit keep-alive should stay open")
	}
}
