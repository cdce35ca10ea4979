package http1

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dqx0.com/go/httpcore"
)

func feedAll(t *testing.T, p *StreamParser, raw string) []httpcore.Event {
	t.Helper()
	events, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	return events
}

func TestStreamParser_HeadersOnly(t *testing.T) {
	p := NewStreamParser(8<<10, 64<<10, 1<<20)
	events := feedAll(t, p, "GET /foo HTTP/1.1\r\nHost: x\r\n\r\n")
	require.Len(t, events, 1)
	require.Equal(t, httpcore.EventHeadersOnly, events[0].Kind)

	h := events[0].Headers
	require.Equal(t, "GET", h.Method)
	require.Equal(t, "/foo", h.URI)
	require.Equal(t, "x", h.Header.Get("Host"))
}

func TestStreamParser_ContentLengthBodySplitAcrossFeeds(t *testing.T) {
	p := NewStreamParser(8<<10, 64<<10, 1<<20)
	events := feedAll(t, p, "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhe")
	require.Len(t, events, 2)
	require.Equal(t, httpcore.EventEntityHeaders, events[0].Kind)
	require.Equal(t, httpcore.EventEntityPart, events[1].Kind)
	require.Equal(t, "he", string(events[1].Chunk))

	more, err := p.Feed([]byte("llo"))
	require.NoError(t, err)
	require.Len(t, more, 2)
	require.Equal(t, httpcore.EventEntityPart, more[0].Kind)
	require.Equal(t, httpcore.EventEntityComplete, more[1].Kind)
}

func TestStreamParser_ChunkedBody(t *testing.T) {
	p := NewStreamParser(8<<10, 64<<10, 1<<20)
	raw := "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nhey\r\n2\r\n!!\r\n0\r\n\r\n"
	events := feedAll(t, p, raw)

	var body []byte
	kinds := make([]httpcore.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == httpcore.EventEntityPart {
			body = append(body, ev.Chunk...)
		}
	}
	require.Equal(t, "hey!!", string(body))
	require.Equal(t, httpcore.EventEntityComplete, kinds[len(kinds)-1])
}

func TestStreamParser_CLTEConflict(t *testing.T) {
	p := NewStreamParser(8<<10, 64<<10, 1<<20)
	events := feedAll(t, p, "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\nContent-Length: 5\r\n\r\n")
	require.Len(t, events, 1)
	require.Equal(t, httpcore.EventParseError, events[0].Kind)
	require.Equal(t, 400, events[0].Status)
}

func TestStreamParser_SizeWarningThenComplete(t *testing.T) {
	p := NewStreamParser(8<<10, 64<<10, 3)
	raw := "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	events := feedAll(t, p, raw)

	var sawWarning, sawComplete bool
	for _, ev := range events {
		switch ev.Kind {
		case httpcore.EventSizeWarning:
			sawWarning = true
		case httpcore.EventEntityComplete:
			sawComplete = true
		}
	}
	require.True(t, sawWarning, "expected a size warning event")
	require.True(t, sawComplete, "expected the body to still complete")
}

func TestStreamParser_InvalidHeaderName(t *testing.T) {
	p := NewStreamParser(8<<10, 64<<10, 1<<20)
	events := feedAll(t, p, "GET / HTTP/1.1\r\nBad( : v\r\n\r\n")
	require.Len(t, events, 1)
	require.Equal(t, httpcore.EventParseError, events[0].Kind)
	require.Equal(t, 400, events[0].Status)
}

func TestStreamParser_HeaderTooLargeYields431(t *testing.T) {
	p := NewStreamParser(8<<10, 8, 1<<20)
	events := feedAll(t, p, "GET / HTTP/1.1\r\nX-Long: 0123456789\r\n\r\n")
	require.Len(t, events, 1)
	require.Equal(t, httpcore.EventParseError, events[0].Kind)
	require.Equal(t, 431, events[0].Status)
}

func TestStreamParser_PipelinedRequests(t *testing.T) {
	p := NewStreamParser(8<<10, 64<<10, 1<<20)
	raw := "GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n"
	events := feedAll(t, p, raw)
	require.Len(t, events, 2)
	require.Equal(t, "/a", events[0].Headers.URI)
	require.Equal(t, "/b", events[1].Headers.URI)
	require.NotEqual(t, events[0].StreamID, events[1].StreamID, "pipelined requests need distinct stream IDs")
}
