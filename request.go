package httpcore

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// Cookie is a single parsed Cookie: pair from the request header.
type Cookie struct {
	Name  string
	Value string
}

// Request is the dispatch-view envelope handed to pre-app responders and
// to the application handler. Its request line, headers and body are not
// changed once dispatched; Locals and the filter-recovery fields below
// still are. Handlers write through the ResponseWriter obtained separately.
type Request struct {
	Method     string
	URI        string
	Proto      string
	Header     Header
	Host       string
	StreamID   uint64

	// Body is a null-body sentinel that reads as empty for requests with
	// no entity (the HEADERS_ONLY path); otherwise it streams from the
	// connection's body emitter.
	Body io.ReadCloser

	// Conn is the connection this request arrived on.
	Conn *Conn

	// Locals is a per-request scratch map populated during pre-dispatch
	// bookkeeping (trace/correlation IDs) and free for handler use.
	Locals map[string]any

	ArrivedAt time.Time
	HTTPDate  string

	// FilterErrored and BadFilterKeys track the response-pipeline's
	// filter-recovery state for this request (spec's "filter-error flag"
	// and "blacklist of filter keys that have thrown").
	FilterErrored bool
	BadFilterKeys map[string]struct{}

	// resolvedVhost is set once host selection (spec §4.5 step 3)
	// succeeds, so the filter-recovery loop can keep using the same
	// vhost filter set after an application error.
	resolvedVhost *Vhost

	ctx context.Context

	cookiesOnce sync.Once
	cookies     []Cookie
}

// Context returns the request's context, defaulting to Background.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context replaced.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// Cookies parses the Cookie header lazily and caches the result, per
// spec's "cookies (lazily computed once per request)".
func (r *Request) Cookies() []Cookie {
	r.cookiesOnce.Do(func() {
		for _, line := range r.Header["Cookie"] {
			r.cookies = append(r.cookies, parseCookieHeader(line)...)
		}
	})
	return r.cookies
}

func parseCookieHeader(line string) []Cookie {
	var out []Cookie
	for _, part := range strings.Split(line, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.IndexByte(part, '=')
		if i <= 0 {
			continue
		}
		out = append(out, Cookie{Name: strings.TrimSpace(part[:i]), Value: strings.TrimSpace(part[i+1:])})
	}
	return out
}

// MarkFilterFailed records that the named filter threw, per the
// filter-recovery loop in the response pipeline.
func (r *Request) MarkFilterFailed(key string) {
	r.FilterErrored = true
	if r.BadFilterKeys == nil {
		r.BadFilterKeys = make(map[string]struct{})
	}
	r.BadFilterKeys[key] = struct{}{}
}
