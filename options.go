package httpcore

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Options is the validated, lockable configuration record for a
// Lifecycle. It replaces the source system's dynamic-property Options
// object (spec §9, "Dynamic property access on Options") with a
// statically typed struct plus a Freeze/Frozen pair. Freeze only sets
// the flag that Frozen reports: the fields are plain struct fields with
// no setters, and writes to them after Freeze are not rejected.
type Options struct {
	// MaxConnections is the global admission cap (inclusive).
	MaxConnections int64
	// ConnectionsPerIP is the per-IP-block cap (inclusive; IPv6
	// aggregated to /56).
	ConnectionsPerIP int64
	// MaxRequestsPerConnection seeds each connection's keep-alive budget.
	MaxRequestsPerConnection int64
	// ConnectionTimeout is the idle keep-alive interval.
	ConnectionTimeout time.Duration
	// SocketBacklogSize is the listen backlog.
	SocketBacklogSize int
	// IOGranularity is the maximum bytes read per Read syscall.
	IOGranularity int
	// SoftStreamCap and HardStreamCap bound the per-connection write
	// buffer; producers suspend above soft, and exceeding hard is a
	// driver bug (spec §4.4 "Backpressure contract").
	SoftStreamCap int64
	HardStreamCap int64
	// MaxHeaderLineBytes bounds any single request-line or header line a
	// Driver's Parser will accept.
	MaxHeaderLineBytes int
	// MaxTotalHeaderBytes bounds the sum of header line lengths per
	// request, independent of the per-line limit.
	MaxTotalHeaderBytes int
	// MaxBodyBytes bounds the entity size a Parser will pass through
	// before surfacing a SIZE_WARNING event (spec §4.5).
	MaxBodyBytes int64
	// AllowedMethods is the enumerated method whitelist.
	AllowedMethods []string
	// NormalizeMethodCase upper-cases methods before dispatch.
	NormalizeMethodCase bool
	// ShutdownTimeout bounds Lifecycle.Stop.
	ShutdownTimeout time.Duration
	// Debug enables verbose (HTML-escaped) error bodies and disables
	// SO_REUSEPORT on binders that honor it.
	Debug bool
	// User is the POSIX account to drop privileges to after binding
	// listeners, if non-empty.
	User string

	frozen atomic.Bool
}

// DefaultOptions returns a populated, valid Options suitable for tests
// and the reference command.
func DefaultOptions() *Options {
	return &Options{
		MaxConnections:           10000,
		ConnectionsPerIP:         64,
		MaxRequestsPerConnection: 1000,
		ConnectionTimeout:        60 * time.Second,
		SocketBacklogSize:        1024,
		IOGranularity:            64 * 1024,
		SoftStreamCap:            1 << 20,
		HardStreamCap:            4 << 20,
		MaxHeaderLineBytes:       8 << 10,
		MaxTotalHeaderBytes:      64 << 10,
		MaxBodyBytes:             10 << 20,
		AllowedMethods:           []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS", "TRACE", "PATCH"},
		ShutdownTimeout:          30 * time.Second,
	}
}

// Validate returns ErrConfiguration, wrapped with the offending field
// name, for any field that cannot support a running server.
func (o *Options) Validate() error {
	switch {
	case o.MaxConnections <= 0:
		return fmt.Errorf("%w: max_connections must be positive", ErrConfiguration)
	case o.ConnectionsPerIP <= 0:
		return fmt.Errorf("%w: connections_per_ip must be positive", ErrConfiguration)
	case o.MaxRequestsPerConnection <= 0:
		return fmt.Errorf("%w: max_requests_per_connection must be positive", ErrConfiguration)
	case o.ConnectionTimeout <= 0:
		return fmt.Errorf("%w: connection_timeout must be positive", ErrConfiguration)
	case o.IOGranularity <= 0:
		return fmt.Errorf("%w: io_granularity must be positive", ErrConfiguration)
	case o.SoftStreamCap <= 0:
		return fmt.Errorf("%w: soft_stream_cap must be positive", ErrConfiguration)
	case o.HardStreamCap < o.SoftStreamCap:
		return fmt.Errorf("%w: hard_stream_cap must be >= soft_stream_cap", ErrConfiguration)
	case o.MaxHeaderLineBytes <= 0:
		return fmt.Errorf("%w: max_header_line_bytes must be positive", ErrConfiguration)
	case o.MaxTotalHeaderBytes < o.MaxHeaderLineBytes:
		return fmt.Errorf("%w: max_total_header_bytes must be >= max_header_line_bytes", ErrConfiguration)
	case o.MaxBodyBytes <= 0:
		return fmt.Errorf("%w: max_body_bytes must be positive", ErrConfiguration)
	case len(o.AllowedMethods) == 0:
		return fmt.Errorf("%w: allowed_methods must not be empty", ErrConfiguration)
	case o.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrConfiguration)
	}
	return nil
}

// Freeze locks Options against further mutation. Lifecycle.Start calls
// this while transitioning STARTING->STARTED (spec §4.1 step 4).
func (o *Options) Freeze() { o.frozen.Store(true) }

// Frozen reports whether Freeze has been called.
func (o *Options) Frozen() bool { return o.frozen.Load() }

// IsMethodAllowed reports whether m is in AllowedMethods.
func (o *Options) IsMethodAllowed(m string) bool {
	for _, am := range o.AllowedMethods {
		if am == m {
			return true
		}
	}
	return false
}

// AllowHeader renders AllowedMethods as the value of an Allow header.
func (o *Options) AllowHeader() string {
	s := ""
	for i, m := range o.AllowedMethods {
		if i > 0 {
			s += ", "
		}
		s += m
	}
	return s
}
