package httpcore

import (
	"context"
	"crypto/tls"
	"net"

	"dqx0.com/go/httpcore/internal/obs"
	"golang.org/x/sync/errgroup"
)

// ListenerContext encodes per-address bind options (spec §6, "Listener
// contract"). DefaultBinder does not apply Backlog, ReusePort, ReuseAddr
// or IPv6Only: it binds with net.Listen's defaults. TLSConfig is read by
// Lifecycle.Start, not by the binder.
type ListenerContext struct {
	Backlog   int
	ReusePort bool
	ReuseAddr bool
	IPv6Only  bool
	TLSConfig *tls.Config
}

// Binder receives the address->context mapping computed from vhost
// bindings and returns bound (but not yet TLS-wrapped) listeners. It may
// be overridden for testing, per spec §4.1 step 2.
type Binder func(addrs map[string]ListenerContext) (map[string]net.Listener, error)

// DefaultBinder opens a TCP listener for addresses of the form
// "host:port" and a Unix listener for addresses that look like
// filesystem paths.
func DefaultBinder(addrs map[string]ListenerContext) (map[string]net.Listener, error) {
	out := make(map[string]net.Listener, len(addrs))
	for addr := range addrs {
		network := "tcp"
		if len(addr) > 0 && addr[0] == '/' {
			network = "unix"
		}
		ln, err := net.Listen(network, addr)
		if err != nil {
			for _, l := range out {
				_ = l.Close()
			}
			return nil, err
		}
		out[addr] = ln
	}
	return out, nil
}

// ListenerSet owns the bound listeners for a running server and runs one
// accept loop goroutine per listener under a shared errgroup (spec §4.2:
// "Accept is edge-triggered on listener readability", rendered here as
// one blocking Accept loop per listener rather than a reactor
// registration, per the Design Notes' guidance to model callbacks as
// loop-owned handlers).
type ListenerSet struct {
	logger    obs.Logger
	listeners map[string]net.Listener
	tlsConfig map[string]*tls.Config
}

// NewListenerSet wraps already-bound listeners plus their optional TLS
// configs (nil for plaintext addresses).
func NewListenerSet(listeners map[string]net.Listener, tlsConfig map[string]*tls.Config, logger obs.Logger) *ListenerSet {
	return &ListenerSet{listeners: listeners, tlsConfig: tlsConfig, logger: logger}
}

// Close closes every bound listener, refusing further accepts.
func (ls *ListenerSet) Close() {
	for _, l := range ls.listeners {
		_ = l.Close()
	}
}

// AcceptFunc is invoked for every raw accepted connection, before any
// admission or TLS handling; tlsCfg is non-nil when the connection
// arrived on a TLS-bound address.
type AcceptFunc func(conn net.Conn, addr string, tlsCfg *tls.Config, isUnix bool)

// Serve starts one accept-loop goroutine per listener under g. Each loop
// exits cleanly (without failing the group) once ctx is cancelled and
// Accept subsequently errors from the listener being closed.
func (ls *ListenerSet) Serve(ctx context.Context, g *errgroup.Group, onAccept AcceptFunc) {
	for addr, ln := range ls.listeners {
		addr, ln := addr, ln
		tlsCfg := ls.tlsConfig[addr]
		isUnix := ln.Addr().Network() == "unix"
		g.Go(func() error {
			for {
				c, err := ln.Accept()
				if err != nil {
					select {
					case <-ctx.Done():
						return nil
					default:
					}
					if ls.logger != nil {
						ls.logger.Logf(obs.Warn, "accept on %s: %v", addr, err)
					}
					return nil
				}
				onAccept(c, addr, tlsCfg, isUnix)
			}
		})
	}
}
