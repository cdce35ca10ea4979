package httpcore

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"dqx0.com/go/httpcore/internal/obs"
	"github.com/sony/gobreaker"
)

// Negotiator drives TLS handshakes for pending sockets (spec §4.3). It
// wraps the actual handshake in a gobreaker.CircuitBreaker: repeated
// handshake failures (bad certs, TLS probing, slowloris-style partial
// handshakes) trip the breaker so new attempts fast-fail for a cooldown
// window instead of spending CPU on doomed tls.Conn.HandshakeContext
// calls. This is the same "wrap the risky call in a named breaker" idiom
// used for outbound HTTP round trips elsewhere in the retrieval pack,
// applied here to an accept-side operation instead of a client one.
type Negotiator struct {
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  obs.Logger
}

// NewNegotiator returns a Negotiator with the given per-handshake
// deadline. The breaker trips after 5 consecutive failures and stays
// open for 10 seconds.
func NewNegotiator(timeout time.Duration, logger obs.Logger) *Negotiator {
	st := gobreaker.Settings{
		Name:    "tls-handshake",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Negotiator{breaker: gobreaker.NewCircuitBreaker(st), timeout: timeout, logger: logger}
}

// Handshake drives raw's TLS handshake to completion or failure. On
// failure the caller's release is invoked exactly once (returning the
// admission slot counted from accept) and the socket is closed for both
// directions, guaranteeing a FIN. On success the *tls.Conn is returned
// for import as a client; release is NOT called — ownership (and the
// admission slot) transfers to the imported connection's eventual Close.
func (n *Negotiator) Handshake(ctx context.Context, raw net.Conn, cfg *tls.Config, release func()) (*tls.Conn, error) {
	tconn := tls.Server(raw, cfg)
	_, err := n.breaker.Execute(func() (any, error) {
		hctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()
		return nil, tconn.HandshakeContext(hctx)
	})
	if err != nil {
		if n.logger != nil {
			n.logger.Logf(obs.Warn, "tls handshake failed for %s: %v", raw.RemoteAddr(), err)
		}
		_ = tconn.Close()
		if release != nil {
			release()
		}
		return nil, err
	}
	return tconn, nil
}
