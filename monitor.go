package httpcore

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Snapshot is the read-only runtime view exposed by Monitor (spec §6,
// "Monitoring surface").
type Snapshot struct {
	State          State
	Bindings       []string
	Clients        int
	UniqueIPBlocks int
	PendingInputs  int
	Hosts          []string
}

// Monitor produces Snapshot on demand and pushes live counters into an
// injected otel metric.Meter, defaulting to the no-op meter when the
// caller doesn't supply one (spec §13, and SPEC_FULL's otel/metric
// wiring).
type Monitor struct {
	server *Server

	clients     metric.Int64UpDownCounter
	rejected    metric.Int64Counter
	tlsFailures metric.Int64Counter
	dispatched  metric.Int64Counter
}

// NewMonitor builds a Monitor bound to server, creating its instruments
// against meter (or the otel no-op meter if meter is nil).
func NewMonitor(server *Server, meter metric.Meter) *Monitor {
	if meter == nil {
		meter = noop.Meter{}
	}
	m := &Monitor{server: server}
	m.clients, _ = meter.Int64UpDownCounter("httpcore.clients",
		metric.WithDescription("currently open client connections"))
	m.rejected, _ = meter.Int64Counter("httpcore.admission.rejected",
		metric.WithDescription("connections rejected by admission control"))
	m.tlsFailures, _ = meter.Int64Counter("httpcore.tls.handshake_failures",
		metric.WithDescription("failed TLS handshakes"))
	m.dispatched, _ = meter.Int64Counter("httpcore.requests.dispatched",
		metric.WithDescription("requests dispatched to the application"))
	return m
}

func (m *Monitor) incClients() {
	if m.clients != nil {
		m.clients.Add(context.Background(), 1)
	}
}

func (m *Monitor) decClients() {
	if m.clients != nil {
		m.clients.Add(context.Background(), -1)
	}
}

func (m *Monitor) incRejected() {
	if m.rejected != nil {
		m.rejected.Add(context.Background(), 1)
	}
}

func (m *Monitor) incTLSFailures() {
	if m.tlsFailures != nil {
		m.tlsFailures.Add(context.Background(), 1)
	}
}

func (m *Monitor) incDispatched() {
	if m.dispatched != nil {
		m.dispatched.Add(context.Background(), 1)
	}
}

// Snapshot returns a point-in-time view of the server's runtime state.
func (m *Monitor) Snapshot() Snapshot {
	s := m.server
	s.clientsMu.RLock()
	n := len(s.clients)
	s.clientsMu.RUnlock()

	_, blocks := s.admission.Snapshot()

	var bindings []string
	if s.listeners != nil {
		for addr := range s.listeners.listeners {
			bindings = append(bindings, addr)
		}
	}

	var hosts []string
	if sel, ok := s.hosts.(*SingleHostSelector); ok && sel.ready {
		hosts = []string{sel.Vhost.Name}
	}

	state := StateStopped
	if s.lifecycle != nil {
		state = s.lifecycle.State()
	}

	return Snapshot{
		State:          state,
		Bindings:       bindings,
		Clients:        n,
		UniqueIPBlocks: blocks,
		PendingInputs:  s.keepalive.Len(),
		Hosts:          hosts,
	}
}
