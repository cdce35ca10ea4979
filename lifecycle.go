package httpcore

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"dqx0.com/go/httpcore/internal/obs"
	"golang.org/x/sync/errgroup"
)

// State is the server lifecycle state (spec §3, "Server state").
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Observer is notified of lifecycle transitions. It sees the state after
// the internal transition has already been recorded (spec §6).
type Observer interface {
	Update(lc *Lifecycle) error
}

// ObserverFunc adapts a plain function to an Observer.
type ObserverFunc func(lc *Lifecycle) error

func (f ObserverFunc) Update(lc *Lifecycle) error { return f(lc) }

// ObserverHandle is an opaque handle returned by Attach, per spec's
// Design Notes ("Observer set keyed by object identity... model as a set
// of opaque handles/arena indices").
type ObserverHandle int

// Lifecycle drives the four-state FSM (spec §4.1) around a Server: it
// owns bind/start/stop and observer fan-out, while Server owns the
// steady-state connection handling those transitions bracket.
type Lifecycle struct {
	*Server

	mu    sync.Mutex
	state State

	obsMu     sync.RWMutex
	observers map[ObserverHandle]Observer
	nextObsID ObserverHandle

	binder Binder

	runCancel   context.CancelFunc
	acceptGroup *errgroup.Group
	clockCancel context.CancelFunc
}

// NewLifecycle wires a single-vhost server around handler and returns
// its Lifecycle, unstarted.
func NewLifecycle(opts *Options, driver Driver, handler Handler) *Lifecycle {
	return NewLifecycleWithHosts(opts, driver, NewSingleHostSelector(Vhost{Name: "*", Handler: handler}))
}

// NewLifecycleWithHosts wires a server around an explicit HostSelector,
// for callers that need more than one Vhost.
func NewLifecycleWithHosts(opts *Options, driver Driver, hosts HostSelector) *Lifecycle {
	srv := NewServer(opts, driver, hosts, obs.NopLogger{}, nil)
	lc := &Lifecycle{Server: srv, observers: make(map[ObserverHandle]Observer)}
	srv.lifecycle = lc
	return lc
}

// SetLogger overrides the default no-op logger. Call before Start.
func (lc *Lifecycle) SetLogger(logger obs.Logger) {
	if logger == nil {
		return
	}
	lc.logger = logger
	lc.keepalive.logger = logger
	lc.negotiator.logger = logger
}

// SetBinder overrides DefaultBinder, e.g. for tests that want an
// in-memory listener.
func (lc *Lifecycle) SetBinder(b Binder) { lc.binder = b }

// State returns the current lifecycle state.
func (lc *Lifecycle) State() State {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

func (lc *Lifecycle) setState(s State) {
	lc.mu.Lock()
	lc.state = s
	lc.mu.Unlock()
}

// Attach registers an observer and returns a handle for later Detach.
func (lc *Lifecycle) Attach(o Observer) ObserverHandle {
	lc.obsMu.Lock()
	defer lc.obsMu.Unlock()
	h := lc.nextObsID
	lc.nextObsID++
	lc.observers[h] = o
	return h
}

// Detach removes a previously attached observer. It is a no-op if h is
// unknown (already detached, or from a different Lifecycle instance).
func (lc *Lifecycle) Detach(h ObserverHandle) {
	lc.obsMu.Lock()
	defer lc.obsMu.Unlock()
	delete(lc.observers, h)
}

// notify fans out to every observer concurrently with per-observer
// failure isolation: one observer's error is logged and does not cancel
// the others, but if fatal is set (STARTING/STARTED transitions) the
// first observer error is still returned to the caller.
func (lc *Lifecycle) notify(ctx context.Context, fatal bool) error {
	lc.obsMu.RLock()
	list := make([]Observer, 0, len(lc.observers))
	for _, o := range lc.observers {
		list = append(list, o)
	}
	lc.obsMu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, o := range list {
		o := o
		g.Go(func() error {
			if err := o.Update(lc); err != nil {
				lc.logger.Logf(obs.Error, "observer error: %v", err)
				if fatal {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Start binds listeners for addrs and transitions
// STOPPED->STARTING->STARTED (spec §4.1). It fails fast if no vhost is
// registered or if any bind/observer/privilege-drop step fails.
func (lc *Lifecycle) Start(ctx context.Context, addrs map[string]ListenerContext) error {
	lc.mu.Lock()
	if lc.state != StateStopped {
		st := lc.state
		lc.mu.Unlock()
		return fmt.Errorf("%w: start requires STOPPED, currently %s", ErrInvalidState, st)
	}
	lc.mu.Unlock()

	if lc.hosts == nil {
		return fmt.Errorf("%w: no vhosts registered", ErrConfiguration)
	}
	if err := lc.opts.Validate(); err != nil {
		return err
	}

	binder := lc.binder
	if binder == nil {
		binder = DefaultBinder
	}

	tlsConfigs := make(map[string]*tls.Config, len(addrs))
	for addr, c := range addrs {
		if c.TLSConfig != nil {
			tlsConfigs[addr] = c.TLSConfig
		}
	}

	listeners, err := binder(addrs)
	if err != nil {
		return fmt.Errorf("%w: bind: %v", ErrConfiguration, err)
	}

	lc.setState(StateStarting)
	if err := lc.notify(ctx, true); err != nil {
		for _, l := range listeners {
			_ = l.Close()
		}
		lc.setState(StateStopped)
		return fmt.Errorf("startup failed: %w", err)
	}

	lc.opts.Freeze()

	if lc.opts.User != "" {
		if err := dropPrivileges(lc.opts.User); err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			lc.setState(StateStopped)
			return fmt.Errorf("%w: drop privileges to %q: %v", ErrConfiguration, lc.opts.User, err)
		}
	}

	lc.listeners = NewListenerSet(listeners, tlsConfigs, lc.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	lc.runCancel = cancel
	lc.Server.runCtx = runCtx
	lc.acceptGroup, _ = errgroup.WithContext(runCtx)
	lc.listeners.Serve(runCtx, lc.acceptGroup, lc.onAccept)

	clockCtx, clockCancel := context.WithCancel(context.Background())
	lc.clockCancel = clockCancel
	go lc.clock.Run(clockCtx)
	go lc.keepalive.Run(clockCtx)

	lc.setState(StateStarted)
	if err := lc.notify(ctx, true); err != nil {
		_ = lc.Stop(ctx)
		return fmt.Errorf("startup failed: %w", err)
	}
	return nil
}

// Stop drives STARTED->STOPPING->STOPPED (spec §4.1). It is a no-op from
// STOPPED and an error from STARTING/STOPPING. The whole sequence is
// bounded by Options.ShutdownTimeout.
func (lc *Lifecycle) Stop(ctx context.Context) error {
	lc.mu.Lock()
	switch lc.state {
	case StateStopped:
		lc.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		st := lc.state
		lc.mu.Unlock()
		return fmt.Errorf("%w: stop invalid from %s", ErrInvalidState, st)
	}
	lc.mu.Unlock()

	lc.setState(StateStopping)

	if lc.listeners != nil {
		lc.listeners.Close()
	}
	if lc.runCancel != nil {
		// Cancels runCtx, which every in-flight handshakeAndImport call
		// derives its handshake deadline from: pending TLS handshakes
		// fail immediately, release their admission slot, and close
		// their socket (spec §4.1 stop step 2, "aborts pending TLS
		// handshakes").
		lc.runCancel()
	}

	lc.clientsMu.RLock()
	conns := make([]*Conn, 0, len(lc.clients))
	for _, c := range lc.clients {
		conns = append(conns, c)
	}
	lc.clientsMu.RUnlock()
	for _, c := range conns {
		if c.inFlightResponses.Load() == 0 {
			c.Close()
		} else {
			c.remainingRequests.Store(0)
		}
	}

	drainDone := make(chan struct{})
	go func() {
		lc.clientsWG.Wait()
		lc.handshakeWG.Wait()
		close(drainDone)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-drainDone:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	g.Go(func() error { return lc.notify(ctx, false) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var stopErr error
	select {
	case err := <-done:
		stopErr = err
	case <-time.After(lc.opts.ShutdownTimeout):
		stopErr = ErrShutdownTimeout
	}

	if lc.clockCancel != nil {
		lc.clockCancel()
	}
	if lc.acceptGroup != nil {
		_ = lc.acceptGroup.Wait()
	}

	lc.setState(StateStopped)
	_ = lc.notify(ctx, false)

	if stopErr != nil {
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, stopErr)
	}
	return nil
}
