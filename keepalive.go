package httpcore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"dqx0.com/go/httpcore/internal/obs"
)

type keepaliveEntry struct {
	connID uint64
	expiry time.Time
	conn   *Conn
}

// KeepaliveQueue is the insertion-ordered expiry queue of spec §4.7,
// grounded in the teacher/pack's remove-then-reinsert renewal idiom and
// rendered with container/list for O(1) renewal instead of a bespoke
// linked map. Because the timeout is a constant per Options, later
// insertions always have later expiries, so the sweep can short-circuit
// at the first non-expired entry.
type KeepaliveQueue struct {
	mu      sync.Mutex
	l       *list.List
	index   map[uint64]*list.Element
	timeout time.Duration
	logger  obs.Logger
}

// NewKeepaliveQueue returns a queue with the given constant timeout.
func NewKeepaliveQueue(timeout time.Duration, logger obs.Logger) *KeepaliveQueue {
	return &KeepaliveQueue{
		l:       list.New(),
		index:   make(map[uint64]*list.Element),
		timeout: timeout,
		logger:  logger,
	}
}

// Renew removes any existing entry for conn and appends a fresh one at
// the tail with expiry = now + timeout, preserving the ordering
// invariant (spec: "Renewal MUST remove-then-reinsert").
func (q *KeepaliveQueue) Renew(conn *Conn) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if el, ok := q.index[conn.ID]; ok {
		q.l.Remove(el)
	}
	el := q.l.PushBack(&keepaliveEntry{connID: conn.ID, expiry: time.Now().Add(q.timeout), conn: conn})
	q.index[conn.ID] = el
}

// Remove drops conn's entry, if any (called on close).
func (q *KeepaliveQueue) Remove(conn *Conn) {
	if conn == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if el, ok := q.index[conn.ID]; ok {
		q.l.Remove(el)
		delete(q.index, conn.ID)
	}
}

// sweepOnce closes every expired, idle connection at the head of the
// queue, stopping at the first entry that hasn't expired yet (spec's
// short-circuit sweep). A connection whose in-flight response count
// exceeds its active body-emitter count is still producing a slow
// response; it is spared and its timer cleared rather than renewed.
func (q *KeepaliveQueue) sweepOnce() {
	now := time.Now()
	var expired []*Conn
	q.mu.Lock()
	for {
		front := q.l.Front()
		if front == nil {
			break
		}
		e := front.Value.(*keepaliveEntry)
		if now.Before(e.expiry) {
			break
		}
		q.l.Remove(front)
		delete(q.index, e.connID)
		expired = append(expired, e.conn)
	}
	q.mu.Unlock()

	for _, c := range expired {
		if c.isBusy() {
			continue
		}
		if q.logger != nil {
			q.logger.Logf(obs.Debug, "keepalive: closing idle conn %d", c.ID)
		}
		c.Close()
	}
}

// Run sweeps on a short interval derived from the timeout until ctx is
// cancelled.
func (q *KeepaliveQueue) Run(ctx context.Context) {
	interval := q.timeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.sweepOnce()
		}
	}
}

// Len reports the number of tracked entries, for Monitor.
func (q *KeepaliveQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}
