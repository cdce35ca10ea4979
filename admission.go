package httpcore

import (
	"net"
	"sync"
	"sync/atomic"
)

// Admission tracks the global and per-IP-block connection counts used
// for capacity enforcement (spec §4.2). Both counters are always
// mutated atomically as a pair via TryAdmit's release closure.
type Admission struct {
	global      atomic.Int64
	maxGlobal   int64
	maxPerBlock int64
	blocks      sync.Map // block key (string) -> *atomic.Int64
}

// NewAdmission returns an Admission enforcing the given caps.
func NewAdmission(maxGlobal, maxPerBlock int64) *Admission {
	return &Admission{maxGlobal: maxGlobal, maxPerBlock: maxPerBlock}
}

// BlockKey derives the IP-block aggregation key for addr: the full
// address for IPv4, the first 7 bytes (/56) for IPv6. Unix-domain
// addresses report skip=true since they carry no IP-block accounting
// (spec §4.2, last line).
func BlockKey(addr net.Addr) (key string, skip bool) {
	ta, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", true
	}
	ip := ta.IP
	if v4 := ip.To4(); v4 != nil {
		return string(v4), false
	}
	if len(ip) >= 7 {
		return string(ip[:7]), false
	}
	return string(ip), false
}

// TryAdmit atomically increments the global and (unless skipBlock) the
// per-block counter, using post-increment comparison against the caps
// so the Nth connection is admitted and the (N+1)th is denied (spec's
// "crossed the cap" test, §4.2). On denial both counters are rolled
// back and admitted is false with a nil release. On success, release
// must be called exactly once to return both counters.
func (a *Admission) TryAdmit(blockKey string, skipBlock bool) (admitted bool, release func()) {
	g := a.global.Add(1)
	if g > a.maxGlobal {
		a.global.Add(-1)
		return false, nil
	}
	if skipBlock {
		return true, func() { a.global.Add(-1) }
	}
	v, _ := a.blocks.LoadOrStore(blockKey, new(atomic.Int64))
	counter := v.(*atomic.Int64)
	b := counter.Add(1)
	if b > a.maxPerBlock {
		counter.Add(-1)
		a.global.Add(-1)
		return false, nil
	}
	return true, func() {
		a.global.Add(-1)
		counter.Add(-1)
	}
}

// Snapshot reports the current global count and the number of distinct
// IP blocks with at least one tracked connection, for Monitor.
func (a *Admission) Snapshot() (global int64, uniqueBlocks int) {
	global = a.global.Load()
	a.blocks.Range(func(_, v any) bool {
		if v.(*atomic.Int64).Load() > 0 {
			uniqueBlocks++
		}
		return true
	})
	return
}
