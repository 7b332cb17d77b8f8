// Package ledger tracks per-filter-kind running counts against the
// catalogue's concurrency ceilings, and provides the atomic "all or nothing"
// reservation that admission depends on.
package ledger

import (
	"fmt"
	"sync"

	"sdstored/internal/catalogue"
)

// Demand is a multiset over filter kinds: how many concurrent slots of each
// kind a single job needs.
type Demand map[catalogue.Kind]int

// Add increments kind's count in d and returns d; a new map is allocated
// only when d is nil.
func (d Demand) Add(kind catalogue.Kind) Demand {
	if d == nil {
		d = make(Demand, 1)
	}
	d[kind]++
	return d
}

// Snapshot is a single kind's running/max pair, as returned by Ledger.Snapshot.
type Snapshot struct {
	Kind    catalogue.Kind
	Running int
	Max     int
}

// Ledger is the shared mutable per-kind running-count table. All access
// goes through its methods; there is no other way to observe or mutate it,
// so no transient over-commit is ever visible to a concurrent reader.
type Ledger struct {
	mu      sync.Mutex
	cat     *catalogue.Catalogue
	running map[catalogue.Kind]int
}

// New builds a Ledger with every kind's running count at zero.
func New(cat *catalogue.Catalogue) *Ledger {
	running := make(map[catalogue.Kind]int, len(catalogue.All))
	for _, k := range catalogue.All {
		running[k] = 0
	}
	return &Ledger{cat: cat, running: running}
}

// Feasible reports whether demand could ever be admitted, i.e. every kind's
// demand fits under its catalogue maximum. An infeasible demand is rejected
// at submission (spec §3/§7) and never reaches TryReserve.
func (l *Ledger) Feasible(demand Demand) bool {
	for kind, n := range demand {
		if n > l.cat.Max(kind) {
			return false
		}
	}
	return true
}

// TryReserve atomically admits demand if, for every kind, running+demand
// fits under max. On success it commits the reservation and returns true;
// on failure it makes no change and returns false. The whole multiset is
// reserved together or not at all — partial admission is never observable,
// which is what prevents a job from holding some slots while starved of the
// rest.
func (l *Ledger) TryReserve(demand Demand) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for kind, n := range demand {
		if l.running[kind]+n > l.cat.Max(kind) {
			return false
		}
	}
	for kind, n := range demand {
		l.running[kind] += n
	}
	return true
}

// Release subtracts demand from the running counts. Violating the
// non-negativity invariant is a programming fault, not a recoverable error —
// it panics rather than silently corrupting the ledger.
func (l *Ledger) Release(demand Demand) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for kind, n := range demand {
		if l.running[kind]-n < 0 {
			panic(fmt.Sprintf("ledger: release of %d %s slots would drive running count negative (have %d)", n, kind, l.running[kind]))
		}
	}
	for kind, n := range demand {
		l.running[kind] -= n
	}
}

// Snapshot returns a consistent, catalogue-ordered copy of every kind's
// running/max pair, suitable for a Status reply.
func (l *Ledger) Snapshot() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Snapshot, 0, len(catalogue.All))
	for _, k := range catalogue.All {
		out = append(out, Snapshot{Kind: k, Running: l.running[k], Max: l.cat.Max(k)})
	}
	return out
}
