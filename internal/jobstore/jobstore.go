// Package jobstore is the Job Record Store: a thread-safe, in-memory
// registry of every active (pending or running) job, keyed by a monotonic
// job id. There is no persistence across daemon restarts by design (spec
// Non-goals).
package jobstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"sdstored/internal/catalogue"
	"sdstored/internal/ledger"
)

// State is one of the five legal job states.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

// legalTransitions enumerates every allowed State -> State edge (spec §3).
var legalTransitions = map[State][]State{
	Pending: {Running, Cancelled},
	Running: {Completed, Failed, Cancelled},
}

func isLegalTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is one of Completed, Failed, Cancelled.
func IsTerminal(s State) bool {
	return s == Completed || s == Failed || s == Cancelled
}

// ChildHandle records one spawned child process, populated once the job
// transitions to Running.
type ChildHandle struct {
	Kind catalogue.Kind
	PID  int
}

// ReplySink is the outbound frame channel for the client that submitted a
// job. The Control Plane supplies the concrete implementation; jobstore and
// the scheduler only ever see this narrow interface.
type ReplySink interface {
	// Closed reports whether the underlying client connection is already
	// gone, so a dead client's job can be treated as an implicit cancel.
	Closed() bool
}

// Record is one job's full lifecycle state, owned by the Store from
// creation until its terminal reply has been sent and Remove is called.
type Record struct {
	ID         int64
	Client     ReplySink
	Priority   int
	InputPath  string
	OutputPath string
	Pipeline   []catalogue.Kind
	Demand     ledger.Demand

	mu         sync.Mutex
	state      State
	children   []ChildHandle
	admittedAt time.Time
	finishedAt time.Time
	failErr    error
}

// State returns the job's current state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetChildren records the spawned child handles once the runner has started
// them (populated only while Running).
func (r *Record) SetChildren(children []ChildHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children = children
}

// Children returns a copy of the currently recorded child handles.
func (r *Record) Children() []ChildHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChildHandle, len(r.children))
	copy(out, r.children)
	return out
}

// FailErr returns the error that drove a Failed transition, if any.
func (r *Record) FailErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failErr
}

// Store is the registry of active jobs.
type Store struct {
	mu      sync.RWMutex
	records map[int64]*Record
	nextID  int64
}

// New builds an empty Store.
func New() *Store {
	return &Store{records: make(map[int64]*Record)}
}

// Submission is the validated input to Create.
type Submission struct {
	Client     ReplySink
	Priority   int
	InputPath  string
	OutputPath string
	Pipeline   []catalogue.Kind
	Demand     ledger.Demand
}

// Create assigns the next monotonic job id, registers a new Pending record,
// and returns it.
func (s *Store) Create(sub Submission) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec := &Record{
		ID:         s.nextID,
		Client:     sub.Client,
		Priority:   sub.Priority,
		InputPath:  sub.InputPath,
		OutputPath: sub.OutputPath,
		Pipeline:   sub.Pipeline,
		Demand:     sub.Demand,
		state:      Pending,
	}
	s.records[rec.ID] = rec
	return rec
}

// Get returns the record for id, if it is still active.
func (s *Store) Get(id int64) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// SetState performs a checked transition. An illegal transition is a
// programming fault and returns an error rather than silently corrupting
// state.
func (s *Store) SetState(id int64, to State) error {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("jobstore: unknown job %d", id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !isLegalTransition(rec.state, to) {
		return fmt.Errorf("jobstore: illegal transition %s -> %s for job %d", rec.state, to, id)
	}
	rec.state = to
	switch to {
	case Running:
		rec.admittedAt = time.Now()
	case Completed, Failed, Cancelled:
		rec.finishedAt = time.Now()
	}
	return nil
}

// SetFailErr records the error that drove a Running -> Failed transition.
// Call alongside SetState(id, Failed).
func (s *Store) SetFailErr(id int64, err error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.failErr = err
	rec.mu.Unlock()
}

// IterActive calls fn for every record still in the store (Pending or
// Running), in ascending job-id order — the deterministic ordering spec §12
// (SPEC_FULL) specifies for status snapshots.
func (s *Store) IterActive(fn func(*Record)) {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.mu.RLock()
		rec, ok := s.records[id]
		s.mu.RUnlock()
		if ok {
			fn(rec)
		}
	}
}

// Remove deletes a job's record. Callers must only do this after the job's
// terminal reply has been written (spec §3's JobRecord lifetime invariant).
func (s *Store) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}
