package sched

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdstored/internal/catalogue"
	"sdstored/internal/jobstore"
	"sdstored/internal/ledger"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	released []*jobstore.Record
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, rec *jobstore.Record) {
	d.mu.Lock()
	d.released = append(d.released, rec)
	d.mu.Unlock()
}

func (d *recordingDispatcher) dispatched() []*jobstore.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*jobstore.Record, len(d.released))
	copy(out, d.released)
	return out
}

func testCatalogue(t *testing.T, max int) *catalogue.Catalogue {
	t.Helper()
	budgets := make(map[string]int, len(catalogue.All))
	for _, k := range catalogue.All {
		budgets[string(k)] = max
	}
	cat, err := catalogue.New(budgets, func(k catalogue.Kind) (string, error) {
		return "/bin/" + string(k), nil
	})
	require.NoError(t, err)
	return cat
}

func submit(t *testing.T, s *jobstore.Store, priority int, kind catalogue.Kind) *jobstore.Record {
	t.Helper()
	return s.Create(jobstore.Submission{
		Client:     noopSink{},
		Priority:   priority,
		InputPath:  "in",
		OutputPath: "out",
		Pipeline:   []catalogue.Kind{kind},
		Demand:     ledger.Demand{}.Add(kind),
	})
}

type noopSink struct{}

func (noopSink) Closed() bool { return false }

func TestSubmitAdmitsWhenRoomAvailable(t *testing.T) {
	store := jobstore.New()
	l := ledger.New(testCatalogue(t, 1))
	disp := &recordingDispatcher{}
	s := New(store, l, disp, zerolog.Nop())

	rec := submit(t, store, 0, catalogue.Nop)
	s.Submit(context.Background(), rec)

	require.Len(t, disp.dispatched(), 1)
	assert.Equal(t, jobstore.Running, rec.State())
}

func TestSubmitSerializesOnSaturatedKind(t *testing.T) {
	store := jobstore.New()
	l := ledger.New(testCatalogue(t, 1))
	disp := &recordingDispatcher{}
	s := New(store, l, disp, zerolog.Nop())

	r1 := submit(t, store, 0, catalogue.Nop)
	r2 := submit(t, store, 0, catalogue.Nop)
	s.Submit(context.Background(), r1)
	s.Submit(context.Background(), r2)

	require.Len(t, disp.dispatched(), 1)
	assert.Equal(t, jobstore.Running, r1.State())
	assert.Equal(t, jobstore.Pending, r2.State())

	s.JobFinished(context.Background(), r1)
	require.Len(t, disp.dispatched(), 2)
	assert.Equal(t, jobstore.Running, r2.State())
}

func TestLowerPriorityIndependentKindNotStarved(t *testing.T) {
	store := jobstore.New()
	l := ledger.New(testCatalogue(t, 1))
	disp := &recordingDispatcher{}
	s := New(store, l, disp, zerolog.Nop())

	// Saturate nop with a running job first.
	running := submit(t, store, 5, catalogue.Nop)
	s.Submit(context.Background(), running)
	require.Len(t, disp.dispatched(), 1)

	// A second, higher-priority job also wants nop: it blocks.
	blocked := submit(t, store, 10, catalogue.Nop)
	// A third, lower-priority job wants a disjoint kind: it must still run.
	independent := submit(t, store, 1, catalogue.Encrypt)

	s.Submit(context.Background(), blocked)
	s.Submit(context.Background(), independent)

	assert.Equal(t, jobstore.Pending, blocked.State())
	assert.Equal(t, jobstore.Running, independent.State())
}

func TestCancelPending(t *testing.T) {
	store := jobstore.New()
	l := ledger.New(testCatalogue(t, 1))
	disp := &recordingDispatcher{}
	s := New(store, l, disp, zerolog.Nop())

	running := submit(t, store, 0, catalogue.Nop)
	s.Submit(context.Background(), running)

	pending := submit(t, store, 0, catalogue.Nop)
	s.Submit(context.Background(), pending)

	assert.True(t, s.CancelPending(pending.ID))
	assert.False(t, s.CancelPending(pending.ID))
	assert.False(t, s.CancelPending(running.ID))
}

func TestShutdownDrainsPending(t *testing.T) {
	store := jobstore.New()
	l := ledger.New(testCatalogue(t, 1))
	disp := &recordingDispatcher{}
	s := New(store, l, disp, zerolog.Nop())

	running := submit(t, store, 0, catalogue.Nop)
	s.Submit(context.Background(), running)
	pending := submit(t, store, 0, catalogue.Nop)
	s.Submit(context.Background(), pending)

	drained := s.Shutdown()
	require.Len(t, drained, 1)
	assert.Equal(t, pending.ID, drained[0].ID)

	// Further submissions after Shutdown are dropped.
	extra := submit(t, store, 0, catalogue.Decrypt)
	s.Submit(context.Background(), extra)
	assert.Equal(t, jobstore.Pending, extra.State())
}
