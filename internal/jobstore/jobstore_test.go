package jobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdstored/internal/catalogue"
	"sdstored/internal/ledger"
)

type fakeSink struct{ closed bool }

func (f *fakeSink) Closed() bool { return f.closed }

func newSubmission(priority int) Submission {
	return Submission{
		Client:     &fakeSink{},
		Priority:   priority,
		InputPath:  "in.txt",
		OutputPath: "out.txt",
		Pipeline:   []catalogue.Kind{catalogue.Nop},
		Demand:     ledger.Demand{}.Add(catalogue.Nop),
	}
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	s := New()
	r1 := s.Create(newSubmission(0))
	r2 := s.Create(newSubmission(0))
	assert.Equal(t, int64(1), r1.ID)
	assert.Equal(t, int64(2), r2.ID)
	assert.Equal(t, Pending, r1.State())
}

func TestSetStateLegalTransitions(t *testing.T) {
	s := New()
	rec := s.Create(newSubmission(0))

	require.NoError(t, s.SetState(rec.ID, Running))
	assert.Equal(t, Running, rec.State())

	require.NoError(t, s.SetState(rec.ID, Completed))
	assert.Equal(t, Completed, rec.State())
	assert.True(t, IsTerminal(rec.State()))
}

func TestSetStateRejectsIllegalTransition(t *testing.T) {
	s := New()
	rec := s.Create(newSubmission(0))

	err := s.SetState(rec.ID, Completed)
	assert.Error(t, err)
	assert.Equal(t, Pending, rec.State())
}

func TestSetStateUnknownJob(t *testing.T) {
	s := New()
	assert.Error(t, s.SetState(999, Running))
}

func TestSetFailErrAndFailErr(t *testing.T) {
	s := New()
	rec := s.Create(newSubmission(0))
	require.NoError(t, s.SetState(rec.ID, Running))
	require.NoError(t, s.SetState(rec.ID, Failed))

	boom := assertErr("boom")
	s.SetFailErr(rec.ID, boom)
	assert.Equal(t, boom, rec.FailErr())
}

func assertErr(msg string) error { return &simpleErr{msg} }

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }

func TestIterActiveAscendingOrder(t *testing.T) {
	s := New()
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, s.Create(newSubmission(i)).ID)
	}

	var seen []int64
	s.IterActive(func(r *Record) { seen = append(seen, r.ID) })
	assert.Equal(t, ids, seen)
}

func TestRemoveDropsRecord(t *testing.T) {
	s := New()
	rec := s.Create(newSubmission(0))
	s.Remove(rec.ID)

	_, ok := s.Get(rec.ID)
	assert.False(t, ok)
}

func TestChildrenRoundTrip(t *testing.T) {
	s := New()
	rec := s.Create(newSubmission(0))
	require.NoError(t, s.SetState(rec.ID, Running))

	handles := []ChildHandle{{Kind: catalogue.Nop, PID: 123}}
	rec.SetChildren(handles)

	got := rec.Children()
	require.Len(t, got, 1)
	assert.Equal(t, 123, got[0].PID)

	// Children returns a defensive copy.
	got[0].PID = 999
	assert.Equal(t, 123, rec.Children()[0].PID)
}
