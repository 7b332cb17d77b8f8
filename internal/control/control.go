// Package control is the Control Plane (spec §4.6): it demultiplexes framed
// client requests (submit, status, cancel, shutdown), drives the scheduler,
// and writes reply frames back to the originating client. Its per-connection
// loop is adapted from the teacher's internal/server.HandleConn (accept,
// parse one message, dispatch, reply, repeat) — generalized from HTTP/1.0
// request/response to a persistent, multi-frame framed connection.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sdstored/internal/catalogue"
	"sdstored/internal/ipc"
	"sdstored/internal/jobstore"
	"sdstored/internal/ledger"
	"sdstored/internal/proto"
	"sdstored/internal/runner"
	"sdstored/internal/sched"
)

// Scheduler is the slice of sched.Scheduler the Control Plane drives.
type Scheduler interface {
	Submit(ctx context.Context, rec *jobstore.Record) bool
	CancelPending(id int64) bool
	Shutdown() []*jobstore.Record
}

// Canceller is the slice of runner.Runner used to signal a Running job.
type Canceller interface {
	Cancel(id int64) bool
	Wait()
}

var _ Scheduler = (*sched.Scheduler)(nil)
var _ Canceller = (*runner.Runner)(nil)

// clientConn is one accepted connection. Writes are serialised since the
// Accepted reply (written synchronously by the request loop) and the
// terminal reply (written later from a runner goroutine) share the wire.
type clientConn struct {
	id     string
	conn   net.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func newClientConn(c net.Conn) *clientConn {
	return &clientConn{id: uuid.NewString(), conn: c}
}

func (c *clientConn) writeReply(rep proto.Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ipc.WriteFrame(c.conn, byte(rep.Kind), rep)
}

// Closed satisfies jobstore.ReplySink.
func (c *clientConn) Closed() bool { return c.closed.Load() }

func (c *clientConn) markClosed() { c.closed.Store(true) }

// Plane is the Control Plane.
type Plane struct {
	cat    *catalogue.Catalogue
	ledger *ledger.Ledger
	store  *jobstore.Store
	sched  Scheduler
	runner Canceller
	log    zerolog.Logger

	mu        sync.Mutex
	jobConn   map[int64]*clientConn
	refusing  atomic.Bool
}

// New builds a Plane.
func New(cat *catalogue.Catalogue, l *ledger.Ledger, store *jobstore.Store, s Scheduler, r Canceller, log zerolog.Logger) *Plane {
	return &Plane{
		cat:     cat,
		ledger:  l,
		store:   store,
		sched:   s,
		runner:  r,
		log:     log,
		jobConn: make(map[int64]*clientConn),
	}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
func (p *Plane) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.handleConn(ctx, conn)
		}()
	}
}

func (p *Plane) handleConn(ctx context.Context, conn net.Conn) {
	cc := newClientConn(conn)
	defer func() {
		cc.markClosed()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	var submittedJob int64
	var haveSubmittedJob bool

	for {
		frame, err := ipc.ReadFrame(r)
		if err != nil {
			if haveSubmittedJob {
				p.implicitCancel(submittedJob)
			}
			return
		}

		switch proto.RequestKind(frame.Kind) {
		case proto.ReqSubmit:
			var req proto.SubmitRequest
			if err := ipc.Decode(frame, &req); err != nil {
				_ = cc.writeReply(proto.Rejected("malformed submit frame"))
				return
			}
			id, ok := p.handleSubmit(ctx, cc, req)
			if ok {
				submittedJob = id
				haveSubmittedJob = true
			}

		case proto.ReqStatus:
			_ = cc.writeReply(p.buildStatus())

		case proto.ReqCancel:
			var req proto.CancelRequest
			if err := ipc.Decode(frame, &req); err != nil {
				_ = cc.writeReply(proto.Rejected("malformed cancel frame"))
				continue
			}
			_ = cc.writeReply(p.handleCancel(req.JobID))

		case proto.ReqShutdown:
			_ = cc.writeReply(proto.Reply{Kind: proto.RepAccepted})
			go p.Shutdown()

		default:
			_ = cc.writeReply(proto.Rejected("unknown frame kind"))
			return
		}
	}
}

// handleSubmit validates and, on success, creates the job record and hands
// it to the scheduler. All rejection reasons named in spec §7 are checked
// here, before the job ever reaches the scheduler or the ledger.
func (p *Plane) handleSubmit(ctx context.Context, cc *clientConn, req proto.SubmitRequest) (int64, bool) {
	if p.refusing.Load() {
		_ = cc.writeReply(proto.Rejected("daemon is shutting down"))
		return 0, false
	}

	kinds, ok := proto.ParsePipeline(req.Pipeline)
	if !ok {
		_ = cc.writeReply(proto.Rejected("empty pipeline or unknown filter"))
		return 0, false
	}

	if req.InputPath == req.OutputPath {
		_ = cc.writeReply(proto.Rejected("input and output path must differ"))
		return 0, false
	}

	if _, err := os.Stat(req.InputPath); err != nil {
		_ = cc.writeReply(proto.Rejected(fmt.Sprintf("input path unreadable: %v", err)))
		return 0, false
	}

	demand := make(ledger.Demand, len(kinds))
	for _, k := range kinds {
		demand = demand.Add(k)
	}
	if !p.ledger.Feasible(demand) {
		_ = cc.writeReply(proto.Rejected("infeasible demand: exceeds a filter's max concurrency"))
		return 0, false
	}

	rec := p.store.Create(jobstore.Submission{
		Client:     cc,
		Priority:   req.Priority,
		InputPath:  req.InputPath,
		OutputPath: req.OutputPath,
		Pipeline:   kinds,
		Demand:     demand,
	})

	p.mu.Lock()
	p.jobConn[rec.ID] = cc
	p.mu.Unlock()

	_ = cc.writeReply(proto.Accepted(rec.ID))

	if !p.sched.Submit(ctx, rec) {
		// Lost the race with Shutdown: the record was accepted and replied
		// to, but never enqueued, so it must still get exactly one terminal
		// reply rather than sit Pending forever.
		if err := p.store.SetState(rec.ID, jobstore.Cancelled); err != nil {
			panic(err)
		}
		p.WriteTerminal(rec)
	}
	return rec.ID, true
}

func (p *Plane) handleCancel(id int64) proto.Reply {
	rec, ok := p.store.Get(id)
	if !ok {
		return proto.NotCancellable(id)
	}

	switch rec.State() {
	case jobstore.Pending:
		if !p.sched.CancelPending(id) {
			return proto.NotCancellable(id)
		}
		if err := p.store.SetState(id, jobstore.Cancelled); err != nil {
			panic(err)
		}
		p.WriteTerminal(rec)
		return proto.Cancelled(id)

	case jobstore.Running:
		if !p.runner.Cancel(id) {
			return proto.NotCancellable(id)
		}
		// The runner's own reaping path drives the Running -> Cancelled
		// transition and the terminal reply once children are signalled.
		return proto.Cancelled(id)

	default:
		return proto.NotCancellable(id)
	}
}

// implicitCancel treats a client's disconnect while its job is still active
// as a Cancel request (spec §4.6, last paragraph).
func (p *Plane) implicitCancel(id int64) {
	rec, ok := p.store.Get(id)
	if !ok {
		return
	}
	switch rec.State() {
	case jobstore.Pending:
		if p.sched.CancelPending(id) {
			if err := p.store.SetState(id, jobstore.Cancelled); err == nil {
				p.removeOnly(rec)
			}
		}
	case jobstore.Running:
		p.runner.Cancel(id)
	}
}

// WriteTerminal satisfies runner.ReplyWriter: write the terminal reply for
// rec, then drop its entry (spec §4.5: Remove happens post-reply).
func (p *Plane) WriteTerminal(rec *jobstore.Record) {
	p.mu.Lock()
	cc, ok := p.jobConn[rec.ID]
	delete(p.jobConn, rec.ID)
	p.mu.Unlock()

	if ok {
		var rep proto.Reply
		switch rec.State() {
		case jobstore.Completed:
			rep = proto.Completed(rec.ID)
		case jobstore.Failed:
			reason := ""
			if err := rec.FailErr(); err != nil {
				reason = err.Error()
			}
			rep = proto.Failed(rec.ID, reason)
		case jobstore.Cancelled:
			rep = proto.Cancelled(rec.ID)
		}
		_ = cc.writeReply(rep)
	}
	p.store.Remove(rec.ID)
}

// removeOnly is used for the Pending -> Cancelled implicit-cancel path,
// where there is no live connection left to reply to.
func (p *Plane) removeOnly(rec *jobstore.Record) {
	p.mu.Lock()
	delete(p.jobConn, rec.ID)
	p.mu.Unlock()
	p.store.Remove(rec.ID)
}

// buildStatus renders the Status reply: one job line per active job in
// ascending job-id order, one filter line per kind in catalogue order
// (spec §6, and SPEC_FULL §12's deterministic-ordering supplement).
func (p *Plane) buildStatus() proto.Reply {
	var payload proto.StatusPayload

	p.store.IterActive(func(rec *jobstore.Record) {
		names := make([]string, len(rec.Pipeline))
		for i, k := range rec.Pipeline {
			names[i] = string(k)
		}
		payload.Jobs = append(payload.Jobs, proto.JobLine{
			ID:         rec.ID,
			State:      string(rec.State()),
			Priority:   rec.Priority,
			InputPath:  rec.InputPath,
			OutputPath: rec.OutputPath,
			Pipeline:   names,
		})
	})

	for _, snap := range p.ledger.Snapshot() {
		payload.Filters = append(payload.Filters, proto.FilterLine{
			Kind:    string(snap.Kind),
			Running: snap.Running,
			Max:     snap.Max,
		})
	}

	return proto.Status(payload)
}

// Shutdown refuses new submissions, cancels every pending job, signals every
// running job's children, and waits for them to drain.
func (p *Plane) Shutdown() {
	p.refusing.Store(true)

	for _, rec := range p.sched.Shutdown() {
		if err := p.store.SetState(rec.ID, jobstore.Cancelled); err != nil {
			panic(err)
		}
		p.WriteTerminal(rec)
	}

	p.store.IterActive(func(rec *jobstore.Record) {
		if rec.State() == jobstore.Running {
			p.runner.Cancel(rec.ID)
		}
	})

	p.runner.Wait()
	p.log.Info().Msg("control plane: shutdown drained")
}
