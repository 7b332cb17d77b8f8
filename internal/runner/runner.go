// Package runner is the Pipeline Runner (spec §4.4): given an admitted job,
// it spawns the job's filter chain as concurrently running child processes
// wired stdout-to-stdin, awaits them all, and reports the terminal outcome.
//
// Child spawning and cooperative cancellation are grounded on the teacher's
// internal/handlers/io.go, which already reaches for exec.CommandContext and
// periodic ctx.Done() checks around an external "xz" invocation. Fan-out and
// fan-in over the chain use golang.org/x/sync/errgroup, the idiomatic
// "spawn everything, then wait for everything, first error wins" primitive.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sdstored/internal/catalogue"
	"sdstored/internal/jobstore"
)

// Scheduler is the narrow slice of sched.Scheduler the runner depends on,
// so the runner package does not import sched; sched in turn reaches the
// runner only through its own Dispatcher interface.
type Scheduler interface {
	JobFinished(ctx context.Context, rec *jobstore.Record)
}

// ReplyWriter sends the terminal reply frame for a job to its originating
// client. The Control Plane supplies this.
type ReplyWriter interface {
	WriteTerminal(rec *jobstore.Record)
}

// Runner owns the in-flight children for every Running job and the cancel
// functions needed to implement spec §4.6's signal-then-reap Cancel path.
type Runner struct {
	cat    *catalogue.Catalogue
	store  *jobstore.Store
	sched  Scheduler
	reply  ReplyWriter
	log    zerolog.Logger

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Runner. sched may be nil at construction time to break the
// Runner/Scheduler construction cycle (the scheduler's Dispatcher is this
// Runner); call SetScheduler once the Scheduler exists, before Dispatch is
// ever invoked.
func New(cat *catalogue.Catalogue, store *jobstore.Store, sched Scheduler, reply ReplyWriter, log zerolog.Logger) *Runner {
	return &Runner{
		cat:     cat,
		store:   store,
		sched:   sched,
		reply:   reply,
		log:     log,
		cancels: make(map[int64]context.CancelFunc),
	}
}

// SetScheduler wires the Scheduler after construction; see New.
func (r *Runner) SetScheduler(sched Scheduler) {
	r.sched = sched
}

// Dispatch satisfies sched.Dispatcher: it launches the job's pipeline in a
// new goroutine and returns immediately, so the admission pass is never
// blocked on a child's lifetime.
func (r *Runner) Dispatch(parent context.Context, rec *jobstore.Record) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[rec.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, cancel, rec)
	}()
}

// Wait blocks until every currently-running job this runner knows about has
// reached a terminal state. Used by the Control Plane's Shutdown path to
// drain running jobs before exiting.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Cancel signals every child of a Running job to terminate. It is a no-op
// (returns false) if the job is not currently running under this runner.
func (r *Runner) Cancel(id int64) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// run spawns the full child chain concurrently, awaits it, determines the
// terminal outcome, releases the ledger reservation, and replies to the
// client — in that order, per spec §4.4's ordering requirement.
func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, rec *jobstore.Record) {
	defer cancel()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, rec.ID)
		r.mu.Unlock()
	}()

	cancelRequested := ctx.Done()

	inFile, err := os.Open(rec.InputPath)
	if err != nil {
		r.finish(ctx, rec, jobstore.Failed, fmt.Errorf("opening input: %w", err))
		return
	}
	defer inFile.Close()

	outFile, err := os.OpenFile(rec.OutputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		r.finish(ctx, rec, jobstore.Failed, fmt.Errorf("opening output: %w", err))
		return
	}
	defer outFile.Close()

	cmds, children, err := r.buildChain(ctx, rec, inFile, outFile)
	if err != nil {
		r.finish(ctx, rec, jobstore.Failed, err)
		return
	}
	var g errgroup.Group
	for i, c := range cmds {
		if err := c.Start(); err != nil {
			// A spawn failure after some children already started: cancel
			// the rest via ctx, then wait on every child that did start so
			// none of them is left unreaped, before reporting.
			cancel()
			_ = g.Wait()
			r.finish(ctx, rec, jobstore.Failed, fmt.Errorf("spawning %s: %w", c.Path, err))
			return
		}
		children[i].PID = c.Process.Pid
		c := c
		g.Go(func() error { return c.Wait() })
	}
	rec.SetChildren(children)
	runErr := g.Wait()

	select {
	case <-cancelRequested:
		r.finish(ctx, rec, jobstore.Cancelled, nil)
	default:
		if runErr != nil {
			r.finish(ctx, rec, jobstore.Failed, runErr)
		} else {
			r.finish(ctx, rec, jobstore.Completed, nil)
		}
	}
}

// buildChain constructs the left-to-right process chain: head reads inFile,
// tail writes outFile, and each interior boundary is a pipe from child i's
// stdout to child i+1's stdin. No stream endpoint is retained by the runner
// after Start — each pipe is handed to exactly one exec.Cmd and never read
// again here, so EOF propagates naturally once a child exits.
func (r *Runner) buildChain(ctx context.Context, rec *jobstore.Record, inFile, outFile *os.File) ([]*exec.Cmd, []jobstore.ChildHandle, error) {
	n := len(rec.Pipeline)
	cmds := make([]*exec.Cmd, n)
	stderrs := make([]bytes.Buffer, n)

	for i, kind := range rec.Pipeline {
		entry, ok := r.cat.Lookup(kind)
		if !ok {
			return nil, nil, fmt.Errorf("unknown filter kind %s", kind)
		}
		cmd := exec.CommandContext(ctx, entry.ExecutablePath)
		cmd.Stderr = &stderrs[i]
		// Bound Wait when a killed child leaves a grandchild holding the
		// stderr pipe open, so a cancelled job is reaped promptly.
		cmd.WaitDelay = time.Second
		cmds[i] = cmd
	}

	cmds[0].Stdin = inFile
	for i := 0; i < n-1; i++ {
		pipeOut, err := cmds[i].StdoutPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("wiring stage %d->%d: %w", i, i+1, err)
		}
		cmds[i+1].Stdin = pipeOut
	}
	cmds[n-1].Stdout = outFile

	handles := make([]jobstore.ChildHandle, n)
	for i, kind := range rec.Pipeline {
		handles[i] = jobstore.ChildHandle{Kind: kind}
	}
	return cmds, handles, nil
}

// finish performs the mandatory release-then-notify-then-reply sequence
// (spec §4.4): exactly one ledger release, then JobFinished to the
// scheduler, then the terminal reply to the client.
func (r *Runner) finish(ctx context.Context, rec *jobstore.Record, state jobstore.State, cause error) {
	if err := r.store.SetState(rec.ID, state); err != nil {
		panic(err)
	}
	if cause != nil {
		r.store.SetFailErr(rec.ID, cause)
		r.log.Warn().Int64("job_id", rec.ID).Err(cause).Str("state", string(state)).Msg("job finished")
	} else {
		r.log.Info().Int64("job_id", rec.ID).Str("state", string(state)).Msg("job finished")
	}
	r.sched.JobFinished(ctx, rec)
	r.reply.WriteTerminal(rec)
}
