// Command sdstored is the admission-controlled pipeline daemon (spec §1-§7).
// Usage: sdstored <budget-file> <filter-dir> [runtime-config.toml]
//
// Signal handling is grounded on the teacher's cmd/server/main.go: a
// SIGINT/SIGTERM handler goroutine that drives an orderly shutdown instead
// of the teacher's bare os.Exit(0), since a daemon holding admitted jobs and
// live child processes needs to drain them first.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"sdstored/internal/catalogue"
	"sdstored/internal/config"
	"sdstored/internal/control"
	"sdstored/internal/jobstore"
	"sdstored/internal/ledger"
	"sdstored/internal/logging"
	"sdstored/internal/runner"
	"sdstored/internal/sched"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: sdstored <budget-file> <filter-dir> [runtime-config.toml]")
		os.Exit(2)
	}
	budgetPath := os.Args[1]
	filterDir := os.Args[2]

	var runtimePath string
	if len(os.Args) >= 4 {
		runtimePath = os.Args[3]
	}

	rt, err := config.LoadRuntime(runtimePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdstored: loading runtime config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(rt.LogLevel)

	budgets, err := config.LoadBudgetFile(budgetPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", budgetPath).Msg("loading budget file")
	}

	cat, err := catalogue.New(budgets, config.ResolveExecutable(filterDir))
	if err != nil {
		log.Fatal().Err(err).Msg("building filter catalogue")
	}

	l := ledger.New(cat)
	store := jobstore.New()

	// Runner and Scheduler reference each other through narrow interfaces
	// (runner.Scheduler, sched.Dispatcher), so neither imports the other; the
	// Plane is built last and supplies itself as runner.ReplyWriter.
	var plane *control.Plane
	replyProxy := replyWriterFunc(func(rec *jobstore.Record) { plane.WriteTerminal(rec) })

	run := runner.New(cat, store, nil, replyProxy, log)
	schedDispatcher := sched.Dispatcher(run)
	s := sched.New(store, l, schedDispatcher, log)
	run.SetScheduler(s)

	plane = control.New(cat, l, store, s, run, log)

	if err := os.Remove(rt.SocketPath); err != nil && !os.IsNotExist(err) {
		log.Fatal().Err(err).Str("path", rt.SocketPath).Msg("clearing stale socket")
	}
	ln, err := net.Listen("unix", rt.SocketPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", rt.SocketPath).Msg("listening on socket")
	}
	defer os.Remove(rt.SocketPath)

	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("sdstored: signal received, draining")
		plane.Shutdown()
		cancel()
	}()

	log.Info().Str("socket", rt.SocketPath).Int("filters", len(cat.Entries())).Msg("sdstored listening")
	if err := plane.Serve(ctx, ln); err != nil {
		log.Fatal().Err(err).Msg("control plane serve")
	}
}

type replyWriterFunc func(rec *jobstore.Record)

func (f replyWriterFunc) WriteTerminal(rec *jobstore.Record) { f(rec) }
