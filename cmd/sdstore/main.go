// Command sdstore is the CLI client for sdstored (spec §2, §6). It speaks
// the same length-delimited frame protocol the daemon's Control Plane
// accepts, over a Unix domain socket.
//
// Subcommand wiring follows the teacher pack's azcopy idiom: a root
// cobra.Command with one flag-bearing child per operation, each Run func
// opening a connection, sending one request, and printing the reply.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"sdstored/internal/ipc"
	"sdstored/internal/proto"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:   "sdstore",
		Short: "sdstore submits and inspects filter pipeline jobs on sdstored",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/sdstored.sock", "path to the sdstored control socket")

	root.AddCommand(procFileCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(cancelCmd())
	root.AddCommand(shutdownCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func procFileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proc-file <priority> <input> <output> <filter> [filter...]",
		Short: "submit a file through one or more filters (higher priority runs first)",
		Args:  cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid priority %q: %w", args[0], err)
			}
			req := proto.SubmitRequest{
				Priority:   priority,
				InputPath:  args[1],
				OutputPath: args[2],
				Pipeline:   args[3:],
			}
			return withConn(func(conn net.Conn, r *bufio.Reader) error {
				if err := ipc.WriteFrame(conn, byte(proto.ReqSubmit), req); err != nil {
					return err
				}
				rep, err := readReply(r)
				if err != nil {
					return err
				}
				return printSubmitOutcome(r, rep)
			})
		},
	}
	return cmd
}

// printSubmitOutcome prints the Accepted reply, then blocks for the
// connection's single follow-on terminal reply (Completed/Failed/Cancelled),
// mirroring spec §2's synchronous proc-file UX.
func printSubmitOutcome(r *bufio.Reader, rep proto.Reply) error {
	switch rep.Kind {
	case proto.RepRejected:
		fmt.Printf("rejected: %s\n", rep.Reason)
		return nil
	case proto.RepAccepted:
		fmt.Printf("task #%d submitted\n", rep.JobID)
	default:
		return fmt.Errorf("unexpected reply kind %d", rep.Kind)
	}

	term, err := readReply(r)
	if err != nil {
		return err
	}
	switch term.Kind {
	case proto.RepCompleted:
		fmt.Printf("task #%d completed\n", term.JobID)
	case proto.RepFailed:
		fmt.Printf("task #%d failed: %s\n", term.JobID, term.Reason)
	case proto.RepCancelled:
		fmt.Printf("task #%d cancelled\n", term.JobID)
	default:
		return fmt.Errorf("unexpected terminal reply kind %d", term.Kind)
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show active jobs and filter concurrency usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn net.Conn, r *bufio.Reader) error {
				if err := ipc.WriteFrame(conn, byte(proto.ReqStatus), struct{}{}); err != nil {
					return err
				}
				rep, err := readReply(r)
				if err != nil {
					return err
				}
				if rep.Kind != proto.RepStatus || rep.Status == nil {
					return fmt.Errorf("unexpected reply to status")
				}
				printStatus(*rep.Status)
				return nil
			})
		},
	}
}

func printStatus(p proto.StatusPayload) {
	for _, j := range p.Jobs {
		fmt.Printf("task #%d: proc-file %d %s %s %s\n",
			j.ID, j.Priority, j.InputPath, j.OutputPath, strings.Join(j.Pipeline, " "))
	}
	for _, f := range p.Filters {
		fmt.Printf("transf %s: %d/%d\n", f.Kind, f.Running, f.Max)
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			return withConn(func(conn net.Conn, r *bufio.Reader) error {
				if err := ipc.WriteFrame(conn, byte(proto.ReqCancel), proto.CancelRequest{JobID: id}); err != nil {
					return err
				}
				rep, err := readReply(r)
				if err != nil {
					return err
				}
				switch rep.Kind {
				case proto.RepCancelled:
					fmt.Printf("task #%d cancelled\n", rep.JobID)
				case proto.RepNotCancellable:
					fmt.Printf("task #%d cannot be cancelled\n", rep.JobID)
				default:
					return fmt.Errorf("unexpected reply kind %d", rep.Kind)
				}
				return nil
			})
		},
	}
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "ask sdstored to drain and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn net.Conn, r *bufio.Reader) error {
				if err := ipc.WriteFrame(conn, byte(proto.ReqShutdown), struct{}{}); err != nil {
					return err
				}
				_, err := readReply(r)
				return err
			})
		},
	}
}

func withConn(fn func(net.Conn, *bufio.Reader) error) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()
	return fn(conn, bufio.NewReader(conn))
}

func readReply(r *bufio.Reader) (proto.Reply, error) {
	frame, err := ipc.ReadFrame(r)
	if err != nil {
		return proto.Reply{}, err
	}
	var rep proto.Reply
	if err := ipc.Decode(frame, &rep); err != nil {
		return proto.Reply{}, err
	}
	return rep, nil
}
