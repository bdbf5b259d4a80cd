// Command afdcmd is the administrative CLI: it sends a single control
// byte down fd_cmd_fifo and waits for fd_resp_fifo's acknowledgement.
// Each subcommand is a thin cobra wrapper
// around the same request/response round trip.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/transferfleet/afd/internal/config"
	"github.com/transferfleet/afd/internal/fifo"
)

var (
	configPath string
	jobIDs     []uint
)

func main() {
	root := &cobra.Command{
		Use:   "afdcmd",
		Short: "control a running AFD instance",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/afd/afd.yaml", "daemon configuration file")

	root.AddCommand(
		simpleCmd("shutdown", "request a graceful shutdown", fifo.CmdShutdown),
		simpleCmd("is-alive", "check whether fd is responding", fifo.CmdIsAlive),
		simpleCmd("quick-stop", "stop immediately, abandoning in-flight transfers", fifo.CmdQuickStop),
		simpleCmd("save-stop", "stop once in-flight transfers finish", fifo.CmdSaveStop),
		simpleCmd("check-dir", "trigger an out-of-band reconciliation sweep", fifo.CmdCheckDir),
		deleteJobsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func simpleCmd(use, short string, code byte) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(code, nil)
		},
	}
}

func deleteJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-jobs",
		Short: "delete one or more jobs by job-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(jobIDs) == 0 {
				return fmt.Errorf("afdcmd: delete-jobs requires at least one --job-id")
			}
			// The list itself travels on delete_jobs_fifo; the command byte
			// on fd_cmd_fifo just prompts the fd to drain it right away.
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			del, err := fifo.Open(filepath.Join(cfg.FifoDir, "delete_jobs_fifo"))
			if err != nil {
				return err
			}
			jobIDs32 := make([]uint32, len(jobIDs))
			for i, id := range jobIDs {
				jobIDs32[i] = uint32(id)
			}
			werr := del.WriteFrame(fifo.TypeDeleteJobs, fifo.EncodeDeleteJobs(jobIDs32))
			del.Close()
			if werr != nil {
				return fmt.Errorf("afdcmd: sending job-id list: %w", werr)
			}
			return sendCommand(fifo.CmdDeleteJobs, nil)
		},
	}
	cmd.Flags().UintSliceVar(&jobIDs, "job-id", nil, "job-id to delete (repeatable)")
	return cmd
}

// sendCommand writes one framed command and waits up to the daemon's
// configured reply timeout for an acknowledgement on the response fifo.
func sendCommand(code byte, payload []byte) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	cmdPath := filepath.Join(cfg.FifoDir, "fd_cmd_fifo")
	respPath := filepath.Join(cfg.FifoDir, "fd_resp_fifo")

	cmdChan, err := fifo.Open(cmdPath)
	if err != nil {
		return err
	}
	defer cmdChan.Close()

	respChan, err := fifo.Open(respPath)
	if err != nil {
		return err
	}
	defer respChan.Close()

	body := append([]byte{code}, payload...)
	if err := cmdChan.WriteFrame(fifo.TypeFDCmd, body); err != nil {
		return fmt.Errorf("afdcmd: sending command: %w", err)
	}

	timeout := cfg.Poll.CommandReplyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	type reply struct {
		msgType byte
		payload []byte
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		mt, p, err := respChan.ReadFrame()
		done <- reply{mt, p, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("afdcmd: reading response: %w", r.err)
		}
		if len(r.payload) < 1 {
			return fmt.Errorf("afdcmd: empty response")
		}
		switch r.payload[0] {
		case fifo.RespAckn:
			fmt.Println("ACKN")
		case fifo.RespProcTerm:
			fmt.Println("PROC_TERM")
		default:
			fmt.Printf("unknown response code %d\n", r.payload[0])
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("afdcmd: no response within %s", timeout)
	}
}
