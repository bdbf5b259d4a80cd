// Command afdmon is the remote-monitor supervisor: it reads
// AFD_MON_CONFIG, (re)builds the Monitor Status Area, forks one `mon`
// worker per configured remote AFD, and restarts or gives up on each
// based on its recent exit history.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/config"
	"github.com/transferfleet/afd/internal/fifo"
	"github.com/transferfleet/afd/internal/monitor"
)

var (
	configPath   string
	monConfigArg string
	monBinaryArg string
	foreground   bool
)

func main() {
	root := &cobra.Command{
		Use:   "afdmon",
		Short: "AFD remote-monitor supervisor",
		RunE:  run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/afd/afd.yaml", "daemon configuration file")
	root.Flags().StringVar(&monConfigArg, "mon-config", "", "AFD_MON_CONFIG path (defaults to <workDir>/etc/AFD_MON_CONFIG)")
	root.Flags().StringVar(&monBinaryArg, "mon-binary", "mon", "mon worker binary path")
	root.Flags().BoolVarP(&foreground, "foreground", "f", false, "stay attached to the controlling terminal")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if !foreground {
		ctx := &daemon.Context{
			PidFileName: filepath.Join(cfg.WorkDir, "afdmon.pid"),
			PidFilePerm: 0644,
			LogFileName: filepath.Join(cfg.LogDir, "afdmon.log"),
			LogFilePerm: 0640,
			WorkDir:     cfg.WorkDir,
			Umask:       027,
			Args:        append([]string{"afdmon"}, os.Args[1:]...),
		}
		d, err := ctx.Reborn()
		if err != nil {
			return fmt.Errorf("afdmon: daemonize: %w", err)
		}
		if d != nil {
			return nil
		}
		defer ctx.Release()
	}

	afdlog.Init(afdlog.Config{
		Level:      afdlog.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSONOutput,
	})
	logger := afdlog.WithComponent("afdmon")

	monConfigPath := monConfigArg
	if monConfigPath == "" {
		monConfigPath = filepath.Join(cfg.WorkDir, "etc", "AFD_MON_CONFIG")
	}
	configs, err := monitor.LoadConfig(monConfigPath)
	if err != nil {
		return err
	}

	msaPath := filepath.Join(cfg.FifoDir, "MSA")
	msa, err := monitor.InitMSA(msaPath, configs)
	if err != nil {
		return err
	}
	defer msa.Detach()

	launcher := monitor.NewExecLauncher(monBinaryArg, cfg.WorkDir)
	activeFile := filepath.Join(cfg.FifoDir, "AFD_MON_ACTIVE")
	sup := monitor.NewSupervisor(msa, configs, launcher, launcher, activeFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	probe, closeProbe, err := newPreviousSupervisorProbe(cfg.FifoDir)
	if err != nil {
		logger.Warn().Err(err).Msg("opening command fifo for stale-supervisor probe")
	} else {
		defer closeProbe()
	}

	if err := sup.Bootstrap(ctx, probe); err != nil {
		return fmt.Errorf("afdmon: bootstrap: %w", err)
	}

	logger.Info().Int("afd_count", len(configs)).Msg("afdmon starting")
	return sup.Run(ctx)
}

// newPreviousSupervisorProbe opens the shared FD command/response fifos so
// Bootstrap can IS_ALIVE-probe a previous afd_mon supervisor before
// reaping its stale worker pids.
func newPreviousSupervisorProbe(fifoDir string) (monitor.PreviousSupervisorProbe, func(), error) {
	cmdChan, err := fifo.Open(filepath.Join(fifoDir, "fd_cmd_fifo"))
	if err != nil {
		return nil, nil, err
	}
	respChan, err := fifo.Open(filepath.Join(fifoDir, "fd_resp_fifo"))
	if err != nil {
		cmdChan.Close()
		return nil, nil, err
	}
	probe := &monitor.FifoProbe{Cmd: cmdChan, Resp: respChan}
	return probe, func() { cmdChan.Close(); respChan.Close() }, nil
}
