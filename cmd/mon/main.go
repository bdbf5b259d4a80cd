// Command mon is the long-lived per-remote-AFD poll worker afdmon forks:
// it connects to one remote AFDD, parses its line-based status protocol,
// and applies every update straight into its Monitor Status Area row.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/monitor"
	"github.com/transferfleet/afd/internal/shm"
)

func main() {
	var (
		workDir string
		index   int
	)
	flag.StringVar(&workDir, "w", "", "AFD work directory")
	flag.IntVar(&index, "i", -1, "MSA row index for this remote AFD")
	flag.Parse()

	if workDir == "" || index < 0 {
		fmt.Fprintln(os.Stderr, "mon: -w and -i are required")
		os.Exit(2)
	}

	afdlog.Init(afdlog.Config{Level: afdlog.InfoLevel, JSONOutput: true})
	logger := afdlog.WithComponent("mon")

	fifoDir := filepath.Join(workDir, "fifodir")
	msa, err := shm.AttachMSA(filepath.Join(fifoDir, "MSA"))
	if err != nil {
		logger.Error().Err(err).Msg("attaching msa")
		os.Exit(1)
	}
	defer msa.Detach()

	configs, err := monitor.LoadConfig(filepath.Join(workDir, "etc", "AFD_MON_CONFIG"))
	if err != nil {
		logger.Error().Err(err).Msg("loading AFD_MON_CONFIG")
		os.Exit(1)
	}
	if index >= len(configs) {
		logger.Error().Int("index", index).Int("count", len(configs)).Msg("index out of range")
		os.Exit(1)
	}

	client := monitor.NewClient(msa, index, configs[index].RCmd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("mon client exited")
		os.Exit(1)
	}
}
