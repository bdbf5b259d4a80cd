// Package monitor implements the afd_mon core:
// the AFD_MON_CONFIG parser, the AFDD text-protocol client each `mon`
// worker speaks to its one remote AFD, and the supervisor that forks,
// restarts and probes those workers, aggregating their results into the
// Monitor Status Area (internal/shm.MSA).
package monitor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AFDConfig is one configured remote AFD.
type AFDConfig struct {
	Alias        string
	Host1, Host2 string
	Port1, Port2 int
	PollSeconds  int
	RCmd         string
	Options      []string
	Disabled     bool // "disable" present in Options
}

// LoadConfig parses an AFD_MON_CONFIG file.
func LoadConfig(path string) ([]AFDConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("monitor: open %s: %w", path, err)
	}
	defer f.Close()

	var out []AFDConfig
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cfg, err := parseConfigLine(line)
		if err != nil {
			return nil, fmt.Errorf("monitor: %s:%d: %w", path, lineNo, err)
		}
		out = append(out, cfg)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("monitor: scan %s: %w", path, err)
	}
	return out, nil
}

func parseConfigLine(line string) (AFDConfig, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return AFDConfig{}, fmt.Errorf("expected at least 4 fields, got %d", len(fields))
	}

	cfg := AFDConfig{Alias: fields[0]}

	hosts := strings.SplitN(fields[1], ":", 2)
	cfg.Host1 = hosts[0]
	if len(hosts) == 2 {
		cfg.Host2 = hosts[1]
	}

	ports := strings.SplitN(fields[2], ":", 2)
	p1, err := strconv.Atoi(ports[0])
	if err != nil {
		return AFDConfig{}, fmt.Errorf("bad port %q: %w", ports[0], err)
	}
	cfg.Port1 = p1
	cfg.Port2 = p1
	if len(ports) == 2 {
		p2, err := strconv.Atoi(ports[1])
		if err != nil {
			return AFDConfig{}, fmt.Errorf("bad second port %q: %w", ports[1], err)
		}
		cfg.Port2 = p2
	}

	poll, err := strconv.Atoi(fields[3])
	if err != nil {
		return AFDConfig{}, fmt.Errorf("bad poll interval %q: %w", fields[3], err)
	}
	cfg.PollSeconds = poll

	if len(fields) > 4 {
		cfg.RCmd = fields[4]
	}
	if len(fields) > 5 {
		cfg.Options = fields[5:]
		for _, o := range cfg.Options {
			if o == "disable" {
				cfg.Disabled = true
			}
		}
	}
	return cfg, nil
}
