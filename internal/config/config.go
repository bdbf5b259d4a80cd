// Package config loads the FD/afd_mon daemon configuration: work
// directory, fifo directory, poll/timeout knobs and worker binary paths.
// This is layered above, and distinct from, the bespoke on-disk formats
// used for AFD_MON_CONFIG, job message files and FSA seeding, which keep
// their own line-based grammars.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's own YAML configuration file; fd, afdmon and
// afdcmd read `/etc/afd/afd.yaml` unless their `-c` flag names another.
type Config struct {
	WorkDir  string `yaml:"workDir"`
	FifoDir  string `yaml:"fifoDir,omitempty"`
	FilesDir string `yaml:"filesDir,omitempty"`
	LogDir   string `yaml:"logDir,omitempty"`

	Poll struct {
		DirCheckInterval    time.Duration `yaml:"dirCheckInterval"`
		ArchiveStepTime     time.Duration `yaml:"archiveStepTime"`
		CommandReplyTimeout time.Duration `yaml:"commandReplyTimeout"`
	} `yaml:"poll"`

	Workers struct {
		FTPBinary  string `yaml:"ftpBinary,omitempty"`
		SMTPBinary string `yaml:"smtpBinary,omitempty"`
		LocBinary  string `yaml:"locBinary,omitempty"`
		WMOBinary  string `yaml:"wmoBinary,omitempty"`
		MaxBurst   int    `yaml:"maxBurst"`
		TransDebug bool   `yaml:"transDebug,omitempty"`
	} `yaml:"workers"`

	Logging struct {
		Level      string `yaml:"level"`
		JSONOutput bool   `yaml:"jsonOutput"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen,omitempty"`
	} `yaml:"metrics"`
}

// defaults are applied before unmarshalling so a partially-specified file
// still produces a usable Config.
func defaults() Config {
	var c Config
	c.Poll.DirCheckInterval = 5 * time.Second
	c.Poll.ArchiveStepTime = 15 * time.Minute
	c.Poll.CommandReplyTimeout = 30 * time.Second
	c.Workers.MaxBurst = 1
	c.Logging.Level = "info"
	c.Metrics.Enabled = true
	c.Metrics.Listen = ":9540"
	return c
}

// Load reads and parses the daemon config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the required fields are present and fills in
// conventional subdirectory defaults derived from WorkDir.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("config: workDir is required")
	}
	if c.FifoDir == "" {
		c.FifoDir = c.WorkDir + "/fifodir"
	}
	if c.FilesDir == "" {
		c.FilesDir = c.WorkDir + "/files"
	}
	if c.LogDir == "" {
		c.LogDir = c.WorkDir + "/log"
	}
	if c.Workers.MaxBurst < 1 {
		return fmt.Errorf("config: workers.maxBurst must be >= 1")
	}
	return nil
}

// Save writes cfg back out as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
