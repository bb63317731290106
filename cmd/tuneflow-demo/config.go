package main

import (
	"flag"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// NodeConfig declares one node of the demo cluster.
type NodeConfig struct {
	ID  string `toml:"id"`
	CPU int    `toml:"cpu"`
	GPU int    `toml:"gpu"`
}

// Config is the demo configuration.
type Config struct {
	flagSet *flag.FlagSet

	ConfigFile string `toml:"-"`

	LogLevel      string `toml:"log-level"`
	CheckpointDir string `toml:"checkpoint-dir"`
	QueueTrials   bool   `toml:"queue-trials"`

	// RefreshPeriod bounds resource pool refreshes, e.g. "100ms".
	RefreshPeriod string `toml:"refresh-period"`

	Trials int          `toml:"trials"`
	Nodes  []NodeConfig `toml:"nodes"`
}

// NewConfig creates a config for the demo.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.flagSet = flag.NewFlagSet("tuneflow-demo", flag.ContinueOnError)
	fs := cfg.flagSet

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to config file")
	fs.StringVar(&cfg.LogLevel, "L", "info", "log level: debug, info, warn, error, fatal")
	fs.StringVar(&cfg.CheckpointDir, "checkpoint-dir", "/tmp/tuneflow-checkpoints", "directory for disk checkpoints")
	fs.BoolVar(&cfg.QueueTrials, "queue-trials", true, "queue trials that cannot be admitted yet")
	fs.StringVar(&cfg.RefreshPeriod, "refresh-period", "100ms", "resource pool refresh period")
	fs.IntVar(&cfg.Trials, "trials", 3, "number of demo trials to run")

	return cfg
}

// Parse parses flag definitions from the argument list, loading the
// config file first if one is given so that flags take precedence.
func (c *Config) Parse(args []string) error {
	if err := c.flagSet.Parse(args); err != nil {
		return errors.Trace(err)
	}

	if c.ConfigFile != "" {
		if err := c.configFromFile(c.ConfigFile); err != nil {
			return errors.Trace(err)
		}
		// Re-parse so that command line flags override the file.
		if err := c.flagSet.Parse(args); err != nil {
			return errors.Trace(err)
		}
	}

	c.adjust()
	return nil
}

func (c *Config) configFromFile(path string) error {
	_, err := toml.DecodeFile(path, c)
	return errors.Trace(err)
}

func (c *Config) adjust() {
	if len(c.Nodes) == 0 {
		c.Nodes = []NodeConfig{{ID: "node-1", CPU: 2, GPU: 0}}
	}
	if c.Trials <= 0 {
		c.Trials = 1
	}
}

func (c *Config) refreshPeriod() (time.Duration, error) {
	if c.RefreshPeriod == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.RefreshPeriod)
	return d, errors.Trace(err)
}
