package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fleetctl/internal/admin"
	"github.com/3cpo-dev/fleetctl/internal/dispatch"
	"github.com/3cpo-dev/fleetctl/internal/topology"
)

// Config is the controller configuration.
type Config struct {
	ConfDir        string `yaml:"conf_dir"`
	ControlScript  string `yaml:"control_script"`
	InstanceEnv    string `yaml:"instance_env"`
	WorkersPerHost int    `yaml:"workers_per_host"`

	SSH struct {
		User                  string `yaml:"user"`
		Port                  int    `yaml:"port"`
		KeyPath               string `yaml:"key_path"`
		KnownHosts            string `yaml:"known_hosts"`
		ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
		CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
		InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	} `yaml:"ssh"`

	Admin struct {
		StopAll        []string          `yaml:"stop_all"`
		StopWorker     []string          `yaml:"stop_worker"`
		SetGoalState   []string          `yaml:"set_goal_state"`
		Purge          []string          `yaml:"purge"`
		PurgeFlags     map[string]string `yaml:"purge_flags"`
		TimeoutSeconds int               `yaml:"timeout_seconds"`
	} `yaml:"admin"`

	Timing struct {
		AdminGraceSeconds  int `yaml:"admin_grace_seconds"`
		ForcedGraceSeconds int `yaml:"forced_grace_seconds"`
		WorkerGraceSeconds int `yaml:"worker_grace_seconds"`
	} `yaml:"timing"`

	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/fleetctl/config.yaml or ~/.config/fleetctl/config.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fleetctl", "config.yaml")
}

// LoadConfig reads YAML configuration from a path. If path is empty the default
// path is used and a missing file yields the defaults. A fleetctl.env file next
// to the config, then the process environment, override selected keys.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config: %w", err)
	}

	env, err := LoadEnvFile(filepath.Join(filepath.Dir(path), "fleetctl.env"))
	if err != nil {
		return nil, err
	}
	for _, k := range []string{"FLEET_CONF_DIR", "FLEET_WORKERS_PER_HOST", "FLEET_SSH_USER"} {
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv(env map[string]string) error {
	if v := env["FLEET_CONF_DIR"]; v != "" {
		c.ConfDir = v
	}
	if v := env["FLEET_SSH_USER"]; v != "" {
		c.SSH.User = v
	}
	if v := env["FLEET_WORKERS_PER_HOST"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("FLEET_WORKERS_PER_HOST: invalid worker count %q", v)
		}
		c.WorkersPerHost = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	home, _ := os.UserHomeDir()
	if c.ConfDir == "" {
		c.ConfDir = "/opt/fleet/conf"
	}
	if c.ControlScript == "" {
		c.ControlScript = "/opt/fleet/bin/fleet-service"
	}
	if c.InstanceEnv == "" {
		c.InstanceEnv = dispatch.DefaultInstanceEnv
	}
	if c.WorkersPerHost < 1 {
		c.WorkersPerHost = 1
	}
	if c.SSH.User == "" {
		c.SSH.User = os.Getenv("USER")
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}
	if c.SSH.ConnectTimeoutSeconds <= 0 {
		c.SSH.ConnectTimeoutSeconds = 2
	}
	if c.SSH.CommandTimeoutSeconds <= 0 {
		c.SSH.CommandTimeoutSeconds = 120
	}
	if c.Admin.TimeoutSeconds <= 0 {
		c.Admin.TimeoutSeconds = 60
	}
	if c.Timing.AdminGraceSeconds <= 0 {
		c.Timing.AdminGraceSeconds = 5
	}
	if c.Timing.ForcedGraceSeconds <= 0 {
		c.Timing.ForcedGraceSeconds = 15
	}
	if c.Timing.WorkerGraceSeconds <= 0 {
		c.Timing.WorkerGraceSeconds = 10
	}
	if c.Journal.Path == "" {
		base := os.Getenv("XDG_STATE_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "state")
		}
		c.Journal.Path = filepath.Join(base, "fleetctl", "journal.db")
	}
}

// Script returns the control script description.
func (c *Config) Script() dispatch.Script {
	return dispatch.Script{Path: c.ControlScript, InstanceEnv: c.InstanceEnv}
}

// Source returns the membership file source.
func (c *Config) Source() topology.DirSource {
	return topology.DirSource{Dir: c.ConfDir}
}

// AdminCommand builds the administrative and purge collaborator from the config.
func (c *Config) AdminCommand() (*admin.Command, error) {
	cmd := &admin.Command{
		StopAllArgv:      c.Admin.StopAll,
		StopWorkerArgv:   c.Admin.StopWorker,
		SetGoalStateArgv: c.Admin.SetGoalState,
		PurgeArgv:        c.Admin.Purge,
		Timeout:          time.Duration(c.Admin.TimeoutSeconds) * time.Second,
	}
	if len(c.Admin.PurgeFlags) > 0 {
		cmd.PurgeFlags = map[topology.Role]string{}
		for name, flag := range c.Admin.PurgeFlags {
			r, err := topology.ParseRole(name)
			if err != nil {
				return nil, fmt.Errorf("admin.purge_flags: %w", err)
			}
			cmd.PurgeFlags[r] = flag
		}
	}
	return cmd, nil
}

// Timings returns the escalation grace windows.
func (c *Config) Timings() (adminGrace, forcedGrace, workerGrace time.Duration) {
	return time.Duration(c.Timing.AdminGraceSeconds) * time.Second,
		time.Duration(c.Timing.ForcedGraceSeconds) * time.Second,
		time.Duration(c.Timing.WorkerGraceSeconds) * time.Second
}
