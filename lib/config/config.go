// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the configuration file for Load.
const EnvironmentVariable = "GEARBRIDGE_CONFIG"

// DefaultStateDirectory is ${GEARBRIDGE_STATE} when unset.
const DefaultStateDirectory = "/var/lib/gearbridge"

// Config is the whole configuration file.
type Config struct {
	Gearman GearmanConfig `yaml:"gearman"`

	// ManagerName names the administrative functions and is reported as
	// "manager" in build status payloads. Default: the host name.
	ManagerName string `yaml:"manager_name"`

	// WorkerPrefix prefixes worker identities. Default: the host name.
	WorkerPrefix string `yaml:"worker_prefix"`

	// PipelinesOnManager also advertises pipeline jobs on the
	// administrative connection.
	PipelinesOnManager bool `yaml:"pipelines_on_manager"`

	// RegistrationInterval bounds how stale a connection's advertised
	// functions can get. Default: 60s.
	RegistrationInterval time.Duration `yaml:"registration_interval"`

	// ControlSocket is the Unix socket for gearbridge status and
	// friends. Default: /run/gearbridge/control.sock.
	ControlSocket string `yaml:"control_socket"`

	// MetricsListen is the address for the Prometheus endpoint, for
	// example ":9464". Empty disables it.
	MetricsListen string `yaml:"metrics_listen"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// GearmanConfig selects the job server.
type GearmanConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// SchedulerConfig configures the built-in local scheduler.
type SchedulerConfig struct {
	// Topology is the JSONC file describing targets and jobs. Required.
	Topology string `yaml:"topology"`

	// Database is the SQLite build history.
	Database string `yaml:"database"`

	// RootURL prefixes build URLs in status payloads. Empty omits the
	// "url" field.
	RootURL string `yaml:"root_url"`

	// Workspace is the parent of per-build working directories.
	Workspace string `yaml:"workspace"`

	// Logs holds compressed console logs.
	Logs string `yaml:"logs"`
}

// Default returns the configuration used for fields the file omits.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "gearbridge"
	}
	return &Config{
		Gearman: GearmanConfig{
			Host: "127.0.0.1",
			Port: 4730,
		},
		ManagerName:          hostname,
		WorkerPrefix:         hostname,
		RegistrationInterval: 60 * time.Second,
		ControlSocket:        "/run/gearbridge/control.sock",
		Scheduler: SchedulerConfig{
			Database:  "${GEARBRIDGE_STATE}/history.db",
			Workspace: "${GEARBRIDGE_STATE}/workspace",
			Logs:      "${GEARBRIDGE_STATE}/logs",
		},
	}
}

// Load reads the file named by GEARBRIDGE_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your gearbridge.yaml or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile reads and validates the file at path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"GEARBRIDGE_STATE": os.Getenv("GEARBRIDGE_STATE"),
		"HOME":             os.Getenv("HOME"),
	}
	if vars["GEARBRIDGE_STATE"] == "" {
		vars["GEARBRIDGE_STATE"] = DefaultStateDirectory
	}
	c.ControlSocket = expandVars(c.ControlSocket, vars)
	c.Scheduler.Topology = expandVars(c.Scheduler.Topology, vars)
	c.Scheduler.Database = expandVars(c.Scheduler.Database, vars)
	c.Scheduler.Workspace = expandVars(c.Scheduler.Workspace, vars)
	c.Scheduler.Logs = expandVars(c.Scheduler.Logs, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. vars is consulted
// before the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Gearman.Enabled && c.Gearman.Host == "" {
		errs = append(errs, errors.New("gearman.host is required when gearman is enabled"))
	}
	if c.Gearman.Port < 1 || c.Gearman.Port > 65535 {
		errs = append(errs, fmt.Errorf("gearman.port %d out of range", c.Gearman.Port))
	}
	if c.ManagerName == "" {
		errs = append(errs, errors.New("manager_name is required"))
	}
	if c.WorkerPrefix == "" {
		errs = append(errs, errors.New("worker_prefix is required"))
	}
	if c.RegistrationInterval <= 0 {
		errs = append(errs, errors.New("registration_interval must be positive"))
	}
	if c.ControlSocket == "" {
		errs = append(errs, errors.New("control_socket is required"))
	}
	if c.Scheduler.Topology == "" {
		errs = append(errs, errors.New("scheduler.topology is required"))
	}
	if c.Scheduler.Database == "" {
		errs = append(errs, errors.New("scheduler.database is required"))
	}
	if c.Scheduler.Workspace == "" {
		errs = append(errs, errors.New("scheduler.workspace is required"))
	}
	return errors.Join(errs...)
}
