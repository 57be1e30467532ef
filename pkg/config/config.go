// Package config loads fleetd's settings: environment variables first
// (spec §6), with an optional YAML file overlay for operators who
// prefer a file to a wall of env vars. Grounded on
// original_source/control_plane/config.py's Settings (the same field
// set, same defaults), translated from pydantic_settings's env-then-
// defaults model into an explicit Load() that a Go caller can
// construct once and pass down, per spec §9's "no global mutable
// state" note.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in spec §6 plus the operator-facing
// pieces the ambient stack needs (bind address, data directory).
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	LoopIntervalSec int `yaml:"loop_interval_sec"`
	GCIntervalSec   int `yaml:"gc_interval_sec"`

	GlobalMaxVMs      int `yaml:"global_max_vms"`
	LabelMaxInflight  int `yaml:"label_max_inflight"`
	LabelBurst        int `yaml:"label_burst"`

	ConnectDeadlineSec    int `yaml:"connect_deadline_sec"`
	DisconnectedGraceSec  int `yaml:"disconnected_grace_sec"`
	VMTTLSec              int `yaml:"vm_ttl_sec"`
	HostStaleTimeoutSec   int `yaml:"host_stale_timeout_sec"`
	BootGraceSec          int `yaml:"boot_grace_sec"`
	RetryBudget           int `yaml:"retry_budget"`

	RetryAttempts int `yaml:"retry_attempts"`
	RetrySleepSec int `yaml:"retry_sleep_sec"`

	EventRetentionCount int `yaml:"event_retention_count"`

	AllowUnknownHostRegistration bool `yaml:"allow_unknown_host_registration"`
	DisableBackgroundLoops       bool `yaml:"disable_background_loops"`

	JenkinsURL      string `yaml:"jenkins_url"`
	JenkinsUser     string `yaml:"jenkins_user"`
	JenkinsAPIToken string `yaml:"jenkins_api_token"`

	NodeAgentAuthToken string `yaml:"node_agent_auth_token"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns the settings baseline, mirroring config.py's field
// defaults one for one.
func Defaults() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "./data",

		LoopIntervalSec: 5,
		GCIntervalSec:   30,

		GlobalMaxVMs:     100,
		LabelMaxInflight: 5,
		LabelBurst:       3,

		ConnectDeadlineSec:   240,
		DisconnectedGraceSec: 60,
		VMTTLSec:             7200,
		HostStaleTimeoutSec:  20,
		BootGraceSec:         60,
		RetryBudget:          20,

		RetryAttempts: 3,
		RetrySleepSec: 10,

		EventRetentionCount: 100000,

		AllowUnknownHostRegistration: false,
		DisableBackgroundLoops:       false,

		JenkinsURL:      "http://localhost:8080",
		JenkinsUser:     "admin",
		JenkinsAPIToken: "admin",

		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load builds a Config starting from Defaults, overlaid by the YAML
// file at path (if path is non-empty and the file exists), then
// overlaid again by environment variables — the same env-wins-last
// precedence pydantic_settings applies to its own .env file.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str(&cfg.ListenAddr, "LISTEN_ADDR")
	str(&cfg.DataDir, "DATA_DIR")

	integer(&cfg.LoopIntervalSec, "LOOP_INTERVAL_SEC")
	integer(&cfg.GCIntervalSec, "GC_INTERVAL_SEC")

	integer(&cfg.GlobalMaxVMs, "GLOBAL_MAX_VMS")
	integer(&cfg.LabelMaxInflight, "LABEL_MAX_INFLIGHT")
	integer(&cfg.LabelBurst, "LABEL_BURST")

	integer(&cfg.ConnectDeadlineSec, "CONNECT_DEADLINE_SEC")
	integer(&cfg.DisconnectedGraceSec, "DISCONNECTED_GRACE_SEC")
	integer(&cfg.VMTTLSec, "VM_TTL_SEC")
	integer(&cfg.HostStaleTimeoutSec, "HOST_STALE_TIMEOUT_SEC")
	integer(&cfg.BootGraceSec, "BOOT_GRACE_SEC")
	integer(&cfg.RetryBudget, "RETRY_BUDGET")

	integer(&cfg.RetryAttempts, "RETRY_ATTEMPTS")
	integer(&cfg.RetrySleepSec, "RETRY_SLEEP_SEC")

	integer(&cfg.EventRetentionCount, "EVENT_RETENTION_COUNT")

	boolean(&cfg.AllowUnknownHostRegistration, "ALLOW_UNKNOWN_HOST_REGISTRATION")
	boolean(&cfg.DisableBackgroundLoops, "DISABLE_BACKGROUND_LOOPS")

	str(&cfg.JenkinsURL, "JENKINS_URL")
	str(&cfg.JenkinsUser, "JENKINS_USER")
	str(&cfg.JenkinsAPIToken, "JENKINS_API_TOKEN")

	str(&cfg.NodeAgentAuthToken, "NODE_AGENT_AUTH_TOKEN")

	str(&cfg.LogLevel, "LOG_LEVEL")
	str(&cfg.LogFormat, "LOG_FORMAT")
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func integer(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func boolean(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate rejects settings that would violate an invariant elsewhere
// (spec §3 invariant 3: connect_deadline <= ttl_deadline, enforced here
// at the config level since both deadlines are derived from these two
// durations for every new lease).
func (c Config) Validate() error {
	if c.ConnectDeadlineSec > c.VMTTLSec {
		return fmt.Errorf("config: connect_deadline_sec (%d) must be <= vm_ttl_sec (%d)", c.ConnectDeadlineSec, c.VMTTLSec)
	}
	if c.LoopIntervalSec < 1 {
		return fmt.Errorf("config: loop_interval_sec must be >= 1")
	}
	if c.GlobalMaxVMs < 1 {
		return fmt.Errorf("config: global_max_vms must be >= 1")
	}
	if c.EventRetentionCount < 1 {
		return fmt.Errorf("config: event_retention_count must be >= 1")
	}
	return nil
}

func (c Config) LoopInterval() time.Duration         { return time.Duration(c.LoopIntervalSec) * time.Second }
func (c Config) GCInterval() time.Duration           { return time.Duration(c.GCIntervalSec) * time.Second }
func (c Config) ConnectDeadline() time.Duration      { return time.Duration(c.ConnectDeadlineSec) * time.Second }
func (c Config) DisconnectedGrace() time.Duration    { return time.Duration(c.DisconnectedGraceSec) * time.Second }
func (c Config) VMTTL() time.Duration                { return time.Duration(c.VMTTLSec) * time.Second }
func (c Config) HostStaleTimeout() time.Duration     { return time.Duration(c.HostStaleTimeoutSec) * time.Second }
func (c Config) BootGrace() time.Duration            { return time.Duration(c.BootGraceSec) * time.Second }
func (c Config) RetrySleep() time.Duration           { return time.Duration(c.RetrySleepSec) * time.Second }
