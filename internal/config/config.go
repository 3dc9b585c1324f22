// Package config loads and bootstraps tillerd's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Data     DataConfig     `yaml:"data"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Overseer OverseerConfig `yaml:"overseer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DataConfig names the on-disk artifacts. Relative paths resolve against Dir.
type DataConfig struct {
	Dir      string `yaml:"dir"`
	QueueDB  string `yaml:"queue_db"`
	LedgerDB string `yaml:"ledger_db"`
	AuditLog string `yaml:"audit_log"`
	LogFile  string `yaml:"log_file"`
}

type QueueConfig struct {
	AgentID          string `yaml:"agent_id"`
	Name             string `yaml:"name"`
	ConcurrencyLimit int    `yaml:"concurrency_limit"`
	DefaultPriority  int    `yaml:"default_priority"`
}

type WorkerConfig struct {
	Count              int      `yaml:"count"`
	PollIntervalSec    int      `yaml:"poll_interval_sec"`
	ShutdownTimeoutSec int      `yaml:"shutdown_timeout_sec"`
	Workstream         string   `yaml:"workstream,omitempty"`
	Command            []string `yaml:"command,omitempty"`
}

type OverseerConfig struct {
	AutoTick bool `yaml:"auto_tick"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration tillerd runs with when a field is left
// unset.
func Default(dir string) Config {
	return Config{
		Data: DataConfig{
			Dir:      dir,
			QueueDB:  "queue.db",
			LedgerDB: "ledger.db",
			AuditLog: "audit.jsonl",
			LogFile:  "tillerd.log",
		},
		Queue: QueueConfig{
			AgentID:          "agent-default",
			ConcurrencyLimit: 1,
		},
		Worker: WorkerConfig{
			Count:              2,
			PollIntervalSec:    5,
			ShutdownTimeoutSec: 30,
		},
		Overseer: OverseerConfig{AutoTick: true},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads the config file and fills unset fields with defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default(filepath.Dir(path))
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

func (c *Config) applyDefaults(dir string) {
	def := Default(dir)
	if c.Data.Dir == "" {
		c.Data.Dir = def.Data.Dir
	}
	if c.Data.QueueDB == "" {
		c.Data.QueueDB = def.Data.QueueDB
	}
	if c.Data.LedgerDB == "" {
		c.Data.LedgerDB = def.Data.LedgerDB
	}
	if c.Data.AuditLog == "" {
		c.Data.AuditLog = def.Data.AuditLog
	}
	if c.Data.LogFile == "" {
		c.Data.LogFile = def.Data.LogFile
	}
	if c.Queue.AgentID == "" {
		c.Queue.AgentID = def.Queue.AgentID
	}
	if c.Queue.ConcurrencyLimit < 1 {
		c.Queue.ConcurrencyLimit = 1
	}
	if c.Worker.Count < 1 {
		c.Worker.Count = def.Worker.Count
	}
	if c.Worker.PollIntervalSec <= 0 {
		c.Worker.PollIntervalSec = def.Worker.PollIntervalSec
	}
	if c.Worker.ShutdownTimeoutSec <= 0 {
		c.Worker.ShutdownTimeoutSec = def.Worker.ShutdownTimeoutSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// QueueDBPath resolves the queue database location.
func (c Config) QueueDBPath() string { return c.resolve(c.Data.QueueDB) }

// LedgerDBPath resolves the assignment ledger location.
func (c Config) LedgerDBPath() string { return c.resolve(c.Data.LedgerDB) }

// AuditLogPath resolves the audit log location.
func (c Config) AuditLogPath() string { return c.resolve(c.Data.AuditLog) }

// LogFilePath resolves the daemon log location.
func (c Config) LogFilePath() string { return c.resolve(c.Data.LogFile) }

func (c Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Data.Dir, p)
}
