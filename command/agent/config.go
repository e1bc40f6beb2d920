// Package agent hosts the dispatcher process: configuration, wiring of the
// store, dispatcher loop and HTTP API.
package agent

import (
	"fmt"
	"time"

	"github.com/openrendermanagement/octopus/octopus"
)

// Config is the agent configuration, loadable from an HCL file with flag
// overrides.
type Config struct {
	// Port and Address form the HTTP bind of the dispatcher API.
	Port    int    `hcl:"port"`
	Address string `hcl:"address"`

	// RunAs names the user the process should drop to when started as
	// root. Empty keeps the invoking user.
	RunAs string `hcl:"run_as"`

	LogDir   string `hcl:"log_dir"`
	LogLevel string `hcl:"log_level"`
	ConfDir  string `hcl:"conf_dir"`
	PidFile  string `hcl:"pid_file"`

	// LimitOpenFiles raises the file descriptor soft limit at boot.
	LimitOpenFiles uint64 `hcl:"limit_open_files"`

	// PoolsBackend selects where the worker fleet comes from: "db" (the
	// store), "file" (flat files) or "ws" (an HTTP endpoint).
	PoolsBackend string `hcl:"pools_backend"`

	DB          *DBConfig          `hcl:"db"`
	FileBackend *FileBackendConfig `hcl:"file_backend"`

	// WSBackendURL is the fleet endpoint of the "ws" backend.
	WSBackendURL string `hcl:"ws_backend_url"`

	RNTimeout         time.Duration
	RNTimeoutHCL      string `hcl:"rn_timeout" json:"-"`
	CommandTimeout    time.Duration
	CommandTimeoutHCL string `hcl:"command_timeout" json:"-"`
	AssignInterval    time.Duration
	AssignIntervalHCL string `hcl:"assign_interval" json:"-"`
	FlushInterval     time.Duration
	FlushIntervalHCL  string `hcl:"flush_interval" json:"-"`
	KillGrace         time.Duration
	KillGraceHCL      string `hcl:"kill_grace" json:"-"`
	ArchiveGrace      time.Duration
	ArchiveGraceHCL   string `hcl:"archive_grace" json:"-"`
}

// DBConfig locates the bbolt store.
type DBConfig struct {
	Path string `hcl:"path"`

	// CleanData drops all tables on boot.
	CleanData bool `hcl:"clean_data"`
}

// FileBackendConfig locates the flat files of the "file" pools backend.
type FileBackendConfig struct {
	WorkersPath  string `hcl:"workers_path"`
	LicencesPath string `hcl:"licences_path"`
	PoolsPath    string `hcl:"pools_path"`
}

// DefaultConfig mirrors the historical defaults of the dispatcher.
func DefaultConfig() *Config {
	return &Config{
		Port:           8004,
		Address:        "0.0.0.0",
		LogLevel:       "INFO",
		PoolsBackend:   "db",
		DB:             &DBConfig{Path: "octopus.db"},
		RNTimeout:      60 * time.Second,
		AssignInterval: time.Second,
		FlushInterval:  3 * time.Second,
		KillGrace:      30 * time.Second,
		ArchiveGrace:   24 * time.Hour,
	}
}

// Validate rejects configurations the agent cannot start with.
func (c *Config) Validate() error {
	// Port 0 binds an ephemeral port.
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.PoolsBackend {
	case "db", "file", "ws":
	default:
		return fmt.Errorf("unknown pools backend %q", c.PoolsBackend)
	}
	if c.PoolsBackend == "file" && (c.FileBackend == nil || c.FileBackend.WorkersPath == "") {
		return fmt.Errorf("file pools backend requires file_backend.workers_path")
	}
	if c.PoolsBackend == "ws" && c.WSBackendURL == "" {
		return fmt.Errorf("ws pools backend requires ws_backend_url")
	}
	if c.DB == nil || c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	return nil
}

// Merge overlays b on c, b's non-zero fields winning, and returns the
// result without mutating either.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b.Port != 0 {
		result.Port = b.Port
	}
	if b.Address != "" {
		result.Address = b.Address
	}
	if b.RunAs != "" {
		result.RunAs = b.RunAs
	}
	if b.LogDir != "" {
		result.LogDir = b.LogDir
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.ConfDir != "" {
		result.ConfDir = b.ConfDir
	}
	if b.PidFile != "" {
		result.PidFile = b.PidFile
	}
	if b.LimitOpenFiles != 0 {
		result.LimitOpenFiles = b.LimitOpenFiles
	}
	if b.PoolsBackend != "" {
		result.PoolsBackend = b.PoolsBackend
	}
	if b.DB != nil {
		db := *b.DB
		if db.Path == "" && result.DB != nil {
			db.Path = result.DB.Path
		}
		result.DB = &db
	}
	if b.FileBackend != nil {
		fb := *b.FileBackend
		result.FileBackend = &fb
	}
	if b.WSBackendURL != "" {
		result.WSBackendURL = b.WSBackendURL
	}
	if b.RNTimeout != 0 {
		result.RNTimeout = b.RNTimeout
	}
	if b.CommandTimeout != 0 {
		result.CommandTimeout = b.CommandTimeout
	}
	if b.AssignInterval != 0 {
		result.AssignInterval = b.AssignInterval
	}
	if b.FlushInterval != 0 {
		result.FlushInterval = b.FlushInterval
	}
	if b.KillGrace != 0 {
		result.KillGrace = b.KillGrace
	}
	if b.ArchiveGrace != 0 {
		result.ArchiveGrace = b.ArchiveGrace
	}
	return &result
}

// DispatcherConfig projects the agent configuration onto the loop tuning.
func (c *Config) DispatcherConfig() *octopus.Config {
	return &octopus.Config{
		AssignInterval:        c.AssignInterval,
		FlushInterval:         c.FlushInterval,
		RNTimeout:             c.RNTimeout,
		KillGrace:             c.KillGrace,
		ArchiveGrace:          c.ArchiveGrace,
		DefaultCommandTimeout: c.CommandTimeout,
		WorkerCallTimeout:     10 * time.Second,
	}
}
