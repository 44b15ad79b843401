package config

import (
	"time"

	"github.com/loykin/servermgr/internal/errdefs"
	"github.com/loykin/servermgr/internal/logger"
	"github.com/spf13/viper"
)

// Defaults mirror a local development setup: an unprivileged port and a
// data directory under /var/tmp.
const (
	DefaultHost         = "localhost"
	DefaultPort         = 15432
	DefaultDataDir      = "/var/tmp/pg_data"
	DefaultInstallRoot  = "/usr/lib/postgresql"
	DefaultStartTimeout = 10 * time.Second
	DefaultStopTimeout  = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Server is the immutable configuration a manager is constructed with.
// DataDir and Port must be set before Start is called.
type Server struct {
	Name        string `mapstructure:"name"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	DataDir     string `mapstructure:"data_dir"`
	LockDir     string `mapstructure:"lock_dir"`
	BinDir      string `mapstructure:"bin_dir"`      // explicit binary directory; wins over version selection
	InstallRoot string `mapstructure:"install_root"` // versioned install root, e.g. /usr/lib/postgresql
	Version     string `mapstructure:"version"`      // server version under InstallRoot

	StartTimeout time.Duration `mapstructure:"start_timeout"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	Env []string `mapstructure:"env"` // extra KEY=VALUE pairs for the subprocess

	Log logger.Config `mapstructure:"log"`
}

// History selects where lifecycle events are recorded.
type History struct {
	Type string `mapstructure:"type"` // "sqlite" or "clickhouse"; empty disables

	SQLitePath string `mapstructure:"sqlite_path"`

	ClickHouseAddr     string `mapstructure:"clickhouse_addr"`
	ClickHouseDatabase string `mapstructure:"clickhouse_database"`
	ClickHouseUsername string `mapstructure:"clickhouse_username"`
	ClickHousePassword string `mapstructure:"clickhouse_password"`
	ClickHouseTable    string `mapstructure:"clickhouse_table"`
}

// File is the top-level TOML structure.
type File struct {
	Server  Server  `mapstructure:"server"`
	History History `mapstructure:"history"`
	Listen  string  `mapstructure:"listen"` // optional status/metrics HTTP address
}

// ApplyDefaults fills unset fields. It does not touch fields the caller set.
func (s *Server) ApplyDefaults() {
	if s.Name == "" {
		s.Name = "postgres"
	}
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.InstallRoot == "" {
		s.InstallRoot = DefaultInstallRoot
	}
	if s.LockDir == "" && s.DataDir != "" {
		s.LockDir = s.DataDir + ".lock"
	}
	if s.StartTimeout <= 0 {
		s.StartTimeout = DefaultStartTimeout
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
}

// Validate reports configuration errors eagerly, before any subprocess is
// spawned. Validation failures are never retried.
func (s *Server) Validate() error {
	if s.DataDir == "" {
		return errdefs.New(errdefs.KindConfig, "data_dir is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return errdefs.New(errdefs.KindConfig, "port %d out of range", s.Port)
	}
	if s.Host == "" {
		return errdefs.New(errdefs.KindConfig, "host is required")
	}
	if s.BinDir == "" && s.InstallRoot == "" {
		return errdefs.New(errdefs.KindConfig, "either bin_dir or install_root must be set")
	}
	for _, kv := range s.Env {
		if !hasKey(kv) {
			return errdefs.New(errdefs.KindConfig, "env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}

func hasKey(kv string) bool {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return i > 0
		}
	}
	return false
}

// Load reads a TOML config file, applies defaults, and validates the
// server section.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfig, err, "read config %s", path)
	}
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfig, err, "parse config %s", path)
	}
	f.Server.ApplyDefaults()
	if err := f.Server.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
