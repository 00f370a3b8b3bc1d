// Package config loads tasksync settings from config.toml and TSK_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the home directory.
const FileName = "config.toml"

// EnvPrefix prefixes every environment override, e.g. TSK_SERVER_URL.
const EnvPrefix = "TSK"

// Config is the effective configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	DBPath    string          `mapstructure:"db_path"`
	Server    ServerConfig    `mapstructure:"server"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// ServerConfig locates the remote authority.
type ServerConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig controls replication.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Debounce time.Duration `mapstructure:"debounce"`

	// Offline selects the local mirror backend. When false every command
	// talks to the authority directly and no sync runs.
	Offline bool `mapstructure:"offline"`

	// Batch pushes all pending entities in one request.
	Batch bool `mapstructure:"batch"`

	LockFile string `mapstructure:"lock_file"`
}

// DashboardConfig configures the WebSocket feed.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	File       string `mapstructure:"file"`
	Verbose    bool   `mapstructure:"verbose"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Home returns the directory holding config.toml and, by default, the
// mirror. $TSK_HOME wins over the user config directory.
func Home() (string, error) {
	if home := os.Getenv(EnvPrefix + "_HOME"); home != "" {
		return home, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "tasksync"), nil
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("data_dir", home)
	v.SetDefault("db_path", "")
	v.SetDefault("server.url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.debounce", 2*time.Second)
	v.SetDefault("sync.offline", true)
	v.SetDefault("sync.batch", false)
	v.SetDefault("sync.lock_file", "")
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("log.file", "")
	v.SetDefault("log.verbose", false)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
}

// Load reads the configuration. An explicit path must exist; otherwise
// config.toml is looked up in Home and may be absent.
func Load(path string) (*Config, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, home)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(home)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.fill()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fill derives paths left empty from DataDir.
func (c *Config) fill() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "mirror.db")
	}
	if c.Sync.LockFile == "" {
		c.Sync.LockFile = filepath.Join(c.DataDir, "sync.lock")
	}
}

// Validate rejects settings no command can work with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.Debounce < 0 {
		return fmt.Errorf("sync.debounce cannot be negative, got %s", c.Sync.Debounce)
	}
	if !c.Sync.Offline && c.Server.URL == "" {
		return fmt.Errorf("server.url is required when sync.offline is false")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// SignalPath is the marker touched after local mutations.
func (c *Config) SignalPath() string {
	return filepath.Join(c.DataDir, "changed")
}

// fileView is the on-disk shape of Config. Durations are written as
// strings so the file stays readable.
type fileView struct {
	DataDir   string `toml:"data_dir"`
	DBPath    string `toml:"db_path,omitempty"`
	Server    struct {
		URL     string `toml:"url"`
		Token   string `toml:"token"`
		Timeout string `toml:"timeout"`
	} `toml:"server"`
	Sync struct {
		Interval string `toml:"interval"`
		Debounce string `toml:"debounce"`
		Offline  bool   `toml:"offline"`
		Batch    bool   `toml:"batch"`
		LockFile string `toml:"lock_file,omitempty"`
	} `toml:"sync"`
	Dashboard struct {
		Port int `toml:"port"`
	} `toml:"dashboard"`
	Log struct {
		File       string `toml:"file"`
		Verbose    bool   `toml:"verbose"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
		Compress   bool   `toml:"compress"`
	} `toml:"log"`
}

func (c *Config) view(redact bool) fileView {
	var f fileView
	f.DataDir = c.DataDir
	f.DBPath = c.DBPath
	f.Server.URL = c.Server.URL
	f.Server.Token = c.Server.Token
	if redact && f.Server.Token != "" {
		f.Server.Token = "********"
	}
	f.Server.Timeout = c.Server.Timeout.String()
	f.Sync.Interval = c.Sync.Interval.String()
	f.Sync.Debounce = c.Sync.Debounce.String()
	f.Sync.Offline = c.Sync.Offline
	f.Sync.Batch = c.Sync.Batch
	f.Sync.LockFile = c.Sync.LockFile
	f.Dashboard.Port = c.Dashboard.Port
	f.Log.File = c.Log.File
	f.Log.Verbose = c.Log.Verbose
	f.Log.MaxSizeMB = c.Log.MaxSizeMB
	f.Log.MaxBackups = c.Log.MaxBackups
	f.Log.MaxAgeDays = c.Log.MaxAgeDays
	f.Log.Compress = c.Log.Compress
	return f
}

// Encode writes c as TOML with the server token masked.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c.view(true))
}

const defaultHeader = `# tasksync configuration.
#
# Every key can be overridden with an environment variable: upper-case it,
# replace dots with underscores and add the TSK_ prefix, e.g.
# TSK_SERVER_URL or TSK_SYNC_OFFLINE=false.

`

// Defaults returns the configuration used when no file or environment
// override is present.
func Defaults() (*Config, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}
	v := viper.New()
	setDefaults(v, home)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a default config.toml to path. An existing file is
// only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	cfg, err := Defaults()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.WriteString(f, defaultHeader); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := toml.NewEncoder(f).Encode(cfg.view(false)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
