package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/portswitch/internal/env"
	"github.com/loykin/portswitch/internal/logger"
	"github.com/loykin/portswitch/internal/supervisor"
)

const (
	DefaultPort     = 4000
	DefaultListen   = ":3001"
	DefaultBasePath = "/api"
	DefaultCommand  = "node server.js"
	EnvPrefix       = "PORTSWITCH"
)

// Config represents the top-level TOML structure.
type Config struct {
	Port     int           `toml:"port" mapstructure:"port"`
	BaseDir  string        `toml:"base_dir" mapstructure:"base_dir"`
	Env      []string      `toml:"env" mapstructure:"env"`
	EnvFiles []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool          `toml:"use_os_env" mapstructure:"use_os_env"`
	Server   ServerConfig  `toml:"server" mapstructure:"server"`
	Policy   PolicyConfig  `toml:"policy" mapstructure:"policy"`
	Log      LogConfig     `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History  HistoryConfig `toml:"history" mapstructure:"history"`
	Apps     []AppConfig   `toml:"apps" mapstructure:"apps"`

	// ConfigPath is the file Load read, empty for defaults.
	ConfigPath string `toml:"-" mapstructure:"-"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	Engine   string `toml:"engine" mapstructure:"engine"` // gin or echo
	PIDFile  string    `toml:"pidfile" mapstructure:"pidfile"`
	LogFile  string    `toml:"logfile" mapstructure:"logfile"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS on the control API. CertFile/KeyFile win over
// Dir; with AutoGenerate a self-signed pair is written to Dir when missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string   `toml:"max_version" mapstructure:"max_version"`
}

type PolicyConfig struct {
	ExitPollAttempts int           `toml:"exit_poll_attempts" mapstructure:"exit_poll_attempts"`
	PortPollAttempts int           `toml:"port_poll_attempts" mapstructure:"port_poll_attempts"`
	PollInterval     time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	SettleDelay      time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	ReadyTimeout     time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	ProbeInterval    time.Duration `toml:"probe_interval" mapstructure:"probe_interval"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// Listen serves /metrics on a separate address; empty mounts it on the API server.
	Listen string `toml:"listen" mapstructure:"listen"`
	// SampleInterval paces resource sampling of the running app; zero disables it.
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
	SampleHistory  int           `toml:"sample_history" mapstructure:"sample_history"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSN     string   `toml:"dsn" mapstructure:"dsn"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
}

// AppConfig is one [[apps]] entry.
type AppConfig struct {
	ID           string        `toml:"id" mapstructure:"id" json:"id"`
	Name         string        `toml:"name" mapstructure:"name" json:"name"`
	Description  string        `toml:"description" mapstructure:"description" json:"description"`
	Folder       string        `toml:"folder" mapstructure:"folder" json:"folderPath"`
	Command      string        `toml:"command" mapstructure:"command" json:"startCommand,omitempty"`
	ReadyMarkers []string      `toml:"ready_markers" mapstructure:"ready_markers" json:"-"`
	ReadyTimeout time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout" json:"-"`
	ReadyCommand string        `toml:"ready_command" mapstructure:"ready_command" json:"-"`
	ReadyPort    bool          `toml:"ready_port" mapstructure:"ready_port" json:"-"`
	Env          []string      `toml:"env" mapstructure:"env" json:"-"`
}

func setDefaults(v *viper.Viper) {
	p := supervisor.DefaultPolicy()
	v.SetDefault("port", DefaultPort)
	v.SetDefault("base_dir", "")
	v.SetDefault("use_os_env", true)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.engine", "gin")
	v.SetDefault("server.pidfile", "")
	v.SetDefault("server.logfile", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("policy.exit_poll_attempts", p.ExitPollAttempts)
	v.SetDefault("policy.port_poll_attempts", p.PortPollAttempts)
	v.SetDefault("policy.poll_interval", p.PollInterval)
	v.SetDefault("policy.settle_delay", p.SettleDelay)
	v.SetDefault("policy.ready_timeout", p.ReadyTimeout)
	v.SetDefault("policy.probe_interval", p.ProbeInterval)
	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.dir", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", 5*time.Second)
	v.SetDefault("metrics.sample_history", 60)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
}

// Load reads path (TOML) on top of the defaults. PORTSWITCH_* environment
// variables override scalar keys, e.g. PORTSWITCH_SERVER_LISTEN.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.ConfigPath = path
	c.resolvePaths()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolvePaths makes base_dir, env files and app folders absolute relative
// to the config file.
func (c *Config) resolvePaths() {
	root, _ := os.Getwd()
	if c.ConfigPath != "" {
		root = filepath.Dir(c.ConfigPath)
	}
	if c.BaseDir == "" {
		c.BaseDir = root
	} else if !filepath.IsAbs(c.BaseDir) {
		c.BaseDir = filepath.Join(root, c.BaseDir)
	}
	c.BaseDir = filepath.Clean(c.BaseDir)
	for i, f := range c.EnvFiles {
		if !filepath.IsAbs(f) {
			c.EnvFiles[i] = filepath.Join(root, f)
		}
	}
	if t := &c.Server.TLS; t.Dir != "" && !filepath.IsAbs(t.Dir) {
		t.Dir = filepath.Join(root, t.Dir)
	}
	for i := range c.Apps {
		c.Apps[i].Folder = c.ResolveFolder(c.Apps[i].ID, c.Apps[i].Folder)
	}
}

// ResolveFolder maps a folder to an absolute path under BaseDir. An empty
// folder falls back to BaseDir/id.
func (c *Config) ResolveFolder(id, folder string) string {
	switch {
	case folder == "":
		return filepath.Join(c.BaseDir, id)
	case filepath.IsAbs(folder):
		return filepath.Clean(folder)
	default:
		return filepath.Join(c.BaseDir, folder)
	}
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Server.Engine {
	case "", "gin", "echo":
	default:
		errs = append(errs, fmt.Errorf("server.engine %q: want gin or echo", c.Server.Engine))
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls enabled without cert_file/key_file or dir"))
	}
	p := c.Policy
	if p.ExitPollAttempts < 0 || p.PortPollAttempts < 0 || p.PollInterval < 0 || p.SettleDelay < 0 || p.ReadyTimeout < 0 || p.ProbeInterval < 0 {
		errs = append(errs, errors.New("policy values must not be negative"))
	}
	if c.History.Enabled && c.History.DSN == "" && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history enabled without dsn"))
	}
	seen := make(map[string]bool, len(c.Apps))
	for i, a := range c.Apps {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("apps[%d] requires id", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("duplicate app id %q", id))
		}
		seen[id] = true
		if a.ReadyTimeout < 0 {
			errs = append(errs, fmt.Errorf("app %q: ready_timeout must not be negative", id))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// SupervisorPolicy converts [policy] into supervisor.Policy.
func (c *Config) SupervisorPolicy() supervisor.Policy {
	return supervisor.Policy{
		ExitPollAttempts: c.Policy.ExitPollAttempts,
		PortPollAttempts: c.Policy.PortPollAttempts,
		PollInterval:     c.Policy.PollInterval,
		SettleDelay:      c.Policy.SettleDelay,
		ReadyTimeout:     c.Policy.ReadyTimeout,
		ProbeInterval:    c.Policy.ProbeInterval,
	}
}

// LoggerConfig converts [log] into logger.Config.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(c.Log.Level),
			Format:     logger.Format(c.Log.Format),
			Color:      c.Log.Color,
			TimeStamps: c.Log.Timestamps,
		},
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// GlobalEnv composes the launch environment base: the OS environment when
// use_os_env is set, then env_files in order, then the env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if !c.UseOSEnv {
		e = e.WithoutOS()
	}
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, err
		}
	}
	e.SetPairs(c.Env)
	return e, nil
}

// HistoryDSNs lists configured sink DSNs, or nil when history is disabled.
func (c *Config) HistoryDSNs() []string {
	if !c.History.Enabled {
		return nil
	}
	var out []string
	if c.History.DSN != "" {
		out = append(out, c.History.DSN)
	}
	return append(out, c.History.DSNs...)
}
