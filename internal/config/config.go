// Package config provides YAML-based configuration loading for bluetooth-chat.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"bluetooth-chat/internal/bluez"
	"bluetooth-chat/internal/connmgr"
)

// EnvPrefix prefixes environment overrides, e.g. BTCHAT_CONNECT_TIMEOUT=5s.
const EnvPrefix = "BTCHAT"

// Config is the root application configuration.
type Config struct {
	// Adapter is the BlueZ adapter object path; empty picks the first one.
	Adapter         string `mapstructure:"adapter" yaml:"adapter"`
	ServiceName     string `mapstructure:"service_name" yaml:"service_name"`
	SecureChannel   uint8  `mapstructure:"secure_channel" yaml:"secure_channel"`
	InsecureChannel uint8  `mapstructure:"insecure_channel" yaml:"insecure_channel"`

	Listen ListenConfig `mapstructure:"listen" yaml:"listen"`

	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReadBuffer      int           `mapstructure:"read_buffer" yaml:"read_buffer"`
	SendQueue       int           `mapstructure:"send_queue" yaml:"send_queue"`
	ResumeListening bool          `mapstructure:"resume_listening" yaml:"resume_listening"`
	RestartBackoff  BackoffConfig `mapstructure:"restart_backoff" yaml:"restart_backoff"`

	DiscoverableTimeout time.Duration `mapstructure:"discoverable_timeout" yaml:"discoverable_timeout"`

	Log LogConfig `mapstructure:"log" yaml:"log"`
}

// ListenConfig selects the security modes the manager accepts on.
type ListenConfig struct {
	Secure   bool `mapstructure:"secure" yaml:"secure"`
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`
}

// BackoffConfig bounds the delay before listening is retried.
type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial" yaml:"initial"`
	Max     time.Duration `mapstructure:"max" yaml:"max"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: trace, debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: text or json
	Format string `mapstructure:"format" yaml:"format"`
	// File enables rotated file output; empty logs to stderr.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		ServiceName:     bluez.DefaultServiceName,
		SecureChannel:   bluez.DefaultSecureChannel,
		InsecureChannel: bluez.DefaultInsecureChannel,
		Listen:          ListenConfig{Secure: true, Insecure: true},
		ConnectTimeout:  connmgr.DefaultConnectTimeout,
		ReadBuffer:      connmgr.DefaultReadBufferSize,
		SendQueue:       connmgr.DefaultSendQueue,
		RestartBackoff: BackoffConfig{
			Initial: connmgr.InitialRestartDelay,
			Max:     connmgr.MaxRestartDelay,
		},
		DiscoverableTimeout: bluez.DefaultDiscoverableTimeout,
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix BTCHAT and `.`/`-` are replaced with `_`.
// Example: BTCHAT_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("adapter", cfg.Adapter)
	v.SetDefault("service_name", cfg.ServiceName)
	v.SetDefault("secure_channel", cfg.SecureChannel)
	v.SetDefault("insecure_channel", cfg.InsecureChannel)
	v.SetDefault("listen.secure", cfg.Listen.Secure)
	v.SetDefault("listen.insecure", cfg.Listen.Insecure)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("read_buffer", cfg.ReadBuffer)
	v.SetDefault("send_queue", cfg.SendQueue)
	v.SetDefault("resume_listening", cfg.ResumeListening)
	v.SetDefault("restart_backoff.initial", cfg.RestartBackoff.Initial)
	v.SetDefault("restart_backoff.max", cfg.RestartBackoff.Max)
	v.SetDefault("discoverable_timeout", cfg.DiscoverableTimeout)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)

	if path == "" {
		if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bluetooth-chat")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".bluetooth-chat"))
		}
	}

	// A missing file is fine; defaults and env still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes c and reports the first invalid setting.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: invalid log.level: %q", c.Log.Level)
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log.format: %q", c.Log.Format)
	}

	if !c.Listen.Secure && !c.Listen.Insecure {
		return errors.New("config: listen: at least one of secure or insecure must be enabled")
	}
	if c.SecureChannel == 0 || c.SecureChannel > 30 {
		return fmt.Errorf("config: secure_channel out of range 1..30: %d", c.SecureChannel)
	}
	if c.InsecureChannel == 0 || c.InsecureChannel > 30 {
		return fmt.Errorf("config: insecure_channel out of range 1..30: %d", c.InsecureChannel)
	}
	if c.SecureChannel == c.InsecureChannel {
		return fmt.Errorf("config: secure_channel and insecure_channel must differ (%d)", c.SecureChannel)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("config: connect_timeout must be positive: %s", c.ConnectTimeout)
	}
	if c.ReadBuffer <= 0 {
		return fmt.Errorf("config: read_buffer must be positive: %d", c.ReadBuffer)
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("config: send_queue must be positive: %d", c.SendQueue)
	}
	if c.RestartBackoff.Initial <= 0 || c.RestartBackoff.Max < c.RestartBackoff.Initial {
		return fmt.Errorf("config: restart_backoff: need 0 < initial <= max, got %s/%s",
			c.RestartBackoff.Initial, c.RestartBackoff.Max)
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = bluez.DefaultServiceName
	}
	return nil
}

// ListenModes returns the enabled modes, secure first.
func (c *Config) ListenModes() []connmgr.SecurityMode {
	var modes []connmgr.SecurityMode
	if c.Listen.Secure {
		modes = append(modes, connmgr.Secure)
	}
	if c.Listen.Insecure {
		modes = append(modes, connmgr.Insecure)
	}
	return modes
}

// ManagerOptions maps c onto connmgr.Options.
func (c *Config) ManagerOptions() connmgr.Options {
	return connmgr.Options{
		ListenModes:    c.ListenModes(),
		ConnectTimeout: c.ConnectTimeout,
		ReadBufferSize: c.ReadBuffer,
		SendQueue:      c.SendQueue,
		RestartBackoff: connmgr.BackoffConfig{
			Initial: c.RestartBackoff.Initial,
			Max:     c.RestartBackoff.Max,
			Jitter:  0.1,
		},
		ResumeListening: c.ResumeListening,
	}
}

// BluezOptions maps c onto bluez.Options.
func (c *Config) BluezOptions() bluez.Options {
	return bluez.Options{
		AdapterPath:     c.Adapter,
		ServiceName:     c.ServiceName,
		SecureChannel:   c.SecureChannel,
		InsecureChannel: c.InsecureChannel,
	}
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: dump: %w", err)
	}
	return out, nil
}
