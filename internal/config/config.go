package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"workdl/internal/base"
	"workdl/internal/pathpolicy"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	HistoryNone   = "none"
	HistorySQLite = "sqlite"
	HistoryRedis  = "redis"

	EnvPrefix = "WORKDL_"
)

var ErrInvalid = errors.New("invalid config")

type DownloadConfig struct {
	Root          string  `yaml:"root"`
	SpeedLimit    float64 `yaml:"speed_limit"` // MB/s, 0 is unlimited
	MaxRetries    int     `yaml:"max_retries"`
	Timeout       int     `yaml:"timeout"`         // seconds
	MinSpeed      int     `yaml:"min_speed"`       // KB/s, 0 disables the slow check
	MinSpeedCheck int     `yaml:"min_speed_check"` // seconds
	StallTimeout  int     `yaml:"stall_timeout"`   // seconds, 0 disables
	Concurrency   int     `yaml:"concurrency"`
	ChunkSize     int     `yaml:"chunk_size"`
	ProbeSizes    bool    `yaml:"probe_sizes"`
}

type ProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"` // http, https or socks5
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type HistoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Config struct {
	Download  DownloadConfig    `yaml:"download"`
	Naming    pathpolicy.Scheme `yaml:"naming"`
	FileTypes map[string]bool   `yaml:"file_types"`
	Proxy     ProxyConfig       `yaml:"proxy"`
	History   HistoryConfig     `yaml:"history"`
	LogLevel  string            `yaml:"log_level"`
}

func Default() Config {
	types := make(map[string]bool, len(base.DefaultFileTypes))
	for _, t := range base.DefaultFileTypes {
		types[t] = true
	}
	return Config{
		Download: DownloadConfig{
			Root:          base.DefaultDownloadDir,
			SpeedLimit:    float64(base.DefaultSpeedLimit) / (1024 * 1024),
			MaxRetries:    base.DefaultMaxRetries,
			Timeout:       int(base.DefaultTimeout / time.Second),
			MinSpeed:      base.DefaultMinSpeed / 1024,
			MinSpeedCheck: int(base.DefaultMinSpeedCheck / time.Second),
			Concurrency:   base.DefaultConcurrency,
			ChunkSize:     base.ChunkSize,
			ProbeSizes:    true,
		},
		Naming:    pathpolicy.SchemeTitle,
		FileTypes: types,
		Proxy:     ProxyConfig{Type: "http"},
		History:   HistoryConfig{Driver: HistoryNone},
		LogLevel:  LogLevelInfo,
	}
}

// Load reads the YAML file at path over the defaults, applies WORKDL_*
// environment overrides and validates the result. An empty path skips the
// file. envFile, if it exists, is loaded into the environment first.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("cannot load env file %s: %w", envFile, err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
		defaults := cfg.FileTypes
		cfg.FileTypes = nil
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
		}
		// Entries in the file override the default list one by one.
		for k, v := range cfg.FileTypes {
			defaults[normalizeExt(k)] = v
		}
		cfg.FileTypes = defaults
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad(path, envFile string) *Config {
	cfg, err := Load(path, envFile)
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvPrefix + "ROOT"); v != "" {
		c.Download.Root = v
	}
	if v := os.Getenv(EnvPrefix + "SPEED_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %sSPEED_LIMIT: %v", ErrInvalid, EnvPrefix, err)
		}
		c.Download.SpeedLimit = f
	}
	if v := os.Getenv(EnvPrefix + "PROXY"); v != "" {
		u, err := url.Parse(v)
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("%w: %sPROXY %q", ErrInvalid, EnvPrefix, v)
		}
		port, _ := strconv.Atoi(u.Port())
		c.Proxy = ProxyConfig{Enabled: true, Type: u.Scheme, Host: u.Hostname(), Port: port}
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "HISTORY_DSN"); v != "" {
		c.History.DSN = v
	}
	return nil
}

func (c *Config) normalize() {
	types := make(map[string]bool, len(c.FileTypes))
	for k, v := range c.FileTypes {
		types[normalizeExt(k)] = v
	}
	c.FileTypes = types
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.Proxy.Type = strings.ToLower(c.Proxy.Type)
	if c.History.Driver == "" {
		c.History.Driver = HistoryNone
	}
	if c.Naming == "" {
		c.Naming = pathpolicy.SchemeTitle
	}
}

func normalizeExt(ext string) string {
	return strings.ToUpper(strings.TrimPrefix(ext, "."))
}

func (c *Config) Validate() error {
	d := c.Download
	switch {
	case d.Root == "":
		return fmt.Errorf("%w: download.root is empty", ErrInvalid)
	case d.SpeedLimit < 0:
		return fmt.Errorf("%w: download.speed_limit must not be negative", ErrInvalid)
	case d.MaxRetries < 0:
		return fmt.Errorf("%w: download.max_retries must not be negative", ErrInvalid)
	case d.Timeout <= 0:
		return fmt.Errorf("%w: download.timeout must be positive", ErrInvalid)
	case d.MinSpeed < 0 || d.StallTimeout < 0:
		return fmt.Errorf("%w: download.min_speed and stall_timeout must not be negative", ErrInvalid)
	case d.MinSpeed > 0 && d.MinSpeedCheck <= 0:
		return fmt.Errorf("%w: download.min_speed_check must be positive", ErrInvalid)
	case d.Concurrency < 1:
		return fmt.Errorf("%w: download.concurrency must be at least 1", ErrInvalid)
	case d.ChunkSize <= 0:
		return fmt.Errorf("%w: download.chunk_size must be positive", ErrInvalid)
	case !c.Naming.Valid():
		return fmt.Errorf("%w: unknown naming scheme %q", ErrInvalid, c.Naming)
	}

	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.LogLevel)
	}

	switch c.History.Driver {
	case HistoryNone:
	case HistorySQLite, HistoryRedis:
		if c.History.DSN == "" {
			return fmt.Errorf("%w: history.dsn is required for %s", ErrInvalid, c.History.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown history driver %q", ErrInvalid, c.History.Driver)
	}

	if c.Proxy.Enabled {
		switch c.Proxy.Type {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("%w: unknown proxy type %q", ErrInvalid, c.Proxy.Type)
		}
		if c.Proxy.Host == "" || c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
			return fmt.Errorf("%w: proxy needs host and port", ErrInvalid)
		}
	}
	return nil
}

// SpeedLimitBytes is the bandwidth cap in bytes per second, 0 when unlimited.
func (c *Config) SpeedLimitBytes() int64 {
	return int64(c.Download.SpeedLimit * 1024 * 1024)
}

func (c *Config) MinSpeedBytes() int64 {
	return int64(c.Download.MinSpeed) * 1024
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Download.Timeout) * time.Second
}

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Download.MinSpeedCheck) * time.Second
}

func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.Download.StallTimeout) * time.Second
}

// ProxyURL returns nil when no proxy is configured.
func (c *Config) ProxyURL() *url.URL {
	if !c.Proxy.Enabled {
		return nil
	}
	return &url.URL{
		Scheme: c.Proxy.Type,
		Host:   net.JoinHostPort(c.Proxy.Host, strconv.Itoa(c.Proxy.Port)),
	}
}
