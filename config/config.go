package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type Config struct {
	DataDir   string `toml:"data-dir"`   // Source database directory, opened read-only.
	OutputDir string `toml:"output-dir"` // Directory holding the checkpoint file.
	Pidfile   string `toml:"pidfile"`
	Daemonize bool   `toml:"daemonize"`

	Namespace string `toml:"namespace"` // Only entities under this namespace are replicated.

	LogLevel   string `toml:"log-level"`
	LogFile    string `toml:"log-file"` // Empty logs to stderr.
	StatusAddr string `toml:"status-addr"`

	// DecodePolicy selects the reaction to undecodable records:
	// "halt" stops the pipeline, "skip" logs and keeps going.
	DecodePolicy string `toml:"decode-policy"`

	PollIntervalMs int `toml:"poll-interval-ms"`
	PipelineSize   int `toml:"pipeline-size"`

	Redis RedisConfig `toml:"redis"`
}

type RedisConfig struct {
	Addr               string `toml:"addr"`
	Password           string `toml:"password"`
	DB                 int    `toml:"db"`
	DialTimeoutMs      int    `toml:"dial-timeout-ms"`
	MaxRetryIntervalMs int    `toml:"max-retry-interval-ms"`
}

func NewDefaultConfig() *Config {
	return &Config{
		OutputDir:      "./",
		Namespace:      "default",
		LogLevel:       "info",
		DecodePolicy:   "halt",
		PollIntervalMs: 100,
		PipelineSize:   128,
		Redis: RedisConfig{
			Addr:               "127.0.0.1:6379",
			DialTimeoutMs:      5000,
			MaxRetryIntervalMs: 30000,
		},
	}
}

// Load overlays the TOML file at path onto the config. Unrecognized keys are
// reported, not ignored, so a typo in the file fails fast.
func (c *Config) Load(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Annotatef(err, "decode config file %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		for _, key := range undecoded {
			log.Warn("unrecognized config key", zap.String("key", key.String()))
		}
		return errors.Errorf("config file %s has %d unrecognized keys", path, len(undecoded))
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data-dir must be set")
	}
	if fi, err := os.Stat(c.DataDir); err != nil || !fi.IsDir() {
		return errors.Errorf("data-dir %s is not a readable directory", c.DataDir)
	}
	if c.OutputDir == "" {
		return errors.New("output-dir must be set")
	}
	if fi, err := os.Stat(c.OutputDir); err != nil || !fi.IsDir() {
		return errors.Errorf("output-dir %s is not a writable directory", c.OutputDir)
	}
	if c.Daemonize {
		return errors.New("daemonize is not supported, run under a process supervisor instead")
	}
	if c.Namespace == "" {
		return errors.New("namespace must be set")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr must be set")
	}
	if c.DecodePolicy != "halt" && c.DecodePolicy != "skip" {
		return errors.Errorf("decode-policy must be halt or skip, got %q", c.DecodePolicy)
	}
	if c.PipelineSize <= 0 {
		return errors.New("pipeline-size must be positive")
	}
	if c.PollIntervalMs <= 0 {
		return errors.New("poll-interval-ms must be positive")
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *RedisConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

func (c *RedisConfig) MaxRetryInterval() time.Duration {
	return time.Duration(c.MaxRetryIntervalMs) * time.Millisecond
}
