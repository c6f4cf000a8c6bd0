// Package config loads service settings from YAML and TASKGRAPH_ environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/t77yq/taskgraph/internal/logger"
)

const envPrefix = "TASKGRAPH"

// Config is the full service configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Log          logger.Config      `mapstructure:"log"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Agents       AgentsConfig       `mapstructure:"agents"`

	v *viper.Viper
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	// Runner selects where nodes execute: local (in process) or nats
	Runner string `mapstructure:"runner"`
}

type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
}

type StorageConfig struct {
	Path            string        `mapstructure:"path"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type WorkerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ID                string        `mapstructure:"id"`
	MaxNodes          int           `mapstructure:"max_nodes"`
	MaxCPU            float64       `mapstructure:"max_cpu"`
	MaxMemory         float64       `mapstructure:"max_memory"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

type OrchestratorConfig struct {
	MaxParallel     int           `mapstructure:"max_parallel"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	NodeTimeout     time.Duration `mapstructure:"node_timeout"`
	ContinueOnError bool          `mapstructure:"continue_on_error"`
	Backoff         BackoffConfig `mapstructure:"backoff"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// AgentConfig describes one chat-completion backed agent
type AgentConfig struct {
	ID          string            `mapstructure:"id"`
	Name        string            `mapstructure:"name"`
	Model       string            `mapstructure:"model"`
	Description string            `mapstructure:"description"`
	URL         string            `mapstructure:"url"`
	APIKey      string            `mapstructure:"api_key"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Headers     map[string]string `mapstructure:"headers"`
}

type AgentsConfig struct {
	Default string        `mapstructure:"default"`
	List    []AgentConfig `mapstructure:"list"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "taskgraph")
	v.SetDefault("app.runner", "local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.development", false)

	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)

	v.SetDefault("storage.path", "taskgraph.db")
	v.SetDefault("storage.retention", 30*24*time.Hour)
	v.SetDefault("storage.cleanup_interval", 24*time.Hour)

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.max_nodes", 4)
	v.SetDefault("worker.max_cpu", 90.0)
	v.SetDefault("worker.max_memory", 90.0)
	v.SetDefault("worker.heartbeat_interval", 5*time.Second)

	v.SetDefault("orchestrator.max_parallel", 4)
	v.SetDefault("orchestrator.max_attempts", 2)
	v.SetDefault("orchestrator.node_timeout", 2*time.Minute)
	v.SetDefault("orchestrator.continue_on_error", false)
	v.SetDefault("orchestrator.backoff.initial_delay", time.Second)
	v.SetDefault("orchestrator.backoff.max_delay", 30*time.Second)
	v.SetDefault("orchestrator.backoff.multiplier", 2.0)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("metrics.interval", 15*time.Second)

	v.SetDefault("agents.default", "")
}

// Load reads the configuration at path. An empty path searches for
// config.yaml in ./config and the working directory and falls back to
// defaults when none exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.App.Runner {
	case "local", "nats":
	default:
		return fmt.Errorf("invalid app.runner %q: must be local or nats", c.App.Runner)
	}
	if len(c.NATS.URLs) == 0 && c.App.Runner == "nats" {
		return errors.New("nats.urls must not be empty")
	}

	seen := make(map[string]struct{}, len(c.Agents.List))
	for i, a := range c.Agents.List {
		if a.ID == "" {
			return fmt.Errorf("agents.list[%d].id must not be empty", i)
		}
		if _, ok := seen[a.ID]; ok {
			return fmt.Errorf("agents.list[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	if c.Agents.Default != "" {
		if _, ok := seen[c.Agents.Default]; !ok {
			return fmt.Errorf("agents.default %q is not in agents.list", c.Agents.Default)
		}
	}
	return nil
}

// ConfigFile returns the file the configuration was read from, if any
func (c *Config) ConfigFile() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Watch calls fn with the reloaded configuration whenever the config file
// changes. Invalid edits are passed to onError and otherwise ignored.
func (c *Config) Watch(fn func(*Config), onError func(error)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := unmarshal(c.v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		fn(cfg)
	})
	c.v.WatchConfig()
}
