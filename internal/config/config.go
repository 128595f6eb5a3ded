package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Data      DataConfig      `json:"data"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Broker    BrokerConfig    `json:"broker"`
	Database  DatabaseConfig  `json:"database"`
	Notify    NotifyConfig    `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// DataConfig roots the event log, artifact store and script workspace.
type DataConfig struct {
	Dir        string `json:"dir"`
	ScriptsDir string `json:"scripts_dir"`
}

type SchedulerConfig struct {
	Workers  int  `json:"workers"`
	FailFast bool `json:"fail_fast"`
	// LeaseTTLSecs is the leadership lease lifetime; 0 uses the default.
	LeaseTTLSecs int `json:"lease_ttl_secs"`
}

type BrokerConfig struct {
	Endpoint    string `json:"endpoint"`
	APIKey      string `json:"api_key"`
	TimeoutSecs int    `json:"timeout_secs"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Data.Dir == "" {
		c.Data.Dir = "data"
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 4
	}
}
