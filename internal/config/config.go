package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "500ms" or "15s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Hub      HubConfig      `yaml:"hub"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
}

type UpstreamConfig struct {
	DevToolsPort     int      `yaml:"devtools_port"`
	BaseRetryDelay   Duration `yaml:"base_retry_delay"`
	MaxAttachRetries int      `yaml:"max_attach_attempts"`
	MetricsInterval  Duration `yaml:"metrics_interval"`
}

type HubConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	SendBuffer        int      `yaml:"send_buffer"`
}

// Load reads the config file at path, overlaying it on defaults. A missing
// file is not an error: every knob has a default, so the relay runs with no
// config at all. Environment overrides are applied after the file so
// deployments can keep secrets out of it.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Upstream: UpstreamConfig{
			DevToolsPort:     9222,
			BaseRetryDelay:   Duration(500 * time.Millisecond),
			MaxAttachRetries: 8,
			MetricsInterval:  Duration(time.Second),
		},
		Hub: HubConfig{
			HeartbeatInterval: Duration(15 * time.Second),
			SendBuffer:        64,
		},
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("RELAY_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_PORT: %w", err)
		}
		c.Server.Port = n
	}
	if v := os.Getenv("RELAY_DEVTOOLS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_DEVTOOLS_PORT: %w", err)
		}
		c.Upstream.DevToolsPort = n
	}
	if v := os.Getenv("RELAY_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("RELAY_ALLOWED_ORIGIN"); v != "" {
		c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, v)
	}
	return nil
}
