package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the proxy's runtime configuration.
type Config struct {
	Gateway struct {
		Port         int
		DevKey       string
		CORSOrigins  []string
		RateLimitRPS int
	}
	Agent struct {
		Host    string
		Port    int
		Timeout time.Duration
	}
	Dstack struct {
		Mode    string
		Socket  string
		URL     string
		Timeout time.Duration
	}
	Passthrough struct {
		Socket string
	}
	Genesis struct {
		LogPath       string
		RetryInterval time.Duration
		MaxRetries    int
	}
	Health struct {
		Interval time.Duration
	}

	// ConfigFile is the file that was read, empty when none was found.
	ConfigFile string
}

// AgentURL is the base URL of the agent's HTTP server.
func (c *Config) AgentURL() string {
	return fmt.Sprintf("http://%s:%d", c.Agent.Host, c.Agent.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.port", 3000)
	v.SetDefault("gateway.dev_key", "")
	v.SetDefault("gateway.cors_origins", []string{"*"})
	v.SetDefault("gateway.rate_limit_rps", 5)
	v.SetDefault("agent.host", "claw-tee-dah")
	v.SetDefault("agent.port", 3001)
	v.SetDefault("agent.timeout", "5m")
	v.SetDefault("dstack.mode", "socket")
	v.SetDefault("dstack.socket", "/var/run/dstack.sock")
	v.SetDefault("dstack.url", "http://dstack-simulator:8090")
	v.SetDefault("dstack.timeout", "30s")
	v.SetDefault("passthrough.socket", "/var/run-proxy/dstack-proxy.sock")
	v.SetDefault("genesis.log_path", "/var/log-genesis/genesis-transcript.jsonl")
	v.SetDefault("genesis.retry_interval", "1s")
	v.SetDefault("genesis.max_retries", 30)
	v.SetDefault("health.interval", "30s")
}

// loadConfig reads configuration from file, then environment. AGENT_HOST,
// AGENT_PORT, DSTACK_MODE and DSTACK_URL map onto their keys through the
// env key replacer; DEV_KEY and CHAT_PORT are bound explicitly so existing
// deployments keep working.
func loadConfig(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("genesis-proxy")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("gateway.dev_key", "GATEWAY_DEV_KEY", "DEV_KEY"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("gateway.port", "GATEWAY_PORT", "CHAT_PORT"); err != nil {
		return nil, err
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &cfgNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{ConfigFile: v.ConfigFileUsed()}
	cfg.Gateway.Port = v.GetInt("gateway.port")
	cfg.Gateway.DevKey = v.GetString("gateway.dev_key")
	cfg.Gateway.CORSOrigins = v.GetStringSlice("gateway.cors_origins")
	cfg.Gateway.RateLimitRPS = v.GetInt("gateway.rate_limit_rps")
	cfg.Agent.Host = v.GetString("agent.host")
	cfg.Agent.Port = v.GetInt("agent.port")
	cfg.Agent.Timeout = v.GetDuration("agent.timeout")
	cfg.Dstack.Mode = v.GetString("dstack.mode")
	cfg.Dstack.Socket = v.GetString("dstack.socket")
	cfg.Dstack.URL = v.GetString("dstack.url")
	cfg.Dstack.Timeout = v.GetDuration("dstack.timeout")
	cfg.Passthrough.Socket = v.GetString("passthrough.socket")
	cfg.Genesis.LogPath = v.GetString("genesis.log_path")
	cfg.Genesis.RetryInterval = v.GetDuration("genesis.retry_interval")
	cfg.Genesis.MaxRetries = v.GetInt("genesis.max_retries")
	cfg.Health.Interval = v.GetDuration("health.interval")

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return nil, fmt.Errorf("gateway.port %d out of range", cfg.Gateway.Port)
	}
	if cfg.Genesis.LogPath == "" {
		return nil, errors.New("genesis.log_path is required")
	}
	return cfg, nil
}
