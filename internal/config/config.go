package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Stream       StreamConfig       `json:"stream"`
	ControlPlane ControlPlaneConfig `json:"control_plane"`
	Approvals    ApprovalsConfig    `json:"approvals"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Storage      StorageConfig      `json:"storage"`
	Secrets      SecretsConfig      `json:"secrets"`
}

type GatewayConfig struct {
	HTTPAddr        string   `json:"http_addr"`
	ControlAddr     string   `json:"control_addr"`
	BridgeAddr      string   `json:"bridge_addr"`
	CanvasAddr      string   `json:"canvas_addr"`
	CanvasDir       string   `json:"canvas_dir"`
	LiveConfigPath  string   `json:"live_config_path"`
	WatchIntervalMS int      `json:"watch_interval_ms"`
	AllowedOrigins  []string `json:"allowed_origins"`
}

type StreamConfig struct {
	JWTSecret    string  `json:"jwt_secret"`
	JWTSecretEnv string  `json:"jwt_secret_env"`
	Issuer       string  `json:"issuer"`
	Audience     string  `json:"audience"`
	SendBuffer   int     `json:"send_buffer"`
	FrameRate    float64 `json:"frame_rate"`
	FrameBurst   int     `json:"frame_burst"`
}

type ControlPlaneConfig struct {
	BaseURL         string `json:"base_url"`
	ServiceToken    string `json:"service_token"`
	ServiceTokenEnv string `json:"service_token_env"`
	TimeoutMS       int    `json:"timeout_ms"`
	RedisAddr       string `json:"redis_addr"`
	PrefsTTLSecs    int    `json:"prefs_ttl_secs"`
}

type ApprovalsConfig struct {
	TokenSecret    string `json:"token_secret"`
	TokenSecretEnv string `json:"token_secret_env"`
	TokenTTLSecs   int    `json:"token_ttl_secs"`
	RequestTTLSecs int    `json:"request_ttl_secs"`
	ExpiryPollSecs int    `json:"expiry_poll_secs"`
}

type OrchestratorConfig struct {
	TemporalAddr string `json:"temporal_addr"`
	Namespace    string `json:"namespace"`
	TaskQueue    string `json:"task_queue"`
	MaxAttempts  int    `json:"max_attempts"`
	HealthAddr   string `json:"health_addr"`

	// SkillEndpoints maps a toolName to the HTTP endpoint of its skill handler.
	SkillEndpoints map[string]string `json:"skill_endpoints"`
	SkillTokenEnv  string            `json:"skill_token_env"`
	SkillTimeoutMS int               `json:"skill_timeout_ms"`
}

type StorageConfig struct {
	PostgresDSN string `json:"postgres_dsn"`
	OutboxCron  string `json:"outbox_cron"`
	OutboxBatch int    `json:"outbox_batch"`
}

type SecretsConfig struct {
	MasterKeyEnv     string `json:"master_key_env"`
	MasterKeyFile    string `json:"master_key_file"`
	MasterKeyFileKey string `json:"master_key_file_key"`
}

var getenv = os.Getenv

// LoadConfig reads a JSON file, fills defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills every optional field left at its zero value.
func (c *Config) ApplyDefaults() {
	setString(&c.Gateway.ControlAddr, "127.0.0.1:18789")
	setString(&c.Gateway.BridgeAddr, "127.0.0.1:18790")
	setString(&c.Gateway.CanvasAddr, "127.0.0.1:18793")
	setInt(&c.Gateway.WatchIntervalMS, 1000)
	setInt(&c.Stream.SendBuffer, 64)
	if c.Stream.FrameRate <= 0 {
		c.Stream.FrameRate = 20
	}
	setInt(&c.Stream.FrameBurst, 40)
	setInt(&c.ControlPlane.TimeoutMS, 5000)
	setInt(&c.ControlPlane.PrefsTTLSecs, 300)
	setInt(&c.Approvals.TokenTTLSecs, 300)
	setInt(&c.Approvals.RequestTTLSecs, 24*60*60)
	setInt(&c.Approvals.ExpiryPollSecs, 30)
	setString(&c.Orchestrator.Namespace, "default")
	setString(&c.Orchestrator.TaskQueue, "hearth-actions")
	setInt(&c.Orchestrator.MaxAttempts, 3)
	setString(&c.Orchestrator.HealthAddr, ":8090")
	setInt(&c.Orchestrator.SkillTimeoutMS, 30000)
	setString(&c.Storage.OutboxCron, "@every 1m")
	setInt(&c.Storage.OutboxBatch, 100)
	setString(&c.Secrets.MasterKeyEnv, "HEARTH_MASTER_KEY")
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Gateway.HTTPAddr) == "" {
		return errors.New("gateway.http_addr required")
	}
	if err := validateLoopback("gateway.control_addr", c.Gateway.ControlAddr); err != nil {
		return err
	}
	if c.StreamSecret() == "" {
		return errors.New("stream.jwt_secret or stream.jwt_secret_env required")
	}
	if c.ApprovalTokenSecret() == "" {
		return errors.New("approvals.token_secret or approvals.token_secret_env required")
	}
	if c.Approvals.TokenTTLSecs < 1 || c.Approvals.TokenTTLSecs > 3600 {
		return errors.New("approvals.token_ttl_secs must be between 1 and 3600")
	}
	if strings.TrimSpace(c.Orchestrator.TemporalAddr) == "" {
		return errors.New("orchestrator.temporal_addr required")
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return errors.New("orchestrator.max_attempts must be positive")
	}
	for tool, endpoint := range c.Orchestrator.SkillEndpoints {
		if strings.TrimSpace(tool) == "" || strings.TrimSpace(endpoint) == "" {
			return errors.New("orchestrator.skill_endpoints entries require a tool name and endpoint")
		}
	}
	if err := validateTokenAddr("control_plane", c.ControlPlane.BaseURL, c.ControlPlaneToken()); err != nil {
		return err
	}
	if strings.TrimSpace(c.Storage.PostgresDSN) != "" {
		if _, err := cron.ParseStandard(c.Storage.OutboxCron); err != nil {
			return errors.New("storage.outbox_cron invalid: " + err.Error())
		}
	}
	return nil
}

// StreamSecret resolves the stream JWT secret; the environment wins.
func (c Config) StreamSecret() string {
	return resolve(c.Stream.JWTSecret, c.Stream.JWTSecretEnv)
}

func (c Config) ApprovalTokenSecret() string {
	return resolve(c.Approvals.TokenSecret, c.Approvals.TokenSecretEnv)
}

func (c Config) ControlPlaneToken() string {
	return resolve(c.ControlPlane.ServiceToken, c.ControlPlane.ServiceTokenEnv)
}

func (c Config) SkillToken() string {
	return resolve("", c.Orchestrator.SkillTokenEnv)
}

func resolve(value, envName string) string {
	if name := strings.TrimSpace(envName); name != "" {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(value)
}

func validateTokenAddr(prefix string, addr string, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if strings.TrimSpace(addr) == "" {
		return errors.New(prefix + ".base_url required when service token is set")
	}
	return nil
}

func validateLoopback(field, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.New(field + " invalid: " + err.Error())
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return errors.New(field + " must bind a loopback address")
	}
	return nil
}

func setString(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}
