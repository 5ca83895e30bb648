// Package config handles configuration loading, validation, and persistence
// for the Royale lobby server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultGamePort   = 9001
	DefaultAPIPort    = 5080
)

// Config is the root configuration structure for Royale.
type Config struct {
	mu   sync.RWMutex
	path string

	Server  ServerConfig  `json:"server"`
	Timers  TimerConfig   `json:"timers"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds the game listener and lobby rules.
type ServerConfig struct {
	Port           int    `json:"port" env:"ROYALE_PORT"`
	Password       string `json:"password" env:"ROYALE_PASSWORD"`
	AdminPassword  string `json:"admin_password" env:"ROYALE_ADMIN_PASSWORD"`
	Motd           string `json:"motd" env:"ROYALE_MOTD"`
	SafeFrames     int    `json:"safe_frames" env:"ROYALE_SAFE_FRAMES"`
	VotingEnabled  bool   `json:"voting_enabled" env:"ROYALE_VOTING_ENABLED"`
	MinPlayers     int    `json:"min_players" env:"ROYALE_MIN_PLAYERS"`
	MaxNominations int    `json:"max_nominations" env:"ROYALE_MAX_NOMINATIONS"`
	ChartsDir      string `json:"charts_dir" env:"ROYALE_CHARTS_DIR"`
	SilenceClip    string `json:"silence_clip" env:"ROYALE_SILENCE_CLIP"`
}

// TimerConfig holds round phase windows and periodic task intervals.
type TimerConfig struct {
	NominateMS         int `json:"nominate_ms" env:"ROYALE_NOMINATE_MS"`
	VoteMS             int `json:"vote_ms" env:"ROYALE_VOTE_MS"`
	PrepareMS          int `json:"prepare_ms" env:"ROYALE_PREPARE_MS"`
	FinishMS           int `json:"finish_ms" env:"ROYALE_FINISH_MS"`
	HeartbeatMS        int `json:"heartbeat_ms" env:"ROYALE_HEARTBEAT_MS"`
	GameEndGraceMS     int `json:"game_end_grace_ms" env:"ROYALE_GAME_END_GRACE_MS"`
	CatalogueRescanSec int `json:"catalogue_rescan_sec" env:"ROYALE_CATALOGUE_RESCAN_SEC"`
	IdleTimeoutSec     int `json:"idle_timeout_sec" env:"ROYALE_IDLE_TIMEOUT_SEC"`
	HealthIntervalSec  int `json:"health_interval_sec" env:"ROYALE_HEALTH_INTERVAL_SEC"`
}

// APIConfig holds the admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled" env:"ROYALE_API_ENABLED"`
	Port           int      `json:"port" env:"ROYALE_API_PORT"`
	AllowedOrigins []string `json:"allowed_origins" env:"ROYALE_API_ALLOWED_ORIGINS" envSeparator:","`
	RateLimitRPS   int      `json:"rate_limit_rps" env:"ROYALE_API_RATE_LIMIT_RPS"`
	IPWhitelist    []string `json:"ip_whitelist" env:"ROYALE_API_IP_WHITELIST" envSeparator:","`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" env:"ROYALE_MQTT_ENABLED"`
	BrokerURL   string `json:"broker_url" env:"ROYALE_MQTT_BROKER_URL"`
	Port        int    `json:"port" env:"ROYALE_MQTT_PORT"`
	UseTLS      bool   `json:"use_tls" env:"ROYALE_MQTT_USE_TLS"`
	ClientID    string `json:"client_id" env:"ROYALE_MQTT_CLIENT_ID"`
	TopicPrefix string `json:"topic_prefix" env:"ROYALE_MQTT_TOPIC_PREFIX"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" env:"ROYALE_LOG_LEVEL"`
	Directory  string `json:"directory" env:"ROYALE_LOG_DIR"`
	MaxBackups int    `json:"max_backups" env:"ROYALE_LOG_MAX_BACKUPS"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           DefaultGamePort,
			Motd:           "Welcome to the Royale lobby!\nType /help for commands.",
			SafeFrames:     10,
			VotingEnabled:  true,
			MinPlayers:     2,
			MaxNominations: 5,
			ChartsDir:      "charts",
			SilenceClip:    "silence.ogg",
		},
		Timers: TimerConfig{
			NominateMS:         30000,
			VoteMS:             20000,
			PrepareMS:          30000,
			FinishMS:           10000,
			HeartbeatMS:        1000,
			GameEndGraceMS:     1000,
			CatalogueRescanSec: 300,
			IdleTimeoutSec:     60,
			HealthIntervalSec:  30,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 50,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "royale",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file and applies ROYALE_* environment
// overrides on top of it.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			if err := cfg.applyEnv(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always lists every option, including new defaults.
	// Environment overrides are applied afterwards and never written back.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sections := []any{&c.Server, &c.Timers, &c.API, &c.MQTT, &c.Logging}
	for _, s := range sections {
		if err := env.Parse(s); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// GetTimers returns a copy of the timer configuration.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (t TimerConfig) Nominate() time.Duration     { return ms(t.NominateMS) }
func (t TimerConfig) Vote() time.Duration         { return ms(t.VoteMS) }
func (t TimerConfig) Prepare() time.Duration      { return ms(t.PrepareMS) }
func (t TimerConfig) Finish() time.Duration       { return ms(t.FinishMS) }
func (t TimerConfig) Heartbeat() time.Duration    { return ms(t.HeartbeatMS) }
func (t TimerConfig) GameEndGrace() time.Duration { return ms(t.GameEndGraceMS) }

// IdleTimeout is how long a connection may stay silent; zero disables reaping.
func (t TimerConfig) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutSec) * time.Second
}

// HealthInterval is the period of the health checks.
func (t TimerConfig) HealthInterval() time.Duration {
	return time.Duration(t.HealthIntervalSec) * time.Second
}

// CatalogueRescan returns the rescan period; zero disables rescanning.
func (t TimerConfig) CatalogueRescan() time.Duration {
	return time.Duration(t.CatalogueRescanSec) * time.Second
}
