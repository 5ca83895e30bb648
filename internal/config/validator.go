package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateTimers(&cfg.Timers, result)
	validateAPI(&cfg.API, cfg.Server.Port, result)
	validateMQTT(&cfg.MQTT, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	validatePort(s.Port, "server.port", result)

	if s.MinPlayers < 1 || s.MinPlayers > 256 {
		result.AddError("server.min_players", fmt.Sprintf("must be between 1 and 256, got %d", s.MinPlayers))
	}
	if s.MaxNominations < 1 || s.MaxNominations > 255 {
		result.AddError("server.max_nominations", fmt.Sprintf("must be between 1 and 255, got %d", s.MaxNominations))
	}
	if s.SafeFrames < 0 || s.SafeFrames > 255 {
		result.AddError("server.safe_frames", "must fit in one byte")
	}

	if s.AdminPassword == "" {
		result.AddWarning("server.admin_password", "no admin password set, admin commands are unreachable")
	} else if s.AdminPassword == s.Password {
		result.AddWarning("server.admin_password", "admin password equals the regular password, every player is admin")
	}

	if strings.TrimSpace(s.ChartsDir) == "" {
		result.AddError("server.charts_dir", "charts directory is required")
	} else if _, err := os.Stat(s.ChartsDir); os.IsNotExist(err) {
		result.AddWarning("server.charts_dir", fmt.Sprintf("directory does not exist: %s", s.ChartsDir))
	}

	if s.SilenceClip != "" {
		if _, err := os.Stat(s.SilenceClip); os.IsNotExist(err) {
			result.AddWarning("server.silence_clip",
				fmt.Sprintf("silence clip %s not found, songs without vocals will be denied", s.SilenceClip))
		}
	}
}

func validateTimers(t *TimerConfig, result *ValidationResult) {
	phases := map[string]int{
		"timers.nominate_ms":       t.NominateMS,
		"timers.vote_ms":           t.VoteMS,
		"timers.prepare_ms":        t.PrepareMS,
		"timers.finish_ms":         t.FinishMS,
		"timers.heartbeat_ms":      t.HeartbeatMS,
		"timers.game_end_grace_ms": t.GameEndGraceMS,
	}
	for field, v := range phases {
		if v <= 0 {
			result.AddError(field, fmt.Sprintf("must be positive, got %d", v))
		}
	}

	if t.HeartbeatMS > 0 && t.HeartbeatMS < 100 {
		result.AddWarning("timers.heartbeat_ms", "heartbeat below 100ms may cause excessive traffic")
	}
	if t.CatalogueRescanSec < 0 {
		result.AddError("timers.catalogue_rescan_sec", "must not be negative")
	}
	if t.IdleTimeoutSec < 0 {
		result.AddError("timers.idle_timeout_sec", "must not be negative")
	}
	if t.IdleTimeoutSec > 0 && t.IdleTimeoutSec*1000 <= t.HeartbeatMS {
		result.AddWarning("timers.idle_timeout_sec", "idle timeout shorter than the heartbeat drops healthy clients")
	}
}

func validateAPI(a *APIConfig, gamePort int, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.Port == gamePort {
		result.AddError("api.port", "port conflict detected: api and game ports must differ")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
