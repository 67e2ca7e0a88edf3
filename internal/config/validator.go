package config

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"

	"github.com/fieldlink-project/fieldlink/internal/protocol"
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

var cleanupTimePattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateFieldData(&cfg.FieldData, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateFieldData(data *FieldData, result *ValidationResult) {
	if strings.TrimSpace(data.EventName) == "" {
		result.AddWarning("field_data.event_name", "event name is empty")
	}

	if data.BindAddress != "" {
		if _, err := netip.ParseAddr(data.BindAddress); err != nil {
			result.AddError("field_data.bind_address",
				fmt.Sprintf("invalid bind address: %s", data.BindAddress))
		}
	}

	validatePort(data.DSTCPPort, "field_data.ds_tcp_port", result)
	validatePort(data.DSSendPort, "field_data.ds_udp_send_port", result)
	validatePort(data.DSReceivePort, "field_data.ds_udp_receive_port", result)
	validatePort(data.APIPort, "field_data.api_port", result)

	// The DS send port is a remote port, so only the local ones must differ.
	if data.DSTCPPort == data.APIPort {
		result.AddError("field_data.ports", "port conflict detected: DS TCP port and API port must differ")
	}

	if data.DSTCPPort != DefaultDSTCPPort || data.DSSendPort != DefaultDSSendPort || data.DSReceivePort != DefaultDSReceivePort {
		result.AddWarning("field_data.ports", "non-standard DS ports, stock driver stations will not connect")
	}

	for code, addr := range data.StaticStations {
		field := "field_data.static_stations." + code
		if _, err := protocol.ParseAllianceStation(code); err != nil {
			result.AddError(field, err.Error())
		}
		if _, err := netip.ParseAddr(addr); err != nil {
			result.AddError(field, fmt.Sprintf("invalid address: %s", addr))
		}
	}

	validateLink(&data.Link, result)
	validateMatch(&data.Match, result)
	validatePLC(&data.PLC, result)
}

func validateLink(link *LinkConfig, result *ValidationResult) {
	if link.SendIntervalMs < 1 {
		result.AddError("field_data.link.send_interval_ms", "send interval must be at least 1 ms")
	} else if link.SendIntervalMs > 100 {
		result.AddWarning("field_data.link.send_interval_ms",
			fmt.Sprintf("send interval of %d ms is slower than driver stations expect", link.SendIntervalMs))
	}

	if link.DegradedTimeoutMs <= link.SendIntervalMs {
		result.AddError("field_data.link.degraded_timeout_ms", "degraded timeout must exceed the send interval")
	}
	if link.LostTimeoutMs <= link.DegradedTimeoutMs {
		result.AddError("field_data.link.lost_timeout_ms", "lost timeout must exceed the degraded timeout")
	}
	if link.MissedThreshold < 1 {
		result.AddError("field_data.link.missed_packet_threshold", "missed packet threshold must be at least 1")
	}
	if link.TCPLinkTimeoutMs < 1 {
		result.AddError("field_data.link.tcp_link_timeout_ms", "TCP link timeout must be positive")
	}
	if link.HandshakeTimeoutMs < 1 {
		result.AddError("field_data.link.handshake_timeout_ms", "handshake timeout must be positive")
	}
}

func validateMatch(m *MatchConfig, result *ValidationResult) {
	if m.AutoSec < 1 {
		result.AddError("field_data.match.auto_sec", "auto must last at least 1 second")
	}
	if m.PauseSec < 0 {
		result.AddError("field_data.match.pause_sec", "pause cannot be negative")
	}
	if m.TeleopSec < 1 {
		result.AddError("field_data.match.teleop_sec", "teleop must last at least 1 second")
	}
	if m.AutoSec+m.PauseSec+m.TeleopSec > 0xFFFF {
		result.AddError("field_data.match", "match is longer than the remaining-time field can carry")
	}
	if m.AdvanceIntervalMs < 1 {
		result.AddError("field_data.match.advance_interval_ms", "advance interval must be positive")
	} else if m.AdvanceIntervalMs > 1000 {
		result.AddWarning("field_data.match.advance_interval_ms", "advance interval over 1 s makes phase changes late")
	}
}

func validatePLC(p *PLCConfig, result *ValidationResult) {
	if !p.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(p.Address); err != nil {
		result.AddError("field_data.plc.address", fmt.Sprintf("address must be host:port: %v", err))
	}
	if p.UnitID < 0 || p.UnitID > 247 {
		result.AddError("field_data.plc.unit_id", "unit id must be 0-247")
	}
	if p.EstopInput < 0 || p.EstopInput > 0xFFFF {
		result.AddError("field_data.plc.estop_input", "e-stop input must be 0-65535")
	}
	if p.PollIntervalMs < 1 {
		result.AddError("field_data.plc.poll_interval_ms", "poll interval must be positive")
	}
	if p.TimeoutMs < 1 {
		result.AddError("field_data.plc.timeout_ms", "timeout must be positive")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if data.Retention.Enabled {
		if data.Retention.RetentionDays < 1 {
			result.AddError("application_data.retention.retention_days",
				"retention days must be at least 1")
		}
		if !cleanupTimePattern.MatchString(data.Retention.CleanupTime) {
			result.AddError("application_data.retention.cleanup_time",
				fmt.Sprintf("cleanup time must be HH:MM, got %q", data.Retention.CleanupTime))
		}
	}

	if data.Alerts.Enabled {
		if data.Alerts.MaxTransitionsPerHour < 1 {
			result.AddError("application_data.alerts.max_transitions_per_hour", "must be at least 1")
		}
		if data.Alerts.MaxMissedPerHour < 1 {
			result.AddError("application_data.alerts.max_missed_per_hour", "must be at least 1")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if data.Security.APIToken == "" {
		result.AddWarning("application_data.security.api_token",
			"no API token set, anyone on the field network can control robots")
	}

	if strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application_data.database.path", "database path is required")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.LinkCheckInterval < 1 {
		result.AddError("timers.link_check_interval", "link check interval must be at least 1s")
	}
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 10s may cause excessive traffic")
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

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
