// Package config handles configuration loading, validation, and persistence
// for the fieldlink FMS.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir      = "config"
	DefaultConfigFile     = "config.json"
	DefaultAPIPort        = 5000
	DefaultDSTCPPort      = 1750
	DefaultDSSendPort     = 1121
	DefaultDSReceivePort  = 1160
	DefaultModbusPort     = 502
	DefaultDatabaseFile   = "fieldlink.db"
	DefaultLineupFileName = "lineup.yaml"
)

// Config is the root configuration structure for fieldlink.
type Config struct {
	mu   sync.RWMutex
	path string

	FieldData       FieldData       `json:"field_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// FieldData contains everything that shapes the driver station links.
type FieldData struct {
	EventName string `json:"event_name"`

	// Network
	BindAddress     string `json:"bind_address"`
	DSTCPPort       int    `json:"ds_tcp_port"`
	DSSendPort      int    `json:"ds_udp_send_port"`
	DSReceivePort   int    `json:"ds_udp_receive_port"`
	APIPort         int    `json:"api_port"`
	CheckTeamSubnet bool   `json:"check_team_subnet"`

	// Lineup file applied at startup, relative to the config directory.
	LineupFile string `json:"lineup_file"`
	// StaticStations pins station codes ("R1") to DS addresses for benches
	// without a TCP handshake.
	StaticStations map[string]string `json:"static_stations"`

	Link  LinkConfig  `json:"link"`
	Match MatchConfig `json:"match"`
	PLC   PLCConfig   `json:"plc"`
}

// LinkConfig holds the link supervisor timing.
type LinkConfig struct {
	SendIntervalMs     int `json:"send_interval_ms"`
	DegradedTimeoutMs  int `json:"degraded_timeout_ms"`
	LostTimeoutMs      int `json:"lost_timeout_ms"`
	MissedThreshold    int `json:"missed_packet_threshold"`
	TCPLinkTimeoutMs   int `json:"tcp_link_timeout_ms"`
	HandshakeTimeoutMs int `json:"handshake_timeout_ms"`
	// UnknownSourceWarnSec throttles warnings about datagrams from
	// unassigned addresses.
	UnknownSourceWarnSec int `json:"unknown_source_warn_sec"`
}

// SendInterval returns the control cadence.
func (l LinkConfig) SendInterval() time.Duration {
	return time.Duration(l.SendIntervalMs) * time.Millisecond
}

// DegradedTimeout returns the silence after which a link is Degraded.
func (l LinkConfig) DegradedTimeout() time.Duration {
	return time.Duration(l.DegradedTimeoutMs) * time.Millisecond
}

// LostTimeout returns the silence after which a link is Unlinked.
func (l LinkConfig) LostTimeout() time.Duration {
	return time.Duration(l.LostTimeoutMs) * time.Millisecond
}

func (l LinkConfig) TCPLinkTimeout() time.Duration {
	return time.Duration(l.TCPLinkTimeoutMs) * time.Millisecond
}

func (l LinkConfig) HandshakeTimeout() time.Duration {
	return time.Duration(l.HandshakeTimeoutMs) * time.Millisecond
}

func (l LinkConfig) UnknownSourceWarnInterval() time.Duration {
	return time.Duration(l.UnknownSourceWarnSec) * time.Second
}

// MatchConfig holds the phase lengths.
type MatchConfig struct {
	AutoSec            int `json:"auto_sec"`
	PauseSec           int `json:"pause_sec"`
	TeleopSec          int `json:"teleop_sec"`
	AdvanceIntervalMs  int `json:"advance_interval_ms"`
	DefaultMatchNumber int `json:"default_match_number"`
}

func (m MatchConfig) AutoDuration() time.Duration {
	return time.Duration(m.AutoSec) * time.Second
}

func (m MatchConfig) PauseDuration() time.Duration {
	return time.Duration(m.PauseSec) * time.Second
}

func (m MatchConfig) TeleopDuration() time.Duration {
	return time.Duration(m.TeleopSec) * time.Second
}

func (m MatchConfig) AdvanceInterval() time.Duration {
	return time.Duration(m.AdvanceIntervalMs) * time.Millisecond
}

// PLCConfig holds the field PLC connection. When disabled the field e-stop
// is operator-driven only.
type PLCConfig struct {
	Enabled         bool   `json:"enabled"`
	Address         string `json:"address"`
	UnitID          int    `json:"unit_id"`
	EstopInput      int    `json:"estop_input"`
	PollIntervalMs  int    `json:"poll_interval_ms"`
	TimeoutMs       int    `json:"timeout_ms"`
	MaxBackoffSec   int    `json:"max_backoff_sec"`
	AssertOnStartup bool   `json:"assert_on_startup"`
}

func (p PLCConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

func (p PLCConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

func (p PLCConfig) MaxBackoff() time.Duration {
	return time.Duration(p.MaxBackoffSec) * time.Second
}

// ApplicationData contains the FMS application configuration.
type ApplicationData struct {
	Timers    TimerConfig     `json:"timers"`
	Retention RetentionConfig `json:"retention"`
	Alerts    AlertConfig     `json:"alerts"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Security  SecurityConfig  `json:"security"`
	Logging   LoggingConfig   `json:"logging"`
	Database  DatabaseConfig  `json:"database"`
}

// TimerConfig holds health check and task interval settings.
type TimerConfig struct {
	GeneralHealthInterval int `json:"general_health_interval_sec"`
	DiskCheckInterval     int `json:"disk_check_interval_sec"`
	LinkCheckInterval     int `json:"link_check_interval_sec"`
	StatsPollingInterval  int `json:"stats_polling_interval_sec"`
	HeartbeatInterval     int `json:"heartbeat_interval_sec"`
}

// RetentionConfig controls pruning of the link event log.
type RetentionConfig struct {
	Enabled       bool   `json:"enabled"`
	CleanupTime   string `json:"cleanup_time"`
	RetentionDays int    `json:"retention_days"`
}

// AlertConfig sets the per-station thresholds for link alerts, counted over
// the last hour.
type AlertConfig struct {
	Enabled               bool `json:"enabled"`
	MaxTransitionsPerHour int  `json:"max_transitions_per_hour"`
	MaxMissedPerHour      int  `json:"max_missed_per_hour"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	// APIToken guards the control routes. Empty disables the check.
	APIToken string `json:"api_token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DatabaseConfig holds the event log database location.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FieldData: FieldData{
			BindAddress:     "",
			DSTCPPort:       DefaultDSTCPPort,
			DSSendPort:      DefaultDSSendPort,
			DSReceivePort:   DefaultDSReceivePort,
			APIPort:         DefaultAPIPort,
			CheckTeamSubnet: false,
			LineupFile:      DefaultLineupFileName,
			StaticStations:  map[string]string{},
			Link: LinkConfig{
				SendIntervalMs:       20,
				DegradedTimeoutMs:    1000,
				LostTimeoutMs:        5000,
				MissedThreshold:      3,
				TCPLinkTimeoutMs:     5000,
				HandshakeTimeoutMs:   5000,
				UnknownSourceWarnSec: 30,
			},
			Match: MatchConfig{
				AutoSec:            15,
				PauseSec:           3,
				TeleopSec:          135,
				AdvanceIntervalMs:  100,
				DefaultMatchNumber: 1,
			},
			PLC: PLCConfig{
				Enabled:         false,
				Address:         fmt.Sprintf("10.0.100.40:%d", DefaultModbusPort),
				UnitID:          1,
				EstopInput:      0,
				PollIntervalMs:  100,
				TimeoutMs:       500,
				MaxBackoffSec:   10,
				AssertOnStartup: true,
			},
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				GeneralHealthInterval: 60,
				DiskCheckInterval:     3600,
				LinkCheckInterval:     30,
				StatsPollingInterval:  10,
				HeartbeatInterval:     60,
			},
			Retention: RetentionConfig{
				Enabled:       true,
				CleanupTime:   "04:00",
				RetentionDays: 30,
			},
			Alerts: AlertConfig{
				Enabled:               true,
				MaxTransitionsPerHour: 10,
				MaxMissedPerHour:      500,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "fieldlink",
			},
			Security: SecurityConfig{
				AllowedOrigins: []string{"*"},
				RateLimitRPS:   100,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
			Database: DatabaseConfig{
				Path: DefaultDatabaseFile,
			},
		},
	}
}

// Load reads configuration from a JSON file.
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

	// Re-save so config.json picks up fields added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
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

// GetFieldData returns a copy of the field configuration.
func (c *Config) GetFieldData() FieldData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fd := c.FieldData
	fd.StaticStations = make(map[string]string, len(c.FieldData.StaticStations))
	for k, v := range c.FieldData.StaticStations {
		fd.StaticStations[k] = v
	}
	return fd
}

// SetFieldData updates the field configuration.
func (c *Config) SetFieldData(data FieldData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FieldData = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateFieldValue updates a single top-level key of the field data by its
// JSON name.
func (c *Config) UpdateFieldValue(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateJSONField(&c.FieldData, key, value)
}

// UpdateAppField updates a single top-level key of the application data.
func (c *Config) UpdateAppField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateJSONField(&c.ApplicationData, key, value)
}

func updateJSONField(target interface{}, key string, value interface{}) error {
	data, err := json.Marshal(target)
	if err != nil {
		return err
	}
	m := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown field %s", key)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	m[key] = raw

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// Dir returns the directory holding the config file.
func (c *Config) Dir() string {
	return filepath.Dir(c.path)
}

// LineupPath resolves the lineup file against the config directory. Empty
// means no lineup.
func (c *Config) LineupPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.FieldData.LineupFile
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.FieldData.EventName == ""
}
