package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

func TestLoad_CreatesDefault(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, DefaultConfigFile))
	require.Equal(t, DefaultDSTCPPort, cfg.FieldData.DSTCPPort)
	require.True(t, cfg.IsFirstRun())

	link := cfg.GetFieldData().Link
	require.Equal(t, 20*time.Millisecond, link.SendInterval())
	require.Equal(t, time.Second, link.DegradedTimeout())
	require.Equal(t, 5*time.Second, link.LostTimeout())
	require.Equal(t, 3, link.MissedThreshold)
}

func TestLoad_OverlaysAndResaves(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	partial := `{"field_data": {"event_name": "Bench", "link": {"lost_timeout_ms": 8000}}}`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "Bench", cfg.FieldData.EventName)
	require.Equal(t, 8000, cfg.FieldData.Link.LostTimeoutMs)
	// Fields missing from the file keep their defaults.
	require.Equal(t, 1000, cfg.FieldData.Link.DegradedTimeoutMs)
	require.Equal(t, 135, cfg.FieldData.Match.TeleopSec)
	require.False(t, cfg.IsFirstRun())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw["field_data"], "plc")
	require.Contains(t, raw["application_data"], "database")
}

func TestLoad_BadJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestUpdateFieldValue(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFieldValue("event_name", "Regional"))
	require.NoError(t, cfg.UpdateFieldValue("api_port", 8080))
	require.Equal(t, "Regional", cfg.GetFieldData().EventName)
	require.Equal(t, 8080, cfg.GetFieldData().APIPort)

	require.Error(t, cfg.UpdateFieldValue("no_such_field", 1))
	require.Error(t, cfg.UpdateFieldValue("api_port", "not a number"))
}

func TestGetFieldData_CopiesStaticStations(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.FieldData.StaticStations["R1"] = "10.0.1.5"

	fd := cfg.GetFieldData()
	fd.StaticStations["R2"] = "10.0.1.6"
	require.NotContains(t, cfg.FieldData.StaticStations, "R2")
}

func TestLineupPath(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.path = filepath.Join("etc", "fieldlink", DefaultConfigFile)
	require.Equal(t, filepath.Join("etc", "fieldlink", DefaultLineupFileName), cfg.LineupPath())

	cfg.FieldData.LineupFile = ""
	require.Empty(t, cfg.LineupPath())
}

func TestValidate_Defaults(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.FieldData.EventName = "Bench"
	result := Validate(cfg)
	require.True(t, result.IsValid(), "%v", result.Errors)
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"lost not above degraded", func(c *Config) { c.FieldData.Link.LostTimeoutMs = 1000 }, "field_data.link.lost_timeout_ms"},
		{"degraded not above cadence", func(c *Config) { c.FieldData.Link.DegradedTimeoutMs = 20 }, "field_data.link.degraded_timeout_ms"},
		{"zero threshold", func(c *Config) { c.FieldData.Link.MissedThreshold = 0 }, "field_data.link.missed_packet_threshold"},
		{"bad api port", func(c *Config) { c.FieldData.APIPort = 70000 }, "field_data.api_port"},
		{"port clash", func(c *Config) { c.FieldData.APIPort = DefaultDSTCPPort }, "field_data.ports"},
		{"bad station code", func(c *Config) { c.FieldData.StaticStations["G1"] = "10.0.1.5" }, "field_data.static_stations.G1"},
		{"bad station addr", func(c *Config) { c.FieldData.StaticStations["R1"] = "nope" }, "field_data.static_stations.R1"},
		{"plc without port", func(c *Config) {
			c.FieldData.PLC.Enabled = true
			c.FieldData.PLC.Address = "10.0.100.40"
		}, "field_data.plc.address"},
		{"no teleop", func(c *Config) { c.FieldData.Match.TeleopSec = 0 }, "field_data.match.teleop_sec"},
		{"cleanup time", func(c *Config) { c.ApplicationData.Retention.CleanupTime = "25:00" }, "application_data.retention.cleanup_time"},
		{"mqtt broker", func(c *Config) {
			c.ApplicationData.MQTT.Enabled = true
			c.ApplicationData.MQTT.BrokerURL = ""
		}, "application_data.mqtt.broker_url"},
		{"database", func(c *Config) { c.ApplicationData.Database.Path = " " }, "application_data.database.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			result := Validate(cfg)
			require.False(t, result.IsValid())

			var fields []string
			for _, e := range result.Errors {
				fields = append(fields, e.Field)
			}
			require.Contains(t, fields, tt.field)
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.FieldData.DSReceivePort = 11600
	result := Validate(cfg)
	require.True(t, result.IsValid())

	var fields []string
	for _, w := range result.Warnings {
		fields = append(fields, w.Field)
	}
	require.Contains(t, fields, "field_data.ports")
	require.Contains(t, fields, "field_data.event_name")
}

func TestParseLineup(t *testing.T) {
	t.Parallel()

	data := []byte(`
match:
  level: qualification
  number: 12
stations:
  B3: 254
  R1: 1678
  red2: 971
addresses:
  R1: 10.16.78.5
`)
	l, err := ParseLineup(data)
	require.NoError(t, err)
	require.Equal(t, protocol.LevelQualification, l.Match.TournamentLevel())
	require.Equal(t, uint16(12), l.Match.Number)

	seats, err := l.Seats()
	require.NoError(t, err)
	require.Equal(t, []Seat{
		{Station: protocol.MustStation(protocol.AllianceRed, 1), Team: 1678},
		{Station: protocol.MustStation(protocol.AllianceRed, 2), Team: 971},
		{Station: protocol.MustStation(protocol.AllianceBlue, 3), Team: 254},
	}, seats)
}

func TestParseLineup_Rejects(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"bad station":  "stations:\n  R4: 1678\n",
		"duplicate":    "stations:\n  R1: 1678\n  B1: 1678\n",
		"team zero":    "stations:\n  R1: 0\n",
		"bad level":    "match:\n  level: finals\n",
		"bad address":  "addresses:\n  X1: 10.0.0.1\n",
		"not yaml map": "- 1\n- 2\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLineup([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadLineup_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadLineup(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ErrNoLineup)
}

func TestRunSetup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(dir, DefaultConfigFile)

	answers := strings.Join([]string{
		"Week 0 Bench", // event name
		"",             // lineup file
		"",             // bind address
		"8080",         // api port
		"yes",          // team subnet
		"no",           // plc
		"no",           // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runSetup(cfg, strings.NewReader(answers), &out))
	require.Contains(t, out.String(), "Configuration saved")

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "Week 0 Bench", loaded.FieldData.EventName)
	require.Equal(t, 8080, loaded.FieldData.APIPort)
	require.True(t, loaded.FieldData.CheckTeamSubnet)
	require.Equal(t, DefaultLineupFileName, loaded.FieldData.LineupFile)
}
