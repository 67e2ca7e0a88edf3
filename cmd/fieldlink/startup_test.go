package main

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldlink-project/fieldlink/internal/config"
	"github.com/fieldlink-project/fieldlink/internal/db"
	"github.com/fieldlink-project/fieldlink/internal/field"
	"github.com/fieldlink-project/fieldlink/internal/match"
	"github.com/fieldlink-project/fieldlink/internal/network"
	"github.com/fieldlink-project/fieldlink/internal/plc"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

type nopTransport struct{}

func (nopTransport) Send(protocol.AllianceStation, []byte) error { return nil }

func TestResolvePath(t *testing.T) {
	require.Equal(t, filepath.Join("cfg", "fieldlink.db"), resolvePath("cfg", "fieldlink.db"))
	require.Equal(t, "/var/lib/fieldlink.db", resolvePath("cfg", "/var/lib/fieldlink.db"))
	require.Equal(t, db.MemoryPath, resolvePath("cfg", db.MemoryPath))
}

func TestApplyStaticStations(t *testing.T) {
	r := network.NewStationRegistry()
	applyStaticStations(r, map[string]string{
		"R2": "10.2.54.5",
		"X9": "10.0.0.1",
		"B1": "not-an-ip",
	})

	addr, ok := r.Addr(protocol.MustStation(protocol.AllianceRed, 2))
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("10.2.54.5"), addr)
	_, ok = r.Addr(protocol.MustStation(protocol.AllianceBlue, 1))
	require.False(t, ok)
}

func TestApplyLineup(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	sup, err := field.NewLinkSupervisor(field.SupervisorConfig{
		Transport: nopTransport{},
		Resolver:  network.NewStationRegistry(),
		Estop:     plc.NewStatic(false, nil),
	})
	require.NoError(t, err)
	ctrl := match.NewController(sup, nil, nil, match.Durations{})
	registry := network.NewStationRegistry()

	// No lineup configured.
	require.NoError(t, applyLineup(cfg, sup, ctrl, registry))

	fd := cfg.GetFieldData()
	fd.LineupFile = "lineup.yaml"
	cfg.SetFieldData(fd)

	// Configured but absent.
	require.NoError(t, applyLineup(cfg, sup, ctrl, registry))

	lineup := `
match:
  level: qualification
  number: 23
stations:
  R1: 1678
  B3: 254
addresses:
  B3: 10.2.54.6
`
	require.NoError(t, os.WriteFile(cfg.LineupPath(), []byte(lineup), 0644))
	require.NoError(t, applyLineup(cfg, sup, ctrl, registry))

	require.Len(t, sup.Stations(), 2)
	st, ok := sup.StationForTeam(254)
	require.True(t, ok)
	require.Equal(t, protocol.MustStation(protocol.AllianceBlue, 3), st)

	state := ctrl.State()
	require.Equal(t, protocol.LevelQualification, state.Level)
	require.EqualValues(t, 23, state.MatchNumber)
	require.EqualValues(t, 1, state.PlayNumber)

	_, ok = registry.Addr(st)
	require.True(t, ok)
}

func TestStartWithRetry(t *testing.T) {
	calls := 0
	err := startWithRetry(context.Background(), "test", func(context.Context) error {
		calls++
		return errors.New("address in use")
	}, 0)
	require.Error(t, err)
	require.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = startWithRetry(ctx, "test", func(context.Context) error {
		return errors.New("listener closed")
	}, 3)
	require.NoError(t, err)
}
