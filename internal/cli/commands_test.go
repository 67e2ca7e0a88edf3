package cli

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink-project/fieldlink/internal/config"
	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/field"
	"github.com/fieldlink-project/fieldlink/internal/match"
	"github.com/fieldlink-project/fieldlink/internal/network"
	"github.com/fieldlink-project/fieldlink/internal/plc"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

type nopTransport struct{}

func (nopTransport) Send(protocol.AllianceStation, []byte) error { return nil }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(ctx context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func newTestCLI(t *testing.T, input string) (*CLI, *bytes.Buffer, *field.LinkSupervisor, *recorder) {
	t.Helper()

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	estop := plc.NewStatic(false, nil)
	sup, err := field.NewLinkSupervisor(field.SupervisorConfig{
		Transport: nopTransport{},
		Resolver:  network.NewStationRegistry(),
		Estop:     estop,
		Clock:     clock,
	})
	require.NoError(t, err)

	rec := &recorder{}
	c := NewCLI(cfg, rec, sup, match.NewController(sup, nil, clock, match.Durations{}), estop)
	out := &bytes.Buffer{}
	c.SetIO(strings.NewReader(input), out)
	c.now = clock.Now
	return c, out, sup, rec
}

func TestCLI_Session(t *testing.T) {
	script := strings.Join([]string{
		"help",
		"assign R1 1678",
		"assign blue3 971",
		"status",
		"status B3",
		"load qualification 7",
		"estop field on",
		"start",
		"release B3",
		"bogus",
		"quit",
		"status",
	}, "\n") + "\n"
	c, out, sup, rec := newTestCLI(t, script)

	c.Start(context.Background())
	got := out.String()

	require.Contains(t, got, "Team 1678 assigned to Red 1")
	require.Contains(t, got, "| R1")
	require.Contains(t, got, "UNLINKED")
	require.Contains(t, got, "  Team:          971")
	require.Contains(t, got, "Match: qualification 7 (play 1)")
	require.Contains(t, got, "Field e-stop: YES")
	require.Contains(t, got, "Error: field e-stop is asserted")
	require.Contains(t, got, "Blue 3 released")
	require.Contains(t, got, "Unknown command: 'bogus'")
	require.Contains(t, got, "Shutting down fieldlink...")

	require.Equal(t, []protocol.AllianceStation{protocol.MustStation(protocol.AllianceRed, 1)}, sup.Stations())
	require.Len(t, rec.events, 1)
	require.Equal(t, events.EventShutdown, rec.events[0].Type)
	// Nothing after quit runs.
	require.Equal(t, 1, strings.Count(got, "Field e-stop: no\n"))
}

func TestCLI_ArgumentErrors(t *testing.T) {
	c, out, _, _ := newTestCLI(t, "assign R1\nassign R9 254\nassign R1 zero\nload playoff x\nestop field maybe\nrelease R2\n")
	c.Start(context.Background())
	got := out.String()

	require.Contains(t, got, "Error: usage: assign <station> <team>")
	require.Contains(t, got, "Error: invalid team: zero")
	require.Contains(t, got, "Error: invalid match number: x")
	require.Contains(t, got, "Error: usage: estop field on|off")
	require.Equal(t, 6, strings.Count(got, "Error: "))
}

func TestCLI_SetConfig(t *testing.T) {
	c, out, _, _ := newTestCLI(t, "setconfig event_name Week 0 Scrimmage\nsetconfig ds_tcp_port 5000\nsetconfig check_team_subnet true\n")
	c.Start(context.Background())

	require.Contains(t, out.String(), "Config updated: event_name = Week 0 Scrimmage")
	require.Equal(t, "Week 0 Scrimmage", c.cfg.GetFieldData().EventName)
	// The port clash is rejected and rolled back.
	require.Equal(t, config.DefaultDSTCPPort, c.cfg.GetFieldData().DSTCPPort)
	require.True(t, c.cfg.GetFieldData().CheckTeamSubnet)
}

func TestCLI_StopsOnCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	c, _, _, _ := newTestCLI(t, "")
	c.in = r

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("console did not stop on cancel")
	}
}
