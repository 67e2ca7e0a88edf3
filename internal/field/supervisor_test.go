package field

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

func TestNewLinkSupervisor_RequiresCollaborators(t *testing.T) {
	_, err := NewLinkSupervisor(SupervisorConfig{Resolver: fakeResolver{}})
	require.Error(t, err)
	_, err = NewLinkSupervisor(SupervisorConfig{Transport: newFakeTransport()})
	require.Error(t, err)

	sup, err := NewLinkSupervisor(SupervisorConfig{Transport: newFakeTransport(), Resolver: fakeResolver{}})
	require.NoError(t, err)
	require.Equal(t, DefaultTiming(), sup.Timing())
}

func TestSupervisor_AssignAndRelease(t *testing.T) {
	h := newHarness(t)

	require.ErrorIs(t, h.sup.Assign(protocol.AllianceStation{Alliance: protocol.AllianceRed, Slot: 5}, 1), protocol.ErrInvalidStation)
	require.NoError(t, h.sup.Assign(blue2, 971))
	require.NoError(t, h.sup.Assign(red1, 254))

	require.Equal(t, []protocol.AllianceStation{red1, blue2}, h.sup.Stations())
	st, ok := h.sup.StationForTeam(971)
	require.True(t, ok)
	require.Equal(t, blue2, st)

	require.NoError(t, h.sup.Release(blue2))
	require.ErrorIs(t, h.sup.Release(blue2), ErrUnknownStation)
	require.ErrorIs(t, h.sup.SetControl(blue2, protocol.ControlState{}), ErrUnknownStation)
	require.ErrorIs(t, h.sup.Disconnect(blue2), ErrUnknownStation)

	require.Len(t, h.rec.ofType(events.EventStationAssigned), 2)
	require.Len(t, h.rec.ofType(events.EventStationReleased), 1)
}

func TestSupervisor_ReassignReplacesSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Assign(red1, 254))
	h.sup.OnDatagram(red1Addr, statusBytes(1, 254), t0)
	require.Equal(t, map[protocol.AllianceStation]events.LinkStatus{red1: events.LinkLinked}, h.sup.AllLinkStatuses())

	require.NoError(t, h.sup.Assign(red1, 1678))
	snap, ok := h.sup.Snapshot(red1)
	require.True(t, ok)
	require.Equal(t, uint16(1678), snap.Team)
	require.Equal(t, events.LinkUnlinked, snap.LinkStatus)
	require.Equal(t, []events.LinkStatus{events.LinkLinked, events.LinkUnlinked}, h.rec.transitions(red1))
}

func TestSupervisor_TickSendsToEveryStation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Assign(red1, 254))
	require.NoError(t, h.sup.Assign(blue2, 971))

	for i := 0; i < 5; i++ {
		now := t0.Add(time.Duration(i) * DefaultSendInterval)
		h.sup.Tick(now, staticMatch{}.MatchContext(now))
	}

	for _, st := range []protocol.AllianceStation{red1, blue2} {
		sent := h.transport.sentTo(st)
		require.Len(t, sent, 5)
		for i, p := range sent {
			require.Equal(t, uint16(i), p.Sequence)
			require.Equal(t, st, p.Station)
			require.Equal(t, uint16(7), p.MatchNumber)
		}
	}
}

func TestSupervisor_TransportFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Assign(red1, 254))
	require.NoError(t, h.sup.Assign(blue2, 971))
	h.transport.failFor(red1, errLinkDown)

	for i := 0; i < 3; i++ {
		now := t0.Add(time.Duration(i) * DefaultSendInterval)
		h.sup.Tick(now, staticMatch{}.MatchContext(now))
	}

	require.Empty(t, h.transport.sentTo(red1))
	require.Len(t, h.transport.sentTo(blue2), 3)

	errs := h.rec.ofType(events.EventTransportError)
	require.Len(t, errs, 3)
	for i, e := range errs {
		p := e.Payload.(events.TransportErrorPayload)
		require.Equal(t, red1, p.Station)
		require.Equal(t, uint16(i), p.Sequence)
		require.True(t, errors.Is(p.Err, errLinkDown))
	}

	// The sequence kept advancing through the failures.
	h.transport.failFor(red1, nil)
	now := t0.Add(3 * DefaultSendInterval)
	h.sup.Tick(now, staticMatch{}.MatchContext(now))
	sent := h.transport.sentTo(red1)
	require.Len(t, sent, 1)
	require.Equal(t, uint16(3), sent[0].Sequence)
}

func TestSupervisor_OnDatagramDrivesLinkStatus(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Assign(red1, 254))
	require.NoError(t, h.sup.SetControl(red1, protocol.ControlState{Enabled: true, Mode: protocol.ModeTeleop}))

	h.sup.Tick(t0, staticMatch{}.MatchContext(t0))
	h.sup.OnDatagram(red1Addr, statusBytes(1, 254), t0.Add(5*time.Millisecond))
	now := t0.Add(DefaultSendInterval)
	h.sup.Tick(now, staticMatch{}.MatchContext(now))

	sent := h.transport.sentTo(red1)
	require.Len(t, sent, 2)
	require.False(t, sent[0].Control.Enabled)
	require.True(t, sent[1].Control.Enabled)

	// Silence: degraded, then lost.
	now = t0.Add(1100 * time.Millisecond)
	h.sup.Tick(now, staticMatch{}.MatchContext(now))
	now = t0.Add(5100 * time.Millisecond)
	h.sup.Tick(now, staticMatch{}.MatchContext(now))
	h.sup.OnDatagram(red1Addr, statusBytes(2, 254), now)

	require.Equal(t, []events.LinkStatus{
		events.LinkLinked, events.LinkDegraded, events.LinkUnlinked, events.LinkLinked,
	}, h.rec.transitions(red1))
	for _, e := range h.rec.ofType(events.EventLinkStatusChanged) {
		require.Equal(t, uint16(254), e.Payload.(events.LinkStatusPayload).Team)
	}
}

func TestSupervisor_UnknownSource(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Assign(red1, 254))

	h.sup.OnDatagram(strayAddr, statusBytes(1, 254), t0)
	// Known address but no session assigned.
	h.sup.OnDatagram(blue2Addr, statusBytes(1, 971), t0)

	unknown := h.rec.ofType(events.EventUnknownSource)
	require.Len(t, unknown, 2)
	require.Equal(t, strayAddr.String(), unknown[0].Payload.(events.UnknownSourcePayload).Source)
	require.Equal(t, []protocol.AllianceStation{red1}, h.sup.Stations())
	require.Empty(t, h.rec.ofType(events.EventLinkStatusChanged))
}

func TestSupervisor_DecodeErrorLeavesLivenessUntouched(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Assign(red1, 254))
	h.sup.OnDatagram(red1Addr, statusBytes(1, 254), t0)
	before, _ := h.sup.Snapshot(red1)

	later := t0.Add(900 * time.Millisecond)
	h.sup.OnDatagram(red1Addr, []byte{0x00, 0x02, 0x00}, later)
	bad := statusBytes(2, 254)
	bad[2] = 3
	h.sup.OnDatagram(red1Addr, bad, later)
	h.sup.OnDatagram(red1Addr, statusBytes(2, 1114), later)

	decodeErrs := h.rec.ofType(events.EventDecodeError)
	require.Len(t, decodeErrs, 3)
	require.ErrorIs(t, decodeErrs[0].Payload.(events.DecodeErrorPayload).Err, protocol.ErrTooShort)
	require.ErrorIs(t, decodeErrs[1].Payload.(events.DecodeErrorPayload).Err, protocol.ErrUnsupportedVersion)
	require.ErrorIs(t, decodeErrs[2].Payload.(events.DecodeErrorPayload).Err, ErrTeamMismatch)

	after, _ := h.sup.Snapshot(red1)
	require.Equal(t, before.LastReceivedAt, after.LastReceivedAt)
	require.Equal(t, before.PacketsAccepted, after.PacketsAccepted)

	// The bad datagrams did not keep the link alive.
	now := t0.Add(1100 * time.Millisecond)
	h.sup.Tick(now, staticMatch{}.MatchContext(now))
	status, ok := h.sup.LinkStatus(red1)
	require.True(t, ok)
	require.Equal(t, events.LinkDegraded, status)
}

func TestSupervisor_StaleAndGapEvents(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Assign(red1, 254))

	h.sup.OnDatagram(red1Addr, statusBytes(100, 254), t0)
	h.sup.OnDatagram(red1Addr, statusBytes(99, 254), t0)
	h.sup.OnDatagram(red1Addr, statusBytes(105, 254), t0)

	stale := h.rec.ofType(events.EventStaleStatus)
	require.Len(t, stale, 1)
	require.Equal(t, events.StaleStatusPayload{Station: red1, Last: 100, Received: 99}, stale[0].Payload)

	gaps := h.rec.ofType(events.EventSequenceGap)
	require.Len(t, gaps, 1)
	require.Equal(t, events.SequenceGapPayload{Station: red1, Previous: 100, Received: 105, Missed: 4}, gaps[0].Payload)

	require.Equal(t, []events.LinkStatus{events.LinkLinked, events.LinkDegraded}, h.rec.transitions(red1))
}

func TestSupervisor_ReleaseStopsSendsBeforeNextTick(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Assign(red1, 254))
	require.NoError(t, h.sup.Assign(red2, 118))

	h.sup.Tick(t0, staticMatch{}.MatchContext(t0))
	require.NoError(t, h.sup.Release(red2))

	now := t0.Add(DefaultSendInterval)
	h.sup.Tick(now, staticMatch{}.MatchContext(now))

	require.Len(t, h.transport.sentTo(red1), 2)
	require.Len(t, h.transport.sentTo(red2), 1)

	// Datagrams for the released station are no longer routed.
	h.sup.OnDatagram(red2Addr, statusBytes(1, 118), now)
	require.Len(t, h.rec.ofType(events.EventUnknownSource), 1)
}

func TestSupervisor_FieldEstopAppliesToEveryStation(t *testing.T) {
	h := newHarness(t)
	for _, st := range []protocol.AllianceStation{red1, blue2} {
		require.NoError(t, h.sup.Assign(st, 254))
		require.NoError(t, h.sup.SetControl(st, protocol.ControlState{Enabled: true, Mode: protocol.ModeAuto}))
	}
	h.sup.OnDatagram(red1Addr, statusBytes(1, 254), t0)
	h.sup.OnDatagram(blue2Addr, statusBytes(1, 254), t0)

	h.estop.on.Store(true)
	require.True(t, h.sup.FieldEstop())
	h.sup.Tick(t0, staticMatch{}.MatchContext(t0))

	for _, st := range []protocol.AllianceStation{red1, blue2} {
		sent := h.transport.sentTo(st)
		require.Len(t, sent, 1)
		require.Equal(t, protocol.ControlState{Estop: true, Mode: protocol.ModeAuto}, sent[0].Control)
	}
}

func TestSupervisor_DisconnectUnlinks(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Assign(blue2, 971))
	h.sup.OnDatagram(blue2Addr, statusBytes(1, 971), t0)

	require.NoError(t, h.sup.Disconnect(blue2))
	require.Equal(t, []events.LinkStatus{events.LinkLinked, events.LinkUnlinked}, h.rec.transitions(blue2))
}

func TestSupervisor_RunTicksOnClock(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Assign(red1, 254))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx, staticMatch{}) }()

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer blockCancel()
	require.NoError(t, h.clock.BlockUntilContext(blockCtx, 1))

	h.clock.Advance(DefaultSendInterval)
	require.Eventually(t, func() bool { return h.transport.count() >= 1 }, 2*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
