package field

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

func newSession() *StationSession {
	return NewStationSession(red1, 254, DefaultTiming(), t0)
}

func decodeSent(t *testing.T, pkt []byte) protocol.ControlPacket {
	t.Helper()
	cp, err := protocol.DecodeControl(pkt)
	require.NoError(t, err)
	return cp
}

func TestSession_OutboundSequenceWraps(t *testing.T) {
	s := newSession()
	s.nextSeq = 65534

	var seqs []uint16
	now := t0
	for i := 0; i < 3; i++ {
		pkt, due, err := s.NextControlPacket(staticMatch{}.MatchContext(now), false, now)
		require.NoError(t, err)
		require.True(t, due)
		seqs = append(seqs, decodeSent(t, pkt).Sequence)
		now = now.Add(DefaultSendInterval)
	}
	require.Equal(t, []uint16{65534, 65535, 0}, seqs)
}

func TestSession_SendCadence(t *testing.T) {
	s := newSession()
	match := staticMatch{}.MatchContext(t0)

	_, due, _ := s.NextControlPacket(match, false, t0)
	require.True(t, due)
	_, due, _ = s.NextControlPacket(match, false, t0.Add(10*time.Millisecond))
	require.False(t, due)
	_, due, _ = s.NextControlPacket(match, false, t0.Add(20*time.Millisecond))
	require.True(t, due)
	require.Equal(t, uint16(2), s.Snapshot().NextSequence)
}

func TestSession_InboundSequenceWrapIsNewer(t *testing.T) {
	s := newSession()
	require.Equal(t, StatusAccepted, s.ApplyStatus(status(65535), t0).Result)

	out := s.ApplyStatus(status(0), t0.Add(20*time.Millisecond))
	require.Equal(t, StatusAccepted, out.Result)
	require.Zero(t, out.Missed)
	require.Equal(t, events.LinkLinked, s.LinkStatus())
}

func TestSession_Lifecycle(t *testing.T) {
	s := newSession()
	require.Equal(t, events.LinkUnlinked, s.LinkStatus())

	out := s.ApplyStatus(status(1), t0)
	require.True(t, out.Changed)
	require.Equal(t, Transition{From: events.LinkUnlinked, To: events.LinkLinked, Reason: "status received"}, out.Transition)

	// Exactly at the degraded timeout nothing changes.
	_, changed := s.Evaluate(t0.Add(DefaultDegradedTimeout))
	require.False(t, changed)

	tr, changed := s.Evaluate(t0.Add(DefaultDegradedTimeout + time.Millisecond))
	require.True(t, changed)
	require.Equal(t, events.LinkDegraded, tr.To)

	// Degraded does not re-fire.
	_, changed = s.Evaluate(t0.Add(2 * time.Second))
	require.False(t, changed)

	tr, changed = s.Evaluate(t0.Add(DefaultLostTimeout + time.Millisecond))
	require.True(t, changed)
	require.Equal(t, Transition{From: events.LinkDegraded, To: events.LinkUnlinked, Reason: "loss timeout"}, tr)

	out = s.ApplyStatus(status(2), t0.Add(6*time.Second))
	require.True(t, out.Changed)
	require.Equal(t, events.LinkLinked, out.Transition.To)
}

func TestSession_DegradedRecoversOnFreshStatus(t *testing.T) {
	s := newSession()
	s.ApplyStatus(status(1), t0)
	s.Evaluate(t0.Add(1500 * time.Millisecond))
	require.Equal(t, events.LinkDegraded, s.LinkStatus())

	out := s.ApplyStatus(status(2), t0.Add(1600*time.Millisecond))
	require.True(t, out.Changed)
	require.Equal(t, events.LinkLinked, s.LinkStatus())

	// Timeouts re-armed from the accepted status.
	_, changed := s.Evaluate(t0.Add(2500 * time.Millisecond))
	require.False(t, changed)
}

func TestSession_StaleStatusDropped(t *testing.T) {
	s := newSession()
	s.ApplyStatus(status(7), t0)
	// 8 and 9 lost.
	require.Equal(t, 2, s.ApplyStatus(status(10), t0.Add(60*time.Millisecond)).Missed)
	before := s.Snapshot()
	require.Equal(t, uint64(2), before.MissedPackets)

	later := t0.Add(500 * time.Millisecond)
	for _, seq := range []uint16{10, 9, 10 + 40000} {
		out := s.ApplyStatus(status(seq), later)
		require.Equal(t, StatusStale, out.Result, "seq %d", seq)
		require.Equal(t, uint16(10), out.Previous)
	}

	after := s.Snapshot()
	require.Equal(t, before.LastReceivedAt, after.LastReceivedAt)
	require.Equal(t, uint16(10), after.LastStatus.Sequence)
	require.Equal(t, uint64(3), after.PacketsStale)
	require.Equal(t, uint64(2), after.PacketsAccepted)
	require.Equal(t, before.MissedPackets, after.MissedPackets)
	require.Equal(t, before.LinkStatus, after.LinkStatus)
}

func TestSession_SequenceGaps(t *testing.T) {
	s := newSession()
	s.ApplyStatus(status(10), t0)

	out := s.ApplyStatus(status(12), t0.Add(40*time.Millisecond))
	require.Equal(t, 1, out.Missed)
	require.False(t, out.Changed)
	require.Equal(t, events.LinkLinked, s.LinkStatus())

	out = s.ApplyStatus(status(16), t0.Add(120*time.Millisecond))
	require.Equal(t, 3, out.Missed)
	require.True(t, out.Changed)
	require.Equal(t, Transition{From: events.LinkLinked, To: events.LinkDegraded, Reason: "sequence gap"}, out.Transition)

	out = s.ApplyStatus(status(17), t0.Add(140*time.Millisecond))
	require.Zero(t, out.Missed)
	require.Equal(t, events.LinkLinked, out.Transition.To)

	require.Equal(t, uint64(4), s.Snapshot().MissedPackets)
}

func TestSession_AfterLossAcceptsRestartedCounter(t *testing.T) {
	s := newSession()
	s.ApplyStatus(status(30000), t0)
	s.Evaluate(t0.Add(6 * time.Second))
	require.Equal(t, events.LinkUnlinked, s.LinkStatus())

	later := t0.Add(7 * time.Second)
	require.Equal(t, StatusStale, s.ApplyStatus(status(30000), later).Result)

	out := s.ApplyStatus(status(3), later)
	require.Equal(t, StatusAccepted, out.Result)
	require.Zero(t, out.Missed)
	require.Equal(t, events.LinkLinked, s.LinkStatus())
}

func TestSession_EnabledSuppression(t *testing.T) {
	s := newSession()
	s.SetControl(protocol.ControlState{Enabled: true, Mode: protocol.ModeAuto})

	send := func(now time.Time, fieldEstop bool) protocol.ControlState {
		pkt, due, err := s.NextControlPacket(staticMatch{}.MatchContext(now), fieldEstop, now)
		require.NoError(t, err)
		require.True(t, due)
		return decodeSent(t, pkt).Control
	}

	// Unlinked: never enabled.
	require.Equal(t, protocol.ControlState{Mode: protocol.ModeAuto}, send(t0, false))

	s.ApplyStatus(status(1), t0)
	require.Equal(t, protocol.ControlState{Enabled: true, Mode: protocol.ModeAuto}, send(t0.Add(20*time.Millisecond), false))

	// Field e-stop is OR'd in.
	require.Equal(t, protocol.ControlState{Estop: true, Mode: protocol.ModeAuto}, send(t0.Add(40*time.Millisecond), true))

	// Degraded: never enabled.
	s.Evaluate(t0.Add(1100 * time.Millisecond))
	require.Equal(t, events.LinkDegraded, s.LinkStatus())
	require.False(t, send(t0.Add(1100*time.Millisecond), false).Enabled)

	// Station e-stop wins over enabled.
	s.ApplyStatus(status(2), t0.Add(1200*time.Millisecond))
	s.SetControl(protocol.ControlState{Estop: true, Enabled: true})
	require.Equal(t, protocol.ControlState{Estop: true}, send(t0.Add(1200*time.Millisecond), false))

	require.Equal(t, protocol.ControlState{Estop: true, Enabled: true}, s.Control())
}

func TestSession_DisconnectAndClose(t *testing.T) {
	s := newSession()
	s.ApplyStatus(status(1), t0)

	tr, changed := s.Disconnect(t0.Add(time.Second))
	require.True(t, changed)
	require.Equal(t, "disconnected", tr.Reason)
	require.Equal(t, events.LinkUnlinked, s.LinkStatus())

	s.ApplyStatus(status(2), t0.Add(2*time.Second))
	tr, changed = s.Close(t0.Add(3 * time.Second))
	require.True(t, changed)
	require.Equal(t, events.LinkUnlinked, tr.To)
	require.True(t, s.Closed())

	require.Equal(t, StatusClosed, s.ApplyStatus(status(3), t0.Add(4*time.Second)).Result)
	_, due, err := s.NextControlPacket(staticMatch{}.MatchContext(t0), false, t0.Add(4*time.Second))
	require.NoError(t, err)
	require.False(t, due)

	_, changed = s.Close(t0.Add(5 * time.Second))
	require.False(t, changed)
}

func TestNewerSequence(t *testing.T) {
	tests := []struct {
		last, next uint16
		newer      bool
	}{
		{1, 2, true},
		{65535, 0, true},
		{65000, 100, true},
		{2, 1, false},
		{5, 5, false},
		{0, 32767, true},
		{0, 32768, false},
	}
	for _, tc := range tests {
		got, _ := newerSequence(tc.last, tc.next)
		require.Equal(t, tc.newer, got, "%d -> %d", tc.last, tc.next)
	}
}
