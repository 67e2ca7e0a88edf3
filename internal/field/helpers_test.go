package field

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

var (
	red1  = protocol.MustStation(protocol.AllianceRed, 1)
	red2  = protocol.MustStation(protocol.AllianceRed, 2)
	blue2 = protocol.MustStation(protocol.AllianceBlue, 2)

	t0 = time.Date(2026, time.April, 2, 10, 0, 0, 0, time.UTC)
)

type sentPacket struct {
	station protocol.AllianceStation
	packet  protocol.ControlPacket
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentPacket
	fail map[protocol.AllianceStation]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: make(map[protocol.AllianceStation]error)}
}

func (f *fakeTransport) Send(station protocol.AllianceStation, packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[station]; err != nil {
		return err
	}
	pkt, err := protocol.DecodeControl(packet)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sentPacket{station: station, packet: pkt})
	return nil
}

func (f *fakeTransport) failFor(station protocol.AllianceStation, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[station] = err
}

func (f *fakeTransport) sentTo(station protocol.AllianceStation) []protocol.ControlPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.ControlPacket
	for _, s := range f.sent {
		if s.station == station {
			out = append(out, s.packet)
		}
	}
	return out
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeResolver map[netip.Addr]protocol.AllianceStation

func (r fakeResolver) StationFor(source netip.AddrPort) (protocol.AllianceStation, bool) {
	st, ok := r[source.Addr()]
	return st, ok
}

type fakeEstop struct{ on atomic.Bool }

func (e *fakeEstop) FieldEstop() bool { return e.on.Load() }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) transitions(station protocol.AllianceStation) []events.LinkStatus {
	var out []events.LinkStatus
	for _, e := range r.ofType(events.EventLinkStatusChanged) {
		p := e.Payload.(events.LinkStatusPayload)
		if p.Station == station {
			out = append(out, p.To)
		}
	}
	return out
}

type staticMatch struct{}

func (staticMatch) MatchContext(now time.Time) protocol.MatchContext {
	return protocol.MatchContext{Level: protocol.LevelPractice, MatchNumber: 7, PlayNumber: 1, RemainingSeconds: 150, Timestamp: now}
}

var errLinkDown = errors.New("network unreachable")

var (
	red1Addr  = netip.MustParseAddrPort("10.0.1.5:52000")
	red2Addr  = netip.MustParseAddrPort("10.0.1.6:52000")
	blue2Addr = netip.MustParseAddrPort("10.0.2.5:52000")
	strayAddr = netip.MustParseAddrPort("10.9.9.9:52000")
)

type harness struct {
	sup       *LinkSupervisor
	transport *fakeTransport
	estop     *fakeEstop
	rec       *recorder
	clock     *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		estop:     &fakeEstop{},
		rec:       &recorder{},
		clock:     clockwork.NewFakeClockAt(t0),
	}
	sup, err := NewLinkSupervisor(SupervisorConfig{
		Transport: h.transport,
		Resolver: fakeResolver{
			red1Addr.Addr():  red1,
			red2Addr.Addr():  red2,
			blue2Addr.Addr(): blue2,
		},
		Estop:   h.estop,
		Emitter: h.rec,
		Clock:   h.clock,
		Timing:  DefaultTiming(),
	})
	require.NoError(t, err)
	h.sup = sup
	return h
}

func statusBytes(seq, team uint16) []byte {
	pkt := protocol.EncodeStatus(protocol.InboundStatus{
		Sequence:         seq,
		RobotCommsActive: true,
		TeamNumber:       team,
		BatteryVoltage:   12.5,
	})
	return pkt[:]
}

func status(seq uint16) protocol.InboundStatus {
	return protocol.InboundStatus{Sequence: seq, TeamNumber: 254}
}
