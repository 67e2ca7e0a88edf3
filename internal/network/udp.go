package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

// ErrNoAddress is returned when a station has no known DS address yet.
var ErrNoAddress = errors.New("no driver station address for station")

// AddrLookup finds where a station's control packets go.
type AddrLookup interface {
	Addr(station protocol.AllianceStation) (netip.Addr, bool)
}

// UDPTransport sends control packets to each DS on its UDP port.
type UDPTransport struct {
	conn   *net.UDPConn
	lookup AddrLookup
	port   uint16
}

// NewUDPTransport opens an unbound UDP socket for sending. port is the DS
// receive port, normally 1121.
func NewUDPTransport(lookup AddrLookup, port uint16) (*UDPTransport, error) {
	if port == 0 {
		port = protocol.DSUDPSendPort
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP send socket: %w", err)
	}
	return &UDPTransport{conn: conn, lookup: lookup, port: port}, nil
}

// Send implements field.Transport.
func (t *UDPTransport) Send(station protocol.AllianceStation, packet []byte) error {
	ip, ok := t.lookup.Addr(station)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAddress, station)
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(5 * time.Millisecond)); err != nil {
		return fmt.Errorf("send to %s: %w", station, err)
	}
	if _, err := t.conn.WriteToUDPAddrPort(packet, netip.AddrPortFrom(ip, t.port)); err != nil {
		return fmt.Errorf("send to %s: %w", station, err)
	}
	return nil
}

// Close closes the send socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// DatagramHandler consumes inbound status datagrams.
type DatagramHandler interface {
	OnDatagram(source netip.AddrPort, data []byte, now time.Time)
}

// UDPStatusListener reads DS status datagrams and hands them to the
// supervisor.
type UDPStatusListener struct {
	address string
	handler DatagramHandler
	clock   clockwork.Clock

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewUDPStatusListener creates a listener; address defaults to :1160.
func NewUDPStatusListener(address string, handler DatagramHandler, clock clockwork.Clock) *UDPStatusListener {
	if address == "" {
		address = fmt.Sprintf(":%d", protocol.DSUDPReceivePort)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &UDPStatusListener{address: address, handler: handler, clock: clock}
}

// Listen binds the socket.
func (l *UDPStatusListener) Listen(ctx context.Context) error {
	// Use SO_REUSEADDR to allow immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", l.address)
	if err != nil {
		return fmt.Errorf("failed to start UDP status listener on %s: %w", l.address, err)
	}
	l.mu.Lock()
	l.conn = pc.(*net.UDPConn)
	l.mu.Unlock()

	log.Info().Str("addr", pc.LocalAddr().String()).Msg("DS UDP status listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *UDPStatusListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start binds and serves until ctx is cancelled.
func (l *UDPStatusListener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve reads datagrams until ctx is cancelled.
func (l *UDPStatusListener) Serve(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errors.New("udp listener: Serve called before Listen")
	}

	// Close when context is cancelled
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, remote, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("DS UDP status listener stopping")
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				log.Error().Err(err).Msg("UDP read error")
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		l.handler.OnDatagram(netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()), data, l.clock.Now())
	}
}

// Stop closes the UDP listener.
func (l *UDPStatusListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// SourceWarnings logs datagrams from unknown addresses at most once per
// address per interval, so a misconfigured DS cannot flood the log.
type SourceWarnings struct {
	seen *ttlcache.Cache[string, *atomic.Int64]
}

// NewSourceWarnings creates a throttle with the given quiet interval.
func NewSourceWarnings(interval time.Duration) *SourceWarnings {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SourceWarnings{
		seen: ttlcache.New(
			ttlcache.WithTTL[string, *atomic.Int64](interval),
			ttlcache.WithDisableTouchOnHit[string, *atomic.Int64](),
		),
	}
}

// Allow records a hit for source and reports whether it should be logged.
// Hits inside the interval are counted but not allowed.
func (w *SourceWarnings) Allow(source string) bool {
	if item := w.seen.Get(source); item != nil {
		item.Value().Add(1)
		return false
	}
	w.seen.Set(source, new(atomic.Int64), ttlcache.DefaultTTL)
	return true
}

// Suppressed returns how many warnings for source have been dropped in
// the current interval.
func (w *SourceWarnings) Suppressed(source string) int64 {
	if item := w.seen.Get(source); item != nil {
		return item.Value().Load()
	}
	return 0
}

// HandleUnknownSource is an event bus handler for EventUnknownSource.
func (w *SourceWarnings) HandleUnknownSource(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.UnknownSourcePayload)
	if !ok {
		return nil
	}
	if w.Allow(payload.Source) {
		log.Warn().
			Str("source", payload.Source).
			Int("bytes", payload.Length).
			Msg("datagram from unknown driver station address")
	}
	return nil
}
