package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

const (
	// DefaultLinkTimeout is how long a DS connection may stay silent.
	DefaultLinkTimeout = 5 * time.Second
	// DefaultHandshakeTimeout bounds the wait for the team id frame.
	DefaultHandshakeTimeout = 5 * time.Second
)

// Assignments is the part of the link supervisor the TCP listener needs.
type Assignments interface {
	StationForTeam(team uint16) (protocol.AllianceStation, bool)
	Disconnect(station protocol.AllianceStation) error
}

// TCPListenerConfig configures the DS TCP listener.
type TCPListenerConfig struct {
	Address          string
	LinkTimeout      time.Duration
	HandshakeTimeout time.Duration
	// CheckTeamSubnet answers Mismatch when the DS is not on 10.TE.AM.0/24.
	CheckTeamSubnet bool
}

// TCPListener accepts driver station TCP connections. Each DS identifies
// itself with a team id frame, is told its station, and then holds the
// connection open; when it closes or goes silent the station is
// disconnected.
type TCPListener struct {
	cfg         TCPListenerConfig
	assignments Assignments
	registry    *StationRegistry

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewTCPListener creates a new TCP listener.
func NewTCPListener(cfg TCPListenerConfig, assignments Assignments, registry *StationRegistry) *TCPListener {
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", protocol.DSTCPListenPort)
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = DefaultLinkTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &TCPListener{
		cfg:         cfg,
		assignments: assignments,
		registry:    registry,
	}
}

// Listen binds the socket.
func (l *TCPListener) Listen(ctx context.Context) error {
	// Use SO_REUSEADDR to allow immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", l.cfg.Address, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("DS TCP listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Start binds and serves until ctx is cancelled.
func (l *TCPListener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve accepts connections on a bound listener until ctx is cancelled.
func (l *TCPListener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return errors.New("tcp listener: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("DS TCP listener stopping")
				l.wg.Wait()
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					l.wg.Wait()
					return nil
				}
				log.Error().Err(err).Msg("failed to accept connection")
				continue
			}
		}

		log.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Msg("new driver station connection")

		// Handle each connection in its own goroutine
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection runs one DS connection: team id handshake, station
// info reply, then a read loop that only tracks liveness.
func (l *TCPListener) handleConnection(ctx context.Context, rawConn net.Conn) {
	conn := NewDSConnection(rawConn)
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	logger := log.With().
		Str("component", "ds_tcp").
		Str("remote", rawConn.RemoteAddr().String()).
		Logger()

	body, err := conn.ReadFrame(l.cfg.HandshakeTimeout)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read team id frame")
		return
	}
	team, err := protocol.ParseTeamID(body)
	if err != nil {
		logger.Warn().Err(err).Msg("bad team id frame")
		return
	}

	station, ok := l.assignments.StationForTeam(team)
	if !ok {
		logger.Warn().Uint16("team", team).Msg("team is not assigned to a station, closing")
		return
	}
	conn.SetAssignment(station, team)

	logger = logger.With().
		Str("station", station.String()).
		Uint16("team", team).
		Logger()

	if l.cfg.CheckTeamSubnet && !InTeamSubnet(conn.RemoteIP(), team) {
		logger.Warn().Str("ip", conn.RemoteIP().String()).Msg("driver station is on the wrong subnet")
		if err := conn.SendStationInfo(station, protocol.StationStatusMismatch); err != nil {
			logger.Warn().Err(err).Msg("failed to send station info")
		}
		return
	}

	if err := conn.SendStationInfo(station, protocol.StationStatusGood); err != nil {
		logger.Warn().Err(err).Msg("failed to send station info")
		return
	}

	l.registry.Register(station, conn)
	logger.Info().Msg("driver station connected")

	defer func() {
		if l.registry.Unregister(station, conn) {
			if err := l.assignments.Disconnect(station); err != nil {
				logger.Debug().Err(err).Msg("station already released")
			}
		}
	}()

	for {
		if _, err := conn.ReadFrame(l.cfg.LinkTimeout); err != nil {
			if conn.IsClosed() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn().Dur("timeout", l.cfg.LinkTimeout).Msg("driver station TCP link timed out")
				return
			}
			logger.Info().Err(err).Msg("driver station disconnected")
			return
		}
	}
}

// InTeamSubnet reports whether ip is in 10.TE.AM.0/24 for the team. Teams
// from 25600 up have no such subnet.
func InTeamSubnet(ip netip.Addr, team uint16) bool {
	ip = ip.Unmap()
	if !ip.Is4() || team/100 > 255 {
		return false
	}
	b := ip.As4()
	return b[0] == 10 && b[1] == byte(team/100) && b[2] == byte(team%100)
}

// Stop closes the TCP listener.
func (l *TCPListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
