// Package dssim emulates a driver station against a running fieldlink.
//
// A Station opens the TCP session to the FMS, announces its team number
// and then answers every UDP control packet with a status packet that
// mirrors the commanded estop/enable/mode back, the way a station with a
// healthy robot does. It is used for bench testing and by integration
// tests that need a live peer.
package dssim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

const udpBufSize = 1500

// Config describes the emulated station.
type Config struct {
	Team    uint16
	FMSHost string
	// TCPPort and StatusPort are on the FMS; ControlPort is local.
	TCPPort     int
	ControlPort int
	StatusPort  int
	Battery     float64
	// RobotLinked reports robot comms and pings as up.
	RobotLinked bool
	// DropEvery skips every Nth status reply when > 0.
	DropEvery int
	// KeepAlive is the period of the repeated team id frame that holds
	// the TCP session open.
	KeepAlive time.Duration
}

func (c Config) withDefaults() Config {
	if c.FMSHost == "" {
		c.FMSHost = "127.0.0.1"
	}
	if c.TCPPort == 0 {
		c.TCPPort = protocol.DSTCPListenPort
	}
	if c.ControlPort == 0 {
		c.ControlPort = protocol.DSUDPSendPort
	}
	if c.StatusPort == 0 {
		c.StatusPort = protocol.DSUDPReceivePort
	}
	if c.Battery == 0 {
		c.Battery = 12.5
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = time.Second
	}
	return c
}

// Assignment is the last station info frame from the FMS.
type Assignment struct {
	Station protocol.AllianceStation
	Status  protocol.StationStatus
}

// Station is one emulated driver station.
type Station struct {
	cfg    Config
	logger zerolog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool

	tcpConn net.Conn
	udpConn *net.UDPConn
	fmsAddr *net.UDPAddr

	mu         sync.Mutex
	assignment *Assignment
	last       protocol.ControlPacket
	seq        uint16
	received   atomic.Uint64
	sent       atomic.Uint64
	done       chan error
}

// New creates a station emulator.
func New(cfg Config) *Station {
	cfg = cfg.withDefaults()
	return &Station{
		cfg:    cfg,
		logger: log.With().Str("component", "dssim").Uint16("team", cfg.Team).Logger(),
		done:   make(chan error, 1),
	}
}

// Start connects to the FMS and begins answering control packets. It
// returns once both sockets are open.
func (s *Station) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.ControlPort})
	if err != nil {
		return fmt.Errorf("listen control port: %w", err)
	}
	s.udpConn = udp

	fmsAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(s.cfg.FMSHost, strconv.Itoa(s.cfg.StatusPort)))
	if err != nil {
		udp.Close()
		return err
	}
	s.fmsAddr = fmsAddr

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(s.cfg.FMSHost, strconv.Itoa(s.cfg.TCPPort)))
	if err != nil {
		udp.Close()
		return fmt.Errorf("connect to FMS: %w", err)
	}
	s.tcpConn = conn

	if err := protocol.WriteFrame(conn, protocol.BuildTeamID(s.cfg.Team)); err != nil {
		conn.Close()
		udp.Close()
		return fmt.Errorf("send team id: %w", err)
	}

	s.wg.Add(3)
	go s.readFrames(ctx)
	go s.keepAlive(ctx)
	go s.answerControl(ctx)

	s.logger.Info().
		Str("fms", s.cfg.FMSHost).
		Int("control_port", s.cfg.ControlPort).
		Msg("driver station connected")
	return nil
}

// Stop closes both sockets and waits for the loops to exit.
func (s *Station) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.tcpConn != nil {
		s.tcpConn.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	s.wg.Wait()
}

// Done yields the reason the FMS session ended.
func (s *Station) Done() <-chan error {
	return s.done
}

// Assignment returns the last station info received.
func (s *Station) Assignment() (Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignment == nil {
		return Assignment{}, false
	}
	return *s.assignment, true
}

// LastControl returns the last control packet received.
func (s *Station) LastControl() protocol.ControlPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Counters returns control packets received and status packets sent.
func (s *Station) Counters() (received, sent uint64) {
	return s.received.Load(), s.sent.Load()
}

func (s *Station) readFrames(ctx context.Context) {
	defer s.wg.Done()

	for {
		body, err := protocol.ReadFrame(s.tcpConn)
		if err != nil {
			if s.stopped.Load() || ctx.Err() != nil {
				s.finish(nil)
			} else {
				s.logger.Warn().Err(err).Msg("FMS closed the session")
				s.finish(err)
			}
			return
		}

		station, status, err := protocol.ParseStationInfo(body)
		if err != nil {
			s.logger.Debug().Err(err).Msg("ignoring frame")
			continue
		}
		s.mu.Lock()
		s.assignment = &Assignment{Station: station, Status: status}
		s.mu.Unlock()
		s.logger.Info().Str("station", station.Code()).Stringer("status", status).Msg("station info")
	}
}

func (s *Station) keepAlive(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := protocol.WriteFrame(s.tcpConn, protocol.BuildTeamID(s.cfg.Team)); err != nil {
				return
			}
		}
	}
}

func (s *Station) finish(err error) {
	select {
	case s.done <- err:
	default:
	}
}

func (s *Station) answerControl(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, udpBufSize)
	for {
		n, _, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if s.stopped.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		pkt, err := protocol.DecodeControl(buf[:n])
		if err != nil {
			s.logger.Debug().Err(err).Msg("bad control packet")
			continue
		}
		count := s.received.Add(1)

		status := s.reply(pkt)
		if s.cfg.DropEvery > 0 && count%uint64(s.cfg.DropEvery) == 0 {
			continue
		}
		out := protocol.EncodeStatus(status)
		if _, err := s.udpConn.WriteToUDP(out[:], s.fmsAddr); err != nil {
			s.logger.Debug().Err(err).Msg("status send failed")
			continue
		}
		s.sent.Add(1)
	}
}

// reply builds the status answer to pkt. The sequence advances even for
// dropped replies so the FMS sees the gap.
func (s *Station) reply(pkt protocol.ControlPacket) protocol.InboundStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = pkt
	s.seq++

	linked := s.cfg.RobotLinked
	return protocol.InboundStatus{
		Sequence:         s.seq,
		RobotCommsActive: linked,
		RadioPing:        linked,
		RioPing:          linked,
		EstopReported:    pkt.Control.Estop,
		EnabledReported:  pkt.Control.Enabled && linked,
		ModeReported:     pkt.Control.Mode,
		BatteryVoltage:   s.cfg.Battery,
		TeamNumber:       s.cfg.Team,
	}
}

// Run starts the station and reconnects with a fixed pause until ctx ends.
func Run(ctx context.Context, cfg Config, retry time.Duration) error {
	for {
		st := New(cfg)
		if err := st.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("driver station start failed")
		} else {
			select {
			case <-ctx.Done():
			case <-st.Done():
			}
			st.Stop()
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
	}
}
