// Package plc reads the field emergency stop from the field PLC.
package plc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goburrow/modbus"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/util"
)

// EstopSource reports the field-wide emergency stop.
type EstopSource interface {
	FieldEstop() bool
}

// Config describes how to reach the PLC.
type Config struct {
	Address        string        // host:port of the Modbus TCP server
	UnitID         uint8         // Modbus slave id
	EstopInput     uint16        // discrete input wired to the e-stop chain (active low)
	PollInterval   time.Duration // how often the input is read
	Timeout        time.Duration // per-request timeout
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 500 * time.Millisecond
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Conn is the part of a Modbus connection the poller needs.
type Conn interface {
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	Close() error
}

// Dialer opens a Conn.
type Dialer func(cfg Config) (Conn, error)

type tcpConn struct {
	modbus.Client
	handler *modbus.TCPClientHandler
}

func (c *tcpConn) Close() error {
	return c.handler.Close()
}

// DialTCP connects to a Modbus TCP server.
func DialTCP(cfg Config) (Conn, error) {
	if cfg.Address == "" {
		return nil, errors.New("plc: address required")
	}
	h := modbus.NewTCPClientHandler(cfg.Address)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("plc: connect %s: %w", cfg.Address, err)
	}
	return &tcpConn{Client: modbus.NewClient(h), handler: h}, nil
}

// ModbusPLC polls the e-stop input. Until the first good read, and whenever
// communication is lost, the field e-stop is reported asserted.
type ModbusPLC struct {
	cfg     Config
	dial    Dialer
	clock   clockwork.Clock
	emitter events.Emitter
	logger  zerolog.Logger

	estop     atomic.Bool
	connected atomic.Bool

	mu   sync.Mutex
	conn Conn
}

// NewModbusPLC creates a poller. dial may be nil to use DialTCP.
func NewModbusPLC(cfg Config, dial Dialer, clock clockwork.Clock, emitter events.Emitter) *ModbusPLC {
	if dial == nil {
		dial = DialTCP
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &ModbusPLC{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		clock:   clock,
		emitter: emitter,
		logger:  util.ComponentLogger("plc"),
	}
	p.estop.Store(true)
	return p
}

// FieldEstop implements EstopSource.
func (p *ModbusPLC) FieldEstop() bool {
	return p.estop.Load()
}

// Connected reports whether the last poll reached the PLC.
func (p *ModbusPLC) Connected() bool {
	return p.connected.Load()
}

// Poll reads the e-stop input once, connecting first if needed. Any
// failure asserts the e-stop.
func (p *ModbusPLC) Poll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := p.dial(p.cfg)
		if err != nil {
			p.commLostLocked(err)
			return err
		}
		p.conn = conn
		p.logger.Info().Str("address", p.cfg.Address).Msg("connected to PLC")
	}

	bits, err := p.conn.ReadDiscreteInputs(p.cfg.EstopInput, 1)
	if err == nil && len(bits) == 0 {
		err = errors.New("plc: empty discrete input response")
	}
	if err != nil {
		p.commLostLocked(err)
		return err
	}

	p.connected.Store(true)
	pressed := bits[0]&0x01 == 0
	if pressed {
		p.set(true, "e-stop chain open")
	} else {
		p.set(false, "e-stop chain closed")
	}
	return nil
}

func (p *ModbusPLC) commLostLocked(err error) {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	if p.connected.Swap(false) {
		p.logger.Error().Err(err).Msg("lost PLC communication")
	}
	p.set(true, "plc communication lost")
}

func (p *ModbusPLC) set(asserted bool, reason string) {
	if p.estop.Swap(asserted) == asserted {
		return
	}
	p.logger.Warn().Bool("asserted", asserted).Str("reason", reason).Msg("field e-stop changed")
	if p.emitter != nil {
		p.emitter.Emit(context.Background(), events.Event{
			Type:    events.EventFieldEstopChanged,
			Source:  "plc",
			Payload: events.FieldEstopPayload{Asserted: asserted, Reason: reason},
		})
	}
}

// Run polls until ctx is cancelled. After a failure it waits with
// exponential backoff before trying again.
func (p *ModbusPLC) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.InitialInterval = p.cfg.InitialBackoff
	bo.MaxInterval = p.cfg.MaxBackoff

	defer p.close()

	for {
		wait := p.cfg.PollInterval
		if err := p.Poll(); err != nil {
			wait = bo.NextBackOff()
			p.logger.Debug().Err(err).Dur("retry_in", wait).Msg("plc poll failed")
		} else {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(wait):
		}
	}
}

func (p *ModbusPLC) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.connected.Store(false)
}

// Static is a software e-stop for benches without a PLC and for the
// operator console.
type Static struct {
	estop   atomic.Bool
	emitter events.Emitter
}

// NewStatic creates a software e-stop in the given state.
func NewStatic(asserted bool, emitter events.Emitter) *Static {
	s := &Static{emitter: emitter}
	s.estop.Store(asserted)
	return s
}

// FieldEstop implements EstopSource.
func (s *Static) FieldEstop() bool {
	return s.estop.Load()
}

// Set changes the software e-stop.
func (s *Static) Set(asserted bool) {
	if s.estop.Swap(asserted) == asserted || s.emitter == nil {
		return
	}
	s.emitter.Emit(context.Background(), events.Event{
		Type:    events.EventFieldEstopChanged,
		Source:  "operator",
		Payload: events.FieldEstopPayload{Asserted: asserted, Reason: "operator"},
	})
}

// Any asserts the e-stop when any of its sources does.
type Any []EstopSource

// FieldEstop implements EstopSource.
func (a Any) FieldEstop() bool {
	for _, s := range a {
		if s != nil && s.FieldEstop() {
			return true
		}
	}
	return false
}
