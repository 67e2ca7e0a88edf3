package plc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink-project/fieldlink/internal/events"
)

type fakeConn struct {
	mu     sync.Mutex
	input  byte
	err    error
	closed bool
	reads  []uint16
}

func (c *fakeConn) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, address)
	if c.err != nil {
		return nil, c.err
	}
	return []byte{c.input}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conn  *fakeConn
	err   error
	dials int
}

func (d *fakeDialer) dial(Config) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type estopRecorder struct {
	mu    sync.Mutex
	edges []events.FieldEstopPayload
}

func (r *estopRecorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, e.Payload.(events.FieldEstopPayload))
}

func TestModbusPLC_FailSafeUntilFirstRead(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	p := NewModbusPLC(Config{Address: "plc:502", EstopInput: 4}, d.dial, clockwork.NewFakeClock(), nil)

	require.True(t, p.FieldEstop())
	require.Error(t, p.Poll())
	require.True(t, p.FieldEstop())
	require.False(t, p.Connected())
}

func TestModbusPLC_ActiveLowInput(t *testing.T) {
	conn := &fakeConn{input: 0x01}
	d := &fakeDialer{conn: conn}
	rec := &estopRecorder{}
	p := NewModbusPLC(Config{Address: "plc:502", EstopInput: 4}, d.dial, clockwork.NewFakeClock(), rec)

	require.NoError(t, p.Poll())
	require.False(t, p.FieldEstop())
	require.True(t, p.Connected())

	conn.mu.Lock()
	conn.input = 0x00
	conn.mu.Unlock()
	require.NoError(t, p.Poll())
	require.True(t, p.FieldEstop())

	require.Equal(t, []uint16{4, 4}, conn.reads)
	require.Equal(t, 1, d.dials)
	require.Equal(t, []events.FieldEstopPayload{
		{Asserted: false, Reason: "e-stop chain closed"},
		{Asserted: true, Reason: "e-stop chain open"},
	}, rec.edges)
}

func TestModbusPLC_CommLossAssertsAndReconnects(t *testing.T) {
	conn := &fakeConn{input: 0x01}
	d := &fakeDialer{conn: conn}
	p := NewModbusPLC(Config{Address: "plc:502"}, d.dial, clockwork.NewFakeClock(), nil)
	require.NoError(t, p.Poll())
	require.False(t, p.FieldEstop())

	conn.mu.Lock()
	conn.err = errors.New("i/o timeout")
	conn.mu.Unlock()
	require.Error(t, p.Poll())
	require.True(t, p.FieldEstop())
	require.True(t, conn.closed)
	require.False(t, p.Connected())

	conn.mu.Lock()
	conn.err = nil
	conn.mu.Unlock()
	require.NoError(t, p.Poll())
	require.False(t, p.FieldEstop())
	require.Equal(t, 2, d.dials)
}

func TestModbusPLC_RunPollsOnClock(t *testing.T) {
	conn := &fakeConn{input: 0x01}
	d := &fakeDialer{conn: conn}
	clk := clockwork.NewFakeClock()
	p := NewModbusPLC(Config{Address: "plc:502", PollInterval: 50 * time.Millisecond}, d.dial, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer blockCancel()
	require.NoError(t, clk.BlockUntilContext(blockCtx, 1))
	require.False(t, p.FieldEstop())

	clk.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.reads) >= 2
	}, 2*time.Second, time.Millisecond)

	cancel()
	<-done
	require.True(t, conn.closed)
}

func TestStaticAndAny(t *testing.T) {
	rec := &estopRecorder{}
	s := NewStatic(false, rec)
	other := NewStatic(false, nil)
	combined := Any{s, other, nil}

	require.False(t, combined.FieldEstop())
	other.Set(true)
	require.True(t, combined.FieldEstop())
	other.Set(false)

	s.Set(true)
	s.Set(true)
	require.True(t, combined.FieldEstop())
	require.Len(t, rec.edges, 1)
}
