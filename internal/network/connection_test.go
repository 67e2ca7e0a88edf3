package network

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

var (
	red1  = protocol.MustStation(protocol.AllianceRed, 1)
	red2  = protocol.MustStation(protocol.AllianceRed, 2)
	blue1 = protocol.MustStation(protocol.AllianceBlue, 1)
)

type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

func pipeConn(t *testing.T, ip string) *DSConnection {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return NewDSConnection(addrConn{Conn: a, remote: &net.TCPAddr{IP: net.ParseIP(ip), Port: 50000}})
}

func TestStationRegistry_ResolvesByIP(t *testing.T) {
	r := NewStationRegistry()
	conn := pipeConn(t, "10.2.54.5")
	r.Register(red1, conn)

	st, ok := r.StationFor(netip.MustParseAddrPort("10.2.54.5:61234"))
	require.True(t, ok)
	require.Equal(t, red1, st)

	// IPv4-mapped sources resolve the same way.
	st, ok = r.StationFor(netip.MustParseAddrPort("[::ffff:10.2.54.5]:61234"))
	require.True(t, ok)
	require.Equal(t, red1, st)

	_, ok = r.StationFor(netip.MustParseAddrPort("10.2.54.6:61234"))
	require.False(t, ok)

	ip, ok := r.Addr(red1)
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("10.2.54.5"), ip)
	require.Equal(t, 1, r.Count())
}

func TestStationRegistry_ReplaceAndUnregister(t *testing.T) {
	r := NewStationRegistry()
	first := pipeConn(t, "10.2.54.5")
	second := pipeConn(t, "10.2.54.6")

	r.Register(red1, first)
	r.Register(red1, second)
	require.True(t, first.IsClosed())
	_, ok := r.StationFor(netip.MustParseAddrPort("10.2.54.5:1"))
	require.False(t, ok)

	// A stale handler cannot remove its replacement.
	require.False(t, r.Unregister(red1, first))
	got, ok := r.Get(red1)
	require.True(t, ok)
	require.Same(t, second, got)

	require.True(t, r.Unregister(red1, second))
	require.Zero(t, r.Count())
	require.True(t, second.IsClosed())
}

func TestStationRegistry_SameAddressMovesStation(t *testing.T) {
	r := NewStationRegistry()
	r.Register(red1, pipeConn(t, "10.1.14.5"))
	r.Register(blue1, pipeConn(t, "10.1.14.5"))

	st, ok := r.StationFor(netip.MustParseAddrPort("10.1.14.5:1"))
	require.True(t, ok)
	require.Equal(t, blue1, st)
	_, ok = r.Get(red1)
	require.False(t, ok)
}

func TestStationRegistry_StaticAddresses(t *testing.T) {
	r := NewStationRegistry()
	r.SetStatic(red2, netip.MustParseAddr("192.168.1.20"))

	ip, ok := r.Addr(red2)
	require.True(t, ok)
	require.Equal(t, "192.168.1.20", ip.String())

	conn := pipeConn(t, "10.0.0.9")
	r.Register(red2, conn)
	ip, _ = r.Addr(red2)
	require.Equal(t, "10.0.0.9", ip.String())

	r.Unregister(red2, conn)
	st, ok := r.StationFor(netip.MustParseAddrPort("192.168.1.20:5"))
	require.True(t, ok)
	require.Equal(t, red2, st)
}

func TestStationRegistry_CleanStale(t *testing.T) {
	r := NewStationRegistry()
	conn := pipeConn(t, "10.2.54.5")
	r.Register(red1, conn)

	require.Empty(t, r.CleanStale(time.Hour))
	conn.mu.Lock()
	conn.lastActivity = time.Now().Add(-2 * time.Hour)
	conn.mu.Unlock()
	require.Equal(t, []protocol.AllianceStation{red1}, r.CleanStale(time.Hour))
	require.True(t, conn.IsClosed())

	r.Register(red2, pipeConn(t, "10.2.54.7"))
	r.CloseAll()
	require.Zero(t, r.Count())
}

func TestInTeamSubnet(t *testing.T) {
	require.True(t, InTeamSubnet(netip.MustParseAddr("10.2.54.5"), 254))
	require.True(t, InTeamSubnet(netip.MustParseAddr("10.16.78.2"), 1678))
	require.True(t, InTeamSubnet(netip.MustParseAddr("10.0.1.5"), 1))
	require.False(t, InTeamSubnet(netip.MustParseAddr("10.2.55.5"), 254))
	require.False(t, InTeamSubnet(netip.MustParseAddr("::1"), 254))
	require.True(t, InTeamSubnet(netip.MustParseAddr("10.255.99.5"), 25599))
	// 25600/100 would wrap to 10.0.0.0/24.
	require.False(t, InTeamSubnet(netip.MustParseAddr("10.0.0.5"), 25600))
	require.False(t, InTeamSubnet(netip.MustParseAddr("10.143.34.5"), 65534))
}
