// Package network implements the driver station transports: the TCP
// handshake listener on 1750, the UDP control sender and the UDP status
// listener.
package network

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

// DSConnection wraps the TCP connection a driver station keeps open to
// the FMS for as long as it is on the field.
type DSConnection struct {
	mu      sync.Mutex
	conn    net.Conn
	station protocol.AllianceStation
	team    uint16
	logger  zerolog.Logger

	// Timestamps
	connectedAt  time.Time
	lastActivity time.Time

	// State
	closed bool
}

// NewDSConnection wraps an existing net.Conn.
func NewDSConnection(conn net.Conn) *DSConnection {
	now := time.Now()
	return &DSConnection{
		conn:         conn,
		connectedAt:  now,
		lastActivity: now,
		logger:       log.With().Str("component", "ds_connection").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// SetAssignment records which station and team this DS was placed in.
func (c *DSConnection) SetAssignment(station protocol.AllianceStation, team uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.station = station
	c.team = team
	c.logger = log.With().
		Str("component", "ds_connection").
		Str("station", station.String()).
		Uint16("team", team).
		Logger()
}

// Station returns the assigned station.
func (c *DSConnection) Station() protocol.AllianceStation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.station
}

// Team returns the team number from the handshake.
func (c *DSConnection) Team() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.team
}

// ReadFrame reads a single length-prefixed frame.
// Blocks until a frame is available or timeout occurs.
func (c *DSConnection) ReadFrame(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	body, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	return body, nil
}

// WriteFrame sends a length-prefixed frame.
func (c *DSConnection) WriteFrame(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection is closed")
	}

	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.WriteFrame(c.conn, body); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	c.lastActivity = time.Now()
	return nil
}

// SendStationInfo tells the DS which station it is in.
func (c *DSConnection) SendStationInfo(station protocol.AllianceStation, status protocol.StationStatus) error {
	return c.WriteFrame(protocol.BuildStationInfo(station, status))
}

// Close closes the connection.
func (c *DSConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Info().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *DSConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *DSConnection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *DSConnection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *DSConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// RemoteIP returns the DS address without port.
func (c *DSConnection) RemoteIP() netip.Addr {
	return remoteIP(c.conn.RemoteAddr())
}

func remoteIP(addr net.Addr) netip.Addr {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort().Addr().Unmap()
	case *net.UDPAddr:
		return a.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

// StationRegistry tracks the DS connected in each station and the address
// its datagrams come from. It resolves inbound datagrams to stations.
type StationRegistry struct {
	mu        sync.RWMutex
	byStation map[protocol.AllianceStation]*DSConnection
	byIP      map[netip.Addr]protocol.AllianceStation
	static    map[protocol.AllianceStation]netip.Addr
}

// NewStationRegistry creates an empty registry.
func NewStationRegistry() *StationRegistry {
	return &StationRegistry{
		byStation: make(map[protocol.AllianceStation]*DSConnection),
		byIP:      make(map[netip.Addr]protocol.AllianceStation),
		static:    make(map[protocol.AllianceStation]netip.Addr),
	}
}

// Register binds a connection to a station. An existing connection for the
// station, or another station claimed from the same address, is dropped.
func (r *StationRegistry) Register(station protocol.AllianceStation, conn *DSConnection) {
	ip := conn.RemoteIP()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byStation[station]; ok && existing != conn {
		r.removeLocked(station)
		existing.Close()
	}
	if other, ok := r.byIP[ip]; ok && other != station {
		if c, ok := r.byStation[other]; ok {
			c.Close()
		}
		r.removeLocked(other)
	}

	r.byStation[station] = conn
	r.byIP[ip] = station
	log.Debug().Str("station", station.String()).Str("ip", ip.String()).Msg("connection registered")
}

// Unregister removes a station's connection if it is still the one given.
func (r *StationRegistry) Unregister(station protocol.AllianceStation, conn *DSConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byStation[station]
	if !ok || current != conn {
		return false
	}
	current.Close()
	r.removeLocked(station)
	log.Debug().Str("station", station.String()).Msg("connection unregistered")
	return true
}

// SetStatic pins a station to an address without a TCP handshake, for
// benches where the DS is configured by hand.
func (r *StationRegistry) SetStatic(station protocol.AllianceStation, ip netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.static[station]; ok && r.byIP[prev] == station {
		delete(r.byIP, prev)
	}
	ip = ip.Unmap()
	r.static[station] = ip
	r.byIP[ip] = station
}

func (r *StationRegistry) removeLocked(station protocol.AllianceStation) {
	if conn, ok := r.byStation[station]; ok {
		ip := conn.RemoteIP()
		if r.byIP[ip] == station {
			delete(r.byIP, ip)
		}
		delete(r.byStation, station)
	}
	if ip, ok := r.static[station]; ok {
		r.byIP[ip] = station
	}
}

// StationFor resolves a datagram source by IP; the source port is ignored
// because the DS picks an ephemeral one.
func (r *StationRegistry) StationFor(source netip.AddrPort) (protocol.AllianceStation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.byIP[source.Addr().Unmap()]
	return st, ok
}

// Addr returns the IP control packets for a station are sent to.
func (r *StationRegistry) Addr(station protocol.AllianceStation) (netip.Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conn, ok := r.byStation[station]; ok {
		return conn.RemoteIP(), true
	}
	ip, ok := r.static[station]
	return ip, ok
}

// Get returns the connection for a station.
func (r *StationRegistry) Get(station protocol.AllianceStation) (*DSConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byStation[station]
	return conn, ok
}

// GetAll returns all active connections.
func (r *StationRegistry) GetAll() map[protocol.AllianceStation]*DSConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[protocol.AllianceStation]*DSConnection, len(r.byStation))
	for k, v := range r.byStation {
		result[k] = v
	}
	return result
}

// Count returns the number of active connections.
func (r *StationRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byStation)
}

// CloseAll closes all connections in the registry.
func (r *StationRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for station, conn := range r.byStation {
		conn.Close()
		r.removeLocked(station)
	}

	log.Info().Msg("all driver station connections closed")
}

// CleanStale closes connections that have been inactive for longer than
// timeout and returns the stations they held.
func (r *StationRegistry) CleanStale(timeout time.Duration) []protocol.AllianceStation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cleaned []protocol.AllianceStation
	cutoff := time.Now().Add(-timeout)

	for station, conn := range r.byStation {
		if conn.LastActivity().Before(cutoff) {
			conn.Close()
			r.removeLocked(station)
			cleaned = append(cleaned, station)
			log.Warn().
				Str("station", station.String()).
				Time("last_activity", conn.LastActivity()).
				Msg("cleaned stale connection")
		}
	}

	return cleaned
}
