// Package health runs the periodic field health checks: link stability,
// stale driver station connections, the FMS field address and disk space
// for the event log.
package health

import (
	"context"
	"fmt"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fieldlink-project/fieldlink/internal/config"
	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
	"github.com/fieldlink-project/fieldlink/internal/util"
)

// FieldAddress is where driver stations expect to find the FMS.
var FieldAddress = netip.MustParseAddr("10.0.100.5")

// Field is the part of the link supervisor the checks read.
type Field interface {
	AllLinkStatuses() map[protocol.AllianceStation]events.LinkStatus
	FieldEstop() bool
	Disconnect(station protocol.AllianceStation) error
}

// ConnectionCleaner closes DS connections that went quiet.
type ConnectionCleaner interface {
	CleanStale(timeout time.Duration) []protocol.AllianceStation
	Count() int
}

// Manager runs periodic health checks on the field.
type Manager struct {
	cfg      *config.Config
	emitter  events.Emitter
	field    Field
	conns    ConnectionCleaner
	monitor  *LinkMonitor
	clock    clockwork.Clock
	logger   zerolog.Logger
	hasLocal func(netip.Addr) bool

	fieldAddrWarned bool
}

// NewManager creates a new health check manager. conns and monitor may be
// nil.
func NewManager(
	cfg *config.Config,
	emitter events.Emitter,
	field Field,
	conns ConnectionCleaner,
	monitor *LinkMonitor,
	clock clockwork.Clock,
) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:      cfg,
		emitter:  emitter,
		field:    field,
		conns:    conns,
		monitor:  monitor,
		clock:    clock,
		logger:   util.ComponentLogger("health"),
		hasLocal: util.HasLocalAddress,
	}
}

// Start launches all health check goroutines and blocks until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.GetApplicationData().Timers

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"general_health", timers.GeneralHealthInterval, m.checkGeneralHealth},
		{"field_address", timers.GeneralHealthInterval, m.checkFieldAddress},
		{"disk_utilization", timers.DiskCheckInterval, m.checkDiskUtilization},
		{"link_health", timers.LinkCheckInterval, m.checkLinkHealth},
		{"heartbeat", timers.HeartbeatInterval, m.heartbeat},
	}

	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++

		check := check // per-iteration copy; go.mod targets go1.21 loop semantics
		go func() {
			ticker := m.clock.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			m.logger.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.Chan():
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	m.logger.Info().Msg("health check manager stopped")
}

// checkGeneralHealth closes DS TCP connections that stopped talking. The
// listener's own read deadline handles most of these; this catches
// connections whose reader is wedged.
func (m *Manager) checkGeneralHealth(ctx context.Context) {
	if m.conns == nil {
		return
	}
	link := m.cfg.GetFieldData().Link
	for _, st := range m.conns.CleanStale(2 * link.TCPLinkTimeout()) {
		m.logger.Warn().Str("station", st.String()).Msg("closed stale driver station connection")
		if err := m.field.Disconnect(st); err != nil {
			m.logger.Debug().Err(err).Str("station", st.String()).Msg("stale station already released")
		}
	}
}

// checkFieldAddress warns once when this host does not own the field
// address, since stock driver stations only talk to 10.0.100.5.
func (m *Manager) checkFieldAddress(ctx context.Context) {
	bind := m.cfg.GetFieldData().BindAddress
	if bind != "" {
		if addr, err := netip.ParseAddr(bind); err == nil && addr != FieldAddress {
			return
		}
	}
	if m.hasLocal(FieldAddress) {
		m.fieldAddrWarned = false
		return
	}
	if m.fieldAddrWarned {
		return
	}
	m.fieldAddrWarned = true
	m.alert(ctx, "Field address missing",
		fmt.Sprintf("this host does not have %s, driver stations will not find the FMS", FieldAddress), "warning")
}

// checkDiskUtilization monitors the disk holding the event log.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	path := filepath.Dir(m.cfg.GetApplicationData().Database.Path)
	if path == "" {
		path = "."
	}

	usage, err := util.GetDiskUsage(path)
	if err != nil {
		m.logger.Warn().Err(err).Msg("disk utilization check failed")
		return
	}

	m.logger.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	var level string
	switch {
	case usage.UsedPercent >= 95:
		level = "error"
	case usage.UsedPercent >= 90:
		level = "warning"
	default:
		return
	}

	m.alert(ctx, "Disk Space Alert", fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total), level)
}

func (m *Manager) checkLinkHealth(ctx context.Context) {
	if m.monitor == nil || !m.cfg.GetApplicationData().Alerts.Enabled {
		return
	}
	m.monitor.CheckAndAlert(ctx)
}

// heartbeat logs a one-line field summary.
func (m *Manager) heartbeat(ctx context.Context) {
	statuses := m.field.AllLinkStatuses()
	counts := map[events.LinkStatus]int{}
	for _, s := range statuses {
		counts[s]++
	}
	ev := m.logger.Info().
		Int("assigned", len(statuses)).
		Int("linked", counts[events.LinkLinked]).
		Int("degraded", counts[events.LinkDegraded]).
		Int("unlinked", counts[events.LinkUnlinked]).
		Bool("field_estop", m.field.FieldEstop())
	if m.conns != nil {
		ev = ev.Int("tcp_connections", m.conns.Count())
	}
	ev.Msg("field heartbeat")
}

// alert emits a field-wide link alert (no station).
func (m *Manager) alert(ctx context.Context, title, message, level string) {
	m.logger.Warn().Str("level", level).Msg(message)
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(ctx, events.Event{
		Type:   events.EventLinkAlert,
		Source: "health_check",
		Payload: events.LinkAlertPayload{
			Title:   title,
			Message: message,
			Level:   level,
		},
	})
}
