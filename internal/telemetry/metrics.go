package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldlink-project/fieldlink/internal/events"
)

var (
	LinkTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldlink_link_transitions_total", Help: "Link status transitions by station and target status.",
	}, []string{"station", "to"})
	SequenceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldlink_sequence_gaps_total", Help: "Status datagrams accepted after a sequence gap.",
	}, []string{"station"})
	MissedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldlink_missed_packets_total", Help: "Status datagrams skipped inside sequence gaps.",
	}, []string{"station"})
	StaleStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldlink_stale_status_total", Help: "Status datagrams dropped as duplicate or out of order.",
	}, []string{"station"})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldlink_decode_errors_total", Help: "Status datagrams that failed to decode.",
	}, []string{"station"})
	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldlink_transport_errors_total", Help: "Control packet sends that failed.",
	}, []string{"station"})
	UnknownSources = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldlink_unknown_source_datagrams_total", Help: "Datagrams from addresses no station owns.",
	})

	FieldEstop = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldlink_field_estop", Help: "1 while the field e-stop is asserted.",
	})
	MatchPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fieldlink_match_phase", Help: "1 for the current match phase.",
	}, []string{"phase"})
)

var allPhases = []events.MatchPhase{
	events.PhasePreMatch, events.PhaseAuto, events.PhasePause,
	events.PhaseTeleop, events.PhasePostMatch, events.PhaseAborted,
}

// RecordEvent updates the event counters. Subscribe it with SubscribeAll.
func RecordEvent(ctx context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.LinkStatusPayload:
		LinkTransitions.WithLabelValues(p.Station.Code(), p.To.String()).Inc()
	case events.SequenceGapPayload:
		SequenceGaps.WithLabelValues(p.Station.Code()).Inc()
		MissedPackets.WithLabelValues(p.Station.Code()).Add(float64(p.Missed))
	case events.StaleStatusPayload:
		StaleStatus.WithLabelValues(p.Station.Code()).Inc()
	case events.DecodeErrorPayload:
		DecodeErrors.WithLabelValues(p.Station.Code()).Inc()
	case events.TransportErrorPayload:
		TransportErrors.WithLabelValues(p.Station.Code()).Inc()
	case events.UnknownSourcePayload:
		UnknownSources.Inc()
	case events.FieldEstopPayload:
		if p.Asserted {
			FieldEstop.Set(1)
		} else {
			FieldEstop.Set(0)
		}
	case events.MatchStatePayload:
		for _, phase := range allPhases {
			v := 0.0
			if phase == p.To {
				v = 1
			}
			MatchPhase.WithLabelValues(phase.String()).Set(v)
		}
	}
	return nil
}

// SnapshotCollector exports the live session state of every assigned
// station at scrape time.
type SnapshotCollector struct {
	source SnapshotSource
	now    func() time.Time

	linkStatus    *prometheus.Desc
	packetsSent   *prometheus.Desc
	packetsRecv   *prometheus.Desc
	missed        *prometheus.Desc
	battery       *prometheus.Desc
	sinceReceived *prometheus.Desc
}

// NewSnapshotCollector creates a collector over source.
func NewSnapshotCollector(source SnapshotSource) *SnapshotCollector {
	labels := []string{"station", "team"}
	return &SnapshotCollector{
		source: source,
		now:    time.Now,
		linkStatus: prometheus.NewDesc("fieldlink_station_link_status",
			"Current link status: 0 unlinked, 1 linked, 2 degraded.", labels, nil),
		packetsSent: prometheus.NewDesc("fieldlink_station_packets_sent_total",
			"Control packets sent to the station.", labels, nil),
		packetsRecv: prometheus.NewDesc("fieldlink_station_packets_accepted_total",
			"Status packets accepted from the station.", labels, nil),
		missed: prometheus.NewDesc("fieldlink_station_missed_packets_total",
			"Status packets missed by the station session.", labels, nil),
		battery: prometheus.NewDesc("fieldlink_station_battery_volts",
			"Last reported robot battery voltage.", labels, nil),
		sinceReceived: prometheus.NewDesc("fieldlink_station_seconds_since_status",
			"Seconds since the last accepted status packet.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *SnapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.linkStatus
	ch <- c.packetsSent
	ch <- c.packetsRecv
	ch <- c.missed
	ch <- c.battery
	ch <- c.sinceReceived
}

// Collect implements prometheus.Collector.
func (c *SnapshotCollector) Collect(ch chan<- prometheus.Metric) {
	now := c.now()
	for _, snap := range c.source.Snapshots() {
		labels := []string{snap.Station.Code(), strconv.Itoa(int(snap.Team))}
		ch <- prometheus.MustNewConstMetric(c.linkStatus, prometheus.GaugeValue, float64(snap.LinkStatus), labels...)
		ch <- prometheus.MustNewConstMetric(c.packetsSent, prometheus.CounterValue, float64(snap.PacketsSent), labels...)
		ch <- prometheus.MustNewConstMetric(c.packetsRecv, prometheus.CounterValue, float64(snap.PacketsAccepted), labels...)
		ch <- prometheus.MustNewConstMetric(c.missed, prometheus.CounterValue, float64(snap.MissedPackets), labels...)
		if snap.LastStatus != nil {
			ch <- prometheus.MustNewConstMetric(c.battery, prometheus.GaugeValue, snap.LastStatus.BatteryVoltage, labels...)
			ch <- prometheus.MustNewConstMetric(c.sinceReceived, prometheus.GaugeValue,
				now.Sub(snap.LastReceivedAt).Seconds(), labels...)
		}
	}
}
