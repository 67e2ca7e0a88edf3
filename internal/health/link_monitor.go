package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
	"github.com/fieldlink-project/fieldlink/internal/util"
)

const (
	historyWindow = time.Hour
	maxHistory    = 1000
)

// LinkMonitor tracks link instability per station over the last hour:
// drops out of Linked and status packets missed inside sequence gaps.
type LinkMonitor struct {
	mu      sync.RWMutex
	emitter events.Emitter
	clock   clockwork.Clock
	logger  zerolog.Logger

	stations map[protocol.AllianceStation]*stationHistory

	maxTransitions int
	maxMissed      int
}

type stationHistory struct {
	drops  []time.Time
	missed []missedSample
	// alerted is the level last raised, so one condition alerts once.
	alerted string
}

type missedSample struct {
	at    time.Time
	count int
}

// StationLinkData is the per-station view served by the API.
type StationLinkData struct {
	Station        protocol.AllianceStation `json:"station"`
	DropsLastHour  int                      `json:"drops_last_hour"`
	MissedLastHour int                      `json:"missed_last_hour"`
	LastDrop       time.Time                `json:"last_drop,omitempty"`
}

// LinkAlert represents a threshold breach.
type LinkAlert struct {
	Station protocol.AllianceStation `json:"station"`
	Level   string                   `json:"level"`
	Drops   int                      `json:"drops"`
	Missed  int                      `json:"missed"`
	Message string                   `json:"message"`
}

// NewLinkMonitor creates a monitor. Thresholds below 1 disable that check.
func NewLinkMonitor(emitter events.Emitter, clock clockwork.Clock, maxTransitions, maxMissed int) *LinkMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LinkMonitor{
		emitter:        emitter,
		clock:          clock,
		logger:         util.ComponentLogger("link_monitor"),
		stations:       make(map[protocol.AllianceStation]*stationHistory),
		maxTransitions: maxTransitions,
		maxMissed:      maxMissed,
	}
}

// Subscribe registers the monitor's handlers on the bus.
func (lm *LinkMonitor) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventLinkStatusChanged, "link_monitor", lm.HandleEvent)
	bus.Subscribe(events.EventSequenceGap, "link_monitor", lm.HandleEvent)
	bus.Subscribe(events.EventStationReleased, "link_monitor", lm.HandleEvent)
}

// HandleEvent folds one bus event into the history.
func (lm *LinkMonitor) HandleEvent(ctx context.Context, event events.Event) error {
	now := lm.clock.Now()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	switch p := event.Payload.(type) {
	case events.LinkStatusPayload:
		// Only losses count; recovering to Linked is not instability.
		if p.From == events.LinkLinked && p.Reason != "released" {
			h := lm.historyLocked(p.Station)
			h.drops = append(h.drops, now)
			if len(h.drops) > maxHistory {
				h.drops = h.drops[len(h.drops)-maxHistory:]
			}
		}
	case events.SequenceGapPayload:
		h := lm.historyLocked(p.Station)
		h.missed = append(h.missed, missedSample{at: now, count: p.Missed})
		if len(h.missed) > maxHistory {
			h.missed = h.missed[len(h.missed)-maxHistory:]
		}
	case events.AssignmentPayload:
		if event.Type == events.EventStationReleased {
			delete(lm.stations, p.Station)
		}
	}
	return nil
}

func (lm *LinkMonitor) historyLocked(station protocol.AllianceStation) *stationHistory {
	h, ok := lm.stations[station]
	if !ok {
		h = &stationHistory{}
		lm.stations[station] = h
	}
	return h
}

// trimLocked drops samples older than the window.
func (h *stationHistory) trimLocked(cutoff time.Time) {
	i := 0
	for i < len(h.drops) && !h.drops[i].After(cutoff) {
		i++
	}
	h.drops = h.drops[i:]

	j := 0
	for j < len(h.missed) && !h.missed[j].at.After(cutoff) {
		j++
	}
	h.missed = h.missed[j:]
}

func (h *stationHistory) missedTotal() int {
	total := 0
	for _, m := range h.missed {
		total += m.count
	}
	return total
}

// GetStationData returns the last hour for one station.
func (lm *LinkMonitor) GetStationData(station protocol.AllianceStation) (StationLinkData, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	h, ok := lm.stations[station]
	if !ok {
		return StationLinkData{}, false
	}
	h.trimLocked(lm.clock.Now().Add(-historyWindow))
	return dataFor(station, h), true
}

// GetAllStationData returns the last hour for every tracked station, in
// station order.
func (lm *LinkMonitor) GetAllStationData() []StationLinkData {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	cutoff := lm.clock.Now().Add(-historyWindow)
	out := make([]StationLinkData, 0, len(lm.stations))
	for st, h := range lm.stations {
		h.trimLocked(cutoff)
		out = append(out, dataFor(st, h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Station.Index() < out[j].Station.Index() })
	return out
}

func dataFor(station protocol.AllianceStation, h *stationHistory) StationLinkData {
	d := StationLinkData{
		Station:        station,
		DropsLastHour:  len(h.drops),
		MissedLastHour: h.missedTotal(),
	}
	if n := len(h.drops); n > 0 {
		d.LastDrop = h.drops[n-1]
	}
	return d
}

// CheckThresholds evaluates every station. A station over a threshold is
// "warning"; over twice the threshold it is "critical". Alerts are only
// returned when a station's level rises.
func (lm *LinkMonitor) CheckThresholds() []LinkAlert {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	cutoff := lm.clock.Now().Add(-historyWindow)
	var alerts []LinkAlert
	for st, h := range lm.stations {
		h.trimLocked(cutoff)
		drops, missed := len(h.drops), h.missedTotal()

		level := ""
		switch {
		case over(drops, 2*lm.maxTransitions) || over(missed, 2*lm.maxMissed):
			level = "critical"
		case over(drops, lm.maxTransitions) || over(missed, lm.maxMissed):
			level = "warning"
		}

		if level != "" && severity(level) > severity(h.alerted) {
			alerts = append(alerts, LinkAlert{
				Station: st,
				Level:   level,
				Drops:   drops,
				Missed:  missed,
				Message: fmt.Sprintf("%s: %d link drops and %d missed packets in the last hour", st, drops, missed),
			})
		}
		h.alerted = level
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Station.Index() < alerts[j].Station.Index() })
	return alerts
}

func over(value, threshold int) bool {
	return threshold > 0 && value >= threshold
}

func severity(level string) int {
	switch level {
	case "warning":
		return 1
	case "critical":
		return 2
	}
	return 0
}

// CheckAndAlert runs CheckThresholds and emits an EventLinkAlert per alert.
func (lm *LinkMonitor) CheckAndAlert(ctx context.Context) []LinkAlert {
	alerts := lm.CheckThresholds()
	for _, alert := range alerts {
		lm.logger.Warn().
			Str("station", alert.Station.String()).
			Str("level", alert.Level).
			Int("drops", alert.Drops).
			Int("missed", alert.Missed).
			Msg("link threshold alert")

		if lm.emitter == nil {
			continue
		}
		lm.emitter.Emit(ctx, events.Event{
			Type:   events.EventLinkAlert,
			Source: "link_monitor:" + alert.Station.Code(),
			Payload: events.LinkAlertPayload{
				Station: alert.Station,
				Title:   "Unstable link",
				Message: alert.Message,
				Level:   alert.Level,
			},
		})
	}
	return alerts
}

// Start runs CheckAndAlert on every interval until ctx is cancelled.
func (lm *LinkMonitor) Start(ctx context.Context, checkInterval time.Duration) {
	ticker := lm.clock.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			lm.CheckAndAlert(ctx)
		}
	}
}
