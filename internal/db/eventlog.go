package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fieldlink-project/fieldlink/internal/events"
)

// EventLog records link and match history for post-match review.
type EventLog struct {
	db  *Database
	now func() time.Time
}

// LinkEvent is one recorded link transition.
type LinkEvent struct {
	ID      int64     `json:"id"`
	Station string    `json:"station"`
	Team    uint16    `json:"team"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// MatchEvent is one recorded match phase change.
type MatchEvent struct {
	ID          int64     `json:"id"`
	Level       string    `json:"level"`
	MatchNumber uint16    `json:"match_number"`
	PlayNumber  uint8     `json:"play_number"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// Alert is a link alert raised by the health monitor.
type Alert struct {
	ID           int64     `json:"id"`
	Station      string    `json:"station"`
	Title        string    `json:"title"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewEventLog opens the database and runs migrations.
func NewEventLog(dbPath string) (*EventLog, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	el := &EventLog{db: database, now: time.Now}
	if err := el.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate event log: %w", err)
	}
	return el, nil
}

// migrate creates the database schema. Times are stored as unix
// milliseconds so range queries and pruning compare integers.
func (el *EventLog) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS link_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			station TEXT NOT NULL,
			team INTEGER NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at_ms INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS match_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			level TEXT NOT NULL,
			match_number INTEGER NOT NULL,
			play_number INTEGER NOT NULL,
			from_phase TEXT NOT NULL,
			to_phase TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at_ms INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			station TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			level TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			created_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_link_events_station ON link_events(station, at_ms);
		CREATE INDEX IF NOT EXISTS idx_match_events_at ON match_events(at_ms);
		CREATE INDEX IF NOT EXISTS idx_alerts_acknowledged ON alerts(acknowledged);
	`

	_, err := el.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (el *EventLog) Close() error {
	return el.db.Close()
}

// HandleEvent persists the events the log keeps. Subscribe it with
// SubscribeAll.
func (el *EventLog) HandleEvent(ctx context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.LinkStatusPayload:
		return el.RecordLinkTransition(p)
	case events.MatchStatePayload:
		return el.RecordMatchState(p)
	case events.LinkAlertPayload:
		station := ""
		if p.Station.Valid() {
			station = p.Station.Code()
		}
		return el.CreateAlert(station, p.Title, p.Level, p.Message)
	}
	return nil
}

// RecordLinkTransition stores one link status change.
func (el *EventLog) RecordLinkTransition(p events.LinkStatusPayload) error {
	at := p.At
	if at.IsZero() {
		at = el.now()
	}
	_, err := el.db.Exec(
		"INSERT INTO link_events (station, team, from_status, to_status, reason, at_ms) VALUES (?, ?, ?, ?, ?, ?)",
		p.Station.Code(), p.Team, p.From.String(), p.To.String(), p.Reason, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record link transition: %w", err)
	}
	return nil
}

// RecordMatchState stores one match phase change.
func (el *EventLog) RecordMatchState(p events.MatchStatePayload) error {
	_, err := el.db.Exec(
		"INSERT INTO match_events (level, match_number, play_number, from_phase, to_phase, reason, at_ms) VALUES (?, ?, ?, ?, ?, ?, ?)",
		p.Level.String(), p.MatchNumber, p.PlayNumber, p.From.String(), p.To.String(), p.Reason, el.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record match state: %w", err)
	}
	return nil
}

// LinkEvents returns transitions newest first. An empty station means all
// stations.
func (el *EventLog) LinkEvents(station string, since time.Time, limit int) ([]LinkEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := el.db.Query(
		`SELECT id, station, team, from_status, to_status, reason, at_ms FROM link_events
		 WHERE (? = '' OR station = ?) AND at_ms >= ?
		 ORDER BY at_ms DESC, id DESC LIMIT ?`,
		station, station, since.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query link events: %w", err)
	}
	defer rows.Close()

	var out []LinkEvent
	for rows.Next() {
		var e LinkEvent
		var atMs int64
		if err := rows.Scan(&e.ID, &e.Station, &e.Team, &e.From, &e.To, &e.Reason, &atMs); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(atMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// MatchEvents returns phase changes newest first.
func (el *EventLog) MatchEvents(limit int) ([]MatchEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := el.db.Query(
		`SELECT id, level, match_number, play_number, from_phase, to_phase, reason, at_ms FROM match_events
		 ORDER BY at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query match events: %w", err)
	}
	defer rows.Close()

	var out []MatchEvent
	for rows.Next() {
		var e MatchEvent
		var atMs int64
		if err := rows.Scan(&e.ID, &e.Level, &e.MatchNumber, &e.PlayNumber, &e.From, &e.To, &e.Reason, &atMs); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(atMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateAlert creates a new alert record.
func (el *EventLog) CreateAlert(station, title, level, message string) error {
	_, err := el.db.Exec(
		"INSERT INTO alerts (station, title, level, message, created_ms) VALUES (?, ?, ?, ?, ?)",
		station, title, level, message, el.now().UnixMilli(),
	)
	return err
}

// GetUnacknowledgedAlerts returns all unacknowledged alerts.
func (el *EventLog) GetUnacknowledgedAlerts() ([]Alert, error) {
	rows, err := el.db.Query(
		"SELECT id, station, title, level, message, acknowledged, created_ms FROM alerts WHERE acknowledged = 0 ORDER BY created_ms DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		var createdMs int64
		if err := rows.Scan(&a.ID, &a.Station, &a.Title, &a.Level, &a.Message, &a.Acknowledged, &createdMs); err != nil {
			return nil, err
		}
		a.CreatedAt = time.UnixMilli(createdMs).UTC()
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks an alert as acknowledged.
func (el *EventLog) AcknowledgeAlert(alertID int64) error {
	res, err := el.db.Exec("UPDATE alerts SET acknowledged = 1 WHERE id = ?", alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Prune removes link and match events and acknowledged alerts older than
// before. It returns the number of rows removed.
func (el *EventLog) Prune(before time.Time) (int64, error) {
	cutoff := before.UnixMilli()
	var removed int64

	err := el.db.Transaction(func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM link_events WHERE at_ms < ?",
			"DELETE FROM match_events WHERE at_ms < ?",
			"DELETE FROM alerts WHERE acknowledged = 1 AND created_ms < ?",
		} {
			res, err := tx.Exec(q, cutoff)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune event log: %w", err)
	}

	log.Info().Int64("removed", removed).Time("before", before).Msg("event log pruned")
	return removed, nil
}
