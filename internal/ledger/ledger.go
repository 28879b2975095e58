// Package ledger keeps an append-only history of flame firings and playlist
// changes for auditing and for restoring the trigger cooldown after a restart.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dokzlo13/mindwaved/internal/eventbus"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventFired          EventType = "flame_fired"
	EventFailed         EventType = "flame_failed"
	EventPlaylistChange EventType = "playlist_changed"
	EventWorkerFailed   EventType = "worker_failed"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64
	EventType EventType
	Timestamp time.Time
	Payload   map[string]any
	Source    string
	EventID   string
}

// Ledger provides append-only event logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append adds an event. A second append with the same non-empty eventID and
// type is ignored.
func (l *Ledger) Append(eventType EventType, at time.Time, eventID, source string, payload map[string]any) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	_, err := l.db.Exec(`
		INSERT OR IGNORE INTO event_ledger (event_type, timestamp, payload, source, event_id)
		VALUES (?, ?, ?, ?, ?)
	`, string(eventType), at.UTC().UnixMilli(), string(payloadJSON), source, eventID)

	return err
}

// LastOf returns the time of the most recent event of the given type.
// ok is false when there is none.
func (l *Ledger) LastOf(eventType EventType) (at time.Time, ok bool, err error) {
	var ts sql.NullInt64
	err = l.db.QueryRow(`
		SELECT MAX(timestamp) FROM event_ledger WHERE event_type = ?
	`, string(eventType)).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ts.Int64).UTC(), true, nil
}

// GetByType returns the newest entries of a type, newest first.
func (l *Ledger) GetByType(eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, payload, source, event_id
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	result, err := l.db.Exec(`DELETE FROM event_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Handle records bus events. Suitable for eventbus.Bus.Subscribe.
func (l *Ledger) Handle(e eventbus.Event) error {
	return l.Append(ledgerType(e.Type), e.At, e.ID, "eventbus", e.Data)
}

func ledgerType(t eventbus.EventType) EventType {
	switch t {
	case eventbus.EventTypeTriggerFired:
		return EventFired
	case eventbus.EventTypeTriggerFailed:
		return EventFailed
	case eventbus.EventTypePlaylist:
		return EventPlaylistChange
	case eventbus.EventTypeWorkerFailed:
		return EventWorkerFailed
	default:
		return EventType(t)
	}
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, source, eventID sql.NullString
		var timestamp int64

		if err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &payloadStr, &source, &eventID); err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		entry.Source = source.String
		entry.EventID = eventID.String

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
