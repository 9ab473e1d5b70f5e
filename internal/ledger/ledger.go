// Package ledger provides the append-only activity history: who put
// which signal on which room, and what the bridge connection did.
package ledger

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Entry represents a single event in the activity log
type Entry struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	RoomID    string    `json:"room_id,omitempty"`
	SignalID  string    `json:"signal_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// Ledger provides append-only activity logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append adds a new entry. A missing ID or timestamp is filled in.
func (l *Ledger) Append(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err := l.db.Exec(`
		INSERT INTO activity (id, event_type, timestamp, room_id, signal_id, detail, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EventType, e.Timestamp.Unix(), e.RoomID, e.SignalID, e.Detail, e.Source)
	return err
}

// Recent returns the newest entries, newest first. Timestamps have
// one-second resolution; rowid breaks ties for entries landing in the
// same second.
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, room_id, signal_id, detail, source
		FROM activity
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// RecentByType returns the newest entries of one event type, newest first.
func (l *Ledger) RecentByType(eventType string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, room_id, signal_id, detail, source
		FROM activity
		WHERE event_type = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, eventType, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the cutoff (retention policy)
func (l *Ledger) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := l.db.Exec(`
		DELETE FROM activity WHERE timestamp < ?
	`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// clampLimit keeps the feed query bounded.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var roomID, signalID, detail, source sql.NullString
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.EventType, &timestamp, &roomID, &signalID, &detail, &source,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		if roomID.Valid {
			entry.RoomID = roomID.String
		}
		if signalID.Valid {
			entry.SignalID = signalID.String
		}
		if detail.Valid {
			entry.Detail = detail.String
		}
		if source.Valid {
			entry.Source = source.String
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
