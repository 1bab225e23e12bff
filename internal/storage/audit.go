package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one recorded use of an escape hatch.
type AuditEvent struct {
	ID         string
	SandboxID  string
	Backend    string
	Kind       string
	Type       string
	Reason     string
	Site       string
	Function   string
	OccurredAt time.Time
}

// AuditFilter narrows ListAuditEvents. Zero fields match everything.
type AuditFilter struct {
	SandboxID string
	Kind      string
	Site      string // substring match
	Since     time.Time
	Limit     int
}

// SiteSummary aggregates events by call site and kind.
type SiteSummary struct {
	Site     string
	Function string
	Kind     string
	Count    int
	LastSeen time.Time
}

const insertAuditEvent = `INSERT INTO audit_events
	(id, sandbox_id, backend, kind, value_type, reason, site, function, occurred_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertAuditEvents stores events in one transaction. Events without an ID
// get a fresh one.
func (db *DB) InsertAuditEvents(events ...AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	return db.WithTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(insertAuditEvent)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range events {
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			if e.OccurredAt.IsZero() {
				e.OccurredAt = time.Now()
			}
			_, err := stmt.Exec(e.ID, e.SandboxID, e.Backend, e.Kind, e.Type,
				e.Reason, e.Site, e.Function, e.OccurredAt.UTC())
			if err != nil {
				return fmt.Errorf("insert audit event %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// ListAuditEvents returns matching events, newest first.
func (db *DB) ListAuditEvents(f AuditFilter) ([]AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.SandboxID != "" {
		where = append(where, "sandbox_id = ?")
		args = append(args, f.SandboxID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Site != "" {
		where = append(where, "site LIKE '%' || ? || '%'")
		args = append(args, f.Site)
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.Since.UTC())
	}

	query := "SELECT id, sandbox_id, backend, kind, value_type, reason, site, function, occurred_at FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.SandboxID, &e.Backend, &e.Kind, &e.Type,
			&e.Reason, &e.Site, &e.Function, &e.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SummarizeAuditEvents groups events by call site, most frequent first.
func (db *DB) SummarizeAuditEvents() ([]SiteSummary, error) {
	rows, err := db.Query(`
		SELECT site, function, kind, COUNT(*), MAX(occurred_at)
		FROM audit_events
		GROUP BY site, function, kind
		ORDER BY COUNT(*) DESC, site`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SiteSummary
	for rows.Next() {
		var (
			s    SiteSummary
			last string
		)
		if err := rows.Scan(&s.Site, &s.Function, &s.Kind, &s.Count, &last); err != nil {
			return nil, err
		}
		s.LastSeen = parseTime(last)
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneAuditEvents deletes events older than before.
func (db *DB) PruneAuditEvents(before time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM audit_events WHERE occurred_at < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// parseTime reads an aggregate timestamp, which SQLite returns as text.
func parseTime(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
