// audit.go -- append-only audit_events rows.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// InsertAuditEvent appends one event. Details must already be sanitized JSON.
func (s *PostgresStore) InsertAuditEvent(ctx context.Context, e *AuditEvent) error {
	details := e.Details
	if len(details) == 0 {
		details = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, user_id, session_id, event_type, category, ip_address, user_agent,
			country, device_id, success, failure_reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.UserID, e.SessionID, e.EventType, e.Category, e.IPAddress, e.UserAgent,
		e.Country, e.DeviceID, e.Success, e.FailureReason, details, e.CreatedAt)
	return err
}

// ListAuditEvents returns events matching f, newest first.
func (s *PostgresStore) ListAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at < $%d", *f.Until)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}

	q := `SELECT id, user_id, session_id, event_type, category, ip_address, user_agent,
		country, device_id, success, failure_reason, details, created_at FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &e.EventType, &e.Category, &e.IPAddress, &e.UserAgent,
			&e.Country, &e.DeviceID, &e.Success, &e.FailureReason, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountAuditEvents aggregates events created since by (event_type, success).
func (s *PostgresStore) CountAuditEvents(ctx context.Context, since time.Time) ([]AuditCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_type, success, count(*) FROM audit_events
		WHERE created_at >= $1
		GROUP BY event_type, success
		ORDER BY event_type, success`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditCount
	for rows.Next() {
		var c AuditCount
		if err := rows.Scan(&c.EventType, &c.Success, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
