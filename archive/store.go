// Package archive persists recorded alerts and escalation notices to
// SQLite, giving the bounded in-memory ledgers a durable history that
// survives restarts. The Recorder adapter attaches the store to the monitor
// as an observer.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id             TEXT PRIMARY KEY,
	severity       TEXT NOT NULL,
	violation_type TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	fidelity_score REAL,
	distance_score REAL,
	actions_json   TEXT,
	escalated      INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity);

CREATE TABLE IF NOT EXISTS escalations (
	id               TEXT PRIMARY KEY,
	level            TEXT NOT NULL,
	violation_id     TEXT NOT NULL DEFAULT '',
	assigned_to      TEXT NOT NULL DEFAULT '',
	response_target  INTEGER NOT NULL DEFAULT 0,
	notification_sent INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_escalations_created_at ON escalations(created_at);
`

// timeLayout is RFC 3339 with a fixed-width fraction. Rows are always UTC,
// so lexicographic order on created_at is chronological order, which the
// ORDER BY and prune comparisons rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite-backed alert archive.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive database and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAlert upserts an alert. Replays of the same alert ID overwrite rather
// than duplicate.
func (s *Store) SaveAlert(ctx context.Context, a monitor.Alert) error {
	var actions any
	if len(a.RecommendedActions) > 0 {
		data, err := json.Marshal(a.RecommendedActions)
		if err != nil {
			return fmt.Errorf("marshal recommended actions: %w", err)
		}
		actions = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, severity, violation_type, description,
			fidelity_score, distance_score, actions_json, escalated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			violation_type = excluded.violation_type,
			description = excluded.description,
			fidelity_score = excluded.fidelity_score,
			distance_score = excluded.distance_score,
			actions_json = excluded.actions_json,
			escalated = excluded.escalated`,
		a.ID, string(a.Severity), a.ViolationType, a.Description,
		nullableFloat(a.FidelityScore), nullableFloat(a.DistanceScore),
		actions, a.Escalated, a.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// SaveEscalation upserts an escalation notice.
func (s *Store) SaveEscalation(ctx context.Context, e monitor.Escalation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations (id, level, violation_id, assigned_to,
			response_target, notification_sent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			level = excluded.level,
			violation_id = excluded.violation_id,
			assigned_to = excluded.assigned_to,
			response_target = excluded.response_target,
			notification_sent = excluded.notification_sent`,
		e.ID, string(e.Level), e.ViolationID, e.AssignedTo,
		e.ResponseTimeTargetMinutes, e.NotificationSent,
		e.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit archived alerts, newest first. A
// non-positive limit returns everything.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]monitor.Alert, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, severity, violation_type, description, fidelity_score,
			distance_score, actions_json, escalated, created_at
		 FROM alerts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// AlertsBySeverity returns up to limit archived alerts of one severity,
// newest first.
func (s *Store) AlertsBySeverity(ctx context.Context, severity wire.Severity, limit int) ([]monitor.Alert, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, severity, violation_type, description, fidelity_score,
			distance_score, actions_json, escalated, created_at
		 FROM alerts WHERE severity = ? ORDER BY created_at DESC LIMIT ?`,
		string(severity), limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts by severity: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// CountBySeverity returns archived alert totals keyed by severity.
func (s *Store) CountBySeverity(ctx context.Context) (map[wire.Severity]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM alerts GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[wire.Severity]int)
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, fmt.Errorf("scan alert count: %w", err)
		}
		counts[wire.Severity(severity)] = n
	}
	return counts, rows.Err()
}

// RecentEscalations returns up to limit archived escalation notices, newest
// first. A non-positive limit returns everything.
func (s *Store) RecentEscalations(ctx context.Context, limit int) ([]monitor.Escalation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, violation_id, assigned_to, response_target,
			notification_sent, created_at
		 FROM escalations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var out []monitor.Escalation
	for rows.Next() {
		var e monitor.Escalation
		var level, createdAt string
		if err := rows.Scan(&e.ID, &level, &e.ViolationID, &e.AssignedTo,
			&e.ResponseTimeTargetMinutes, &e.NotificationSent, &createdAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.Level = wire.EscalationLevel(level)
		e.Timestamp = parseArchiveTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes alerts and escalations recorded before the cutoff and
// returns how many rows were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UTC().Format(timeLayout)

	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	alerts, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM escalations WHERE created_at < ?`, cutoff)
	if err != nil {
		return alerts, fmt.Errorf("prune escalations: %w", err)
	}
	escalations, _ := res.RowsAffected()

	return alerts + escalations, nil
}

func scanAlerts(rows *sql.Rows) ([]monitor.Alert, error) {
	var out []monitor.Alert
	for rows.Next() {
		var a monitor.Alert
		var severity, createdAt string
		var fidelity, distance sql.NullFloat64
		var actions sql.NullString
		if err := rows.Scan(&a.ID, &severity, &a.ViolationType, &a.Description,
			&fidelity, &distance, &actions, &a.Escalated, &createdAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Severity = wire.Severity(severity)
		if fidelity.Valid {
			v := fidelity.Float64
			a.FidelityScore = &v
		}
		if distance.Valid {
			v := distance.Float64
			a.DistanceScore = &v
		}
		if actions.Valid && actions.String != "" {
			if err := json.Unmarshal([]byte(actions.String), &a.RecommendedActions); err != nil {
				return nil, fmt.Errorf("unmarshal recommended actions: %w", err)
			}
		}
		a.Timestamp = parseArchiveTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// parseArchiveTime tolerates rows written by hand or by older builds; a bad
// timestamp yields the zero time rather than a read failure.
func parseArchiveTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
