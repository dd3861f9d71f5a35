package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/rules"
)

// SQLiteAlerts persists alerts in a SQLite database so active alerts survive
// a restart. Times are stored as Unix nanoseconds.
type SQLiteAlerts struct {
	db *sql.DB
}

// OpenSQLiteAlerts opens (or creates) the alerts database at path.
func OpenSQLiteAlerts(path string) (*SQLiteAlerts, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open alerts db: %w", err)
	}
	// One writer; keeps SQLITE_BUSY out of concurrent commits.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS alerts (
		id              TEXT PRIMARY KEY,
		machine_id      TEXT NOT NULL,
		rule_id         TEXT NOT NULL,
		severity        INTEGER NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		status          TEXT NOT NULL,
		resolved_at     INTEGER,
		resolution_note TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create alerts: %w", err)
	}

	// At most one active alert per (machine, rule).
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active
		ON alerts(machine_id, rule_id) WHERE status = 'active'`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create active index: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create created_at index: %w", err)
	}

	return &SQLiteAlerts{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteAlerts) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const alertColumns = `id, machine_id, rule_id, severity, description, created_at, status, resolved_at, resolution_note`

func (s *SQLiteAlerts) Active(ctx context.Context, machineID string) ([]alerts.Alert, error) {
	return s.query(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE status = 'active' AND machine_id = ?`, machineID)
}

func (s *SQLiteAlerts) ActiveAll(ctx context.Context) ([]alerts.Alert, error) {
	return s.query(ctx, `SELECT `+alertColumns+` FROM alerts WHERE status = 'active'`)
}

func (s *SQLiteAlerts) Get(ctx context.Context, id string) (alerts.Alert, error) {
	list, err := s.query(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	if err != nil {
		return alerts.Alert{}, err
	}
	if len(list) == 0 {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	return list[0], nil
}

func (s *SQLiteAlerts) Since(ctx context.Context, t time.Time, limit int) ([]alerts.Alert, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE created_at >= ? ORDER BY created_at DESC, id ASC LIMIT ?`, t.UnixNano(), limit)
}

// Commit resolves then inserts inside one transaction.
func (s *SQLiteAlerts) Commit(ctx context.Context, created, resolved []alerts.Alert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range resolved {
		var resolvedAt int64
		if a.ResolvedAt != nil {
			resolvedAt = a.ResolvedAt.UnixNano()
		}
		res, err := tx.ExecContext(ctx, `UPDATE alerts
			SET status = 'resolved', resolved_at = ?, resolution_note = ?
			WHERE id = ? AND status = 'active'`,
			resolvedAt, a.ResolutionNote, a.ID)
		if err != nil {
			return fmt.Errorf("store: resolve %s: %w", a.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			if _, err := s.getTx(ctx, tx, a.ID); errors.Is(err, alerts.ErrNotFound) {
				return fmt.Errorf("store: resolve %s: %w", a.ID, alerts.ErrNotFound)
			}
			return fmt.Errorf("store: resolve %s: %w", a.ID, alerts.ErrAlreadyResolved)
		}
	}

	for _, a := range created {
		if _, err := s.getTx(ctx, tx, a.ID); err == nil {
			return fmt.Errorf("store: create %s: %w", a.ID, alerts.ErrExists)
		} else if !errors.Is(err, alerts.ErrNotFound) {
			return fmt.Errorf("store: create %s: %w", a.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO alerts (`+alertColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, 'active', NULL, '')`,
			a.ID, a.MachineID, a.RuleID, int(a.Severity), a.Description, a.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("store: create %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *SQLiteAlerts) getTx(ctx context.Context, tx *sql.Tx, id string) (alerts.Alert, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	if err != nil {
		return alerts.Alert{}, err
	}
	list, err := scanAlerts(rows)
	if err != nil {
		return alerts.Alert{}, err
	}
	if len(list) == 0 {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	return list[0], nil
}

func (s *SQLiteAlerts) query(ctx context.Context, q string, args ...any) ([]alerts.Alert, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query alerts: %w", err)
	}
	return scanAlerts(rows)
}

func scanAlerts(rows *sql.Rows) ([]alerts.Alert, error) {
	defer rows.Close()
	var out []alerts.Alert
	for rows.Next() {
		var (
			a          alerts.Alert
			severity   int
			createdAt  int64
			status     string
			resolvedAt sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.MachineID, &a.RuleID, &severity, &a.Description,
			&createdAt, &status, &resolvedAt, &a.ResolutionNote); err != nil {
			return nil, fmt.Errorf("store: scan alert: %w", err)
		}
		a.Severity = rules.Severity(severity)
		a.CreatedAt = time.Unix(0, createdAt)
		a.Status = alerts.Status(status)
		if resolvedAt.Valid {
			t := time.Unix(0, resolvedAt.Int64)
			a.ResolvedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
