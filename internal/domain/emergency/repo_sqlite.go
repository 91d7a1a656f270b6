package emergency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqliteTime is fixed width so that text ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements VisitRepository and AlertRepository on an embedded
// SQLite database. All access goes through a single connection, which also
// keeps ":memory:" databases alive for the life of the store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path (":memory:" for a throwaway database) and
// creates the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &SQLiteStore{db: conn}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate sqlite database: %w", err)
	}
	return s, nil
}

func newSQLiteStoreWithDB(conn *sql.DB) *SQLiteStore { return &SQLiteStore{db: conn} }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
		PRAGMA foreign_keys = ON;

		CREATE TABLE IF NOT EXISTS ed_visit (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			triage_level TEXT NOT NULL,
			complaint TEXT NOT NULL,
			status TEXT NOT NULL,
			vital_signs TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ed_status_log (
			id TEXT PRIMARY KEY,
			visit_id TEXT NOT NULL,
			logged_at TEXT NOT NULL,
			status TEXT NOT NULL,
			location TEXT NOT NULL,
			recorded_by TEXT NOT NULL,
			notes TEXT,
			FOREIGN KEY (visit_id) REFERENCES ed_visit(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS ed_alert (
			id TEXT PRIMARY KEY,
			visit_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			message TEXT NOT NULL,
			raised_at TEXT NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			acknowledged_by TEXT,
			acknowledged_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_ed_visit_status ON ed_visit(status);
		CREATE INDEX IF NOT EXISTS idx_ed_status_log_visit ON ed_status_log(visit_id, logged_at);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_ed_alert_open ON ed_alert(visit_id) WHERE acknowledged = 0;
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTime) }

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeVitals(vs *VitalSigns) (sql.NullString, error) {
	if vs == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(vs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode vital signs: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sqliteVisitCols = `id, patient_id, triage_level, complaint, status, vital_signs, created_at, updated_at`

func scanSQLiteVisit(row rowScanner) (*Visit, error) {
	var (
		v                Visit
		vitals           sql.NullString
		created, updated string
	)
	err := row.Scan(&v.ID, &v.PatientID, &v.TriageLevel, &v.Complaint, &v.Status, &vitals, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if vitals.Valid {
		v.VitalSigns = &VitalSigns{}
		if err := json.Unmarshal([]byte(vitals.String), v.VitalSigns); err != nil {
			return nil, fmt.Errorf("decode vital signs: %w", err)
		}
	}
	if v.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if v.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return scanSQLiteVisit(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVisitCols+` FROM ed_visit WHERE id = ?`, id.String()))
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Create(ctx context.Context, v *Visit, intake *StatusLogEntry) error {
	vitals, err := encodeVitals(v.VitalSigns)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ed_visit (id, patient_id, triage_level, complaint, status, vital_signs, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID.String(), v.PatientID, string(v.TriageLevel), v.Complaint, string(v.Status), vitals,
			formatTime(v.CreatedAt), formatTime(v.UpdatedAt)); err != nil {
			return fmt.Errorf("insert visit: %w", err)
		}
		return insertSQLiteLog(ctx, tx, intake)
	})
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id uuid.UUID, from VisitStatus, entry *StatusLogEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE ed_visit SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(entry.Status), formatTime(entry.Timestamp), id.String(), string(from))
		if err != nil {
			return fmt.Errorf("update visit status: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return missingOrConflict(ctx, tx, id)
		}
		return insertSQLiteLog(ctx, tx, entry)
	})
}

func missingOrConflict(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM ed_visit WHERE id = ?`, id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusConflict
}

func (s *SQLiteStore) UpdateTriage(ctx context.Context, id uuid.UUID, level TriageLevel, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE ed_visit SET triage_level = ?, updated_at = ?
			WHERE id = ? AND status IN ('ACTIVE', 'IN_TREATMENT')`,
			string(level), formatTime(at), id.String())
		if err != nil {
			return fmt.Errorf("update triage level: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return missingOrConflict(ctx, tx, id)
		}
		return nil
	})
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entry *StatusLogEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM ed_visit WHERE id = ?`, entry.VisitID.String()).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return insertSQLiteLog(ctx, tx, entry)
	})
}

func insertSQLiteLog(ctx context.Context, tx *sql.Tx, e *StatusLogEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ed_status_log (id, visit_id, logged_at, status, location, recorded_by, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.VisitID.String(), formatTime(e.Timestamp), string(e.Status), e.Location, e.RecordedBy, e.Notes)
	if err != nil {
		return fmt.Errorf("insert status log entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByFilter(ctx context.Context, f QueueFilter) ([]*Visit, error) {
	query := `SELECT ` + sqliteVisitCols + ` FROM ed_visit WHERE 1=1`
	var args []any
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*f.Status))
	} else {
		query += ` AND status IN ('ACTIVE', 'IN_TREATMENT')`
	}
	if f.TriageLevel != nil {
		query += ` AND triage_level = ?`
		args = append(args, string(*f.TriageLevel))
	}
	query += ` ORDER BY ` + rankOrder + `, created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Visit{}
	for rows.Next() {
		v, err := scanSQLiteVisit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) ListLog(ctx context.Context, visitID uuid.UUID) ([]*StatusLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, visit_id, logged_at, status, location, recorded_by, notes
		FROM ed_status_log WHERE visit_id = ? ORDER BY logged_at, id`, visitID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*StatusLogEntry{}
	for rows.Next() {
		var (
			e      StatusLogEntry
			logged string
		)
		if err := rows.Scan(&e.ID, &e.VisitID, &logged, &e.Status, &e.Location, &e.RecordedBy, &e.Notes); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(logged); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) LastLogAt(ctx context.Context, visitID uuid.UUID) (time.Time, error) {
	var last sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(logged_at) FROM ed_status_log WHERE visit_id = ?`, visitID.String()).Scan(&last); err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return parseTime(last.String)
}

const sqliteAlertCols = `id, visit_id, alert_type, message, raised_at, acknowledged, acknowledged_by, acknowledged_at`

func scanSQLiteAlert(row rowScanner) (*CriticalAlert, error) {
	var (
		a       CriticalAlert
		raised  string
		ackedAt sql.NullString
	)
	err := row.Scan(&a.ID, &a.VisitID, &a.AlertType, &a.Message, &raised, &a.Acknowledged, &a.AcknowledgedBy, &ackedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.Timestamp, err = parseTime(raised); err != nil {
		return nil, err
	}
	if a.AcknowledgedAt, err = parseNullTime(ackedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) CreateAlert(ctx context.Context, a *CriticalAlert) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ed_alert (id, visit_id, alert_type, message, raised_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, 0)`,
		a.ID.String(), a.VisitID.String(), string(a.AlertType), a.Message, formatTime(a.Timestamp))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id uuid.UUID) (*CriticalAlert, error) {
	return scanSQLiteAlert(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAlertCols+` FROM ed_alert WHERE id = ?`, id.String()))
}

func (s *SQLiteStore) FindOpenAlert(ctx context.Context, visitID uuid.UUID) (*CriticalAlert, error) {
	return scanSQLiteAlert(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAlertCols+` FROM ed_alert WHERE visit_id = ? AND acknowledged = 0`, visitID.String()))
}

func (s *SQLiteStore) Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ed_alert SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ? AND acknowledged = 0`, actor, formatTime(at), id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetAlert(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*CriticalAlert, error) {
	query := `SELECT ` + sqliteAlertCols + ` FROM ed_alert WHERE 1=1`
	var args []any
	if f.VisitID != nil {
		query += ` AND visit_id = ?`
		args = append(args, f.VisitID.String())
	}
	if f.Acknowledged != nil {
		query += ` AND acknowledged = ?`
		args = append(args, *f.Acknowledged)
	}
	query += ` ORDER BY raised_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*CriticalAlert{}
	for rows.Next() {
		a, err := scanSQLiteAlert(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
