package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/edtracker/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgForeignKeyViolation = "23503"

// PGStore implements VisitRepository and AlertRepository on PostgreSQL.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (r *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *PGStore) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func (r *PGStore) PoolStats() *db.PoolStats { return db.GetPoolStats(r.pool) }

// =========== Visits ===========

const visitCols = `id, patient_id, triage_level, complaint, status, vital_signs, created_at, updated_at`

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.PatientID, &v.TriageLevel, &v.Complaint, &v.Status,
		&v.VitalSigns, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &v, err
}

func (r *PGStore) FindByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM ed_visit WHERE id = $1`, id))
}

func (r *PGStore) Create(ctx context.Context, v *Visit, intake *StatusLogEntry) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ed_visit (id, patient_id, triage_level, complaint, status, vital_signs, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			v.ID, v.PatientID, v.TriageLevel, v.Complaint, v.Status, v.VitalSigns, v.CreatedAt, v.UpdatedAt); err != nil {
			return fmt.Errorf("insert visit: %w", err)
		}
		return insertLog(ctx, tx, intake)
	})
}

func (r *PGStore) UpdateStatus(ctx context.Context, id uuid.UUID, from VisitStatus, entry *StatusLogEntry) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		var current VisitStatus
		err := tx.QueryRow(ctx, `SELECT status FROM ed_visit WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock visit: %w", err)
		}
		if current != from {
			return ErrStatusConflict
		}
		if _, err := tx.Exec(ctx, `UPDATE ed_visit SET status = $2, updated_at = $3 WHERE id = $1`,
			id, entry.Status, entry.Timestamp); err != nil {
			return fmt.Errorf("update visit status: %w", err)
		}
		return insertLog(ctx, tx, entry)
	})
}

func (r *PGStore) UpdateTriage(ctx context.Context, id uuid.UUID, level TriageLevel, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ed_visit SET triage_level = $2, updated_at = $3
		WHERE id = $1 AND status IN ('ACTIVE', 'IN_TREATMENT')`, id, level, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

func (r *PGStore) AppendLog(ctx context.Context, entry *StatusLogEntry) error {
	return insertLog(ctx, r.conn(ctx), entry)
}

func insertLog(ctx context.Context, q queryable, e *StatusLogEntry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO ed_status_log (id, visit_id, logged_at, status, location, recorded_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.VisitID, e.Timestamp, e.Status, e.Location, e.RecordedBy, e.Notes)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return ErrNotFound
	}
	return err
}

// rankOrder sorts CRITICAL first without relying on collation.
const rankOrder = `CASE triage_level WHEN 'CRITICAL' THEN 1 WHEN 'HIGH' THEN 2 WHEN 'MODERATE' THEN 3 WHEN 'LOW' THEN 4 ELSE 5 END`

func (r *PGStore) ListByFilter(ctx context.Context, f QueueFilter) ([]*Visit, error) {
	query := `SELECT ` + visitCols + ` FROM ed_visit WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Status != nil {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, *f.Status)
		idx++
	} else {
		query += ` AND status IN ('ACTIVE', 'IN_TREATMENT')`
	}
	if f.TriageLevel != nil {
		query += fmt.Sprintf(` AND triage_level = $%d`, idx)
		args = append(args, *f.TriageLevel)
	}
	query += ` ORDER BY ` + rankOrder + `, created_at, id`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Visit{}
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *PGStore) ListLog(ctx context.Context, visitID uuid.UUID) ([]*StatusLogEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, visit_id, logged_at, status, location, recorded_by, notes
		FROM ed_status_log WHERE visit_id = $1 ORDER BY logged_at, id`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*StatusLogEntry{}
	for rows.Next() {
		var e StatusLogEntry
		if err := rows.Scan(&e.ID, &e.VisitID, &e.Timestamp, &e.Status, &e.Location, &e.RecordedBy, &e.Notes); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *PGStore) LastLogAt(ctx context.Context, visitID uuid.UUID) (time.Time, error) {
	var last *time.Time
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT MAX(logged_at) FROM ed_status_log WHERE visit_id = $1`, visitID).Scan(&last); err != nil {
		return time.Time{}, err
	}
	if last == nil {
		return time.Time{}, nil
	}
	return last.UTC(), nil
}

// =========== Alerts ===========

const alertCols = `id, visit_id, alert_type, message, raised_at, acknowledged, acknowledged_by, acknowledged_at`

func scanAlert(row pgx.Row) (*CriticalAlert, error) {
	var a CriticalAlert
	err := row.Scan(&a.ID, &a.VisitID, &a.AlertType, &a.Message, &a.Timestamp,
		&a.Acknowledged, &a.AcknowledgedBy, &a.AcknowledgedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &a, err
}

// CreateAlert relies on the partial unique index uq_ed_alert_open.
func (r *PGStore) CreateAlert(ctx context.Context, a *CriticalAlert) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ed_alert (id, visit_id, alert_type, message, raised_at, acknowledged)
		VALUES ($1,$2,$3,$4,$5,FALSE)
		ON CONFLICT (visit_id) WHERE NOT acknowledged DO NOTHING`,
		a.ID, a.VisitID, a.AlertType, a.Message, a.Timestamp)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGStore) GetAlert(ctx context.Context, id uuid.UUID) (*CriticalAlert, error) {
	return scanAlert(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM ed_alert WHERE id = $1`, id))
}

func (r *PGStore) FindOpenAlert(ctx context.Context, visitID uuid.UUID) (*CriticalAlert, error) {
	return scanAlert(r.conn(ctx).QueryRow(ctx,
		`SELECT `+alertCols+` FROM ed_alert WHERE visit_id = $1 AND NOT acknowledged`, visitID))
}

func (r *PGStore) Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ed_alert SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $1 AND NOT acknowledged`, id, actor, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetAlert(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PGStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*CriticalAlert, error) {
	query := `SELECT ` + alertCols + ` FROM ed_alert WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.VisitID != nil {
		query += fmt.Sprintf(` AND visit_id = $%d`, idx)
		args = append(args, *f.VisitID)
		idx++
	}
	if f.Acknowledged != nil {
		query += fmt.Sprintf(` AND acknowledged = $%d`, idx)
		args = append(args, *f.Acknowledged)
	}
	query += ` ORDER BY raised_at DESC, id`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*CriticalAlert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
