package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"trustgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const recordColumns = `id,checkpoint_name,status,success,COALESCE(verification_id,''),COALESCE(previous_verification_id,''),COALESCE(verification_status,''),COALESCE(outcome,''),COALESCE(session_id,''),COALESCE(user_id,''),COALESCE(ip,''),COALESCE(error_message,''),duration_ms,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.VerificationRecord, error) {
	var rec domain.VerificationRecord
	var success int
	err := row.Scan(&rec.ID, &rec.CheckpointName, &rec.Status, &success, &rec.VerificationID, &rec.PreviousVerificationID,
		&rec.VerificationStatus, &rec.Outcome, &rec.SessionID, &rec.UserID, &rec.IP, &rec.ErrorMessage, &rec.DurationMS, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	rec.Success = success != 0
	return rec, err
}

// InsertVerificationRecordTx stores one checkpoint outcome.
func (r Repo) InsertVerificationRecordTx(ctx context.Context, tx *sql.Tx, rec domain.VerificationRecord) error {
	if rec.ID == "" {
		return errors.New("id required")
	}
	if rec.CheckpointName == "" {
		rec.CheckpointName = "(invalid)"
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO verification_records(id,checkpoint_name,status,success,verification_id,previous_verification_id,verification_status,outcome,session_id,user_id,ip,error_message,duration_ms,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.CheckpointName, rec.Status, boolInt(rec.Success), nullable(rec.VerificationID), nullable(rec.PreviousVerificationID),
		nullable(rec.VerificationStatus), nullable(rec.Outcome), nullable(rec.SessionID), nullable(rec.UserID), nullable(rec.IP),
		nullable(rec.ErrorMessage), rec.DurationMS, rec.CreatedAt)
	return err
}

func (r Repo) GetVerificationRecord(ctx context.Context, id string) (domain.VerificationRecord, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM verification_records WHERE id=?`, id))
}

// VerificationChain returns every record that produced or continued the
// given verification id, oldest first.
func (r Repo) VerificationChain(ctx context.Context, verificationID string) ([]domain.VerificationRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM verification_records WHERE verification_id=? OR previous_verification_id=? ORDER BY created_at ASC, id ASC`,
		verificationID, verificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerificationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return res, nil
}

// RecordFilter narrows ListVerificationRecords. AfterTS/AfterID form a
// keyset cursor over (created_at DESC, id DESC).
type RecordFilter struct {
	CheckpointName string
	Status         string
	SessionID      string
	UserID         string
	AfterTS        string
	AfterID        string
	Limit          int
}

func (r Repo) ListVerificationRecords(ctx context.Context, f RecordFilter) ([]domain.VerificationRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.CheckpointName != "" {
		clauses = append(clauses, "checkpoint_name=?")
		args = append(args, f.CheckpointName)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.AfterTS != "" && f.AfterID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.AfterTS, f.AfterTS, f.AfterID)
	}
	query := fmt.Sprintf(`SELECT %s FROM verification_records WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, recordColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerificationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountByStatus returns checkpoint outcome counts, optionally for one checkpoint.
func (r Repo) CountByStatus(ctx context.Context, checkpointName string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM verification_records`
	var args []any
	if checkpointName != "" {
		query += ` WHERE checkpoint_name=?`
		args = append(args, checkpointName)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r Repo) InsertEventDeliveryTx(ctx context.Context, tx *sql.Tx, d domain.EventDelivery) error {
	if d.ID == "" {
		return errors.New("id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO event_deliveries(id,event_name,success,attempts,session_id,user_id,error_message,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.EventName, boolInt(d.Success), d.Attempts, nullable(d.SessionID), nullable(d.UserID), nullable(d.ErrorMessage), d.CreatedAt)
	return err
}

func (r Repo) ListEventDeliveries(ctx context.Context, limit int, eventName string) ([]domain.EventDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,event_name,success,attempts,COALESCE(session_id,''),COALESCE(user_id,''),COALESCE(error_message,''),created_at FROM event_deliveries`
	var args []any
	if eventName != "" {
		query += ` WHERE event_name=?`
		args = append(args, eventName)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EventDelivery
	for rows.Next() {
		var d domain.EventDelivery
		var success int
		if err := rows.Scan(&d.ID, &d.EventName, &success, &d.Attempts, &d.SessionID, &d.UserID, &d.ErrorMessage, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Success = success != 0
		res = append(res, d)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
