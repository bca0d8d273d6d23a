package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authrisk/internal/database"
	apperrors "authrisk/internal/errors"
)

const recordColumns = "id, kind, subject_id, ip, type, severity, data, created_at"

// SQLStore keeps records in the risk_records table
type SQLStore struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLStore creates a store over a migrated connection
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Insert appends a record
func (s *SQLStore) Insert(ctx context.Context, rec *Record) error {
	if rec.Kind == "" {
		return apperrors.NewValidationError("kind", "record kind is required")
	}
	rec.Prepare(s.now())

	data := rec.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return apperrors.NewValidationError("data", err.Error())
	}

	query := s.db.Rebind(`INSERT INTO risk_records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		rec.ID.String(), string(rec.Kind), rec.SubjectID, rec.IP, rec.Type, rec.Severity,
		string(payload), rec.CreatedAt.UnixMilli())
	if err != nil {
		return apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeDBQuery, "store", err)
	}
	return nil
}

// where builds the WHERE clause shared by Query, Count and Delete
func where(f Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.IP != "" {
		conds = append(conds, "ip = ?")
		args = append(args, f.IP)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.Until.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns matching records, newest first
func (s *SQLStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	clause, args := where(f)
	query := `SELECT ` + recordColumns + ` FROM risk_records` + clause + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeDBQuery, "store", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			id, kind  string
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&id, &kind, &rec.SubjectID, &rec.IP, &rec.Type, &rec.Severity, &payload, &createdAt); err != nil {
			return nil, apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeDBQuery, "store", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "corrupt record id", err)
		}
		rec.Kind = Kind(kind)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Data); err != nil {
				return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "corrupt record data", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeDBQuery, "store", err)
	}
	return records, nil
}

// Count returns the number of matching records. Limit is ignored.
func (s *SQLStore) Count(ctx context.Context, f Filter) (int, error) {
	clause, args := where(f)
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM risk_records`+clause), args...).Scan(&n)
	if err != nil {
		return 0, apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeDBQuery, "store", err)
	}
	return n, nil
}

// Delete removes matching records. An unconstrained filter is rejected.
func (s *SQLStore) Delete(ctx context.Context, f Filter) (int64, error) {
	clause, args := where(f)
	if clause == "" {
		return 0, apperrors.NewValidationError("filter", "delete requires at least one constraint")
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM risk_records`+clause), args...)
	if err != nil {
		return 0, apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeDBQuery, "store", err)
	}
	return res.RowsAffected()
}
