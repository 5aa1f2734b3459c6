package repo

import (
	"context"
	"database/sql"

	"clipline/internal/domain"
)

// UpsertDLQEntry creates or updates the dead-letter record for one
// (idempotency key, provider) pair. On conflict the retry bookkeeping is
// replaced with the caller's recomputed values.
func (r Repo) UpsertDLQEntry(ctx context.Context, e domain.DLQEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO dlq_entries(id,idempotency_key,provider,headers_json,payload,last_error,retry_count,next_retry_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(idempotency_key,provider) DO UPDATE SET
  last_error=excluded.last_error,
  retry_count=excluded.retry_count,
  next_retry_at=excluded.next_retry_at,
  updated_at=excluded.updated_at`,
		e.ID, e.IdempotencyKey, e.Provider, e.HeadersJSON, e.Payload, e.LastError, e.RetryCount, nullableStringPtr(e.NextRetryAt), e.CreatedAt, e.UpdatedAt)
	return err
}

func scanDLQEntry(scan func(dest ...any) error) (domain.DLQEntry, error) {
	var e domain.DLQEntry
	var next sql.NullString
	err := scan(&e.ID, &e.IdempotencyKey, &e.Provider, &e.HeadersJSON, &e.Payload, &e.LastError, &e.RetryCount, &next, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if next.Valid {
		e.NextRetryAt = &next.String
	}
	return e, nil
}

const dlqColumns = `id,idempotency_key,provider,headers_json,payload,last_error,retry_count,next_retry_at,created_at,updated_at`

// GetDLQEntry fetches the record for one (idempotency key, provider) pair.
func (r Repo) GetDLQEntry(ctx context.Context, key, provider string) (domain.DLQEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dlq_entries WHERE idempotency_key=? AND provider=?`, key, provider)
	return scanDLQEntry(row.Scan)
}

// DueDLQEntries returns entries whose next_retry_at has elapsed or is
// unset, oldest created first, up to limit.
func (r Repo) DueDLQEntries(ctx context.Context, now string, limit int) ([]domain.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_entries WHERE next_retry_at IS NULL OR next_retry_at <= ? ORDER BY created_at, id`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListDLQEntries returns all entries, oldest created first.
func (r Repo) ListDLQEntries(ctx context.Context, limit int) ([]domain.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_entries ORDER BY created_at, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// DeleteDLQEntry removes a drained record after a successful replay.
func (r Repo) DeleteDLQEntry(ctx context.Context, key, provider string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM dlq_entries WHERE idempotency_key=? AND provider=?`, key, provider)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
