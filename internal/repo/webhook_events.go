package repo

import (
	"context"
	"database/sql"

	"clipline/internal/domain"
)

// InsertWebhookEvent admits an event at most once per idempotency key.
// It returns false without error when the key was already seen; the unique
// constraint on the key column is the sole de-duplication mechanism.
func (r Repo) InsertWebhookEvent(ctx context.Context, evt domain.WebhookEvent) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO webhook_events(idempotency_key,provider,received_at,headers_json,payload,signature_state) VALUES (?,?,?,?,?,?)`,
		evt.IdempotencyKey, evt.Provider, evt.ReceivedAt, evt.HeadersJSON, evt.Payload, evt.SignatureState)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetWebhookEvent fetches a stored event by idempotency key.
func (r Repo) GetWebhookEvent(ctx context.Context, key string) (domain.WebhookEvent, error) {
	var evt domain.WebhookEvent
	err := r.DB.QueryRowContext(ctx, `SELECT idempotency_key,provider,received_at,headers_json,payload,signature_state FROM webhook_events WHERE idempotency_key=?`, key).
		Scan(&evt.IdempotencyKey, &evt.Provider, &evt.ReceivedAt, &evt.HeadersJSON, &evt.Payload, &evt.SignatureState)
	if err == sql.ErrNoRows {
		return evt, ErrNotFound
	}
	return evt, err
}

// ListWebhookEvents returns recent events for a provider, newest first.
func (r Repo) ListWebhookEvents(ctx context.Context, provider string, limit int) ([]domain.WebhookEvent, error) {
	query := `SELECT idempotency_key,provider,received_at,headers_json,payload,signature_state FROM webhook_events`
	var args []any
	if provider != "" {
		query += ` WHERE provider=?`
		args = append(args, provider)
	}
	query += ` ORDER BY received_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookEvent
	for rows.Next() {
		var evt domain.WebhookEvent
		if err := rows.Scan(&evt.IdempotencyKey, &evt.Provider, &evt.ReceivedAt, &evt.HeadersJSON, &evt.Payload, &evt.SignatureState); err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// PruneWebhookEvents deletes events received before the cutoff. Pruning is
// best-effort housekeeping and must never fail the write it rides on.
func (r Repo) PruneWebhookEvents(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhook_events WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
