package dlq

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/oklog/ulid/v2"

	"clipline/internal/domain"
	"clipline/internal/repo"
)

const (
	DefaultBaseDelay = 60 * time.Second
	DefaultMaxDelay  = 3600 * time.Second
)

// IngestFunc replays a parked delivery through the normal ingest path.
type IngestFunc func(ctx context.Context, entry domain.DLQEntry) error

// Scheduler parks failed webhook deliveries and replays them on an
// exponential backoff schedule. Delay doubles per attempt up to MaxDelay.
type Scheduler struct {
	Repo      repo.Repo
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    *log.Logger
	Now       func() time.Time
}

func New(r repo.Repo) Scheduler {
	return Scheduler{
		Repo:      r,
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
		Logger:    log.Default(),
		Now:       time.Now,
	}
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Scheduler) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s Scheduler) baseDelay() time.Duration {
	if s.BaseDelay > 0 {
		return s.BaseDelay
	}
	return DefaultBaseDelay
}

func (s Scheduler) maxDelay() time.Duration {
	if s.MaxDelay > 0 {
		return s.MaxDelay
	}
	return DefaultMaxDelay
}

// Delay returns the backoff for the given retry count, capped at MaxDelay.
func (s Scheduler) Delay(retryCount int) time.Duration {
	d := s.baseDelay()
	max := s.maxDelay()
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Park records a failed delivery. A repeat failure for the same
// (idempotency key, provider) pair bumps the retry count and pushes
// next_retry_at further out instead of inserting a second row.
func (s Scheduler) Park(ctx context.Context, key, provider, headersJSON string, payload []byte, cause error) (domain.DLQEntry, error) {
	now := s.now().UTC()
	entry := domain.DLQEntry{
		ID:             ulid.Make().String(),
		IdempotencyKey: key,
		Provider:       provider,
		HeadersJSON:    headersJSON,
		Payload:        payload,
		LastError:      cause.Error(),
		CreatedAt:      now.Format(time.RFC3339),
		UpdatedAt:      now.Format(time.RFC3339),
	}
	existing, err := s.Repo.GetDLQEntry(ctx, key, provider)
	switch {
	case err == nil:
		entry.ID = existing.ID
		entry.RetryCount = existing.RetryCount + 1
		entry.CreatedAt = existing.CreatedAt
	case errors.Is(err, repo.ErrNotFound):
		entry.RetryCount = 0
	default:
		return domain.DLQEntry{}, err
	}
	next := now.Add(s.Delay(entry.RetryCount)).Format(time.RFC3339)
	entry.NextRetryAt = &next
	if err := s.Repo.UpsertDLQEntry(ctx, entry); err != nil {
		return domain.DLQEntry{}, err
	}
	s.logger().Printf("dlq: parked key=%s provider=%s retry=%d next=%s", key, provider, entry.RetryCount, next)
	return entry, nil
}

// Due returns entries eligible for replay right now, oldest first.
func (s Scheduler) Due(ctx context.Context, limit int) ([]domain.DLQEntry, error) {
	return s.Repo.DueDLQEntries(ctx, s.now().UTC().Format(time.RFC3339), limit)
}

// ReplayResult summarizes one drain pass.
type ReplayResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
}

// Replay drains due entries through ingest. A successful replay removes the
// entry; a failed one is re-parked with a doubled delay. One bad entry never
// stops the rest of the pass.
func (s Scheduler) Replay(ctx context.Context, ingest IngestFunc, limit int) (ReplayResult, error) {
	due, err := s.Due(ctx, limit)
	if err != nil {
		return ReplayResult{}, err
	}
	res := ReplayResult{Attempted: len(due)}
	for _, entry := range due {
		if err := ingest(ctx, entry); err != nil {
			s.logger().Printf("dlq: replay failed key=%s provider=%s: %v", entry.IdempotencyKey, entry.Provider, err)
			if _, perr := s.Park(ctx, entry.IdempotencyKey, entry.Provider, entry.HeadersJSON, entry.Payload, err); perr != nil {
				return res, perr
			}
			res.Requeued++
			continue
		}
		if err := s.Repo.DeleteDLQEntry(ctx, entry.IdempotencyKey, entry.Provider); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return res, err
		}
		res.Succeeded++
	}
	return res, nil
}
