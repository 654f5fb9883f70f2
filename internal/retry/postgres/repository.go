// Package postgres implements the retry queue repository backed by PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
	"github.com/aristeoibarra/nextdns-blocker/internal/retry"
)

const columns = "id, domain, action, error_type, error_msg, attempt_count, created_at, next_retry_at, backoff_seconds"

// Repository implements retry.Repository using pgx.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new retry queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert relies on the UNIQUE(domain, action) constraint: the dedup check
// and the insert are one statement, so a second failure racing the first
// cannot create a competing row or reset its schedule.
func (r *Repository) Insert(ctx context.Context, item *domain.RetryItem) (bool, *domain.RetryItem, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO retry_queue (id, domain, action, error_type, error_msg, attempt_count, created_at, next_retry_at, backoff_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (domain, action) DO NOTHING`,
		item.ID, item.Domain, item.Action, item.ErrorType, item.ErrorMsg,
		item.AttemptCount, item.CreatedAt, item.NextRetryAt, item.BackoffSeconds,
	)
	if err != nil {
		return false, nil, fmt.Errorf("inserting retry item: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil, nil
	}

	row := r.db.QueryRow(ctx, `
		SELECT `+columns+`
		FROM retry_queue
		WHERE domain = $1 AND action = $2`,
		item.Domain, item.Action)
	existing, err := scanItem(row)
	if err != nil {
		return false, nil, fmt.Errorf("loading existing retry item: %w", err)
	}
	if existing == nil {
		return false, nil, fmt.Errorf("retry item for (%s, %s) vanished during insert", item.Domain, item.Action)
	}
	return false, existing, nil
}

func (r *Repository) List(ctx context.Context) ([]domain.RetryItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+columns+`
		FROM retry_queue
		ORDER BY next_retry_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing retry items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *Repository) ListReady(ctx context.Context, now time.Time) ([]domain.RetryItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+columns+`
		FROM retry_queue
		WHERE next_retry_at <= $1
		ORDER BY next_retry_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("listing ready retry items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *Repository) Update(ctx context.Context, item *domain.RetryItem) error {
	_, err := r.db.Exec(ctx, `
		UPDATE retry_queue
		SET attempt_count = $2, next_retry_at = $3, backoff_seconds = $4
		WHERE id = $1`,
		item.ID, item.AttemptCount, item.NextRetryAt, item.BackoffSeconds,
	)
	if err != nil {
		return fmt.Errorf("updating retry item: %w", err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM retry_queue WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting retry item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) Clear(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM retry_queue`)
	if err != nil {
		return 0, fmt.Errorf("clearing retry queue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) Stats(ctx context.Context, now time.Time) (*retry.Stats, error) {
	stats := &retry.Stats{
		ByAction:    make(map[string]int),
		ByErrorKind: make(map[string]int),
	}

	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE next_retry_at <= $1)
		FROM retry_queue`, now,
	).Scan(&stats.Total, &stats.Ready)
	if err != nil {
		return nil, fmt.Errorf("counting retry items: %w", err)
	}
	stats.Waiting = stats.Total - stats.Ready

	rows, err := r.db.Query(ctx, `
		SELECT action, error_type, COUNT(*)
		FROM retry_queue
		GROUP BY action, error_type`)
	if err != nil {
		return nil, fmt.Errorf("grouping retry items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action, errorType string
		var count int
		if err := rows.Scan(&action, &errorType, &count); err != nil {
			return nil, fmt.Errorf("scanning retry stats: %w", err)
		}
		stats.ByAction[action] += count
		stats.ByErrorKind[errorType] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating retry stats: %w", err)
	}
	return stats, nil
}

func (r *Repository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM retry_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting retry items: %w", err)
	}
	return count, nil
}

func scanItem(row pgx.Row) (*domain.RetryItem, error) {
	var i domain.RetryItem
	err := row.Scan(&i.ID, &i.Domain, &i.Action, &i.ErrorType, &i.ErrorMsg,
		&i.AttemptCount, &i.CreatedAt, &i.NextRetryAt, &i.BackoffSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func scanItems(rows pgx.Rows) ([]domain.RetryItem, error) {
	items := make([]domain.RetryItem, 0)
	for rows.Next() {
		var i domain.RetryItem
		if err := rows.Scan(&i.ID, &i.Domain, &i.Action, &i.ErrorType, &i.ErrorMsg,
			&i.AttemptCount, &i.CreatedAt, &i.NextRetryAt, &i.BackoffSeconds); err != nil {
			return nil, fmt.Errorf("scanning retry item: %w", err)
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating retry items: %w", err)
	}
	return items, nil
}
