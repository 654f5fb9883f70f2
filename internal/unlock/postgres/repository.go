// Package postgres implements the unlock queue repository backed by PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
)

const columns = "id, item_type, item_id, created_at, execute_at, delay_hours, reason, status"

// Repository implements unlock.Repository using pgx.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new unlock queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert clamps delay_hours and execute_at inside the statement: the minimum
// waiting period holds no matter what the caller asked for.
func (r *Repository) Insert(ctx context.Context, req *domain.UnlockRequest) (*domain.UnlockRequest, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO unlock_requests (id, item_type, item_id, created_at, execute_at, delay_hours, reason, status)
		VALUES ($1, $2, $3, $4,
		        $4 + make_interval(hours => GREATEST($5, $6)),
		        GREATEST($5, $6), $7, $8)
		RETURNING `+columns,
		req.ID, req.ItemType, req.ItemID, req.CreatedAt,
		req.DelayHours, domain.MinUnlockDelayHours, req.Reason, req.Status,
	)
	persisted, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("inserting unlock request: %w", err)
	}
	return persisted, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.UnlockRequest, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+columns+`
		FROM unlock_requests
		WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("querying unlock request: %w", err)
	}
	return req, nil
}

// FindByPrefix matches literally: left() instead of LIKE, so % and _ in
// operator input are not wildcards.
func (r *Repository) FindByPrefix(ctx context.Context, prefix string) ([]domain.UnlockRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+columns+`
		FROM unlock_requests
		WHERE status = 'pending' AND left(id, length($1)) = $1
		ORDER BY execute_at ASC`, prefix)
	if err != nil {
		return nil, fmt.Errorf("matching unlock request prefix: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (r *Repository) ListPending(ctx context.Context) ([]domain.UnlockRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+columns+`
		FROM unlock_requests
		WHERE status = 'pending'
		ORDER BY execute_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing unlock requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (r *Repository) ListExecutable(ctx context.Context, now time.Time) ([]domain.UnlockRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+columns+`
		FROM unlock_requests
		WHERE status = 'pending' AND execute_at <= $1
		ORDER BY execute_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("listing executable unlock requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// DeletePending is the single terminal transition; see the pending queue
// repository for the race rationale.
func (r *Repository) DeletePending(ctx context.Context, id string) (*domain.UnlockRequest, error) {
	row := r.db.QueryRow(ctx, `
		DELETE FROM unlock_requests
		WHERE id = $1 AND status = 'pending'
		RETURNING `+columns, id)
	req, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("deleting unlock request: %w", err)
	}
	return req, nil
}

func (r *Repository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM unlock_requests WHERE status = 'pending'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unlock requests: %w", err)
	}
	return count, nil
}

func scanRequest(row pgx.Row) (*domain.UnlockRequest, error) {
	var req domain.UnlockRequest
	err := row.Scan(&req.ID, &req.ItemType, &req.ItemID, &req.CreatedAt,
		&req.ExecuteAt, &req.DelayHours, &req.Reason, &req.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func scanRequests(rows pgx.Rows) ([]domain.UnlockRequest, error) {
	requests := make([]domain.UnlockRequest, 0)
	for rows.Next() {
		var req domain.UnlockRequest
		if err := rows.Scan(&req.ID, &req.ItemType, &req.ItemID, &req.CreatedAt,
			&req.ExecuteAt, &req.DelayHours, &req.Reason, &req.Status); err != nil {
			return nil, fmt.Errorf("scanning unlock request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating unlock requests: %w", err)
	}
	return requests, nil
}
