// Package postgres implements the pending queue repository backed by PostgreSQL.
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

const columns = "id, action, domain, created_at, execute_at, delay, status, requested_by"

// Repository implements pending.Repository using pgx.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new pending queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert relies on the partial unique index over pending rows per domain:
// the insert and the dedup check are one statement, so two processes racing
// on the same domain cannot both win.
func (r *Repository) Insert(ctx context.Context, action *domain.PendingAction) (bool, *domain.PendingAction, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO pending_actions (id, action, domain, created_at, execute_at, delay, status, requested_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (domain) WHERE status = 'pending' DO NOTHING`,
		action.ID, action.Action, action.Domain, action.CreatedAt,
		action.ExecuteAt, action.Delay, action.Status, action.RequestedBy,
	)
	if err != nil {
		return false, nil, fmt.Errorf("inserting pending action: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil, nil
	}

	existing, err := r.getPendingByDomain(ctx, action.Domain)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// The winning row was deleted between our insert and this read.
		// Rare; surface it as a conflict the caller can retry.
		return false, nil, fmt.Errorf("pending action for %q vanished during insert", action.Domain)
	}
	return false, existing, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.PendingAction, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+columns+`
		FROM pending_actions
		WHERE id = $1`, id)
	return scanAction(row)
}

func (r *Repository) getPendingByDomain(ctx context.Context, name string) (*domain.PendingAction, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+columns+`
		FROM pending_actions
		WHERE domain = $1 AND status = 'pending'`, name)
	return scanAction(row)
}

func (r *Repository) List(ctx context.Context) ([]domain.PendingAction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+columns+`
		FROM pending_actions
		WHERE status = 'pending'
		ORDER BY execute_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing pending actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

func (r *Repository) ListReady(ctx context.Context, now time.Time) ([]domain.PendingAction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+columns+`
		FROM pending_actions
		WHERE status = 'pending' AND execute_at <= $1
		ORDER BY execute_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("listing ready pending actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// DeletePending is the single terminal transition: the status check and the
// delete are one statement, so a cancel racing an execute resolves to exactly
// one winner.
func (r *Repository) DeletePending(ctx context.Context, id string) (*domain.PendingAction, error) {
	row := r.db.QueryRow(ctx, `
		DELETE FROM pending_actions
		WHERE id = $1 AND status = 'pending'
		RETURNING `+columns, id)
	action, err := scanAction(row)
	if err != nil {
		return nil, fmt.Errorf("deleting pending action: %w", err)
	}
	return action, nil
}

func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM pending_actions
		WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old pending actions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM pending_actions WHERE status = 'pending'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending actions: %w", err)
	}
	return count, nil
}

func scanAction(row pgx.Row) (*domain.PendingAction, error) {
	var a domain.PendingAction
	err := row.Scan(&a.ID, &a.Action, &a.Domain, &a.CreatedAt,
		&a.ExecuteAt, &a.Delay, &a.Status, &a.RequestedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanActions(rows pgx.Rows) ([]domain.PendingAction, error) {
	actions := make([]domain.PendingAction, 0)
	for rows.Next() {
		var a domain.PendingAction
		if err := rows.Scan(&a.ID, &a.Action, &a.Domain, &a.CreatedAt,
			&a.ExecuteAt, &a.Delay, &a.Status, &a.RequestedBy); err != nil {
			return nil, fmt.Errorf("scanning pending action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending actions: %w", err)
	}
	return actions, nil
}
