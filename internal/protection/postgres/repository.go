// Package postgres implements the protection repository backed by PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
)

// Repository implements protection.Repository using pgx.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new protection repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT item_type, item_id, locked, unblock_delay
		FROM protected_items`)
	if err != nil {
		return nil, fmt.Errorf("querying protected items: %w", err)
	}
	defer rows.Close()

	snapshot := make(domain.Snapshot)
	for rows.Next() {
		var item domain.ProtectedItem
		if err := rows.Scan(&item.Type, &item.ID, &item.Locked, &item.UnblockDelay); err != nil {
			return nil, fmt.Errorf("scanning protected item: %w", err)
		}
		snapshot[item.Key()] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating protected items: %w", err)
	}
	return snapshot, nil
}

func (r *Repository) Get(ctx context.Context, key domain.ItemKey) (*domain.ProtectedItem, error) {
	var item domain.ProtectedItem
	err := r.db.QueryRow(ctx, `
		SELECT item_type, item_id, locked, unblock_delay
		FROM protected_items
		WHERE item_type = $1 AND item_id = $2`,
		key.Type, key.ID,
	).Scan(&item.Type, &item.ID, &item.Locked, &item.UnblockDelay)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying protected item: %w", err)
	}
	return &item, nil
}

func (r *Repository) Upsert(ctx context.Context, item domain.ProtectedItem) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO protected_items (item_type, item_id, locked, unblock_delay)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (item_type, item_id)
		DO UPDATE SET locked = EXCLUDED.locked, unblock_delay = EXCLUDED.unblock_delay`,
		item.Type, item.ID, item.Locked, item.UnblockDelay,
	)
	if err != nil {
		return fmt.Errorf("upserting protected item: %w", err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, key domain.ItemKey) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM protected_items
		WHERE item_type = $1 AND item_id = $2`,
		key.Type, key.ID,
	)
	if err != nil {
		return false, fmt.Errorf("deleting protected item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRow(ctx, `
		SELECT value FROM pin_protection WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying pin record: %w", err)
	}
	return value, nil
}

func (r *Repository) SetValue(ctx context.Context, key, value string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO pin_protection (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing pin record: %w", err)
	}
	return nil
}

func (r *Repository) DeleteValue(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM pin_protection WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("deleting pin record: %w", err)
	}
	return nil
}
