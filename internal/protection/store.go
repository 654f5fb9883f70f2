package protection

import (
	"context"
	"fmt"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/ctxlog"
)

// Repository persists protected items and the PIN key-value records.
type Repository interface {
	// Snapshot returns all protected items keyed by (type, id).
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	// Get returns nil when the item does not exist.
	Get(ctx context.Context, key domain.ItemKey) (*domain.ProtectedItem, error)
	// Upsert inserts or replaces a protected item.
	Upsert(ctx context.Context, item domain.ProtectedItem) error
	// Delete removes a protected item; returns false when no row matched.
	Delete(ctx context.Context, key domain.ItemKey) (bool, error)

	// GetValue and SetValue access the PIN key-value records. GetValue
	// returns ("", nil) for a missing key.
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error
}

// Store wraps the repository with the policy guard: every edit path that
// could remove or weaken a locked rule is checked before it is applied.
// ApplyRemoval is the single unguarded mutator, reserved for unlock request
// execution.
type Store struct {
	repo Repository
}

// NewStore creates a guarded protection store.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// Snapshot returns the current protection snapshot.
func (s *Store) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	return s.repo.Snapshot(ctx)
}

// Get returns a single protected item, or ErrItemNotFound.
func (s *Store) Get(ctx context.Context, key domain.ItemKey) (*domain.ProtectedItem, error) {
	item, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrItemNotFound
	}
	return item, nil
}

// ApplySnapshot replaces the protection snapshot after running the guard
// checks against the current one. The first violation aborts the whole apply.
func (s *Store) ApplySnapshot(ctx context.Context, updated domain.Snapshot) error {
	current, err := s.repo.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("loading current snapshot: %w", err)
	}

	if violations := Check(current, updated); len(violations) > 0 {
		logger := ctxlog.FromContext(ctx)
		for _, v := range violations {
			logger.Warn("protection change rejected",
				"item_type", v.Key.Type,
				"item_id", v.Key.ID,
				"reason", v.Message,
			)
		}
		return fmt.Errorf("%w: %s", ErrLockedItem, violations[0].Message)
	}

	for key := range current {
		if _, ok := updated[key]; !ok {
			if _, err := s.repo.Delete(ctx, key); err != nil {
				return fmt.Errorf("removing %s %q: %w", key.Type, key.ID, err)
			}
		}
	}
	for _, item := range updated {
		if err := s.repo.Upsert(ctx, item); err != nil {
			return fmt.Errorf("upserting %s %q: %w", item.Type, item.ID, err)
		}
	}
	return nil
}

// ApplyRemoval removes a protected item without guard checks. Only unlock
// request execution may call this; it is the delayed path the guard directs
// operators to.
func (s *Store) ApplyRemoval(ctx context.Context, itemType domain.ItemType, itemID string) error {
	key := domain.ItemKey{Type: itemType, ID: itemID}
	deleted, err := s.repo.Delete(ctx, key)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrItemNotFound
	}
	return nil
}
