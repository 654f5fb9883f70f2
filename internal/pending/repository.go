package pending

import (
	"context"
	"time"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
)

// Repository defines the interface for pending unblock queue storage.
//
// Dedup and terminal transitions are single-statement operations so that two
// processes racing on the same domain or id resolve at the store, not in
// application code.
type Repository interface {
	// Insert adds a new pending action unless one already exists for the
	// domain. When the insert loses the dedup race or a pending row already
	// exists, it returns inserted=false and the surviving row.
	Insert(ctx context.Context, action *domain.PendingAction) (inserted bool, existing *domain.PendingAction, err error)
	// Get returns the action with the given id, or nil.
	Get(ctx context.Context, id string) (*domain.PendingAction, error)
	// List returns all pending actions, soonest execute_at first.
	List(ctx context.Context) ([]domain.PendingAction, error)
	// ListReady returns pending actions with execute_at <= now, ascending by
	// execute_at.
	ListReady(ctx context.Context, now time.Time) ([]domain.PendingAction, error)
	// DeletePending deletes the row only if it is still pending, returning
	// the deleted row or nil when no pending row matched.
	DeletePending(ctx context.Context, id string) (*domain.PendingAction, error)
	// DeleteOlderThan removes rows created before the cutoff regardless of
	// status, returning the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	// Count returns the number of pending rows.
	Count(ctx context.Context) (int, error)
}
