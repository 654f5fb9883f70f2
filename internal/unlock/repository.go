package unlock

import (
	"context"
	"time"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
)

// Repository defines the interface for unlock request storage.
type Repository interface {
	// Insert persists a request. The store clamps delay_hours to the
	// 24-hour minimum in the insert statement itself and returns the row as
	// persisted.
	Insert(ctx context.Context, req *domain.UnlockRequest) (*domain.UnlockRequest, error)
	// Get returns the request with the given id, or nil.
	Get(ctx context.Context, id string) (*domain.UnlockRequest, error)
	// FindByPrefix returns pending requests whose id starts with prefix.
	FindByPrefix(ctx context.Context, prefix string) ([]domain.UnlockRequest, error)
	// ListPending returns pending requests, soonest execute_at first.
	ListPending(ctx context.Context) ([]domain.UnlockRequest, error)
	// ListExecutable returns pending requests with execute_at <= now.
	ListExecutable(ctx context.Context, now time.Time) ([]domain.UnlockRequest, error)
	// DeletePending deletes the row only if it is still pending, returning
	// the deleted row or nil when no pending row matched.
	DeletePending(ctx context.Context, id string) (*domain.UnlockRequest, error)
	// Count returns the number of pending requests.
	Count(ctx context.Context) (int, error)
}
