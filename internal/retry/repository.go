package retry

import (
	"context"
	"time"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
)

// Repository defines the interface for retry queue storage.
type Repository interface {
	// Insert adds a retry item unless one already exists for the same
	// (domain, action) pair. On conflict it returns inserted=false and the
	// existing row with its attempt count and backoff untouched.
	Insert(ctx context.Context, item *domain.RetryItem) (inserted bool, existing *domain.RetryItem, err error)
	// List returns all retry items, soonest next_retry_at first.
	List(ctx context.Context) ([]domain.RetryItem, error)
	// ListReady returns items with next_retry_at <= now, ascending.
	ListReady(ctx context.Context, now time.Time) ([]domain.RetryItem, error)
	// Update persists a rescheduled item.
	Update(ctx context.Context, item *domain.RetryItem) error
	// Delete removes an item; returns false when no row matched.
	Delete(ctx context.Context, id string) (bool, error)
	// Clear empties the queue, returning the number of rows removed.
	Clear(ctx context.Context) (int, error)
	// Stats returns grouped counts for operator visibility.
	Stats(ctx context.Context, now time.Time) (*Stats, error)
	// Count returns the total number of queued items.
	Count(ctx context.Context) (int, error)
}

// Stats summarizes the retry queue for operator visibility; it has no
// behavioral effect.
type Stats struct {
	Total       int            `json:"total"`
	Ready       int            `json:"ready"`
	Waiting     int            `json:"waiting"`
	ByAction    map[string]int `json:"by_action"`
	ByErrorKind map[string]int `json:"by_error_kind"`
}
