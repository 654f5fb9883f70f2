// Package unlock implements the unlock request queue: the only path for
// removing locked protection rules, with an enforced minimum waiting period.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristeoibarra/nextdns-blocker/internal/audit"
	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/ctxlog"
)

// ErrInvalidItemType is returned for an unknown item type.
var ErrInvalidItemType = errors.New("invalid item type")

// RemovalFunc applies the protection removal once the waiting period has
// passed.
type RemovalFunc func(ctx context.Context, itemType domain.ItemType, itemID string) error

// Service contains business logic for the unlock request queue.
type Service struct {
	repo  Repository
	audit audit.Log
	now   func() time.Time
}

// NewService creates a new unlock queue service.
func NewService(repo Repository, auditLog audit.Log) *Service {
	if auditLog == nil {
		auditLog = audit.Noop{}
	}
	return &Service{
		repo:  repo,
		audit: auditLog,
		now:   time.Now,
	}
}

// CreateRequest schedules removal of a protection rule after delayHours.
// Delays below the 24-hour minimum are clamped up by the store; the returned
// request carries the persisted values. Callers wanting to avoid duplicate
// countdowns should check ListPending first and reuse an existing request.
func (s *Service) CreateRequest(ctx context.Context, itemType domain.ItemType, itemID string, delayHours int, reason string) (*domain.UnlockRequest, error) {
	if !itemType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidItemType, itemType)
	}
	if delayHours <= 0 {
		delayHours = domain.DefaultUnlockDelayHours
	}

	now := s.now()
	req := &domain.UnlockRequest{
		ID:         strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		ItemType:   itemType,
		ItemID:     itemID,
		CreatedAt:  now,
		ExecuteAt:  now.Add(time.Duration(delayHours) * time.Hour),
		DelayHours: delayHours,
		Reason:     reason,
		Status:     domain.ActionStatusPending,
	}

	persisted, err := s.repo.Insert(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating unlock request: %w", err)
	}

	if persisted.DelayHours != delayHours {
		ctxlog.FromContext(ctx).Info("unlock delay clamped to minimum",
			"item_type", itemType,
			"item_id", itemID,
			"requested_hours", delayHours,
			"effective_hours", persisted.DelayHours,
		)
	}

	s.audit.Append(ctx, audit.EventUnlockRequest, itemID, map[string]any{
		"id":          persisted.ID,
		"item_type":   string(itemType),
		"delay_hours": persisted.DelayHours,
		"execute_at":  persisted.ExecuteAt.Format(time.RFC3339),
		"reason":      reason,
	})
	if itemType == domain.ItemTypePin {
		s.audit.Append(ctx, audit.EventPinRemoveRequest, itemID, map[string]any{
			"id":         persisted.ID,
			"execute_at": persisted.ExecuteAt.Format(time.RFC3339),
		})
	}
	return persisted, nil
}

// Cancel deletes a pending request, matched by full id or unique prefix. An
// ambiguous prefix is treated as not found; the caller must disambiguate,
// never have the queue guess.
func (s *Service) Cancel(ctx context.Context, idOrPrefix string) (bool, error) {
	if idOrPrefix == "" {
		return false, nil
	}

	matches, err := s.repo.FindByPrefix(ctx, idOrPrefix)
	if err != nil {
		return false, fmt.Errorf("resolving unlock request id: %w", err)
	}
	if len(matches) != 1 {
		if len(matches) > 1 {
			ctxlog.FromContext(ctx).Warn("ambiguous unlock request prefix",
				"prefix", idOrPrefix,
				"matches", len(matches),
			)
		}
		return false, nil
	}

	deleted, err := s.repo.DeletePending(ctx, matches[0].ID)
	if err != nil {
		return false, fmt.Errorf("cancelling unlock request: %w", err)
	}
	if deleted == nil {
		return false, nil
	}

	s.audit.Append(ctx, audit.EventUnlockCancel, deleted.ItemID, map[string]any{
		"id":        deleted.ID,
		"item_type": string(deleted.ItemType),
	})
	return true, nil
}

// Get returns the request with the given id, or nil.
func (s *Service) Get(ctx context.Context, id string) (*domain.UnlockRequest, error) {
	return s.repo.Get(ctx, id)
}

// ListPending returns all pending requests ordered by execute_at.
func (s *Service) ListPending(ctx context.Context) ([]domain.UnlockRequest, error) {
	return s.repo.ListPending(ctx)
}

// ListExecutable returns pending requests whose waiting period has passed.
func (s *Service) ListExecutable(ctx context.Context, now time.Time) ([]domain.UnlockRequest, error) {
	return s.repo.ListExecutable(ctx, now)
}

// Execute applies a due request: apply runs first, then the row is deleted.
// If apply fails the row is retained and will be picked up again on the next
// pass. Returns false when the request is unknown, already executed, or not
// yet due.
func (s *Service) Execute(ctx context.Context, id string, now time.Time, apply RemovalFunc) (bool, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("loading unlock request: %w", err)
	}
	if req == nil || !req.Executable(now) {
		return false, nil
	}

	if err := apply(ctx, req.ItemType, req.ItemID); err != nil {
		return false, fmt.Errorf("applying unlock for %s %q: %w", req.ItemType, req.ItemID, err)
	}

	deleted, err := s.repo.DeletePending(ctx, id)
	if err != nil {
		return false, fmt.Errorf("finishing unlock request: %w", err)
	}
	if deleted == nil {
		// Another process finished it between apply and delete.
		return false, nil
	}

	s.audit.Append(ctx, audit.EventUnlockExecute, deleted.ItemID, map[string]any{
		"id":        deleted.ID,
		"item_type": string(deleted.ItemType),
		"reason":    deleted.Reason,
	})
	return true, nil
}

// Count returns the number of pending requests, for queue-depth metrics.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
