// Package pending implements the pending unblock queue: deferred one-shot
// unblocks created with a delay, executed by the watchdog once their
// execute_at passes.
package pending

import (
	"context"
	"fmt"
	"time"

	"github.com/aristeoibarra/nextdns-blocker/internal/audit"
	"github.com/aristeoibarra/nextdns-blocker/internal/config"
	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/ctxlog"
)

const idPrefix = "pnd"

// Service contains business logic for the pending unblock queue.
type Service struct {
	repo  Repository
	audit audit.Log
	now   func() time.Time
}

// NewService creates a new pending queue service.
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

// Create schedules an unblock for domainName after the given delay.
//
// A "never", malformed or empty delay yields (nil, nil): the failure is
// logged but never raised, so one bad entry cannot abort a batch of
// creations. If a pending action already exists for the domain the existing
// one is returned unchanged; the first delay wins.
func (s *Service) Create(ctx context.Context, domainName, delay, requestedBy string) (*domain.PendingAction, error) {
	logger := ctxlog.FromContext(ctx)

	d, ok, err := config.ParseDelay(delay)
	if err != nil {
		logger.Warn("skipping pending unblock: invalid delay",
			"domain", domainName,
			"delay", delay,
			"error", err,
		)
		return nil, nil
	}
	if !ok {
		// Delay "never": the domain can only be unblocked through an
		// unlock request, or not at all.
		logger.Info("skipping pending unblock: delay is never", "domain", domainName)
		return nil, nil
	}

	now := s.now()
	if requestedBy == "" {
		requestedBy = "api"
	}
	action := &domain.PendingAction{
		ID:          domain.NewID(idPrefix, now),
		Action:      domain.ActionUnblock,
		Domain:      domainName,
		CreatedAt:   now,
		ExecuteAt:   now.Add(d),
		Delay:       delay,
		Status:      domain.ActionStatusPending,
		RequestedBy: requestedBy,
	}

	inserted, existing, err := s.repo.Insert(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("inserting pending action: %w", err)
	}
	if !inserted {
		logger.Info("pending unblock already scheduled",
			"domain", domainName,
			"id", existing.ID,
			"execute_at", existing.ExecuteAt,
		)
		return existing, nil
	}

	s.audit.Append(ctx, audit.EventPendingCreate, domainName, map[string]any{
		"id":           action.ID,
		"delay":        delay,
		"execute_at":   action.ExecuteAt.Format(time.RFC3339),
		"requested_by": requestedBy,
	})
	return action, nil
}

// Cancel deletes a pending action without applying its effect. Returns false
// for unknown or already-terminal ids.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	deleted, err := s.repo.DeletePending(ctx, id)
	if err != nil {
		return false, fmt.Errorf("cancelling pending action: %w", err)
	}
	if deleted == nil {
		return false, nil
	}

	s.audit.Append(ctx, audit.EventPendingCancel, deleted.Domain, map[string]any{
		"id": deleted.ID,
	})
	return true, nil
}

// Get returns the action with the given id, or nil.
func (s *Service) Get(ctx context.Context, id string) (*domain.PendingAction, error) {
	return s.repo.Get(ctx, id)
}

// List returns all pending actions ordered by execute_at.
func (s *Service) List(ctx context.Context) ([]domain.PendingAction, error) {
	return s.repo.List(ctx)
}

// ListReady returns pending actions whose execute_at has passed.
func (s *Service) ListReady(ctx context.Context, now time.Time) ([]domain.PendingAction, error) {
	return s.repo.ListReady(ctx, now)
}

// MarkExecuted deletes the row after its effect has been applied. Callers
// must apply the effect first: the unblock is idempotent, so a crash between
// the effect and this call is redone safely on the next pass.
func (s *Service) MarkExecuted(ctx context.Context, id string) (bool, error) {
	deleted, err := s.repo.DeletePending(ctx, id)
	if err != nil {
		return false, fmt.Errorf("marking pending action executed: %w", err)
	}
	if deleted == nil {
		return false, nil
	}

	s.audit.Append(ctx, audit.EventPendingExecute, deleted.Domain, map[string]any{
		"id":    deleted.ID,
		"delay": deleted.Delay,
	})
	return true, nil
}

// Cleanup removes rows older than maxAge regardless of status, bounding
// growth from never-claimed rows.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	removed, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up pending actions: %w", err)
	}
	if removed > 0 {
		ctxlog.FromContext(ctx).Info("cleaned up old pending actions",
			"removed", removed,
			"cutoff", cutoff,
		)
	}
	return removed, nil
}

// Count returns the number of pending rows, for queue-depth metrics.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
