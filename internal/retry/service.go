// Package retry implements the retry queue: filtering-service operations
// that failed with a retryable error, re-attempted with exponential backoff
// until they succeed, exhaust their attempts, or fail permanently.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/aristeoibarra/nextdns-blocker/internal/audit"
	"github.com/aristeoibarra/nextdns-blocker/internal/config"
	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/ctxlog"
)

const idPrefix = "ret"

// Outcome is the tri-state result of one execution attempt.
type Outcome int

const (
	// OutcomeSucceeded removes the item from the queue.
	OutcomeSucceeded Outcome = iota
	// OutcomeRetryable reschedules the item with doubled backoff.
	OutcomeRetryable
	// OutcomePermanent removes the item immediately; permanent errors are
	// never worth retrying.
	OutcomePermanent
)

// ExecuteFunc performs the underlying filtering-service operation for one
// retry item.
type ExecuteFunc func(ctx context.Context, domainName string, action domain.ActionKind) Outcome

// ExhaustedItem describes an item removed without success, surfaced to the
// caller for operator notification.
type ExhaustedItem struct {
	Domain string
	Action domain.ActionKind
	Reason string
}

// Result summarizes one Process pass.
type Result struct {
	Succeeded int
	Retried   int
	Exhausted []ExhaustedItem
}

// Service contains business logic for the retry queue.
type Service struct {
	repo           Repository
	audit          audit.Log
	maxRetries     int
	initialBackoff time.Duration
}

// NewService creates a new retry queue service.
func NewService(repo Repository, auditLog audit.Log, cfg config.RetryConfig) *Service {
	if auditLog == nil {
		auditLog = audit.Noop{}
	}
	maxRetries := cfg.MaxAttempts
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = domain.DefaultInitialBackoff
	}
	return &Service{
		repo:           repo,
		audit:          auditLog,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}
}

// Enqueue records a failed operation for later retry. Re-enqueuing an
// existing (domain, action) pair is a no-op returning the existing id: a
// second failure for the same in-flight operation must not reset or
// accelerate its schedule.
func (s *Service) Enqueue(ctx context.Context, domainName string, action domain.ActionKind, errKind domain.ErrorKind, errMsg string) (string, error) {
	if !action.IsValid() {
		return "", fmt.Errorf("invalid action %q", action)
	}

	now := time.Now()
	backoff := int(s.initialBackoff.Seconds())
	item := &domain.RetryItem{
		ID:             domain.NewID(idPrefix, now),
		Domain:         domainName,
		Action:         action,
		ErrorType:      errKind,
		ErrorMsg:       errMsg,
		AttemptCount:   1,
		CreatedAt:      now,
		NextRetryAt:    now.Add(time.Duration(backoff) * time.Second),
		BackoffSeconds: backoff,
	}

	inserted, existing, err := s.repo.Insert(ctx, item)
	if err != nil {
		return "", fmt.Errorf("enqueuing retry: %w", err)
	}
	if !inserted {
		return existing.ID, nil
	}

	s.audit.Append(ctx, audit.EventRetryEnqueue, domainName, map[string]any{
		"id":         item.ID,
		"action":     string(action),
		"error_type": string(errKind),
		"error_msg":  errMsg,
	})
	return item.ID, nil
}

// List returns all retry items.
func (s *Service) List(ctx context.Context) ([]domain.RetryItem, error) {
	return s.repo.List(ctx)
}

// ListReady returns items whose backoff has elapsed.
func (s *Service) ListReady(ctx context.Context, now time.Time) ([]domain.RetryItem, error) {
	return s.repo.ListReady(ctx, now)
}

// Process runs one pass over the ready items. Items at the attempt limit are
// removed as exhausted without calling exec. Store errors on individual
// items are logged and skip the item; they do not abort the pass.
func (s *Service) Process(ctx context.Context, now time.Time, exec ExecuteFunc) (*Result, error) {
	ready, err := s.repo.ListReady(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing ready retries: %w", err)
	}

	logger := ctxlog.FromContext(ctx)
	result := &Result{}

	for i := range ready {
		item := &ready[i]

		if item.AttemptCount >= s.maxRetries {
			if err := s.remove(ctx, item.ID); err != nil {
				logger.Error("removing exhausted retry", "id", item.ID, "error", err)
				continue
			}
			result.Exhausted = append(result.Exhausted, ExhaustedItem{
				Domain: item.Domain,
				Action: item.Action,
				Reason: fmt.Sprintf("gave up after %d attempts (last error: %s)", item.AttemptCount, item.ErrorMsg),
			})
			s.audit.Append(ctx, audit.EventRetryExhausted, item.Domain, map[string]any{
				"id":            item.ID,
				"action":        string(item.Action),
				"attempt_count": item.AttemptCount,
				"error_type":    string(item.ErrorType),
			})
			continue
		}

		switch safeExecute(ctx, exec, item.Domain, item.Action) {
		case OutcomeSucceeded:
			if err := s.remove(ctx, item.ID); err != nil {
				logger.Error("removing succeeded retry", "id", item.ID, "error", err)
				continue
			}
			result.Succeeded++
			s.audit.Append(ctx, audit.EventRetrySuccess, item.Domain, map[string]any{
				"id":            item.ID,
				"action":        string(item.Action),
				"attempt_count": item.AttemptCount,
			})

		case OutcomeRetryable:
			item.ScheduleRetry(now)
			if err := s.repo.Update(ctx, item); err != nil {
				logger.Error("rescheduling retry", "id", item.ID, "error", err)
				continue
			}
			result.Retried++
			logger.Info("retry rescheduled",
				"id", item.ID,
				"domain", item.Domain,
				"action", item.Action,
				"attempt_count", item.AttemptCount,
				"backoff_seconds", item.BackoffSeconds,
			)

		case OutcomePermanent:
			if err := s.remove(ctx, item.ID); err != nil {
				logger.Error("removing non-retryable item", "id", item.ID, "error", err)
				continue
			}
			result.Exhausted = append(result.Exhausted, ExhaustedItem{
				Domain: item.Domain,
				Action: item.Action,
				Reason: "permanent failure, not retrying",
			})
			s.audit.Append(ctx, audit.EventRetryNonRetryable, item.Domain, map[string]any{
				"id":            item.ID,
				"action":        string(item.Action),
				"attempt_count": item.AttemptCount,
			})
		}
	}

	return result, nil
}

// safeExecute guards exec against panics: a panic counts as retryable, fail
// safe toward retry rather than silent loss.
func safeExecute(ctx context.Context, exec ExecuteFunc, domainName string, action domain.ActionKind) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			ctxlog.FromContext(ctx).Error("panic during retry execution",
				"domain", domainName,
				"action", action,
				"panic", r,
			)
			outcome = OutcomeRetryable
		}
	}()
	return exec(ctx, domainName, action)
}

// Stats returns grouped queue counts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx, time.Now())
}

// Clear empties the queue.
func (s *Service) Clear(ctx context.Context) (int, error) {
	removed, err := s.repo.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("clearing retry queue: %w", err)
	}
	if removed > 0 {
		s.audit.Append(ctx, audit.EventRetryClear, "", map[string]any{
			"removed": removed,
		})
	}
	return removed, nil
}

// Count returns the number of queued items, for queue-depth metrics.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

func (s *Service) remove(ctx context.Context, id string) error {
	_, err := s.repo.Delete(ctx, id)
	return err
}
