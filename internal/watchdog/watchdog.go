// Package watchdog drives the deferred-action queues: on a fixed interval it
// asks each queue for ready items and executes them against the filtering
// service. It holds no scheduling state of its own; everything it needs lives
// in the store, so a missed pass is simply caught up on the next one.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
	"github.com/aristeoibarra/nextdns-blocker/internal/notify"
	"github.com/aristeoibarra/nextdns-blocker/internal/pending"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/ctxlog"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/metrics"
	"github.com/aristeoibarra/nextdns-blocker/internal/protection"
	"github.com/aristeoibarra/nextdns-blocker/internal/retry"
	"github.com/aristeoibarra/nextdns-blocker/internal/unlock"
)

// Client is the filtering-service surface the watchdog needs.
type Client interface {
	Apply(ctx context.Context, action domain.ActionKind, name string) (ok, changed bool, res *domain.RequestResult)
}

// PINRemover removes the PIN when an unlock request for item_type=pin
// executes.
type PINRemover interface {
	Remove(ctx context.Context) error
}

// Config contains watchdog settings.
type Config struct {
	Interval      time.Duration
	CleanupMaxAge time.Duration
}

// Watchdog runs the periodic pass over all three queues.
type Watchdog struct {
	config     Config
	client     Client
	pending    *pending.Service
	retries    *retry.Service
	unlocks    *unlock.Service
	protection *protection.Store
	pin        PINRemover
	notifier   *notify.Dispatcher

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a watchdog.
func New(
	config Config,
	client Client,
	pendingSvc *pending.Service,
	retrySvc *retry.Service,
	unlockSvc *unlock.Service,
	protectionStore *protection.Store,
	pin PINRemover,
	notifier *notify.Dispatcher,
) *Watchdog {
	if notifier == nil {
		notifier = notify.NewDispatcher(1)
	}
	return &Watchdog{
		config:     config,
		client:     client,
		pending:    pendingSvc,
		retries:    retrySvc,
		unlocks:    unlockSvc,
		protection: protectionStore,
		pin:        pin,
		notifier:   notifier,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the watchdog loop.
func (w *Watchdog) Start(ctx context.Context) {
	slog.Info("starting watchdog",
		"interval", w.config.Interval,
		"cleanup_max_age", w.config.CleanupMaxAge,
	)

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop gracefully stops the watchdog.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("watchdog stopped")
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	// Catch up on anything that became due while the process was down.
	w.Pass(ctx)

	var lastCleanup time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Pass(ctx)
			if w.now().Sub(lastCleanup) >= 24*time.Hour {
				w.cleanup(ctx)
				lastCleanup = w.now()
			}
		}
	}
}

// Pass runs one full pass over the three queues. A failing queue is logged
// and does not block the others.
func (w *Watchdog) Pass(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	status := "ok"

	if err := w.processPending(ctx); err != nil {
		logger.Error("pending queue pass failed", "error", err)
		status = "error"
	}
	if err := w.processRetries(ctx); err != nil {
		logger.Error("retry queue pass failed", "error", err)
		status = "error"
	}
	if err := w.processUnlocks(ctx); err != nil {
		logger.Error("unlock queue pass failed", "error", err)
		status = "error"
	}

	w.recordQueueSizes(ctx)
	metrics.WatchdogPasses.WithLabelValues(status).Inc()
}

// processPending executes due pending unblocks. The unblock effect is applied
// before MarkExecuted: the effect is idempotent, so a crash between the two
// steps is redone safely on the next pass.
func (w *Watchdog) processPending(ctx context.Context) error {
	now := w.now()
	ready, err := w.pending.ListReady(ctx, now)
	if err != nil {
		return err
	}

	logger := ctxlog.FromContext(ctx)
	for _, action := range ready {
		ok, changed, res := w.client.Apply(ctx, action.Action, action.Domain)
		if !ok {
			w.handleActionFailure(ctx, action.Domain, action.Action, res)
			metrics.RecordAction("pending", "failed")
			continue
		}

		executed, err := w.pending.MarkExecuted(ctx, action.ID)
		if err != nil {
			logger.Error("marking pending action executed", "id", action.ID, "error", err)
			continue
		}
		if !executed {
			// Cancelled or executed by another process after listing.
			continue
		}

		metrics.RecordAction("pending", "executed")
		logger.Info("pending unblock executed",
			"id", action.ID,
			"domain", action.Domain,
			"changed", changed,
		)
	}
	return nil
}

// handleActionFailure routes a failed filtering-service call: retryable
// errors join the retry queue, permanent ones go straight to the operator.
func (w *Watchdog) handleActionFailure(ctx context.Context, domainName string, action domain.ActionKind, res *domain.RequestResult) {
	logger := ctxlog.FromContext(ctx)

	kind := domain.ErrorKindUnknown
	msg := "unknown error"
	if res != nil {
		kind = res.Kind
		msg = res.Message
	}

	if kind.Retryable() {
		if _, err := w.retries.Enqueue(ctx, domainName, action, kind, msg); err != nil {
			logger.Error("enqueuing retry", "domain", domainName, "action", action, "error", err)
		}
		return
	}

	logger.Error("permanent filtering-service failure",
		"domain", domainName,
		"action", action,
		"error_type", kind,
		"error_msg", msg,
	)
	w.notifier.Notify(ctx, notify.Message{
		Subject: "Filtering action failed permanently",
		Body:    fmt.Sprintf("%s %s failed: %s (%s). No retry will be attempted.", action, domainName, msg, kind),
	})
}

// processRetries runs one retry pass; exhausted items are surfaced to the
// operator.
func (w *Watchdog) processRetries(ctx context.Context) error {
	result, err := w.retries.Process(ctx, w.now(), func(ctx context.Context, domainName string, action domain.ActionKind) retry.Outcome {
		ok, _, res := w.client.Apply(ctx, action, domainName)
		if ok {
			return retry.OutcomeSucceeded
		}
		if res != nil && !res.Retryable() {
			return retry.OutcomePermanent
		}
		return retry.OutcomeRetryable
	})
	if err != nil {
		return err
	}

	metrics.ActionsExecuted.WithLabelValues("retry", "succeeded").Add(float64(result.Succeeded))
	metrics.ActionsExecuted.WithLabelValues("retry", "retried").Add(float64(result.Retried))
	metrics.ActionsExecuted.WithLabelValues("retry", "exhausted").Add(float64(len(result.Exhausted)))

	for _, item := range result.Exhausted {
		w.notifier.Notify(ctx, notify.Message{
			Subject: "Retry queue gave up",
			Body:    fmt.Sprintf("%s %s: %s", item.Action, item.Domain, item.Reason),
		})
	}
	return nil
}

// processUnlocks executes due unlock requests against the protection store.
func (w *Watchdog) processUnlocks(ctx context.Context) error {
	now := w.now()
	due, err := w.unlocks.ListExecutable(ctx, now)
	if err != nil {
		return err
	}

	logger := ctxlog.FromContext(ctx)
	for _, req := range due {
		executed, err := w.unlocks.Execute(ctx, req.ID, now, w.applyRemoval)
		if err != nil {
			logger.Error("executing unlock request",
				"id", req.ID,
				"item_type", req.ItemType,
				"item_id", req.ItemID,
				"error", err,
			)
			metrics.RecordAction("unlock", "failed")
			continue
		}
		if executed {
			metrics.RecordAction("unlock", "executed")
			logger.Info("unlock request executed",
				"id", req.ID,
				"item_type", req.ItemType,
				"item_id", req.ItemID,
			)
		}
	}
	return nil
}

func (w *Watchdog) applyRemoval(ctx context.Context, itemType domain.ItemType, itemID string) error {
	if itemType == domain.ItemTypePin {
		return w.pin.Remove(ctx)
	}

	err := w.protection.ApplyRemoval(ctx, itemType, itemID)
	if errors.Is(err, protection.ErrItemNotFound) {
		// Already removed; the unlock outcome holds either way.
		return nil
	}
	return err
}

func (w *Watchdog) cleanup(ctx context.Context) {
	if w.config.CleanupMaxAge <= 0 {
		return
	}
	if _, err := w.pending.Cleanup(ctx, w.config.CleanupMaxAge); err != nil {
		ctxlog.FromContext(ctx).Error("pending queue cleanup failed", "error", err)
	}
}

func (w *Watchdog) recordQueueSizes(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	for queue, count := range map[string]func(context.Context) (int, error){
		"pending": w.pending.Count,
		"retry":   w.retries.Count,
		"unlock":  w.unlocks.Count,
	} {
		n, err := count(ctx)
		if err != nil {
			logger.Warn("counting queue", "queue", queue, "error", err)
			continue
		}
		metrics.RecordQueueSize(queue, n)
	}
}
