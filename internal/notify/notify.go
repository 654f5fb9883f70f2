// Package notify delivers operator notifications for conditions that need a
// human: retry exhaustion and permanent filtering-service failures.
package notify

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/ctxlog"
)

// Message is an operator notification.
type Message struct {
	Subject string
	Body    string
}

// Sender delivers a message to one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Type() string
}

// Dispatcher fans a message out to all configured senders. Delivery is
// best-effort: a failing channel is logged and never propagated, and a
// rate limiter drops bursts so a mass failure cannot flood the channels.
type Dispatcher struct {
	senders []Sender
	limiter *rate.Limiter
}

// NewDispatcher creates a dispatcher over the given senders, allowing
// ratePerSecond messages with a small burst.
func NewDispatcher(ratePerSecond float64, senders ...Sender) *Dispatcher {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return &Dispatcher{
		senders: senders,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 5),
	}
}

// Enabled reports whether any sender is configured.
func (d *Dispatcher) Enabled() bool {
	return len(d.senders) > 0
}

// Notify delivers msg to every sender. Messages over the rate limit are
// dropped with a log line rather than queued.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) {
	if len(d.senders) == 0 {
		return
	}

	logger := ctxlog.FromContext(ctx)
	if !d.limiter.Allow() {
		logger.Warn("operator notification dropped by rate limit", "subject", msg.Subject)
		return
	}

	for _, sender := range d.senders {
		if err := sender.Send(ctx, msg); err != nil {
			logger.Error("sending operator notification",
				"channel", sender.Type(),
				"subject", msg.Subject,
				"error", err,
			)
		}
	}
}
