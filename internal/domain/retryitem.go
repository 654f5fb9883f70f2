package domain

import "time"

// Retry queue policy constants.
const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 60 * time.Second
	MaxBackoff            = 3600 * time.Second
)

// RetryItem is a failed filtering-service operation waiting to be
// re-attempted with exponential backoff.
type RetryItem struct {
	ID             string     `json:"id"`
	Domain         string     `json:"domain"`
	Action         ActionKind `json:"action"`
	ErrorType      ErrorKind  `json:"error_type"`
	ErrorMsg       string     `json:"error_msg"`
	AttemptCount   int        `json:"attempt_count"`
	CreatedAt      time.Time  `json:"created_at"`
	NextRetryAt    time.Time  `json:"next_retry_at"`
	BackoffSeconds int        `json:"backoff_seconds"`
}

// Ready reports whether the backoff has elapsed.
func (i *RetryItem) Ready(now time.Time) bool {
	return !i.NextRetryAt.After(now)
}

// ScheduleRetry updates the item after a failed attempt: the attempt count
// is incremented and the backoff doubles, capped at MaxBackoff.
func (i *RetryItem) ScheduleRetry(now time.Time) {
	i.AttemptCount++
	backoff := i.BackoffSeconds * 2
	if limit := int(MaxBackoff.Seconds()); backoff > limit {
		backoff = limit
	}
	i.BackoffSeconds = backoff
	i.NextRetryAt = now.Add(time.Duration(backoff) * time.Second)
}
