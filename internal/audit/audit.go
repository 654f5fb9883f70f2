// Package audit provides the append-only audit log. It is the only retained
// history of terminal queue transitions: executed and cancelled rows are
// deleted from the queues, and the audit trail is what remains.
package audit

import "context"

// Audit event types.
const (
	EventPendingCreate  = "PENDING_CREATE"
	EventPendingCancel  = "PENDING_CANCEL"
	EventPendingExecute = "PENDING_EXECUTE"

	EventRetryEnqueue      = "RQ_ENQUEUE"
	EventRetrySuccess      = "RQ_SUCCESS"
	EventRetryExhausted    = "RQ_EXHAUSTED"
	EventRetryNonRetryable = "RQ_NONRETRYABLE"
	EventRetryClear        = "RQ_CLEAR"

	EventUnlockRequest = "UNLOCK_REQUEST"
	EventUnlockCancel  = "UNLOCK_CANCEL"
	EventUnlockExecute = "UNLOCK_EXECUTE"

	EventPinSet           = "PIN_SET"
	EventPinVerified      = "PIN_VERIFIED"
	EventPinFailed        = "PIN_FAILED"
	EventPinLockedOut     = "PIN_LOCKED_OUT"
	EventPinRemoved       = "PIN_REMOVED"
	EventPinRemoveRequest = "PIN_REMOVE_REQUESTED"
)

// Log records audit events. Implementations are fire-and-forget: a failed
// append is logged locally and swallowed, never propagated to the caller
// of a queue operation.
type Log interface {
	Append(ctx context.Context, eventType, subject string, metadata map[string]any)
}

// Noop discards all events. Useful in tests.
type Noop struct{}

// Append implements Log.
func (Noop) Append(context.Context, string, string, map[string]any) {}
