package domain

import "time"

// ActionStatus is the lifecycle status of a queued action. Rows only ever
// persist as pending: executed and cancelled transitions delete the row and
// leave an audit event as the sole history.
type ActionStatus string

// Action statuses.
const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusExecuted  ActionStatus = "executed"
	ActionStatusCancelled ActionStatus = "cancelled"
)

// IsValid checks if the action status is valid.
func (s ActionStatus) IsValid() bool {
	switch s {
	case ActionStatusPending, ActionStatusExecuted, ActionStatusCancelled:
		return true
	}
	return false
}

// PendingAction is a scheduled reversal of a block: "unblock this domain,
// but not before ExecuteAt, unless someone cancels it first".
type PendingAction struct {
	ID          string       `json:"id"`
	Action      ActionKind   `json:"action"`
	Domain      string       `json:"domain"`
	CreatedAt   time.Time    `json:"created_at"`
	ExecuteAt   time.Time    `json:"execute_at"`
	Delay       string       `json:"delay"`
	Status      ActionStatus `json:"status"`
	RequestedBy string       `json:"requested_by"`
}

// Ready reports whether the action may be executed at the given time.
func (a *PendingAction) Ready(now time.Time) bool {
	return a.Status == ActionStatusPending && !a.ExecuteAt.After(now)
}
