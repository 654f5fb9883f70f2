package domain

import "time"

// Unlock delay bounds in hours. The minimum is enforced by the store, not
// by caller discipline.
const (
	DefaultUnlockDelayHours = 48
	MinUnlockDelayHours     = 24
)

// ItemType identifies what kind of protected item an unlock request targets.
type ItemType string

// Item types.
const (
	ItemTypeCategory ItemType = "category"
	ItemTypeService  ItemType = "service"
	ItemTypeDomain   ItemType = "domain"
	ItemTypePin      ItemType = "pin"
)

// IsValid checks if the item type is valid.
func (t ItemType) IsValid() bool {
	switch t {
	case ItemTypeCategory, ItemTypeService, ItemTypeDomain, ItemTypePin:
		return true
	}
	return false
}

// UnlockRequest schedules removal of a locked protection rule after a
// minimum enforced delay.
type UnlockRequest struct {
	ID         string       `json:"id"`
	ItemType   ItemType     `json:"item_type"`
	ItemID     string       `json:"item_id"`
	CreatedAt  time.Time    `json:"created_at"`
	ExecuteAt  time.Time    `json:"execute_at"`
	DelayHours int          `json:"delay_hours"`
	Reason     string       `json:"reason,omitempty"`
	Status     ActionStatus `json:"status"`
}

// Executable reports whether the enforced delay has passed.
func (r *UnlockRequest) Executable(now time.Time) bool {
	return r.Status == ActionStatusPending && !r.ExecuteAt.After(now)
}
