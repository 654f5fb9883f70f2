package domain

// UnblockDelayNever marks an item that can never be automatically unblocked.
const UnblockDelayNever = "never"

// ProtectedItem is a category, service or domain carrying protection
// settings. An item with Locked or an unblock delay of "never" is immutable
// except through the unlock request queue.
type ProtectedItem struct {
	Type         ItemType `json:"item_type"`
	ID           string   `json:"item_id"`
	Locked       bool     `json:"locked"`
	UnblockDelay string   `json:"unblock_delay,omitempty"`
}

// IsLocked reports whether the item may only be removed or weakened through
// an unlock request.
func (p ProtectedItem) IsLocked() bool {
	return p.Locked || p.UnblockDelay == UnblockDelayNever
}

// ItemKey identifies a protected item.
type ItemKey struct {
	Type ItemType
	ID   string
}

// Snapshot is the current protection configuration, keyed by item identity.
type Snapshot map[ItemKey]ProtectedItem

// Key returns the item's identity.
func (p ProtectedItem) Key() ItemKey {
	return ItemKey{Type: p.Type, ID: p.ID}
}
