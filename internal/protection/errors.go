package protection

import "errors"

var (
	// ErrLockedItem is returned when a direct edit would remove or weaken a
	// locked protection rule.
	ErrLockedItem = errors.New("item is locked; use an unlock request")
	// ErrItemNotFound is returned when a protected item does not exist.
	ErrItemNotFound = errors.New("protected item not found")
	// ErrPINNotSet is returned when a PIN operation requires a configured PIN.
	ErrPINNotSet = errors.New("pin is not configured")
	// ErrPINAlreadySet is returned when setting a PIN that already exists.
	ErrPINAlreadySet = errors.New("pin is already configured")
	// ErrPINInvalid is returned when PIN verification fails.
	ErrPINInvalid = errors.New("invalid pin")
	// ErrPINLocked is returned while the PIN is locked out after too many
	// failed attempts.
	ErrPINLocked = errors.New("pin is locked out")
	// ErrSessionInvalid is returned when a session token is missing, expired
	// or malformed.
	ErrSessionInvalid = errors.New("invalid session")
)
