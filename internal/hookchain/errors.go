package hookchain

import "errors"

var (
	// ErrNilHook is returned when registering a nil callback.
	ErrNilHook = errors.New("hookchain: nil hook")
	// ErrPriority is returned by ParsePriority for malformed input.
	ErrPriority = errors.New("hookchain: bad priority")
	// ErrInstall wraps a Patcher failure on the empty to non-empty transition.
	ErrInstall = errors.New("hookchain: install patch")
	// ErrRestore wraps a Patcher failure on the non-empty to empty transition.
	ErrRestore = errors.New("hookchain: restore patch")
)
