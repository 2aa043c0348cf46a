package respire

import "errors"

// Configuration errors are returned by Builder.Build and NewTree.
var (
	ErrEmptyName           = errors.New("respire: mode name required")
	ErrInvalidInterval     = errors.New("respire: periodic interval must be > 0")
	ErrInvalidRepeatLimit  = errors.New("respire: repeat limit must be > 0")
	ErrIdleNotChild        = errors.New("respire: idle mode is not a declared child")
	ErrAlreadyAttached     = errors.New("respire: mode already attached to a parent")
	ErrDuplicateStorageTag = errors.New("respire: storage tag used by more than one mode")
	ErrNotRoot             = errors.New("respire: tree root has a parent")
	ErrBuilderUsed         = errors.New("respire: builder already built")
)

// Lifecycle errors are returned by Context methods called out of order.
var (
	ErrNotInitialized = errors.New("respire: context not initialized")
	ErrNotStarted     = errors.New("respire: context not started")
	ErrNoStore        = errors.New("respire: store required")
)

// ErrNotFound is returned by Store loads for absent keys. Restore treats it
// as "no prior value".
var ErrNotFound = errors.New("respire: key not found")
