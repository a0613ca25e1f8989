package store

import "cosmossdk.io/errors"

var (
	// ErrNotFound is returned for missing scalar keys. Hash, set and list
	// reads return empty values instead.
	ErrNotFound = errors.Register("store", 2, "key not found")

	// ErrLockUnavailable is returned when a lease lock stays contended
	// through every configured retry.
	ErrLockUnavailable = errors.Register("store", 3, "lock unavailable")

	// ErrLockLost reports a lease that expired while held. Holders log it
	// and keep their result; the risk cycle reconciles derived state.
	ErrLockLost = errors.Register("store", 4, "lock lost before release")
)
