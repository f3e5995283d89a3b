// Package store implements durable persistence for users, agent templates and
// agents via GORM. It is the sole owner of the persisted rows the controller
// mutates: every write that changes an agent's lifecycle-relevant fields goes
// through UpdateAgentFields, which carries a compare-and-set condition on the
// row's current status so two concurrent writers can never both win.
package store

import "errors"

// Sentinel errors returned by store operations. Callers should use errors.Is
// for comparison — wrapped errors from GORM are never returned directly.
var (
	// ErrNotFound is returned when the requested row does not exist (or is
	// soft-deleted, for entities that support soft deletion).
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a create or update would violate a unique
	// constraint (duplicate name, username, email).
	ErrConflict = errors.New("store: conflict")

	// ErrStatusChanged is returned by UpdateAgentFields and DeleteAgent when
	// the row's persisted status no longer matches the caller's expected
	// status — the compare-and-set lost a race with another writer.
	ErrStatusChanged = errors.New("store: status changed")

	// ErrInvalidConfig names a config-validation failure. No method of this
	// package returns it; config validation runs in the controller before
	// the store is called.
	ErrInvalidConfig = errors.New("store: invalid config")
)
