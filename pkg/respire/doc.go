// Package respire schedules a tree of modes on a resource-constrained device.
//
// A Mode is a node in an immutable tree. A mode may run periodically, cap its
// own repeat count, and delegate to an idle child when nothing else is
// eligible. Context walks the tree on every Loop tick, dispatches actions to an
// Executor, and learns about their outcome only through Complete.
//
// Per-mode runtime state (active flag, last trigger epoch, cumulative wait,
// repeat count) lives in the application's aggregate state, which the engine
// snapshots before every mutation. Checkpoint and Restore persist just enough
// of it to a Store that a reboot in the middle of a wait resumes instead of
// restarting the full interval.
package respire
