// Package storage provides the non-volatile key/value backends respire
// checkpoints are written to.
//
// It currently supports:
//   - memory: process-local maps (tests, dry runs)
//   - file: JSON snapshot plus an append-only journal, compacted periodically
//   - sqlite: a single kv table in a SQLite database file
package storage
