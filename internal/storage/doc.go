// Package storage persists work attempt records so operators can inspect
// what ran, when, and with which outcome.
//
// Drivers:
//   - "file": append-only JSON Lines, replayed into a per-work tail on open
//   - "sqlite": a single SQLite database file (pure Go driver)
//
// Pending work is never persisted; attempt history is an audit trail only.
package storage
