// Package storage persists feedspy's subscription state: users, their
// credentials and watermarks, tracked topics, and notifier dedup keys.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite database file (WAL)
//   - "memory": process-local maps, for tests and throwaway runs
package storage
