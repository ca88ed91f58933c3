// Package stores provides the persistence layer for handlerkit.
// It includes SQLite-based storage with WAL mode, embedded migrations,
// and CRUD operations for delayed re-invocation triggers and progress reports.
package stores
