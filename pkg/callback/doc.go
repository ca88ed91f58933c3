// Package callback delivers progress reports to the orchestrator.
//
// HTTPReporter posts each report as JSON and retries server errors with
// exponential backoff. StoreReporter keeps a local history in SQLite, and
// Multi combines reporters.
package callback
