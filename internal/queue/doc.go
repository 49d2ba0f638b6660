// Package queue owns the download task lifecycle: bounded-concurrency
// dispatch, exponential retry backoff, cooperative cancellation, and
// per-transition event publication.
//
// The task table lives in memory under a single mutex held only for table
// mutation, never across job execution or persistence I/O.
package queue
