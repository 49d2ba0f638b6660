// Package storage persists the task table.
//
// The queue keeps its authoritative table in memory; storage is a
// write-through copy so tasks survive a restart. If storage is disabled the
// queue simply starts empty.
package storage
