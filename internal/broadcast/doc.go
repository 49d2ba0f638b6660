// Package broadcast fans job-lifecycle events out to connected clients.
//
// Each client owns a bounded FIFO delivery queue; publishing never blocks
// on a slow consumer. Idle subscription streams emit synthetic heartbeats
// so live connections stay open while dead ones are detected. When a relay
// transport is configured, events also fan out across peer instances, with
// origin tagging so a locally published event is never delivered twice.
package broadcast
