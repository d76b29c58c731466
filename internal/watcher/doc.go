// Package watcher recursively monitors directory trees and delivers an ordered stream of
// semantic filesystem events.
//
// A Watcher registers a watch on every directory before listing it, so each entry present
// at startup is reported exactly once: either in the baseline Ready snapshot or as a live
// event that arrived while the scan was running. Raw notifications from the Backend are
// reconciled on a single owning goroutine, which pairs move halves into Renamed events,
// keeps the watch tree in step with directory creation, removal and renames, and rebuilds
// everything from scratch after a kernel queue overflow.
//
// Events are delivered on a bounded channel. A slow consumer stalls the watcher instead of
// losing events; the backend's own queue is the only lossy point and is covered by the
// Overflow/Ready resync cycle.
package watcher
