package watcher

import "errors"

var (
	// ErrBackendUnavailable reports that the platform notification facility cannot be used.
	ErrBackendUnavailable = errors.New("watch backend unavailable")
	// ErrBackendClosed is returned by ReadEvents once the backend has been closed.
	ErrBackendClosed = errors.New("watch backend closed")
	// ErrNotFound reports that a path vanished before its watch could be registered.
	ErrNotFound = errors.New("path not found")
	// ErrPermissionDenied reports that a directory cannot be watched or listed.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrResourceExhausted reports that the platform watch limit was reached.
	ErrResourceExhausted = errors.New("watch limit reached")
	// ErrQueueOverflow is the terminal cause when overflow resync is disabled.
	ErrQueueOverflow = errors.New("event queue overflow")
	// ErrNoRoots is returned by Watch when no root path was given.
	ErrNoRoots = errors.New("no root paths")
)
