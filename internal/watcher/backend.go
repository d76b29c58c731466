package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

// WatchID is the opaque handle a Backend returns for one watched directory.
type WatchID int64

// Flags describes what happened to the entry named by a RawEvent.
type Flags uint32

const (
	FlagCreate Flags = 1 << iota
	FlagDelete
	FlagModify
	FlagMovedFrom
	FlagMovedTo
	// FlagSelfRemoved is set when the watched directory itself was deleted.
	FlagSelfRemoved
	// FlagSelfMoved is set when the watched directory itself was renamed.
	FlagSelfMoved
	// FlagIsDir is set when the entry is a directory.
	FlagIsDir
	// FlagIgnored marks the backend's acknowledgement that a watch is gone.
	FlagIgnored
)

// Has reports whether every bit in mask is set.
func (flags Flags) Has(mask Flags) bool {
	return flags&mask == mask
}

func (flags Flags) String() string {
	names := []struct {
		flag Flags
		name string
	}{
		{FlagCreate, "create"},
		{FlagDelete, "delete"},
		{FlagModify, "modify"},
		{FlagMovedFrom, "moved_from"},
		{FlagMovedTo, "moved_to"},
		{FlagSelfRemoved, "self_removed"},
		{FlagSelfMoved, "self_moved"},
		{FlagIsDir, "dir"},
		{FlagIgnored, "ignored"},
	}
	parts := make([]string, 0, 2)
	for _, entry := range names {
		if flags.Has(entry.flag) {
			parts = append(parts, entry.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// RawEvent is one low-level notification produced by a Backend.
//
// Name is the entry name relative to the watched directory, empty when the event is about
// the directory itself. Cookie links a moved-from half to its moved-to half; zero means the
// backend could not correlate the move. Overflow marks kernel queue saturation: events
// before it may be incomplete and the other fields are meaningless.
type RawEvent struct {
	Watch    WatchID
	Flags    Flags
	Name     string
	Cookie   uint32
	Overflow bool
}

// Backend is the platform capability for a single, non-recursive directory watch.
//
// AddWatch, RemoveWatch and Close are only called from the watcher's owning goroutine;
// ReadEvents runs on a dedicated producer goroutine and must return ErrBackendClosed
// promptly once Close is called.
type Backend interface {
	// AddWatch registers interest in one directory. It fails with ErrNotFound,
	// ErrPermissionDenied or ErrResourceExhausted.
	AddWatch(path string) (WatchID, error)
	// RemoveWatch releases a watch; removing an unknown or already removed watch is not an error.
	RemoveWatch(id WatchID) error
	// ReadEvents blocks until at least one event is available and returns a finite batch.
	ReadEvents() ([]RawEvent, error)
	Close() error
}

// classifyPathError maps an os or syscall error to the watcher's sentinel errors.
func classifyPathError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return ErrPermissionDenied
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.ENOMEM), errors.Is(err, syscall.EMFILE):
		return ErrResourceExhausted
	default:
		return nil
	}
}

// wrapPathError annotates err with path, wrapping the matching sentinel when there is one.
func wrapPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if sentinel := classifyPathError(err); sentinel != nil && !errors.Is(err, sentinel) {
		return &PathError{Op: op, Path: path, Err: fmt.Errorf("%w: %w", sentinel, err)}
	}
	return &PathError{Op: op, Path: path, Err: err}
}

// PathError records a failed operation on one path.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	if e == nil {
		return ""
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
