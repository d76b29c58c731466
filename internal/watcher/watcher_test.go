package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"treewatch/internal/event"
)

func TestWatchReadySnapshotListsEveryEntryOnce(t *testing.T) {
	root := makeTree(t, "a/f.txt", "a/b/", "c.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{}, root)

	ready := expectReady(t, instance,
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "b"),
		filepath.Join(root, "a", "f.txt"),
		filepath.Join(root, "c.txt"),
	)
	if ready.Sequence != 1 {
		t.Fatalf("expected ready to carry sequence 1, got %d", ready.Sequence)
	}
	if got := instance.WatchCount(); got != 3 {
		t.Fatalf("expected 3 watches, got %d", got)
	}
	if got := instance.State(); got != StateReady {
		t.Fatalf("expected ready state, got %s", got)
	}

	// An unmodified entry is not reported again.
	backend.push(RawEvent{Watch: backend.id(t, root), Flags: FlagCreate, Name: "c.txt"})
	backend.push(RawEvent{Watch: backend.id(t, root), Flags: FlagModify, Name: "c.txt"})
	expectEvent(t, instance, KindModified, filepath.Join(root, "c.txt"))
}

func TestWatchCreateModifyDeleteInArrivalOrder(t *testing.T) {
	root := makeTree(t, "keep.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{}, root)
	expectReady(t, instance, root, filepath.Join(root, "keep.txt"))

	rootID := backend.id(t, root)
	path := filepath.Join(root, "new.txt")
	backend.push(
		RawEvent{Watch: rootID, Flags: FlagCreate, Name: "new.txt"},
		RawEvent{Watch: rootID, Flags: FlagModify, Name: "new.txt"},
	)
	backend.push(RawEvent{Watch: rootID, Flags: FlagDelete, Name: "new.txt"})

	created := expectEvent(t, instance, KindCreated, path)
	modified := expectEvent(t, instance, KindModified, path)
	removed := expectEvent(t, instance, KindRemoved, path)
	if created.Sequence+1 != modified.Sequence || modified.Sequence+1 != removed.Sequence {
		t.Fatalf("expected consecutive sequences, got %d %d %d", created.Sequence, modified.Sequence, removed.Sequence)
	}
	if removed.Timestamp.IsZero() {
		t.Fatal("expected timestamp on event")
	}
}

func TestWatchDropsEventsForUnknownEntries(t *testing.T) {
	root := makeTree(t, "keep.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{}, root)
	expectReady(t, instance, root, filepath.Join(root, "keep.txt"))

	rootID := backend.id(t, root)
	backend.push(
		RawEvent{Watch: rootID, Flags: FlagDelete, Name: "never.txt"},
		RawEvent{Watch: rootID, Flags: FlagModify, Name: "never.txt"},
		RawEvent{Watch: 999, Flags: FlagCreate, Name: "stale.txt"},
		RawEvent{Watch: rootID, Flags: FlagModify, Name: "keep.txt"},
	)
	expectEvent(t, instance, KindModified, filepath.Join(root, "keep.txt"))
}

func TestWatchPairsRenameWithinWindow(t *testing.T) {
	root := makeTree(t, "old.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{MovePairingWindow: 5 * time.Second}, root)
	expectReady(t, instance, root, filepath.Join(root, "old.txt"))

	rootID := backend.id(t, root)
	backend.push(RawEvent{Watch: rootID, Flags: FlagMovedFrom, Name: "old.txt", Cookie: 7})
	backend.push(RawEvent{Watch: rootID, Flags: FlagMovedTo, Name: "new.txt", Cookie: 7})

	renamed := expectEvent(t, instance, KindRenamed, filepath.Join(root, "new.txt"))
	if renamed.RelatedPath != filepath.Join(root, "old.txt") {
		t.Fatalf("expected related path old.txt, got %q", renamed.RelatedPath)
	}
	if got := instance.Metrics().PendingMoves; got != 0 {
		t.Fatalf("expected no pending moves, got %d", got)
	}

	// The destination is now the known entry.
	backend.push(RawEvent{Watch: rootID, Flags: FlagDelete, Name: "new.txt"})
	expectEvent(t, instance, KindRemoved, filepath.Join(root, "new.txt"))
}

func TestWatchExpiredMoveBecomesRemovedThenCreated(t *testing.T) {
	root := makeTree(t, "old.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{MovePairingWindow: 20 * time.Millisecond}, root)
	expectReady(t, instance, root, filepath.Join(root, "old.txt"))

	rootID := backend.id(t, root)
	backend.push(RawEvent{Watch: rootID, Flags: FlagMovedFrom, Name: "old.txt", Cookie: 9})
	expectEvent(t, instance, KindRemoved, filepath.Join(root, "old.txt"))

	backend.push(RawEvent{Watch: rootID, Flags: FlagMovedTo, Name: "new.txt", Cookie: 9})
	expectEvent(t, instance, KindCreated, filepath.Join(root, "new.txt"))
}

func TestWatchUncorrelatedMoveOutIsRemovedImmediately(t *testing.T) {
	root := makeTree(t, "old.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{MovePairingWindow: time.Hour}, root)
	expectReady(t, instance, root, filepath.Join(root, "old.txt"))

	backend.push(RawEvent{Watch: backend.id(t, root), Flags: FlagMovedFrom, Name: "old.txt"})
	expectEvent(t, instance, KindRemoved, filepath.Join(root, "old.txt"))
}

func TestWatchLaterEventOnPendingSourceResolvesMove(t *testing.T) {
	root := makeTree(t, "old.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{MovePairingWindow: time.Hour}, root)
	expectReady(t, instance, root, filepath.Join(root, "old.txt"))

	rootID := backend.id(t, root)
	backend.push(
		RawEvent{Watch: rootID, Flags: FlagMovedFrom, Name: "old.txt", Cookie: 4},
		RawEvent{Watch: rootID, Flags: FlagCreate, Name: "old.txt"},
	)
	expectEvent(t, instance, KindRemoved, filepath.Join(root, "old.txt"))
	expectEvent(t, instance, KindCreated, filepath.Join(root, "old.txt"))
}

func TestWatchMoveInDirectoryRegistersSubtree(t *testing.T) {
	root := makeTree(t, "keep.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{}, root)
	expectReady(t, instance, root, filepath.Join(root, "keep.txt"))

	incoming := filepath.Join(root, "incoming")
	if err := os.MkdirAll(filepath.Join(incoming, "deep"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(incoming, "x.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	backend.push(RawEvent{Watch: backend.id(t, root), Flags: FlagMovedTo | FlagIsDir, Name: "incoming", Cookie: 3})

	created := expectEvent(t, instance, KindCreated, incoming)
	if !created.IsDir {
		t.Fatal("expected directory flag")
	}
	deep := expectEvent(t, instance, KindCreated, filepath.Join(incoming, "deep"))
	if !deep.IsDir {
		t.Fatal("expected nested directory flag")
	}
	expectEvent(t, instance, KindCreated, filepath.Join(incoming, "x.txt"))

	if got := instance.WatchCount(); got != 3 {
		t.Fatalf("expected 3 watches, got %d", got)
	}

	// The new subtree is live.
	backend.push(RawEvent{Watch: backend.id(t, incoming), Flags: FlagModify, Name: "x.txt"})
	expectEvent(t, instance, KindModified, filepath.Join(incoming, "x.txt"))
}

func TestWatchDirectoryRenameRelabelsSubtree(t *testing.T) {
	root := makeTree(t, "a/f.txt", "a/b/")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{MovePairingWindow: 5 * time.Second}, root)
	expectReady(t, instance,
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "b"),
		filepath.Join(root, "a", "f.txt"),
	)

	rootID := backend.id(t, root)
	childID := backend.id(t, filepath.Join(root, "a"))
	nestedID := backend.id(t, filepath.Join(root, "a", "b"))
	backend.push(
		RawEvent{Watch: rootID, Flags: FlagMovedFrom | FlagIsDir, Name: "a", Cookie: 5},
		RawEvent{Watch: rootID, Flags: FlagMovedTo | FlagIsDir, Name: "z", Cookie: 5},
	)
	renamed := expectEvent(t, instance, KindRenamed, filepath.Join(root, "z"))
	if renamed.RelatedPath != filepath.Join(root, "a") || !renamed.IsDir {
		t.Fatalf("unexpected rename %+v", renamed)
	}

	backend.push(
		RawEvent{Watch: childID, Flags: FlagModify, Name: "f.txt"},
		RawEvent{Watch: nestedID, Flags: FlagCreate, Name: "n.txt"},
	)
	expectEvent(t, instance, KindModified, filepath.Join(root, "z", "f.txt"))
	expectEvent(t, instance, KindCreated, filepath.Join(root, "z", "b", "n.txt"))

	if got := instance.WatchCount(); got != 3 {
		t.Fatalf("expected watches to survive rename, got %d", got)
	}
	if backend.removed(childID) || backend.removed(nestedID) {
		t.Fatal("expected renamed watches to be kept")
	}
}

func TestWatchDirectoryMovedOutReleasesWatches(t *testing.T) {
	root := makeTree(t, "a/b/f.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{MovePairingWindow: 20 * time.Millisecond}, root)
	expectReady(t, instance,
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "b"),
		filepath.Join(root, "a", "b", "f.txt"),
	)

	childID := backend.id(t, filepath.Join(root, "a"))
	nestedID := backend.id(t, filepath.Join(root, "a", "b"))
	backend.push(RawEvent{Watch: backend.id(t, root), Flags: FlagMovedFrom | FlagIsDir, Name: "a", Cookie: 11})

	removed := expectEvent(t, instance, KindRemoved, filepath.Join(root, "a"))
	if !removed.IsDir {
		t.Fatal("expected directory flag")
	}
	if !backend.removed(childID) || !backend.removed(nestedID) {
		t.Fatal("expected every descendant watch to be released")
	}
	if got := backend.liveCount(); got != 1 {
		t.Fatalf("expected only the root watch, got %v", backend.livePaths())
	}
}

func TestWatchHoldsEventsInsideMovedOutDirectoryUntilPaired(t *testing.T) {
	root := makeTree(t, "d/")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{MovePairingWindow: time.Hour}, root)
	expectReady(t, instance, root, filepath.Join(root, "d"))

	rootID := backend.id(t, root)
	movedID := backend.id(t, filepath.Join(root, "d"))
	backend.push(
		RawEvent{Watch: rootID, Flags: FlagMovedFrom | FlagIsDir, Name: "d", Cookie: 5},
		RawEvent{Watch: movedID, Flags: FlagSelfMoved},
		RawEvent{Watch: movedID, Flags: FlagCreate, Name: "x"},
	)
	select {
	case event := <-instance.Events():
		t.Fatalf("expected no event before the move resolves, got %s %s", event.Kind, event.Path)
	case <-time.After(50 * time.Millisecond):
	}

	backend.push(RawEvent{Watch: rootID, Flags: FlagMovedTo | FlagIsDir, Name: "e", Cookie: 5})
	renamed := expectEvent(t, instance, KindRenamed, filepath.Join(root, "e"))
	if renamed.RelatedPath != filepath.Join(root, "d") {
		t.Fatalf("expected rename from d, got %q", renamed.RelatedPath)
	}
	expectEvent(t, instance, KindCreated, filepath.Join(root, "e", "x"))
}

func TestWatchDropsEventsInsideExpiredDirectoryMove(t *testing.T) {
	root := makeTree(t, "d/", "keep.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{MovePairingWindow: 20 * time.Millisecond}, root)
	expectReady(t, instance, root, filepath.Join(root, "d"), filepath.Join(root, "keep.txt"))

	rootID := backend.id(t, root)
	movedID := backend.id(t, filepath.Join(root, "d"))
	backend.push(
		RawEvent{Watch: rootID, Flags: FlagMovedFrom | FlagIsDir, Name: "d", Cookie: 6},
		RawEvent{Watch: movedID, Flags: FlagCreate, Name: "x"},
	)
	expectEvent(t, instance, KindRemoved, filepath.Join(root, "d"))

	backend.push(RawEvent{Watch: rootID, Flags: FlagModify, Name: "keep.txt"})
	expectEvent(t, instance, KindModified, filepath.Join(root, "keep.txt"))
}

func TestWatchPairsMoveAcrossBatchesWhileConsumerStalls(t *testing.T) {
	root := makeTree(t, "old.txt", "busy.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{BufferSize: 1}, root)
	expectReady(t, instance, root, filepath.Join(root, "busy.txt"), filepath.Join(root, "old.txt"))

	rootID := backend.id(t, root)
	backend.push(
		RawEvent{Watch: rootID, Flags: FlagMovedFrom, Name: "old.txt", Cookie: 3},
		RawEvent{Watch: rootID, Flags: FlagModify, Name: "busy.txt"},
		RawEvent{Watch: rootID, Flags: FlagModify, Name: "busy.txt"},
		RawEvent{Watch: rootID, Flags: FlagModify, Name: "busy.txt"},
	)
	backend.push(RawEvent{Watch: rootID, Flags: FlagMovedTo, Name: "new.txt", Cookie: 3})

	// Both halves were read back to back; a slow consumer must not split them.
	time.Sleep(3 * DefaultMovePairingWindow)
	for range 3 {
		expectEvent(t, instance, KindModified, filepath.Join(root, "busy.txt"))
	}
	renamed := expectEvent(t, instance, KindRenamed, filepath.Join(root, "new.txt"))
	if renamed.RelatedPath != filepath.Join(root, "old.txt") {
		t.Fatalf("expected rename from old.txt, got %q", renamed.RelatedPath)
	}
}

func TestWatchDeleteDirectoryReleasesDescendants(t *testing.T) {
	root := makeTree(t, "a/b/c/")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{}, root)
	expectReady(t, instance,
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "b"),
		filepath.Join(root, "a", "b", "c"),
	)

	childID := backend.id(t, filepath.Join(root, "a"))
	// inotify reports the directory itself before the parent's delete.
	backend.push(
		RawEvent{Watch: childID, Flags: FlagSelfRemoved},
		RawEvent{Watch: backend.id(t, root), Flags: FlagDelete | FlagIsDir, Name: "a"},
	)
	expectEvent(t, instance, KindRemoved, filepath.Join(root, "a"))

	if got := instance.WatchCount(); got != 1 {
		t.Fatalf("expected 1 watch, got %d", got)
	}
	if paths := backend.livePaths(); !equalPaths(paths, []string{root}) {
		t.Fatalf("expected only root watched, got %v", paths)
	}
}

func TestWatchOverflowResyncsFromDisk(t *testing.T) {
	root := makeTree(t, "a/f.txt", "old.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{MovePairingWindow: time.Hour}, root)
	expectReady(t, instance,
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "f.txt"),
		filepath.Join(root, "old.txt"),
	)

	rootID := backend.id(t, root)
	backend.push(RawEvent{Watch: rootID, Flags: FlagMovedFrom, Name: "old.txt", Cookie: 4})
	if err := os.WriteFile(filepath.Join(root, "fresh.txt"), []byte("new"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	backend.push(
		RawEvent{Watch: rootID, Flags: FlagCreate, Name: "ghost.txt"},
		RawEvent{Overflow: true},
	)

	overflow := nextEvent(t, instance)
	if overflow.Kind != KindOverflow {
		t.Fatalf("expected overflow, got %s %s", overflow.Kind, overflow.Path)
	}
	ready := expectReady(t, instance,
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "f.txt"),
		filepath.Join(root, "fresh.txt"),
		filepath.Join(root, "old.txt"),
	)
	if ready.Sequence != overflow.Sequence+1 {
		t.Fatalf("expected ready right after overflow, got %d after %d", ready.Sequence, overflow.Sequence)
	}

	// The move-out from before the overflow is forgotten.
	backend.push(RawEvent{Watch: backend.id(t, root), Flags: FlagMovedTo, Name: "moved.txt", Cookie: 4})
	expectEvent(t, instance, KindCreated, filepath.Join(root, "moved.txt"))

	stats := instance.Metrics()
	if stats.Overflows != 1 || stats.Resyncs != 1 {
		t.Fatalf("expected one overflow and resync, got %+v", stats)
	}
	if stats.ActiveWatches != 2 || backend.liveCount() != 2 {
		t.Fatalf("expected 2 watches after resync, got %d (backend %d)", stats.ActiveWatches, backend.liveCount())
	}
	if !backend.removed(rootID) {
		t.Fatal("expected old root watch released during resync")
	}
}

func TestWatchOverflowWithoutResyncEndsStream(t *testing.T) {
	root := makeTree(t, "keep.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{DisableOverflowResync: true}, root)
	expectReady(t, instance, root, filepath.Join(root, "keep.txt"))

	backend.push(RawEvent{Overflow: true})
	if event := nextEvent(t, instance); event.Kind != KindOverflow {
		t.Fatalf("expected overflow, got %s", event.Kind)
	}
	failure := nextEvent(t, instance)
	if failure.Kind != KindError || !errors.Is(failure.Err, ErrQueueOverflow) {
		t.Fatalf("expected queue overflow error, got %s %v", failure.Kind, failure.Err)
	}
	expectClosed(t, instance)

	if !errors.Is(instance.Err(), ErrQueueOverflow) {
		t.Fatalf("expected ErrQueueOverflow, got %v", instance.Err())
	}
	if got := backend.liveCount(); got != 0 {
		t.Fatalf("expected all watches released, got %v", backend.livePaths())
	}
}

func TestWatchConcurrentCreatesDuringScanAppearOnce(t *testing.T) {
	const count = 20
	root := makeTree(t, "a/")
	dir := filepath.Join(root, "a")
	late := filepath.Join(root, "late")

	backend := newFakeBackend()
	backend.onAdd = func(path string, id WatchID) {
		switch path {
		case root:
			// A directory that appears between the root watch and its listing.
			if err := os.MkdirAll(filepath.Join(late, "inner"), 0o755); err != nil {
				t.Errorf("mkdir: %v", err)
			}
			backend.push(RawEvent{Watch: id, Flags: FlagCreate | FlagIsDir, Name: "late"})
		case dir:
			for index := 0; index < count; index++ {
				name := fmt.Sprintf("f%02d.txt", index)
				if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
					t.Errorf("write: %v", err)
				}
				backend.push(RawEvent{Watch: id, Flags: FlagCreate, Name: name})
			}
		}
	}
	instance := startWatcher(t, backend, Options{}, root)

	want := []string{root, dir}
	for index := 0; index < count; index++ {
		want = append(want, filepath.Join(dir, fmt.Sprintf("f%02d.txt", index)))
	}
	want = append(want, late, filepath.Join(late, "inner"))
	expectReady(t, instance, want...)

	// Nothing queued during the scan is reported a second time.
	backend.push(RawEvent{Watch: backend.id(t, root), Flags: FlagCreate, Name: "sentinel.txt"})
	expectEvent(t, instance, KindCreated, filepath.Join(root, "sentinel.txt"))
}

func TestWatchRootRemovalKeepsStreamOpen(t *testing.T) {
	root := makeTree(t, "a/", "f.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{}, root)
	expectReady(t, instance, root, filepath.Join(root, "a"), filepath.Join(root, "f.txt"))

	rootID := backend.id(t, root)
	backend.push(RawEvent{Watch: rootID, Flags: FlagSelfRemoved})
	removed := expectEvent(t, instance, KindRemoved, root)
	if !removed.IsDir {
		t.Fatal("expected directory flag")
	}
	if got := instance.WatchCount(); got != 0 {
		t.Fatalf("expected 0 watches, got %d", got)
	}
	if got := backend.liveCount(); got != 0 {
		t.Fatalf("expected no live backend watches, got %v", backend.livePaths())
	}

	// Notifications for released watches are ignored.
	backend.push(RawEvent{Watch: rootID, Flags: FlagCreate, Name: "late.txt"})
	select {
	case event, ok := <-instance.Events():
		if ok {
			t.Fatalf("unexpected event %s %s", event.Kind, event.Path)
		}
		t.Fatal("stream closed after root removal")
	case <-time.After(50 * time.Millisecond):
	}

	if err := instance.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectClosed(t, instance)
}

func TestWatchMaxWatchesReportsScopedErrors(t *testing.T) {
	root := makeTree(t, "a/", "b/", "c/")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{MaxWatches: 2}, root)
	expectReady(t, instance,
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "b"),
		filepath.Join(root, "c"),
	)

	for _, name := range []string{"b", "c"} {
		failure := expectEvent(t, instance, KindError, filepath.Join(root, name))
		if !errors.Is(failure.Err, ErrResourceExhausted) {
			t.Fatalf("expected ErrResourceExhausted, got %v", failure.Err)
		}
	}
	if got := instance.WatchCount(); got != 2 {
		t.Fatalf("expected 2 watches, got %d", got)
	}

	// The rest of the tree keeps working.
	backend.push(RawEvent{Watch: backend.id(t, filepath.Join(root, "a")), Flags: FlagCreate, Name: "x.txt"})
	expectEvent(t, instance, KindCreated, filepath.Join(root, "a", "x.txt"))
	if got := instance.Metrics().Errors; got != 2 {
		t.Fatalf("expected 2 errors, got %d", got)
	}
}

func TestWatchPermissionDeniedSubtreeIsScoped(t *testing.T) {
	root := makeTree(t, "locked/secret.txt", "open.txt")
	locked := filepath.Join(root, "locked")
	backend := newFakeBackend()
	backend.failAdd[locked] = wrapPathError("add watch", locked, fs.ErrPermission)
	instance := startWatcher(t, backend, Options{}, root)

	expectReady(t, instance, root, locked, filepath.Join(root, "open.txt"))
	failure := expectEvent(t, instance, KindError, locked)
	if !errors.Is(failure.Err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", failure.Err)
	}
	var pathErr *PathError
	if !errors.As(failure.Err, &pathErr) || pathErr.Path != locked {
		t.Fatalf("expected PathError for %s, got %v", locked, failure.Err)
	}

	backend.push(RawEvent{Watch: backend.id(t, root), Flags: FlagModify, Name: "open.txt"})
	expectEvent(t, instance, KindModified, filepath.Join(root, "open.txt"))
}

func TestWatchMissingRootIsScopedError(t *testing.T) {
	present := makeTree(t, "f.txt")
	missing := filepath.Join(t.TempDir(), "missing")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{}, present, missing)

	expectReady(t, instance, present, filepath.Join(present, "f.txt"))
	failure := expectEvent(t, instance, KindError, missing)
	if !errors.Is(failure.Err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", failure.Err)
	}
	if got := instance.WatchCount(); got != 1 {
		t.Fatalf("expected 1 watch, got %d", got)
	}
}

func TestWatchFollowsSymlinkedDirectories(t *testing.T) {
	outside := makeTree(t, "x.txt")
	root := makeTree(t, "f.txt")
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	loop := filepath.Join(root, "loop")
	if err := os.Symlink(root, loop); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	plain := startWatcher(t, newFakeBackend(), Options{}, root)
	expectReady(t, plain, root, filepath.Join(root, "f.txt"), link, loop)
	if got := plain.WatchCount(); got != 1 {
		t.Fatalf("expected symlinks to be ignored, got %d watches", got)
	}

	backend := newFakeBackend()
	following := startWatcher(t, backend, Options{FollowSymlinks: true}, root)
	expectReady(t, following, root, filepath.Join(root, "f.txt"), link, filepath.Join(link, "x.txt"), loop)
	if got := following.WatchCount(); got != 2 {
		t.Fatalf("expected link target watched once, got %d watches", got)
	}

	second := filepath.Join(root, "second")
	if err := os.Symlink(outside, second); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	backend.push(RawEvent{Watch: backend.id(t, root), Flags: FlagCreate, Name: "second"})
	created := expectEvent(t, following, KindCreated, second)
	if !created.IsDir {
		t.Fatal("expected followed link to be reported as a directory")
	}
	expectEvent(t, following, KindCreated, filepath.Join(second, "x.txt"))
}

func TestWatchBlocksOnSlowConsumerWithoutLoss(t *testing.T) {
	root := makeTree(t, "keep.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{BufferSize: 1}, root)
	expectReady(t, instance, root, filepath.Join(root, "keep.txt"))

	rootID := backend.id(t, root)
	for index := 0; index < 10; index++ {
		backend.push(RawEvent{Watch: rootID, Flags: FlagCreate, Name: fmt.Sprintf("f%d", index)})
	}
	time.Sleep(20 * time.Millisecond)
	for index := 0; index < 10; index++ {
		expectEvent(t, instance, KindCreated, filepath.Join(root, fmt.Sprintf("f%d", index)))
	}
}

func TestWatchContextCancelClosesStream(t *testing.T) {
	root := makeTree(t, "a/")
	backend := newFakeBackend()
	ctx, cancel := context.WithCancel(context.Background())
	instance, err := Watch(ctx, []string{root}, Options{Backend: backend})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	expectReady(t, instance, root, filepath.Join(root, "a"))

	cancel()
	expectClosed(t, instance)
	select {
	case <-instance.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for done")
	}
	if instance.Err() != nil {
		t.Fatalf("expected clean shutdown, got %v", instance.Err())
	}
	if got := backend.liveCount(); got != 0 {
		t.Fatalf("expected all watches released, got %v", backend.livePaths())
	}
	if instance.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", instance.State())
	}
	if err := instance.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestWatchExampleScenario(t *testing.T) {
	root := makeTree(t, "f1")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{MovePairingWindow: 20 * time.Millisecond}, root)

	var last uint64
	check := func(event Event) {
		t.Helper()
		if event.Sequence != last+1 {
			t.Fatalf("expected sequence %d, got %d", last+1, event.Sequence)
		}
		last = event.Sequence
	}

	check(expectReady(t, instance, root, filepath.Join(root, "f1")))
	rootID := backend.id(t, root)

	backend.push(RawEvent{Watch: rootID, Flags: FlagCreate, Name: "f2"})
	check(expectEvent(t, instance, KindCreated, filepath.Join(root, "f2")))

	backend.push(
		RawEvent{Watch: rootID, Flags: FlagMovedFrom, Name: "f2", Cookie: 1},
		RawEvent{Watch: rootID, Flags: FlagMovedTo, Name: "f3", Cookie: 1},
	)
	renamed := expectEvent(t, instance, KindRenamed, filepath.Join(root, "f3"))
	if renamed.RelatedPath != filepath.Join(root, "f2") {
		t.Fatalf("expected rename from f2, got %q", renamed.RelatedPath)
	}
	check(renamed)

	backend.push(RawEvent{Watch: rootID, Flags: FlagMovedFrom, Name: "f3", Cookie: 2})
	check(expectEvent(t, instance, KindRemoved, filepath.Join(root, "f3")))

	backend.push(
		RawEvent{Watch: rootID, Flags: FlagDelete, Name: "f1"},
		RawEvent{Watch: rootID, Flags: FlagSelfRemoved},
		RawEvent{Watch: rootID, Flags: FlagIgnored},
	)
	check(expectEvent(t, instance, KindRemoved, filepath.Join(root, "f1")))
	check(expectEvent(t, instance, KindRemoved, root))

	if got := instance.WatchCount(); got != 0 {
		t.Fatalf("expected watch count 0, got %d", got)
	}
	if got := backend.liveCount(); got != 0 {
		t.Fatalf("expected no leaked watches, got %v", backend.livePaths())
	}
}

func TestNilWatcherAccessors(t *testing.T) {
	var instance *Watcher
	if instance.State() != StateStopped || instance.Roots() != nil || instance.WatchCount() != 0 {
		t.Fatalf("unexpected nil watcher state %s roots %v", instance.State(), instance.Roots())
	}
	select {
	case <-instance.Done():
	default:
		t.Fatal("expected a nil watcher to be done")
	}
	if err := instance.Close(); err != nil || instance.Err() != nil {
		t.Fatalf("expected nil errors, got %v %v", err, instance.Err())
	}
}

func TestWatchRejectsEmptyRoots(t *testing.T) {
	if _, err := Watch(context.Background(), nil, Options{Backend: newFakeBackend()}); !errors.Is(err, ErrNoRoots) {
		t.Fatalf("expected ErrNoRoots, got %v", err)
	}
	if _, err := Watch(context.Background(), []string{""}, Options{Backend: newFakeBackend()}); !errors.Is(err, ErrNoRoots) {
		t.Fatalf("expected ErrNoRoots for blank root, got %v", err)
	}
}

func TestNormalizeRootsDropsNestedRoots(t *testing.T) {
	base := t.TempDir()
	roots, err := normalizeRoots([]string{
		filepath.Join(base, "a", "b"),
		filepath.Join(base, "a"),
		filepath.Join(base, "c") + string(filepath.Separator),
		filepath.Join(base, "a"),
		filepath.Join(base, "ab"),
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := []string{filepath.Join(base, "a"), filepath.Join(base, "ab"), filepath.Join(base, "c")}
	if !equalPaths(roots, want) {
		t.Fatalf("expected %v, got %v", want, roots)
	}
}

func TestForwardPublishesEventsOnBus(t *testing.T) {
	root := makeTree(t, "f.txt")
	backend := newFakeBackend()
	instance := startWatcher(t, backend, Options{}, root)

	bus := event.NewBus[Event](context.Background(), event.BusOptions{Name: "test_watch_events"})
	t.Cleanup(bus.Close)
	published, cancel := bus.SubscribeTypes("created")
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Forward(context.Background(), instance, bus)
	}()

	backend.push(RawEvent{Watch: backend.id(t, root), Flags: FlagCreate, Name: "g.txt"})
	select {
	case item := <-published:
		if item.Path != filepath.Join(root, "g.txt") {
			t.Fatalf("expected g.txt, got %s", item.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}

	if err := instance.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil from forward, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forward to return")
	}
}

type chanSource struct {
	events chan Event
}

func (source chanSource) Events() <-chan Event { return source.events }
func (source chanSource) Err() error           { return nil }

func TestForwardHandlersOutlastSlowBusSubscribers(t *testing.T) {
	source := chanSource{events: make(chan Event, 3)}
	for sequence := uint64(1); sequence <= 3; sequence++ {
		source.events <- Event{Kind: KindCreated, Sequence: sequence}
	}
	close(source.events)

	bus := event.NewBus[Event](context.Background(), event.BusOptions{
		SubscriberBufferSize: 1,
		BlockOnFull:          true,
		WriteTimeout:         10 * time.Millisecond,
	})
	t.Cleanup(bus.Close)
	stalled, cancel := bus.Subscribe()
	defer cancel()

	var handled []uint64
	err := Forward(context.Background(), source, bus, func(item Event) {
		time.Sleep(20 * time.Millisecond)
		handled = append(handled, item.Sequence)
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(handled) != 3 || handled[0] != 1 || handled[2] != 3 {
		t.Fatalf("expected every event handled in order, got %v", handled)
	}

	// The bus gave up on the subscriber that never read, the handler did not.
	<-stalled
	if _, ok := <-stalled; ok {
		t.Fatal("expected stalled subscriber to be dropped")
	}
}

func TestForwardRejectsMissingArguments(t *testing.T) {
	if err := Forward(context.Background(), nil, event.NewBus[Event](context.Background(), event.BusOptions{})); err == nil {
		t.Fatal("expected error for nil source")
	}
	if err := Forward(context.Background(), &Watcher{}, nil); err == nil {
		t.Fatal("expected error for nil bus")
	}
}
