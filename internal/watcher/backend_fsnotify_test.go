package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForRaw(t *testing.T, backend *FSNotifyBackend, match func(RawEvent) bool) RawEvent {
	t.Helper()
	found := make(chan RawEvent, 1)
	go func() {
		for {
			batch, err := backend.ReadEvents()
			if err != nil {
				return
			}
			for _, raw := range batch {
				if match(raw) {
					found <- raw
					return
				}
			}
		}
	}()
	select {
	case raw := <-found:
		return raw
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for raw event")
	}
	return RawEvent{}
}

func TestFSNotifyBackendTranslatesCreate(t *testing.T) {
	backend, err := NewFSNotifyBackend()
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer backend.Close()

	root := t.TempDir()
	id, err := backend.AddWatch(root)
	if err != nil {
		t.Fatalf("add watch: %v", err)
	}
	again, err := backend.AddWatch(root)
	if err != nil || again != id {
		t.Fatalf("expected the same identifier for a repeated watch, got %d %v", again, err)
	}

	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	raw := waitForRaw(t, backend, func(raw RawEvent) bool { return raw.Name == "sub" })
	if raw.Watch != id || raw.Flags != FlagCreate|FlagIsDir {
		t.Fatalf("unexpected raw event %+v", raw)
	}
}

func TestFSNotifyBackendRemoveWatchIsIdempotent(t *testing.T) {
	backend, err := NewFSNotifyBackend()
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer backend.Close()

	id, err := backend.AddWatch(t.TempDir())
	if err != nil {
		t.Fatalf("add watch: %v", err)
	}
	if err := backend.RemoveWatch(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := backend.RemoveWatch(id); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if err := backend.RemoveWatch(12345); err != nil {
		t.Fatalf("remove unknown: %v", err)
	}
}

func TestFSNotifyWatchReportsLiveChanges(t *testing.T) {
	backend, err := NewFSNotifyBackend()
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	root := makeTree(t, "f1")

	instance, err := Watch(context.Background(), []string{root}, Options{Backend: backend})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer instance.Close()
	expectReady(t, instance, root, filepath.Join(root, "f1"))

	f2 := filepath.Join(root, "f2")
	if err := os.WriteFile(f2, []byte("two"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectSemantic(t, instance, KindCreated, f2)

	// Without correlation a rename surfaces as its two halves.
	f3 := filepath.Join(root, "f3")
	if err := os.Rename(f2, f3); err != nil {
		t.Fatalf("rename: %v", err)
	}
	expectSemantic(t, instance, KindRemoved, f2)
	expectSemantic(t, instance, KindCreated, f3)

	if err := os.Remove(f3); err != nil {
		t.Fatalf("remove: %v", err)
	}
	expectSemantic(t, instance, KindRemoved, f3)
}
