package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeBackend is a scripted Backend. Tests push raw batches by hand and can hook AddWatch
// to inject events at a chosen point of the scan.
type fakeBackend struct {
	mutex   sync.Mutex
	nextID  WatchID
	byPath  map[string]WatchID
	live    map[WatchID]string
	adds    []string
	removes []WatchID
	failAdd map[string]error
	onAdd   func(path string, id WatchID)

	batches   chan []RawEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		byPath:  make(map[string]WatchID),
		live:    make(map[WatchID]string),
		failAdd: make(map[string]error),
		batches: make(chan []RawEvent, 64),
		closed:  make(chan struct{}),
	}
}

func (backend *fakeBackend) AddWatch(path string) (WatchID, error) {
	backend.mutex.Lock()
	if err, ok := backend.failAdd[path]; ok {
		backend.mutex.Unlock()
		return 0, err
	}
	id, ok := backend.byPath[path]
	if !ok {
		backend.nextID++
		id = backend.nextID
		backend.byPath[path] = id
		backend.live[id] = path
	}
	backend.adds = append(backend.adds, path)
	hook := backend.onAdd
	backend.mutex.Unlock()

	if hook != nil {
		hook(path, id)
	}
	return id, nil
}

func (backend *fakeBackend) RemoveWatch(id WatchID) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.removes = append(backend.removes, id)
	if path, ok := backend.live[id]; ok {
		delete(backend.live, id)
		if backend.byPath[path] == id {
			delete(backend.byPath, path)
		}
	}
	return nil
}

func (backend *fakeBackend) ReadEvents() ([]RawEvent, error) {
	select {
	case batch := <-backend.batches:
		return batch, nil
	case <-backend.closed:
		return nil, ErrBackendClosed
	}
}

func (backend *fakeBackend) Close() error {
	backend.closeOnce.Do(func() {
		close(backend.closed)
	})
	return nil
}

func (backend *fakeBackend) push(events ...RawEvent) {
	backend.batches <- events
}

func (backend *fakeBackend) id(t *testing.T, path string) WatchID {
	t.Helper()
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	id, ok := backend.byPath[path]
	if !ok {
		t.Fatalf("no watch registered for %s", path)
	}
	return id
}

func (backend *fakeBackend) liveCount() int {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return len(backend.live)
}

func (backend *fakeBackend) livePaths() []string {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	paths := make([]string, 0, len(backend.live))
	for _, path := range backend.live {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (backend *fakeBackend) removed(id WatchID) bool {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	for _, candidate := range backend.removes {
		if candidate == id {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, backend Backend, options Options, roots ...string) *Watcher {
	t.Helper()
	options.Backend = backend
	instance, err := Watch(context.Background(), roots, options)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	t.Cleanup(func() {
		_ = instance.Close()
	})
	return instance
}

func nextEvent(t *testing.T, instance *Watcher) Event {
	t.Helper()
	select {
	case event, ok := <-instance.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectEvent(t *testing.T, instance *Watcher, kind Kind, path string) Event {
	t.Helper()
	event := nextEvent(t, instance)
	if event.Kind != kind || event.Path != path {
		t.Fatalf("expected %s %s, got %s %s (related %q, err %v)", kind, path, event.Kind, event.Path, event.RelatedPath, event.Err)
	}
	return event
}

// nextSemantic skips Modified events, whose count depends on how the kernel splits writes.
func nextSemantic(t *testing.T, instance *Watcher) Event {
	t.Helper()
	for {
		event := nextEvent(t, instance)
		if event.Kind != KindModified {
			return event
		}
	}
}

func expectSemantic(t *testing.T, instance *Watcher, kind Kind, path string) Event {
	t.Helper()
	event := nextSemantic(t, instance)
	if event.Kind != kind || event.Path != path {
		t.Fatalf("expected %s %s, got %s %s (related %q, err %v)", kind, path, event.Kind, event.Path, event.RelatedPath, event.Err)
	}
	return event
}

func expectReady(t *testing.T, instance *Watcher, want ...string) Event {
	t.Helper()
	event := nextEvent(t, instance)
	if event.Kind != KindReady {
		t.Fatalf("expected ready, got %s %s", event.Kind, event.Path)
	}
	if !equalPaths(event.Snapshot, want) {
		t.Fatalf("expected snapshot %v, got %v", want, event.Snapshot)
	}
	return event
}

func expectClosed(t *testing.T, instance *Watcher) {
	t.Helper()
	select {
	case event, ok := <-instance.Events():
		if ok {
			t.Fatalf("expected closed stream, got %s %s", event.Kind, event.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream close")
	}
}

func equalPaths(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for index := range got {
		if got[index] != want[index] {
			return false
		}
	}
	return true
}

// makeTree creates files and directories under a fresh temp dir; names ending in a slash
// are directories.
func makeTree(t *testing.T, names ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range names {
		path := filepath.Join(root, filepath.FromSlash(name))
		if name[len(name)-1] == '/' {
			if err := os.MkdirAll(path, 0o755); err != nil {
				t.Fatalf("mkdir %s: %v", path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return root
}
