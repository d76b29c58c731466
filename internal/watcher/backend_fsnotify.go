package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const fsnotifyMaxBatch = 256

// FSNotifyBackend adapts fsnotify to the Backend capability.
//
// fsnotify reports full paths and does not expose move cookies, so identifiers are
// synthesized per directory and renames arrive as an uncorrelated moved-from followed by a
// create at the destination.
type FSNotifyBackend struct {
	watcher *fsnotify.Watcher
	mutex   sync.Mutex
	ids     map[string]WatchID
	paths   map[WatchID]string
	gone    map[string]struct{}
	nextID  WatchID
}

// NewFSNotifyBackend creates an fsnotify-backed Backend.
func NewFSNotifyBackend() (*FSNotifyBackend, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: fsnotify: %v", ErrBackendUnavailable, err)
	}
	return &FSNotifyBackend{
		watcher: watcher,
		ids:     make(map[string]WatchID),
		paths:   make(map[WatchID]string),
		gone:    make(map[string]struct{}),
	}, nil
}

func (backend *FSNotifyBackend) AddWatch(path string) (WatchID, error) {
	backend.mutex.Lock()
	if id, ok := backend.ids[path]; ok {
		backend.mutex.Unlock()
		return id, nil
	}
	backend.mutex.Unlock()

	if err := backend.watcher.Add(path); err != nil {
		if errors.Is(err, fsnotify.ErrClosed) {
			return 0, ErrBackendClosed
		}
		return 0, wrapPathError("add watch", path, err)
	}

	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.nextID++
	id := backend.nextID
	backend.ids[path] = id
	backend.paths[id] = path
	delete(backend.gone, path)
	return id, nil
}

func (backend *FSNotifyBackend) RemoveWatch(id WatchID) error {
	backend.mutex.Lock()
	path, ok := backend.paths[id]
	if ok {
		delete(backend.paths, id)
		if backend.ids[path] == id {
			delete(backend.ids, path)
			backend.gone[path] = struct{}{}
		}
	}
	backend.mutex.Unlock()
	if !ok {
		return nil
	}

	err := backend.watcher.Remove(path)
	if err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) && !errors.Is(err, fsnotify.ErrClosed) {
		return fmt.Errorf("remove watch %s: %w", path, err)
	}
	return nil
}

// ReadEvents blocks for one fsnotify event and then drains whatever else is queued.
func (backend *FSNotifyBackend) ReadEvents() ([]RawEvent, error) {
	var batch []RawEvent
	select {
	case event, ok := <-backend.watcher.Events:
		if !ok {
			return nil, ErrBackendClosed
		}
		batch = backend.translate(event, batch)
	case err, ok := <-backend.watcher.Errors:
		if !ok {
			return nil, ErrBackendClosed
		}
		if errors.Is(err, fsnotify.ErrEventOverflow) {
			return []RawEvent{{Overflow: true}}, nil
		}
		return nil, err
	}

	for len(batch) < fsnotifyMaxBatch {
		select {
		case event, ok := <-backend.watcher.Events:
			if !ok {
				return batch, nil
			}
			batch = backend.translate(event, batch)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (backend *FSNotifyBackend) Close() error {
	return backend.watcher.Close()
}

func (backend *FSNotifyBackend) translate(event fsnotify.Event, batch []RawEvent) []RawEvent {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	name := filepath.Clean(event.Name)
	parentID, hasParent := backend.ids[filepath.Dir(name)]
	selfID, watchedDir := backend.ids[name]
	base := filepath.Base(name)

	switch {
	case event.Has(fsnotify.Create):
		delete(backend.gone, name)
		if !hasParent {
			return batch
		}
		flags := FlagCreate
		if info, err := os.Lstat(name); err == nil && info.IsDir() {
			flags |= FlagIsDir
		}
		return append(batch, RawEvent{Watch: parentID, Flags: flags, Name: base})
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A watched directory is reported once by its parent and once by its own watch.
		if _, ok := backend.gone[name]; ok && !watchedDir {
			delete(backend.gone, name)
			return batch
		}
		removed := event.Has(fsnotify.Remove)
		if !hasParent {
			if !watchedDir {
				return batch
			}
			flags := FlagSelfMoved
			if removed {
				flags = FlagSelfRemoved
			}
			return append(batch, RawEvent{Watch: selfID, Flags: flags})
		}
		flags := FlagMovedFrom
		if removed {
			flags = FlagDelete
		}
		if watchedDir {
			flags |= FlagIsDir
			delete(backend.ids, name)
			backend.gone[name] = struct{}{}
		}
		return append(batch, RawEvent{Watch: parentID, Flags: flags, Name: base})
	case event.Has(fsnotify.Write), event.Has(fsnotify.Chmod):
		if !hasParent {
			return batch
		}
		return append(batch, RawEvent{Watch: parentID, Flags: FlagModify, Name: base})
	default:
		return batch
	}
}
