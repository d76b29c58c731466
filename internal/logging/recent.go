package logging

import (
	"sync"

	"treewatch/internal/buffer"
)

// recent keeps the newest entries for the /logs endpoint. Loggers derived with With share
// one instance.
type recent struct {
	mu      sync.Mutex
	entries *buffer.Ring[Entry]
}

func newRecent(size int) *recent {
	if size <= 0 {
		return nil
	}
	return &recent{entries: buffer.NewRing[Entry](size)}
}

func (r *recent) add(entry Entry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.entries.Add(entry)
	r.mu.Unlock()
}

func (r *recent) list(minLevel Level) []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	entries := r.entries.List()
	r.mu.Unlock()
	if minLevel == "" {
		return entries
	}
	filtered := entries[:0]
	for _, entry := range entries {
		if LevelAtLeast(entry.Level, minLevel) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
