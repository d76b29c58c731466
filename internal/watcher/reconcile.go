package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// handleBatch reconciles one batch read by the producer. It reports false when the
// watcher must stop.
func (watcher *Watcher) handleBatch(ctx context.Context, batch rawBatch) bool {
	if batch.err != nil {
		watcher.logWarn("backend read failed", map[string]string{"error": batch.err.Error()})
		return watcher.emit(ctx, Event{Kind: KindError, Err: batch.err})
	}
	for _, raw := range batch.events {
		if raw.Overflow {
			return watcher.recoverOverflow(ctx)
		}
	}
	// Moves that timed out happened before anything in this batch.
	if !watcher.expireMoves(ctx, batch.read) {
		return false
	}
	for _, raw := range batch.events {
		if !watcher.reconcile(ctx, raw, batch.read) {
			return false
		}
	}
	return true
}

func (watcher *Watcher) reconcile(ctx context.Context, raw RawEvent, read time.Time) bool {
	if raw.Flags.Has(FlagIgnored) {
		return true
	}
	dir, ok := watcher.tree.lookupByID(raw.Watch)
	if !ok {
		return true
	}
	// dir has left its place in the tree; its events wait for the move to resolve.
	if watcher.moves.hold(dir, raw, read) {
		return true
	}
	if raw.Flags&(FlagSelfRemoved|FlagSelfMoved) != 0 {
		return watcher.selfChanged(ctx, dir, raw.Flags)
	}
	if raw.Name == "" {
		return true
	}

	path := filepath.Join(dir, raw.Name)
	isDir := raw.Flags.Has(FlagIsDir)
	switch {
	case raw.Flags.Has(FlagMovedFrom):
		return watcher.movedOut(ctx, path, isDir, raw.Cookie, read)
	case raw.Flags.Has(FlagMovedTo):
		return watcher.movedIn(ctx, path, isDir, raw.Cookie)
	}

	// A later event on a pending source means the move-out was final.
	if move, ok := watcher.moves.takeSource(path); ok {
		watcher.pendingChanged()
		watcher.dropHeld(move)
		if !watcher.removed(ctx, move.source, move.isDir) {
			return false
		}
	}

	switch {
	case raw.Flags.Has(FlagCreate):
		return watcher.created(ctx, path, isDir)
	case raw.Flags.Has(FlagDelete):
		return watcher.removed(ctx, path, isDir)
	case raw.Flags.Has(FlagModify):
		if !watcher.tree.hasEntry(path) {
			return true
		}
		return watcher.emit(ctx, Event{Kind: KindModified, Path: path, IsDir: isDir})
	}
	return true
}

// selfChanged handles events about a watched directory itself. Only roots are reported
// here; any other directory is reported by its parent's delete or move notification.
func (watcher *Watcher) selfChanged(ctx context.Context, path string, flags Flags) bool {
	if !watcher.tree.isRoot(path) {
		return true
	}
	released := watcher.tree.removeSubtree(path)
	if dropped := watcher.moves.dropWithin(path); dropped > 0 {
		watcher.pendingChanged()
	}
	watcher.logger.Info("root no longer watched", withWatcherFields(map[string]string{
		"path":     path,
		"event":    flags.String(),
		"released": strconv.Itoa(released),
	}))
	return watcher.emit(ctx, Event{Kind: KindRemoved, Path: path, IsDir: true})
}

func (watcher *Watcher) movedOut(ctx context.Context, path string, isDir bool, cookie uint32, read time.Time) bool {
	if cookie == 0 {
		// Nothing can pair with this half.
		return watcher.removed(ctx, path, isDir)
	}
	previous, replaced := watcher.moves.add(pendingMove{
		cookie:  cookie,
		source:  path,
		isDir:   isDir,
		arrived: read,
	})
	watcher.pendingChanged()
	if replaced {
		watcher.dropHeld(previous)
		return watcher.removed(ctx, previous.source, previous.isDir)
	}
	return true
}

func (watcher *Watcher) movedIn(ctx context.Context, path string, isDir bool, cookie uint32) bool {
	if cookie != 0 {
		if move, ok := watcher.moves.take(cookie); ok {
			watcher.pendingChanged()
			return watcher.renamed(ctx, move, path, isDir)
		}
	}
	// The source lies outside every watched root.
	return watcher.created(ctx, path, isDir)
}

func (watcher *Watcher) renamed(ctx context.Context, move pendingMove, path string, isDir bool) bool {
	isDir = isDir || move.isDir
	sourceKnown := watcher.tree.removeEntry(move.source)
	targetKnown := watcher.tree.hasEntry(path)

	outcome := renameNone
	if isDir {
		outcome = watcher.tree.renameSubtree(move.source, path)
	}
	watcher.tree.addEntry(path)

	switch {
	case sourceKnown:
		if !watcher.emit(ctx, Event{Kind: KindRenamed, Path: path, RelatedPath: move.source, IsDir: isDir}) {
			return false
		}
	case !targetKnown:
		// The source was never reported, so the consumer learns of the entry here.
		if !watcher.emit(ctx, Event{Kind: KindCreated, Path: path, IsDir: isDir}) {
			return false
		}
	}
	switch outcome {
	case renameNeedsAdd:
		return watcher.addSubtree(ctx, path)
	case renameRelabelled:
		// Watch identifiers now resolve to the new paths.
		for _, held := range move.held {
			if !watcher.reconcile(ctx, held.raw, held.read) {
				return false
			}
		}
	default:
		watcher.dropHeld(move)
	}
	return true
}

func (watcher *Watcher) dropHeld(move pendingMove) {
	if len(move.held) == 0 {
		return
	}
	watcher.logDebug("events inside moved directory dropped", map[string]string{
		"path":  move.source,
		"count": strconv.Itoa(len(move.held)),
	})
}

func (watcher *Watcher) created(ctx context.Context, path string, isDir bool) bool {
	if watcher.tree.hasEntry(path) {
		// Already reported by a listing that ran after the watch was registered.
		return true
	}
	watcher.tree.addEntry(path)

	descend := isDir
	if !isDir && watcher.options.FollowSymlinks {
		if info, err := os.Lstat(path); err == nil && info.Mode()&fs.ModeSymlink != 0 {
			_, descend = watcher.followLink(path, nil)
		}
	}
	if !watcher.emit(ctx, Event{Kind: KindCreated, Path: path, IsDir: descend}) {
		return false
	}
	if descend {
		return watcher.addSubtree(ctx, path)
	}
	return true
}

func (watcher *Watcher) removed(ctx context.Context, path string, isDir bool) bool {
	known := watcher.tree.removeEntry(path)
	if watcher.tree.removeSubtree(path) > 0 {
		isDir = true
	}
	if !known {
		// The consumer never saw this entry.
		return true
	}
	return watcher.emit(ctx, Event{Kind: KindRemoved, Path: path, IsDir: isDir})
}

// expireMoves resolves move-outs whose counterpart did not arrive within the pairing
// window. The entry left the watched roots.
func (watcher *Watcher) expireMoves(ctx context.Context, now time.Time) bool {
	expired := watcher.moves.expire(now, watcher.options.MovePairingWindow)
	if len(expired) == 0 {
		return true
	}
	watcher.pendingChanged()
	for _, move := range expired {
		watcher.dropHeld(move)
		if !watcher.removed(ctx, move.source, move.isDir) {
			return false
		}
	}
	return true
}

func (watcher *Watcher) pendingChanged() {
	count := watcher.moves.len()
	watcher.pendingCount.Store(int64(count))
	watcher.metrics.SetPendingMoves(count)
}
