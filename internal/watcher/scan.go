package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// scanResult collects what one recursive registration pass discovered.
type scanResult struct {
	paths    []string
	dirs     map[string]struct{}
	failures []Event
}

func (result *scanResult) found(path string, isDir bool) {
	result.paths = append(result.paths, path)
	if !isDir {
		return
	}
	if result.dirs == nil {
		result.dirs = make(map[string]struct{})
	}
	result.dirs[path] = struct{}{}
}

func (result *scanResult) isDir(path string) bool {
	_, ok := result.dirs[path]
	return ok
}

func (result *scanResult) fail(path string, err error) {
	result.failures = append(result.failures, Event{Kind: KindError, Path: path, Err: err})
}

// initialize registers every root and emits the Ready snapshot that opens the cycle. Raw
// events read meanwhile stay queued for the reconciler. It reports false when the watcher
// was stopped mid-scan.
func (watcher *Watcher) initialize(ctx context.Context, resync bool) bool {
	started := time.Now()
	spanCtx, span := watcher.tracer.Start(ctx, "treewatch.scan", trace.WithAttributes(
		attribute.Int("treewatch.roots", len(watcher.roots)),
		attribute.Bool("treewatch.resync", resync),
	))
	defer span.End()

	result := &scanResult{}
	for _, root := range watcher.roots {
		if spanCtx.Err() != nil {
			break
		}
		if !watcher.registerRoot(root, result) {
			continue
		}
		result.found(root, true)
		watcher.scanDir(spanCtx, root, result, nil)
	}
	if err := spanCtx.Err(); err != nil {
		span.SetStatus(codes.Error, "scan interrupted")
		return false
	}
	sort.Strings(result.paths)

	elapsed := time.Since(started)
	watcher.metrics.ObserveScan(elapsed)
	span.SetAttributes(
		attribute.Int("treewatch.paths", len(result.paths)),
		attribute.Int("treewatch.watches", watcher.tree.len()),
		attribute.Int("treewatch.failures", len(result.failures)),
	)
	if len(result.failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d paths could not be watched", len(result.failures)))
	}
	watcher.logger.Info("watch tree ready", withWatcherFields(map[string]string{
		"paths":    strconv.Itoa(len(result.paths)),
		"watches":  strconv.Itoa(watcher.tree.len()),
		"failures": strconv.Itoa(len(result.failures)),
		"resync":   strconv.FormatBool(resync),
		"duration": elapsed.String(),
	}))

	if !watcher.emit(ctx, Event{Kind: KindReady, Snapshot: result.paths}) {
		return false
	}
	for _, failure := range result.failures {
		if !watcher.emit(ctx, failure) {
			return false
		}
	}
	watcher.setState(StateReady)
	return true
}

// registerRoot watches one root directory. Roots are never listed by a parent, so they
// are checked here rather than in scanDir.
func (watcher *Watcher) registerRoot(root string, result *scanResult) bool {
	// A symlinked root is always watched through its target.
	info, err := os.Stat(root)
	if err != nil {
		watcher.scanFailed(root, wrapPathError("stat", root, err), result)
		return false
	}
	if !info.IsDir() {
		watcher.scanFailed(root, &PathError{Op: "watch", Path: root, Err: fmt.Errorf("%w: not a directory", ErrNotFound)}, result)
		return false
	}
	return watcher.register(root, result)
}

// register adds the backend watch for path before anything inside it is listed, so every
// later change produces a raw event.
func (watcher *Watcher) register(path string, result *scanResult) bool {
	if limit := watcher.options.MaxWatches; limit > 0 && watcher.tree.len() >= limit {
		watcher.scanFailed(path, &PathError{Op: "add watch", Path: path, Err: fmt.Errorf("%w: %d watches", ErrResourceExhausted, limit)}, result)
		return false
	}
	id, err := watcher.backend.AddWatch(path)
	if err != nil {
		watcher.scanFailed(path, err, result)
		return false
	}
	added, err := watcher.tree.add(path, id)
	if errors.Is(err, errWatchShared) {
		// Another path already holds this directory's watch; the backend
		// returned the same identifier, so it must not be removed here.
		other, _ := watcher.tree.lookupByID(id)
		watcher.logDebug("directory already watched under another path", map[string]string{
			"path":  path,
			"other": other,
		})
		return false
	}
	if added {
		watcher.watchAdded(path)
	}
	watcher.drainRaw()
	return true
}

// scanDir lists a registered directory in pre-order, records each entry in the tree and
// recurses into subdirectories. ancestors holds the resolved targets of followed symlinks
// on the current branch.
func (watcher *Watcher) scanDir(ctx context.Context, path string, result *scanResult, ancestors []string) {
	entries, err := os.ReadDir(path)
	if err != nil {
		watcher.scanFailed(path, wrapPathError("list", path, err), result)
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		child := filepath.Join(path, entry.Name())
		watcher.tree.addEntry(child)

		descend, branch := watcher.recursionPoint(child, entry, ancestors)
		result.found(child, entry.IsDir() || descend)
		if !descend {
			continue
		}
		if watcher.register(child, result) {
			watcher.scanDir(ctx, child, result, branch)
		}
	}
}

// recursionPoint decides whether the scan descends into entry. Symlinks are followed only
// when enabled, and never into a directory that already encloses the link.
func (watcher *Watcher) recursionPoint(path string, entry fs.DirEntry, ancestors []string) (bool, []string) {
	if entry.IsDir() {
		return true, ancestors
	}
	if entry.Type()&fs.ModeSymlink == 0 || !watcher.options.FollowSymlinks {
		return false, ancestors
	}
	target, ok := watcher.followLink(path, ancestors)
	if !ok {
		return false, ancestors
	}
	branch := make([]string, len(ancestors), len(ancestors)+1)
	copy(branch, ancestors)
	return true, append(branch, target)
}

// followLink resolves a symlink to a directory, refusing targets that enclose the link.
func (watcher *Watcher) followLink(path string, ancestors []string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", false
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	if loops(target, path, ancestors) {
		watcher.logDebug("symlink loop skipped", map[string]string{
			"path":   path,
			"target": target,
		})
		return "", false
	}
	return target, true
}

func loops(target, link string, ancestors []string) bool {
	resolvedParent, err := filepath.EvalSymlinks(filepath.Dir(link))
	if err == nil && isWithinPath(target, resolvedParent) {
		return true
	}
	for _, ancestor := range ancestors {
		if isWithinPath(target, ancestor) {
			return true
		}
	}
	return false
}

func (watcher *Watcher) scanFailed(path string, err error, result *scanResult) {
	result.fail(path, err)
	watcher.logScopedWarn("watch registration failed", map[string]string{
		"path":  path,
		"error": err.Error(),
	})
}

// addSubtree watches a directory that appeared during live operation. Entries found by the
// listing predate the new watch and have no raw event of their own, so each is reported as
// Created.
func (watcher *Watcher) addSubtree(ctx context.Context, path string) bool {
	if _, ok := watcher.tree.lookupByPath(path); ok {
		return true
	}
	result := &scanResult{}
	if watcher.register(path, result) {
		watcher.scanDir(ctx, path, result, nil)
	}
	if ctx.Err() != nil {
		return false
	}
	for _, found := range result.paths {
		if !watcher.emit(ctx, Event{Kind: KindCreated, Path: found, IsDir: result.isDir(found)}) {
			return false
		}
	}
	for _, failure := range result.failures {
		if !watcher.emit(ctx, failure) {
			return false
		}
	}
	return true
}
