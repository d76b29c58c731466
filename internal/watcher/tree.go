package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var errWatchShared = errors.New("watch identifier already bound to another path")

type watchNode struct {
	path   string
	id     WatchID
	parent int
	// children holds the name of every entry listed in the directory, files included, so the
	// tree also records which paths the consumer has been told about.
	children map[string]struct{}
}

type renameOutcome int

const (
	renameNone renameOutcome = iota
	renameRelabelled
	renameRemoved
	renameNeedsAdd
)

// watchTree is an arena of watched directories. Nodes reference their parent by index and
// their children by path component; byPath and byID keep the path↔identifier bijection.
// It is owned by the watcher goroutine and never shared.
type watchTree struct {
	backend   Backend
	roots     []string
	nodes     []watchNode
	free      []int
	byPath    map[string]int
	byID      map[WatchID]int
	onRelease func(path string, id WatchID, err error)
}

func newWatchTree(backend Backend, roots []string) *watchTree {
	return &watchTree{
		backend: backend,
		roots:   roots,
		byPath:  make(map[string]int),
		byID:    make(map[WatchID]int),
	}
}

// add records a watched directory. It reports false when the path was already present.
func (tree *watchTree) add(path string, id WatchID) (bool, error) {
	if index, ok := tree.byPath[path]; ok {
		if tree.nodes[index].id == id {
			return false, nil
		}
		// The name now refers to a different directory than the one we were tracking.
		tree.removeSubtree(path)
	}
	if _, ok := tree.byID[id]; ok {
		return false, errWatchShared
	}

	parent := -1
	if !tree.isRoot(path) {
		if index, ok := tree.byPath[filepath.Dir(path)]; ok {
			parent = index
		}
	}

	node := watchNode{
		path:     path,
		id:       id,
		parent:   parent,
		children: make(map[string]struct{}),
	}
	var index int
	if count := len(tree.free); count > 0 {
		index = tree.free[count-1]
		tree.free = tree.free[:count-1]
		tree.nodes[index] = node
	} else {
		index = len(tree.nodes)
		tree.nodes = append(tree.nodes, node)
	}
	tree.byPath[path] = index
	tree.byID[id] = index
	if parent >= 0 {
		tree.nodes[parent].children[filepath.Base(path)] = struct{}{}
	}
	return true, nil
}

// removeSubtree drops path and every descendant, releasing each watch through the backend.
func (tree *watchTree) removeSubtree(path string) int {
	index, ok := tree.byPath[path]
	if !ok {
		return 0
	}
	indexes := tree.subtree(index)
	if parent := tree.nodes[index].parent; parent >= 0 {
		delete(tree.nodes[parent].children, filepath.Base(path))
	}

	// Release leaves first so a backend never sees a child outlive its parent.
	for i := len(indexes) - 1; i >= 0; i-- {
		node := tree.nodes[indexes[i]]
		err := tree.backend.RemoveWatch(node.id)
		if tree.onRelease != nil {
			tree.onRelease(node.path, node.id, err)
		}
		delete(tree.byPath, node.path)
		delete(tree.byID, node.id)
		tree.nodes[indexes[i]] = watchNode{parent: -1}
		tree.free = append(tree.free, indexes[i])
	}
	return len(indexes)
}

// renameSubtree relabels a moved directory. Watch identifiers follow the inode, so only
// paths change when both ends are inside the tree.
func (tree *watchTree) renameSubtree(oldPath, newPath string) renameOutcome {
	_, watched := tree.byPath[oldPath]
	inside := tree.contains(newPath)
	switch {
	case watched && !inside:
		tree.removeSubtree(oldPath)
		return renameRemoved
	case !watched && inside:
		return renameNeedsAdd
	case !watched:
		return renameNone
	}

	if oldPath == newPath {
		return renameRelabelled
	}
	if _, ok := tree.byPath[newPath]; ok {
		tree.removeSubtree(newPath)
	}

	index := tree.byPath[oldPath]
	if parent := tree.nodes[index].parent; parent >= 0 {
		delete(tree.nodes[parent].children, filepath.Base(oldPath))
	}
	for _, member := range tree.subtree(index) {
		node := &tree.nodes[member]
		relabelled := newPath + strings.TrimPrefix(node.path, oldPath)
		delete(tree.byPath, node.path)
		node.path = relabelled
		tree.byPath[relabelled] = member
	}

	parent := -1
	if !tree.isRoot(newPath) {
		if candidate, ok := tree.byPath[filepath.Dir(newPath)]; ok {
			parent = candidate
		}
	}
	tree.nodes[index].parent = parent
	if parent >= 0 {
		tree.nodes[parent].children[filepath.Base(newPath)] = struct{}{}
	}
	return renameRelabelled
}

// teardown releases every watch in the tree.
func (tree *watchTree) teardown() int {
	released := 0
	for _, root := range tree.roots {
		released += tree.removeSubtree(root)
	}
	// Nodes whose root was never registered still hold watches.
	for len(tree.byPath) > 0 {
		for path := range tree.byPath {
			released += tree.removeSubtree(path)
			break
		}
	}
	return released
}

func (tree *watchTree) lookupByPath(path string) (WatchID, bool) {
	index, ok := tree.byPath[path]
	if !ok {
		return 0, false
	}
	return tree.nodes[index].id, true
}

func (tree *watchTree) lookupByID(id WatchID) (string, bool) {
	index, ok := tree.byID[id]
	if !ok {
		return "", false
	}
	return tree.nodes[index].path, true
}

func (tree *watchTree) len() int {
	return len(tree.byPath)
}

// hasEntry reports whether path is a known entry of a watched directory.
func (tree *watchTree) hasEntry(path string) bool {
	index, ok := tree.byPath[filepath.Dir(path)]
	if !ok {
		return false
	}
	_, ok = tree.nodes[index].children[filepath.Base(path)]
	return ok
}

// addEntry records path in its parent's entry set. It reports false when the parent is not
// watched.
func (tree *watchTree) addEntry(path string) bool {
	index, ok := tree.byPath[filepath.Dir(path)]
	if !ok {
		return false
	}
	tree.nodes[index].children[filepath.Base(path)] = struct{}{}
	return true
}

// removeEntry forgets path and reports whether it was known.
func (tree *watchTree) removeEntry(path string) bool {
	index, ok := tree.byPath[filepath.Dir(path)]
	if !ok {
		return false
	}
	name := filepath.Base(path)
	if _, ok := tree.nodes[index].children[name]; !ok {
		return false
	}
	delete(tree.nodes[index].children, name)
	return true
}

// paths lists watched directories in lexical order.
func (tree *watchTree) paths() []string {
	paths := make([]string, 0, len(tree.byPath))
	for path := range tree.byPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (tree *watchTree) children(path string) []string {
	index, ok := tree.byPath[path]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(tree.nodes[index].children))
	for name := range tree.nodes[index].children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (tree *watchTree) isRoot(path string) bool {
	for _, root := range tree.roots {
		if root == path {
			return true
		}
	}
	return false
}

// contains reports whether path lies inside one of the watched roots.
func (tree *watchTree) contains(path string) bool {
	for _, root := range tree.roots {
		if isWithinPath(root, path) {
			return true
		}
	}
	return false
}

// subtree returns index followed by all watched descendant indexes, breadth first.
func (tree *watchTree) subtree(index int) []int {
	order := []int{index}
	for i := 0; i < len(order); i++ {
		node := tree.nodes[order[i]]
		for name := range node.children {
			if child, ok := tree.byPath[filepath.Join(node.path, name)]; ok {
				order = append(order, child)
			}
		}
	}
	return order
}

func isWithinPath(parent, child string) bool {
	parentPath := filepath.Clean(parent)
	childPath := filepath.Clean(child)
	rel, err := filepath.Rel(parentPath, childPath)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}
