package watcher

import "time"

type pendingMove struct {
	cookie  uint32
	source  string
	isDir   bool
	arrived time.Time
	// held are events from inside a moved-out directory, replayed once the move resolves.
	held []heldEvent
}

type heldEvent struct {
	raw  RawEvent
	read time.Time
}

// pendingMoves holds moved-from halves waiting for their moved-to counterpart, keyed by the
// backend correlation cookie and kept in arrival order for expiry.
type pendingMoves struct {
	entries map[uint32]pendingMove
	order   []uint32
}

func newPendingMoves() *pendingMoves {
	return &pendingMoves{entries: make(map[uint32]pendingMove)}
}

// add records a move-out. A repeated cookie replaces the earlier half, which is returned so
// the caller can resolve it.
func (moves *pendingMoves) add(move pendingMove) (pendingMove, bool) {
	previous, replaced := moves.entries[move.cookie]
	if replaced {
		moves.dropOrder(move.cookie)
	}
	moves.entries[move.cookie] = move
	moves.order = append(moves.order, move.cookie)
	return previous, replaced
}

// take removes and returns the move-out matching cookie.
func (moves *pendingMoves) take(cookie uint32) (pendingMove, bool) {
	move, ok := moves.entries[cookie]
	if !ok {
		return pendingMove{}, false
	}
	delete(moves.entries, cookie)
	moves.dropOrder(cookie)
	return move, true
}

// takeSource removes the move-out whose source is path, if any.
func (moves *pendingMoves) takeSource(path string) (pendingMove, bool) {
	for _, cookie := range moves.order {
		if move := moves.entries[cookie]; move.source == path {
			return moves.take(cookie)
		}
	}
	return pendingMove{}, false
}

// expire removes and returns, oldest first, every move that has waited at least window.
func (moves *pendingMoves) expire(now time.Time, window time.Duration) []pendingMove {
	var expired []pendingMove
	for len(moves.order) > 0 {
		move := moves.entries[moves.order[0]]
		if now.Sub(move.arrived) < window {
			break
		}
		expired = append(expired, move)
		delete(moves.entries, move.cookie)
		moves.order = moves.order[1:]
	}
	return expired
}

// hold parks raw, reported by the watched directory dir, on the pending directory move that
// contains dir. It reports false when no such move exists.
func (moves *pendingMoves) hold(dir string, raw RawEvent, read time.Time) bool {
	for _, cookie := range moves.order {
		move := moves.entries[cookie]
		if !move.isDir || !isWithinPath(move.source, dir) {
			continue
		}
		move.held = append(move.held, heldEvent{raw: raw, read: read})
		moves.entries[cookie] = move
		return true
	}
	return false
}

// nextDeadline reports when the oldest pending move expires.
func (moves *pendingMoves) nextDeadline(window time.Duration) (time.Time, bool) {
	if len(moves.order) == 0 {
		return time.Time{}, false
	}
	return moves.entries[moves.order[0]].arrived.Add(window), true
}

// dropWithin discards every move whose source lies under path.
func (moves *pendingMoves) dropWithin(path string) int {
	dropped := 0
	for _, cookie := range append([]uint32(nil), moves.order...) {
		if isWithinPath(path, moves.entries[cookie].source) {
			moves.take(cookie)
			dropped++
		}
	}
	return dropped
}

func (moves *pendingMoves) len() int {
	return len(moves.entries)
}

// clear discards every pending move without resolving it.
func (moves *pendingMoves) clear() int {
	count := len(moves.entries)
	moves.entries = make(map[uint32]pendingMove)
	moves.order = nil
	return count
}

func (moves *pendingMoves) dropOrder(cookie uint32) {
	for index, candidate := range moves.order {
		if candidate == cookie {
			moves.order = append(moves.order[:index], moves.order[index+1:]...)
			return
		}
	}
}
