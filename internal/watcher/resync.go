package watcher

import (
	"context"
	"strconv"
)

// recoverOverflow handles a backend overflow. Nothing queued or pending from before the
// overflow is trusted: the tree is rebuilt from disk and a fresh Ready follows the Overflow
// event, or the stream ends with ErrQueueOverflow when resync is disabled.
func (watcher *Watcher) recoverOverflow(ctx context.Context) bool {
	discardedMoves := watcher.moves.clear()
	watcher.pendingChanged()
	discardedBatches := watcher.discardRaw()
	watcher.overflows.Add(1)
	watcher.metrics.IncOverflows()
	watcher.logWarn("backend event queue overflowed", map[string]string{
		"discarded_moves":   strconv.Itoa(discardedMoves),
		"discarded_batches": strconv.Itoa(discardedBatches),
		"resync":            strconv.FormatBool(!watcher.options.DisableOverflowResync),
	})

	if !watcher.emit(ctx, Event{Kind: KindOverflow}) {
		return false
	}
	if watcher.options.DisableOverflowResync {
		watcher.setErr(ErrQueueOverflow)
		// The stream ends here whether or not the consumer took the error.
		_ = watcher.emit(ctx, Event{Kind: KindError, Err: ErrQueueOverflow})
		return false
	}

	watcher.setState(StateResyncing)
	released := watcher.tree.teardown()
	watcher.resyncs.Add(1)
	watcher.logDebug("watch tree torn down for resync", map[string]string{
		"released": strconv.Itoa(released),
	})
	return watcher.initialize(ctx, true)
}
