package watcher

import (
	"context"
	"time"
)

// emit stamps event with the next sequence number and hands it to the consumer. It blocks
// while the delivery channel is full and reports false once ctx is done.
func (watcher *Watcher) emit(ctx context.Context, event Event) bool {
	watcher.sequence++
	event.Sequence = watcher.sequence
	event.Timestamp = time.Now().UTC()

	select {
	case watcher.events <- event:
	case <-ctx.Done():
		return false
	}

	watcher.lastSequence.Store(event.Sequence)
	watcher.eventsDelivered.Add(1)
	if event.Kind == KindError {
		watcher.errorCount.Add(1)
	}
	watcher.metrics.IncEvent(event.Kind.String())
	return true
}
