package watcher

import (
	"context"
	"errors"

	"treewatch/internal/event"
)

// Source is the read side of a Watcher.
type Source interface {
	Events() <-chan Event
	Err() error
}

// Handler receives each forwarded event before it is published. It runs on the forwarding
// goroutine, so a handler that blocks holds back the watcher instead of losing events.
type Handler func(Event)

// Forward publishes every event from source on bus until the stream closes or ctx is
// cancelled, calling handlers in order before each publish. It returns the terminal error
// of the source, if any.
func Forward(ctx context.Context, source Source, bus *event.Bus[Event], handlers ...Handler) error {
	if bus == nil {
		return errors.New("event bus is nil")
	}
	if source == nil {
		return errors.New("watcher is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	events := source.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-events:
			if !ok {
				return source.Err()
			}
			for _, handle := range handlers {
				handle(item)
			}
			bus.Publish(item)
		}
	}
}
