package watcher

import (
	"fmt"
	"time"
)

// Kind classifies an Event.
type Kind int

const (
	// KindReady carries the baseline snapshot and opens every initialization or resync cycle.
	KindReady Kind = iota + 1
	KindCreated
	KindRemoved
	KindModified
	// KindRenamed reports a paired move; Path is the destination, RelatedPath the source.
	KindRenamed
	// KindOverflow reports that the backend lost events; a fresh Ready follows when resync is enabled.
	KindOverflow
	// KindError reports a failure scoped to Path, or to the whole watcher when Path is empty.
	KindError
)

var kindNames = map[Kind]string{
	KindReady:    "ready",
	KindCreated:  "created",
	KindRemoved:  "removed",
	KindModified: "modified",
	KindRenamed:  "renamed",
	KindOverflow: "overflow",
	KindError:    "error",
}

func (kind Kind) String() string {
	if name, ok := kindNames[kind]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(kind))
}

func (kind Kind) MarshalText() ([]byte, error) {
	return []byte(kind.String()), nil
}

// ParseKind converts the text form produced by Kind.String back to a Kind.
func ParseKind(value string) (Kind, bool) {
	for kind, name := range kindNames {
		if name == value {
			return kind, true
		}
	}
	return 0, false
}

// Event is one semantic change delivered to the consumer.
type Event struct {
	Kind        Kind
	Path        string
	RelatedPath string
	// Snapshot lists every path found by the scan, sorted; set only on KindReady.
	Snapshot  []string
	IsDir     bool
	Err       error
	Sequence  uint64
	Timestamp time.Time
}

// Type returns the kind name so events can be routed by type on an event bus.
func (event Event) Type() string {
	return event.Kind.String()
}

// State is the lifecycle phase of a Watcher.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateResyncing
	StateStopped
)

func (state State) String() string {
	switch state {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateResyncing:
		return "resyncing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(state))
	}
}

// Metrics reports current watcher stats.
type Metrics struct {
	State           State
	ActiveWatches   int
	PendingMoves    int
	EventsDelivered uint64
	Overflows       uint64
	Resyncs         uint64
	Errors          uint64
	LastSequence    uint64
}
