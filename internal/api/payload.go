package api

import (
	"fmt"
	"strings"
	"time"

	"treewatch/internal/watcher"
)

// EventPayload is the JSON form of a watcher event, shared by the websocket stream, the
// history endpoint and the command's stdout.
type EventPayload struct {
	Type        string    `json:"type"`
	Kind        string    `json:"kind"`
	Path        string    `json:"path,omitempty"`
	RelatedPath string    `json:"related_path,omitempty"`
	IsDir       bool      `json:"is_dir,omitempty"`
	Snapshot    []string  `json:"snapshot,omitempty"`
	Error       string    `json:"error,omitempty"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewEventPayload(event watcher.Event) EventPayload {
	payload := EventPayload{
		Type:        "event",
		Kind:        event.Kind.String(),
		Path:        event.Path,
		RelatedPath: event.RelatedPath,
		IsDir:       event.IsDir,
		Snapshot:    event.Snapshot,
		Sequence:    event.Sequence,
		Timestamp:   event.Timestamp,
	}
	if event.Err != nil {
		payload.Error = event.Err.Error()
	}
	return payload
}

// parseKinds reads a comma separated kind list into event type names. An empty list yields
// nil, which the bus treats as every kind.
func parseKinds(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var kinds []string
	seen := make(map[watcher.Kind]bool)
	for _, name := range strings.Split(raw, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		kind, ok := watcher.ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown event kind %q", name)
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind.String())
		}
	}
	return kinds, nil
}

func newEventPayloads(events []watcher.Event) []EventPayload {
	payloads := make([]EventPayload, 0, len(events))
	for _, event := range events {
		payloads = append(payloads, NewEventPayload(event))
	}
	return payloads
}
