package watcher

import (
	"time"

	"treewatch/internal/logging"
	"treewatch/internal/metrics"

	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMovePairingWindow is how long a moved-from half waits for its counterpart.
	// inotify queues both halves back to back, so one read batch is normally enough; the
	// window only has to cover a pair split across two reads.
	DefaultMovePairingWindow = 50 * time.Millisecond
	// DefaultBufferSize is the capacity of the delivery channel.
	DefaultBufferSize = 256

	rawQueueSize   = 64
	readRetryDelay = 100 * time.Millisecond
)

// Options controls watcher behavior.
type Options struct {
	// FollowSymlinks treats symlinks to directories as recursion points.
	FollowSymlinks bool
	// MovePairingWindow bounds how long a move-out waits before it is reported as Removed.
	MovePairingWindow time.Duration
	// DisableOverflowResync ends the stream with ErrQueueOverflow instead of rebuilding
	// the tree after a backend overflow.
	DisableOverflowResync bool
	// BufferSize is the capacity of the Events channel.
	BufferSize int
	// MaxWatches caps the number of watched directories; zero leaves it to the platform.
	// Directories past the cap are reported as ErrResourceExhausted and left unwatched.
	MaxWatches int

	// Backend overrides the platform default.
	Backend Backend
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// TracerProvider defaults to the global OpenTelemetry provider.
	TracerProvider trace.TracerProvider
}

func (options Options) withDefaults() Options {
	if options.MovePairingWindow <= 0 {
		options.MovePairingWindow = DefaultMovePairingWindow
	}
	if options.BufferSize <= 0 {
		options.BufferSize = DefaultBufferSize
	}
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	return options
}
