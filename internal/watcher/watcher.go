package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"treewatch/internal/logging"
	"treewatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "treewatch/internal/watcher"

type rawBatch struct {
	events []RawEvent
	err    error
	// read is when the producer got the batch from the backend; pairing windows are
	// measured against it.
	read time.Time
}

// Watcher recursively monitors a set of root directories.
//
// The tree, pending moves, queued raw batches and sequence counter belong to the run goroutine;
// everything read from other goroutines goes through atomics.
type Watcher struct {
	roots   []string
	options Options
	backend Backend
	logger  *logging.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer
	limiter *rate.Limiter

	tree     *watchTree
	moves    *pendingMoves
	queue    []rawBatch
	sequence uint64

	raw      chan rawBatch
	events   chan Event
	cancel   context.CancelFunc
	finished chan struct{}
	producer sync.WaitGroup

	state           atomic.Int32
	activeWatches   atomic.Int64
	pendingCount    atomic.Int64
	eventsDelivered atomic.Uint64
	overflows       atomic.Uint64
	resyncs         atomic.Uint64
	errorCount      atomic.Uint64
	lastSequence    atomic.Uint64
	suppressedWarns atomic.Uint64

	errMutex sync.Mutex
	err      error
}

// Watch starts monitoring roots. The first event on Events is always Ready with the
// baseline snapshot. Cancelling ctx or calling Close stops the watcher; buffered events
// remain readable until the channel is closed.
func Watch(ctx context.Context, roots []string, options Options) (*Watcher, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, err := normalizeRoots(roots)
	if err != nil {
		return nil, err
	}

	options = options.withDefaults()
	backend := options.Backend
	if backend == nil {
		backend, err = defaultBackend()
		if err != nil {
			return nil, err
		}
	}

	provider := options.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}

	derived, cancel := context.WithCancel(ctx)
	instance := &Watcher{
		roots:    normalized,
		options:  options,
		backend:  backend,
		logger:   options.Logger,
		metrics:  options.Metrics,
		tracer:   provider.Tracer(tracerName),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 10),
		moves:    newPendingMoves(),
		raw:      make(chan rawBatch, rawQueueSize),
		events:   make(chan Event, options.BufferSize),
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	instance.tree = newWatchTree(backend, normalized)
	instance.tree.onRelease = instance.watchReleased

	instance.producer.Add(1)
	go instance.readLoop(derived)
	go instance.run(derived)
	return instance, nil
}

// Events returns the ordered event stream. It is closed once the watcher stops.
func (watcher *Watcher) Events() <-chan Event {
	if watcher == nil {
		return nil
	}
	return watcher.events
}

// Close stops the watcher, removes every watch and waits for the stream to close.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}
	watcher.cancel()
	<-watcher.finished
	return nil
}

// Done is closed after the watcher has released all resources.
func (watcher *Watcher) Done() <-chan struct{} {
	if watcher == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return watcher.finished
}

// Err returns the cause of a terminal failure, or nil when the watcher is running or was
// stopped by its owner.
func (watcher *Watcher) Err() error {
	if watcher == nil {
		return nil
	}
	watcher.errMutex.Lock()
	defer watcher.errMutex.Unlock()
	return watcher.err
}

// Roots returns the normalized root directories.
func (watcher *Watcher) Roots() []string {
	if watcher == nil {
		return nil
	}
	return append([]string(nil), watcher.roots...)
}

// State reports the lifecycle state. A nil watcher is stopped.
func (watcher *Watcher) State() State {
	if watcher == nil {
		return StateStopped
	}
	return State(watcher.state.Load())
}

// WatchCount reports how many directories currently hold a backend watch.
func (watcher *Watcher) WatchCount() int {
	if watcher == nil {
		return 0
	}
	return int(watcher.activeWatches.Load())
}

// Metrics reports current watcher stats.
func (watcher *Watcher) Metrics() Metrics {
	if watcher == nil {
		return Metrics{}
	}
	return Metrics{
		State:           watcher.State(),
		ActiveWatches:   watcher.WatchCount(),
		PendingMoves:    int(watcher.pendingCount.Load()),
		EventsDelivered: watcher.eventsDelivered.Load(),
		Overflows:       watcher.overflows.Load(),
		Resyncs:         watcher.resyncs.Load(),
		Errors:          watcher.errorCount.Load(),
		LastSequence:    watcher.lastSequence.Load(),
	}
}

func (watcher *Watcher) run(ctx context.Context) {
	defer watcher.finish()

	watcher.setState(StateInitializing)
	if !watcher.initialize(ctx, false) {
		return
	}

	var expiry *time.Timer
	defer func() {
		if expiry != nil {
			expiry.Stop()
		}
	}()

	for {
		if len(watcher.queue) > 0 {
			batch := watcher.queue[0]
			watcher.queue = watcher.queue[1:]
			if !watcher.handleBatch(ctx, batch) {
				return
			}
			continue
		}

		var expiryC <-chan time.Time
		if deadline, ok := watcher.moves.nextDeadline(watcher.options.MovePairingWindow); ok {
			wait := time.Until(deadline)
			if expiry == nil {
				expiry = time.NewTimer(wait)
			} else {
				expiry.Reset(wait)
			}
			expiryC = expiry.C
		}

		select {
		case <-ctx.Done():
			return
		case batch := <-watcher.raw:
			if expiry != nil {
				expiry.Stop()
			}
			if !watcher.handleBatch(ctx, batch) {
				return
			}
		case now := <-expiryC:
			// A batch read before the deadline may still pair with a pending move.
			watcher.drainRaw()
			if len(watcher.queue) > 0 {
				continue
			}
			if !watcher.expireMoves(ctx, now) {
				return
			}
		}
	}
}

// readLoop is the producer: it blocks in the backend and forwards batches to run.
func (watcher *Watcher) readLoop(ctx context.Context) {
	defer watcher.producer.Done()
	for {
		events, err := watcher.backend.ReadEvents()
		if errors.Is(err, ErrBackendClosed) {
			return
		}
		if err == nil && len(events) == 0 {
			continue
		}
		select {
		case watcher.raw <- rawBatch{events: events, err: err, read: time.Now()}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			select {
			case <-time.After(readRetryDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// drainRaw moves batches already read by the producer into the local queue.
func (watcher *Watcher) drainRaw() {
	for {
		select {
		case batch := <-watcher.raw:
			watcher.queue = append(watcher.queue, batch)
		default:
			return
		}
	}
}

// discardRaw drops every batch read so far.
func (watcher *Watcher) discardRaw() int {
	dropped := len(watcher.queue)
	watcher.queue = nil
	for {
		select {
		case <-watcher.raw:
			dropped++
		default:
			return dropped
		}
	}
}

func (watcher *Watcher) finish() {
	watcher.cancel()
	watcher.setState(StateStopped)
	if discarded := watcher.moves.clear(); discarded > 0 {
		watcher.logDebug("pending moves discarded on stop", map[string]string{
			"count": strconv.Itoa(discarded),
		})
	}
	watcher.pendingCount.Store(0)
	watcher.metrics.SetPendingMoves(0)
	released := watcher.tree.teardown()
	if err := watcher.backend.Close(); err != nil {
		watcher.logWarn("backend close failed", map[string]string{"error": err.Error()})
	}
	watcher.producer.Wait()
	close(watcher.events)
	watcher.logger.Info("watcher stopped", withWatcherFields(map[string]string{
		"released_watches": strconv.Itoa(released),
		"last_sequence":    strconv.FormatUint(watcher.sequence, 10),
	}))
	close(watcher.finished)
}

func (watcher *Watcher) setState(state State) {
	watcher.state.Store(int32(state))
}

func (watcher *Watcher) setErr(err error) {
	watcher.errMutex.Lock()
	if watcher.err == nil {
		watcher.err = err
	}
	watcher.errMutex.Unlock()
}

func (watcher *Watcher) watchAdded(path string) {
	count := watcher.activeWatches.Add(1)
	watcher.metrics.IncWatchesAdded()
	watcher.metrics.SetActiveWatches(int(count))
	if watcher.logger.Enabled(logging.LevelDebug) {
		watcher.logDebug("watch added", map[string]string{
			"path":           path,
			"active_watches": strconv.FormatInt(count, 10),
		})
	}
}

func (watcher *Watcher) watchReleased(path string, id WatchID, err error) {
	count := watcher.activeWatches.Add(-1)
	watcher.metrics.IncWatchesRemoved()
	watcher.metrics.SetActiveWatches(int(count))
	if err != nil {
		watcher.logWarn("watch remove failed", map[string]string{
			"path":  path,
			"watch": strconv.FormatInt(int64(id), 10),
			"error": err.Error(),
		})
		return
	}
	if watcher.logger.Enabled(logging.LevelDebug) {
		watcher.logDebug("watch removed", map[string]string{
			"path":           path,
			"active_watches": strconv.FormatInt(count, 10),
		})
	}
}

func (watcher *Watcher) logWarn(message string, fields map[string]string) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Warn(message, withWatcherFields(fields))
}

// logScopedWarn throttles warnings about individual paths so a storm of failures cannot
// flood the log.
func (watcher *Watcher) logScopedWarn(message string, fields map[string]string) {
	if watcher.limiter != nil && !watcher.limiter.Allow() {
		watcher.suppressedWarns.Add(1)
		return
	}
	if suppressed := watcher.suppressedWarns.Swap(0); suppressed > 0 {
		fields["suppressed"] = strconv.FormatUint(suppressed, 10)
	}
	watcher.logWarn(message, fields)
}

func (watcher *Watcher) logDebug(message string, fields map[string]string) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Debug(message, withWatcherFields(fields))
}

func withWatcherFields(fields map[string]string) map[string]string {
	merged := make(map[string]string, len(fields)+2)
	merged["treewatch.category"] = "watcher"
	merged["treewatch.source"] = "engine"
	for key, value := range fields {
		merged[key] = value
	}
	return merged
}

// normalizeRoots makes roots absolute and drops duplicates and roots nested in other roots.
func normalizeRoots(roots []string) ([]string, error) {
	cleaned := make([]string, 0, len(roots))
	for _, root := range roots {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		cleaned = append(cleaned, filepath.Clean(abs))
	}
	if len(cleaned) == 0 {
		return nil, ErrNoRoots
	}
	sort.Strings(cleaned)

	normalized := make([]string, 0, len(cleaned))
	for _, root := range cleaned {
		nested := false
		for _, kept := range normalized {
			if isWithinPath(kept, root) {
				nested = true
				break
			}
		}
		if !nested {
			normalized = append(normalized, root)
		}
	}
	return normalized, nil
}
