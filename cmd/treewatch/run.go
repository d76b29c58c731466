package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"treewatch/internal/api"
	"treewatch/internal/config"
	"treewatch/internal/event"
	"treewatch/internal/logging"
	"treewatch/internal/metrics"
	"treewatch/internal/otel"
	"treewatch/internal/version"
	"treewatch/internal/watcher"
)

const (
	httpServerShutdownTimeout = 5 * time.Second
	busWriteTimeout           = time.Second
)

// run watches until ctx is cancelled or the event stream ends. A stream that ends with an
// error, such as an overflow with resync disabled, is returned.
func run(ctx context.Context, options Options, stdout, stderr io.Writer) error {
	cfg := options.Config
	logger := newLogger(cfg, stderr)
	logStartup(logger, options)

	sdkOptions := otel.SDKOptionsFromEnv(nil)
	sdkOptions.ServiceVersion = version.Version
	providers, err := otel.SetupSDK(ctx, sdkOptions)
	if err != nil {
		logger.Warn("opentelemetry setup failed", map[string]string{"error": err.Error()})
		providers = &otel.Providers{}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpServerShutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("opentelemetry shutdown failed", map[string]string{"error": err.Error()})
		}
	}()

	registry := metrics.NewRegistry()
	backend, err := newBackend(cfg.Backend)
	if err != nil {
		return fmt.Errorf("backend %s: %w", cfg.Backend, err)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	instance, err := watcher.Watch(watchCtx, cfg.Roots, watcher.Options{
		FollowSymlinks:        cfg.FollowSymlinks,
		MovePairingWindow:     cfg.MovePairingWindow.Duration(),
		DisableOverflowResync: !cfg.OverflowResync,
		BufferSize:            cfg.BufferSize,
		MaxWatches:            cfg.MaxWatches,
		Backend:               backend,
		Logger:                logger,
		Metrics:               registry,
	})
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return err
	}
	defer instance.Close()

	busOptions := event.BusOptions{
		Name:         "watch",
		BlockOnFull:  true,
		WriteTimeout: busWriteTimeout,
		HistorySize:  cfg.HistorySize,
		Registry:     registry,
		Logger:       logger,
	}
	if providers.Enabled() {
		busOptions.LoggerProvider = providers.LoggerProvider()
	}
	bus := event.NewBus[watcher.Event](context.Background(), busOptions)
	defer bus.Close()

	var handlers []watcher.Handler
	if !options.Quiet {
		handlers = append(handlers, newEventPrinter(stdout, logger).print)
	}

	serveErr := make(chan error, 1)
	var server *http.Server
	if cfg.Listen != "" {
		listener, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Listen, err)
		}
		server = &http.Server{
			Handler: api.NewServer(api.Options{
				Bus:       bus,
				Status:    instance,
				Registry:  registry,
				Logger:    logger,
				AuthToken: options.AuthToken,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Info("treewatch listening", map[string]string{"addr": listener.Addr().String()})
		go func() {
			serveErr <- server.Serve(listener)
		}()
	}

	forwardErr := make(chan error, 1)
	go func() {
		forwardErr <- watcher.Forward(watchCtx, instance, bus, handlers...)
	}()

	var result error
	forwarded := false
	select {
	case err := <-forwardErr:
		forwarded = true
		result = err
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	}

	cancelWatch()
	_ = instance.Close()
	if !forwarded {
		if err := <-forwardErr; result == nil && err != nil && !errors.Is(err, context.Canceled) {
			result = err
		}
	}
	bus.Close()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpServerShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown failed", map[string]string{"error": err.Error()})
		}
	}

	stats := instance.Metrics()
	logger.Info("treewatch stopped", map[string]string{
		"events":    strconv.FormatUint(stats.EventsDelivered, 10),
		"overflows": strconv.FormatUint(stats.Overflows, 10),
		"errors":    strconv.FormatUint(stats.Errors, 10),
	})
	return result
}

func newLogger(cfg config.Config, output io.Writer) *logging.Logger {
	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}
	format, ok := logging.ParseFormat(cfg.LogFormat)
	if !ok {
		format = logging.FormatText
	}
	return logging.New(logging.Options{
		Output: output,
		Level:  level,
		Format: format,
		Recent: logging.DefaultRecentSize,
	})
}

// newBackend returns nil for auto so the watcher picks the platform default.
func newBackend(name string) (watcher.Backend, error) {
	switch name {
	case config.BackendInotify:
		backend, err := watcher.NewInotifyBackend()
		if err != nil {
			return nil, err
		}
		return backend, nil
	case config.BackendFSNotify:
		backend, err := watcher.NewFSNotifyBackend()
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, nil
	}
}

// eventPrinter writes one JSON line per event. It runs on the forwarding goroutine, so a
// stalled stdout holds back the watcher; after a write error it stops printing.
type eventPrinter struct {
	encoder *json.Encoder
	logger  *logging.Logger
	failed  bool
}

func newEventPrinter(out io.Writer, logger *logging.Logger) *eventPrinter {
	return &eventPrinter{encoder: json.NewEncoder(out), logger: logger}
}

func (printer *eventPrinter) print(item watcher.Event) {
	if printer.failed {
		return
	}
	if err := printer.encoder.Encode(api.NewEventPayload(item)); err != nil {
		printer.logger.Error("write event failed", map[string]string{"error": err.Error()})
		printer.failed = true
	}
}

func logStartup(logger *logging.Logger, options Options) {
	cfg := options.Config
	fields := map[string]string{
		"roots":   strings.Join(cfg.Roots, ","),
		"backend": cfg.Backend,
		"version": version.Version,
	}
	if options.ConfigPath != "" {
		fields["config"] = options.ConfigPath
	}
	keys := make([]string, 0, len(options.Sources))
	for key, source := range options.Sources {
		if source != sourceDefault {
			keys = append(keys, key+"="+string(source))
		}
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		fields["sources"] = strings.Join(keys, ",")
	}
	logger.Info("treewatch starting", fields)
}
