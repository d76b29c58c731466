// Package api serves the watch stream over HTTP: a websocket feed of events, the retained
// event history, recent logs, health and Prometheus metrics.
package api

import (
	"net/http"

	"treewatch/internal/event"
	"treewatch/internal/logging"
	"treewatch/internal/metrics"
	"treewatch/internal/otel"
	"treewatch/internal/watcher"

	"go.opentelemetry.io/otel/trace"
)

// StatusSource reports the state of the running watcher. *watcher.Watcher satisfies it.
type StatusSource interface {
	Metrics() watcher.Metrics
	Roots() []string
}

type Options struct {
	Bus            *event.Bus[watcher.Event]
	Status         StatusSource
	Registry       *metrics.Registry
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
	// TracerProvider traces the REST routes; nil uses the global provider.
	TracerProvider trace.TracerProvider
}

type Server struct {
	options Options
	mux     *http.ServeMux
}

func NewServer(options Options) *Server {
	server := &Server{options: options, mux: http.NewServeMux()}
	server.routes()
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers the handlers. /events traces its own connection span and keeps the raw
// writer so the upgrade can hijack it.
func (s *Server) routes() {
	token := s.options.AuthToken
	s.mux.Handle("/healthz", s.rest("/healthz", securityHeadersHandler(cacheControlNoStore, jsonErrorMiddleware(s.handleHealth))))
	s.mux.Handle("/events", loggingMiddleware(s.options.Logger, http.HandlerFunc(s.handleEventStream)))
	s.mux.Handle("/events/history", s.rest("/events/history", restHandler(token, s.handleEventHistory)))
	s.mux.Handle("/logs", s.rest("/logs", restHandler(token, s.handleLogs)))

	registry := s.options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	s.mux.Handle("/metrics", securityHeadersMiddleware(cacheControlNoStore, registry.Handler()))
}

func (s *Server) rest(route string, handler http.Handler) http.Handler {
	return otel.TraceHandler(s.options.TracerProvider, route, loggingMiddleware(s.options.Logger, handler))
}
