package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"treewatch/internal/logging"
	"treewatch/internal/watcher"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const wsReadBufferSize = 1024
const wsWriteBufferSize = 1024
const wsWriteTimeout = 10 * time.Second

type wsError struct {
	Status    int
	CloseCode int
	Message   string
	Err       error
}

// handleEventStream upgrades to a websocket and writes one JSON EventPayload per message.
// The retained history goes first unless history=false; kinds=a,b limits the stream. The
// connection is closed normally once the bus shuts down.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	logger := s.options.Logger
	if !validateToken(r, s.options.AuthToken) {
		writeWSError(w, r, logger, wsError{Status: http.StatusUnauthorized, Message: "unauthorized"})
		return
	}
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		writeWSError(w, r, logger, wsError{Status: http.StatusBadRequest, Message: err.Error()})
		return
	}
	bus := s.options.Bus
	if bus == nil {
		writeWSError(w, r, logger, wsError{Status: http.StatusServiceUnavailable, Message: "event stream unavailable"})
		return
	}

	var history []watcher.Event
	var output <-chan watcher.Event
	var cancel func()
	switch {
	case r.URL.Query().Get("history") != "false":
		history, output, cancel = bus.SubscribeWithHistory(kinds...)
	case len(kinds) > 0:
		output, cancel = bus.SubscribeTypes(kinds...)
	default:
		output, cancel = bus.Subscribe()
	}
	defer cancel()

	conn, err := upgradeWebSocket(w, r, s.options.AllowedOrigins)
	if err != nil {
		logWSError(logger, r, wsError{Status: http.StatusBadRequest, Message: "websocket upgrade failed", Err: err})
		return
	}
	defer conn.Close()

	ctx, span := startWebSocketSpan(s.options.TracerProvider, r, "/events", attribute.Int("treewatch.history_events", len(history)))
	defer span.End()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, payload := range newEventPayloads(history) {
		if err := writeWSJSON(conn, payload); err != nil {
			return
		}
	}
	for {
		select {
		case event, ok := <-output:
			if !ok {
				span.AddEvent("bus.closed")
				closeWS(conn, websocket.CloseNormalClosure, "stream closed")
				return
			}
			if err := writeWSJSON(conn, NewEventPayload(event)); err != nil {
				return
			}
		case <-stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

func upgradeWebSocket(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

func writeWSJSON(conn *websocket.Conn, payload any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateCloseReason(reason)), deadline)
}

// writeWSError rejects a stream request before the upgrade.
func writeWSError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, wsErr wsError) {
	status := wsErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	reason := strings.TrimSpace(wsErr.Message)
	if reason == "" {
		reason = http.StatusText(status)
	}
	closeCode := wsErr.CloseCode
	if closeCode == 0 {
		closeCode = closeCodeForStatus(status)
	}
	logWSError(logger, r, wsError{Status: status, CloseCode: closeCode, Message: reason, Err: wsErr.Err})
	http.Error(w, reason, status)
}

func logWSError(logger *logging.Logger, r *http.Request, wsErr wsError) {
	if logger == nil || r == nil {
		return
	}
	closeCode := wsErr.CloseCode
	if closeCode == 0 {
		closeCode = closeCodeForStatus(wsErr.Status)
	}
	fields := map[string]string{
		"path":       r.URL.Path,
		"status":     strconv.Itoa(wsErr.Status),
		"close_code": strconv.Itoa(closeCode),
		"message":    wsErr.Message,
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if wsErr.Err != nil {
		fields["error"] = wsErr.Err.Error()
	}
	if wsErr.Status >= http.StatusInternalServerError {
		logger.Error("websocket error", fields)
	} else {
		logger.Warn("websocket error", fields)
	}
}

func closeCodeForStatus(status int) int {
	switch {
	case status == http.StatusBadRequest:
		return websocket.CloseProtocolError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return websocket.ClosePolicyViolation
	case status == http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

func truncateCloseReason(reason string) string {
	const maxReasonBytes = 123
	if len(reason) <= maxReasonBytes {
		return reason
	}
	return reason[:maxReasonBytes]
}

func validateToken(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == token
	}
	if queryToken := r.URL.Query().Get("token"); queryToken != "" {
		return queryToken == token
	}
	return false
}

// isOriginAllowed accepts requests without an Origin, origins in allowed, and same-host
// origins when allowed is empty.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, allowedOrigin := range allowed {
			if strings.EqualFold(origin, allowedOrigin) || strings.EqualFold(parsed.Hostname(), allowedOrigin) {
				return true
			}
		}
		return false
	}
	host := r.Host
	if hostname := (&url.URL{Host: host}).Hostname(); hostname != "" {
		host = hostname
	}
	return strings.EqualFold(parsed.Hostname(), host)
}
