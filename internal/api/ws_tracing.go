package api

import (
	"context"
	"net/http"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const wsConnectSpanName = "websocket.connect"

func startWebSocketSpan(provider trace.TracerProvider, r *http.Request, route string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if provider == nil {
		provider = otelapi.GetTracerProvider()
	}
	ctx := otelapi.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	attributes := append([]attribute.KeyValue{
		attribute.String("http.method", r.Method),
		attribute.String("http.target", sanitizeWSTarget(r)),
		attribute.String("http.route", route),
		attribute.String("user_agent", r.UserAgent()),
	}, attrs...)
	return provider.Tracer("treewatch/api").Start(ctx, wsConnectSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attributes...),
	)
}

// sanitizeWSTarget drops the token query parameter from the recorded target.
func sanitizeWSTarget(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	copyURL := *r.URL
	query := copyURL.Query()
	query.Del("token")
	copyURL.RawQuery = query.Encode()
	return copyURL.RequestURI()
}
