package event

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

var (
	timeType  = reflect.TypeOf(time.Time{})
	errorType = reflect.TypeOf((*error)(nil)).Elem()
)

func (b *Bus[T]) emitOTelEvent(event T, eventType string) {
	if b == nil || b.otelLogger == nil {
		return
	}

	eventTime, attrs, ok := eventFromFields(event)
	if !ok || eventType == "" || eventType == "unknown" {
		return
	}

	severity, severityText := severityForEvent(eventType)
	ctx := context.Background()
	if !b.otelLogger.Enabled(ctx, otellog.EnabledParameters{Severity: severity, EventName: eventType}) {
		return
	}

	var record otellog.Record
	record.SetEventName(eventType)
	record.SetTimestamp(eventTime)
	record.SetObservedTimestamp(time.Now().UTC())
	record.SetSeverity(severity)
	record.SetSeverityText(severityText)
	record.SetBody(otellog.StringValue(eventType))
	attrs = append(attrs,
		otellog.String("event.bus", b.busName()),
		otellog.String("event.type", eventType),
	)
	record.AddAttributes(attrs...)
	b.otelLogger.Emit(ctx, record)
}

func severityForEvent(eventType string) (otellog.Severity, string) {
	switch eventType {
	case "error":
		return otellog.SeverityError, "error"
	case "overflow":
		return otellog.SeverityWarn, "warning"
	case "modified":
		return otellog.SeverityDebug, "debug"
	default:
		return otellog.SeverityInfo, "info"
	}
}

// eventFromFields reads the well-known fields of a struct event (Timestamp, Path,
// RelatedPath, Sequence, Err, Snapshot) without tying the bus to one event type.
func eventFromFields[T any](event T) (time.Time, []otellog.KeyValue, bool) {
	value := reflect.ValueOf(event)
	if !value.IsValid() {
		return time.Time{}, nil, false
	}
	if value.Kind() == reflect.Pointer {
		if value.IsNil() {
			return time.Time{}, nil, false
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return time.Time{}, nil, false
	}

	eventTime := time.Now().UTC()
	if field := value.FieldByName("Timestamp"); field.IsValid() && field.Type() == timeType {
		if stamp := field.Interface().(time.Time); !stamp.IsZero() {
			eventTime = stamp
		}
	}

	attrs := make([]otellog.KeyValue, 0, 5)
	for _, name := range []string{"Path", "RelatedPath"} {
		field := value.FieldByName(name)
		if !field.IsValid() || field.Kind() != reflect.String {
			continue
		}
		if text := strings.TrimSpace(field.String()); text != "" {
			attrs = append(attrs, otellog.String(fieldKey(name), text))
		}
	}
	if field := value.FieldByName("Sequence"); field.IsValid() && field.CanUint() {
		attrs = append(attrs, otellog.Int64("event.sequence", int64(field.Uint())))
	}
	if field := value.FieldByName("Snapshot"); field.IsValid() && field.Kind() == reflect.Slice {
		attrs = append(attrs, otellog.Int("event.snapshot_size", field.Len()))
	}
	if field := value.FieldByName("Err"); field.IsValid() && field.Type() == errorType && !field.IsNil() {
		attrs = append(attrs, otellog.String("event.error", fmt.Sprint(field.Interface())))
	}
	return eventTime, attrs, true
}

func fieldKey(name string) string {
	switch name {
	case "Path":
		return "file.path"
	case "RelatedPath":
		return "file.related_path"
	default:
		return "event." + strings.ToLower(name)
	}
}
