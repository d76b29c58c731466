// Package logging is the leveled field logger shared by the watcher, the event bus and the
// treewatch command. Entries go to a line writer, a small in-memory history and the global
// OpenTelemetry logger provider.
package logging

import (
	"context"
	"io"
	"log"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
)

const DefaultRecentSize = 1000

const instrumentationName = "treewatch"

type Options struct {
	Output io.Writer
	Level  Level
	Format Format
	// Recent is how many entries Recent can return. Zero keeps none.
	Recent int
}

type Logger struct {
	recent   *recent
	output   *log.Logger
	format   Format
	minLevel Level
	fields   map[string]string
}

func New(opts Options) *Logger {
	output := opts.Output
	if output == nil {
		output = io.Discard
	}
	format := normalizeFormat(opts.Format)
	flags := log.LstdFlags
	if format == FormatJSON {
		flags = 0
	}
	return &Logger{
		recent:   newRecent(opts.Recent),
		output:   log.New(output, "", flags),
		format:   format,
		minLevel: normalizeLevel(opts.Level),
	}
}

// Discard returns a logger that only forwards to OpenTelemetry.
func Discard() *Logger {
	return New(Options{Level: LevelInfo})
}

// Recent returns the retained entries at or above minLevel, oldest first. An empty minLevel
// returns all of them.
func (l *Logger) Recent(minLevel Level) []Entry {
	if l == nil {
		return nil
	}
	return l.recent.list(minLevel)
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return l
	}
	derived := *l
	derived.fields = mergeFields(l.fields, fields)
	return &derived
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return levelRank(level) >= levelRank(l.minLevel)
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Fields:    mergeFields(l.fields, fields),
	}
	l.recent.add(entry)
	l.output.Print(formatEntryAs(l.format, entry))
	emitOTelRecord(entry)
}

// emitOTelRecord forwards entry to the global OpenTelemetry logger provider, which is a
// no-op until one is installed.
func emitOTelRecord(entry Entry) {
	logger := logglobal.GetLoggerProvider().Logger(instrumentationName)
	severity := otelSeverity(entry.Level)
	ctx := context.Background()
	if !logger.Enabled(ctx, otellog.EnabledParameters{Severity: severity}) {
		return
	}

	var record otellog.Record
	record.SetTimestamp(entry.Timestamp)
	record.SetObservedTimestamp(time.Now().UTC())
	record.SetSeverity(severity)
	record.SetSeverityText(string(entry.Level))
	record.SetBody(otellog.StringValue(entry.Message))
	for key, value := range entry.Fields {
		record.AddAttributes(otellog.String(key, value))
	}
	logger.Emit(ctx, record)
}

func otelSeverity(level Level) otellog.Severity {
	switch level {
	case LevelDebug:
		return otellog.SeverityDebug
	case LevelWarning:
		return otellog.SeverityWarn
	case LevelError:
		return otellog.SeverityError
	default:
		return otellog.SeverityInfo
	}
}

func normalizeLevel(level Level) Level {
	if parsed, ok := ParseLevel(string(level)); ok {
		return parsed
	}
	return LevelInfo
}

func levelRank(level Level) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

func LevelAtLeast(level, minLevel Level) bool {
	if minLevel == "" {
		return true
	}
	return levelRank(level) >= levelRank(minLevel)
}

func mergeFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}
