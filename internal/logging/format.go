package logging

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Format selects how entries are written to the output stream.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

func ParseFormat(value string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "text", "logfmt":
		return FormatText, true
	case "json":
		return FormatJSON, true
	default:
		return "", false
	}
}

func normalizeFormat(format Format) Format {
	if parsed, ok := ParseFormat(string(format)); ok {
		return parsed
	}
	return FormatText
}

func formatEntryAs(format Format, entry Entry) string {
	if format == FormatJSON {
		if encoded, err := json.Marshal(entry); err == nil {
			return string(encoded)
		}
	}
	return formatText(entry)
}

// formatText renders logfmt with the fields in key order.
func formatText(entry Entry) string {
	var builder strings.Builder
	builder.WriteString("level=")
	builder.WriteString(string(entry.Level))
	builder.WriteString(" msg=")
	builder.WriteString(strconv.Quote(entry.Message))

	keys := make([]string, 0, len(entry.Fields))
	for key := range entry.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteByte(' ')
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(strconv.Quote(entry.Fields[key]))
	}
	return builder.String()
}
