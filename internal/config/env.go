package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const envPrefix = "TREEWATCH_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with TREEWATCH_* variables. TREEWATCH_ROOTS is a list separated by
// the platform path list separator. Values that cannot be parsed are reported together and
// leave the field unchanged.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var problems []error
	value := func(name string) (string, bool) {
		raw, ok := lookup(envPrefix + name)
		if !ok {
			return "", false
		}
		raw = strings.TrimSpace(raw)
		return raw, raw != ""
	}
	parseBool := func(name string, target *bool) {
		raw, ok := value(name)
		if !ok {
			return
		}
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*target = parsed
	}
	parseInt := func(name string, target *int) {
		raw, ok := value(name)
		if !ok {
			return
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*target = parsed
	}
	parseString := func(name string, target *string) {
		if raw, ok := value(name); ok {
			*target = raw
		}
	}

	if raw, ok := value("ROOTS"); ok {
		c.Roots = splitRoots(raw)
	}
	parseBool("FOLLOW_SYMLINKS", &c.FollowSymlinks)
	if raw, ok := value("MOVE_PAIRING_WINDOW"); ok {
		var window Duration
		if err := window.UnmarshalText([]byte(raw)); err != nil {
			problems = append(problems, fmt.Errorf("%sMOVE_PAIRING_WINDOW: %w", envPrefix, err))
		} else {
			c.MovePairingWindow = window
		}
	}
	parseBool("OVERFLOW_RESYNC", &c.OverflowResync)
	parseInt("BUFFER_SIZE", &c.BufferSize)
	parseInt("MAX_WATCHES", &c.MaxWatches)
	parseString("BACKEND", &c.Backend)
	parseString("LISTEN", &c.Listen)
	parseInt("HISTORY_SIZE", &c.HistorySize)
	parseString("LOG_LEVEL", &c.LogLevel)
	parseString("LOG_FORMAT", &c.LogFormat)
	return errors.Join(problems...)
}

func splitRoots(raw string) []string {
	parts := filepath.SplitList(raw)
	roots := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			roots = append(roots, trimmed)
		}
	}
	return roots
}
