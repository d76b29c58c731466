// Package config loads the treewatch command configuration from TOML, YAML or JSON files
// and TREEWATCH_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"treewatch/internal/logging"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	BackendAuto     = "auto"
	BackendInotify  = "inotify"
	BackendFSNotify = "fsnotify"

	DefaultMovePairingWindow = 50 * time.Millisecond
	DefaultBufferSize        = 256
	DefaultHistorySize       = 512
)

// Config is the file format of the treewatch command.
type Config struct {
	Roots             []string `toml:"roots" yaml:"roots" json:"roots" jsonschema:"description=Directories to watch recursively"`
	FollowSymlinks    bool     `toml:"follow_symlinks" yaml:"follow_symlinks" json:"follow_symlinks,omitempty" jsonschema:"description=Descend into symlinked directories"`
	MovePairingWindow Duration `toml:"move_pairing_window" yaml:"move_pairing_window" json:"move_pairing_window,omitempty" jsonschema:"description=How long a move-out waits for its counterpart"`
	OverflowResync    bool     `toml:"overflow_resync" yaml:"overflow_resync" json:"overflow_resync,omitempty" jsonschema:"description=Rebuild the tree after a backend overflow instead of stopping"`
	BufferSize        int      `toml:"buffer_size" yaml:"buffer_size" json:"buffer_size,omitempty" jsonschema:"minimum=1,description=Capacity of the event channel"`
	MaxWatches        int      `toml:"max_watches" yaml:"max_watches" json:"max_watches,omitempty" jsonschema:"minimum=0,description=Cap on watched directories (0 means no cap)"`
	Backend           string   `toml:"backend" yaml:"backend" json:"backend,omitempty" jsonschema:"enum=auto,enum=inotify,enum=fsnotify"`
	Listen            string   `toml:"listen" yaml:"listen" json:"listen,omitempty" jsonschema:"description=HTTP listen address for /events /metrics and /healthz"`
	HistorySize       int      `toml:"history_size" yaml:"history_size" json:"history_size,omitempty" jsonschema:"minimum=0,description=Events replayed to new stream clients"`
	LogLevel          string   `toml:"log_level" yaml:"log_level" json:"log_level,omitempty" jsonschema:"enum=debug,enum=info,enum=warning,enum=error"`
	LogFormat         string   `toml:"log_format" yaml:"log_format" json:"log_format,omitempty" jsonschema:"enum=text,enum=json"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		MovePairingWindow: Duration(DefaultMovePairingWindow),
		OverflowResync:    true,
		BufferSize:        DefaultBufferSize,
		Backend:           BackendAuto,
		HistorySize:       DefaultHistorySize,
		LogLevel:          string(logging.LevelInfo),
		LogFormat:         string(logging.FormatText),
	}
}

// Load reads path on top of the defaults. The format follows the file extension; an empty
// path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(data, filepath.Ext(path), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode parses data in the format named by ext into cfg. Unknown extensions are read as
// TOML.
func Decode(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	default:
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return fmt.Errorf("decode TOML: unknown keys %s", strings.Join(keys, ", "))
		}
	}
	return nil
}

// Validate reports every problem in the configuration.
func (c Config) Validate() error {
	var problems []error
	if len(c.Roots) == 0 {
		problems = append(problems, errors.New("at least one root is required"))
	}
	for _, root := range c.Roots {
		if strings.TrimSpace(root) == "" {
			problems = append(problems, errors.New("roots must not be empty"))
			break
		}
	}
	if c.MovePairingWindow.Duration() <= 0 {
		problems = append(problems, fmt.Errorf("move_pairing_window must be positive, got %s", c.MovePairingWindow))
	}
	if c.BufferSize <= 0 {
		problems = append(problems, fmt.Errorf("buffer_size must be > 0, got %d", c.BufferSize))
	}
	if c.MaxWatches < 0 {
		problems = append(problems, fmt.Errorf("max_watches must be >= 0, got %d", c.MaxWatches))
	}
	if c.HistorySize < 0 {
		problems = append(problems, fmt.Errorf("history_size must be >= 0, got %d", c.HistorySize))
	}
	switch c.Backend {
	case BackendAuto, BackendInotify, BackendFSNotify:
	default:
		problems = append(problems, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		problems = append(problems, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if _, ok := logging.ParseFormat(c.LogFormat); !ok {
		problems = append(problems, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	return errors.Join(problems...)
}
