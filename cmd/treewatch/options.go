package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"treewatch/internal/cli"
	"treewatch/internal/config"
)

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

// Options is the resolved command configuration: defaults, then the config file, then
// TREEWATCH_* variables, then flags and positional roots.
type Options struct {
	Config      config.Config
	ConfigPath  string
	AuthToken   string
	Quiet       bool
	ShowVersion bool
	Sources     map[string]configSource
}

type flagValues struct {
	ConfigPath     string
	Listen         string
	LogLevel       string
	LogFormat      string
	Backend        string
	FollowSymlinks bool
	PairWindow     time.Duration
	NoResync       bool
	BufferSize     int
	MaxWatches     int
	HistorySize    int
	AuthToken      string
	Quiet          bool
	Roots          []string
	Help           bool
	Version        bool
	Set            map[string]bool
}

func parseFlags(args []string) (flagValues, error) {
	if args == nil {
		args = []string{}
	}
	defaults := config.Default()
	fs := flag.NewFlagSet("treewatch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Config file (.toml, .yaml or .json)")
	listen := fs.String("listen", "", "HTTP listen address")
	logLevel := fs.String("log-level", defaults.LogLevel, "Log level")
	logFormat := fs.String("log-format", defaults.LogFormat, "Log format")
	backend := fs.String("backend", defaults.Backend, "Event backend")
	followSymlinks := fs.Bool("follow-symlinks", false, "Descend into symlinked directories")
	pairWindow := fs.Duration("pair-window", defaults.MovePairingWindow.Duration(), "Move pairing window")
	noResync := fs.Bool("no-resync", false, "Stop on overflow instead of resyncing")
	bufferSize := fs.Int("buffer", defaults.BufferSize, "Event channel capacity")
	maxWatches := fs.Int("max-watches", 0, "Cap on watched directories")
	historySize := fs.Int("history", defaults.HistorySize, "Events replayed to new stream clients")
	token := fs.String("token", "", "Auth token for the HTTP API")
	quiet := fs.Bool("quiet", false, "Do not print events to stdout")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show help", "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	return flagValues{
		ConfigPath:     *configPath,
		Listen:         *listen,
		LogLevel:       *logLevel,
		LogFormat:      *logFormat,
		Backend:        *backend,
		FollowSymlinks: *followSymlinks,
		PairWindow:     *pairWindow,
		NoResync:       *noResync,
		BufferSize:     *bufferSize,
		MaxWatches:     *maxWatches,
		HistorySize:    *historySize,
		AuthToken:      *token,
		Quiet:          *quiet,
		Roots:          fs.Args(),
		Help:           helpVersion.Help,
		Version:        helpVersion.Version,
		Set:            cli.SetFlags(fs),
	}, nil
}

// loadOptions resolves the configuration. It returns flag.ErrHelp when help was requested.
func loadOptions(args []string, lookup func(string) (string, bool)) (Options, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	flags, err := parseFlags(args)
	if err != nil {
		return Options{}, err
	}
	if flags.Help {
		return Options{}, flag.ErrHelp
	}
	if flags.Version {
		return Options{ShowVersion: true}, nil
	}

	options := Options{Sources: make(map[string]configSource)}
	options.ConfigPath = flags.ConfigPath
	if options.ConfigPath == "" {
		if raw, ok := lookup("TREEWATCH_CONFIG"); ok {
			options.ConfigPath = strings.TrimSpace(raw)
		}
	}

	cfg, err := config.Load(options.ConfigPath)
	if err != nil {
		return Options{}, err
	}
	fileSource := sourceDefault
	if options.ConfigPath != "" {
		fileSource = sourceFile
	}
	before := cfg
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Options{}, fmt.Errorf("environment: %w", err)
	}
	options.trackSources(before, cfg, fileSource)

	applyFlags(&cfg, flags, options.Sources)
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}
	options.Config = cfg

	options.AuthToken = flags.AuthToken
	if options.AuthToken == "" {
		if raw, ok := lookup("TREEWATCH_TOKEN"); ok {
			options.AuthToken = strings.TrimSpace(raw)
		}
	}
	options.Quiet = flags.Quiet
	return options, nil
}

func (options *Options) trackSources(before, after config.Config, fileSource configSource) {
	record := func(key string, changed bool) {
		if changed {
			options.Sources[key] = sourceEnv
		} else {
			options.Sources[key] = fileSource
		}
	}
	record("roots", strings.Join(before.Roots, "\x00") != strings.Join(after.Roots, "\x00"))
	record("listen", before.Listen != after.Listen)
	record("backend", before.Backend != after.Backend)
	record("move_pairing_window", before.MovePairingWindow != after.MovePairingWindow)
	record("log_level", before.LogLevel != after.LogLevel)
}

func applyFlags(cfg *config.Config, flags flagValues, sources map[string]configSource) {
	set := flags.Set
	if len(flags.Roots) > 0 {
		cfg.Roots = flags.Roots
		sources["roots"] = sourceFlag
	}
	if set["listen"] {
		cfg.Listen = flags.Listen
		sources["listen"] = sourceFlag
	}
	if set["log-level"] {
		cfg.LogLevel = flags.LogLevel
		sources["log_level"] = sourceFlag
	}
	if set["log-format"] {
		cfg.LogFormat = flags.LogFormat
	}
	if set["backend"] {
		cfg.Backend = flags.Backend
		sources["backend"] = sourceFlag
	}
	if set["follow-symlinks"] {
		cfg.FollowSymlinks = flags.FollowSymlinks
	}
	if set["pair-window"] {
		cfg.MovePairingWindow = config.Duration(flags.PairWindow)
		sources["move_pairing_window"] = sourceFlag
	}
	if set["no-resync"] {
		cfg.OverflowResync = !flags.NoResync
	}
	if set["buffer"] {
		cfg.BufferSize = flags.BufferSize
	}
	if set["max-watches"] {
		cfg.MaxWatches = flags.MaxWatches
	}
	if set["history"] {
		cfg.HistorySize = flags.HistorySize
	}
}

func printHelp(out io.Writer) {
	defaults := config.Default()
	fmt.Fprintln(out, "Usage: treewatch [options] ROOT...")
	fmt.Fprintln(out, "       treewatch schema")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Recursively watches directory trees and prints one JSON event per line.")

	cli.WriteOptionGroup(out, "Watch", []cli.HelpOption{
		{Name: "--follow-symlinks", Desc: "Descend into symlinked directories (env: TREEWATCH_FOLLOW_SYMLINKS)"},
		{Name: "--pair-window DURATION", Desc: fmt.Sprintf("Move pairing window (env: TREEWATCH_MOVE_PAIRING_WINDOW, default: %s)", defaults.MovePairingWindow)},
		{Name: "--no-resync", Desc: "Stop on backend overflow instead of resyncing (env: TREEWATCH_OVERFLOW_RESYNC)"},
		{Name: "--buffer N", Desc: fmt.Sprintf("Event channel capacity (env: TREEWATCH_BUFFER_SIZE, default: %d)", defaults.BufferSize)},
		{Name: "--max-watches N", Desc: "Cap on watched directories (env: TREEWATCH_MAX_WATCHES, default: none)"},
		{Name: "--backend NAME", Desc: "auto, inotify or fsnotify (env: TREEWATCH_BACKEND, default: auto)"},
	})
	cli.WriteOptionGroup(out, "Server", []cli.HelpOption{
		{Name: "--listen ADDR", Desc: "Serve /events, /events/history, /logs, /healthz and /metrics (env: TREEWATCH_LISTEN)"},
		{Name: "--history N", Desc: fmt.Sprintf("Events replayed to new stream clients (env: TREEWATCH_HISTORY_SIZE, default: %d)", defaults.HistorySize)},
		{Name: "--token TOKEN", Desc: "Auth token for the HTTP API (env: TREEWATCH_TOKEN)"},
	})
	cli.WriteOptionGroup(out, "Output", []cli.HelpOption{
		{Name: "--config PATH", Desc: "Config file, .toml .yaml or .json (env: TREEWATCH_CONFIG)"},
		{Name: "--log-level LEVEL", Desc: "debug, info, warning or error (env: TREEWATCH_LOG_LEVEL, default: info)"},
		{Name: "--log-format FORMAT", Desc: "text or json (env: TREEWATCH_LOG_FORMAT, default: text)"},
		{Name: "--quiet", Desc: "Do not print events to stdout"},
		{Name: "-h, --help", Desc: "Show help"},
		{Name: "-v, --version", Desc: "Print version and exit"},
	})
}
