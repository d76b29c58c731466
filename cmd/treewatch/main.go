// Command treewatch watches directory trees and prints every change as a JSON line. With
// --listen it also serves the stream over a websocket together with health, logs and
// Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"treewatch/internal/config"
	"treewatch/internal/version"
)

func main() {
	os.Exit(runMain(os.Args[1:], os.Stdout, os.Stderr))
}

func runMain(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "schema" {
		return runSchema(stdout, stderr)
	}

	options, err := loadOptions(args, os.LookupEnv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printHelp(stdout)
			return exitCodeSuccess
		}
		fmt.Fprintf(stderr, "treewatch: %v\n", err)
		fmt.Fprintln(stderr, "Run 'treewatch --help' for usage.")
		return exitCodeUsage
	}
	if options.ShowVersion {
		fmt.Fprintln(stdout, version.GetVersionInfo().String())
		return exitCodeSuccess
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, options, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "treewatch: %v\n", err)
		return exitCodeFailure
	}
	return exitCodeSuccess
}

func runSchema(stdout, stderr io.Writer) int {
	data, err := config.SchemaJSON()
	if err != nil {
		fmt.Fprintf(stderr, "treewatch: schema: %v\n", err)
		return exitCodeFailure
	}
	fmt.Fprintln(stdout, string(data))
	return exitCodeSuccess
}
