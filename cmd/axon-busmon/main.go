// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// axon-busmon exercises a bus configuration off-device.
//
// Two subcommands:
//
// validate: loads a bus config file, checks it, and builds a bus from
// it, so topology mistakes (duplicate channels, unknown capabilities,
// bad policies) are caught before the config ships to a device.
//
// run: builds a bus from the config and drives it with a scripted
// scenario file (ticks, sends, routes, receives, resource usage),
// printing every observable outcome. Scenarios stand in for module
// traffic when debugging quota and backpressure settings.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/axon-embedded/axon/lib/bus"
	"github.com/axon-embedded/axon/lib/busconfig"
	"github.com/axon-embedded/axon/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "axon-busmon: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("missing subcommand")
	}

	switch os.Args[1] {
	case "validate":
		return runValidate(os.Args[2:])
	case "run":
		return runScenario(os.Args[2:])
	case "--version":
		version.Print("axon-busmon")
		return nil
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand %q", os.Args[1])
	}
}

func runValidate(args []string) error {
	var configPath string

	flagSet := pflag.NewFlagSet("axon-busmon validate", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the bus config file (default: $AXON_CONFIG)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := cfg.Build(bus.Options{}); err != nil {
		return fmt.Errorf("config is well-formed but does not wire: %w", err)
	}

	fmt.Printf("ok: %d channels, %d budgets\n", len(cfg.Channels), len(cfg.Budgets))
	return nil
}

func runScenario(args []string) error {
	var configPath string
	var scenarioPath string
	var verbose bool

	flagSet := pflag.NewFlagSet("axon-busmon run", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the bus config file (default: $AXON_CONFIG)")
	flagSet.StringVar(&scenarioPath, "scenario", "", "path to the scenario file")
	flagSet.BoolVar(&verbose, "verbose", false, "log bus internals to stderr")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if scenarioPath == "" {
		return fmt.Errorf("--scenario is required")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	b, err := cfg.Build(bus.Options{Logger: logger})
	if err != nil {
		return err
	}

	scenario, err := LoadScenario(scenarioPath)
	if err != nil {
		return err
	}
	return scenario.Execute(b, os.Stdout)
}

// loadConfig resolves the config path: explicit flag first, AXON_CONFIG
// otherwise.
func loadConfig(path string) (*busconfig.Config, error) {
	if path != "" {
		return busconfig.LoadFile(path)
	}
	return busconfig.Load()
}

func printUsage() {
	fmt.Fprint(os.Stderr, `axon-busmon validates and exercises bus configurations.

Usage:
  axon-busmon validate --config <axon.yaml>
  axon-busmon run --config <axon.yaml> --scenario <scenario.yaml> [--verbose]

The config path falls back to the AXON_CONFIG environment variable
when --config is omitted.
`)
}
