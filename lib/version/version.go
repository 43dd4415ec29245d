// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build identity stamped into Axon
// binaries at link time. Release builds override the variables with
// -ldflags -X; a plain go build keeps the development defaults:
//
//	go build -ldflags "-X github.com/axon-embedded/axon/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release version, set by hand when tagging.
	Version = "0.1.0-dev"

	// GitCommit is the short commit hash of the build tree.
	GitCommit = "unknown"

	// GitDirty is "true" when the build tree had local modifications.
	GitDirty = "false"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Info returns the one-line version string used for --version output.
func Info() string {
	s := Version + " commit " + GitCommit
	if GitDirty == "true" {
		s += " (modified)"
	}
	return s + " built " + BuildTime
}

// Full returns Info plus the Go toolchain and target platform.
func Full() string {
	return fmt.Sprintf("%s\ngo %s %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Print writes the binary name and version to stdout, for --version
// handlers.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, Info())
}
