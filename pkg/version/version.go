// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version holds the build-time version information.
package version

import "fmt"

// Default build-time values, overridden by the linker.
var (
	Version = "0.1.0"
	Commit  = "unknown"
)

// FullVersion returns the version and commit in a printable form.
func FullVersion() string {
	return fmt.Sprintf("logstream %s (commit %s)", Version, Commit)
}
