// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version implements the version subcommand.
package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/DataDog/logstream/cmd/logstream/command"
	"github.com/DataDog/logstream/pkg/version"
)

// Commands returns the version command.
func Commands(_ *command.GlobalParams) []*cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s - Go version: %s\n", version.FullVersion(), runtime.Version())
		},
	}
	return []*cobra.Command{versionCmd}
}
