// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package main is the entry point of the logstream binary.
package main

import (
	"os"

	"github.com/DataDog/logstream/cmd/logstream/command"
	"github.com/DataDog/logstream/cmd/logstream/subcommands/run"
	"github.com/DataDog/logstream/cmd/logstream/subcommands/status"
	"github.com/DataDog/logstream/cmd/logstream/subcommands/version"
)

func main() {
	factories := []command.SubcommandFactory{
		run.Commands,
		status.Commands,
		version.Commands,
	}
	if err := command.MakeCommand(factories).Execute(); err != nil {
		os.Exit(1)
	}
}
