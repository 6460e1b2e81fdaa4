// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package command assembles the logstream root command.
package command

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// GlobalParams carries the flags every subcommand inherits.
type GlobalParams struct {
	ConfFilePath string
	Verbose      bool
	Debug        bool
}

// LogLevel maps the verbosity flags onto a seelog level name. An explicit
// config-file level wins over the flags only when neither flag is set.
func (g *GlobalParams) LogLevel(configured string) string {
	switch {
	case g.Debug:
		return "debug"
	case g.Verbose:
		return "info"
	default:
		return configured
	}
}

func addGlobalFlags(fs *pflag.FlagSet, globalParams *GlobalParams) {
	fs.StringVarP(&globalParams.ConfFilePath, "config", "c", "", "path to the configuration file")
	fs.BoolVarP(&globalParams.Verbose, "verbose", "v", false, "info-level logging")
	fs.BoolVarP(&globalParams.Debug, "debug", "d", false, "debug-level logging")
}

// SubcommandFactory builds the subcommands of one package.
type SubcommandFactory func(*GlobalParams) []*cobra.Command

// MakeCommand builds the root command from the subcommand factories.
func MakeCommand(factories []SubcommandFactory) *cobra.Command {
	globalParams := &GlobalParams{}

	rootCmd := &cobra.Command{
		Use:   "logstream [command]",
		Short: "Real-time log and metrics ingestion, analysis and streaming",
		Long: `logstream ingests logs and metrics from collectors and direct submission,
runs threshold, anomaly, pattern and correlation detection over them, and
streams entries and alerts to subscribers.`,
		SilenceUsage: true,
	}
	addGlobalFlags(rootCmd.PersistentFlags(), globalParams)

	for _, factory := range factories {
		for _, cmd := range factory(globalParams) {
			rootCmd.AddCommand(cmd)
		}
	}
	return rootCmd
}
