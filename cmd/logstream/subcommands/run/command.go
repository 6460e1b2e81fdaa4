// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package run implements the daemon subcommand.
package run

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DataDog/logstream/cmd/logstream/command"
	"github.com/DataDog/logstream/pkg/config"
	"github.com/DataDog/logstream/pkg/pipeline"
	"github.com/DataDog/logstream/pkg/util/log"
)

type cliParams struct {
	host string
	port string
	db   string
}

// Commands returns the run command.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	params := &cliParams{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the logstream service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(globalParams, params)
		},
	}
	runCmd.Flags().StringVar(&params.host, "host", "", "listen host, overrides the configuration")
	runCmd.Flags().StringVar(&params.port, "port", "", "listen port, overrides the configuration")
	runCmd.Flags().StringVar(&params.db, "db", "", "database path, overrides the configuration")
	return []*cobra.Command{runCmd}
}

func run(globalParams *command.GlobalParams, params *cliParams) error {
	cfg, err := config.Load(globalParams.ConfFilePath)
	if err != nil {
		return err
	}
	applyOverrides(cfg, params)

	if err := log.ChangeLogLevel(globalParams.LogLevel(cfg.LogLevel)); err != nil {
		return err
	}
	defer log.Flush()

	p, err := pipeline.New(cfg)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			log.Infof("run: SIGHUP, reloading dependency map")
			if err := p.ReloadDependencyMap(); err != nil {
				log.Warnf("run: %v", err)
			}
			continue
		}
		log.Infof("run: %s, shutting down", sig)
		break
	}
	return p.Stop()
}

// applyOverrides lets the flags win over file and environment.
func applyOverrides(cfg *config.Config, params *cliParams) {
	if params.host != "" || params.port != "" {
		host, port, err := net.SplitHostPort(cfg.Listen)
		if err != nil {
			host, port = cfg.Listen, "8420"
		}
		if params.host != "" {
			host = params.host
		}
		if params.port != "" {
			port = params.port
		}
		cfg.Listen = fmt.Sprintf("%s:%s", host, port)
	}
	if params.db != "" {
		cfg.DBPath = params.db
	}
}
