// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package status implements the status subcommand, a thin client of the
// stats RPC method.
package status

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/DataDog/logstream/cmd/logstream/command"
	"github.com/DataDog/logstream/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type cliParams struct {
	address string
	raw     bool
}

// Commands returns the status command.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	params := &cliParams{}
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running logstream service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return status(globalParams, params)
		},
	}
	statusCmd.Flags().StringVar(&params.address, "address", "", "host:port of the service, defaults to the configured listen address")
	statusCmd.Flags().BoolVar(&params.raw, "json", false, "print the raw stats JSON")
	return []*cobra.Command{statusCmd}
}

type statsReply struct {
	Result jsoniter.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type stats struct {
	Collectors []struct {
		ID                  string `json:"id"`
		State               string `json:"state"`
		LastError           string `json:"last_error,omitempty"`
		ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
		EntriesProduced     uint64 `json:"entries_produced"`
	} `json:"collectors"`
	Bus struct {
		Occupancy    int   `json:"occupancy"`
		Capacity     int   `json:"capacity"`
		DroppedCount int64 `json:"dropped_count"`
	} `json:"bus"`
	Analyzer struct {
		AlertsEmitted int64 `json:"alerts_emitted"`
		EntriesShed   int64 `json:"entries_shed"`
	} `json:"analyzer"`
	Subscribers struct {
		Active        int   `json:"active"`
		FramesDropped int64 `json:"frames_dropped"`
	} `json:"subscribers"`
	Ingested int64 `json:"entries_ingested"`
}

func status(globalParams *command.GlobalParams, params *cliParams) error {
	address := params.address
	if address == "" {
		cfg, err := config.Load(globalParams.ConfFilePath)
		if err != nil {
			return err
		}
		address = cfg.Listen
	}

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "stats",
	})
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post("http://"+address+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "cannot reach logstream at %s", address)
	}
	defer resp.Body.Close() //nolint:errcheck

	var reply statsReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return errors.Wrap(err, "malformed stats response")
	}
	if reply.Error != nil {
		return errors.Errorf("stats failed: %s (code %d)", reply.Error.Message, reply.Error.Code)
	}

	if params.raw {
		fmt.Println(string(reply.Result))
		return nil
	}

	var s stats
	if err := json.Unmarshal(reply.Result, &s); err != nil {
		return errors.Wrap(err, "malformed stats result")
	}

	fmt.Printf("logstream at %s\n", address)
	fmt.Printf("  entries ingested: %d\n", s.Ingested)
	fmt.Printf("  bus: %d/%d queued, %d dropped\n", s.Bus.Occupancy, s.Bus.Capacity, s.Bus.DroppedCount)
	fmt.Printf("  analyzer: %d alerts emitted, %d entries shed\n", s.Analyzer.AlertsEmitted, s.Analyzer.EntriesShed)
	fmt.Printf("  subscribers: %d active, %d frames dropped\n", s.Subscribers.Active, s.Subscribers.FramesDropped)
	if len(s.Collectors) == 0 {
		fmt.Println("  collectors: none")
		return nil
	}
	fmt.Println("  collectors:")
	for _, c := range s.Collectors {
		line := fmt.Sprintf("    %s: %s, %d entries", c.ID, c.State, c.EntriesProduced)
		if c.LastError != "" {
			line += fmt.Sprintf(" (last error: %s, %d consecutive failures)", c.LastError, c.ConsecutiveFailures)
		}
		fmt.Println(line)
	}
	return nil
}
