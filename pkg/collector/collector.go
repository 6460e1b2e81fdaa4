// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package collector defines the producer-side contract of the pipeline.
// A collector polls one data source on its own schedule and returns a batch
// of entries per poll; the pool in the pool subpackage owns scheduling,
// failure accounting and submission to the ingestion bus.
package collector

import (
	"context"
	"time"

	"github.com/DataDog/logstream/pkg/entry"
)

// State is the lifecycle state of a collector as tracked by the pool.
type State string

// Collector states. Transitions: Stopped→Active on start, Active→Error after
// the failure limit, Active→Paused and back by operator action, any→Stopped
// on shutdown. Error exits only via Reset or Stop.
const (
	StateStopped State = "stopped"
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateError   State = "error"
)

// Collector is one polled data source.
type Collector interface {
	// ID uniquely identifies the collector instance.
	ID() string
	// Interval is the desired spacing between polls.
	Interval() time.Duration
	// Poll produces the next batch. The context carries the poll deadline.
	// An error counts toward the failure limit; a nil batch is fine.
	Poll(ctx context.Context) ([]*entry.Entry, error)
	// Start prepares any underlying connection. Called once before polling.
	Start() error
	// Stop releases resources. Called once, after the last poll returned.
	Stop() error
}

// Status is the externally visible snapshot of one collector, aggregated by
// the pool for the stats RPC.
type Status struct {
	ID                  string    `json:"id"`
	State               State     `json:"state"`
	Interval            string    `json:"interval"`
	LastPoll            time.Time `json:"last_poll"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	EntriesProduced     uint64    `json:"entries_produced"`
}
