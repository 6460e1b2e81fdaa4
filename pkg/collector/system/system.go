// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package system polls host-level metrics through gopsutil.
package system

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/DataDog/logstream/pkg/entry"
)

// Probe entry points, replaced in tests.
var (
	cpuPercent    = cpu.PercentWithContext
	virtualMemory = mem.VirtualMemoryWithContext
	swapMemory    = mem.SwapMemoryWithContext
	loadAvg       = load.AvgWithContext
	diskUsage     = disk.UsageWithContext
	netIOCounters = gopsnet.IOCountersWithContext
	processPids   = process.PidsWithContext
)

// Source is the source tag of every entry this collector produces.
const Source = "system"

// Collector polls cpu, memory, load, disk, network and process metrics for
// one host.
type Collector struct {
	host     string
	interval time.Duration
	diskPath string
	lastNet  *gopsnet.IOCountersStat
}

// New builds a system collector reporting for host.
func New(host string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{host: host, interval: interval, diskPath: "/"}
}

// ID implements collector.Collector.
func (c *Collector) ID() string { return "system:" + c.host }

// Interval implements collector.Collector.
func (c *Collector) Interval() time.Duration { return c.interval }

// Start implements collector.Collector.
func (c *Collector) Start() error { return nil }

// Stop implements collector.Collector.
func (c *Collector) Stop() error { return nil }

// Poll gathers one round of host metrics. A single failing probe fails the
// whole poll; partial batches are never submitted.
func (c *Collector) Poll(ctx context.Context) ([]*entry.Entry, error) {
	now := time.Now().UTC()
	var batch []*entry.Entry

	add := func(name string, value float64, unit string) error {
		e, err := entry.NewMetric(Source, c.host, name, value, unit, now)
		if err != nil {
			return err
		}
		batch = append(batch, e)
		return nil
	}

	cpuPcts, err := cpuPercent(ctx, 0, false)
	if err != nil {
		return nil, errors.Wrap(err, "system: cpu probe")
	}
	if len(cpuPcts) > 0 {
		if err := add("cpu.usage", cpuPcts[0], "percent"); err != nil {
			return nil, err
		}
	}

	vm, err := virtualMemory(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "system: memory probe")
	}
	if err := add("memory.used_percent", vm.UsedPercent, "percent"); err != nil {
		return nil, err
	}
	if err := add("memory.used", float64(vm.Used), "bytes"); err != nil {
		return nil, err
	}

	swap, err := swapMemory(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "system: swap probe")
	}
	if err := add("swap.used_percent", swap.UsedPercent, "percent"); err != nil {
		return nil, err
	}

	avg, err := loadAvg(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "system: load probe")
	}
	if err := add("load.1", avg.Load1, ""); err != nil {
		return nil, err
	}
	if err := add("load.5", avg.Load5, ""); err != nil {
		return nil, err
	}
	if err := add("load.15", avg.Load15, ""); err != nil {
		return nil, err
	}

	du, err := diskUsage(ctx, c.diskPath)
	if err != nil {
		return nil, errors.Wrap(err, "system: disk probe")
	}
	if err := add("disk.used_percent", du.UsedPercent, "percent"); err != nil {
		return nil, err
	}

	// Aggregated counters across interfaces. Throughput is the delta since
	// the previous poll, so the first poll emits nothing; a counter reset
	// (negative delta) skips the sample.
	nics, err := netIOCounters(ctx, false)
	if err != nil {
		return nil, errors.Wrap(err, "system: net probe")
	}
	if len(nics) > 0 {
		cur := nics[0]
		if prev := c.lastNet; prev != nil {
			sent := float64(cur.BytesSent) - float64(prev.BytesSent)
			recv := float64(cur.BytesRecv) - float64(prev.BytesRecv)
			if sent >= 0 {
				if err := add("net.bytes_sent", sent, "bytes"); err != nil {
					return nil, err
				}
			}
			if recv >= 0 {
				if err := add("net.bytes_recv", recv, "bytes"); err != nil {
					return nil, err
				}
			}
		}
		c.lastNet = &cur
	}

	pids, err := processPids(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "system: process probe")
	}
	if err := add("process.count", float64(len(pids)), ""); err != nil {
		return nil, err
	}

	return batch, nil
}
