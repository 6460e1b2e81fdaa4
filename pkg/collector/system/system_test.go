// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package system

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/logstream/pkg/entry"
)

func mockProbes(t *testing.T) {
	t.Helper()
	origCPU, origMem, origLoad, origDisk := cpuPercent, virtualMemory, loadAvg, diskUsage
	origSwap, origNet, origPids := swapMemory, netIOCounters, processPids
	t.Cleanup(func() {
		cpuPercent, virtualMemory, loadAvg, diskUsage = origCPU, origMem, origLoad, origDisk
		swapMemory, netIOCounters, processPids = origSwap, origNet, origPids
	})
	cpuPercent = func(context.Context, time.Duration, bool) ([]float64, error) {
		return []float64{42.5}, nil
	}
	virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 8 << 30, UsedPercent: 66.6}, nil
	}
	swapMemory = func(context.Context) (*mem.SwapMemoryStat, error) {
		return &mem.SwapMemoryStat{UsedPercent: 12.5}, nil
	}
	loadAvg = func(context.Context) (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 0.83, Load5: 0.96, Load15: 1.15}, nil
	}
	diskUsage = func(context.Context, string) (*disk.UsageStat, error) {
		return &disk.UsageStat{UsedPercent: 71.2}, nil
	}
	netIOCounters = func(context.Context, bool) ([]gopsnet.IOCountersStat, error) {
		return []gopsnet.IOCountersStat{{Name: "all", BytesSent: 1000, BytesRecv: 5000}}, nil
	}
	processPids = func(context.Context) ([]int32, error) {
		return []int32{1, 42, 314}, nil
	}
}

func TestPoll(t *testing.T) {
	mockProbes(t)
	c := New("host-01", 15*time.Second)
	batch, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 9, "network deltas need a previous poll")

	byName := make(map[string]*entry.Entry)
	for _, e := range batch {
		assert.Equal(t, Source, e.Source)
		assert.Equal(t, "host-01", e.Component)
		assert.Equal(t, entry.KindMetric, e.Kind)
		byName[e.MetricName] = e
	}
	assert.Equal(t, 42.5, byName["cpu.usage"].Value)
	assert.Equal(t, "percent", byName["cpu.usage"].Unit)
	assert.Equal(t, 66.6, byName["memory.used_percent"].Value)
	assert.Equal(t, float64(8<<30), byName["memory.used"].Value)
	assert.Equal(t, 0.83, byName["load.1"].Value)
	assert.Equal(t, 1.15, byName["load.15"].Value)
	assert.Equal(t, 71.2, byName["disk.used_percent"].Value)
	assert.Equal(t, 12.5, byName["swap.used_percent"].Value)
	assert.Equal(t, float64(3), byName["process.count"].Value)
	assert.NotContains(t, byName, "net.bytes_sent")
}

func TestPollNetworkDelta(t *testing.T) {
	mockProbes(t)
	c := New("host-01", 15*time.Second)
	_, err := c.Poll(context.Background())
	require.NoError(t, err)

	netIOCounters = func(context.Context, bool) ([]gopsnet.IOCountersStat, error) {
		return []gopsnet.IOCountersStat{{Name: "all", BytesSent: 1600, BytesRecv: 9000}}, nil
	}
	batch, err := c.Poll(context.Background())
	require.NoError(t, err)

	byName := make(map[string]*entry.Entry)
	for _, e := range batch {
		byName[e.MetricName] = e
	}
	require.Contains(t, byName, "net.bytes_sent")
	assert.Equal(t, float64(600), byName["net.bytes_sent"].Value)
	assert.Equal(t, float64(4000), byName["net.bytes_recv"].Value)
	assert.Equal(t, "bytes", byName["net.bytes_sent"].Unit)
}

func TestPollProbeFailure(t *testing.T) {
	mockProbes(t)
	virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return nil, errors.New("proc unavailable")
	}
	c := New("host-01", 15*time.Second)
	batch, err := c.Poll(context.Background())
	assert.Error(t, err)
	assert.Nil(t, batch, "partial batches are not submitted")
}

func TestID(t *testing.T) {
	assert.Equal(t, "system:host-01", New("host-01", 0).ID())
}
