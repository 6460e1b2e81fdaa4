// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package container polls per-container cpu, memory, network and block io
// stats from the docker daemon.
package container

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/sockets"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/util/log"
)

// Source is the source tag of every entry this collector produces.
const Source = "docker"

var statsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// dockerClient is the daemon surface the collector needs.
type dockerClient interface {
	ContainerList(ctx context.Context, options dockercontainer.ListOptions) ([]types.Container, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (types.ContainerStats, error)
	Close() error
}

// Collector polls stats for every running container.
type Collector struct {
	interval time.Duration
	host     string
	cli      dockerClient
}

// New builds a docker stats collector. The daemon connection is opened on
// Start; an empty host means the standard docker environment settings.
func New(host string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{interval: interval, host: host}
}

// newWithClient is the test seam.
func newWithClient(interval time.Duration, cli dockerClient) *Collector {
	c := New("", interval)
	c.cli = cli
	return c
}

// ID implements collector.Collector.
func (c *Collector) ID() string { return "container" }

// Interval implements collector.Collector.
func (c *Collector) Interval() time.Duration { return c.interval }

// Start connects to the daemon.
func (c *Collector) Start() error {
	if c.cli != nil {
		return nil
	}
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if c.host == "" {
		opts = append(opts, client.FromEnv)
	} else {
		hostURL, err := client.ParseHostURL(c.host)
		if err != nil {
			return errors.Wrapf(err, "container: bad docker host %q", c.host)
		}
		transport := &http.Transport{}
		if err := sockets.ConfigureTransport(transport, hostURL.Scheme, hostURL.Host); err != nil {
			return errors.Wrap(err, "container: cannot configure transport")
		}
		opts = append(opts,
			client.WithHost(c.host),
			client.WithHTTPClient(&http.Client{Transport: transport}),
		)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return errors.Wrap(err, "container: cannot create docker client")
	}
	c.cli = cli
	return nil
}

// Stop closes the daemon connection.
func (c *Collector) Stop() error {
	if c.cli == nil {
		return nil
	}
	return c.cli.Close()
}

// Poll lists running containers and samples their stats. A container that
// disappears mid-poll is skipped, not an error.
func (c *Collector) Poll(ctx context.Context) ([]*entry.Entry, error) {
	containers, err := c.cli.ContainerList(ctx, dockercontainer.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "container: cannot list containers")
	}
	now := time.Now().UTC()
	var batch []*entry.Entry
	for _, ctr := range containers {
		entries, err := c.sample(ctx, ctr, now)
		if err != nil {
			log.Debugf("container: skipping %s: %v", ctr.ID, err)
			continue
		}
		batch = append(batch, entries...)
	}
	return batch, nil
}

func (c *Collector) sample(ctx context.Context, ctr types.Container, now time.Time) ([]*entry.Entry, error) {
	resp, err := c.cli.ContainerStats(ctx, ctr.ID, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	var stats types.StatsJSON
	if err := statsJSON.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}

	name := containerName(ctr)
	var batch []*entry.Entry
	add := func(metric string, value float64, unit string) error {
		e, err := entry.NewMetric(Source, name, metric, value, unit, now)
		if err != nil {
			return err
		}
		e.SetTag("container_id", ctr.ID)
		e.SetTag("image", ctr.Image)
		batch = append(batch, e)
		return nil
	}

	if err := add("container.cpu.usage", cpuPercent(&stats), "percent"); err != nil {
		return nil, err
	}
	if err := add("container.memory.used", float64(stats.MemoryStats.Usage), "bytes"); err != nil {
		return nil, err
	}
	if limit := stats.MemoryStats.Limit; limit > 0 {
		pct := 100 * float64(stats.MemoryStats.Usage) / float64(limit)
		if err := add("container.memory.used_percent", pct, "percent"); err != nil {
			return nil, err
		}
	}

	if len(stats.Networks) > 0 {
		var rx, tx float64
		for _, nw := range stats.Networks {
			rx += float64(nw.RxBytes)
			tx += float64(nw.TxBytes)
		}
		if err := add("container.net.rx_bytes", rx, "bytes"); err != nil {
			return nil, err
		}
		if err := add("container.net.tx_bytes", tx, "bytes"); err != nil {
			return nil, err
		}
	}

	if len(stats.BlkioStats.IoServiceBytesRecursive) > 0 {
		read, write := blkioBytes(stats.BlkioStats.IoServiceBytesRecursive)
		if err := add("container.io.read_bytes", read, "bytes"); err != nil {
			return nil, err
		}
		if err := add("container.io.write_bytes", write, "bytes"); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// blkioBytes sums the per-device service-bytes entries into read and write
// totals.
func blkioBytes(entries []types.BlkioStatEntry) (read, write float64) {
	for _, e := range entries {
		switch strings.ToLower(e.Op) {
		case "read":
			read += float64(e.Value)
		case "write":
			write += float64(e.Value)
		}
	}
	return read, write
}

// cpuPercent applies the usual docker delta formula against the previous
// sample the daemon includes in a non-streaming stats response.
func cpuPercent(s *types.StatsJSON) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100
}

func containerName(ctr types.Container) string {
	if len(ctr.Names) > 0 {
		return strings.TrimPrefix(ctr.Names[0], "/")
	}
	if len(ctr.ID) >= 12 {
		return ctr.ID[:12]
	}
	return ctr.ID
}
