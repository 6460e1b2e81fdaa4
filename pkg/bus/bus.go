// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package bus implements the bounded ingestion queue connecting the
// collectors and the submit API to the enricher. It is the only back-pressure
// surface producers see.
package bus

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/DataDog/logstream/pkg/config"
	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/telemetry"
)

// Errors returned by Publish.
var (
	ErrDropped      = errors.New("bus: entry dropped on overflow")
	ErrShuttingDown = errors.New("bus: shutting down")
)

// internalSource tags the dropped-count entries the bus emits about itself.
const internalSource = "logstream.internal"

// How often the bus reports its drop counter as an internal metric entry.
const internalReportInterval = time.Second

// Bus is the bounded multi-producer, single-consumer ingestion queue.
type Bus struct {
	ch           chan *entry.Entry
	policy       config.OverflowPolicy
	blockTimeout time.Duration
	clock        clock.Clock

	dropped      atomic.Int64
	reported     atomic.Int64 // drop count as of the last internal report
	lastReported atomic.Int64 // unix nanos of the last internal report

	mu     sync.RWMutex
	closed bool
}

// New returns a bus with the given capacity and overflow policy.
func New(capacity int, policy config.OverflowPolicy, blockTimeout time.Duration, clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{
		ch:           make(chan *entry.Entry, capacity),
		policy:       policy,
		blockTimeout: blockTimeout,
		clock:        clk,
	}
}

// Publish enqueues one entry, applying the overflow policy when the queue is
// full. The error reports a drop of the published entry; drops of older
// entries under drop_oldest are only counted.
func (b *Bus) Publish(e *entry.Entry) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrShuttingDown
	}

	select {
	case b.ch <- e:
		telemetry.BusOccupancy.Set(float64(len(b.ch)))
		b.maybeReport()
		return nil
	default:
	}

	switch b.policy {
	case config.OverflowBlock:
		timeout := b.clock.Timer(b.blockTimeout)
		defer timeout.Stop()
		select {
		case b.ch <- e:
			return nil
		case <-timeout.C:
			// fall through to drop_oldest
		}
		b.dropOldest(e)
		return nil
	case config.OverflowDropOldest:
		b.dropOldest(e)
		return nil
	default: // drop_new
		b.countDrop(1)
		return ErrDropped
	}
}

// dropOldest makes room by discarding queued entries until e fits.
func (b *Bus) dropOldest(e *entry.Entry) {
	for {
		select {
		case b.ch <- e:
			return
		default:
		}
		select {
		case <-b.ch:
			b.countDrop(1)
		default:
		}
	}
}

func (b *Bus) countDrop(n int64) {
	b.dropped.Add(n)
	telemetry.BusDropped.Add(float64(n))
	telemetry.BusDroppedVar.Add(n)
	b.maybeReport()
}

// maybeReport re-enters the drop counter into the bus as a metric entry.
// Re-entrance is one level deep: the report itself is published drop_new so
// that overflow cannot feed back.
func (b *Bus) maybeReport() {
	total := b.dropped.Load()
	if total == b.reported.Load() {
		return
	}
	now := b.clock.Now()
	last := b.lastReported.Load()
	if now.UnixNano()-last < int64(internalReportInterval) {
		return
	}
	e, err := entry.NewMetric(internalSource, "bus", "bus_dropped_count", float64(total), "entries", now)
	if err != nil {
		return
	}
	select {
	case b.ch <- e:
		b.reported.Store(total)
		b.lastReported.Store(now.UnixNano())
	default:
	}
}

// Chan exposes the consumer side of the queue. The enricher is the sole
// reader.
func (b *Bus) Chan() <-chan *entry.Entry {
	return b.ch
}

// Len returns the current queue occupancy.
func (b *Bus) Len() int {
	return len(b.ch)
}

// Capacity returns the configured queue bound.
func (b *Bus) Capacity() int {
	return cap(b.ch)
}

// Dropped returns the total number of entries dropped so far.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close rejects further publishes and closes the consumer channel once all
// in-flight publishes have returned. Queued entries remain readable so the
// enricher can drain them.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
