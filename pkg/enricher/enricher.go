// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package enricher is the single consumer of the ingestion bus. It attaches
// process-wide tags, derives correlation ids and truncates oversized
// messages, then forwards every entry to the analyzer, the store and the
// fanout hub. Work is sharded by source so that per-source ordering is
// preserved end to end.
package enricher

import (
	"hash/fnv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/telemetry"
	"github.com/DataDog/logstream/pkg/version"
)

// TruncatedMarker is appended to messages cut at the configured maximum.
const TruncatedMarker = "...[truncated]"

// Config carries the enrichment settings.
type Config struct {
	Workers         int
	Hostname        string
	Environment     string
	MaxMessageBytes int
	// CorrelationTagKeys are probed in order; the first tag present becomes
	// the correlation id when the entry has none.
	CorrelationTagKeys []string
}

// Enricher runs the sharded enrichment workers.
type Enricher struct {
	cfg    Config
	input  <-chan *entry.Entry
	shards []chan *entry.Entry
	outs   []chan<- *entry.Entry

	wg       sync.WaitGroup
	routerWg sync.WaitGroup
}

// New wires an enricher between the bus channel and the downstream stages.
// Every enriched entry is sent to every output channel.
func New(cfg Config, input <-chan *entry.Entry, outs ...chan<- *entry.Entry) *Enricher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	shards := make([]chan *entry.Entry, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan *entry.Entry, 64)
	}
	return &Enricher{
		cfg:    cfg,
		input:  input,
		shards: shards,
		outs:   outs,
	}
}

// Start launches the router and the shard workers.
func (e *Enricher) Start() {
	for _, shard := range e.shards {
		e.wg.Add(1)
		go e.work(shard)
	}
	e.routerWg.Add(1)
	go e.route()
}

// Stop waits for the input channel to drain, then closes the outputs.
// The caller must close the input (the bus) first.
func (e *Enricher) Stop() {
	e.routerWg.Wait()
	e.wg.Wait()
	for _, out := range e.outs {
		close(out)
	}
}

// route dispatches entries to shards by source hash so that entries of one
// source are always enriched by the same worker.
func (e *Enricher) route() {
	defer e.routerWg.Done()
	for ent := range e.input {
		e.shards[shardFor(ent.Source, len(e.shards))] <- ent
	}
	for _, shard := range e.shards {
		close(shard)
	}
}

func (e *Enricher) work(shard <-chan *entry.Entry) {
	defer e.wg.Done()
	for ent := range shard {
		e.enrich(ent)
		telemetry.EntriesIngested.WithLabelValues(ent.Source).Inc()
		telemetry.EntriesIngestedVar.Add(1)
		for _, out := range e.outs {
			out <- ent
		}
	}
}

// enrich applies the tag additions and normalizations. Producer-supplied
// fields are never overwritten, except for message truncation.
func (e *Enricher) enrich(ent *entry.Entry) {
	if ent.Timestamp.IsZero() {
		ent.Timestamp = time.Now().UTC()
	}
	setTagIfAbsent(ent, "host", e.cfg.Hostname)
	setTagIfAbsent(ent, "env", e.cfg.Environment)
	setTagIfAbsent(ent, "logstream_version", version.Version)

	if ent.CorrelationID == "" {
		for _, key := range e.cfg.CorrelationTagKeys {
			if v, ok := ent.Tags[key]; ok && v != "" {
				ent.CorrelationID = v
				break
			}
		}
	}

	if ent.Kind == entry.KindLog && len(ent.Message) > e.cfg.MaxMessageBytes {
		// back up to a rune boundary so the cut never splits a multi-byte
		// character
		cut := e.cfg.MaxMessageBytes
		for cut > 0 && !utf8.RuneStart(ent.Message[cut]) {
			cut--
		}
		ent.Message = ent.Message[:cut] + TruncatedMarker
	}
}

func setTagIfAbsent(ent *entry.Entry, key, value string) {
	if value == "" {
		return
	}
	if _, ok := ent.Tags[key]; !ok {
		ent.SetTag(key, value)
	}
}

func shardFor(source string, n int) int {
	if n == 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(source)) //nolint:errcheck
	return int(h.Sum32() % uint32(n))
}
