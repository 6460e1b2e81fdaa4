// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package pipeline assembles the stages into a running service: collectors
// feed the bus, the enricher fans entries out to the analyzer, the store and
// the fanout hub, and the server fronts the whole thing.
package pipeline

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/DataDog/logstream/pkg/analyzer"
	"github.com/DataDog/logstream/pkg/bus"
	"github.com/DataDog/logstream/pkg/collector"
	"github.com/DataDog/logstream/pkg/collector/application"
	"github.com/DataDog/logstream/pkg/collector/container"
	"github.com/DataDog/logstream/pkg/collector/database"
	"github.com/DataDog/logstream/pkg/collector/logfile"
	"github.com/DataDog/logstream/pkg/collector/pool"
	"github.com/DataDog/logstream/pkg/collector/system"
	"github.com/DataDog/logstream/pkg/config"
	"github.com/DataDog/logstream/pkg/enricher"
	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/fanout"
	"github.com/DataDog/logstream/pkg/parsers"
	"github.com/DataDog/logstream/pkg/server"
	"github.com/DataDog/logstream/pkg/store"
	"github.com/DataDog/logstream/pkg/util/log"
)

// stageQueue sizes the inter-stage channels between the enricher and its
// consumers.
const stageQueue = 1024

// ErrShutdownTimeout reports that the hard deadline expired before every
// stage finished draining.
var ErrShutdownTimeout = errors.New("pipeline: shutdown deadline exceeded")

// Pipeline owns every stage and their connecting channels.
type Pipeline struct {
	cfg *config.Config

	store    *store.Store
	bus      *bus.Bus
	enricher *enricher.Enricher
	analyzer *analyzer.Analyzer
	hub      *fanout.Hub
	pool     *pool.Pool
	server   *server.Server
	deps     *analyzer.DependencyMap
	registry *parsers.Registry

	analyzerIn   chan *entry.Entry
	storeIn      chan *entry.Entry
	fanoutIn     chan *entry.Entry
	alertsOut    chan *entry.Alert // analyzer -> tee
	alertsFanout chan *entry.Alert // tee -> hub

	wg        sync.WaitGroup
	stopPrune chan struct{}
}

// New builds the pipeline. The store is opened here so that a bad database
// path fails before anything starts.
func New(cfg *config.Config) (*Pipeline, error) {
	st, err := store.Open(cfg.DBPath, store.Options{
		BatchSize: cfg.StoreBatchSize,
		BatchWait: cfg.StoreBatchWait,
	})
	if err != nil {
		return nil, err
	}
	if err := st.SaveRetention(cfg.Retention()); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	deps, err := analyzer.NewDependencyMap(cfg.DependencyMapPath)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	p := &Pipeline{
		cfg:          cfg,
		store:        st,
		deps:         deps,
		registry:     parsers.NewRegistry(),
		analyzerIn:   make(chan *entry.Entry, stageQueue),
		storeIn:      make(chan *entry.Entry, stageQueue),
		fanoutIn:     make(chan *entry.Entry, stageQueue),
		alertsOut:    make(chan *entry.Alert, 256),
		alertsFanout: make(chan *entry.Alert, 256),
		stopPrune:    make(chan struct{}),
	}

	p.bus = bus.New(cfg.BusCapacity, cfg.BusOverflow, cfg.BusBlockTimeout, nil)
	p.enricher = enricher.New(enricher.Config{
		Workers:            cfg.EnricherWorkers,
		Hostname:           cfg.Hostname,
		Environment:        cfg.Environment,
		MaxMessageBytes:    cfg.MaxMessageBytes,
		CorrelationTagKeys: cfg.CorrelationTagKey,
	}, p.bus.Chan(), p.analyzerIn, p.storeIn, p.fanoutIn)

	bases := make(map[string]analyzer.BasePair, len(cfg.BaseThresholds))
	for _, bt := range cfg.BaseThresholds {
		bases[bt.MetricName+"|"+bt.Component] = analyzer.BasePair{Warning: bt.Warning, Critical: bt.Critical}
	}
	p.analyzer = analyzer.New(analyzer.Config{
		AnomalySigma:      cfg.AnomalySigma,
		AnomalyMinSamples: cfg.AnomalyMinSamples,
		WindowSize:        cfg.WindowSize,
		WindowSpan:        cfg.WindowSpan,
		LearningRate:      cfg.LearningRate,
		ThresholdEvery:    cfg.ThresholdEvery,
		PatternRecurrence: cfg.PatternRecurrence,
		AlertCooldown:     cfg.AlertCooldown,
		CorrelationMinLen: cfg.CorrelationMinLen,
		CorrelationLimit:  cfg.CorrelationLimit,
		ShedHighWater:     cfg.ShedHighWater,
		ShedKeepOneIn:     cfg.ShedKeepOneIn,
		SnapshotEvery:     cfg.SnapshotEvery,
		BaseThresholds:    bases,
	}, p.analyzerIn, p.alertsOut, st, deps)

	p.hub = fanout.New(cfg.FanoutQueueSize, p.fanoutIn, p.alertsFanout)
	p.pool = pool.New(p.bus, cfg.CollectorFailureLimit)
	if err := p.registerCollectors(); err != nil {
		st.Close() //nolint:errcheck
		deps.Close()
		return nil, err
	}

	p.server = server.New(server.Config{
		Listen:            cfg.Listen,
		RPCDeadline:       cfg.RPCDeadline,
		QueryLimitCap:     cfg.QueryLimitCap,
		TimestampSkew:     cfg.TimestampSkew,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, st, p.bus, p.hub, p.pool, p.registry)

	return p, nil
}

func (p *Pipeline) registerCollectors() error {
	col := p.cfg.Collectors
	var cols []collector.Collector
	if col.System.Enabled {
		host := p.cfg.Hostname
		if host == "" {
			host, _ = os.Hostname()
		}
		cols = append(cols, system.New(host, col.System.Interval))
	}
	if col.Application.Enabled {
		endpoints := make([]application.Endpoint, 0, len(col.Application.Endpoints))
		for _, ep := range col.Application.Endpoints {
			endpoints = append(endpoints, application.Endpoint{Name: ep.Name, URL: ep.URL, Timeout: ep.Timeout})
		}
		cols = append(cols, application.New(endpoints, col.Application.Interval))
	}
	if col.Container.Enabled {
		cols = append(cols, container.New(col.Container.Host, col.Container.Interval))
	}
	if col.Database.Enabled {
		for _, inst := range col.Database.Instances {
			c, err := database.New(database.Instance{
				Name: inst.Name,
				Kind: inst.Kind,
				Addr: inst.Addr,
			}, col.Database.Interval)
			if err != nil {
				return err
			}
			cols = append(cols, c)
		}
	}
	if col.LogFiles.Enabled {
		for _, f := range col.LogFiles.Files {
			cols = append(cols, logfile.New(f.Path, f.Source, f.Format, col.LogFiles.Interval, p.registry))
		}
	}
	for _, c := range cols {
		if err := p.pool.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Start brings the stages up back to front so that every consumer is running
// before its producer.
func (p *Pipeline) Start() error {
	p.analyzer.Start()
	p.hub.Start()

	p.wg.Add(1)
	go p.storeLoop()
	p.wg.Add(1)
	go p.alertLoop()
	p.wg.Add(1)
	go p.pruneLoop()

	p.enricher.Start()
	p.pool.Start()

	if err := p.server.Start(); err != nil {
		return err
	}
	log.Infof("pipeline: started, listening on %s", p.server.Addr())
	return nil
}

// Addr returns the server's bound address.
func (p *Pipeline) Addr() string { return p.server.Addr() }

// ReloadDependencyMap re-reads the cascade graph, for SIGHUP.
func (p *Pipeline) ReloadDependencyMap() error { return p.deps.Reload() }

// storeLoop persists enriched entries. A failed append is retried with
// exponential backoff before the batch is dropped.
func (p *Pipeline) storeLoop() {
	defer p.wg.Done()
	for e := range p.storeIn {
		batch := []*entry.Entry{e}
	drain:
		for len(batch) < p.cfg.StoreBatchSize {
			select {
			case next, ok := <-p.storeIn:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		p.appendWithRetry(batch)
	}
}

func (p *Pipeline) appendWithRetry(batch []*entry.Entry) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 10 * time.Second
	err := backoff.Retry(func() error {
		err := p.store.Append(batch)
		if errors.Is(err, store.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		log.Errorf("pipeline: dropping %d entries after store retries: %v", len(batch), err)
	}
}

// alertLoop tees analyzer alerts into the store and the fanout hub.
func (p *Pipeline) alertLoop() {
	defer p.wg.Done()
	for a := range p.alertsOut {
		if err := p.store.AppendAlerts([]*entry.Alert{a}); err != nil {
			log.Errorf("pipeline: cannot persist alert: %v", err)
		}
		p.alertsFanout <- a
	}
	close(p.alertsFanout)
}

// pruneLoop enforces retention.
func (p *Pipeline) pruneLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopPrune:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-p.cfg.Retention())
			if _, err := p.store.Prune(cutoff); err != nil {
				log.Errorf("pipeline: prune failed: %v", err)
			}
		}
	}
}

// Stop drains the pipeline front to back: stop accepting, stop producing,
// drain the queues, flush the store, close the streams. The configured
// shutdown deadline is a hard bound.
func (p *Pipeline) Stop() error {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownDeadline/2)
		defer cancel()
		if err := p.server.StopAccepting(ctx); err != nil {
			log.Warnf("pipeline: server shutdown: %v", err)
		}

		p.pool.Stop()
		p.bus.Close()
		p.enricher.Stop() // drains the bus, closes analyzerIn, storeIn, fanoutIn
		p.analyzer.Stop() // drains analyzerIn, closes alertsOut

		close(p.stopPrune)
		p.wg.Wait() // store and alert loops finish, alertsFanout closed

		p.hub.Stop() // drains fanoutIn and alertsFanout, closes subscribers
		p.server.Close()

		if err := p.store.Close(); err != nil {
			log.Errorf("pipeline: store close: %v", err)
		}
	}()

	select {
	case <-done:
		log.Infof("pipeline: stopped")
		return nil
	case <-time.After(p.cfg.ShutdownDeadline):
		return ErrShutdownTimeout
	}
}
