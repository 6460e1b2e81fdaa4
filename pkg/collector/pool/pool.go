// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package pool schedules collectors on independent tickers, accounts their
// failures and submits their batches to the ingestion bus.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/DataDog/logstream/pkg/collector"
	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/telemetry"
	"github.com/DataDog/logstream/pkg/util/log"
)

// publishRetries bounds the backoff resubmission of a batch the bus refused.
const publishRetries = 3

// Bus is the submission surface the pool needs.
type Bus interface {
	Publish(e *entry.Entry) error
}

// ErrUnknownCollector is returned for operations on unregistered ids.
var ErrUnknownCollector = errors.New("pool: unknown collector")

// Pool owns a set of collectors and their schedule loops.
type Pool struct {
	bus          Bus
	clk          clock.Clock
	failureLimit int

	mu      sync.Mutex
	members map[string]*member
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type member struct {
	col      collector.Collector
	state    collector.State
	lastPoll time.Time
	lastErr  string
	failures int
	produced uint64
}

// Option tweaks a Pool.
type Option func(*Pool)

// WithClock injects the scheduling clock.
func WithClock(clk clock.Clock) Option {
	return func(p *Pool) { p.clk = clk }
}

// New builds an empty pool submitting to bus. Collectors enter Error state
// after failureLimit consecutive poll failures.
func New(bus Bus, failureLimit int, opts ...Option) *Pool {
	if failureLimit <= 0 {
		failureLimit = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		bus:          bus,
		clk:          clock.New(),
		failureLimit: failureLimit,
		members:      make(map[string]*member),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a collector. Registration after Start schedules it
// immediately.
func (p *Pool) Register(col collector.Collector) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.members[col.ID()]; exists {
		return errors.Errorf("pool: collector %s already registered", col.ID())
	}
	m := &member{col: col, state: collector.StateStopped}
	p.members[col.ID()] = m
	if p.started {
		p.launch(m)
	}
	return nil
}

// Start brings every registered collector up and begins polling.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for _, m := range p.members {
		p.launch(m)
	}
}

// launch is called with the pool lock held.
func (p *Pool) launch(m *member) {
	if err := m.col.Start(); err != nil {
		log.Errorf("pool: collector %s failed to start: %v", m.col.ID(), err)
		m.state = collector.StateError
		m.lastErr = err.Error()
		return
	}
	m.state = collector.StateActive
	p.wg.Add(1)
	go p.loop(m)
}

// Stop cancels every schedule loop and stops the collectors.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		if m.state != collector.StateStopped {
			if err := m.col.Stop(); err != nil {
				log.Warnf("pool: collector %s stop: %v", m.col.ID(), err)
			}
			m.state = collector.StateStopped
		}
	}
}

// Pause suspends polling of a collector without releasing its resources.
func (p *Pool) Pause(id string) error {
	return p.transition(id, collector.StateActive, collector.StatePaused)
}

// Resume reactivates a paused collector.
func (p *Pool) Resume(id string) error {
	return p.transition(id, collector.StatePaused, collector.StateActive)
}

// Reset clears the failure state of a collector and reactivates it.
func (p *Pool) Reset(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return ErrUnknownCollector
	}
	m.failures = 0
	m.lastErr = ""
	if m.state == collector.StateError {
		m.state = collector.StateActive
	}
	return nil
}

func (p *Pool) transition(id string, from, to collector.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return ErrUnknownCollector
	}
	if m.state != from {
		return errors.Errorf("pool: collector %s is %s, not %s", id, m.state, from)
	}
	m.state = to
	return nil
}

// Status returns a snapshot of every collector, sorted by the caller if
// needed.
func (p *Pool) Status() []collector.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]collector.Status, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, collector.Status{
			ID:                  m.col.ID(),
			State:               m.state,
			Interval:            m.col.Interval().String(),
			LastPoll:            m.lastPoll,
			LastError:           m.lastErr,
			ConsecutiveFailures: m.failures,
			EntriesProduced:     m.produced,
		})
	}
	return out
}

func (p *Pool) loop(m *member) {
	defer p.wg.Done()
	ticker := p.clk.Ticker(m.col.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.pollable(m) {
				continue
			}
			p.poll(m)
		}
	}
}

func (p *Pool) pollable(m *member) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return m.state == collector.StateActive
}

// poll runs one collection round with the interval as deadline and submits
// the batch.
func (p *Pool) poll(m *member) {
	ctx, cancel := context.WithTimeout(p.ctx, m.col.Interval())
	batch, err := m.col.Poll(ctx)
	cancel()

	p.mu.Lock()
	m.lastPoll = time.Now().UTC()
	if err != nil {
		m.failures++
		m.lastErr = err.Error()
		failures := m.failures
		p.mu.Unlock()
		telemetry.CollectorErrors.WithLabelValues(m.col.ID()).Inc()
		if failures >= p.failureLimit {
			p.fail(m)
		} else {
			log.Warnf("pool: collector %s poll failed (%d/%d): %v", m.col.ID(), failures, p.failureLimit, err)
		}
		return
	}
	m.failures = 0
	m.lastErr = ""
	m.produced += uint64(len(batch))
	p.mu.Unlock()

	p.submit(m.col.ID(), batch)
}

func (p *Pool) fail(m *member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.state == collector.StateActive {
		m.state = collector.StateError
		log.Errorf("pool: collector %s exceeded %d consecutive failures, disabling until reset",
			m.col.ID(), p.failureLimit)
	}
}

// submit publishes the batch, retrying refused entries with exponential
// backoff before giving up on them.
func (p *Pool) submit(id string, batch []*entry.Entry) {
	for _, e := range batch {
		e := e
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), publishRetries), p.ctx)
		err := backoff.Retry(func() error {
			return p.bus.Publish(e)
		}, policy)
		if err != nil {
			log.Debugf("pool: collector %s entry dropped after retries: %v", id, err)
		}
	}
}
