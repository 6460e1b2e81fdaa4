// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package application probes HTTP endpoints and reports response time,
// status and a moving error rate per endpoint.
package application

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/DataDog/logstream/pkg/entry"
)

// Source is the source tag of every entry this collector produces.
const Source = "application"

// Endpoint is one probed HTTP target.
type Endpoint struct {
	Name    string
	URL     string
	Timeout time.Duration
}

// Collector probes a set of endpoints once per interval.
type Collector struct {
	endpoints []Endpoint
	interval  time.Duration
	client    *http.Client
	clk       clock.Clock
	rates     map[string]*movingRate
}

// Option tweaks a Collector.
type Option func(*Collector)

// WithClock injects the clock used by the moving error rates.
func WithClock(clk clock.Clock) Option {
	return func(c *Collector) { c.clk = clk }
}

// WithClient injects the HTTP client used for probing.
func WithClient(client *http.Client) Option {
	return func(c *Collector) { c.client = client }
}

// New builds an application collector for the endpoints.
func New(endpoints []Endpoint, interval time.Duration, opts ...Option) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &Collector{
		endpoints: endpoints,
		interval:  interval,
		client:    &http.Client{},
		clk:       clock.New(),
		rates:     make(map[string]*movingRate),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, ep := range endpoints {
		c.rates[ep.Name] = newMovingRate(c.clk, 5*time.Minute, 10*time.Second)
	}
	return c
}

// ID implements collector.Collector.
func (c *Collector) ID() string { return "application" }

// Interval implements collector.Collector.
func (c *Collector) Interval() time.Duration { return c.interval }

// Start implements collector.Collector.
func (c *Collector) Start() error { return nil }

// Stop implements collector.Collector.
func (c *Collector) Stop() error {
	c.client.CloseIdleConnections()
	return nil
}

// Poll probes every endpoint. Endpoint failures become error entries, not
// poll errors; the poll itself only fails on internal problems.
func (c *Collector) Poll(ctx context.Context) ([]*entry.Entry, error) {
	now := time.Now().UTC()
	var batch []*entry.Entry
	for _, ep := range c.endpoints {
		entries, err := c.probe(ctx, ep, now)
		if err != nil {
			return nil, err
		}
		batch = append(batch, entries...)
	}
	return batch, nil
}

func (c *Collector) probe(ctx context.Context, ep Endpoint, now time.Time) ([]*entry.Entry, error) {
	probeCtx := ctx
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	rate := c.rates[ep.Name]
	var batch []*entry.Entry

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return nil, err
	}
	start := c.clk.Now()
	resp, err := c.client.Do(req)
	elapsed := c.clk.Since(start)

	failed := err != nil
	status := 0
	if resp != nil {
		status = resp.StatusCode
		resp.Body.Close() //nolint:errcheck
		if status >= 500 {
			failed = true
		}
	}
	rate.observe(failed)

	if err != nil {
		e, lerr := entry.NewLog(Source, ep.Name, entry.LevelError,
			fmt.Sprintf("probe failed: %v", err), now)
		if lerr != nil {
			return nil, lerr
		}
		batch = append(batch, e)
	} else {
		m, merr := entry.NewMetric(Source, ep.Name, "http.response_time", float64(elapsed.Milliseconds()), "ms", now)
		if merr != nil {
			return nil, merr
		}
		m.SetTag("status", strconv.Itoa(status))
		batch = append(batch, m)
	}

	er, err := entry.NewMetric(Source, ep.Name, "http.error_rate", rate.value(), "percent", now)
	if err != nil {
		return nil, err
	}
	batch = append(batch, er)
	return batch, nil
}

// movingRate is a time-bucketed moving failure ratio. Buckets older than the
// span roll off as time advances.
type movingRate struct {
	clk     clock.Clock
	span    time.Duration
	bucket  time.Duration
	buckets []rateBucket
}

type rateBucket struct {
	start    time.Time
	total    int
	failures int
}

func newMovingRate(clk clock.Clock, span, bucket time.Duration) *movingRate {
	return &movingRate{clk: clk, span: span, bucket: bucket}
}

func (m *movingRate) observe(failed bool) {
	now := m.clk.Now()
	m.expire(now)
	slot := now.Truncate(m.bucket)
	if n := len(m.buckets); n > 0 && m.buckets[n-1].start.Equal(slot) {
		m.buckets[n-1].total++
		if failed {
			m.buckets[n-1].failures++
		}
		return
	}
	b := rateBucket{start: slot, total: 1}
	if failed {
		b.failures = 1
	}
	m.buckets = append(m.buckets, b)
}

func (m *movingRate) value() float64 {
	m.expire(m.clk.Now())
	var total, failures int
	for _, b := range m.buckets {
		total += b.total
		failures += b.failures
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(failures) / float64(total)
}

func (m *movingRate) expire(now time.Time) {
	cutoff := now.Add(-m.span)
	i := 0
	for i < len(m.buckets) && m.buckets[i].start.Before(cutoff) {
		i++
	}
	m.buckets = m.buckets[i:]
}
