// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package database polls server status from redis, mysql and mongodb
// instances.
package database

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/logstream/pkg/entry"
)

// Source is the source tag of every entry this collector produces.
const Source = "database"

// Supported instance kinds.
const (
	KindRedis = "redis"
	KindMySQL = "mysql"
	KindMongo = "mongo"
)

// Instance is one monitored database.
type Instance struct {
	Name string
	Kind string
	Addr string
}

// prober is the per-engine status probe. probe returns metric name to value.
type prober interface {
	connect(ctx context.Context) error
	probe(ctx context.Context) (map[string]float64, error)
	close() error
}

// Collector polls one database instance.
type Collector struct {
	instance Instance
	interval time.Duration
	prober   prober
}

// New builds a collector for the instance. Unknown kinds fail here, not at
// poll time.
func New(instance Instance, interval time.Duration) (*Collector, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	var p prober
	switch instance.Kind {
	case KindRedis:
		p = newRedisProber(instance.Addr)
	case KindMySQL:
		p = newMySQLProber(instance.Addr)
	case KindMongo:
		p = newMongoProber(instance.Addr)
	default:
		return nil, errors.Errorf("database: unknown kind %q for instance %s", instance.Kind, instance.Name)
	}
	return &Collector{instance: instance, interval: interval, prober: p}, nil
}

// newWithProber is the test seam.
func newWithProber(instance Instance, interval time.Duration, p prober) *Collector {
	return &Collector{instance: instance, interval: interval, prober: p}
}

// ID implements collector.Collector.
func (c *Collector) ID() string { return "database:" + c.instance.Name }

// Interval implements collector.Collector.
func (c *Collector) Interval() time.Duration { return c.interval }

// Start implements collector.Collector.
func (c *Collector) Start() error {
	return c.prober.connect(context.Background())
}

// Stop implements collector.Collector.
func (c *Collector) Stop() error { return c.prober.close() }

// Poll probes the instance, measuring the probe round trip as db.ping_ms.
func (c *Collector) Poll(ctx context.Context) ([]*entry.Entry, error) {
	now := time.Now().UTC()
	start := time.Now()
	values, err := c.prober.probe(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "database: probe %s failed", c.instance.Name)
	}
	elapsed := time.Since(start)

	batch := make([]*entry.Entry, 0, len(values)+1)
	add := func(metric string, value float64, unit string) error {
		e, err := entry.NewMetric(Source, c.instance.Name, metric, value, unit, now)
		if err != nil {
			return err
		}
		e.SetTag("kind", c.instance.Kind)
		batch = append(batch, e)
		return nil
	}
	if err := add("db.ping_ms", float64(elapsed.Milliseconds()), "ms"); err != nil {
		return nil, err
	}
	for metric, value := range values {
		if err := add(metric, value, ""); err != nil {
			return nil, err
		}
	}
	return batch, nil
}
