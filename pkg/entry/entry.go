// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package entry defines the normalized record every log event and metric
// sample takes once inside the pipeline, and the alerts derived from them.
package entry

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind discriminates the two entry variants.
type Kind string

// The two entry kinds.
const (
	KindLog    Kind = "log"
	KindMetric Kind = "metric"
)

// Validation errors returned by the builders and by Validate.
var (
	ErrBadKind           = errors.New("entry: kind must be log or metric")
	ErrMissingSource     = errors.New("entry: source is required")
	ErrMissingMessage    = errors.New("entry: log entries require a message")
	ErrMissingMetricName = errors.New("entry: metric entries require a metric name")
	ErrMissingValue      = errors.New("entry: metric entries require a value")
	ErrTimestampSkew     = errors.New("entry: timestamp is too far in the future")
)

// Entry is the unifying record for a log event or a metric sample.
// After the enricher stage an Entry is immutable.
type Entry struct {
	ID            string
	Timestamp     time.Time
	Source        string
	Component     string
	Kind          Kind
	Level         Level
	Message       string
	MetricName    string
	Value         float64
	Unit          string
	Tags          map[string]string
	CorrelationID string
	Raw           string
}

// NewLog builds a log Entry, stamping a fresh id. A zero timestamp is
// replaced with the current time.
func NewLog(source, component string, level Level, message string, timestamp time.Time) (*Entry, error) {
	e := &Entry{
		ID:        uuid.New().String(),
		Timestamp: timestamp,
		Source:    source,
		Component: component,
		Kind:      KindLog,
		Level:     level,
		Message:   message,
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := e.validateShape(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewMetric builds a metric Entry, stamping a fresh id. A zero timestamp is
// replaced with the current time.
func NewMetric(source, component, metricName string, value float64, unit string, timestamp time.Time) (*Entry, error) {
	e := &Entry{
		ID:         uuid.New().String(),
		Timestamp:  timestamp,
		Source:     source,
		Component:  component,
		Kind:       KindMetric,
		MetricName: metricName,
		Value:      value,
		Unit:       unit,
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := e.validateShape(); err != nil {
		return nil, err
	}
	return e, nil
}

// SetTag adds a tag, allocating the map lazily.
func (e *Entry) SetTag(key, value string) {
	if e.Tags == nil {
		e.Tags = make(map[string]string)
	}
	e.Tags[key] = value
}

// SeriesKey identifies the sliding window an entry feeds:
// (metric_name, component) for metrics, (source, component) for logs.
func (e *Entry) SeriesKey() string {
	if e.Kind == KindMetric {
		return e.MetricName + "|" + e.Component
	}
	return e.Source + "|" + e.Component
}

// validateShape checks the structural invariants of the entry.
func (e *Entry) validateShape() error {
	switch e.Kind {
	case KindLog:
		if e.Message == "" {
			return ErrMissingMessage
		}
	case KindMetric:
		if e.MetricName == "" {
			return ErrMissingMetricName
		}
	default:
		return ErrBadKind
	}
	if e.Source == "" {
		return ErrMissingSource
	}
	return nil
}

// Validate checks every invariant, including the future-timestamp bound:
// a timestamp equal to now+skew is accepted, anything beyond is rejected.
func (e *Entry) Validate(now time.Time, skew time.Duration) error {
	if err := e.validateShape(); err != nil {
		return err
	}
	if e.Timestamp.After(now.Add(skew)) {
		return errors.Wrapf(ErrTimestampSkew, "timestamp %s, now %s", e.Timestamp.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	}
	return nil
}

// Clone returns a deep copy. The enricher clones before adding tags so that
// producers never observe mutations.
func (e *Entry) Clone() *Entry {
	clone := *e
	if e.Tags != nil {
		clone.Tags = make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			clone.Tags[k] = v
		}
	}
	return &clone
}
