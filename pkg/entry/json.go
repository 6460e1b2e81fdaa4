// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package entry

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TimestampFormat is the wire timestamp layout: ISO 8601, UTC, millisecond
// precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

type wireEntry struct {
	ID            string            `json:"id,omitempty"`
	Kind          string            `json:"kind"`
	Timestamp     string            `json:"timestamp,omitempty"`
	Source        string            `json:"source"`
	Component     string            `json:"component,omitempty"`
	Level         string            `json:"level,omitempty"`
	Message       string            `json:"message,omitempty"`
	MetricName    string            `json:"metric_name,omitempty"`
	Value         *float64          `json:"value,omitempty"`
	Unit          string            `json:"unit,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Raw           string            `json:"raw,omitempty"`
}

type wireAlert struct {
	ID             string          `json:"id,omitempty"`
	Kind           string          `json:"kind"`
	Level          string          `json:"level"`
	MetricOrEvent  string          `json:"metric_or_event"`
	Observed       float64         `json:"observed"`
	Threshold      float64         `json:"threshold"`
	Reason         string          `json:"reason"`
	OriginEntryIDs []string        `json:"origin_entry_ids,omitempty"`
	Component      string          `json:"component,omitempty"`
	Timestamp      string          `json:"timestamp"`
	Cascade        []CascadeImpact `json:"cascade,omitempty"`
}

// FormatTimestamp renders a time in the wire format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp accepts any RFC 3339 timestamp, with or without fractional
// seconds.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "entry: invalid timestamp")
	}
	return t.UTC(), nil
}

// MarshalEntry renders the canonical JSON wire form of an entry.
func MarshalEntry(e *Entry) ([]byte, error) {
	w := wireEntry{
		ID:            e.ID,
		Kind:          string(e.Kind),
		Timestamp:     FormatTimestamp(e.Timestamp),
		Source:        e.Source,
		Component:     e.Component,
		Tags:          e.Tags,
		CorrelationID: e.CorrelationID,
		Raw:           e.Raw,
	}
	switch e.Kind {
	case KindLog:
		w.Level = e.Level.String()
		w.Message = e.Message
	case KindMetric:
		v := e.Value
		w.Value = &v
		w.MetricName = e.MetricName
		w.Unit = e.Unit
	}
	return json.Marshal(w)
}

// UnmarshalEntry decodes and re-validates an entry from its wire form.
// A producer-supplied id is preserved when present; the server clears it on
// the submit path so that ids are only ever assigned on ingest. A missing
// timestamp is stamped with the current time.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "entry: malformed json")
	}
	e := &Entry{
		ID:            w.ID,
		Source:        w.Source,
		Component:     w.Component,
		Kind:          Kind(w.Kind),
		Tags:          w.Tags,
		CorrelationID: w.CorrelationID,
		Raw:           w.Raw,
	}
	if w.Timestamp != "" {
		ts, err := ParseTimestamp(w.Timestamp)
		if err != nil {
			return nil, err
		}
		e.Timestamp = ts
	} else {
		e.Timestamp = time.Now().UTC()
	}
	switch e.Kind {
	case KindLog:
		e.Level = ParseLevel(w.Level)
		e.Message = w.Message
	case KindMetric:
		if w.Value == nil {
			return nil, ErrMissingValue
		}
		e.Value = *w.Value
		e.MetricName = w.MetricName
		e.Unit = w.Unit
	}
	if err := e.validateShape(); err != nil {
		return nil, err
	}
	return e, nil
}

// MarshalAlert renders the canonical JSON wire form of an alert.
func MarshalAlert(a *Alert) ([]byte, error) {
	return json.Marshal(wireAlert{
		ID:             a.ID,
		Kind:           "alert",
		Level:          a.Level.String(),
		MetricOrEvent:  a.MetricOrEvent,
		Observed:       a.Observed,
		Threshold:      a.Threshold,
		Reason:         a.Reason,
		OriginEntryIDs: a.OriginEntryIDs,
		Component:      a.Component,
		Timestamp:      FormatTimestamp(a.Timestamp),
		Cascade:        a.Cascade,
	})
}

// UnmarshalAlert decodes an alert from its wire form.
func UnmarshalAlert(data []byte) (*Alert, error) {
	var w wireAlert
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "entry: malformed alert json")
	}
	level, ok := ParseAlertLevel(w.Level)
	if !ok {
		return nil, errors.Errorf("entry: unknown alert level %q", w.Level)
	}
	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return nil, err
	}
	return &Alert{
		ID:             w.ID,
		Level:          level,
		MetricOrEvent:  w.MetricOrEvent,
		Observed:       w.Observed,
		Threshold:      w.Threshold,
		Reason:         w.Reason,
		OriginEntryIDs: w.OriginEntryIDs,
		Component:      w.Component,
		Timestamp:      ts,
		Cascade:        w.Cascade,
	}, nil
}
