// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package entry

import (
	"time"

	"github.com/google/uuid"
)

// Bound on the number of entry ids recorded on a single alert.
const maxOriginEntries = 32

// CascadeImpact describes one downstream component affected by an alert,
// derived from the external dependency map.
type CascadeImpact struct {
	Component string  `json:"component"`
	Depth     int     `json:"depth"`
	Impact    float64 `json:"impact"`
}

// Alert is derived data emitted by the analyzer when a detector fires.
// Alerts are persisted alongside entries and fanned out on a dedicated
// channel.
type Alert struct {
	ID             string
	Level          AlertLevel
	MetricOrEvent  string
	Observed       float64
	Threshold      float64
	Reason         string
	OriginEntryIDs []string
	Component      string
	Timestamp      time.Time
	Cascade        []CascadeImpact
}

// NewAlert builds an alert with a fresh id and the given generation time.
func NewAlert(level AlertLevel, metricOrEvent, component, reason string, observed, threshold float64, timestamp time.Time) *Alert {
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	return &Alert{
		ID:            uuid.New().String(),
		Level:         level,
		MetricOrEvent: metricOrEvent,
		Component:     component,
		Reason:        reason,
		Observed:      observed,
		Threshold:     threshold,
		Timestamp:     timestamp,
	}
}

// AddOrigin records an entry id that participated in the decision. The set is
// bounded; once full, further ids are dropped.
func (a *Alert) AddOrigin(entryID string) {
	if len(a.OriginEntryIDs) >= maxOriginEntries {
		return
	}
	a.OriginEntryIDs = append(a.OriginEntryIDs, entryID)
}
