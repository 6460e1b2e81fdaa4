// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package analyzer

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var thresholdJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// seriesThreshold carries the configured base pair and the current adaptive
// pair for one series.
type seriesThreshold struct {
	BaseWarning  float64 `json:"base_warning"`
	BaseCritical float64 `json:"base_critical"`
	Warning      float64 `json:"warning"`
	Critical     float64 `json:"critical"`

	seen int
}

// thresholdSet tracks the adaptive thresholds of every known series.
// Adaptive values blend the configured base with recent window statistics
// and are clamped to [0.5*base, 2*base].
type thresholdSet struct {
	alpha  float64
	every  int
	series map[string]*seriesThreshold
	// bases are looked up by series key when a series is first seen
	bases map[string]baseThreshold
}

type baseThreshold struct {
	warning  float64
	critical float64
}

func newThresholdSet(alpha float64, every int, bases map[string]baseThreshold) *thresholdSet {
	if every <= 0 {
		every = 50
	}
	return &thresholdSet{
		alpha:  alpha,
		every:  every,
		series: make(map[string]*seriesThreshold),
		bases:  bases,
	}
}

// get returns the threshold state for the series. When no base is configured
// the fallback applies; with neither, the series has no threshold check.
func (t *thresholdSet) get(key string, fallback *baseThreshold) *seriesThreshold {
	if st, ok := t.series[key]; ok {
		return st
	}
	base, ok := t.bases[key]
	if !ok {
		if fallback == nil {
			return nil
		}
		base = *fallback
	}
	st := &seriesThreshold{
		BaseWarning:  base.warning,
		BaseCritical: base.critical,
		Warning:      base.warning,
		Critical:     base.critical,
	}
	t.series[key] = st
	return st
}

// observe counts a sample of the series and reblends the adaptive pair every
// Nth sample from the window statistics.
func (t *thresholdSet) observe(key string, w *window, fallback *baseThreshold) *seriesThreshold {
	st := t.get(key, fallback)
	if st == nil {
		return nil
	}
	st.seen++
	if st.seen%t.every != 0 {
		return st
	}
	mean, sd := w.Mean(), w.StdDev()
	st.Warning = clamp((1-t.alpha)*st.BaseWarning+t.alpha*(mean+2*sd), st.BaseWarning)
	st.Critical = clamp((1-t.alpha)*st.BaseCritical+t.alpha*(mean+3*sd), st.BaseCritical)
	return st
}

func clamp(v, base float64) float64 {
	lo, hi := base*0.5, base*2.0
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// snapshot serializes the per-series adaptive state for persistence.
func (t *thresholdSet) snapshot() ([]byte, error) {
	return thresholdJSON.Marshal(t.series)
}

// restore merges a saved snapshot back in, re-clamping every restored pair
// against the active bases.
func (t *thresholdSet) restore(data []byte) error {
	saved := make(map[string]*seriesThreshold)
	if err := thresholdJSON.Unmarshal(data, &saved); err != nil {
		return errors.Wrap(err, "analyzer: corrupt threshold snapshot")
	}
	for key, st := range saved {
		// a reconfigured base wins over the snapshot's recorded one
		if base, ok := t.bases[key]; ok {
			st.BaseWarning = base.warning
			st.BaseCritical = base.critical
		}
		st.Warning = clamp(st.Warning, st.BaseWarning)
		st.Critical = clamp(st.Critical, st.BaseCritical)
		t.series[key] = st
	}
	return nil
}
