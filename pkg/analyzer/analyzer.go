// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package analyzer is the online analytics stage. It consumes enriched
// entries, maintains sliding-window statistics per series, checks adaptive
// thresholds and z-score anomalies, tracks message patterns and cross-series
// correlations, and emits deduplicated alerts annotated with cascade context.
package analyzer

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/telemetry"
	"github.com/DataDog/logstream/pkg/util/log"
)

// defaultLogBase is the level threshold applied to log series with no
// configured base: error warns, fatal is critical.
var defaultLogBase = baseThreshold{
	warning:  float64(entry.LevelError),
	critical: float64(entry.LevelFatal),
}

// Config carries the detector tunables.
type Config struct {
	AnomalySigma      float64
	AnomalyMinSamples int
	WindowSize        int
	WindowSpan        time.Duration
	LearningRate      float64
	ThresholdEvery    int
	PatternRecurrence int
	AlertCooldown     time.Duration
	CorrelationMinLen int
	CorrelationLimit  float64
	ShedHighWater     int
	ShedKeepOneIn     int
	SnapshotEvery     time.Duration

	// BaseThresholds keys are series keys (metric_name|component).
	BaseThresholds map[string]BasePair

	Clock clock.Clock
}

// BasePair is a configured base warning/critical pair.
type BasePair struct {
	Warning  float64
	Critical float64
}

func (c *Config) withDefaults() {
	if c.AnomalySigma <= 0 {
		c.AnomalySigma = 2.0
	}
	if c.AnomalyMinSamples <= 0 {
		c.AnomalyMinSamples = 10
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 1000
	}
	if c.WindowSpan <= 0 {
		c.WindowSpan = 10 * time.Minute
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.1
	}
	if c.ShedKeepOneIn <= 0 {
		c.ShedKeepOneIn = 10
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// SnapshotStore persists the adaptive-threshold state across restarts.
type SnapshotStore interface {
	SaveThresholds(snapshot []byte) error
	LoadThresholds() ([]byte, error)
}

// Analyzer runs the detection loop. Every entry is checked for threshold and
// anomaly conditions; pattern and correlation tracking may be sampled under
// load. All state is confined to the loop goroutine.
type Analyzer struct {
	cfg       Config
	input     <-chan *entry.Entry
	alerts    chan<- *entry.Alert
	snapshots SnapshotStore
	deps      *DependencyMap

	windows      map[string]*window
	thresholds   *thresholdSet
	patterns     *patternTracker
	correlations *correlationTracker
	cooldown     *cooldown

	shedTick int

	wg sync.WaitGroup
}

// New builds an analyzer reading from input and emitting on alerts. The
// snapshot store and dependency map may be nil.
func New(cfg Config, input <-chan *entry.Entry, alerts chan<- *entry.Alert, snapshots SnapshotStore, deps *DependencyMap) *Analyzer {
	cfg.withDefaults()
	bases := make(map[string]baseThreshold, len(cfg.BaseThresholds))
	for key, pair := range cfg.BaseThresholds {
		bases[key] = baseThreshold{warning: pair.Warning, critical: pair.Critical}
	}
	return &Analyzer{
		cfg:          cfg,
		input:        input,
		alerts:       alerts,
		snapshots:    snapshots,
		deps:         deps,
		windows:      make(map[string]*window),
		thresholds:   newThresholdSet(cfg.LearningRate, cfg.ThresholdEvery, bases),
		patterns:     newPatternTracker(cfg.PatternRecurrence, cfg.WindowSpan),
		correlations: newCorrelationTracker(cfg.CorrelationMinLen, cfg.CorrelationLimit),
		cooldown:     newCooldown(cfg.AlertCooldown),
	}
}

// Start restores the threshold snapshot and launches the loop.
func (a *Analyzer) Start() {
	if a.snapshots != nil {
		if data, err := a.snapshots.LoadThresholds(); err != nil {
			log.Warnf("analyzer: cannot load threshold snapshot: %v", err)
		} else if data != nil {
			if err := a.thresholds.restore(data); err != nil {
				log.Warnf("analyzer: discarding threshold snapshot: %v", err)
			} else {
				log.Debugf("analyzer: restored thresholds for %d series", len(a.thresholds.series))
			}
		}
	}
	a.wg.Add(1)
	go a.run()
}

// Stop waits for the input channel to drain, then closes the alert channel.
// The caller must close the input first.
func (a *Analyzer) Stop() {
	a.wg.Wait()
	if a.deps != nil {
		a.deps.Close()
	}
	close(a.alerts)
}

func (a *Analyzer) run() {
	defer a.wg.Done()
	ticker := a.cfg.Clock.Ticker(a.cfg.SnapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-a.input:
			if !ok {
				a.saveSnapshot()
				return
			}
			a.process(e)
		case <-ticker.C:
			a.saveSnapshot()
		}
	}
}

func (a *Analyzer) saveSnapshot() {
	if a.snapshots == nil {
		return
	}
	data, err := a.thresholds.snapshot()
	if err != nil {
		log.Errorf("analyzer: cannot serialize thresholds: %v", err)
		return
	}
	if err := a.snapshots.SaveThresholds(data); err != nil {
		log.Errorf("analyzer: cannot save threshold snapshot: %v", err)
	}
}

func (a *Analyzer) process(e *entry.Entry) {
	key := e.SeriesKey()
	w, ok := a.windows[key]
	if !ok {
		w = newWindow(a.cfg.WindowSize, a.cfg.WindowSpan)
		a.windows[key] = w
	}

	value := e.Value
	fallback := (*baseThreshold)(nil)
	if e.Kind == entry.KindLog {
		value = float64(e.Level)
		fallback = &defaultLogBase
	}

	// threshold and anomaly run on every entry, shed or not
	a.checkAnomaly(e, key, w, value)
	w.Push(value, e.Timestamp)
	a.checkThreshold(e, key, w, value, fallback)

	if a.shed() {
		telemetry.AnalyzerSampled.Inc()
		telemetry.AnalyzerShedVar.Add(1)
		return
	}
	if e.Kind == entry.KindLog {
		a.trackPattern(e)
	} else {
		a.trackCorrelation(e, key, value)
	}
}

// shed reports whether the statistical detectors should be skipped for this
// entry. Above the high-water mark only one entry in K is kept.
func (a *Analyzer) shed() bool {
	if a.cfg.ShedHighWater <= 0 || len(a.input) < a.cfg.ShedHighWater {
		return false
	}
	a.shedTick++
	return a.shedTick%a.cfg.ShedKeepOneIn != 0
}

func (a *Analyzer) checkThreshold(e *entry.Entry, key string, w *window, value float64, fallback *baseThreshold) {
	st := a.thresholds.observe(key, w, fallback)
	if st == nil {
		return
	}
	var (
		level     entry.AlertLevel
		threshold float64
	)
	switch {
	case value >= st.Critical:
		level, threshold = entry.AlertCritical, st.Critical
	case value >= st.Warning:
		level, threshold = entry.AlertWarning, st.Warning
	default:
		return
	}
	what := e.MetricName
	if e.Kind == entry.KindLog {
		what = e.Source
	}
	alert := entry.NewAlert(level, what, e.Component,
		fmt.Sprintf("threshold: %s at %.4g crossed adaptive %s bound %.4g", what, value, level, threshold),
		value, threshold, e.Timestamp)
	alert.AddOrigin(e.ID)
	a.emit("threshold|"+key, "threshold", alert)
}

func (a *Analyzer) checkAnomaly(e *entry.Entry, key string, w *window, value float64) {
	if e.Kind != entry.KindMetric || w.Len() < a.cfg.AnomalyMinSamples {
		return
	}
	z := w.ZScore(value)
	if z <= a.cfg.AnomalySigma {
		return
	}
	alert := entry.NewAlert(entry.AlertWarning, e.MetricName, e.Component,
		fmt.Sprintf("anomaly: %s at %.4g deviates %.2f sigma from mean %.4g", e.MetricName, value, z, w.Mean()),
		value, w.Mean(), e.Timestamp)
	alert.AddOrigin(e.ID)
	a.emit("anomaly|"+key, "anomaly", alert)
}

func (a *Analyzer) trackPattern(e *entry.Entry) {
	v := a.patterns.track(e, e.Timestamp)
	if v.isNew {
		alert := entry.NewAlert(entry.AlertWarning, "log_pattern", e.Component,
			fmt.Sprintf("new pattern: %q", v.key),
			1, 0, e.Timestamp)
		alert.AddOrigin(e.ID)
		a.emit("pattern|"+v.key, "new_pattern", alert)
	}
	if v.recurring {
		alert := entry.NewAlert(entry.AlertCritical, "log_pattern", e.Component,
			fmt.Sprintf("recurring error: %q seen %d times", v.key, v.count),
			float64(v.count), float64(a.patterns.recurrence), e.Timestamp)
		alert.AddOrigin(e.ID)
		a.emit("recurring|"+v.key, "recurring_error", alert)
	}
}

func (a *Analyzer) trackCorrelation(e *entry.Entry, key string, value float64) {
	for _, shift := range a.correlations.observe(key, value) {
		alert := entry.NewAlert(entry.AlertWarning, "correlation", e.Component,
			fmt.Sprintf("correlation shift: %s vs %s flipped from r=%.2f to r=%.2f",
				shift.seriesA, shift.seriesB, shift.previous, shift.r),
			shift.r, shift.previous, e.Timestamp)
		alert.AddOrigin(e.ID)
		a.emit("correlation|"+pairKey(shift.seriesA, shift.seriesB), "correlation_shift", alert)
	}
}

func (a *Analyzer) emit(dedupKey, kind string, alert *entry.Alert) {
	if !a.cooldown.admit(dedupKey, alert) {
		return
	}
	if a.deps != nil {
		a.deps.Annotate(alert)
	}
	telemetry.AlertsEmitted.WithLabelValues(kind).Inc()
	telemetry.AlertsEmittedVar.Add(1)
	a.alerts <- alert
}
