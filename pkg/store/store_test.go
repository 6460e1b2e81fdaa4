// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/logstream/pkg/entry"
)

var baseTime = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{BatchSize: 4, BatchWait: 2 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func logAt(t *testing.T, source, component string, level entry.Level, msg string, offset time.Duration) *entry.Entry {
	t.Helper()
	e, err := entry.NewLog(source, component, level, msg, baseTime.Add(offset))
	require.NoError(t, err)
	return e
}

func metricAt(t *testing.T, name string, value float64, offset time.Duration) *entry.Entry {
	t.Helper()
	e, err := entry.NewMetric("system", "host-01", name, value, "percent", baseTime.Add(offset))
	require.NoError(t, err)
	return e
}

func TestAppendAndQueryOrdered(t *testing.T) {
	s := newTestStore(t)
	// insert out of timestamp order
	require.NoError(t, s.Append([]*entry.Entry{
		logAt(t, "app", "api", entry.LevelInfo, "second", 2*time.Second),
		logAt(t, "app", "api", entry.LevelInfo, "first", time.Second),
		logAt(t, "app", "api", entry.LevelInfo, "third", 3*time.Second),
	}))

	res, err := s.Query(Query{Start: baseTime, End: baseTime.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, "first", res.Entries[0].Message)
	assert.Equal(t, "second", res.Entries[1].Message)
	assert.Equal(t, "third", res.Entries[2].Message)
	assert.Empty(t, res.NextContinuation)
}

func TestQueryTimeRangeInclusive(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]*entry.Entry{
		logAt(t, "app", "api", entry.LevelInfo, "before", -time.Second),
		logAt(t, "app", "api", entry.LevelInfo, "boundary", 0),
		logAt(t, "app", "api", entry.LevelInfo, "after", 61*time.Second),
	}))

	res, err := s.Query(Query{Start: baseTime, End: baseTime.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "boundary", res.Entries[0].Message)
}

func TestInsertionOrderTieBreak(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]*entry.Entry{
		logAt(t, "app", "api", entry.LevelInfo, "a", time.Second),
		logAt(t, "app", "api", entry.LevelInfo, "b", time.Second),
		logAt(t, "app", "api", entry.LevelInfo, "c", time.Second),
	}))
	res, err := s.Query(Query{Start: baseTime})
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, "a", res.Entries[0].Message)
	assert.Equal(t, "c", res.Entries[2].Message)
}

func TestQueryDescending(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]*entry.Entry{
		logAt(t, "app", "api", entry.LevelInfo, "first", time.Second),
		logAt(t, "app", "api", entry.LevelInfo, "second", 2*time.Second),
	}))
	res, err := s.Query(Query{Start: baseTime, Descending: true})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "second", res.Entries[0].Message)
	assert.Equal(t, "first", res.Entries[1].Message)
}

func TestQueryPagination(t *testing.T) {
	s := newTestStore(t)
	var batch []*entry.Entry
	for i := 0; i < 10; i++ {
		batch = append(batch, logAt(t, "app", "api", entry.LevelInfo, "msg", time.Duration(i)*time.Second))
	}
	require.NoError(t, s.Append(batch))

	var got []*entry.Entry
	token := ""
	pages := 0
	for {
		res, err := s.Query(Query{Start: baseTime, Limit: 3, Continuation: token})
		require.NoError(t, err)
		got = append(got, res.Entries...)
		pages++
		if res.NextContinuation == "" {
			break
		}
		token = res.NextContinuation
	}
	assert.Len(t, got, 10)
	assert.GreaterOrEqual(t, pages, 4)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
	}
}

func TestQueryBadContinuation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Query(Query{Continuation: "not-base64!"})
	assert.ErrorIs(t, err, ErrBadContinuation)
}

func TestQuerySourceFilterUsesIndex(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]*entry.Entry{
		logAt(t, "app", "api", entry.LevelInfo, "keep", time.Second),
		logAt(t, "system", "host-01", entry.LevelInfo, "drop", time.Second),
		logAt(t, "app", "worker", entry.LevelInfo, "keep too", 2*time.Second),
	}))
	res, err := s.Query(Query{Start: baseTime, Filter: Filter{Sources: []string{"app"}}})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "keep", res.Entries[0].Message)
	assert.Equal(t, "keep too", res.Entries[1].Message)
}

func TestQueryMetricNameFilter(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]*entry.Entry{
		metricAt(t, "cpu.usage", 42, time.Second),
		metricAt(t, "memory.usage", 80, time.Second),
		logAt(t, "app", "api", entry.LevelInfo, "noise", time.Second),
	}))
	res, err := s.Query(Query{Start: baseTime, Filter: Filter{MetricNames: []string{"cpu.usage"}}})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, 42.0, res.Entries[0].Value)
}

func TestLevelFloorSkipsMetrics(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]*entry.Entry{
		logAt(t, "app", "api", entry.LevelDebug, "too low", time.Second),
		logAt(t, "app", "api", entry.LevelError, "kept", time.Second),
		metricAt(t, "cpu.usage", 42, time.Second),
	}))
	min := entry.LevelWarn
	res, err := s.Query(Query{Start: baseTime, Filter: Filter{LevelMin: &min}})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2, "metrics bypass the level floor")
}

func TestQueryTagAndTextFilters(t *testing.T) {
	s := newTestStore(t)
	tagged := logAt(t, "app", "api", entry.LevelInfo, "payment declined", time.Second)
	tagged.SetTag("env", "prod")
	other := logAt(t, "app", "api", entry.LevelInfo, "payment accepted", time.Second)
	other.SetTag("env", "staging")
	require.NoError(t, s.Append([]*entry.Entry{tagged, other}))

	res, err := s.Query(Query{Start: baseTime, Filter: Filter{Tags: map[string]string{"env": "prod"}}})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "payment declined", res.Entries[0].Message)

	res, err = s.Query(Query{Start: baseTime, Filter: Filter{TextContains: "accepted"}})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "payment accepted", res.Entries[0].Message)
}

func TestAppendAlertsAndQuery(t *testing.T) {
	s := newTestStore(t)
	a := entry.NewAlert(entry.AlertCritical, "cpu.usage", "host-01", "threshold exceeded", 99, 90, baseTime.Add(time.Second))
	b := entry.NewAlert(entry.AlertWarning, "memory.usage", "host-02", "threshold exceeded", 75, 70, baseTime.Add(2*time.Second))
	require.NoError(t, s.AppendAlerts([]*entry.Alert{a, b}))

	res, err := s.QueryAlerts(Query{Start: baseTime})
	require.NoError(t, err)
	require.Len(t, res.Alerts, 2)
	assert.Equal(t, "cpu.usage", res.Alerts[0].MetricOrEvent)

	res, err = s.QueryAlerts(Query{Start: baseTime, Filter: Filter{Components: []string{"host-02"}}})
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, "memory.usage", res.Alerts[0].MetricOrEvent)
}

func TestThresholdSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadThresholds()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, s.SaveThresholds([]byte(`{"cpu.usage":92.5}`)))
	loaded, err = s.LoadThresholds()
	require.NoError(t, err)
	assert.Equal(t, `{"cpu.usage":92.5}`, string(loaded))
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append([]*entry.Entry{
		logAt(t, "old", "api", entry.LevelInfo, "stale", -48*time.Hour),
		logAt(t, "app", "api", entry.LevelInfo, "fresh", time.Second),
	}))
	require.NoError(t, s.AppendAlerts([]*entry.Alert{
		entry.NewAlert(entry.AlertWarning, "cpu.usage", "host-01", "old alert", 75, 70, baseTime.Add(-48*time.Hour)),
	}))

	n, err := s.Prune(baseTime.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := s.Query(Query{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "fresh", res.Entries[0].Message)

	// the index scan path must not resurrect pruned records
	res, err = s.Query(Query{Filter: Filter{Sources: []string{"old"}}})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)

	alerts, err := s.QueryAlerts(Query{})
	require.NoError(t, err)
	assert.Empty(t, alerts.Alerts)
}

func TestAppendAfterClose(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	err := s.Append([]*entry.Entry{logAt(t, "app", "api", entry.LevelInfo, "late", 0)})
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.ErrorIs(t, we.Err, ErrClosed)
	assert.Len(t, we.Entries, 1)
}

func TestConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	done := make(chan error, 8)
	for g := 0; g < 8; g++ {
		go func(g int) {
			var batch []*entry.Entry
			for i := 0; i < 20; i++ {
				e, err := entry.NewLog("app", "api", entry.LevelInfo, "m", baseTime.Add(time.Duration(g*100+i)*time.Millisecond))
				if err != nil {
					done <- err
					return
				}
				batch = append(batch, e)
			}
			done <- s.Append(batch)
		}(g)
	}
	for g := 0; g < 8; g++ {
		require.NoError(t, <-done)
	}
	res, err := s.Query(Query{Start: baseTime})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 160)
}
