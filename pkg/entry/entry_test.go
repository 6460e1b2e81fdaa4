// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package entry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLog(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123e6, time.UTC)
	e, err := NewLog("application", "api-gateway", LevelError, "Database connection timeout", ts)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, KindLog, e.Kind)
	assert.Equal(t, ts, e.Timestamp)

	_, err = NewLog("application", "api-gateway", LevelError, "", ts)
	assert.Equal(t, ErrMissingMessage, err)

	_, err = NewLog("", "api-gateway", LevelError, "boom", ts)
	assert.Equal(t, ErrMissingSource, err)
}

func TestNewMetric(t *testing.T) {
	e, err := NewMetric("system", "host-01", "cpu_percent", 87.5, "percent", time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, KindMetric, e.Kind)
	assert.False(t, e.Timestamp.IsZero())

	_, err = NewMetric("system", "host-01", "", 87.5, "percent", time.Time{})
	assert.Equal(t, ErrMissingMetricName, err)
}

func TestIDUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		e, err := NewMetric("system", "host-01", "cpu_percent", float64(i), "", time.Time{})
		require.NoError(t, err)
		_, dup := seen[e.ID]
		require.False(t, dup, "duplicate id %s", e.ID)
		seen[e.ID] = struct{}{}
	}
}

func TestValidateSkew(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	skew := 5 * time.Second

	e, err := NewLog("app", "api", LevelInfo, "hello", now.Add(skew))
	require.NoError(t, err)
	assert.NoError(t, e.Validate(now, skew), "timestamp at now+skew is accepted")

	e.Timestamp = now.Add(skew + time.Millisecond)
	assert.ErrorIs(t, e.Validate(now, skew), ErrTimestampSkew)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"INFO":     LevelInfo,
		"warning":  LevelWarn,
		"Err":      LevelError,
		"CRIT":     LevelFatal,
		"notice":   LevelInfo,
		"gibberis": LevelUnknown,
	} {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
	assert.True(t, LevelTrace < LevelDebug && LevelDebug < LevelInfo &&
		LevelInfo < LevelWarn && LevelWarn < LevelError && LevelError < LevelFatal)
}

func TestEntryRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123e6, time.UTC)
	e, err := NewLog("application", "api-gateway", LevelError, "Database connection timeout", ts)
	require.NoError(t, err)
	e.SetTag("request_id", "abc123")
	e.CorrelationID = "abc123"
	e.Raw = "original line..."

	data, err := MarshalEntry(e)
	require.NoError(t, err)

	decoded, err := UnmarshalEntry(data)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestMetricRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123e6, time.UTC)
	e, err := NewMetric("system", "host-01", "cpu_percent", 87.5, "percent", ts)
	require.NoError(t, err)
	e.SetTag("core", "0")

	data, err := MarshalEntry(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp":"2024-01-15T10:30:00.123Z"`)

	decoded, err := UnmarshalEntry(data)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestMetricZeroValueOnWire(t *testing.T) {
	// a value of 0 must survive the round trip even with omitempty semantics
	e, err := NewMetric("system", "host-01", "errors_total", 0, "", time.Time{})
	require.NoError(t, err)
	data, err := MarshalEntry(e)
	require.NoError(t, err)
	decoded, err := UnmarshalEntry(data)
	require.NoError(t, err)
	assert.Equal(t, 0.0, decoded.Value)
}

func TestUnmarshalEntryRejectsInvalid(t *testing.T) {
	_, err := UnmarshalEntry([]byte(`{"kind":"metric","source":"system","metric_name":"cpu"}`))
	assert.Equal(t, ErrMissingValue, err)

	_, err = UnmarshalEntry([]byte(`{"kind":"log","source":"app"}`))
	assert.Equal(t, ErrMissingMessage, err)

	_, err = UnmarshalEntry([]byte(`{"kind":"gauge","source":"app"}`))
	assert.Equal(t, ErrBadKind, err)

	_, err = UnmarshalEntry([]byte(`not json`))
	assert.Error(t, err)
}

func TestAlertRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123e6, time.UTC)
	a := NewAlert(AlertCritical, "cpu_percent", "host-01", "threshold_exceeded", 97.2, 90.0, ts)
	a.AddOrigin("some-entry-id")
	a.Cascade = []CascadeImpact{{Component: "api-gateway", Depth: 1, Impact: 1.0}}

	data, err := MarshalAlert(a)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"alert"`)

	decoded, err := UnmarshalAlert(data)
	require.NoError(t, err)
	assert.Equal(t, a, decoded)
}

func TestAddOriginBounded(t *testing.T) {
	a := NewAlert(AlertWarning, "x", "c", "r", 0, 0, time.Time{})
	for i := 0; i < maxOriginEntries*2; i++ {
		a.AddOrigin("id")
	}
	assert.Len(t, a.OriginEntryIDs, maxOriginEntries)
}

func TestSeriesKey(t *testing.T) {
	m, _ := NewMetric("system", "host-01", "cpu_percent", 1, "", time.Time{})
	assert.Equal(t, "cpu_percent|host-01", m.SeriesKey())
	l, _ := NewLog("app", "api", LevelInfo, "m", time.Time{})
	assert.Equal(t, "app|api", l.SeriesKey())
}

func TestClone(t *testing.T) {
	e, _ := NewLog("app", "api", LevelInfo, "m", time.Time{})
	e.SetTag("a", "1")
	c := e.Clone()
	c.SetTag("b", "2")
	assert.NotContains(t, e.Tags, "b")
}
