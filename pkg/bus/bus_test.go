// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/logstream/pkg/config"
	"github.com/DataDog/logstream/pkg/entry"
)

func testEntry(t *testing.T, i int) *entry.Entry {
	t.Helper()
	e, err := entry.NewMetric("system", "host-01", "cpu_percent", float64(i), "", time.Time{})
	require.NoError(t, err)
	return e
}

func TestPublishAndConsume(t *testing.T) {
	b := New(10, config.OverflowDropNew, 0, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(testEntry(t, i)))
	}
	assert.Equal(t, 5, b.Len())
	for i := 0; i < 5; i++ {
		e := <-b.Chan()
		assert.Equal(t, float64(i), e.Value)
	}
}

func TestDropNew(t *testing.T) {
	b := New(2, config.OverflowDropNew, 0, nil)
	require.NoError(t, b.Publish(testEntry(t, 0)))
	require.NoError(t, b.Publish(testEntry(t, 1)))
	err := b.Publish(testEntry(t, 2))
	assert.ErrorIs(t, err, ErrDropped)
	assert.Equal(t, int64(1), b.Dropped())
	// the queued entries are untouched
	assert.Equal(t, float64(0), (<-b.Chan()).Value)
}

func TestDropOldest(t *testing.T) {
	b := New(2, config.OverflowDropOldest, 0, nil)
	require.NoError(t, b.Publish(testEntry(t, 0)))
	require.NoError(t, b.Publish(testEntry(t, 1)))
	require.NoError(t, b.Publish(testEntry(t, 2)))
	assert.GreaterOrEqual(t, b.Dropped(), int64(1))
	// entry 0 was evicted
	assert.Equal(t, float64(1), (<-b.Chan()).Value)
}

func TestBlockThenDropOldest(t *testing.T) {
	b := New(1, config.OverflowBlock, 10*time.Millisecond, nil)
	require.NoError(t, b.Publish(testEntry(t, 0)))

	start := time.Now()
	require.NoError(t, b.Publish(testEntry(t, 1)))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, int64(1), b.Dropped())
}

func TestBlockUnblocksOnConsume(t *testing.T) {
	b := New(1, config.OverflowBlock, time.Second, nil)
	require.NoError(t, b.Publish(testEntry(t, 0)))

	done := make(chan struct{})
	go func() {
		require.NoError(t, b.Publish(testEntry(t, 1)))
		close(done)
	}()

	<-b.Chan()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not unblock after consume")
	}
	assert.Equal(t, int64(0), b.Dropped())
}

func TestInternalDropReport(t *testing.T) {
	b := New(4, config.OverflowDropNew, 0, nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(testEntry(t, i)))
	}
	require.Error(t, b.Publish(testEntry(t, 9))) // overflow while full, only counted

	// drain some room; the next accepted publish piggybacks the report
	<-b.Chan()
	<-b.Chan()
	require.NoError(t, b.Publish(testEntry(t, 5)))

	var sawInternal bool
	for b.Len() > 0 {
		e := <-b.Chan()
		if e.Source == internalSource {
			sawInternal = true
			assert.Equal(t, "bus_dropped_count", e.MetricName)
			assert.GreaterOrEqual(t, e.Value, 1.0)
		}
	}
	assert.True(t, sawInternal, "expected an internal dropped_count entry")
}

func TestCloseRejectsPublish(t *testing.T) {
	b := New(2, config.OverflowDropNew, 0, nil)
	require.NoError(t, b.Publish(testEntry(t, 0)))
	b.Close()
	assert.ErrorIs(t, b.Publish(testEntry(t, 1)), ErrShuttingDown)

	// queued entries drain, then the channel closes
	_, ok := <-b.Chan()
	assert.True(t, ok)
	_, ok = <-b.Chan()
	assert.False(t, ok)
}
