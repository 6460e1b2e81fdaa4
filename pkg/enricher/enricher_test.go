// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package enricher

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/logstream/pkg/entry"
)

func runOne(t *testing.T, cfg Config, e *entry.Entry) *entry.Entry {
	t.Helper()
	in := make(chan *entry.Entry, 1)
	out := make(chan *entry.Entry, 1)
	enr := New(cfg, in, out)
	enr.Start()
	in <- e
	close(in)
	enr.Stop()
	enriched, ok := <-out
	require.True(t, ok)
	return enriched
}

func TestAddsProcessTags(t *testing.T) {
	e, err := entry.NewLog("app", "api", entry.LevelInfo, "hello", time.Time{})
	require.NoError(t, err)
	enriched := runOne(t, Config{Workers: 2, Hostname: "host-01", Environment: "prod"}, e)
	assert.Equal(t, "host-01", enriched.Tags["host"])
	assert.Equal(t, "prod", enriched.Tags["env"])
}

func TestKeepsProducerTags(t *testing.T) {
	e, err := entry.NewLog("app", "api", entry.LevelInfo, "hello", time.Time{})
	require.NoError(t, err)
	e.SetTag("host", "producer-host")
	enriched := runOne(t, Config{Workers: 1, Hostname: "host-01"}, e)
	assert.Equal(t, "producer-host", enriched.Tags["host"])
}

func TestDerivesCorrelationID(t *testing.T) {
	e, err := entry.NewLog("app", "api", entry.LevelInfo, "hello", time.Time{})
	require.NoError(t, err)
	e.SetTag("trace_id", "abc123")
	cfg := Config{Workers: 1, CorrelationTagKeys: []string{"trace_id", "request_id"}}
	enriched := runOne(t, cfg, e)
	assert.Equal(t, "abc123", enriched.CorrelationID)
}

func TestKeepsExistingCorrelationID(t *testing.T) {
	e, err := entry.NewLog("app", "api", entry.LevelInfo, "hello", time.Time{})
	require.NoError(t, err)
	e.CorrelationID = "original"
	e.SetTag("trace_id", "abc123")
	cfg := Config{Workers: 1, CorrelationTagKeys: []string{"trace_id"}}
	enriched := runOne(t, cfg, e)
	assert.Equal(t, "original", enriched.CorrelationID)
}

func TestTruncatesLongMessages(t *testing.T) {
	e, err := entry.NewLog("app", "api", entry.LevelInfo, strings.Repeat("x", 100), time.Time{})
	require.NoError(t, err)
	enriched := runOne(t, Config{Workers: 1, MaxMessageBytes: 10}, e)
	assert.Equal(t, strings.Repeat("x", 10)+TruncatedMarker, enriched.Message)
}

func TestTruncationRespectsRuneBoundaries(t *testing.T) {
	// two-byte runes, so a 5-byte cut lands mid-rune
	msg := strings.Repeat("é", 20)
	e, err := entry.NewLog("app", "api", entry.LevelInfo, msg, time.Time{})
	require.NoError(t, err)
	enriched := runOne(t, Config{Workers: 1, MaxMessageBytes: 5}, e)
	assert.True(t, utf8.ValidString(enriched.Message))
	assert.Equal(t, strings.Repeat("é", 2)+TruncatedMarker, enriched.Message,
		"the cut backs up to the previous rune boundary")
}

func TestFansOutToAllOutputs(t *testing.T) {
	in := make(chan *entry.Entry, 1)
	out1 := make(chan *entry.Entry, 1)
	out2 := make(chan *entry.Entry, 1)
	enr := New(Config{Workers: 1}, in, out1, out2)
	enr.Start()
	e, err := entry.NewLog("app", "api", entry.LevelInfo, "hello", time.Time{})
	require.NoError(t, err)
	in <- e
	close(in)
	enr.Stop()
	assert.Equal(t, e.ID, (<-out1).ID)
	assert.Equal(t, e.ID, (<-out2).ID)
	_, ok := <-out1
	assert.False(t, ok, "outputs close after drain")
}

func TestPerSourceOrderingAcrossWorkers(t *testing.T) {
	in := make(chan *entry.Entry, 100)
	out := make(chan *entry.Entry, 100)
	enr := New(Config{Workers: 4}, in, out)
	enr.Start()
	for i := 0; i < 50; i++ {
		e, err := entry.NewMetric("system", "host-01", "seq", float64(i), "", time.Time{})
		require.NoError(t, err)
		in <- e
	}
	close(in)
	enr.Stop()

	last := -1.0
	for e := range out {
		require.Greater(t, e.Value, last, "entries of one source stay ordered")
		last = e.Value
	}
	assert.Equal(t, 49.0, last)
}

func TestShardStability(t *testing.T) {
	for _, source := range []string{"system", "application", "docker", "database.redis"} {
		first := shardFor(source, 8)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, shardFor(source, 8), fmt.Sprintf("shard for %s must be stable", source))
		}
	}
}
