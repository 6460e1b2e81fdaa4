// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package analyzer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowStats(t *testing.T) {
	w := newWindow(100, 0)
	now := time.Now()
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		w.Push(v, now)
	}
	assert.Equal(t, 8, w.Len())
	assert.InDelta(t, 5.0, w.Mean(), 1e-9)
	assert.InDelta(t, 2.0, w.StdDev(), 1e-9)
	assert.Equal(t, 2.0, w.Min())
	assert.Equal(t, 9.0, w.Max())
}

func TestWindowSizeEviction(t *testing.T) {
	w := newWindow(4, 0)
	now := time.Now()
	for i := 1; i <= 10; i++ {
		w.Push(float64(i), now)
	}
	// only 7..10 remain
	assert.Equal(t, 4, w.Len())
	assert.InDelta(t, 8.5, w.Mean(), 1e-9)
	assert.Equal(t, 7.0, w.Min())
	assert.Equal(t, 10.0, w.Max())
}

func TestWindowSpanEviction(t *testing.T) {
	w := newWindow(100, time.Minute)
	base := time.Now()
	w.Push(1, base)
	w.Push(2, base.Add(30*time.Second))
	w.Push(3, base.Add(80*time.Second))
	assert.Equal(t, 2, w.Len(), "the first sample aged out")
	assert.InDelta(t, 2.5, w.Mean(), 1e-9)
	assert.Equal(t, 2.0, w.Min())
}

func TestWindowZScore(t *testing.T) {
	w := newWindow(100, 0)
	now := time.Now()
	for i := 0; i < 30; i++ {
		w.Push(10+float64(i%3-1), now) // 9, 10, 11
	}
	assert.Less(t, w.ZScore(10), 0.5)
	assert.Greater(t, w.ZScore(100), 2.0)
}

func TestWindowZScoreDegenerate(t *testing.T) {
	w := newWindow(100, 0)
	now := time.Now()
	for i := 0; i < 10; i++ {
		w.Push(5, now)
	}
	assert.Equal(t, 0.0, w.ZScore(100), "constant window has no deviation to measure")
}

func TestP2Estimator(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	w := newWindow(10000, 0)
	now := time.Now()
	for i := 0; i < 10000; i++ {
		w.Push(rng.Float64()*100, now)
	}
	require.InDelta(t, 95.0, w.P95(), 2.0, "p95 of uniform [0,100)")
}

func TestP2EstimatorSmallStream(t *testing.T) {
	w := newWindow(10, 0)
	now := time.Now()
	w.Push(3, now)
	w.Push(1, now)
	w.Push(2, now)
	assert.Equal(t, 3.0, w.P95())
}
