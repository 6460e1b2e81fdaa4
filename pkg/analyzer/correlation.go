// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package analyzer

import "math"

// maxCorrelationPairs bounds the tracked pair set so a burst of one-off
// metric names cannot grow the state quadratically.
const maxCorrelationPairs = 256

// pairStats holds the running Pearson sums for one ordered series pair.
// Each update is O(1); r is never recomputed from raw samples.
type pairStats struct {
	n                float64
	sx, sy           float64
	sxx, syy, sxy    float64
	lastSignificantR float64
	hasSignificant   bool
}

func (p *pairStats) add(x, y float64) {
	p.n++
	p.sx += x
	p.sy += y
	p.sxx += x * x
	p.syy += y * y
	p.sxy += x * y
}

func (p *pairStats) pearson() (float64, bool) {
	if p.n < 2 {
		return 0, false
	}
	cov := p.sxy - p.sx*p.sy/p.n
	vx := p.sxx - p.sx*p.sx/p.n
	vy := p.syy - p.sy*p.sy/p.n
	if vx <= 0 || vy <= 0 {
		return 0, false
	}
	return cov / math.Sqrt(vx*vy), true
}

// correlationShift describes a detected sign flip between two series.
type correlationShift struct {
	seriesA, seriesB string
	r, previous      float64
}

// correlationTracker maintains running Pearson coefficients between every
// pair of observed numeric series and reports sign flips of significant
// correlations.
type correlationTracker struct {
	minLen int
	limit  float64

	latest map[string]float64
	order  []string
	pairs  map[string]*pairStats
}

func newCorrelationTracker(minLen int, limit float64) *correlationTracker {
	if minLen <= 0 {
		minLen = 30
	}
	if limit <= 0 {
		limit = 0.7
	}
	return &correlationTracker{
		minLen: minLen,
		limit:  limit,
		latest: make(map[string]float64),
		pairs:  make(map[string]*pairStats),
	}
}

// observe records a sample of one series, pairing it with the latest value
// of every other tracked series, and returns any sign flips detected.
func (c *correlationTracker) observe(series string, value float64) []correlationShift {
	if _, known := c.latest[series]; !known {
		c.order = append(c.order, series)
	}
	c.latest[series] = value

	var shifts []correlationShift
	for _, other := range c.order {
		if other == series {
			continue
		}
		key := pairKey(series, other)
		ps, ok := c.pairs[key]
		if !ok {
			if len(c.pairs) >= maxCorrelationPairs {
				continue
			}
			ps = &pairStats{}
			c.pairs[key] = ps
		}
		// orient each pair consistently so both arrival orders feed the
		// same coordinate sums
		x, y := value, c.latest[other]
		if series > other {
			x, y = y, x
		}
		ps.add(x, y)
		if ps.n < float64(c.minLen) {
			continue
		}
		r, ok := ps.pearson()
		if !ok || math.Abs(r) <= c.limit {
			continue
		}
		if ps.hasSignificant && r*ps.lastSignificantR < 0 {
			a, b := series, other
			if a > b {
				a, b = b, a
			}
			shifts = append(shifts, correlationShift{seriesA: a, seriesB: b, r: r, previous: ps.lastSignificantR})
		}
		ps.lastSignificantR = r
		ps.hasSignificant = true
	}
	return shifts
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}
