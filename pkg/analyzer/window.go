// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package analyzer

import (
	"math"
	"sort"
	"time"
)

// sample is one observation inside a window.
type sample struct {
	value float64
	at    time.Time
}

// window holds the sliding statistics for one series. It is bounded both by
// sample count and by age. Mean and variance follow the Welford recurrence,
// with the reverse recurrence applied on eviction, so a push is O(1).
type window struct {
	size int
	span time.Duration

	samples []sample
	head    int
	count   int

	mean float64
	m2   float64
	min  float64
	max  float64

	p95 p2Estimator
}

func newWindow(size int, span time.Duration) *window {
	if size <= 0 {
		size = 1000
	}
	return &window{
		size:    size,
		span:    span,
		samples: make([]sample, size),
		p95:     newP2Estimator(0.95),
	}
}

// Push records a sample, evicting anything that is over capacity or older
// than the span.
func (w *window) Push(v float64, at time.Time) {
	w.expire(at)
	if w.count == w.size {
		w.evictOldest()
	}
	w.samples[(w.head+w.count)%w.size] = sample{value: v, at: at}
	w.count++

	// Welford update
	delta := v - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (v - w.mean)

	if w.count == 1 || v < w.min {
		w.min = v
	}
	if w.count == 1 || v > w.max {
		w.max = v
	}
	w.p95.Add(v)
}

func (w *window) expire(now time.Time) {
	if w.span <= 0 {
		return
	}
	cutoff := now.Add(-w.span)
	for w.count > 0 && w.samples[w.head].at.Before(cutoff) {
		w.evictOldest()
	}
}

func (w *window) evictOldest() {
	v := w.samples[w.head].value
	w.head = (w.head + 1) % w.size
	w.count--

	// reverse Welford
	if w.count == 0 {
		w.mean, w.m2 = 0, 0
	} else {
		oldMean := w.mean
		w.mean = (oldMean*float64(w.count+1) - v) / float64(w.count)
		w.m2 -= (v - oldMean) * (v - w.mean)
		if w.m2 < 0 {
			w.m2 = 0
		}
	}

	if v == w.min || v == w.max {
		w.rescanBounds()
	}
}

// rescanBounds recomputes min/max after the current extreme left the window.
func (w *window) rescanBounds() {
	if w.count == 0 {
		w.min, w.max = 0, 0
		return
	}
	w.min = math.Inf(1)
	w.max = math.Inf(-1)
	for i := 0; i < w.count; i++ {
		v := w.samples[(w.head+i)%w.size].value
		if v < w.min {
			w.min = v
		}
		if v > w.max {
			w.max = v
		}
	}
}

func (w *window) Len() int      { return w.count }
func (w *window) Mean() float64 { return w.mean }
func (w *window) Min() float64  { return w.min }
func (w *window) Max() float64  { return w.max }

// StdDev is the population standard deviation of the live samples.
func (w *window) StdDev() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count))
}

// P95 is the streaming 95th-percentile estimate. It covers the sample stream,
// not just the live window.
func (w *window) P95() float64 { return w.p95.Value() }

// ZScore returns how many standard deviations v sits from the window mean,
// or 0 while the deviation is degenerate.
func (w *window) ZScore(v float64) float64 {
	sd := w.StdDev()
	if sd == 0 {
		return 0
	}
	return math.Abs(v-w.mean) / sd
}

// p2Estimator is the P² streaming quantile estimator (Jain & Chlamtac 1985).
// Five markers track the target quantile without retaining samples.
type p2Estimator struct {
	q       float64
	heights [5]float64
	pos     [5]float64
	desired [5]float64
	incr    [5]float64
	n       int
}

func newP2Estimator(q float64) p2Estimator {
	return p2Estimator{
		q:       q,
		desired: [5]float64{1, 1 + 2*q, 1 + 4*q, 3 + 2*q, 5},
		incr:    [5]float64{0, q / 2, q, (1 + q) / 2, 1},
		pos:     [5]float64{1, 2, 3, 4, 5},
	}
}

func (p *p2Estimator) Add(v float64) {
	if p.n < 5 {
		p.heights[p.n] = v
		p.n++
		if p.n == 5 {
			sort.Float64s(p.heights[:])
		}
		return
	}

	var k int
	switch {
	case v < p.heights[0]:
		p.heights[0] = v
		k = 0
	case v >= p.heights[4]:
		p.heights[4] = v
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if v < p.heights[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		p.pos[i]++
	}
	for i := range p.desired {
		p.desired[i] += p.incr[i]
	}

	for i := 1; i < 4; i++ {
		d := p.desired[i] - p.pos[i]
		if (d >= 1 && p.pos[i+1]-p.pos[i] > 1) || (d <= -1 && p.pos[i-1]-p.pos[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			h := p.parabolic(i, sign)
			if p.heights[i-1] < h && h < p.heights[i+1] {
				p.heights[i] = h
			} else {
				p.heights[i] = p.linear(i, sign)
			}
			p.pos[i] += sign
		}
	}
	p.n++
}

func (p *p2Estimator) parabolic(i int, d float64) float64 {
	return p.heights[i] + d/(p.pos[i+1]-p.pos[i-1])*
		((p.pos[i]-p.pos[i-1]+d)*(p.heights[i+1]-p.heights[i])/(p.pos[i+1]-p.pos[i])+
			(p.pos[i+1]-p.pos[i]-d)*(p.heights[i]-p.heights[i-1])/(p.pos[i]-p.pos[i-1]))
}

func (p *p2Estimator) linear(i int, d float64) float64 {
	j := i + int(d)
	return p.heights[i] + d*(p.heights[j]-p.heights[i])/(p.pos[j]-p.pos[i])
}

// Value returns the current estimate. Before five samples it falls back to
// the exact quantile of what was seen.
func (p *p2Estimator) Value() float64 {
	if p.n == 0 {
		return 0
	}
	if p.n < 5 {
		sorted := append([]float64(nil), p.heights[:p.n]...)
		sort.Float64s(sorted)
		idx := int(math.Ceil(p.q*float64(p.n))) - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	}
	return p.heights[2]
}
