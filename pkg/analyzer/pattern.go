// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package analyzer

import (
	"regexp"
	"time"

	"github.com/DataDog/logstream/pkg/entry"
)

// Volatile-token normalization, applied in order. Timestamps and structured
// tokens go first so their digits are not shredded by the digit rule.
var (
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	urlRe       = regexp.MustCompile(`https?://[^\s"']+`)
	ipv4Re      = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	pathRe      = regexp.MustCompile(`(?:^|\s)(/[\w.\-]+(?:/[\w.\-]+)+)`)
	digitsRe    = regexp.MustCompile(`\d+`)
)

// normalizeMessage collapses volatile tokens so that messages differing only
// in ids, addresses or timings share one pattern key.
func normalizeMessage(msg string) string {
	msg = timestampRe.ReplaceAllString(msg, "T")
	msg = urlRe.ReplaceAllString(msg, "URL")
	msg = ipv4Re.ReplaceAllString(msg, "IP")
	msg = pathRe.ReplaceAllString(msg, " PATH")
	msg = digitsRe.ReplaceAllString(msg, "N")
	return msg
}

type patternState struct {
	count       int
	errorLevel  bool
	windowStart time.Time
	recurred    bool
}

// patternTracker keeps the frequency table of normalized log messages and
// decides when a pattern is new or a recurring error.
type patternTracker struct {
	recurrence int
	span       time.Duration
	patterns   map[string]*patternState
}

func newPatternTracker(recurrence int, span time.Duration) *patternTracker {
	if recurrence <= 0 {
		recurrence = 3
	}
	if span <= 0 {
		span = 10 * time.Minute
	}
	return &patternTracker{
		recurrence: recurrence,
		span:       span,
		patterns:   make(map[string]*patternState),
	}
}

// patternVerdict reports what a tracked message triggered.
type patternVerdict struct {
	key       string
	isNew     bool
	recurring bool
	count     int
}

// track records one log message and returns the verdict for it.
func (p *patternTracker) track(e *entry.Entry, now time.Time) patternVerdict {
	key := normalizeMessage(e.Message)
	st, ok := p.patterns[key]
	if !ok {
		p.patterns[key] = &patternState{
			count:       1,
			errorLevel:  e.Level >= entry.LevelError,
			windowStart: now,
		}
		return patternVerdict{key: key, isNew: true, count: 1}
	}

	if now.Sub(st.windowStart) > p.span {
		st.count = 0
		st.windowStart = now
		st.recurred = false
	}
	st.count++
	if e.Level >= entry.LevelError {
		st.errorLevel = true
	}

	v := patternVerdict{key: key, count: st.count}
	if st.errorLevel && st.count >= p.recurrence && !st.recurred {
		st.recurred = true
		v.recurring = true
	}
	return v
}
