// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package parsers

import (
	"regexp"
	"time"

	"github.com/DataDog/logstream/pkg/entry"
)

// The generic parser extracts an ISO-like timestamp and a level token from
// free-form lines, e.g.
//
//	2024-01-15T10:30:00.123Z ERROR something broke
//	2024-01-15 10:30:00 [warn] something else
var (
	genericTimestampRe = regexp.MustCompile(
		`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	genericLevelRe = regexp.MustCompile(
		`(?i)\b(trace|debug|info|notice|warn|warning|error|err|crit|critical|fatal|alert|emerg)\b`)
)

var genericTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05,000",
	"2006-01-02 15:04:05",
}

type genericParser struct{}

func (p *genericParser) Name() string { return "generic" }

func (p *genericParser) Confidence(line string) float64 {
	score := 0.0
	if genericTimestampRe.MatchString(line) {
		score += 0.4
	}
	if genericLevelRe.MatchString(line) {
		score += 0.2
	}
	return score
}

func (p *genericParser) Parse(source, line string) (*entry.Entry, error) {
	if line == "" {
		return nil, newParseError(p.Name(), line, "empty line")
	}

	ts := timeNow()
	if raw := genericTimestampRe.FindString(line); raw != "" {
		for _, layout := range genericTimeLayouts {
			if parsed, err := time.Parse(layout, raw); err == nil {
				ts = parsed.UTC()
				break
			}
		}
	}

	level := entry.LevelUnknown
	if raw := genericLevelRe.FindString(line); raw != "" {
		level = entry.ParseLevel(raw)
	}

	e, err := entry.NewLog(source, "", level, line, ts)
	if err != nil {
		return nil, newParseError(p.Name(), line, err.Error())
	}
	e.Raw = line
	return e, nil
}
