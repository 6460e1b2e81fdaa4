// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package parsers

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/DataDog/logstream/pkg/entry"
)

// RFC 3164 subset:
//
//	<PRI>Mmm dd hh:mm:ss hostname tag[pid]: message
//
// The priority part is optional; relays often strip it.
var syslogRe = regexp.MustCompile(
	`^(?:<(\d{1,3})>)?([A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}) (\S+) ([^:\[\s]+)(?:\[(\d+)\])?: (.*)$`)

const syslogTimeLayout = "Jan _2 15:04:05"

// syslogSeverities maps RFC 3164 severity codes (pri % 8) to levels.
var syslogSeverities = [8]entry.Level{
	entry.LevelFatal, // emergency
	entry.LevelFatal, // alert
	entry.LevelFatal, // critical
	entry.LevelError,
	entry.LevelWarn,
	entry.LevelInfo, // notice
	entry.LevelInfo,
	entry.LevelDebug,
}

type syslogParser struct{}

func (p *syslogParser) Name() string { return "syslog" }

func (p *syslogParser) Confidence(line string) float64 {
	if !syslogRe.MatchString(line) {
		return 0
	}
	if strings.HasPrefix(line, "<") {
		return 0.95
	}
	return 0.8
}

func (p *syslogParser) Parse(source, line string) (*entry.Entry, error) {
	m := syslogRe.FindStringSubmatch(line)
	if m == nil {
		return nil, newParseError(p.Name(), line, "line does not match RFC 3164")
	}

	level := entry.LevelInfo
	if m[1] != "" {
		pri, err := strconv.Atoi(m[1])
		if err != nil || pri > 191 {
			return nil, newParseError(p.Name(), line, "invalid priority")
		}
		level = syslogSeverities[pri%8]
	}

	// RFC 3164 timestamps carry no year; assume the current one.
	now := timeNow()
	ts, err := time.Parse(syslogTimeLayout, m[2])
	if err != nil {
		ts = now
	} else {
		ts = time.Date(now.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC)
		// a December line read in January belongs to the previous year
		if ts.After(now.Add(24 * time.Hour)) {
			ts = ts.AddDate(-1, 0, 0)
		}
	}

	e, err := entry.NewLog(source, m[3], level, m[6], ts)
	if err != nil {
		return nil, newParseError(p.Name(), line, err.Error())
	}
	e.Raw = line
	e.SetTag("program", m[4])
	if m[5] != "" {
		e.SetTag("pid", m[5])
	}
	return e, nil
}
