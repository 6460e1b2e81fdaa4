// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package parsers

import (
	"regexp"
	"strconv"
	"time"

	"github.com/DataDog/logstream/pkg/entry"
)

// apacheTimeLayout matches the bracketed CLF timestamp, e.g.
// 10/Oct/2000:13:55:36 -0700.
const apacheTimeLayout = "02/Jan/2006:15:04:05 -0700"

// Apache Common Log Format:
//
//	host ident authuser [date] "request" status bytes
var apacheCommonRe = regexp.MustCompile(
	`^(\S+) (\S+) (\S+) \[([^\]]+)\] "(\S+) (\S+)(?: (\S+))?" (\d{3}) (\d+|-)$`)

// Apache Combined adds "referer" and "user-agent".
var apacheCombinedRe = regexp.MustCompile(
	`^(\S+) (\S+) (\S+) \[([^\]]+)\] "(\S+) (\S+)(?: (\S+))?" (\d{3}) (\d+|-) "([^"]*)" "([^"]*)"$`)

func parseAccessMatch(source, line string, m []string, extraTags map[string]string) (*entry.Entry, error) {
	ts, err := time.Parse(apacheTimeLayout, m[4])
	if err != nil {
		ts = timeNow()
	}
	status, _ := strconv.Atoi(m[8])
	bytes := int64(-1)
	if m[9] != "-" {
		bytes, _ = strconv.ParseInt(m[9], 10, 64)
	}
	tags := map[string]string{"client_ip": m[1], "user": m[3]}
	for k, v := range extraTags {
		tags[k] = v
	}
	return accessLogEntry(source, m[1], line, ts.UTC(), m[5], m[6], m[7], status, bytes, tags)
}

type apacheCommonParser struct{}

func (p *apacheCommonParser) Name() string { return "apache_common" }

func (p *apacheCommonParser) Confidence(line string) float64 {
	if apacheCombinedRe.MatchString(line) {
		// combined lines also match common; let the combined parser win
		return 0
	}
	if apacheCommonRe.MatchString(line) {
		return 0.9
	}
	return 0
}

func (p *apacheCommonParser) Parse(source, line string) (*entry.Entry, error) {
	m := apacheCommonRe.FindStringSubmatch(line)
	if m == nil {
		return nil, newParseError(p.Name(), line, "line does not match the common log format")
	}
	return parseAccessMatch(source, line, m, nil)
}

type apacheCombinedParser struct{}

func (p *apacheCombinedParser) Name() string { return "apache_combined" }

func (p *apacheCombinedParser) Confidence(line string) float64 {
	if apacheCombinedRe.MatchString(line) {
		return 0.95
	}
	return 0
}

func (p *apacheCombinedParser) Parse(source, line string) (*entry.Entry, error) {
	m := apacheCombinedRe.FindStringSubmatch(line)
	if m == nil {
		return nil, newParseError(p.Name(), line, "line does not match the combined log format")
	}
	return parseAccessMatch(source, line, m, map[string]string{
		"referer":    m[10],
		"user_agent": m[11],
	})
}
