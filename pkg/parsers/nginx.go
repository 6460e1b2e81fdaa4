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

// Nginx default access-log format ("combined" with remote_user in second
// position):
//
//	remote_addr - remote_user [time_local] "request" status body_bytes_sent "referer" "user_agent"
var nginxRe = regexp.MustCompile(
	`^(\S+) - (\S+) \[([^\]]+)\] "(\S+) (\S+)(?: (\S+))?" (\d{3}) (\d+) "([^"]*)" "([^"]*)"$`)

type nginxParser struct{}

func (p *nginxParser) Name() string { return "nginx" }

func (p *nginxParser) Confidence(line string) float64 {
	if nginxRe.MatchString(line) {
		// the nginx default format is indistinguishable from apache
		// combined; autodetection resolves to apache_combined and this
		// parser is picked by explicit format tag
		return 0.94
	}
	return 0
}

func (p *nginxParser) Parse(source, line string) (*entry.Entry, error) {
	m := nginxRe.FindStringSubmatch(line)
	if m == nil {
		return nil, newParseError(p.Name(), line, "line does not match the nginx access format")
	}
	ts, err := time.Parse(apacheTimeLayout, m[3])
	if err != nil {
		ts = timeNow()
	}
	status, _ := strconv.Atoi(m[7])
	bytes, _ := strconv.ParseInt(m[8], 10, 64)
	return accessLogEntry(source, m[1], line, ts.UTC(), m[4], m[5], m[6], status, bytes, map[string]string{
		"client_ip":  m[1],
		"user":       m[2],
		"referer":    m[9],
		"user_agent": m[10],
	})
}
