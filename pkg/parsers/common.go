// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package parsers

import (
	"strconv"
	"time"

	"github.com/DataDog/logstream/pkg/entry"
)

// timeNow is swapped in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

// levelFromStatus maps an HTTP status code to a log level the way access-log
// consumers expect: 5xx is an error, 4xx a warning, everything else info.
func levelFromStatus(status int) entry.Level {
	switch {
	case status >= 500:
		return entry.LevelError
	case status >= 400:
		return entry.LevelWarn
	default:
		return entry.LevelInfo
	}
}

// accessLogEntry builds the entry shared by the apache and nginx parsers.
func accessLogEntry(source, host, line string, ts time.Time, method, path, protocol string, status int, bytes int64, extraTags map[string]string) (*entry.Entry, error) {
	e, err := entry.NewLog(source, host, levelFromStatus(status), line, ts)
	if err != nil {
		return nil, err
	}
	e.Raw = line
	e.SetTag("method", method)
	e.SetTag("path", path)
	e.SetTag("protocol", protocol)
	e.SetTag("status", strconv.Itoa(status))
	if bytes >= 0 {
		e.SetTag("bytes", strconv.FormatInt(bytes, 10))
	}
	for k, v := range extraTags {
		if v != "" && v != "-" {
			e.SetTag(k, v)
		}
	}
	return e, nil
}
