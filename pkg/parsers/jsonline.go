// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package parsers

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/DataDog/logstream/pkg/entry"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Field names probed, in order, for the well-known parts of a JSON log line.
var (
	jsonTimestampKeys = []string{"timestamp", "time", "ts", "@timestamp"}
	jsonLevelKeys     = []string{"level", "severity", "lvl", "loglevel"}
	jsonMessageKeys   = []string{"message", "msg", "log"}
	jsonComponentKeys = []string{"component", "service", "logger", "name"}
)

type jsonParser struct{}

func (p *jsonParser) Name() string { return "json" }

func (p *jsonParser) Confidence(line string) float64 {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return 0
	}
	var obj map[string]interface{}
	if err := jsonAPI.UnmarshalFromString(trimmed, &obj); err != nil {
		return 0
	}
	return 0.97
}

func (p *jsonParser) Parse(source, line string) (*entry.Entry, error) {
	var obj map[string]interface{}
	if err := jsonAPI.UnmarshalFromString(strings.TrimSpace(line), &obj); err != nil {
		return nil, newParseError(p.Name(), line, "not a json object")
	}

	ts := timeNow()
	for _, key := range jsonTimestampKeys {
		raw, ok := obj[key].(string)
		if !ok {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ts = parsed.UTC()
			delete(obj, key)
			break
		}
	}

	level := entry.LevelUnknown
	for _, key := range jsonLevelKeys {
		if raw, ok := obj[key].(string); ok {
			level = entry.ParseLevel(raw)
			delete(obj, key)
			break
		}
	}

	message := ""
	for _, key := range jsonMessageKeys {
		if raw, ok := obj[key].(string); ok {
			message = raw
			delete(obj, key)
			break
		}
	}
	if message == "" {
		message = line
	}

	component := ""
	for _, key := range jsonComponentKeys {
		if raw, ok := obj[key].(string); ok {
			component = raw
			delete(obj, key)
			break
		}
	}

	e, err := entry.NewLog(source, component, level, message, ts)
	if err != nil {
		return nil, newParseError(p.Name(), line, err.Error())
	}
	e.Raw = line
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			e.SetTag(k, val)
		case float64, bool:
			e.SetTag(k, fmt.Sprintf("%v", val))
		}
	}
	return e, nil
}
