// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package entry

import "strings"

// Level is the severity of a log entry. Levels are ordered so that filters
// can express "warn and above".
type Level int8

// Log levels, ordered from least to most severe. LevelUnknown is permitted
// when parsing failed and sorts below every real level.
const (
	LevelUnknown Level = iota - 1
	LevelTrace
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[Level]string{
	LevelUnknown: "unknown",
	LevelTrace:   "trace",
	LevelDebug:   "debug",
	LevelInfo:    "info",
	LevelWarn:    "warn",
	LevelError:   "error",
	LevelFatal:   "fatal",
}

// levelSynonyms maps the level spellings seen in the wild to canonical levels.
var levelSynonyms = map[string]Level{
	"trace":     LevelTrace,
	"finest":    LevelTrace,
	"debug":     LevelDebug,
	"dbg":       LevelDebug,
	"info":      LevelInfo,
	"notice":    LevelInfo,
	"warn":      LevelWarn,
	"warning":   LevelWarn,
	"error":     LevelError,
	"err":       LevelError,
	"fatal":     LevelFatal,
	"crit":      LevelFatal,
	"critical":  LevelFatal,
	"alert":     LevelFatal,
	"emerg":     LevelFatal,
	"emergency": LevelFatal,
	"panic":     LevelFatal,
}

// String returns the canonical lower-case name of the level.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel normalizes a level string (case, synonyms) to a canonical Level.
// Unrecognized strings map to LevelUnknown.
func ParseLevel(s string) Level {
	if lvl, ok := levelSynonyms[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return LevelUnknown
}

// AlertLevel is the severity of an alert.
type AlertLevel int8

// Alert levels, ordered.
const (
	AlertInfo AlertLevel = iota
	AlertWarning
	AlertCritical
	AlertEmergency
)

var alertLevelNames = map[AlertLevel]string{
	AlertInfo:      "info",
	AlertWarning:   "warning",
	AlertCritical:  "critical",
	AlertEmergency: "emergency",
}

var alertLevelValues = map[string]AlertLevel{
	"info":      AlertInfo,
	"warning":   AlertWarning,
	"critical":  AlertCritical,
	"emergency": AlertEmergency,
}

// String returns the canonical name of the alert level.
func (l AlertLevel) String() string {
	if name, ok := alertLevelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseAlertLevel returns the AlertLevel for a canonical name.
func ParseAlertLevel(s string) (AlertLevel, bool) {
	lvl, ok := alertLevelValues[strings.ToLower(strings.TrimSpace(s))]
	return lvl, ok
}
