// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log provides the process-wide logger, a thin wrapper around seelog.
// All components log through the package-level functions so that tests and
// the CLI can swap the inner logger without threading it through constructors.
package log

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

// Logger wraps a seelog logger behind a mutex so that the inner logger can be
// replaced at runtime when the log level changes.
type Logger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	mutex sync.RWMutex
}

var logger = &Logger{
	inner: seelog.Default,
	level: seelog.InfoLvl,
}

// SetupLogger configures the process logger with the given seelog instance
// and minimum level. It is called once at startup and from tests.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	old := logger.inner
	logger.inner = l
	logger.level = lvl
	if old != nil && old != seelog.Default {
		old.Flush()
	}
}

// ChangeLogLevel updates the minimum level without replacing the logger.
func ChangeLogLevel(level string) error {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return fmt.Errorf("unknown log level: %s", level)
	}
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.level = lvl
	return nil
}

// GetLogLevel returns the current minimum level as a string.
func GetLogLevel() string {
	logger.mutex.RLock()
	defer logger.mutex.RUnlock()
	return logger.level.String()
}

func (l *Logger) shouldLog(level seelog.LogLevel) bool {
	return level >= l.level
}

func (l *Logger) log(level seelog.LogLevel, message string) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if l.inner == nil || !l.shouldLog(level) {
		return
	}
	switch level {
	case seelog.TraceLvl:
		l.inner.Trace(message)
	case seelog.DebugLvl:
		l.inner.Debug(message)
	case seelog.InfoLvl:
		l.inner.Info(message)
	case seelog.WarnLvl:
		l.inner.Warn(message) //nolint:errcheck
	case seelog.ErrorLvl:
		l.inner.Error(message) //nolint:errcheck
	case seelog.CriticalLvl:
		l.inner.Critical(message) //nolint:errcheck
	}
}

func buildLogEntry(v ...interface{}) string {
	var fmtBuffer strings.Builder
	for i, item := range v {
		if i > 0 {
			fmtBuffer.WriteByte(' ')
		}
		fmtBuffer.WriteString(fmt.Sprintf("%v", item))
	}
	return fmtBuffer.String()
}

// Trace logs at the trace level
func Trace(v ...interface{}) {
	logger.log(seelog.TraceLvl, buildLogEntry(v...))
}

// Tracef formats and logs at the trace level
func Tracef(format string, params ...interface{}) {
	logger.log(seelog.TraceLvl, fmt.Sprintf(format, params...))
}

// Debug logs at the debug level
func Debug(v ...interface{}) {
	logger.log(seelog.DebugLvl, buildLogEntry(v...))
}

// Debugf formats and logs at the debug level
func Debugf(format string, params ...interface{}) {
	logger.log(seelog.DebugLvl, fmt.Sprintf(format, params...))
}

// Info logs at the info level
func Info(v ...interface{}) {
	logger.log(seelog.InfoLvl, buildLogEntry(v...))
}

// Infof formats and logs at the info level
func Infof(format string, params ...interface{}) {
	logger.log(seelog.InfoLvl, fmt.Sprintf(format, params...))
}

// Warn logs at the warn level and returns an error containing the formated log message
func Warn(v ...interface{}) error {
	msg := buildLogEntry(v...)
	logger.log(seelog.WarnLvl, msg)
	return fmt.Errorf("%s", msg)
}

// Warnf formats and logs at the warn level and returns an error containing the formated log message
func Warnf(format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	logger.log(seelog.WarnLvl, msg)
	return fmt.Errorf("%s", msg)
}

// Error logs at the error level and returns an error containing the formated log message
func Error(v ...interface{}) error {
	msg := buildLogEntry(v...)
	logger.log(seelog.ErrorLvl, msg)
	return fmt.Errorf("%s", msg)
}

// Errorf formats and logs at the error level and returns an error containing the formated log message
func Errorf(format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	logger.log(seelog.ErrorLvl, msg)
	return fmt.Errorf("%s", msg)
}

// Critical logs at the critical level and returns an error containing the formated log message
func Critical(v ...interface{}) error {
	msg := buildLogEntry(v...)
	logger.log(seelog.CriticalLvl, msg)
	return fmt.Errorf("%s", msg)
}

// Criticalf formats and logs at the critical level and returns an error containing the formated log message
func Criticalf(format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	logger.log(seelog.CriticalLvl, msg)
	return fmt.Errorf("%s", msg)
}

// Flush flushes the underlying logger's buffers
func Flush() {
	logger.mutex.RLock()
	defer logger.mutex.RUnlock()
	if logger.inner != nil {
		logger.inner.Flush()
	}
}
