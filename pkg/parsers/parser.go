// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package parsers converts raw producer-format lines into entries. Parsers
// are stateless pure functions; the registry dispatches on a format tag and
// can autodetect the format of a producer session.
package parsers

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/DataDog/logstream/pkg/entry"
)

// FormatAuto asks the registry to probe every parser and pick the best match.
const FormatAuto = "auto"

// detectionCacheSize bounds the per-(source, session) format cache.
const detectionCacheSize = 1024

// Parser turns one raw line into an entry. Implementations are stateless and
// safe for concurrent use.
type Parser interface {
	// Name is the format tag the parser registers under.
	Name() string
	// Parse converts a line. It returns a ParseError when the line does not
	// match the format.
	Parse(source, line string) (*entry.Entry, error)
	// Confidence reports how well the first line of a session matches this
	// format, in [0, 1]. Used by autodetection.
	Confidence(line string) float64
}

// ParseError reports a line that did not match the parser's format.
type ParseError struct {
	Format string
	Line   string
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parsers: %s: %s", e.Format, e.Reason)
}

func newParseError(format, line, reason string) *ParseError {
	return &ParseError{Format: format, Line: line, Reason: reason}
}

// Registry is the dispatch table from format tag to parser. It is built once
// at startup from the static list of built-ins; there is no runtime
// discovery.
type Registry struct {
	parsers   map[string]Parser
	ordered   []Parser
	detection *lru.Cache[string, string]
}

// NewRegistry returns a registry with every built-in parser registered.
func NewRegistry() *Registry {
	cache, _ := lru.New[string, string](detectionCacheSize)
	r := &Registry{
		parsers:   make(map[string]Parser),
		detection: cache,
	}
	for _, p := range []Parser{
		&apacheCommonParser{},
		&apacheCombinedParser{},
		&nginxParser{},
		&syslogParser{},
		&jsonParser{},
		&genericParser{},
	} {
		r.register(p)
	}
	return r
}

func (r *Registry) register(p Parser) {
	r.parsers[p.Name()] = p
	r.ordered = append(r.ordered, p)
}

// Get returns the parser registered under the given format tag.
func (r *Registry) Get(format string) (Parser, bool) {
	p, ok := r.parsers[format]
	return p, ok
}

// Formats lists the registered format tags in registration order.
func (r *Registry) Formats() []string {
	names := make([]string, 0, len(r.ordered))
	for _, p := range r.ordered {
		names = append(names, p.Name())
	}
	return names
}

// Detect probes every parser against the line and returns the one with the
// best confidence. The result is cached per (source, session) so that
// subsequent lines of the same producer session skip the probe.
func (r *Registry) Detect(source, session, line string) Parser {
	cacheKey := source + "\x00" + session
	if name, ok := r.detection.Get(cacheKey); ok {
		if p, ok := r.parsers[name]; ok {
			return p
		}
	}
	var best Parser
	bestScore := 0.0
	for _, p := range r.ordered {
		if score := p.Confidence(line); score > bestScore {
			best, bestScore = p, score
		}
	}
	if best == nil {
		best = r.parsers["generic"]
	}
	r.detection.Add(cacheKey, best.Name())
	return best
}

// ParseLine parses one line with the given format tag, autodetecting when the
// tag is "auto". Lines that no parser accepts produce an unknown-level entry
// carrying the raw line, never an error from this method; only unknown format
// tags are rejected.
func (r *Registry) ParseLine(source, session, format, line string) (*entry.Entry, error) {
	var p Parser
	if format == FormatAuto || format == "" {
		p = r.Detect(source, session, line)
	} else {
		var ok bool
		if p, ok = r.parsers[format]; !ok {
			return nil, fmt.Errorf("parsers: unknown format %q", format)
		}
	}
	e, err := p.Parse(source, line)
	if err == nil {
		return e, nil
	}
	return fallbackEntry(source, line)
}

// fallbackEntry wraps an unparsable line as an unknown-level log entry.
func fallbackEntry(source, line string) (*entry.Entry, error) {
	e, err := entry.NewLog(source, "", entry.LevelUnknown, line, timeNow())
	if err != nil {
		return nil, err
	}
	e.Raw = line
	return e, nil
}
