// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package fanout

import (
	"path"

	"github.com/pkg/errors"

	"github.com/DataDog/logstream/pkg/entry"
)

// Filter selects which frames a subscriber receives. Globs use path.Match
// syntax; empty fields match everything. Alerts are matched on component
// only, the level floor applies to log entries.
type Filter struct {
	SourceGlob    string
	ComponentGlob string
	LevelMin      *entry.Level
	Tags          map[string]string
}

// Compile validates the globs up front so a bad pattern fails at subscribe
// time instead of silently matching nothing.
func (f Filter) Compile() (*CompiledFilter, error) {
	for _, glob := range []string{f.SourceGlob, f.ComponentGlob} {
		if _, err := path.Match(glob, "probe"); glob != "" && err != nil {
			return nil, errors.Wrapf(err, "fanout: bad filter glob %q", glob)
		}
	}
	return &CompiledFilter{filter: f}, nil
}

// CompiledFilter is a validated filter.
type CompiledFilter struct {
	filter Filter
}

// MatchEntry reports whether the entry passes the filter.
func (c *CompiledFilter) MatchEntry(e *entry.Entry) bool {
	if !globMatch(c.filter.SourceGlob, e.Source) {
		return false
	}
	if !globMatch(c.filter.ComponentGlob, e.Component) {
		return false
	}
	if c.filter.LevelMin != nil && e.Kind == entry.KindLog && e.Level < *c.filter.LevelMin {
		return false
	}
	for k, v := range c.filter.Tags {
		if e.Tags[k] != v {
			return false
		}
	}
	return true
}

// MatchAlert reports whether the alert passes the filter.
func (c *CompiledFilter) MatchAlert(a *entry.Alert) bool {
	return globMatch(c.filter.ComponentGlob, a.Component)
}

func globMatch(glob, value string) bool {
	if glob == "" {
		return true
	}
	ok, err := path.Match(glob, value)
	return err == nil && ok
}
