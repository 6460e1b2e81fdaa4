// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package analyzer

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/util/log"
)

// cascadeMaxDepth bounds the dependency walk.
const cascadeMaxDepth = 5

// DependencyMap is the optional component dependency graph used to annotate
// alerts with their downstream impact. The file maps each component to the
// components it depends on; the annotation walks the reverse edges.
type DependencyMap struct {
	path string

	mu         sync.RWMutex
	dependents map[string][]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewDependencyMap loads the map at path and watches the file for changes.
// An empty path yields an inert map, which is not an error.
func NewDependencyMap(path string) (*DependencyMap, error) {
	m := &DependencyMap{path: path, dependents: make(map[string][]string)}
	if path == "" {
		return m, nil
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("analyzer: dependency map watch unavailable: %v", err)
		return m, nil
	}
	// watch the directory: editors replace the file, which drops a file watch
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close() //nolint:errcheck
		log.Warnf("analyzer: cannot watch %s: %v", path, err)
		return m, nil
	}
	m.watcher = watcher
	m.done = make(chan struct{})
	go m.watch()
	return m, nil
}

func (m *DependencyMap) watch() {
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != m.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := m.Reload(); err != nil {
				log.Warnf("analyzer: dependency map reload failed, keeping previous map: %v", err)
			} else {
				log.Infof("analyzer: dependency map reloaded from %s", m.path)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("analyzer: dependency map watcher: %v", err)
		case <-m.done:
			return
		}
	}
}

// Reload re-reads the file and swaps the graph in. A failed reload keeps the
// previous graph.
func (m *DependencyMap) Reload() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return errors.Wrapf(err, "analyzer: cannot read dependency map %s", m.path)
	}
	deps := make(map[string][]string)
	if err := thresholdJSON.Unmarshal(data, &deps); err != nil {
		return errors.Wrapf(err, "analyzer: invalid dependency map %s", m.path)
	}
	dependents := make(map[string][]string)
	for component, dependsOn := range deps {
		for _, dep := range dependsOn {
			dependents[dep] = append(dependents[dep], component)
		}
	}
	m.mu.Lock()
	m.dependents = dependents
	m.mu.Unlock()
	return nil
}

// Close stops the file watcher.
func (m *DependencyMap) Close() {
	if m.watcher != nil {
		close(m.done)
		m.watcher.Close() //nolint:errcheck
	}
}

// Annotate attaches the downstream components of the alert's component,
// breadth first up to depth 5, with impact 1/depth.
func (m *DependencyMap) Annotate(a *entry.Alert) {
	if a.Component == "" {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.dependents) == 0 {
		return
	}

	visited := map[string]bool{a.Component: true}
	frontier := []string{a.Component}
	for depth := 1; depth <= cascadeMaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, c := range frontier {
			for _, dependent := range m.dependents[c] {
				if visited[dependent] {
					continue
				}
				visited[dependent] = true
				a.Cascade = append(a.Cascade, entry.CascadeImpact{
					Component: dependent,
					Depth:     depth,
					Impact:    1 / float64(depth),
				})
				next = append(next, dependent)
			}
		}
		frontier = next
	}
}
