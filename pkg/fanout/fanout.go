// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package fanout delivers enriched entries and alerts to stream subscribers.
// The hub loop never blocks on a subscriber: every subscriber owns a bounded
// queue and a writer goroutine, and a slow subscriber only loses its own
// frames.
package fanout

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/DataDog/logstream/pkg/entry"
)

// ErrDuplicateSubscriber is returned when a subscriber id is already taken.
var ErrDuplicateSubscriber = errors.New("fanout: subscriber id already registered")

// Hub owns the subscriber set and the delivery loop.
type Hub struct {
	queueSize int
	entries   <-chan *entry.Entry
	alerts    <-chan *entry.Alert

	mu   sync.RWMutex
	subs map[string]*Subscriber

	wg sync.WaitGroup
}

// New builds a hub reading from the enricher's entry channel and the
// analyzer's alert channel.
func New(queueSize int, entries <-chan *entry.Entry, alerts <-chan *entry.Alert) *Hub {
	return &Hub{
		queueSize: queueSize,
		entries:   entries,
		alerts:    alerts,
		subs:      make(map[string]*Subscriber),
	}
}

// Start launches the delivery loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop waits for both inputs to drain, then closes every subscriber.
// The upstream stages must close the input channels first.
func (h *Hub) Stop() {
	h.wg.Wait()
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	for _, s := range subs {
		close(s.queue)
	}
	h.mu.Unlock()
	for _, s := range subs {
		<-s.closed
	}
}

// Subscribe registers a stream consumer. The returned subscriber is owned by
// the hub until Unsubscribe or sink failure.
func (h *Hub) Subscribe(id string, filter Filter, sink Sink) (*Subscriber, error) {
	compiled, err := filter.Compile()
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.subs[id]; exists {
		return nil, ErrDuplicateSubscriber
	}
	s := newSubscriber(id, compiled, sink, h.queueSize, h.Unsubscribe)
	h.subs[id] = s
	go s.run()
	return s, nil
}

// Unsubscribe removes a subscriber and closes its sink. Unknown ids are
// ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(s.queue)
	}
	h.mu.Unlock()
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) run() {
	defer h.wg.Done()
	entries, alerts := h.entries, h.alerts
	for entries != nil || alerts != nil {
		select {
		case e, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			h.broadcast(Frame{Kind: FrameEntry, Entry: e}, func(s *Subscriber) bool {
				return s.filter.MatchEntry(e)
			})
		case a, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			h.broadcast(Frame{Kind: FrameAlert, Alert: a}, func(s *Subscriber) bool {
				return s.filter.MatchAlert(a)
			})
		}
	}
}

// broadcast pushes the frame to every matching subscriber, collecting the
// ones declared dead so they can be removed outside the read lock.
func (h *Hub) broadcast(f Frame, match func(*Subscriber) bool) {
	var dead []string
	h.mu.RLock()
	for _, s := range h.subs {
		if !match(s) {
			continue
		}
		if !s.push(f) {
			dead = append(dead, s.id)
		}
	}
	h.mu.RUnlock()
	for _, id := range dead {
		h.Unsubscribe(id)
	}
}
