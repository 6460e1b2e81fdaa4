// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package fanout

import (
	"go.uber.org/atomic"

	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/telemetry"
	"github.com/DataDog/logstream/pkg/util/log"
)

// maxConsecutiveFull is the number of back-to-back full-queue pushes after
// which a subscriber is considered dead and closed.
const maxConsecutiveFull = 3

// FrameKind discriminates the frames pushed to subscribers.
type FrameKind string

// Frame kinds.
const (
	FrameEntry      FrameKind = "entry"
	FrameAlert      FrameKind = "alert"
	FrameDropNotice FrameKind = "drop_notice"
)

// Frame is one unit of delivery to a subscriber.
type Frame struct {
	Kind    FrameKind
	Entry   *entry.Entry
	Alert   *entry.Alert
	Dropped uint64
}

// Sink receives the frames of one subscriber, in order. Send may block on
// the peer; it runs on the subscriber's writer goroutine, never on the hub
// loop. A Send error kills the subscriber.
type Sink interface {
	Send(Frame) error
	Close() error
}

// Subscriber is one registered stream consumer with its own bounded queue.
// A full queue drops the new frame; the subscriber is told via a drop_notice
// frame once there is room again.
type Subscriber struct {
	id     string
	filter *CompiledFilter
	sink   Sink
	queue  chan Frame

	dropped    atomic.Uint64
	notified   uint64
	fullStreak int

	closed chan struct{}
	onDead func(id string)
}

func newSubscriber(id string, filter *CompiledFilter, sink Sink, queueSize int, onDead func(string)) *Subscriber {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Subscriber{
		id:     id,
		filter: filter,
		sink:   sink,
		queue:  make(chan Frame, queueSize),
		closed: make(chan struct{}),
		onDead: onDead,
	}
}

// ID returns the subscriber identity.
func (s *Subscriber) ID() string { return s.id }

// Dropped returns how many frames were lost to this subscriber's full queue.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// push enqueues a frame without blocking. Called only from the hub loop, so
// the streak bookkeeping needs no lock. Returns false once the subscriber is
// declared dead.
func (s *Subscriber) push(f Frame) bool {
	if pending := s.dropped.Load(); pending > s.notified && len(s.queue) < cap(s.queue)-1 {
		select {
		case s.queue <- Frame{Kind: FrameDropNotice, Dropped: pending - s.notified}:
			s.notified = pending
		default:
		}
	}
	select {
	case s.queue <- f:
		s.fullStreak = 0
		return true
	default:
		s.dropped.Inc()
		telemetry.FanoutDropped.Inc()
		telemetry.FanoutDroppedVar.Add(1)
		s.fullStreak++
		if s.fullStreak >= maxConsecutiveFull {
			log.Warnf("fanout: subscriber %s cannot keep up, closing", s.id)
			return false
		}
		return true
	}
}

// run is the writer goroutine: it drains the queue into the sink until the
// queue closes or the sink fails.
func (s *Subscriber) run() {
	defer close(s.closed)
	defer s.sink.Close() //nolint:errcheck
	for f := range s.queue {
		if err := s.sink.Send(f); err != nil {
			log.Debugf("fanout: subscriber %s send failed: %v", s.id, err)
			go s.onDead(s.id)
			// drain so the hub never blocks on a dead queue
			for range s.queue {
			}
			return
		}
	}
}
