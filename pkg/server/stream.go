// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/fanout"
	"github.com/DataDog/logstream/pkg/util/log"
)

// writeWait bounds a single frame write to a stream peer.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wireFilter is the stream-side filter shape. Source and component are
// path.Match globs, so a single pattern covers what the RPC filter expresses
// with lists.
type wireFilter struct {
	Source    string            `json:"source,omitempty"`
	Component string            `json:"component,omitempty"`
	LevelsMin string            `json:"levels_min,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

func (f *wireFilter) toFanout() fanout.Filter {
	out := fanout.Filter{
		SourceGlob:    f.Source,
		ComponentGlob: f.Component,
		Tags:          f.Tags,
	}
	if f.LevelsMin != "" {
		lvl := entry.ParseLevel(f.LevelsMin)
		out.LevelMin = &lvl
	}
	return out
}

// inboundFrame is anything the stream peer may send.
type inboundFrame struct {
	Type   string      `json:"type"`
	ID     string      `json:"id,omitempty"`
	Filter *wireFilter `json:"filter,omitempty"`
}

type ackFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

type heartbeatFrame struct {
	Type string `json:"type"`
	TS   string `json:"ts"`
}

type entryFrame struct {
	Type  string              `json:"type"`
	Entry jsoniter.RawMessage `json:"entry"`
}

type alertFrame struct {
	Type  string              `json:"type"`
	Alert jsoniter.RawMessage `json:"alert"`
}

type dropNoticeFrame struct {
	Type    string `json:"type"`
	Count   uint64 `json:"count"`
	SinceTS string `json:"since_ts"`
}

// wsSink adapts one websocket connection to the fanout Sink contract. The
// mutex serializes the subscriber writer goroutine with heartbeats and acks.
type wsSink struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (s *wsSink) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("server: stream closed")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Send implements fanout.Sink.
func (s *wsSink) Send(f fanout.Frame) error {
	switch f.Kind {
	case fanout.FrameEntry:
		wire, err := entry.MarshalEntry(f.Entry)
		if err != nil {
			return err
		}
		return s.writeJSON(entryFrame{Type: "entry", Entry: wire})
	case fanout.FrameAlert:
		wire, err := entry.MarshalAlert(f.Alert)
		if err != nil {
			return err
		}
		return s.writeJSON(alertFrame{Type: "alert", Alert: wire})
	case fanout.FrameDropNotice:
		return s.writeJSON(dropNoticeFrame{
			Type:    "drop_notice",
			Count:   f.Dropped,
			SinceTS: entry.FormatTimestamp(time.Now()),
		})
	default:
		return errors.Errorf("server: unknown frame kind %q", f.Kind)
	}
}

// ping sends a control ping; the pong handler extends the peer's read
// deadline, so a passive client that never sends frames stays connected.
// WriteControl is safe to call concurrently with the frame writer.
func (s *wsSink) ping() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("server: stream closed")
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close implements fanout.Sink. The peer gets a going-away close frame so a
// graceful shutdown is distinguishable from a crash.
func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing")
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))       //nolint:errcheck
	s.conn.WriteMessage(websocket.CloseMessage, msg)         //nolint:errcheck
	return s.conn.Close()
}

// subSink is the per-subscription view of a connection. Closing a
// subscription must not close the connection: the peer may hold other
// subscriptions on it, and the connection lifetime belongs to the read loop.
type subSink struct {
	ws *wsSink
}

func (s subSink) Send(f fanout.Frame) error { return s.ws.Send(f) }
func (s subSink) Close() error              { return nil }

// handleStream upgrades the connection and runs the inbound loop until the
// peer goes away or misses its heartbeat window.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("server: stream upgrade failed: %v", err)
		return
	}
	sink := &wsSink{conn: conn}
	s.trackStream(sink)
	defer s.untrackStream(sink)

	done := make(chan struct{})
	defer close(done)
	go s.heartbeatLoop(sink, done)

	conn.SetReadLimit(maxRequestBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
	})
	var subscribed []string
	defer func() {
		for _, id := range subscribed {
			s.hub.Unsubscribe(id)
		}
		sink.Close() //nolint:errcheck
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout)) //nolint:errcheck
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("server: stream read: %v", err)
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sink.writeJSON(ackFrame{Type: "nack", Reason: "malformed frame"}) //nolint:errcheck
			continue
		}
		switch frame.Type {
		case "subscribe":
			if id, ok := s.streamSubscribe(sink, frame); ok {
				subscribed = append(subscribed, id)
			}
		case "unsubscribe":
			s.hub.Unsubscribe(frame.ID)
		case "ping":
			// the read deadline was just extended, nothing else to do
		default:
			sink.writeJSON(ackFrame{Type: "nack", ID: frame.ID, Reason: "unknown frame type"}) //nolint:errcheck
		}
	}
}

// streamSubscribe attaches the connection to the hub, using the pre-registered
// filter when the frame carries none.
func (s *Server) streamSubscribe(sink *wsSink, frame inboundFrame) (string, bool) {
	if frame.ID == "" {
		sink.writeJSON(ackFrame{Type: "nack", Reason: "subscribe requires an id"}) //nolint:errcheck
		return "", false
	}
	var filter fanout.Filter
	if frame.Filter != nil {
		filter = frame.Filter.toFanout()
	} else {
		registered, ok := s.lookupSubscription(frame.ID)
		if !ok {
			sink.writeJSON(ackFrame{Type: "nack", ID: frame.ID, Reason: "unknown subscription id"}) //nolint:errcheck
			return "", false
		}
		filter = registered
	}
	if _, err := s.hub.Subscribe(frame.ID, filter, subSink{ws: sink}); err != nil {
		sink.writeJSON(ackFrame{Type: "nack", ID: frame.ID, Reason: err.Error()}) //nolint:errcheck
		return "", false
	}
	if err := sink.writeJSON(ackFrame{Type: "ack", ID: frame.ID}); err != nil {
		s.hub.Unsubscribe(frame.ID)
		return "", false
	}
	return frame.ID, true
}

func (s *Server) heartbeatLoop(sink *wsSink, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
			hb := heartbeatFrame{Type: "heartbeat", TS: entry.FormatTimestamp(time.Now())}
			if err := sink.writeJSON(hb); err != nil {
				return
			}
		}
	}
}
