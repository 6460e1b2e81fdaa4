// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"bytes"
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/logstream/pkg/bus"
	"github.com/DataDog/logstream/pkg/config"
	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/fanout"
	"github.com/DataDog/logstream/pkg/parsers"
	"github.com/DataDog/logstream/pkg/store"
)

type testHarness struct {
	srv     *Server
	store   *store.Store
	bus     *bus.Bus
	entries chan *entry.Entry
	alerts  chan *entry.Alert
}

// newHarness wires a server over a real store, bus and hub. A drain goroutine
// stands in for the enricher: everything published lands in the store and on
// the hub's entry channel.
func newHarness(t *testing.T) *testHarness {
	return newHarnessWithConfig(t, Config{Listen: "127.0.0.1:0", QueryLimitCap: 1000})
}

func newHarnessWithConfig(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{BatchSize: 2, BatchWait: 2 * time.Millisecond})
	require.NoError(t, err)

	b := bus.New(64, config.OverflowDropNew, 0, nil)
	entries := make(chan *entry.Entry, 64)
	alerts := make(chan *entry.Alert, 64)
	hub := fanout.New(16, entries, alerts)
	hub.Start()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for e := range b.Chan() {
			st.Append([]*entry.Entry{e}) //nolint:errcheck
			entries <- e
		}
	}()

	srv := New(cfg, st, b, hub, nil, parsers.NewRegistry())
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.StopAccepting(ctx) //nolint:errcheck
		b.Close()
		<-drained
		close(entries)
		close(alerts)
		hub.Stop()
		srv.Close()
		st.Close() //nolint:errcheck
	})
	return &testHarness{srv: srv, store: st, bus: b, entries: entries, alerts: alerts}
}

func (h *testHarness) call(t *testing.T, method string, params interface{}) *rpcResponse {
	t.Helper()
	body := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post("http://"+h.srv.Addr()+"/rpc", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	var out rpcResponse
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func decodeResult(t *testing.T, resp *rpcResponse, into interface{}) {
	t.Helper()
	require.Nil(t, resp.Error, "rpc error: %+v", resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, into))
}

func TestSubmitAndQuery(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, "submit", map[string]interface{}{
		"entries": []map[string]interface{}{
			{"kind": "log", "source": "app", "component": "api", "level": "info",
				"message": "hello", "timestamp": "2024-01-15T10:00:00.000Z"},
			{"kind": "log", "source": "app", "component": "api"}, // no message
		},
	})
	var result submitResult
	decodeResult(t, resp, &result)
	require.Len(t, result.Accepted, 1)
	assert.NotEmpty(t, result.Accepted[0].ID)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 1, result.Rejected[0].Index)
	assert.Equal(t, codeValidation, result.Rejected[0].Code)

	// the drain goroutine is asynchronous
	var q queryResult
	require.Eventually(t, func() bool {
		resp := h.call(t, "query", map[string]interface{}{
			"filter":     map[string]interface{}{"sources": []string{"app"}},
			"time_range": []string{"2024-01-15T09:59:00Z", "2024-01-15T10:01:00Z"},
			"limit":      10,
		})
		if resp.Error != nil {
			return false
		}
		decodeResult(t, resp, &q)
		return len(q.Entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := entry.UnmarshalEntry(q.Entries[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, result.Accepted[0].ID, got.ID)
}

func TestSubmitRejectsFutureTimestamp(t *testing.T) {
	h := newHarness(t)
	future := entry.FormatTimestamp(time.Now().Add(time.Hour))
	resp := h.call(t, "submit", map[string]interface{}{
		"entries": []map[string]interface{}{
			{"kind": "log", "source": "app", "level": "info", "message": "from the future", "timestamp": future},
		},
	})
	var result submitResult
	decodeResult(t, resp, &result)
	assert.Empty(t, result.Accepted)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, codeValidation, result.Rejected[0].Code)
}

func TestSubmitIdempotent(t *testing.T) {
	h := newHarness(t)
	params := map[string]interface{}{
		"client_id": "tester",
		"sequence":  7,
		"entries": []map[string]interface{}{
			{"kind": "log", "source": "app", "level": "info", "message": "once",
				"timestamp": "2024-01-15T10:00:00.000Z"},
		},
	}
	var first, second submitResult
	decodeResult(t, h.call(t, "submit", params), &first)
	decodeResult(t, h.call(t, "submit", params), &second)
	require.Len(t, first.Accepted, 1)
	require.Len(t, second.Accepted, 1)
	assert.Equal(t, first.Accepted[0].ID, second.Accepted[0].ID, "replay returns the original id")
}

func TestSubmitRaw(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, "submit_raw", map[string]interface{}{
		"source": "app",
		"format": "json",
		"lines": []string{
			`{"level":"error","message":"boom","service":"api"}`,
			"",
		},
	})
	var result submitRawResult
	decodeResult(t, resp, &result)
	require.Len(t, result.Parsed, 1)
	got, err := entry.UnmarshalEntry(result.Parsed[0])
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, entry.LevelError, got.Level)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].LineIndex)
}

func TestSubmitRawUnknownFormat(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, "submit_raw", map[string]interface{}{
		"source": "app",
		"format": "cobol",
		"lines":  []string{"whatever"},
	})
	var result submitRawResult
	decodeResult(t, resp, &result)
	assert.Empty(t, result.Parsed)
	require.Len(t, result.Errors, 1)
}

func TestQueryBadContinuation(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, "query", map[string]interface{}{
		"continuation": "not-a-token",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestMethodNotFound(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, "flush_all", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	var result statsResult
	decodeResult(t, h.call(t, "stats", nil), &result)
	assert.Equal(t, 64, result.Bus.Capacity)
	assert.Zero(t, result.Subscribers.Active)
	assert.NotNil(t, result.Collectors)
}

func TestSubscribeRPC(t *testing.T) {
	h := newHarness(t)
	params := map[string]interface{}{
		"id":     "dash-1",
		"filter": map[string]interface{}{"source": "app", "levels_min": "warning"},
	}
	var result subscribeResult
	decodeResult(t, h.call(t, "subscribe", params), &result)
	assert.Equal(t, "dash-1", result.ID)

	resp := h.call(t, "subscribe", params)
	require.NotNil(t, resp.Error, "duplicate id is rejected")
	assert.Equal(t, codeValidation, resp.Error.Code)

	decodeResult(t, h.call(t, "unsubscribe", map[string]interface{}{"id": "dash-1"}), &result)

	resp = h.call(t, "unsubscribe", map[string]interface{}{"id": "dash-1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeUnknownID, resp.Error.Code)
}

func dialStream(t *testing.T, h *testHarness) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+h.srv.Addr()+"/stream", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]jsoniter.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]jsoniter.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func frameType(t *testing.T, frame map[string]jsoniter.RawMessage) string {
	t.Helper()
	var typ string
	require.NoError(t, json.Unmarshal(frame["type"], &typ))
	return typ
}

func TestStreamSubscribeAndReceive(t *testing.T) {
	h := newHarness(t)
	conn := dialStream(t, h)

	sub := map[string]interface{}{
		"type": "subscribe",
		"id":   "viewer-1",
		"filter": map[string]interface{}{
			"source":     "database.redis",
			"levels_min": "warning",
		},
	}
	require.NoError(t, conn.WriteJSON(sub))
	ack := readFrame(t, conn)
	assert.Equal(t, "ack", frameType(t, ack))

	excludedSource, err := entry.NewLog("system", "host-01", entry.LevelError, "wrong source", time.Time{})
	require.NoError(t, err)
	excludedLevel, err := entry.NewLog("database.redis", "cache-01", entry.LevelInfo, "too quiet", time.Time{})
	require.NoError(t, err)
	wanted, err := entry.NewLog("database.redis", "cache-01", entry.LevelError, "connection refused", time.Time{})
	require.NoError(t, err)
	h.entries <- excludedSource
	h.entries <- excludedLevel
	h.entries <- wanted

	frame := readFrame(t, conn)
	require.Equal(t, "entry", frameType(t, frame))
	got, err := entry.UnmarshalEntry(frame["entry"])
	require.NoError(t, err)
	assert.Equal(t, "connection refused", got.Message)
}

func TestStreamAlertDelivery(t *testing.T) {
	h := newHarness(t)
	conn := dialStream(t, h)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "subscribe", "id": "viewer-2", "filter": map[string]interface{}{},
	}))
	assert.Equal(t, "ack", frameType(t, readFrame(t, conn)))

	alert := entry.NewAlert(entry.AlertCritical, "cpu_percent", "host-01", "threshold exceeded", 97.2, 90, time.Now().UTC())
	h.alerts <- alert

	frame := readFrame(t, conn)
	require.Equal(t, "alert", frameType(t, frame))
	got, err := entry.UnmarshalAlert(frame["alert"])
	require.NoError(t, err)
	assert.Equal(t, "cpu_percent", got.MetricOrEvent)
	assert.Equal(t, 97.2, got.Observed)
}

func TestStreamNackUnknownSubscription(t *testing.T) {
	h := newHarness(t)
	conn := dialStream(t, h)

	// no filter and no pre-registered subscription under this id
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "id": "ghost"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "nack", frameType(t, frame))
}

func TestStreamAttachesRegisteredSubscription(t *testing.T) {
	h := newHarness(t)
	var result subscribeResult
	decodeResult(t, h.call(t, "subscribe", map[string]interface{}{
		"id":     "dash-2",
		"filter": map[string]interface{}{"source": "app"},
	}), &result)

	conn := dialStream(t, h)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "id": "dash-2"}))
	assert.Equal(t, "ack", frameType(t, readFrame(t, conn)))

	e, err := entry.NewLog("app", "api", entry.LevelInfo, "attached", time.Time{})
	require.NoError(t, err)
	h.entries <- e

	frame := readFrame(t, conn)
	require.Equal(t, "entry", frameType(t, frame))
}

func TestStreamPassiveClientStaysConnected(t *testing.T) {
	h := newHarnessWithConfig(t, Config{
		Listen:            "127.0.0.1:0",
		QueryLimitCap:     1000,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  250 * time.Millisecond,
	})
	conn := dialStream(t, h)

	// a client that only reads: gorilla's default ping handler answers the
	// server's control pings, which must keep the read deadline fresh well
	// past the heartbeat timeout
	deadline := time.Now().Add(3 * 250 * time.Millisecond)
	heartbeats := 0
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "a passive client must not be disconnected")
		var frame map[string]jsoniter.RawMessage
		require.NoError(t, json.Unmarshal(data, &frame))
		if frameType(t, frame) == "heartbeat" {
			heartbeats++
		}
	}
	assert.GreaterOrEqual(t, heartbeats, 3)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get("http://" + h.srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
