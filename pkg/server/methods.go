// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/DataDog/logstream/pkg/bus"
	"github.com/DataDog/logstream/pkg/collector"
	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/fanout"
	"github.com/DataDog/logstream/pkg/parsers"
	"github.com/DataDog/logstream/pkg/store"
	"github.com/DataDog/logstream/pkg/telemetry"
)

// defaultQueryLimit applies when the caller omits limit.
const defaultQueryLimit = 100

type submitParams struct {
	ClientID string                `json:"client_id,omitempty"`
	Sequence uint64                `json:"sequence,omitempty"`
	Entries  []jsoniter.RawMessage `json:"entries"`
}

type acceptedID struct {
	ID string `json:"id"`
}

type rejection struct {
	Index   int    `json:"index"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type submitResult struct {
	Accepted []acceptedID `json:"accepted"`
	Rejected []rejection  `json:"rejected"`
}

// rpcSubmit validates and publishes a batch. Partial success is the normal
// case; each rejected entry carries its own code. Replays keyed by
// (client_id, sequence) return the original result without re-publishing.
func (s *Server) rpcSubmit(_ context.Context, params jsoniter.RawMessage) (interface{}, *rpcError) {
	var p submitParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErrorf(codeInvalidParams, "submit: %v", err)
	}
	if len(p.Entries) == 0 {
		return nil, rpcErrorf(codeInvalidParams, "submit: entries is required")
	}

	idemKey := ""
	if p.ClientID != "" {
		idemKey = fmt.Sprintf("%s/%d", p.ClientID, p.Sequence)
		if cached, ok := s.seen.Get(idemKey); ok {
			return cached, nil
		}
	}

	now := time.Now().UTC()
	result := &submitResult{Accepted: []acceptedID{}, Rejected: []rejection{}}
	for i, raw := range p.Entries {
		e, err := entry.UnmarshalEntry(raw)
		if err != nil {
			result.Rejected = append(result.Rejected, rejection{Index: i, Code: codeValidation, Message: err.Error()})
			continue
		}
		if err := e.Validate(now, s.cfg.TimestampSkew); err != nil {
			result.Rejected = append(result.Rejected, rejection{Index: i, Code: codeValidation, Message: err.Error()})
			continue
		}
		// ids are assigned on ingest, never trusted from the wire
		e.ID = uuid.New().String()
		if err := s.bus.Publish(e); err != nil {
			result.Rejected = append(result.Rejected, rejection{Index: i, Code: publishCode(err), Message: err.Error()})
			continue
		}
		result.Accepted = append(result.Accepted, acceptedID{ID: e.ID})
	}

	if idemKey != "" {
		s.seen.Add(idemKey, result)
	}
	return result, nil
}

func publishCode(err error) int {
	switch {
	case errors.Is(err, bus.ErrShuttingDown):
		return codeShutdown
	case errors.Is(err, bus.ErrDropped):
		return codeBackpressure
	default:
		return codeInternal
	}
}

type submitRawParams struct {
	Source string   `json:"source"`
	Format string   `json:"format,omitempty"`
	Lines  []string `json:"lines"`
}

type parseFailure struct {
	LineIndex int    `json:"line_index"`
	Message   string `json:"message"`
}

type submitRawResult struct {
	Parsed []jsoniter.RawMessage `json:"parsed"`
	Errors []parseFailure        `json:"errors"`
}

// rpcSubmitRaw feeds raw lines through the parser registry and publishes the
// parsed entries.
func (s *Server) rpcSubmitRaw(_ context.Context, params jsoniter.RawMessage) (interface{}, *rpcError) {
	var p submitRawParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErrorf(codeInvalidParams, "submit_raw: %v", err)
	}
	if p.Source == "" || len(p.Lines) == 0 {
		return nil, rpcErrorf(codeInvalidParams, "submit_raw: source and lines are required")
	}
	format := p.Format
	if format == "" {
		format = parsers.FormatAuto
	}

	result := &submitRawResult{Parsed: []jsoniter.RawMessage{}, Errors: []parseFailure{}}
	for i, line := range p.Lines {
		e, err := s.registry.ParseLine(p.Source, p.Source, format, line)
		if err != nil {
			result.Errors = append(result.Errors, parseFailure{LineIndex: i, Message: err.Error()})
			continue
		}
		if err := s.bus.Publish(e); err != nil {
			result.Errors = append(result.Errors, parseFailure{LineIndex: i, Message: err.Error()})
			continue
		}
		wire, err := entry.MarshalEntry(e)
		if err != nil {
			result.Errors = append(result.Errors, parseFailure{LineIndex: i, Message: err.Error()})
			continue
		}
		result.Parsed = append(result.Parsed, wire)
	}
	return result, nil
}

type filterParams struct {
	Sources      []string          `json:"sources,omitempty"`
	Components   []string          `json:"components,omitempty"`
	LevelsMin    string            `json:"levels_min,omitempty"`
	MetricNames  []string          `json:"metric_names,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	TextContains string            `json:"text_contains,omitempty"`
}

func (f *filterParams) toStore() store.Filter {
	out := store.Filter{
		Sources:      f.Sources,
		Components:   f.Components,
		MetricNames:  f.MetricNames,
		Tags:         f.Tags,
		TextContains: f.TextContains,
	}
	if f.LevelsMin != "" {
		lvl := entry.ParseLevel(f.LevelsMin)
		out.LevelMin = &lvl
	}
	return out
}

type queryParams struct {
	Filter       filterParams `json:"filter"`
	TimeRange    []string     `json:"time_range,omitempty"`
	Limit        int          `json:"limit,omitempty"`
	Descending   bool         `json:"descending,omitempty"`
	Continuation string       `json:"continuation,omitempty"`
}

func (s *Server) buildQuery(p queryParams) (store.Query, *rpcError) {
	q := store.Query{
		Filter:       p.Filter.toStore(),
		Limit:        p.Limit,
		Descending:   p.Descending,
		Continuation: p.Continuation,
	}
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	if q.Limit > s.cfg.QueryLimitCap {
		q.Limit = s.cfg.QueryLimitCap
	}
	if len(p.TimeRange) > 0 {
		if len(p.TimeRange) != 2 {
			return q, rpcErrorf(codeInvalidParams, "time_range must be [start, end]")
		}
		start, err := entry.ParseTimestamp(p.TimeRange[0])
		if err != nil {
			return q, rpcErrorf(codeInvalidParams, "time_range start: %v", err)
		}
		end, err := entry.ParseTimestamp(p.TimeRange[1])
		if err != nil {
			return q, rpcErrorf(codeInvalidParams, "time_range end: %v", err)
		}
		q.Start, q.End = start, end
	}
	return q, nil
}

type queryResult struct {
	Entries          []jsoniter.RawMessage `json:"entries"`
	NextContinuation string                `json:"next_continuation,omitempty"`
}

func (s *Server) rpcQuery(_ context.Context, params jsoniter.RawMessage) (interface{}, *rpcError) {
	var p queryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErrorf(codeInvalidParams, "query: %v", err)
	}
	q, rpcErr := s.buildQuery(p)
	if rpcErr != nil {
		return nil, rpcErr
	}
	res, err := s.store.Query(q)
	if err != nil {
		return nil, queryError(err)
	}
	out := &queryResult{Entries: make([]jsoniter.RawMessage, 0, len(res.Entries)), NextContinuation: res.NextContinuation}
	for _, e := range res.Entries {
		wire, err := entry.MarshalEntry(e)
		if err != nil {
			return nil, rpcErrorf(codeInternal, "query: %v", err)
		}
		out.Entries = append(out.Entries, wire)
	}
	return out, nil
}

type alertsResult struct {
	Alerts           []jsoniter.RawMessage `json:"alerts"`
	NextContinuation string                `json:"next_continuation,omitempty"`
}

func (s *Server) rpcQueryAlerts(_ context.Context, params jsoniter.RawMessage) (interface{}, *rpcError) {
	var p queryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErrorf(codeInvalidParams, "query_alerts: %v", err)
	}
	q, rpcErr := s.buildQuery(p)
	if rpcErr != nil {
		return nil, rpcErr
	}
	res, err := s.store.QueryAlerts(q)
	if err != nil {
		return nil, queryError(err)
	}
	out := &alertsResult{Alerts: make([]jsoniter.RawMessage, 0, len(res.Alerts)), NextContinuation: res.NextContinuation}
	for _, a := range res.Alerts {
		wire, err := entry.MarshalAlert(a)
		if err != nil {
			return nil, rpcErrorf(codeInternal, "query_alerts: %v", err)
		}
		out.Alerts = append(out.Alerts, wire)
	}
	return out, nil
}

func queryError(err error) *rpcError {
	if errors.Is(err, store.ErrBadContinuation) {
		return rpcErrorf(codeInvalidParams, "%v", err)
	}
	return rpcErrorf(codeStore, "%v", err)
}

type busStats struct {
	Occupancy    int   `json:"occupancy"`
	Capacity     int   `json:"capacity"`
	DroppedCount int64 `json:"dropped_count"`
}

type analyzerStats struct {
	AlertsEmitted int64 `json:"alerts_emitted"`
	EntriesShed   int64 `json:"entries_shed"`
}

type subscriberStats struct {
	Active        int   `json:"active"`
	FramesDropped int64 `json:"frames_dropped"`
}

type statsResult struct {
	Collectors  []collector.Status `json:"collectors"`
	Bus         busStats           `json:"bus"`
	Analyzer    analyzerStats      `json:"analyzer"`
	Subscribers subscriberStats    `json:"subscribers"`
	Ingested    int64              `json:"entries_ingested"`
}

func (s *Server) rpcStats(_ context.Context) (interface{}, *rpcError) {
	out := &statsResult{
		Collectors: []collector.Status{},
		Analyzer: analyzerStats{
			AlertsEmitted: telemetry.AlertsEmittedVar.Value(),
			EntriesShed:   telemetry.AnalyzerShedVar.Value(),
		},
		Subscribers: subscriberStats{
			FramesDropped: telemetry.FanoutDroppedVar.Value(),
		},
		Ingested: telemetry.EntriesIngestedVar.Value(),
	}
	if s.pool != nil {
		out.Collectors = s.pool.Status()
		sort.Slice(out.Collectors, func(i, j int) bool { return out.Collectors[i].ID < out.Collectors[j].ID })
	}
	if s.bus != nil {
		out.Bus = busStats{
			Occupancy:    s.bus.Len(),
			Capacity:     s.bus.Capacity(),
			DroppedCount: s.bus.Dropped(),
		}
	}
	if s.hub != nil {
		out.Subscribers.Active = s.hub.Subscribers()
	}
	return out, nil
}

type subscribeParams struct {
	ID     string     `json:"id"`
	Filter wireFilter `json:"filter"`
}

type subscribeResult struct {
	ID string `json:"id"`
}

// rpcSubscribe registers a named subscription a later stream connection can
// attach to by id alone.
func (s *Server) rpcSubscribe(params jsoniter.RawMessage) (interface{}, *rpcError) {
	var p subscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErrorf(codeInvalidParams, "subscribe: %v", err)
	}
	if p.ID == "" {
		return nil, rpcErrorf(codeInvalidParams, "subscribe: id is required")
	}
	filter := p.Filter.toFanout()
	if _, err := filter.Compile(); err != nil {
		return nil, rpcErrorf(codeValidation, "subscribe: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscriptions[p.ID]; exists {
		return nil, rpcErrorf(codeValidation, "subscribe: id %q already registered", p.ID)
	}
	s.subscriptions[p.ID] = filter
	return &subscribeResult{ID: p.ID}, nil
}

func (s *Server) rpcUnsubscribe(params jsoniter.RawMessage) (interface{}, *rpcError) {
	var p subscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcErrorf(codeInvalidParams, "unsubscribe: %v", err)
	}
	s.mu.Lock()
	_, known := s.subscriptions[p.ID]
	delete(s.subscriptions, p.ID)
	s.mu.Unlock()
	if !known {
		return nil, rpcErrorf(codeUnknownID, "unsubscribe: unknown id %q", p.ID)
	}
	// also detach a live stream attached under this id
	s.hub.Unsubscribe(p.ID)
	return &subscribeResult{ID: p.ID}, nil
}

func (s *Server) lookupSubscription(id string) (fanout.Filter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.subscriptions[id]
	return f, ok
}
