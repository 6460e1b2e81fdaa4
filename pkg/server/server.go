// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package server exposes the pipeline over a single listener: a JSON-RPC 2.0
// endpoint at /rpc, a websocket push stream at /stream and the prometheus
// registry at /metrics.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/DataDog/logstream/pkg/collector"
	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/fanout"
	"github.com/DataDog/logstream/pkg/parsers"
	"github.com/DataDog/logstream/pkg/store"
	"github.com/DataDog/logstream/pkg/telemetry"
	"github.com/DataDog/logstream/pkg/util/log"
)

// idempotencyCacheSize bounds the (client_id, sequence) replay cache.
const idempotencyCacheSize = 4096

// Config carries the server tunables.
type Config struct {
	Listen            string
	RPCDeadline       time.Duration
	QueryLimitCap     int
	TimestampSkew     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func (c *Config) withDefaults() {
	if c.Listen == "" {
		c.Listen = "localhost:8420"
	}
	if c.RPCDeadline <= 0 {
		c.RPCDeadline = 5 * time.Second
	}
	if c.QueryLimitCap <= 0 {
		c.QueryLimitCap = 10000
	}
	if c.TimestampSkew <= 0 {
		c.TimestampSkew = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
}

// Bus is the submission and occupancy surface the server needs.
type Bus interface {
	Publish(e *entry.Entry) error
	Len() int
	Capacity() int
	Dropped() int64
}

// CollectorPool reports collector statuses for the stats method.
type CollectorPool interface {
	Status() []collector.Status
}

// Server binds the RPC and stream surfaces to the pipeline.
type Server struct {
	cfg      Config
	store    *store.Store
	bus      Bus
	hub      *fanout.Hub
	pool     CollectorPool
	registry *parsers.Registry

	http *http.Server
	ln   net.Listener
	seen *lru.Cache[string, *submitResult]

	mu            sync.Mutex
	subscriptions map[string]fanout.Filter
	streams       map[*wsSink]struct{}

	draining atomic.Bool
}

// New wires a server. pool may be nil when no collectors run in-process.
func New(cfg Config, st *store.Store, b Bus, hub *fanout.Hub, pool CollectorPool, registry *parsers.Registry) *Server {
	cfg.withDefaults()
	seen, _ := lru.New[string, *submitResult](idempotencyCacheSize)
	s := &Server{
		cfg:           cfg,
		store:         st,
		bus:           b,
		hub:           hub,
		pool:          pool,
		registry:      registry,
		seen:          seen,
		subscriptions: make(map[string]fanout.Filter),
		streams:       make(map[*wsSink]struct{}),
	}
	r := mux.NewRouter()
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(telemetry.Registry, promhttp.HandlerOpts{}))
	s.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves until Stop. It returns once the
// listener is bound so that the caller knows the port is taken.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "server: cannot listen on %s", s.cfg.Listen)
	}
	s.ln = ln
	log.Infof("server: listening on %s", ln.Addr())
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("server: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when Listen used port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Listen
	}
	return s.ln.Addr().String()
}

// StopAccepting rejects new connections and RPCs and waits for in-flight
// requests within the context deadline. Established streams keep flowing
// until Close.
func (s *Server) StopAccepting(ctx context.Context) error {
	s.draining.Store(true)
	return s.http.Shutdown(ctx)
}

// Close tears down the remaining stream connections with a going-away frame.
// Call after the fanout hub has drained; websocket connections are hijacked
// and invisible to Shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	streams := make([]*wsSink, 0, len(s.streams))
	for sink := range s.streams {
		streams = append(streams, sink)
	}
	s.mu.Unlock()
	for _, sink := range streams {
		sink.Close() //nolint:errcheck
	}
}

func (s *Server) trackStream(sink *wsSink) {
	s.mu.Lock()
	s.streams[sink] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackStream(sink *wsSink) {
	s.mu.Lock()
	delete(s.streams, sink)
	s.mu.Unlock()
}
