// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package database

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v9"
)

// redisInfoFields maps INFO keys to the metrics they feed.
var redisInfoFields = map[string]string{
	"connected_clients":          "db.connected_clients",
	"used_memory":                "db.used_memory",
	"instantaneous_ops_per_sec":  "db.ops_per_sec",
	"total_connections_received": "db.connections_total",
	"keyspace_hits":              "db.keyspace_hits",
	"keyspace_misses":            "db.keyspace_misses",
}

type redisProber struct {
	addr   string
	client *redis.Client
}

func newRedisProber(addr string) *redisProber {
	return &redisProber{addr: addr}
}

func (p *redisProber) connect(ctx context.Context) error {
	p.client = redis.NewClient(&redis.Options{Addr: p.addr})
	return p.client.Ping(ctx).Err()
}

func (p *redisProber) probe(ctx context.Context) (map[string]float64, error) {
	info, err := p.client.Info(ctx, "clients", "memory", "stats").Result()
	if err != nil {
		return nil, err
	}
	return parseRedisInfo(info), nil
}

func (p *redisProber) close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// parseRedisInfo extracts the tracked numeric fields from an INFO payload.
func parseRedisInfo(info string) map[string]float64 {
	out := make(map[string]float64)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, raw, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		metric, tracked := redisInfoFields[key]
		if !tracked {
			continue
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			out[metric] = v
		}
	}
	return out
}
