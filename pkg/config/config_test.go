// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:8420", c.Listen)
	assert.Equal(t, 10000, c.BusCapacity)
	assert.Equal(t, OverflowBlock, c.BusOverflow)
	assert.Equal(t, 50*time.Millisecond, c.BusBlockTimeout)
	assert.Equal(t, 2.0, c.AnomalySigma)
	assert.Equal(t, 10, c.AnomalyMinSamples)
	assert.Equal(t, 0.1, c.LearningRate)
	assert.Equal(t, 5*time.Minute, c.AlertCooldown)
	assert.Equal(t, 1000, c.FanoutQueueSize)
	assert.Equal(t, 30, c.RetentionDays)
	assert.Equal(t, 30*24*time.Hour, c.Retention())
	assert.Equal(t, 5, c.CollectorFailureLimit)
	assert.True(t, c.Collectors.System.Enabled)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RLS_LISTEN", "0.0.0.0:9000")
	t.Setenv("RLS_BUS_CAPACITY", "100")
	t.Setenv("RLS_RETENTION_DAYS", "7")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", c.Listen)
	assert.Equal(t, 100, c.BusCapacity)
	assert.Equal(t, 7, c.RetentionDays)
}

func TestYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logstream.yaml")
	content := `
listen: 127.0.0.1:7777
bus_overflow: drop_oldest
base_thresholds:
  - metric_name: cpu_percent
    component: host-01
    warning: 70
    critical: 90
collectors:
  database:
    enabled: true
    instances:
      - name: cache
        kind: redis
        addr: localhost:6379
  log_files:
    enabled: true
    files:
      - path: /var/log/nginx/access.log
        source: nginx
        format: nginx
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", c.Listen)
	assert.Equal(t, OverflowDropOldest, c.BusOverflow)
	require.Len(t, c.BaseThresholds, 1)
	assert.Equal(t, 90.0, c.BaseThresholds[0].Critical)
	require.Len(t, c.Collectors.Database.Instances, 1)
	assert.Equal(t, "redis", c.Collectors.Database.Instances[0].Kind)
	require.Len(t, c.Collectors.LogFiles.Files, 1)
	assert.Equal(t, "nginx", c.Collectors.LogFiles.Files[0].Format)
}

func TestValidation(t *testing.T) {
	t.Setenv("RLS_BUS_OVERFLOW", "explode")
	_, err := Load("")
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/logstream.yaml")
	assert.Error(t, err)
}
