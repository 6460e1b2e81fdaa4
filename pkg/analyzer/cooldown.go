// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package analyzer

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/DataDog/logstream/pkg/entry"
)

// cooldown deduplicates equivalent alerts. Repeats inside the window are
// absorbed into the cache record; the alert that was already emitted belongs
// to the downstream writers and is never touched again.
type cooldown struct {
	window time.Duration
	cache  *gocache.Cache
}

// suppression tracks the repeats absorbed during one window.
type suppression struct {
	Observed  float64
	Timestamp time.Time
	Count     int
}

func newCooldown(window time.Duration) *cooldown {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &cooldown{
		window: window,
		cache:  gocache.New(window, window),
	}
}

// admit returns true when the alert may be emitted. On suppression the cache
// record absorbs the new observation.
func (c *cooldown) admit(key string, a *entry.Alert) bool {
	if cached, ok := c.cache.Get(key); ok {
		s := cached.(*suppression)
		s.Observed = a.Observed
		s.Timestamp = a.Timestamp
		s.Count++
		return false
	}
	c.cache.SetDefault(key, &suppression{Observed: a.Observed, Timestamp: a.Timestamp})
	return true
}
