// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"bytes"
	"encoding/base64"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/DataDog/logstream/pkg/entry"
)

// ErrBadContinuation reports an unusable continuation token.
var ErrBadContinuation = errors.New("store: invalid continuation token")

// Filter is the AND-combined record filter shared by queries and exposed on
// the RPC surface.
type Filter struct {
	Sources      []string
	Components   []string
	LevelMin     *entry.Level
	MetricNames  []string
	Tags         map[string]string
	TextContains string
}

// MatchEntry reports whether the entry satisfies every set condition.
// The level floor applies to log entries only.
func (f *Filter) MatchEntry(e *entry.Entry) bool {
	if len(f.Sources) > 0 && !containsString(f.Sources, e.Source) {
		return false
	}
	if len(f.Components) > 0 && !containsString(f.Components, e.Component) {
		return false
	}
	if len(f.MetricNames) > 0 {
		if e.Kind != entry.KindMetric || !containsString(f.MetricNames, e.MetricName) {
			return false
		}
	}
	if f.LevelMin != nil && e.Kind == entry.KindLog && e.Level < *f.LevelMin {
		return false
	}
	for k, v := range f.Tags {
		if e.Tags[k] != v {
			return false
		}
	}
	if f.TextContains != "" && !strings.Contains(e.Message, f.TextContains) {
		return false
	}
	return true
}

// MatchAlert applies the applicable filter fields to an alert.
func (f *Filter) MatchAlert(a *entry.Alert) bool {
	if len(f.Components) > 0 && !containsString(f.Components, a.Component) {
		return false
	}
	if len(f.MetricNames) > 0 && !containsString(f.MetricNames, a.MetricOrEvent) {
		return false
	}
	if f.TextContains != "" && !strings.Contains(a.Reason, f.TextContains) {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Query describes one paginated range read. Start and End are inclusive.
type Query struct {
	Filter       Filter
	Start        time.Time
	End          time.Time
	Limit        int
	Descending   bool
	Continuation string
}

// Result is one page of entries.
type Result struct {
	Entries          []*entry.Entry
	NextContinuation string
}

// AlertResult is one page of alerts.
type AlertResult struct {
	Alerts           []*entry.Alert
	NextContinuation string
}

// Query returns a consistent snapshot of matching entries as of the call.
// Each page runs in its own read transaction; the continuation token resumes
// after the last returned record.
func (s *Store) Query(q Query) (*Result, error) {
	res := &Result{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if idx := pickIndex(tx, &q.Filter); idx != nil && !q.Descending {
			return s.scanIndex(tx, idx, q, res)
		}
		return s.scanPrimary(tx, q, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// QueryAlerts mirrors Query for the alerts bucket.
func (s *Store) QueryAlerts(q Query) (*AlertResult, error) {
	res := &AlertResult{}
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(alertsBkt)
		lo, hi, err := keyBounds(q)
		if err != nil {
			return err
		}
		iter := newRangeIter(bkt.Cursor(), lo, hi, q.Descending)
		for k, v := iter.first(); k != nil; k, v = iter.next() {
			a, err := entry.UnmarshalAlert(v)
			if err != nil {
				return errors.Wrap(err, "store: corrupt alert record")
			}
			if !q.Filter.MatchAlert(a) {
				continue
			}
			res.Alerts = append(res.Alerts, a)
			if q.Limit > 0 && len(res.Alerts) >= q.Limit {
				res.NextContinuation = encodeToken(k)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type indexScan struct {
	bucket *bolt.Bucket
	value  string
}

// pickIndex selects a secondary index when the filter pins a single value of
// an indexed field. Metric name is the most selective, then component, then
// source.
func pickIndex(tx *bolt.Tx, f *Filter) *indexScan {
	if len(f.MetricNames) == 1 {
		return &indexScan{tx.Bucket(idxMetricBkt), f.MetricNames[0]}
	}
	if len(f.Components) == 1 {
		return &indexScan{tx.Bucket(idxComponentBkt), f.Components[0]}
	}
	if len(f.Sources) == 1 {
		return &indexScan{tx.Bucket(idxSourceBkt), f.Sources[0]}
	}
	return nil
}

func (s *Store) scanPrimary(tx *bolt.Tx, q Query, res *Result) error {
	lo, hi, err := keyBounds(q)
	if err != nil {
		return err
	}
	bkt := tx.Bucket(entriesBkt)
	iter := newRangeIter(bkt.Cursor(), lo, hi, q.Descending)
	for k, v := iter.first(); k != nil; k, v = iter.next() {
		if done, err := collectEntry(q, res, k, v); err != nil || done {
			return err
		}
	}
	return nil
}

func (s *Store) scanIndex(tx *bolt.Tx, idx *indexScan, q Query, res *Result) error {
	lo, hi, err := keyBounds(q)
	if err != nil {
		return err
	}
	prefix := append(append([]byte(nil), idx.value...), 0)
	entries := tx.Bucket(entriesBkt)
	c := idx.bucket.Cursor()
	start := append(append([]byte(nil), prefix...), lo...)
	end := append(append([]byte(nil), prefix...), hi...)
	for k, _ := c.Seek(start); k != nil && bytes.Compare(k, end) <= 0; k, _ = c.Next() {
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		primary := k[len(prefix):]
		v := entries.Get(primary)
		if v == nil {
			// index ahead of a prune pass
			continue
		}
		if done, err := collectEntry(q, res, primary, v); err != nil || done {
			return err
		}
	}
	return nil
}

func collectEntry(q Query, res *Result, key, value []byte) (bool, error) {
	e, err := entry.UnmarshalEntry(value)
	if err != nil {
		return false, errors.Wrap(err, "store: corrupt entry record")
	}
	if !q.Filter.MatchEntry(e) {
		return false, nil
	}
	res.Entries = append(res.Entries, e)
	if q.Limit > 0 && len(res.Entries) >= q.Limit {
		res.NextContinuation = encodeToken(key)
		return true, nil
	}
	return false, nil
}

// keyBounds computes the inclusive primary-key range of a query, adjusted
// past the continuation token when one is present.
func keyBounds(q Query) (lo, hi []byte, err error) {
	if q.Start.IsZero() {
		lo = make([]byte, 16)
	} else {
		lo = recordKey(q.Start, 0)
	}
	if q.End.IsZero() {
		hi = recordKey(time.Unix(0, int64(^uint64(0)>>1)), ^uint64(0))
	} else {
		hi = recordKey(q.End, ^uint64(0))
	}
	if q.Continuation != "" {
		last, err := decodeToken(q.Continuation)
		if err != nil {
			return nil, nil, err
		}
		if q.Descending {
			hi = prevKey(last)
		} else {
			lo = nextKey(last)
		}
	}
	return lo, hi, nil
}

func encodeToken(key []byte) string {
	return base64.URLEncoding.EncodeToString(key)
}

func decodeToken(token string) ([]byte, error) {
	key, err := base64.URLEncoding.DecodeString(token)
	if err != nil || len(key) != 16 {
		return nil, ErrBadContinuation
	}
	return key, nil
}

// nextKey returns the smallest key greater than k.
func nextKey(k []byte) []byte {
	out := append([]byte(nil), k...)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

// prevKey returns the largest key smaller than k.
func prevKey(k []byte) []byte {
	out := append([]byte(nil), k...)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]--
		if out[i] != 0xff {
			break
		}
	}
	return out
}

// rangeIter walks a cursor over [lo, hi] in either direction.
type rangeIter struct {
	c          *bolt.Cursor
	lo, hi     []byte
	descending bool
}

func newRangeIter(c *bolt.Cursor, lo, hi []byte, descending bool) *rangeIter {
	return &rangeIter{c: c, lo: lo, hi: hi, descending: descending}
}

func (it *rangeIter) first() ([]byte, []byte) {
	if it.descending {
		k, v := it.c.Seek(it.hi)
		if k == nil {
			k, v = it.c.Last()
		} else if bytes.Compare(k, it.hi) > 0 {
			k, v = it.c.Prev()
		}
		return it.check(k, v)
	}
	return it.check(it.c.Seek(it.lo))
}

func (it *rangeIter) next() ([]byte, []byte) {
	if it.descending {
		return it.check(it.c.Prev())
	}
	return it.check(it.c.Next())
}

func (it *rangeIter) check(k, v []byte) ([]byte, []byte) {
	if k == nil {
		return nil, nil
	}
	if it.descending {
		if bytes.Compare(k, it.lo) < 0 {
			return nil, nil
		}
	} else if bytes.Compare(k, it.hi) > 0 {
		return nil, nil
	}
	return k, v
}
