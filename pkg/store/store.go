// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package store persists entries and alerts in a bolt database with
// append-optimized writes and time-indexed range queries.
//
// Layout: the primary buckets key records by (timestamp, insertion sequence)
// so that scans come back in (timestamp, id) order with insertion order as
// the tie-break. Secondary index buckets map (field value, timestamp,
// sequence) back to the primary key for single-field lookups.
package store

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/telemetry"
	"github.com/DataDog/logstream/pkg/util/log"
)

// Bucket names.
var (
	entriesBkt      = []byte("entries")
	alertsBkt       = []byte("alerts")
	idxSourceBkt    = []byte("idx_source")
	idxComponentBkt = []byte("idx_component")
	idxMetricBkt    = []byte("idx_metric")
	metaBkt         = []byte("meta")
)

// Meta keys.
var (
	schemaVersionKey = []byte("schema_version")
	thresholdsKey    = []byte("threshold_snapshot")
	retentionKey     = []byte("retention")
)

// schemaVersion is bumped on incompatible layout changes.
const schemaVersion = 1

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// WriteError carries the rejected batch so the caller can requeue or drop.
type WriteError struct {
	Entries []*entry.Entry
	Alerts  []*entry.Alert
	Err     error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("store: write failed (%d entries, %d alerts): %v", len(e.Entries), len(e.Alerts), e.Err)
}

// Unwrap exposes the underlying cause.
func (e *WriteError) Unwrap() error { return e.Err }

// Options tune the write batching.
type Options struct {
	// BatchSize is the number of records that forces a commit.
	BatchSize int
	// BatchWait is the longest a record waits in memory before commit.
	BatchWait time.Duration
	Clock     clock.Clock
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.BatchWait <= 0 {
		o.BatchWait = 100 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

type writeReq struct {
	entries []*entry.Entry
	alerts  []*entry.Alert
	done    chan error
}

// Store is the persistent sink. One logical writer serializes batches;
// readers run on bolt snapshots and never see a partial batch.
type Store struct {
	db      *bolt.DB
	opts    Options
	writeCh chan writeReq
	drained chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the database at path and starts the batch writer.
func Open(path string, opts Options) (*Store, error) {
	opts.withDefaults()
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "store: cannot open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBkt, alertsBkt, idxSourceBkt, idxComponentBkt, idxMetricBkt, metaBkt} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBkt)
		if meta.Get(schemaVersionKey) == nil {
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], schemaVersion)
			return meta.Put(schemaVersionKey, v[:])
		}
		return nil
	})
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, errors.Wrap(err, "store: cannot initialize buckets")
	}

	s := &Store{
		db:      db,
		opts:    opts,
		writeCh: make(chan writeReq, 64),
		drained: make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Append persists a batch of entries, atomically with respect to readers.
// It returns once the batch is durable. On failure the returned *WriteError
// carries the batch.
func (s *Store) Append(entries []*entry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.submit(writeReq{entries: entries, done: make(chan error, 1)})
}

// AppendAlerts persists a batch of alerts.
func (s *Store) AppendAlerts(alerts []*entry.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	return s.submit(writeReq{alerts: alerts, done: make(chan error, 1)})
}

func (s *Store) submit(req writeReq) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return &WriteError{Entries: req.entries, Alerts: req.alerts, Err: ErrClosed}
	}
	s.writeCh <- req
	s.mu.RUnlock()
	return <-req.done
}

// writeLoop coalesces concurrent batches into single transactions, committing
// when BatchSize records are pending or BatchWait has elapsed.
func (s *Store) writeLoop() {
	defer close(s.drained)
	var (
		pending []writeReq
		count   int
		timer   *clock.Timer
		timerC  <-chan time.Time
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		s.commit(pending)
		pending = nil
		count = 0
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	for {
		select {
		case req, ok := <-s.writeCh:
			if !ok {
				flush()
				return
			}
			pending = append(pending, req)
			count += len(req.entries) + len(req.alerts)
			if count >= s.opts.BatchSize {
				flush()
			} else if timer == nil {
				timer = s.opts.Clock.Timer(s.opts.BatchWait)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		}
	}
}

// commit writes the coalesced requests in one transaction and answers every
// waiter. A failed transaction is retried once per request so that one bad
// record cannot poison an unrelated batch.
func (s *Store) commit(reqs []writeReq) {
	start := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, req := range reqs {
			if err := putEntries(tx, req.entries); err != nil {
				return err
			}
			if err := putAlerts(tx, req.alerts); err != nil {
				return err
			}
		}
		return nil
	})
	telemetry.StoreBatchSeconds.Observe(time.Since(start).Seconds())
	if err == nil {
		for _, req := range reqs {
			req.done <- nil
		}
		return
	}

	log.Errorf("store: coalesced commit failed, retrying per batch: %v", err)
	for _, req := range reqs {
		req := req
		perErr := s.db.Update(func(tx *bolt.Tx) error {
			if err := putEntries(tx, req.entries); err != nil {
				return err
			}
			return putAlerts(tx, req.alerts)
		})
		if perErr != nil {
			telemetry.StoreAppendErrors.Inc()
			req.done <- &WriteError{Entries: req.entries, Alerts: req.alerts, Err: perErr}
		} else {
			req.done <- nil
		}
	}
}

func putEntries(tx *bolt.Tx, entries []*entry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	bkt := tx.Bucket(entriesBkt)
	for _, e := range entries {
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		key := recordKey(e.Timestamp, seq)
		data, err := entry.MarshalEntry(e)
		if err != nil {
			return err
		}
		if err := bkt.Put(key, data); err != nil {
			return err
		}
		if err := putIndex(tx, idxSourceBkt, e.Source, key); err != nil {
			return err
		}
		if err := putIndex(tx, idxComponentBkt, e.Component, key); err != nil {
			return err
		}
		if e.Kind == entry.KindMetric {
			if err := putIndex(tx, idxMetricBkt, e.MetricName, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func putAlerts(tx *bolt.Tx, alerts []*entry.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	bkt := tx.Bucket(alertsBkt)
	for _, a := range alerts {
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		data, err := entry.MarshalAlert(a)
		if err != nil {
			return err
		}
		if err := bkt.Put(recordKey(a.Timestamp, seq), data); err != nil {
			return err
		}
	}
	return nil
}

func putIndex(tx *bolt.Tx, bucket []byte, value string, primary []byte) error {
	if value == "" {
		return nil
	}
	return tx.Bucket(bucket).Put(indexKey(value, primary), nil)
}

// SaveThresholds persists the analyzer's adaptive-threshold snapshot.
func (s *Store) SaveThresholds(snapshot []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBkt).Put(thresholdsKey, snapshot)
	})
}

// LoadThresholds returns the last saved snapshot, or nil when none exists.
func (s *Store) LoadThresholds() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBkt).Get(thresholdsKey); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// SaveRetention records the active retention policy in the metadata bucket.
func (s *Store) SaveRetention(retention time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(retention))
		return tx.Bucket(metaBkt).Put(retentionKey, v[:])
	})
}

// Close flushes pending batches and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writeCh)
	s.mu.Unlock()
	<-s.drained
	return s.db.Close()
}

// recordKey builds the primary key: big-endian nanos then sequence, so byte
// order equals (timestamp, insertion) order.
func recordKey(ts time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// indexKey embeds the primary key after the field value and a NUL separator.
func indexKey(value string, primary []byte) []byte {
	key := make([]byte, 0, len(value)+1+len(primary))
	key = append(key, value...)
	key = append(key, 0)
	key = append(key, primary...)
	return key
}
