// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"bytes"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/util/log"
)

// pruneChunk bounds the records removed per transaction so pruning never
// holds the write lock long enough to stall appends.
const pruneChunk = 512

// Prune deletes entries and alerts older than cutoff, together with their
// index keys. It works in chunked transactions and yields between chunks.
// The returned count covers entries and alerts.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	limit := recordKey(cutoff, 0)
	total := 0
	for {
		n, err := s.pruneChunkTx(limit)
		if err != nil {
			return total, err
		}
		total += n
		if n < pruneChunk {
			break
		}
		s.opts.Clock.Sleep(10 * time.Millisecond)
	}
	if total > 0 {
		log.Infof("store: pruned %d records older than %s", total, cutoff.UTC().Format(time.RFC3339))
	}
	return total, nil
}

func (s *Store) pruneChunkTx(limit []byte) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(entriesBkt)
		c := entries.Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, limit) < 0 && deleted < pruneChunk; k, v = c.Next() {
			e, err := entry.UnmarshalEntry(v)
			if err == nil {
				deleteIndex(tx, idxSourceBkt, e.Source, k)
				deleteIndex(tx, idxComponentBkt, e.Component, k)
				if e.Kind == entry.KindMetric {
					deleteIndex(tx, idxMetricBkt, e.MetricName, k)
				}
			}
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}

		alerts := tx.Bucket(alertsBkt)
		c = alerts.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0 && deleted < pruneChunk; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func deleteIndex(tx *bolt.Tx, bucket []byte, value string, primary []byte) {
	if value == "" {
		return
	}
	// best effort, a leftover index key is skipped at read time
	_ = tx.Bucket(bucket).Delete(indexKey(value, primary))
}
