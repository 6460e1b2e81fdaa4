// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package database

import (
	"context"
	"database/sql"
	"strconv"

	// registers the "mysql" driver
	_ "github.com/go-sql-driver/mysql"
)

// mysqlStatusFields maps SHOW GLOBAL STATUS variables to metrics.
var mysqlStatusFields = map[string]string{
	"Threads_connected": "db.threads_connected",
	"Threads_running":   "db.threads_running",
	"Questions":         "db.questions",
	"Slow_queries":      "db.slow_queries",
	"Aborted_connects":  "db.aborted_connects",
}

type mysqlProber struct {
	dsn string
	db  *sql.DB
}

func newMySQLProber(dsn string) *mysqlProber {
	return &mysqlProber{dsn: dsn}
}

func (p *mysqlProber) connect(ctx context.Context) error {
	db, err := sql.Open("mysql", p.dsn)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return err
	}
	p.db = db
	return nil
}

func (p *mysqlProber) probe(ctx context.Context) (map[string]float64, error) {
	rows, err := p.db.QueryContext(ctx, "SHOW GLOBAL STATUS")
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]float64)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		metric, tracked := mysqlStatusFields[name]
		if !tracked {
			continue
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			out[metric] = v
		}
	}
	return out, rows.Err()
}

func (p *mysqlProber) close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
