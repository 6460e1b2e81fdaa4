// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package logfile tails log files and feeds each new line through the parser
// registry.
package logfile

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/logstream/pkg/entry"
	"github.com/DataDog/logstream/pkg/parsers"
	"github.com/DataDog/logstream/pkg/util/log"
)

// maxLineBytes bounds a single tailed line; longer lines are split.
const maxLineBytes = 256 * 1024

// Collector tails one file. Polls read everything appended since the last
// offset; truncation or rotation resets the tail to the top of the new file.
type Collector struct {
	path     string
	source   string
	format   string
	interval time.Duration
	registry *parsers.Registry

	offset  int64
	partial string
}

// New builds a tailer for path. The source tag defaults to the path, the
// format tag may be "auto".
func New(path, source, format string, interval time.Duration, registry *parsers.Registry) *Collector {
	if source == "" {
		source = path
	}
	if format == "" {
		format = parsers.FormatAuto
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Collector{
		path:     path,
		source:   source,
		format:   format,
		interval: interval,
		registry: registry,
	}
}

// ID implements collector.Collector.
func (c *Collector) ID() string { return "logfile:" + c.path }

// Interval implements collector.Collector.
func (c *Collector) Interval() time.Duration { return c.interval }

// Start positions the tail at the current end of the file so that only lines
// written after startup are ingested. A missing file is fine; it may appear
// later.
func (c *Collector) Start() error {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("logfile: %s does not exist yet, tailing from creation", c.path)
			return nil
		}
		return errors.Wrapf(err, "logfile: cannot stat %s", c.path)
	}
	c.offset = info.Size()
	return nil
}

// Stop implements collector.Collector.
func (c *Collector) Stop() error { return nil }

// Poll reads and parses the lines appended since the previous poll.
func (c *Collector) Poll(ctx context.Context) ([]*entry.Entry, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "logfile: cannot open %s", c.path)
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "logfile: cannot stat %s", c.path)
	}
	if info.Size() < c.offset {
		log.Infof("logfile: %s rotated, restarting from top", c.path)
		c.offset = 0
		c.partial = ""
	}
	if _, err := f.Seek(c.offset, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "logfile: cannot seek %s", c.path)
	}

	var batch []*entry.Entry
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return batch, nil
		}
		line, err := reader.ReadString('\n')
		c.offset += int64(len(line))
		if err != nil {
			// hold the incomplete tail until the writer finishes the line;
			// the offset already covers it, the next poll resumes after
			c.partial += line
			if err == io.EOF {
				return batch, nil
			}
			return batch, errors.Wrapf(err, "logfile: read %s", c.path)
		}
		full := c.partial + strings.TrimRight(line, "\r\n")
		c.partial = ""
		if full == "" {
			continue
		}
		if len(full) > maxLineBytes {
			full = full[:maxLineBytes]
		}
		e, perr := c.registry.ParseLine(c.source, c.path, c.format, full)
		if perr != nil {
			return nil, perr
		}
		e.SetTag("file", c.path)
		batch = append(batch, e)
	}
}
