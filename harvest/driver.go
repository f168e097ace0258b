// Copyright 2026 The OpenCitations Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencitations/go-bibloader"
)

// Config holds configuration for Driver.
type Config struct {
	// From and Until delimit the harvested date range.
	From  time.Time
	Until time.Time

	// DeltaMonths holds the size of each harvest window, in months. A
	// negative value harvests the range from the most recent window back.
	//
	// If DeltaMonths is zero, the default of 1 will be used.
	DeltaMonths int

	// Bib holds the bookkeeping values stamped on every document.
	Bib BibConfig

	// Logger holds an optional Logger.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Now returns the creation time stamped on documents.
	//
	// If Now is nil, time.Now will be used.
	Now func() time.Time
}

// Summary reports what a harvest run did.
type Summary struct {
	Windows     int
	Identifiers int
	Records     int

	// Flushes holds the number of bulk requests which received a response,
	// and Rejected the number of those which had a non-2xx status.
	Flushes  int
	Rejected int
}

// Driver harvests records from a Source into a Sink.
type Driver struct {
	source Source
	sink   Sink
	config Config
}

// NewDriver returns a Driver harvesting from source into sink.
func NewDriver(source Source, sink Sink, cfg Config) (*Driver, error) {
	if source == nil {
		return nil, errors.New("source is nil")
	}
	if sink == nil {
		return nil, errors.New("sink is nil")
	}
	if cfg.From.IsZero() || cfg.Until.IsZero() {
		return nil, errors.New("both From and Until must be set")
	}
	if cfg.DeltaMonths == 0 {
		cfg.DeltaMonths = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Driver{source: source, sink: sink, config: cfg}, nil
}

// Run harvests every window of the configured range, in order, adding each
// record to the sink as it was received, and drains the sink once the last
// window is done.
//
// Bulk requests rejected by the index are logged and the run continues. Any
// error, including a failed bulk request, aborts the run without draining:
// documents still buffered by the sink are not loaded.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	logger := d.config.Logger
	start := time.Now()
	windows := MonthWindows(d.config.From, d.config.Until, d.config.DeltaMonths)
	logger.Info("starting harvest",
		zap.Time("from", d.config.From),
		zap.Time("until", d.config.Until),
		zap.Int("delta_months", d.config.DeltaMonths),
		zap.Int("windows", len(windows)),
	)
	for _, w := range windows {
		windowLogger := logger.With(
			zap.String("from", w.From.Format(time.DateOnly)),
			zap.String("until", w.Until.Format(time.DateOnly)),
		)
		took := time.Now()
		headers, records, err := d.fetch(ctx, w)
		if err != nil {
			return summary, fmt.Errorf(
				"failed to harvest %s to %s: %w",
				w.From.Format(time.DateOnly), w.Until.Format(time.DateOnly), err,
			)
		}
		summary.Windows++
		summary.Identifiers += len(headers)
		windowLogger.Info("received window",
			zap.Int("identifiers", len(headers)),
			zap.Int("records", len(records)),
			zap.Duration("took", time.Since(took)),
		)
		for _, h := range headers {
			windowLogger.Debug("identifier",
				zap.String("identifier", h.Identifier),
				zap.Time("datestamp", h.Datestamp),
				zap.Strings("set_spec", h.SetSpec),
				zap.Bool("deleted", h.Deleted),
			)
		}

		for _, rec := range records {
			resp, err := d.sink.Add(ctx, Bibify(rec, d.config.Bib, d.config.Now()))
			if err != nil {
				return summary, fmt.Errorf("failed to load record %q: %w", rec.Header.Identifier, err)
			}
			summary.Records++
			d.observe(windowLogger, resp, &summary)
		}
	}

	resp, err := d.sink.Drain(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to load final batch: %w", err)
	}
	d.observe(logger, resp, &summary)
	logger.Info("harvest completed",
		zap.Int("windows", summary.Windows),
		zap.Int("records", summary.Records),
		zap.Int("flushes", summary.Flushes),
		zap.Int("rejected", summary.Rejected),
		zap.Duration("took", time.Since(start)),
	)
	return summary, nil
}

// fetch lists the identifiers and records of w concurrently.
func (d *Driver) fetch(ctx context.Context, w Window) ([]Header, []Record, error) {
	var headers []Header
	var records []Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		headers, err = d.source.ListIdentifiers(gctx, w.From, w.Until)
		if err != nil {
			return fmt.Errorf("failed to list identifiers: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		records, err = d.source.ListRecords(gctx, w.From, w.Until)
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return headers, records, nil
}

func (d *Driver) observe(logger *zap.Logger, resp *bibloader.BulkResponse, summary *Summary) {
	if resp == nil {
		return
	}
	summary.Flushes++
	if resp.IsError() {
		summary.Rejected++
		logger.Warn("index rejected batch, continuing",
			zap.Int("status", resp.StatusCode),
			zap.Int("documents", len(resp.Documents)),
		)
		return
	}
	logger.Info("loaded batch",
		zap.Int("documents", len(resp.Documents)),
		zap.Int64("indexed", resp.Stat.Indexed),
		zap.Int("failed", len(resp.Stat.FailedDocs)),
	)
}
