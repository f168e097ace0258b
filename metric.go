// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package bibloader

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	flushDuration          metric.Float64Histogram
	matchDuration          metric.Float64Histogram
	bulkRequests           metric.Int64Counter
	docsAdded              metric.Int64Counter
	docsIndexed            metric.Int64Counter
	bytesTotal             metric.Int64Counter
	bytesUncompressedTotal metric.Int64Counter
	matchRuns              metric.Int64Counter
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

func newMetrics(cfg Config) (metrics, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter("github.com/opencitations/go-bibloader")
	ms := metrics{}
	histograms := []histogramMetric{
		{
			name:        "bibloader.flushed.latency",
			description: "The amount of time a _bulk request took, in seconds.",
			unit:        "s",
			p:           &ms.flushDuration,
		},
		{
			name:        "bibloader.match.latency",
			description: "The amount of time matching a flushed batch took, in seconds.",
			unit:        "s",
			p:           &ms.matchDuration,
		},
	}
	for _, m := range histograms {
		if err := newFloat64Histogram(meter, m); err != nil {
			return ms, err
		}
	}

	counters := []counterMetric{
		{
			name:        "bibloader.bulk_requests.count",
			description: "The number of bulk requests completed.",
			p:           &ms.bulkRequests,
		},
		{
			name:        "bibloader.documents.count",
			description: "The number of documents added to the batcher.",
			p:           &ms.docsAdded,
		},
		{
			name:        "bibloader.documents.processed",
			description: "The number of flushed documents. Dimensions report success or the kind of failure.",
			p:           &ms.docsIndexed,
		},
		{
			name:        "bibloader.flushed.bytes",
			description: "The total number of bytes written to the request body",
			unit:        "by",
			p:           &ms.bytesTotal,
		},
		{
			name:        "bibloader.flushed.uncompressed.bytes",
			description: "The total number of uncompressed bytes written to the request body",
			unit:        "by",
			p:           &ms.bytesUncompressedTotal,
		},
		{
			name:        "bibloader.match.count",
			description: "The number of flushed batches handed to the matcher.",
			p:           &ms.matchRuns,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return ms, err
		}
	}
	return ms, nil
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	unit := c.unit
	if unit == "" {
		unit = "1"
	}
	m, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(unit),
		metric.WithDescription(c.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", c.name, err,
		)
	}
	*c.p = m
	return nil
}

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	m, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", h.name, err,
		)
	}
	*h.p = m
	return nil
}
