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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config holds configuration for Batcher.
type Config struct {
	// BatchSize holds the number of documents that triggers a flush.
	//
	// BatchSize must be greater than zero.
	BatchSize int

	// BulkEndpoint holds the URL prefix of the index's bulk endpoint, for
	// example "http://localhost:9200/records/". Bulk requests are sent to
	// BulkEndpoint followed by "_bulk".
	//
	// BulkEndpoint is ignored when Client is set.
	BulkEndpoint string

	// Client holds an optional transport used to issue requests.
	//
	// If Client is nil, an Elasticsearch client is created for BulkEndpoint
	// with request retries disabled.
	Client esapi.Transport

	// MatchEnabled toggles invoking Matcher after each flush.
	MatchEnabled bool

	// Matcher holds the cross-reference matcher invoked with every flushed
	// batch when MatchEnabled is true.
	Matcher Matcher

	// Logger holds an optional Logger to use for logging bulk requests.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each flush is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced.
	Tracer *apm.Tracer

	// TracerProvider holds an optional otel TracerProvider used when Tracer
	// is nil.
	TracerProvider trace.TracerProvider

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// FlushTimeout holds the flush timeout as a duration.
	//
	// If FlushTimeout is zero, no timeout will be used.
	FlushTimeout time.Duration

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record batcher metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set
}

// Validate checks cfg for values New cannot work with.
func (cfg Config) Validate() error {
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("expected BatchSize greater than 0, got %d", cfg.BatchSize)
	}
	if cfg.Client == nil && cfg.BulkEndpoint == "" {
		return errors.New("one of BulkEndpoint or Client must be set")
	}
	if cfg.MatchEnabled && cfg.Matcher == nil {
		return errors.New("matching is enabled but Matcher is nil")
	}
	if cfg.CompressionLevel < gzip.DefaultCompression || cfg.CompressionLevel > gzip.BestCompression {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	return nil
}

// NewClient returns an Elasticsearch client sending requests below endpoint.
//
// Retries are disabled: a failed request is reported to the caller once.
func NewClient(endpoint string) (*elasticsearch.Client, error) {
	endpoint = strings.TrimRight(endpoint, "/")
	if endpoint == "" {
		return nil, errors.New("empty bulk endpoint")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{endpoint},
		DisableRetry: true,
		Transport:    apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %q: %w", endpoint, err)
	}
	return client, nil
}
