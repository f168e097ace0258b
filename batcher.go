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
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Batcher accumulates documents and bulk loads them into an index.
//
// Batcher buffers documents in insertion order until `config.BatchSize`
// documents have been added, at which point the Add call that reached the
// threshold flushes them as one _bulk request and waits for the response.
// Drain flushes whatever is left, and must be called once the caller has no
// more documents to add.
//
// Flushes are synchronous and never overlap. The buffer is reset as part of
// every flush, before the bulk request completes: a batch whose request fails
// is not kept for retry.
type Batcher struct {
	docsAdded              atomic.Int64
	bulkRequests           atomic.Int64
	docsIndexed            atomic.Int64
	docsFailed             atomic.Int64
	docsFailedClient       atomic.Int64
	docsFailedServer       atomic.Int64
	tooManyRequests        atomic.Int64
	transportErrors        atomic.Int64
	matchRuns              atomic.Int64
	matchFailed            atomic.Int64
	bytesTotal             atomic.Int64
	bytesUncompressedTotal atomic.Int64

	config  Config
	indexer *BulkIndexer
	metrics metrics
	mu      sync.Mutex

	// tracer is an OTel tracer, and should not be confused with `b.config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// Stats holds cumulative Batcher statistics.
type Stats struct {
	// Added holds the number of documents added to the batcher.
	Added int64

	// BulkRequests holds the number of flushes attempted.
	BulkRequests int64

	// Indexed holds the number of documents the index reported as indexed.
	Indexed int64

	// Failed holds the number of documents which were not indexed, whatever
	// the reason.
	Failed int64

	// FailedClient holds the number of documents which failed with a 4xx
	// status, excluding 429.
	FailedClient int64

	// FailedServer holds the number of documents which failed with a 5xx status.
	FailedServer int64

	// TooManyRequests holds the number of documents which failed with a 429 status.
	TooManyRequests int64

	// TransportErrors holds the number of documents lost to bulk requests
	// which received no response.
	TransportErrors int64

	// MatchRuns holds the number of batches handed to the Matcher.
	MatchRuns int64

	// MatchFailed holds the number of Matcher calls which returned an error.
	MatchFailed int64

	// BytesTotal holds the number of bytes sent in bulk request bodies.
	BytesTotal int64

	// BytesUncompressedTotal holds the number of uncompressed bytes written
	// to bulk request bodies.
	BytesUncompressedTotal int64
}

// New returns a new Batcher configured by cfg.
func New(cfg Config) (*Batcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		c, err := NewClient(cfg.BulkEndpoint)
		if err != nil {
			return nil, err
		}
		client = c
	}
	indexer, err := NewBulkIndexer(BulkIndexerConfig{
		Client:           client,
		CompressionLevel: cfg.CompressionLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating bulk indexer: %w", err)
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	b := &Batcher{
		config:  cfg,
		indexer: indexer,
		metrics: ms,
	}
	if cfg.TracerProvider != nil {
		b.tracer = cfg.TracerProvider.Tracer("github.com/opencitations/go-bibloader")
	}
	return b, nil
}

// Add appends doc to the buffer. If the buffer reaches the batch size, the
// buffered documents are flushed before Add returns.
//
// The returned response is non-nil only when a flush took place and the index
// answered, whatever the status code. An error is returned when doc has no _id
// (ErrMissingID), or when the flush request failed without a response
// (*TransportError). In the latter case the flushed documents are no longer
// buffered.
func (b *Batcher) Add(ctx context.Context, doc Document) (*BulkResponse, error) {
	if _, ok := doc.ID(); !ok {
		return nil, ErrMissingID
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.indexer.Add(doc); err != nil {
		return nil, err
	}
	b.docsAdded.Add(1)
	b.metrics.docsAdded.Add(context.Background(), 1, metric.WithAttributeSet(b.config.MetricAttributes))

	if b.indexer.Items() < b.config.BatchSize {
		return nil, nil
	}
	return b.flush(ctx)
}

// Drain flushes any buffered documents, regardless of the batch size. Drain
// is a no-op returning a nil response if nothing is buffered.
//
// Drain returns like Add does when it flushes.
func (b *Batcher) Drain(ctx context.Context) (*BulkResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flush(ctx)
}

// Len returns the number of buffered documents.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.indexer.Items()
}

// Stats returns the batcher statistics.
func (b *Batcher) Stats() Stats {
	return Stats{
		Added:                  b.docsAdded.Load(),
		BulkRequests:           b.bulkRequests.Load(),
		Indexed:                b.docsIndexed.Load(),
		Failed:                 b.docsFailed.Load(),
		FailedClient:           b.docsFailedClient.Load(),
		FailedServer:           b.docsFailedServer.Load(),
		TooManyRequests:        b.tooManyRequests.Load(),
		TransportErrors:        b.transportErrors.Load(),
		MatchRuns:              b.matchRuns.Load(),
		MatchFailed:            b.matchFailed.Load(),
		BytesTotal:             b.bytesTotal.Load(),
		BytesUncompressedTotal: b.bytesUncompressedTotal.Load(),
	}
}

// flush must be called with b.mu held.
func (b *Batcher) flush(ctx context.Context) (*BulkResponse, error) {
	n := b.indexer.Items()
	if n == 0 {
		return nil, nil
	}
	uncompressed := b.indexer.UncompressedLen()
	attrs := metric.WithAttributeSet(b.config.MetricAttributes)
	b.bulkRequests.Add(1)
	defer b.metrics.bulkRequests.Add(context.Background(), 1, attrs)

	logger := b.config.Logger
	var tx *apm.Transaction
	var span trace.Span
	if b.config.Tracer != nil {
		tx = b.config.Tracer.StartTransaction("bibloader.flush", "output")
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	} else if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "bibloader.flush", trace.WithAttributes(
			attribute.Int("documents", n),
		))
		defer span.End()

		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	flushCtx := ctx
	if b.config.FlushTimeout != 0 {
		var flushCancel context.CancelFunc
		flushCtx, flushCancel = context.WithTimeout(ctx, b.config.FlushTimeout)
		defer flushCancel()
	}

	var resp *BulkResponse
	var err error
	took := timeFunc(func() {
		resp, err = b.indexer.Flush(flushCtx)
	})
	b.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)

	if flushed := b.indexer.BytesFlushed(); flushed > 0 {
		b.bytesTotal.Add(int64(flushed))
		b.metrics.bytesTotal.Add(context.Background(), int64(flushed), attrs)
		b.bytesUncompressedTotal.Add(int64(uncompressed))
		b.metrics.bytesUncompressedTotal.Add(context.Background(), int64(uncompressed), attrs)
	}

	var errTransport *TransportError
	if errors.As(err, &errTransport) {
		b.docsFailed.Add(int64(n))
		b.transportErrors.Add(int64(n))
		status := "Transport"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = "Timeout"
		}
		b.metrics.docsIndexed.Add(
			context.Background(),
			int64(n),
			metric.WithAttributes(attribute.String("status", status)),
			attrs,
		)
		logger.Error("bulk indexing request failed", zap.Error(err), zap.Int("documents", n))
		if tx != nil {
			apm.CaptureError(ctx, err).Send()
			tx.Outcome = "failure"
		}
		if span != nil && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bulk indexing request failed")
		}
		return nil, err
	}
	if err != nil {
		logger.Warn("ignoring undecodable bulk response", zap.Error(err), zap.Int("status", resp.StatusCode))
	}

	if resp.IsError() {
		b.recordRejection(logger, resp, n, attrs)
		if tx != nil {
			tx.Outcome = "failure"
		}
		if span != nil && span.IsRecording() {
			span.SetStatus(codes.Error, "bulk indexing request rejected")
		}
	} else {
		b.recordItems(ctx, logger, resp, tx, span, attrs)
		if tx != nil {
			tx.Outcome = "success"
		}
		if span != nil && span.IsRecording() && len(resp.Stat.FailedDocs) == 0 {
			span.SetStatus(codes.Ok, "")
		}
	}

	if b.config.MatchEnabled {
		b.match(ctx, logger, resp.Documents)
	}
	return resp, nil
}

// recordRejection accounts for a bulk request rejected as a whole.
func (b *Batcher) recordRejection(logger *zap.Logger, resp *BulkResponse, n int, attrs metric.MeasurementOption) {
	b.docsFailed.Add(int64(n))
	var status string
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		b.tooManyRequests.Add(int64(n))
		status = "TooMany"
	case resp.StatusCode >= 500:
		b.docsFailedServer.Add(int64(n))
		status = "FailedServer"
	default:
		b.docsFailedClient.Add(int64(n))
		status = "FailedClient"
	}
	b.metrics.docsIndexed.Add(
		context.Background(),
		int64(n),
		metric.WithAttributes(
			attribute.String("status", status),
			semconv.HTTPResponseStatusCode(resp.StatusCode),
		),
		attrs,
	)
	logger.Error("bulk indexing request rejected",
		zap.Int("status", resp.StatusCode),
		zap.ByteString("response", resp.Body),
		zap.Int("documents", n),
	)
}

// recordItems accounts for the per-document outcomes of a 2xx bulk response.
func (b *Batcher) recordItems(
	ctx context.Context,
	logger *zap.Logger,
	resp *BulkResponse,
	tx *apm.Transaction,
	span trace.Span,
	attrs metric.MeasurementOption,
) {
	var tooManyRequests, clientFailed, serverFailed int64
	docsIndexed := resp.Stat.Indexed
	docsFailed := int64(len(resp.Stat.FailedDocs))

	var failedCount map[BulkIndexerResponseItem]int
	if docsFailed > 0 {
		failedCount = make(map[BulkIndexerResponseItem]int, docsFailed)
	}
	for _, info := range resp.Stat.FailedDocs {
		switch {
		case info.Status == http.StatusTooManyRequests:
			tooManyRequests++
		case info.Status >= 500:
			serverFailed++
		default:
			clientFailed++
		}
		// reset position and id so that the response item can be used as key in the map
		info.Position = 0
		info.DocumentID = ""
		failedCount[info]++
		if tx != nil {
			apm.CaptureError(ctx, errors.New(info.Error.Reason)).Send()
		}
		if span != nil && span.IsRecording() {
			e := errors.New(info.Error.Reason)
			span.RecordError(e)
			span.SetStatus(codes.Error, e.Error())
		}
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.Index, key.Error.Type, key.Error.Reason,
		), zap.Int("documents", count))
	}

	b.docsIndexed.Add(docsIndexed)
	b.docsFailed.Add(docsFailed)
	b.tooManyRequests.Add(tooManyRequests)
	b.docsFailedClient.Add(clientFailed)
	b.docsFailedServer.Add(serverFailed)
	for status, count := range map[string]int64{
		"Success":      docsIndexed,
		"TooMany":      tooManyRequests,
		"FailedClient": clientFailed,
		"FailedServer": serverFailed,
	} {
		if count == 0 {
			continue
		}
		b.metrics.docsIndexed.Add(
			context.Background(),
			count,
			metric.WithAttributes(attribute.String("status", status)),
			attrs,
		)
	}
	logger.Debug(
		"bulk request completed",
		zap.Int64("docs_indexed", docsIndexed),
		zap.Int64("docs_failed", docsFailed),
		zap.Int64("docs_rate_limited", tooManyRequests),
	)
}

// match hands docs to the configured Matcher. Matcher errors are logged and
// counted, but not returned.
func (b *Batcher) match(ctx context.Context, logger *zap.Logger, docs []Document) {
	var span trace.Span
	if b.config.Tracer != nil {
		var apmSpan *apm.Span
		apmSpan, ctx = apm.StartSpan(ctx, "bibloader.match", "app.internal")
		defer apmSpan.End()
	} else if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "bibloader.match", trace.WithAttributes(
			attribute.Int("documents", len(docs)),
		))
		defer span.End()
	}

	var err error
	took := timeFunc(func() {
		err = b.config.Matcher.Match(ctx, docs)
	})
	b.matchRuns.Add(1)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		b.matchFailed.Add(1)
		logger.Error("cross-reference matching failed", zap.Error(err), zap.Int("documents", len(docs)))
		if b.config.Tracer != nil {
			apm.CaptureError(ctx, err).Send()
		}
		if span != nil && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cross-reference matching failed")
		}
	}
	attrs := metric.WithAttributeSet(b.config.MetricAttributes)
	b.metrics.matchRuns.Add(context.Background(), 1, attrs,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	b.metrics.matchDuration.Record(context.Background(), took.Seconds(), attrs)
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
