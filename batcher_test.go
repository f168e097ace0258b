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

package bibloader_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/v2/apmtest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/opencitations/go-bibloader"
	"github.com/opencitations/go-bibloader/bibloadertest"
)

// bulkRecorder records the documents ids of every bulk request it serves.
type bulkRecorder struct {
	mu       sync.Mutex
	requests     [][]string
	bodies       [][]byte
	contentTypes []string
}

func (rec *bulkRecorder) handler(w http.ResponseWriter, r *http.Request) {
	body := bibloadertest.ReadBulkBody(r)
	actions, result := bibloadertest.DecodeBulkBody(body)
	rec.mu.Lock()
	rec.requests = append(rec.requests, bibloadertest.DocumentIDs(actions))
	rec.bodies = append(rec.bodies, body)
	rec.contentTypes = append(rec.contentTypes, r.Header.Get("Content-Type"))
	rec.mu.Unlock()
	json.NewEncoder(w).Encode(result)
}

func (rec *bulkRecorder) Requests() [][]string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([][]string(nil), rec.requests...)
}

func (rec *bulkRecorder) Bodies() [][]byte {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([][]byte(nil), rec.bodies...)
}

func (rec *bulkRecorder) ContentTypes() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.contentTypes...)
}

func newDoc(id string) bibloader.Document {
	return bibloader.Document{
		"_id":   id,
		"title": "On the electrodynamics of moving bodies " + id,
		"year":  1905,
	}
}

func addDoc(t testing.TB, b *bibloader.Batcher, id string) *bibloader.BulkResponse {
	resp, err := b.Add(context.Background(), newDoc(id))
	require.NoError(t, err)
	return resp
}

func TestBatcherDrainUnderBatchSize(t *testing.T) {
	var rec bulkRecorder
	endpoint := bibloadertest.NewMockElasticsearch(t, rec.handler)
	b := bibloadertest.NewBatcher(t, bibloader.Config{BatchSize: 10, BulkEndpoint: endpoint})

	ids := []string{"e", "a", "d", "b", "c"}
	for _, id := range ids {
		assert.Nil(t, addDoc(t, b, id))
	}
	assert.Empty(t, rec.Requests())
	assert.Equal(t, len(ids), b.Len())

	resp, err := b.Drain(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.IsError())
	assert.Len(t, resp.Documents, len(ids))
	assert.Equal(t, int64(len(ids)), resp.Stat.Indexed)
	assert.Equal(t, [][]string{ids}, rec.Requests())
	assert.Zero(t, b.Len())
}

func TestBatcherFlushesEveryBatchSize(t *testing.T) {
	for _, tc := range []struct {
		Name      string
		BatchSize int
		Docs      int
	}{
		{Name: "batch_1", BatchSize: 1, Docs: 3},
		{Name: "batch_2", BatchSize: 2, Docs: 8},
		{Name: "batch_5", BatchSize: 5, Docs: 25},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			var rec bulkRecorder
			endpoint := bibloadertest.NewMockElasticsearch(t, rec.handler)
			b := bibloadertest.NewBatcher(t, bibloader.Config{BatchSize: tc.BatchSize, BulkEndpoint: endpoint})

			var flushes int
			for i := 0; i < tc.Docs; i++ {
				resp := addDoc(t, b, string(rune('a'+i)))
				if (i+1)%tc.BatchSize == 0 {
					require.NotNil(t, resp)
					assert.Len(t, resp.Documents, tc.BatchSize)
					flushes++
				} else {
					assert.Nil(t, resp)
				}
			}
			requests := rec.Requests()
			assert.Len(t, requests, tc.Docs/tc.BatchSize)
			assert.Equal(t, flushes, len(requests))
			for _, ids := range requests {
				assert.Len(t, ids, tc.BatchSize)
			}

			// Nothing is left to flush.
			resp, err := b.Drain(context.Background())
			require.NoError(t, err)
			assert.Nil(t, resp)
			assert.Len(t, rec.Requests(), tc.Docs/tc.BatchSize)

			stats := b.Stats()
			assert.Equal(t, int64(tc.Docs), stats.Added)
			assert.Equal(t, int64(tc.Docs), stats.Indexed)
			assert.Equal(t, int64(tc.Docs/tc.BatchSize), stats.BulkRequests)
		})
	}
}

func TestBatcherFlushOrder(t *testing.T) {
	var rec bulkRecorder
	endpoint := bibloadertest.NewMockElasticsearch(t, rec.handler)
	b := bibloadertest.NewBatcher(t, bibloader.Config{BatchSize: 2, BulkEndpoint: endpoint})

	assert.Nil(t, addDoc(t, b, "a"))
	resp := addDoc(t, b, "b")
	require.NotNil(t, resp)
	assert.Equal(t, [][]string{{"a", "b"}}, rec.Requests())
	assert.Zero(t, b.Len())

	assert.Nil(t, addDoc(t, b, "c"))
	resp, err := b.Drain(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, rec.Requests())
}

func TestBatcherPayload(t *testing.T) {
	var rec bulkRecorder
	endpoint := bibloadertest.NewMockElasticsearch(t, rec.handler)
	b := bibloadertest.NewBatcher(t, bibloader.Config{BatchSize: 1, BulkEndpoint: endpoint})

	doc := bibloader.Document{
		"_id":        "x",
		"title":      "A <b>bold</b> title",
		"identifier": []any{map[string]any{"type": "doi", "id": "10.1000/182"}},
		"year":       2012,
	}
	_, err := b.Add(context.Background(), doc)
	require.NoError(t, err)

	encoded, err := json.Marshal(doc)
	require.NoError(t, err)
	bodies := rec.Bodies()
	require.Len(t, bodies, 1)
	assert.Equal(t, `{"index":{"_id": "x"}}`+"\n"+string(encoded)+"\n", string(bodies[0]))
	assert.Equal(t, []string{"application/x-ndjson"}, rec.ContentTypes())
}

func TestBatcherEndpointPrefix(t *testing.T) {
	var rec bulkRecorder
	mux := http.NewServeMux()
	bibloadertest.Handle(mux, "/records/_bulk", rec.handler)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := bibloadertest.NewBatcher(t, bibloader.Config{BatchSize: 1, BulkEndpoint: srv.URL + "/records/"})
	resp := addDoc(t, b, "a")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, [][]string{{"a"}}, rec.Requests())
}

func TestBatcherEmptyDrain(t *testing.T) {
	var requests atomic.Int64
	endpoint := bibloadertest.NewMockElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	})
	b := bibloadertest.NewBatcher(t, bibloader.Config{BatchSize: 3, BulkEndpoint: endpoint})
	for i := 0; i < 3; i++ {
		resp, err := b.Drain(context.Background())
		require.NoError(t, err)
		assert.Nil(t, resp)
	}
	assert.Zero(t, requests.Load())
	assert.Equal(t, bibloader.Stats{}, b.Stats())
}

func TestBatcherMissingID(t *testing.T) {
	var rec bulkRecorder
	endpoint := bibloadertest.NewMockElasticsearch(t, rec.handler)
	b := bibloadertest.NewBatcher(t, bibloader.Config{BatchSize: 1, BulkEndpoint: endpoint})

	for _, doc := range []bibloader.Document{
		{"title": "no id"},
		{"_id": ""},
		{"_id": 42},
	} {
		resp, err := b.Add(context.Background(), doc)
		assert.ErrorIs(t, err, bibloader.ErrMissingID)
		assert.Nil(t, resp)
	}
	assert.Zero(t, b.Len())
	assert.Empty(t, rec.Requests())
}

func TestBatcherMatch(t *testing.T) {
	var rec bulkRecorder
	endpoint := bibloadertest.NewMockElasticsearch(t, rec.handler)
	var matcher bibloadertest.RecordingMatcher
	b := bibloadertest.NewBatcher(t, bibloader.Config{
		BatchSize:    1,
		BulkEndpoint: endpoint,
		MatchEnabled: true,
		Matcher:      &matcher,
	})

	doc := newDoc("d")
	_, err := b.Add(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, [][]bibloader.Document{{doc}}, matcher.Batches())
	assert.Equal(t, int64(1), b.Stats().MatchRuns)
}

func TestBatcherMatchDisabled(t *testing.T) {
	var rec bulkRecorder
	endpoint := bibloadertest.NewMockElasticsearch(t, rec.handler)
	var matcher bibloadertest.RecordingMatcher
	b := bibloadertest.NewBatcher(t, bibloader.Config{
		BatchSize:    1,
		BulkEndpoint: endpoint,
		Matcher:      &matcher,
	})
	addDoc(t, b, "d")
	assert.Empty(t, matcher.Batches())
}

func TestBatcherMatchError(t *testing.T) {
	var rec bulkRecorder
	endpoint := bibloadertest.NewMockElasticsearch(t, rec.handler)
	matcher := bibloadertest.RecordingMatcher{Err: errors.New("index unavailable")}
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	b := bibloadertest.NewBatcher(t, bibloader.Config{
		BatchSize:    2,
		BulkEndpoint: endpoint,
		MatchEnabled: true,
		Matcher:      &matcher,
		Logger:       zap.New(core),
	})

	addDoc(t, b, "a")
	resp := addDoc(t, b, "b")
	require.NotNil(t, resp)
	assert.False(t, resp.IsError())
	require.Len(t, matcher.Batches(), 1)
	assert.Len(t, matcher.Batches()[0], 2)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.MatchRuns)
	assert.Equal(t, int64(1), stats.MatchFailed)
	entries := observed.FilterMessage("cross-reference matching failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "index unavailable", entries[0].ContextMap()["error"])
}

func TestBatcherIndexRejection(t *testing.T) {
	for _, tc := range []struct {
		Name       string
		StatusCode int
		Want       bibloader.Stats
	}{
		{
			Name:       "500",
			StatusCode: http.StatusInternalServerError,
			Want:       bibloader.Stats{Failed: 2, FailedServer: 2},
		},
		{
			Name:       "400",
			StatusCode: http.StatusBadRequest,
			Want:       bibloader.Stats{Failed: 2, FailedClient: 2},
		},
		{
			Name:       "429",
			StatusCode: http.StatusTooManyRequests,
			Want:       bibloader.Stats{Failed: 2, TooManyRequests: 2},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			endpoint := bibloadertest.NewMockElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.StatusCode)
				w.Write([]byte(`{"error":{"type":"x_content_parse_exception","reason":"reason"},"status":400}`))
			})
			var matcher bibloadertest.RecordingMatcher
			core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
			b := bibloadertest.NewBatcher(t, bibloader.Config{
				BatchSize:    2,
				BulkEndpoint: endpoint,
				MatchEnabled: true,
				Matcher:      &matcher,
				Logger:       zap.New(core),
			})

			addDoc(t, b, "a")
			resp, err := b.Add(context.Background(), newDoc("b"))
			require.NoError(t, err)
			require.NotNil(t, resp)
			assert.True(t, resp.IsError())
			assert.Equal(t, tc.StatusCode, resp.StatusCode)
			assert.Contains(t, string(resp.Body), "x_content_parse_exception")
			assert.Len(t, resp.Documents, 2)
			assert.Zero(t, b.Len())

			// The matcher runs whatever the status.
			assert.Len(t, matcher.Batches(), 1)

			stats := b.Stats()
			stats.Added, stats.BulkRequests, stats.MatchRuns = 0, 0, 0
			stats.BytesTotal, stats.BytesUncompressedTotal = 0, 0
			assert.Equal(t, tc.Want, stats)
			assert.Len(t, observed.FilterMessage("bulk indexing request rejected").All(), 1)
		})
	}
}

func TestBatcherTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	var matcher bibloadertest.RecordingMatcher
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	b := bibloadertest.NewBatcher(t, bibloader.Config{
		BatchSize:    2,
		BulkEndpoint: endpoint,
		MatchEnabled: true,
		Matcher:      &matcher,
		Logger:       zap.New(core),
	})

	addDoc(t, b, "a")
	resp, err := b.Add(context.Background(), newDoc("b"))
	assert.Nil(t, resp)
	require.Error(t, err)

	var errTransport *bibloader.TransportError
	require.ErrorAs(t, err, &errTransport)
	assert.Equal(t, []bibloader.Document{newDoc("a"), newDoc("b")}, errTransport.Documents)

	// The in-flight documents are gone from the batcher.
	assert.Zero(t, b.Len())
	resp, err = b.Drain(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, resp)

	assert.Empty(t, matcher.Batches())
	stats := b.Stats()
	assert.Equal(t, int64(2), stats.TransportErrors)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Zero(t, stats.BytesTotal)
	assert.Len(t, observed.FilterMessage("bulk indexing request failed").All(), 1)
}

func TestBatcherItemFailures(t *testing.T) {
	endpoint := bibloadertest.NewMockElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := bibloadertest.DecodeBulkRequest(r)
		result.HasErrors = true
		for i, item := range result.Items {
			itemResp := item["index"]
			itemResp.Index = "records"
			switch i % 4 {
			case 1:
				itemResp.Status = http.StatusBadRequest
				itemResp.Error.Type = "document_parsing_exception"
				itemResp.Error.Reason = "failed to parse field [year]. Preview of field's value: 'MMXII'"
			case 2:
				itemResp.Status = http.StatusTooManyRequests
				itemResp.Error.Type = "es_rejected_execution_exception"
				itemResp.Error.Reason = "rejected"
			case 3:
				itemResp.Status = http.StatusServiceUnavailable
				itemResp.Error.Type = "unavailable_shards_exception"
				itemResp.Error.Reason = "primary shard is not active"
			}
			item["index"] = itemResp
		}
		json.NewEncoder(w).Encode(result)
	})

	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	b := bibloadertest.NewBatcher(t, bibloader.Config{
		BatchSize:    8,
		BulkEndpoint: endpoint,
		Logger:       zap.New(core),
	})
	var resp *bibloader.BulkResponse
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		resp = addDoc(t, b, id)
	}
	require.NotNil(t, resp)
	assert.False(t, resp.IsError())
	assert.Equal(t, int64(2), resp.Stat.Indexed)
	require.Len(t, resp.Stat.FailedDocs, 6)
	assert.Equal(t, "b", resp.Stat.FailedDocs[0].DocumentID)
	assert.Equal(t, 1, resp.Stat.FailedDocs[0].Position)
	assert.Equal(t, "failed to parse field [year]", resp.Stat.FailedDocs[0].Error.Reason)

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Indexed)
	assert.Equal(t, int64(6), stats.Failed)
	assert.Equal(t, int64(2), stats.FailedClient)
	assert.Equal(t, int64(2), stats.TooManyRequests)
	assert.Equal(t, int64(2), stats.FailedServer)

	entries := observed.FilterMessageSnippet("failed to index").TakeAll()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Message < entries[j].Message
	})
	require.Len(t, entries, 3)
	assert.Equal(t, "failed to index documents in 'records' (document_parsing_exception): failed to parse field [year]", entries[0].Message)
	assert.Equal(t, int64(2), entries[0].Context[0].Integer)
	assert.Equal(t, "failed to index documents in 'records' (es_rejected_execution_exception): rejected", entries[1].Message)
	assert.Equal(t, "failed to index documents in 'records' (unavailable_shards_exception): primary shard is not active", entries[2].Message)
}

func TestBatcherConcurrentAdd(t *testing.T) {
	var rec bulkRecorder
	endpoint := bibloadertest.NewMockElasticsearch(t, rec.handler)
	b := bibloadertest.NewBatcher(t, bibloader.Config{BatchSize: 10, BulkEndpoint: endpoint})

	const producers = 8
	const perProducer = 25
	var flushes atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				resp, err := b.Add(context.Background(), newDoc(string(rune('A'+p))+string(rune('a'+i))))
				if !assert.NoError(t, err) {
					return
				}
				if resp != nil {
					flushes.Add(1)
				}
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, int64(producers*perProducer/10), flushes.Load())
	for _, ids := range rec.Requests() {
		assert.Len(t, ids, 10)
	}
	resp, err := b.Drain(context.Background())
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, int64(producers*perProducer), b.Stats().Indexed)
}

func TestBatcherMetrics(t *testing.T) {
	var rec bulkRecorder
	endpoint := bibloadertest.NewMockElasticsearch(t, rec.handler)
	rdr := sdkmetric.NewManualReader()
	attrs := attribute.NewSet(attribute.String("source", "pmc"))
	var matcher bibloadertest.RecordingMatcher
	b := bibloadertest.NewBatcher(t, bibloader.Config{
		BatchSize:        2,
		BulkEndpoint:     endpoint,
		MatchEnabled:     true,
		Matcher:          &matcher,
		MeterProvider:    sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
		MetricAttributes: attrs,
	})
	for _, id := range []string{"a", "b", "c"} {
		addDoc(t, b, id)
	}
	_, err := b.Drain(context.Background())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	counters := make(map[string]int64)
	var names []string
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names = append(names, m.Name)
		sum, ok := m.Data.(metricdata.Sum[int64])
		if !ok {
			continue
		}
		for _, dp := range sum.DataPoints {
			v, ok := dp.Attributes.Value("source")
			assert.True(t, ok)
			assert.Equal(t, "pmc", v.AsString())
			counters[m.Name] += dp.Value
		}
	}
	assert.ElementsMatch(t, []string{
		"bibloader.flushed.latency",
		"bibloader.match.latency",
		"bibloader.bulk_requests.count",
		"bibloader.documents.count",
		"bibloader.documents.processed",
		"bibloader.flushed.bytes",
		"bibloader.flushed.uncompressed.bytes",
		"bibloader.match.count",
	}, names)

	stats := b.Stats()
	assert.Equal(t, int64(3), counters["bibloader.documents.count"])
	assert.Equal(t, int64(3), counters["bibloader.documents.processed"])
	assert.Equal(t, int64(2), counters["bibloader.bulk_requests.count"])
	assert.Equal(t, int64(2), counters["bibloader.match.count"])
	assert.Equal(t, stats.BytesTotal, counters["bibloader.flushed.bytes"])
	assert.Equal(t, stats.BytesUncompressedTotal, counters["bibloader.flushed.uncompressed.bytes"])
}

func TestBatcherTracing(t *testing.T) {
	testBatcherTracing(t, 200, "success")
	testBatcherTracing(t, 400, "failure")
}

func testBatcherTracing(t *testing.T, statusCode int, expectedOutcome string) {
	endpoint := bibloadertest.NewMockElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statusCode)
		_, result := bibloadertest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})

	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	tracer := apmtest.NewRecordingTracer()
	defer tracer.Close()
	b := bibloadertest.NewBatcher(t, bibloader.Config{
		BatchSize:    100,
		BulkEndpoint: endpoint,
		Logger:       zap.New(core),
		Tracer:       tracer.Tracer,
	})

	const N = 10
	for i := 0; i < N; i++ {
		addDoc(t, b, string(rune('a'+i)))
	}
	_, err := b.Drain(context.Background())
	require.NoError(t, err)

	tracer.Flush(nil)
	payloads := tracer.Payloads()
	require.Len(t, payloads.Transactions, 1)
	assert.Equal(t, expectedOutcome, payloads.Transactions[0].Outcome)
	assert.Equal(t, "output", payloads.Transactions[0].Type)
	assert.Equal(t, "bibloader.flush", payloads.Transactions[0].Name)

	correlatedLogs := observed.FilterFieldKey("transaction.id").All()
	assert.NotEmpty(t, correlatedLogs)
}

func TestBatcherOtelTracing(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		testTracedFlush(t, 200, sdktrace.Status{Code: codes.Ok})
	})
	t.Run("failure", func(t *testing.T) {
		testTracedFlush(t, 400, sdktrace.Status{
			Code:        codes.Error,
			Description: "bulk indexing request rejected",
		})
	})
}

func testTracedFlush(t *testing.T, responseCode int, status sdktrace.Status) {
	endpoint := bibloadertest.NewMockElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(responseCode)
		_, result := bibloadertest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})

	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	var matcher bibloadertest.RecordingMatcher
	b := bibloadertest.NewBatcher(t, bibloader.Config{
		BatchSize:      100,
		BulkEndpoint:   endpoint,
		Logger:         zap.New(core),
		TracerProvider: tp,
		MatchEnabled:   true,
		Matcher:        &matcher,
	})

	const N = 10
	for i := 0; i < N; i++ {
		addDoc(t, b, string(rune('a'+i)))
	}
	_, err := b.Drain(context.Background())
	require.NoError(t, err)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)

	// Spans are exported as they end: the match span ends first.
	matchSpan, flushSpan := spans[0], spans[1]
	assert.Equal(t, "bibloader.match", matchSpan.Name)
	assert.Equal(t, flushSpan.SpanContext.SpanID(), matchSpan.Parent.SpanID())
	assert.Equal(t, "bibloader.flush", flushSpan.Name)
	assert.Equal(t, status, flushSpan.Status)
	for _, a := range flushSpan.Attributes {
		if a.Key == "documents" {
			assert.Equal(t, int64(N), a.Value.AsInt64())
		}
	}

	correlatedLogs := observed.FilterFieldKey("traceId").All()
	require.NotEmpty(t, correlatedLogs)
	assert.Equal(t, flushSpan.SpanContext.TraceID().String(), correlatedLogs[0].ContextMap()["traceId"])
}

func TestNewValidation(t *testing.T) {
	for name, cfg := range map[string]bibloader.Config{
		"zero_batch_size":   {BulkEndpoint: "http://localhost:9200/records/"},
		"no_endpoint":       {BatchSize: 1},
		"match_no_matcher":  {BatchSize: 1, BulkEndpoint: "http://localhost:9200/", MatchEnabled: true},
		"compression_level": {BatchSize: 1, BulkEndpoint: "http://localhost:9200/", CompressionLevel: 10},
	} {
		t.Run(name, func(t *testing.T) {
			b, err := bibloader.New(cfg)
			assert.Error(t, err)
			assert.Nil(t, b)
		})
	}
}
