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

// Package bibloadertest provides a mock Elasticsearch bulk endpoint and
// recording collaborators for testing code built on bibloader.
package bibloadertest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/opencitations/go-bibloader"
)

// BulkAction is a decoded bulk request action line, with its source line.
type BulkAction struct {
	Type       string
	DocumentID string
	Source     []byte
}

// ReadBulkBody returns the uncompressed body of a /_bulk request.
func ReadBulkBody(r *http.Request) []byte {
	var body io.Reader = r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}
	data, err := io.ReadAll(body)
	if err != nil {
		panic(err)
	}
	return data
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// actions and a response body reporting every item as created.
func DecodeBulkRequest(r *http.Request) ([]BulkAction, esutil.BulkIndexerResponse) {
	return DecodeBulkBody(ReadBulkBody(r))
}

// DecodeBulkBody is like DecodeBulkRequest, for an uncompressed body.
func DecodeBulkBody(body []byte) ([]BulkAction, esutil.BulkIndexerResponse) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(nil, 16*1024*1024)
	var actions []BulkAction
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		action := make(map[string]map[string]any)
		if err := json.NewDecoder(strings.NewReader(scanner.Text())).Decode(&action); err != nil {
			panic(err)
		}
		var actionType string
		for actionType = range action {
		}
		id, _ := action[actionType]["_id"].(string)
		if !scanner.Scan() {
			panic("expected source")
		}

		doc := append([]byte{}, scanner.Bytes()...)
		if !json.Valid(doc) {
			panic(fmt.Errorf("invalid JSON: %s", doc))
		}
		actions = append(actions, BulkAction{Type: actionType, DocumentID: id, Source: doc})

		item := esutil.BulkIndexerResponseItem{DocumentID: id, Status: http.StatusCreated}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{actionType: item})
	}
	return actions, result
}

// DocumentIDs returns the ids of actions, in order.
func DocumentIDs(actions []BulkAction) []string {
	ids := make([]string, 0, len(actions))
	for _, a := range actions {
		ids = append(ids, a.DocumentID)
	}
	return ids
}

// NewMockElasticsearch starts an httptest.Server handling /_bulk requests
// with bulkHandler, and returns its URL. The server is closed via t.Cleanup.
func NewMockElasticsearch(t testing.TB, bulkHandler http.HandlerFunc) string {
	mux := http.NewServeMux()
	HandleBulk(mux, bulkHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	Handle(mux, "/_bulk", bulkHandler)
}

// Handle registers handler with mux for handling requests to path,
// wrapping handler to conform with go-elasticsearch version checking.
func Handle(mux *http.ServeMux, path string, handler http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		handler.ServeHTTP(w, r)
	})
}

// NewBatcher returns a bibloader.Batcher for cfg, failing t on error.
func NewBatcher(t testing.TB, cfg bibloader.Config) *bibloader.Batcher {
	b, err := bibloader.New(cfg)
	require.NoError(t, err)
	return b
}

// RecordingMatcher is a bibloader.Matcher recording the batches it is given.
type RecordingMatcher struct {
	// Err is returned by every Match call.
	Err error

	mu      sync.Mutex
	batches [][]bibloader.Document
}

// Match records docs.
func (m *RecordingMatcher) Match(_ context.Context, docs []bibloader.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]bibloader.Document(nil), docs...))
	return m.Err
}

// Batches returns the batches recorded so far.
func (m *RecordingMatcher) Batches() [][]bibloader.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]bibloader.Document(nil), m.batches...)
}
