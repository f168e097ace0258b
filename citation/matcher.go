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

// Package citation links freshly indexed bibliographic documents to the
// documents they cite, and to the documents citing them.
//
// Links are stored on both sides: the citing document's "cites" field and
// the cited document's "citedby" field hold the _ids of the other side.
package citation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/fastjson"
	"go.uber.org/zap"

	"github.com/opencitations/go-bibloader"
)

const (
	citesField   = "cites"
	citedByField = "citedby"

	identifierField = "identifier"
	citationField   = "citation"
)

// linkScript appends the ids in params to the document's link fields,
// skipping ids already present.
const linkScript = `for (String f : ['cites', 'citedby']) {
  if (params[f] == null) { continue; }
  if (ctx._source[f] == null) { ctx._source[f] = new ArrayList(); }
  for (def id : params[f]) {
    if (!ctx._source[f].contains(id)) { ctx._source[f].add(id); }
  }
}`

// Config holds configuration for Matcher.
type Config struct {
	// Client holds the client of the index the documents were loaded into.
	Client esapi.Transport

	// MaxHits bounds the number of documents each search returns.
	//
	// If MaxHits is zero, the default of 1000 will be used.
	MaxHits int

	// Logger holds an optional Logger.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger
}

// Matcher is a bibloader.Matcher searching the index for citation links of
// every batch it is given.
type Matcher struct {
	config Config
}

var _ bibloader.Matcher = (*Matcher)(nil)

// New returns a new Matcher.
func New(cfg Config) (*Matcher, error) {
	if cfg.Client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.MaxHits < 0 {
		return nil, fmt.Errorf("expected MaxHits >= 0, got %d", cfg.MaxHits)
	}
	if cfg.MaxHits == 0 {
		cfg.MaxHits = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Matcher{config: cfg}, nil
}

type link struct {
	citing string
	cited  string
}

// Match links docs to each other and to the documents of the index.
func (m *Matcher) Match(ctx context.Context, docs []bibloader.Document) error {
	batch := make([]entry, 0, len(docs))
	var ownIDs, citedIDs []string
	for _, doc := range docs {
		e := newEntry(doc)
		if e.id == "" {
			continue
		}
		batch = append(batch, e)
		ownIDs = append(ownIDs, e.identifiers...)
		citedIDs = append(citedIDs, e.cited...)
	}
	if len(batch) == 0 {
		return nil
	}

	links := make(map[link]struct{})
	for _, citing := range batch {
		for _, cited := range batch {
			citing.linkTo(cited, links)
		}
	}

	if len(citedIDs) > 0 {
		hits, err := m.search(ctx, "identifier.id", citedIDs)
		if err != nil {
			return fmt.Errorf("failed to search cited documents: %w", err)
		}
		for _, hit := range hits {
			for _, citing := range batch {
				citing.linkTo(hit, links)
			}
		}
	}
	if len(ownIDs) > 0 {
		hits, err := m.search(ctx, "citation.identifier.id", ownIDs)
		if err != nil {
			return fmt.Errorf("failed to search citing documents: %w", err)
		}
		for _, hit := range hits {
			for _, cited := range batch {
				hit.linkTo(cited, links)
			}
		}
	}

	if len(links) == 0 {
		return nil
	}
	m.config.Logger.Debug("linking documents",
		zap.Int("documents", len(batch)),
		zap.Int("links", len(links)),
	)
	return m.update(ctx, links)
}

// entry holds the ids a document is known by and the ids it cites.
type entry struct {
	id          string
	identifiers []string
	cited       []string
}

func newEntry(doc bibloader.Document) entry {
	id, _ := doc.ID()
	e := entry{id: id, identifiers: identifierIDs(doc[identifierField])}
	forEach(doc[citationField], func(citation any) {
		if c, ok := citation.(map[string]any); ok {
			e.cited = append(e.cited, identifierIDs(c[identifierField])...)
		}
	})
	return e
}

// linkTo records a link when e cites any identifier of other. Self links are
// ignored.
func (e entry) linkTo(other entry, links map[link]struct{}) {
	if e.id == other.id {
		return
	}
	for _, cited := range e.cited {
		for _, id := range other.identifiers {
			if cited == id {
				links[link{citing: e.id, cited: other.id}] = struct{}{}
				return
			}
		}
	}
}

// identifierIDs returns the ids of a bibjson identifier list, whose entries
// are either plain strings or objects with an "id" field.
func identifierIDs(v any) []string {
	var ids []string
	forEach(v, func(item any) {
		switch item := item.(type) {
		case string:
			if item != "" {
				ids = append(ids, item)
			}
		case map[string]any:
			if id, ok := item["id"].(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
	})
	return ids
}

func forEach(v any, f func(any)) {
	switch v := v.(type) {
	case nil:
	case []any:
		for _, item := range v {
			f(item)
		}
	case []string:
		for _, item := range v {
			f(item)
		}
	case []map[string]any:
		for _, item := range v {
			f(item)
		}
	default:
		f(v)
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string             `json:"_id"`
			Source bibloader.Document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (m *Matcher) search(ctx context.Context, field string, ids []string) ([]entry, error) {
	query, err := jsoniter.Marshal(map[string]any{
		"query":   map[string]any{"terms": map[string]any{field: dedup(ids)}},
		"_source": []string{identifierField, citationField},
	})
	if err != nil {
		return nil, err
	}
	size := m.config.MaxHits
	req := esapi.SearchRequest{
		Body: bytes.NewReader(query),
		Size: &size,
	}
	body, err := m.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := jsoniter.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error decoding search response: %w", err)
	}
	hits := make([]entry, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		e := newEntry(hit.Source)
		e.id = hit.ID
		hits = append(hits, e)
	}
	return hits, nil
}

func (m *Matcher) update(ctx context.Context, links map[link]struct{}) error {
	params := make(map[string]map[string][]string)
	add := func(id, field, other string) {
		p, ok := params[id]
		if !ok {
			p = make(map[string][]string)
			params[id] = p
		}
		p[field] = append(p[field], other)
	}
	for l := range links {
		add(l.citing, citesField, l.cited)
		add(l.cited, citedByField, l.citing)
	}
	ids := make([]string, 0, len(params))
	for id := range params {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var w fastjson.Writer
	for _, id := range ids {
		p := params[id]
		for _, field := range p {
			sort.Strings(field)
		}
		w.RawString(`{"update":{"_id":`)
		w.String(id)
		w.RawString("}}\n")
		source, err := jsoniter.Marshal(map[string]any{
			"script": map[string]any{
				"source": linkScript,
				"lang":   "painless",
				"params": p,
			},
		})
		if err != nil {
			return err
		}
		w.RawBytes(source)
		w.RawByte('\n')
	}

	req := esapi.BulkRequest{
		Body:   bytes.NewReader(w.Bytes()),
		Header: http.Header{"Content-Type": {"application/x-ndjson"}},
	}
	body, err := m.do(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to update links: %w", err)
	}
	var stat bibloader.BulkIndexerResponseStat
	if err := jsoniter.Unmarshal(body, &stat); err != nil {
		return fmt.Errorf("error decoding bulk response: %w", err)
	}
	if n := len(stat.FailedDocs); n > 0 {
		first := stat.FailedDocs[0]
		return fmt.Errorf("failed to update links of %d documents: %s (%s)",
			n, first.Error.Type, first.Error.Reason,
		)
	}
	return nil
}

type request interface {
	Do(context.Context, esapi.Transport) (*esapi.Response, error)
}

func (m *Matcher) do(ctx context.Context, req request) ([]byte, error) {
	res, err := req.Do(ctx, m.config.Client)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", res.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
