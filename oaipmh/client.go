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

// Package oaipmh implements an OAI-PMH 2.0 harvesting client, listing the
// headers and records of a repository as harvest.Source.
//
// Requests and responses use the model of the goharvest oai package, sent
// over a context-aware http.Client.
package oaipmh

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/horstmumpitz/goharvest/oai"
	"go.uber.org/zap"

	"github.com/opencitations/go-bibloader/harvest"
)

// Granularities supported by OAI-PMH repositories.
const (
	GranularityDay    = "YYYY-MM-DD"
	GranularitySecond = "YYYY-MM-DDThh:mm:ssZ"
)

const (
	dayLayout    = time.DateOnly
	secondLayout = "2006-01-02T15:04:05Z"
)

// Error is an error reported by the repository in an OAI-PMH response.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("oai-pmh error %s: %s", e.Code, strings.TrimSpace(e.Message))
}

// Config holds configuration for Client.
type Config struct {
	// BaseURL holds the repository's OAI-PMH base URL.
	BaseURL string

	// MetadataPrefix selects the metadata format of listed records.
	//
	// If MetadataPrefix is empty, "oai_dc" will be used.
	MetadataPrefix string

	// Set restricts listings to a set of the repository, if not empty.
	Set string

	// HTTPClient holds the client used for requests.
	//
	// If HTTPClient is nil, a client with a 5 minute timeout will be used.
	HTTPClient *http.Client

	// Logger holds an optional Logger.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger
}

// Client is an OAI-PMH client. Its methods are safe for concurrent use.
type Client struct {
	config Config

	mu          sync.Mutex
	granularity string
}

var _ harvest.Source = (*Client)(nil)

// Identity describes a repository, as reported by the Identify verb.
type Identity struct {
	RepositoryName    string   `yaml:"repository_name"`
	BaseURL           string   `yaml:"base_url"`
	ProtocolVersion   string   `yaml:"protocol_version"`
	AdminEmails       []string `yaml:"admin_emails"`
	EarliestDatestamp string   `yaml:"earliest_datestamp"`
	DeletedRecord     string   `yaml:"deleted_record"`
	Granularity       string   `yaml:"granularity"`
}

// MetadataFormat is a metadata format supported by a repository.
type MetadataFormat struct {
	MetadataPrefix    string `yaml:"metadata_prefix"`
	Schema            string `yaml:"schema"`
	MetadataNamespace string `yaml:"metadata_namespace"`
}

// New returns a Client for the repository at cfg.BaseURL. The client assumes
// day granularity until UpdateGranularity is called.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.MetadataPrefix == "" {
		cfg.MetadataPrefix = "oai_dc"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{config: cfg, granularity: GranularityDay}, nil
}

// Identify returns the repository's identity.
func (c *Client) Identify(ctx context.Context) (Identity, error) {
	resp, err := c.do(ctx, &oai.Request{BaseUrl: c.config.BaseURL, Verb: "Identify"})
	if err != nil {
		return Identity{}, err
	}
	id := resp.Identify
	return Identity{
		RepositoryName:    strings.TrimSpace(id.RepositoryName),
		BaseURL:           strings.TrimSpace(id.BaseURL),
		ProtocolVersion:   strings.TrimSpace(id.ProtocolVersion),
		AdminEmails:       id.AdminEmail,
		EarliestDatestamp: strings.TrimSpace(id.EarliestDatestamp),
		DeletedRecord:     strings.TrimSpace(id.DeletedRecord),
		Granularity:       strings.TrimSpace(id.Granularity),
	}, nil
}

// UpdateGranularity makes the client format dates with the granularity the
// repository reports, so that from and until arguments are accepted.
func (c *Client) UpdateGranularity(ctx context.Context) error {
	id, err := c.Identify(ctx)
	if err != nil {
		return err
	}
	switch id.Granularity {
	case GranularityDay, GranularitySecond:
	default:
		return fmt.Errorf("unsupported granularity %q", id.Granularity)
	}
	c.mu.Lock()
	c.granularity = id.Granularity
	c.mu.Unlock()
	return nil
}

// ListMetadataFormats returns the metadata formats the repository supports.
func (c *Client) ListMetadataFormats(ctx context.Context) ([]MetadataFormat, error) {
	resp, err := c.do(ctx, &oai.Request{BaseUrl: c.config.BaseURL, Verb: "ListMetadataFormats"})
	if err != nil {
		return nil, err
	}
	formats := make([]MetadataFormat, 0, len(resp.ListMetadataFormats.MetadataFormat))
	for _, f := range resp.ListMetadataFormats.MetadataFormat {
		formats = append(formats, MetadataFormat{
			MetadataPrefix:    strings.TrimSpace(f.MetadataPrefix),
			Schema:            strings.TrimSpace(f.Schema),
			MetadataNamespace: strings.TrimSpace(f.MetadataNamespace),
		})
	}
	return formats, nil
}

// ListIdentifiers returns the headers of the records with a datestamp
// between from and until, following resumption tokens until exhausted.
func (c *Client) ListIdentifiers(ctx context.Context, from, until time.Time) ([]harvest.Header, error) {
	var headers []harvest.Header
	err := c.list(ctx, "ListIdentifiers", from, until, func(resp *oai.Response) error {
		for _, h := range resp.ListIdentifiers.Headers {
			hdr, err := toHeader(h)
			if err != nil {
				return err
			}
			headers = append(headers, hdr)
		}
		return nil
	})
	return headers, err
}

// ListRecords returns the records with a datestamp between from and until,
// following resumption tokens until exhausted.
func (c *Client) ListRecords(ctx context.Context, from, until time.Time) ([]harvest.Record, error) {
	var records []harvest.Record
	err := c.list(ctx, "ListRecords", from, until, func(resp *oai.Response) error {
		for _, r := range resp.ListRecords.Records {
			rec, err := toRecord(r)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// GetRecord returns a single record.
func (c *Client) GetRecord(ctx context.Context, identifier string) (harvest.Record, error) {
	resp, err := c.do(ctx, &oai.Request{
		BaseUrl:        c.config.BaseURL,
		Verb:           "GetRecord",
		Identifier:     identifier,
		MetadataPrefix: c.config.MetadataPrefix,
	})
	if err != nil {
		return harvest.Record{}, err
	}
	return toRecord(resp.GetRecord.Record)
}

func (c *Client) list(
	ctx context.Context,
	verb string,
	from, until time.Time,
	page func(*oai.Response) error,
) error {
	req := &oai.Request{
		BaseUrl:        c.config.BaseURL,
		Verb:           verb,
		Set:            c.config.Set,
		MetadataPrefix: c.config.MetadataPrefix,
		From:           c.formatDate(from),
		Until:          c.formatDate(until),
	}
	for pages := 1; ; pages++ {
		resp, err := c.do(ctx, req)
		if err != nil {
			var oaiErr *Error
			if errors.As(err, &oaiErr) && oaiErr.Code == "noRecordsMatch" {
				return nil
			}
			return err
		}
		if err := page(resp); err != nil {
			return err
		}
		hasToken, token := resp.ResumptionToken()
		token = strings.TrimSpace(token)
		if !hasToken || token == "" {
			return nil
		}
		c.config.Logger.Debug("following resumption token",
			zap.String("verb", verb),
			zap.Int("page", pages),
		)
		req = &oai.Request{BaseUrl: c.config.BaseURL, Verb: verb, ResumptionToken: token}
	}
}

func (c *Client) formatDate(t time.Time) string {
	c.mu.Lock()
	granularity := c.granularity
	c.mu.Unlock()
	if granularity == GranularitySecond {
		return t.UTC().Format(secondLayout)
	}
	return t.Format(dayLayout)
}

// do sends req and decodes its response. oai.Request.GetFullURL does not
// escape argument values, so they are escaped on a copy first.
func (c *Client) do(ctx context.Context, req *oai.Request) (*oai.Response, error) {
	escaped := *req
	for _, v := range []*string{
		&escaped.Set,
		&escaped.MetadataPrefix,
		&escaped.Identifier,
		&escaped.ResumptionToken,
		&escaped.From,
		&escaped.Until,
	} {
		*v = url.QueryEscape(*v)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, escaped.GetFullURL(), nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := c.config.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", req.Verb, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", req.Verb, err)
	}
	c.config.Logger.Debug("oai-pmh request completed",
		zap.String("verb", req.Verb),
		zap.Int("status", res.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("took", time.Since(start)),
	)
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s request failed: unexpected status %d", req.Verb, res.StatusCode)
	}

	var resp oai.Response
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error decoding %s response: %w", req.Verb, err)
	}
	if resp.Error.Code != "" {
		return nil, &Error{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return &resp, nil
}

func toHeader(h oai.Header) (harvest.Header, error) {
	datestamp, err := parseDatestamp(h.DateStamp)
	if err != nil {
		return harvest.Header{}, fmt.Errorf("record %q: %w", h.Identifier, err)
	}
	return harvest.Header{
		Identifier: strings.TrimSpace(h.Identifier),
		Datestamp:  datestamp,
		SetSpec:    h.SetSpec,
		Deleted:    h.Status == "deleted",
	}, nil
}

func toRecord(r oai.Record) (harvest.Record, error) {
	hdr, err := toHeader(r.Header)
	if err != nil {
		return harvest.Record{}, err
	}
	metadata, err := flattenMetadata(r.Metadata.Body)
	if err != nil {
		return harvest.Record{}, fmt.Errorf("record %q: %w", hdr.Identifier, err)
	}
	return harvest.Record{Header: hdr, Metadata: metadata}, nil
}

func parseDatestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(secondLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datestamp %q", s)
	}
	return t, nil
}

// flattenMetadata maps the children of the metadata's root element, such as
// the elements of an oai_dc:dc record, to their trimmed text by local name.
// Nested elements contribute their text to the enclosing field.
func flattenMetadata(inner []byte) (map[string][]string, error) {
	fields := make(map[string][]string)
	dec := xml.NewDecoder(bytes.NewReader(inner))
	var depth int
	var field string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return fields, nil
		}
		if err != nil {
			return nil, fmt.Errorf("error decoding metadata: %w", err)
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				field = tok.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth >= 2 {
				text.Write(tok)
			}
		case xml.EndElement:
			if depth == 2 {
				if v := strings.TrimSpace(text.String()); v != "" {
					fields[field] = append(fields[field], v)
				}
			}
			depth--
		}
	}
}
