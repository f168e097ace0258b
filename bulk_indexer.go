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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"unsafe"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
)

// Documents are encoded with the standard library's rules (sorted map keys,
// HTML escaping) so payloads are byte-for-byte predictable.
var docJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// BulkIndexerConfig holds configuration for BulkIndexer.
type BulkIndexerConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). The special value -1 (gzip.DefaultCompression)
	// selects the default compression level.
	CompressionLevel int
}

// BulkIndexer encodes documents into a single _bulk request body, and sends
// it on Flush.
//
// BulkIndexer is not safe for concurrent use.
type BulkIndexer struct {
	config            BulkIndexerConfig
	itemsAdded        int
	bytesFlushed      int
	bytesUncompressed int
	jsonw             fastjson.Writer
	writer            io.Writer
	gzipw             *gzip.Writer
	copyBuf           []byte
	buf               bytes.Buffer
	docs              []Document
}

// BulkIndexerResponseStat summarises the items of a successful _bulk response.
type BulkIndexerResponseStat struct {
	Indexed    int64
	FailedDocs []BulkIndexerResponseItem
}

// BulkIndexerResponseItem represents the Elasticsearch response item.
type BulkIndexerResponseItem struct {
	DocumentID string `json:"_id"`
	Index      string `json:"_index"`
	Status     int    `json:"status"`

	// Position holds the item's position in the request.
	Position int

	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// BulkResponse holds the outcome of a flush which reached the index.
//
// A response with a non-2xx StatusCode is not an error: the index rejected
// the request, and it is up to the caller to decide what to do about it.
type BulkResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Documents holds the flushed documents, in request order.
	Documents []Document

	// Stat holds the decoded response items. It is only populated for
	// 2xx responses.
	Stat BulkIndexerResponseStat
}

// IsError reports whether the index responded with a non-2xx status.
func (r *BulkResponse) IsError() bool {
	return r.StatusCode < 200 || r.StatusCode > 299
}

// String returns the status line and body, for logging.
func (r *BulkResponse) String() string {
	return fmt.Sprintf("[%d %s] %s", r.StatusCode, http.StatusText(r.StatusCode), r.Body)
}

// TransportError is returned when a bulk request does not produce a response,
// for example because the connection was refused or timed out.
//
// The batch is not retried; Documents holds it for callers wishing to do so.
type TransportError struct {
	Documents []Document
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bulk request of %d documents failed: %v", len(e.Documents), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("bibloader.BulkIndexerResponseStat", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		stat := (*BulkIndexerResponseStat)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			switch s {
			case "items":
				var idx int
				iter.ReadArrayCB(func(i *jsoniter.Iterator) bool {
					return i.ReadMapCB(func(i *jsoniter.Iterator, s string) bool {
						var item BulkIndexerResponseItem
						i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
							switch s {
							case "_id":
								item.DocumentID = i.ReadString()
							case "_index":
								item.Index = i.ReadString()
							case "status":
								item.Status = i.ReadInt()
							case "error":
								i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
									switch s {
									case "type":
										item.Error.Type = i.ReadString()
									case "reason":
										// Drop the field value preview of mapper errors:
										// failed to parse field [%s] of type [%s] in %s. Preview of field's value: '%s'
										item.Error.Reason, _, _ = strings.Cut(
											i.ReadString(), ". Preview",
										)
									default:
										i.Skip()
									}
									return true
								})
							default:
								i.Skip()
							}
							return true
						})
						item.Position = idx
						idx++
						if item.Error.Type != "" || item.Status > 201 {
							stat.FailedDocs = append(stat.FailedDocs, item)
						} else {
							stat.Indexed++
						}
						return true
					})
				})
				// no need to proceed further, return early
				return false
			default:
				i.Skip()
				return true
			}
		})
	})
}

// NewBulkIndexer returns a bulk indexer that issues bulk requests to Elasticsearch.
func NewBulkIndexer(cfg BulkIndexerConfig) (*BulkIndexer, error) {
	if cfg.Client == nil {
		return nil, errors.New("client is nil")
	}

	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}

	b := &BulkIndexer{config: cfg}
	if cfg.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b, nil
}

func (b *BulkIndexer) resetBuf() {
	b.itemsAdded = 0
	b.bytesUncompressed = 0
	b.docs = nil
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// Items returns the number of buffered documents.
func (b *BulkIndexer) Items() int {
	return b.itemsAdded
}

// Len returns the number of buffered bytes.
func (b *BulkIndexer) Len() int {
	return b.buf.Len()
}

// UncompressedLen returns the number of uncompressed buffered bytes.
func (b *BulkIndexer) UncompressedLen() int {
	return b.bytesUncompressed
}

// BytesFlushed returns the number of bytes sent by the last Flush.
func (b *BulkIndexer) BytesFlushed() int {
	return b.bytesFlushed
}

// Add encodes doc in the buffer as an index action followed by its source.
func (b *BulkIndexer) Add(doc Document) error {
	id, ok := doc.ID()
	if !ok {
		return ErrMissingID
	}
	source, err := docJSON.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %q: %w", id, err)
	}
	b.writeMeta(id)
	n, err := b.writer.Write(b.jsonw.Bytes())
	b.bytesUncompressed += n
	b.jsonw.Reset()
	if err != nil {
		return fmt.Errorf("failed to write bulk action: %w", err)
	}
	n, err = b.writer.Write(append(source, '\n'))
	b.bytesUncompressed += n
	if err != nil {
		return fmt.Errorf("failed to write document %q: %w", id, err)
	}
	b.docs = append(b.docs, doc)
	b.itemsAdded++
	return nil
}

func (b *BulkIndexer) writeMeta(documentID string) {
	b.jsonw.RawString(`{"index":{"_id": `)
	b.jsonw.String(documentID)
	b.jsonw.RawString("}}\n")
}

// Flush executes a bulk request if there are any documents buffered.
//
// The buffer is cleared before the request is sent, whatever its outcome.
// A nil response and nil error are returned when nothing is buffered. Errors
// that prevented a response from being received are of type *TransportError;
// a response which could not be decoded is returned together with an error.
func (b *BulkIndexer) Flush(ctx context.Context) (*BulkResponse, error) {
	if b.itemsAdded == 0 {
		return nil, nil
	}
	docs := b.docs

	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			b.resetBuf()
			return nil, &TransportError{
				Documents: docs,
				Err:       fmt.Errorf("failed closing the gzip writer: %w", err),
			}
		}
	}

	if cap(b.copyBuf) < b.buf.Len() {
		b.copyBuf = slices.Grow(b.copyBuf, b.buf.Len()-cap(b.copyBuf))
	}
	b.copyBuf = b.copyBuf[:b.buf.Len()]
	bytesFlushed := copy(b.copyBuf, b.buf.Bytes())
	b.resetBuf()

	req := esapi.BulkRequest{
		Body:   bytes.NewReader(b.copyBuf),
		Header: make(http.Header),
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	b.bytesFlushed = 0
	res, err := req.Do(ctx, b.config.Client)
	if err != nil {
		return nil, &TransportError{
			Documents: docs,
			Err:       fmt.Errorf("failed to execute the request: %w", err),
		}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &TransportError{
			Documents: docs,
			Err:       fmt.Errorf("failed to read the response: %w", err),
		}
	}

	// Record the number of flushed bytes only when a response was received.
	// The body may not have been sent otherwise.
	b.bytesFlushed = bytesFlushed
	resp := &BulkResponse{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
		Documents:  docs,
	}
	if resp.IsError() {
		return resp, nil
	}
	if err := jsoniter.Unmarshal(body, &resp.Stat); err != nil {
		return resp, fmt.Errorf("error decoding bulk response: %w", err)
	}
	return resp, nil
}
