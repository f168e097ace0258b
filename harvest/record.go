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
	"time"

	"github.com/opencitations/go-bibloader"
)

// Header holds the envelope of a harvested record.
type Header struct {
	Identifier string
	Datestamp  time.Time
	SetSpec    []string
	Deleted    bool
}

// Record is a harvested record: its header, and its metadata flattened to
// field name and values.
type Record struct {
	Header   Header
	Metadata map[string][]string
}

// Source lists the records of a remote repository within a date range.
type Source interface {
	ListIdentifiers(ctx context.Context, from, until time.Time) ([]Header, error)
	ListRecords(ctx context.Context, from, until time.Time) ([]Record, error)
}

// Sink receives canonical documents. It is implemented by *bibloader.Batcher.
type Sink interface {
	Add(ctx context.Context, doc bibloader.Document) (*bibloader.BulkResponse, error)
	Drain(ctx context.Context) (*bibloader.BulkResponse, error)
}
