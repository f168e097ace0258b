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
)

// IDField holds the name of the field carrying a document's identifier.
const IDField = "_id"

// ErrMissingID is returned by Batcher.Add for documents without a non-empty
// string _id field.
var ErrMissingID = errors.New("document has no _id")

// Document is one bibliographic record in its canonical JSON shape.
//
// Every field other than _id is opaque to the batcher.
type Document map[string]any

// ID returns the document's _id and whether it is a non-empty string.
func (d Document) ID() (string, bool) {
	id, ok := d[IDField].(string)
	return id, ok && id != ""
}

// Matcher links a batch of freshly indexed documents to the rest of the index.
type Matcher interface {
	// Match is called synchronously with the documents of a flushed batch,
	// in insertion order.
	Match(ctx context.Context, docs []Document) error
}

// MatcherFunc is a function that implements Matcher.
type MatcherFunc func(ctx context.Context, docs []Document) error

// Match calls f(ctx, docs).
func (f MatcherFunc) Match(ctx context.Context, docs []Document) error {
	return f(ctx, docs)
}
