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
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/opencitations/go-bibloader"
)

// CreatedFormat is the layout of the _created field.
const CreatedFormat = "2006-01-02 1504"

// DatestampFormat is the layout of the oaipmh.datestamp field: a UTC time
// with no zone suffix.
const DatestampFormat = "2006-01-02T15:04:05"

// BibConfig holds the bookkeeping values stamped on every canonical document.
type BibConfig struct {
	// URLPrefix is prepended to a document's _id to form its url.
	URLPrefix string

	// Creator names the account the documents are created by.
	Creator string

	// Collection names the collection the documents belong to.
	Collection string
}

// DocumentID returns the canonical _id of the record with the given
// repository identifier: the hex encoded MD5 sum of the identifier.
func DocumentID(identifier string) string {
	sum := md5.Sum([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

// Bibify maps rec to a canonical bibliographic document.
func Bibify(rec Record, cfg BibConfig, now time.Time) bibloader.Document {
	doc := make(bibloader.Document, len(rec.Metadata)+10)
	for field, values := range rec.Metadata {
		doc[field] = append([]string(nil), values...)
	}

	setSpec := rec.Header.SetSpec
	if setSpec == nil {
		setSpec = []string{}
	}
	doc["oaipmh.identifier"] = rec.Header.Identifier
	doc["oaipmh.datestamp"] = rec.Header.Datestamp.UTC().Format(DatestampFormat)
	doc["oaipmh.setSpec"] = setSpec
	doc["oaipmh.isDeleted"] = rec.Header.Deleted

	id := DocumentID(rec.Header.Identifier)
	url := cfg.URLPrefix + id
	doc[bibloader.IDField] = id
	doc["url"] = url
	doc["_collection"] = []string{cfg.Creator + "_____" + cfg.Collection}
	doc["_created"] = now.Format(CreatedFormat)
	doc["_created_by"] = cfg.Creator

	identifiers := make([]any, 0, len(rec.Metadata["identifier"])+1)
	for _, v := range rec.Metadata["identifier"] {
		identifiers = append(identifiers, v)
	}
	doc["identifier"] = append(identifiers, map[string]any{
		"type": "bibsoup",
		"id":   id,
		"url":  url,
	})
	return doc
}
