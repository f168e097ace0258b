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

// Package bibloader provides a synchronous, single-writer batcher for bulk
// loading bibliographic documents into an Elasticsearch index.
//
// Documents are accumulated in insertion order until the configured batch
// size is reached, or until the batcher is drained, at which point they are
// sent to the index as a single _bulk request. After each flush the batch may
// optionally be handed to a Matcher, which links the freshly loaded documents
// to the rest of the index.
//
// Delivery is at-least-once per batch: the buffer is reset before the bulk
// request completes and a failed batch is never retried by the batcher.
package bibloader
