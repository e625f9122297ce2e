// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ipc implements the local transport between the protocol-adapter
// subsystem and the sensor-publish subsystem (spec §6 "Local IPC"): a Unix
// domain socket carrying UTF-8 payloads separated by a configurable regex
// delimiter. Protocol adapters dial out and write; sensor-publish listens
// and frames.
package ipc

import (
	"fmt"
	"regexp"
)

// DefaultDelimiter matches a bare or CRLF newline, the spec's default
// framing boundary.
const DefaultDelimiter = `\r?\n`

// CompileDelimiter validates and compiles a configured delimiter regex,
// refusing patterns that do not compile (spec.md "Configuration invalid
// (bad regex ...): refuses to start"). An empty pattern selects
// DefaultDelimiter.
func CompileDelimiter(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = DefaultDelimiter
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("ipc: invalid delimiter regex %q: %w", pattern, err)
	}
	return re, nil
}

// Framer buffers incoming IPC bytes and splits them into complete messages
// on a compiled delimiter, per spec.md §4.8 "Framing": everything before
// the last boundary is a set of complete messages, the tail remains
// buffered. Not safe for concurrent use; callers serialize access per
// connection.
type Framer struct {
	delim    *regexp.Regexp
	capacity int
	buf      []byte
}

// NewFramer builds a Framer with the given compiled delimiter and maximum
// buffered byte capacity (spec.md "buffer_capacity, bytes, ≥1024").
func NewFramer(delim *regexp.Regexp, capacity int) *Framer {
	return &Framer{delim: delim, capacity: capacity}
}

// FeedResult is the outcome of one Framer.Feed call.
type FeedResult struct {
	Messages []string
	// Overflowed is true when appending data would have exceeded capacity;
	// any complete messages still buffered are returned first, the
	// incomplete tail held before this write is discarded, and data is
	// then buffered and framed as usual (spec "Capacity exceeded ⇒ flush
	// current batch and warn").
	Overflowed bool
	// Dropped is true when a single chunk by itself exceeds capacity and
	// was discarded outright (spec "Single message exceeding capacity ⇒
	// drop with error").
	Dropped bool
}

// Feed appends data to the internal buffer and extracts every complete
// message the delimiter now bounds.
func (f *Framer) Feed(data []byte) FeedResult {
	if len(data) > f.capacity {
		return FeedResult{Dropped: true}
	}

	var result FeedResult
	if len(f.buf)+len(data) > f.capacity {
		result.Messages = f.flushComplete()
		result.Overflowed = true
		f.buf = f.buf[:0]
	}

	f.buf = append(f.buf, data...)
	more := f.flushComplete()
	result.Messages = append(result.Messages, more...)
	return result
}

// flushComplete splits the buffer on the delimiter, keeping any trailing
// partial message buffered, and returns the completed messages.
func (f *Framer) flushComplete() []string {
	locs := f.delim.FindAllIndex(f.buf, -1)
	if len(locs) == 0 {
		return nil
	}
	var msgs []string
	start := 0
	for _, loc := range locs {
		msgs = append(msgs, string(f.buf[start:loc[0]]))
		start = loc[1]
	}
	f.buf = append([]byte(nil), f.buf[start:]...)
	return msgs
}
