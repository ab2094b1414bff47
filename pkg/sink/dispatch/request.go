// Copyright 2025 PingCAP, Inc.
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

package dispatch

import (
	"time"

	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
)

// PendingRequest is a sealed buffer waiting in the queue of a unit. Its
// request is immutable once sealed so that a retry replays the same bytes.
type PendingRequest struct {
	req *WriteRequest
	// bytes is the budget held until the request is acknowledged or
	// discarded.
	bytes   int64
	retries int
	retryAt time.Time
}

// Request returns the wire request.
func (p *PendingRequest) Request() *WriteRequest { return p.req }

// Bytes returns the budget held by the request.
func (p *PendingRequest) Bytes() int64 { return p.bytes }

// buffer accumulates rows for the next request of a unit.
type buffer struct {
	fieldTypes []*types.FieldType
	chk        *chunk.Chunk
	tablets    []int64
	bytes      int64
	// since is when the first row was appended.
	since time.Time
}

func newBuffer(fieldTypes []*types.FieldType, capacity int) *buffer {
	return &buffer{
		fieldTypes: fieldTypes,
		chk:        chunk.New(fieldTypes, capacity),
	}
}

func (b *buffer) numRows() int { return len(b.tablets) }

func (b *buffer) append(src *chunk.Chunk, row int, tablet int64, now time.Time) int64 {
	if len(b.tablets) == 0 {
		b.since = now
	}
	b.chk.AppendRow(src, row)
	b.tablets = append(b.tablets, tablet)
	size := src.RowSize(row)
	b.bytes += size
	return size
}

// seal turns the buffered rows into a request. The payload is encoded here
// so the request holds no reference to any caller batch.
func (b *buffer) seal(base WriteRequest) *PendingRequest {
	req := base
	req.NumRows = len(b.tablets)
	req.RowTablets = make([]int32, 0, len(b.tablets))
	offsets := make(map[int64]int32)
	for _, tablet := range b.tablets {
		off, ok := offsets[tablet]
		if !ok {
			off = int32(len(req.TabletIDs))
			offsets[tablet] = off
			req.TabletIDs = append(req.TabletIDs, tablet)
		}
		req.RowTablets = append(req.RowTablets, off)
	}
	req.Payload = chunk.Encode(b.chk)
	return &PendingRequest{req: &req, bytes: b.bytes}
}

func (b *buffer) reset(capacity int) {
	b.chk = chunk.New(b.fieldTypes, capacity)
	b.tablets = nil
	b.bytes = 0
	b.since = time.Time{}
}

// BufferStrategy decides when the accumulating buffer of a unit is sealed.
type BufferStrategy interface {
	ShouldSeal(rows int, bytes int64) bool
}

// ThresholdStrategy seals once either limit is reached. A zero limit is
// ignored.
type ThresholdStrategy struct {
	MaxRows  int
	MaxBytes int64
}

// ShouldSeal implements BufferStrategy.
func (s ThresholdStrategy) ShouldSeal(rows int, bytes int64) bool {
	return (s.MaxRows > 0 && rows >= s.MaxRows) || (s.MaxBytes > 0 && bytes >= s.MaxBytes)
}
