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

package partition

import (
	"fmt"

	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
	"github.com/twmb/murmur3"
)

// Status is the outcome of routing one row.
type Status int

// Routing outcomes.
const (
	// Found means the row has a target tablet in every index.
	Found Status = iota
	// NotFound means no partition accepts the row.
	NotFound
	// Skip means the row belongs to a partition the session does not load.
	Skip
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not-found"
	case Skip:
		return "skip"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// RoutingTarget is the destination of a row in one index. It is owned by
// the snapshot and must not be modified.
type RoutingTarget struct {
	IndexID     int64
	PartitionID int64
	TabletID    int64
	Replicas    []int64
}

// RouteResult is the outcome of Route. Targets holds one entry per index of
// the table, in index order, when Status is Found.
type RouteResult struct {
	Status  Status
	Targets []RoutingTarget
}

// Router computes the destination tablets of rows. A Router is not safe for
// concurrent use; create one per producer.
type Router struct {
	snap *Snapshot
	key  []types.Datum
	buf  []byte
}

// NewRouter creates a router over snap.
func NewRouter(snap *Snapshot) *Router {
	return &Router{snap: snap}
}

// Snapshot returns the metadata snapshot the router reads.
func (r *Router) Snapshot() *Snapshot { return r.snap }

// Route returns the destination of row i of chk, whose columns follow the
// destination schema. The same row content always gets the same targets
// from the same snapshot.
func (r *Router) Route(chk *chunk.Chunk, i int) RouteResult {
	part, ok := r.findPartition(chk, i)
	if !ok {
		return RouteResult{Status: NotFound}
	}
	p := r.snap.partitions[part]
	if !r.snap.loads(p.ID) {
		return RouteResult{Status: Skip}
	}
	bucket := r.bucket(chk, i, p.NumBuckets)
	return RouteResult{Status: Found, Targets: r.snap.targets[part][bucket]}
}

func (r *Router) findPartition(chk *chunk.Chunk, i int) (int, bool) {
	meta := &r.snap.meta
	if meta.Type == Unpartitioned {
		return 0, true
	}
	r.key = r.key[:0]
	for _, col := range meta.PartitionColumns {
		r.key = append(r.key, chk.Column(col).GetDatum(i))
	}
	if meta.Type == Range {
		return r.snap.findRange(r.key)
	}
	r.buf = encodeKey(r.buf[:0], r.key)
	return r.snap.findList(r.buf)
}

// bucket hashes the distribution key of row i.
func (r *Router) bucket(chk *chunk.Chunk, i int, numBuckets int) int {
	if numBuckets == 1 {
		return 0
	}
	r.buf = r.buf[:0]
	cols := r.snap.meta.DistributionColumns
	if len(cols) == 0 {
		for j := 0; j < chk.NumCols(); j++ {
			r.buf = chk.Column(j).GetDatum(i).EncodeTo(r.buf)
		}
	} else {
		for _, j := range cols {
			r.buf = chk.Column(j).GetDatum(i).EncodeTo(r.buf)
		}
	}
	return int(murmur3.Sum32(r.buf) % uint32(numBuckets))
}
