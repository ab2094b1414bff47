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

package sink_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/tabletsink/pkg/sink/config"
	"github.com/pingcap/tabletsink/pkg/sink/dispatch"
	"github.com/pingcap/tabletsink/pkg/sink/partition"
	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testSchema() *types.Schema {
	return &types.Schema{
		Version: 5,
		Columns: []types.ColumnDef{
			{Name: "id", Type: types.NewFieldType(types.KindBigInt)},
			{Name: "name", Type: types.NewVarcharType(16).WithNullable(true)},
		},
	}
}

// testSnapshot builds a table ranged on id into [-inf, 100) and [100, 200),
// two buckets each, every tablet on the given replicas.
func testSnapshot(t *testing.T, replicas []int64, loadPartitions []int64) *partition.Snapshot {
	meta := partition.Meta{
		Type:                partition.Range,
		PartitionColumns:    []int{0},
		DistributionColumns: []int{0},
		Indexes:             []int64{1},
		Partitions: []partition.Partition{
			{
				ID:         100,
				Upper:      []types.Datum{types.NewIntDatum(100)},
				NumBuckets: 2,
				Indexes:    []partition.IndexTablets{{IndexID: 1, Tablets: []int64{11, 12}}},
			},
			{
				ID:         200,
				Lower:      []types.Datum{types.NewIntDatum(100)},
				Upper:      []types.Datum{types.NewIntDatum(200)},
				NumBuckets: 2,
				Indexes:    []partition.IndexTablets{{IndexID: 1, Tablets: []int64{21, 22}}},
			},
		},
		Locations: map[int64][]int64{11: replicas, 12: replicas, 21: replicas, 22: replicas},
	}
	snap, err := partition.NewSnapshot(meta, loadPartitions)
	require.NoError(t, err)
	return snap
}

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.RetryBackoff = config.NewDuration(time.Millisecond)
	cfg.MaxRetryCount = 1
	cfg.SendInterval = config.NewDuration(10 * time.Millisecond)
	cfg.CloseTimeout = config.NewDuration(10 * time.Second)
	cfg.BackpressureTimeout = config.NewDuration(10 * time.Second)
	return cfg
}

// buildChunk makes one row per id; a negative id becomes a NULL id.
func buildChunk(ids ...int64) *chunk.Chunk {
	chk := chunk.New(testSchema().FieldTypes(), len(ids))
	for _, id := range ids {
		if id < 0 {
			chk.Column(0).AppendNull()
		} else {
			chk.Column(0).AppendInt64(id)
		}
		chk.Column(1).AppendString("n")
	}
	return chk
}

type writeRecord struct {
	node int64
	req  *dispatch.WriteRequest
}

// fakeTransport answers every request with success unless fail says
// otherwise. Writes block while gate is closed.
type fakeTransport struct {
	mu      sync.Mutex
	opens   int
	writes  []writeRecord
	openErr error
	fail    func(node int64, req *dispatch.WriteRequest) (*dispatch.WriteResponse, error)
	gate    chan struct{}
}

func newFakeTransport() *fakeTransport {
	gate := make(chan struct{})
	close(gate)
	return &fakeTransport{gate: gate}
}

func (f *fakeTransport) Open(context.Context, int64, *dispatch.OpenRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return f.openErr
}

func (f *fakeTransport) Write(ctx context.Context, node int64, req *dispatch.WriteRequest) (*dispatch.WriteResponse, error) {
	f.mu.Lock()
	f.writes = append(f.writes, writeRecord{node: node, req: req})
	gate, fail := f.gate, f.fail
	f.mu.Unlock()
	select {
	case <-gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if fail != nil {
		if resp, err := fail(node, req); resp != nil || err != nil {
			return resp, err
		}
	}
	rows := make(map[int64]int64)
	for _, off := range req.RowTablets {
		rows[req.TabletIDs[off]]++
	}
	return &dispatch.WriteResponse{OK: true, TabletRows: rows}, nil
}

func (f *fakeTransport) closeGate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

func (f *fakeTransport) openGate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.gate)
}

func (f *fakeTransport) numWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeTransport) rowsTo(node int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		if w.node == node {
			n += w.req.NumRows
		}
	}
	return n
}

func repeatString(n int) string {
	return strings.Repeat("x", n)
}
