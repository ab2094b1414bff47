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

package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/tabletsink/pkg/sink/dispatch"
	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// every test row is one BIGINT NOT NULL value of 9 accounted bytes.
const testRowSize = 9

func testFieldTypes() []*types.FieldType {
	return []*types.FieldType{types.NewFieldType(types.KindBigInt)}
}

func bigintChunk(vals ...int64) *chunk.Chunk {
	chk := chunk.New(testFieldTypes(), len(vals))
	for _, v := range vals {
		chk.Column(0).AppendInt64(v)
	}
	return chk
}

func seq(n int) []int {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}

func repeatTablet(tablet int64, n int) []int64 {
	tablets := make([]int64, n)
	for i := range tablets {
		tablets[i] = tablet
	}
	return tablets
}

type sentRequest struct {
	node    int64
	seq     int64
	eos     bool
	rows    int
	payload []byte
}

// fakeTransport records every write and checks how many writes of one node
// overlap.
type fakeTransport struct {
	mu          sync.Mutex
	sent        []sentRequest
	inflight    map[int64]int
	maxInflight int
	attempts    map[[2]int64]int
	openErr     error
	delay       time.Duration
	// handle overrides the default successful answer. attempt starts at 1.
	handle func(node int64, attempt int, req *dispatch.WriteRequest) (*dispatch.WriteResponse, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inflight: make(map[int64]int),
		attempts: make(map[[2]int64]int),
		delay:    time.Millisecond,
	}
}

func (f *fakeTransport) Open(context.Context, int64, *dispatch.OpenRequest) error {
	return f.openErr
}

func (f *fakeTransport) Write(ctx context.Context, node int64, req *dispatch.WriteRequest) (*dispatch.WriteResponse, error) {
	f.mu.Lock()
	f.inflight[node]++
	if f.inflight[node] > f.maxInflight {
		f.maxInflight = f.inflight[node]
	}
	key := [2]int64{node, req.PacketSeq}
	f.attempts[key]++
	attempt := f.attempts[key]
	f.sent = append(f.sent, sentRequest{node: node, seq: req.PacketSeq, eos: req.EOS, rows: req.NumRows, payload: req.Payload})
	handle := f.handle
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight[node]--
		f.mu.Unlock()
	}()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if handle != nil {
		return handle(node, attempt, req)
	}
	return okResponse(req), nil
}

func (f *fakeTransport) sentTo(node int64) []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []sentRequest
	for _, s := range f.sent {
		if s.node == node {
			res = append(res, s)
		}
	}
	return res
}

func (f *fakeTransport) seqsOf(node int64) []int64 {
	var seqs []int64
	for _, s := range f.sentTo(node) {
		seqs = append(seqs, s.seq)
	}
	return seqs
}

func okResponse(req *dispatch.WriteRequest) *dispatch.WriteResponse {
	rows := make(map[int64]int64)
	for _, off := range req.RowTablets {
		rows[req.TabletIDs[off]]++
	}
	return &dispatch.WriteResponse{OK: true, TabletRows: rows}
}

func newTestUnit(tr dispatch.Transport, budget *dispatch.Budget, node int64, opts ...func(*dispatch.UnitConfig)) *dispatch.Unit {
	cfg := dispatch.UnitConfig{
		LoadID:        "test-load",
		IndexID:       1,
		NodeID:        node,
		SchemaVersion: 3,
		FieldTypes:    testFieldTypes(),
		TabletIDs:     []int64{10, 11},
		PartitionIDs:  []int64{100},
		MaxRows:       2,
		MaxBytes:      1 << 20,
		MaxRetry:      2,
		RetryBackoff:  time.Millisecond,
		RPCTimeout:    5 * time.Second,
		OpenTimeout:   5 * time.Second,
		Transport:     tr,
		Budget:        budget,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return dispatch.NewUnit(cfg)
}

type stepper interface {
	Step(now time.Time) (bool, time.Time)
}

// startDriver steps every stepper each millisecond until stop is called.
func startDriver(steppers ...stepper) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			now := time.Now()
			for _, s := range steppers {
				s.Step(now)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
