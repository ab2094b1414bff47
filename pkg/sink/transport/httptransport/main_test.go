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

package httptransport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pingcap/tabletsink/pkg/sink/dispatch"
	"github.com/pingcap/tabletsink/pkg/sink/transport/httptransport"
	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	opts := []goleak.Option{
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	}
	goleak.VerifyTestMain(m, opts...)
}

const testLoadID = "load-1"

// startNodes serves one NodeHandler per node id and returns a client for
// all of them.
func startNodes(t *testing.T, nodeIDs []int64, opts ...httptransport.ClientOption) (*httptransport.Client, map[int64]*httptransport.NodeHandler) {
	handlers := make(map[int64]*httptransport.NodeHandler, len(nodeIDs))
	addrs := make(map[int64]string, len(nodeIDs))
	for _, id := range nodeIDs {
		h := httptransport.NewNodeHandler(id)
		srv := httptest.NewServer(h.Router())
		t.Cleanup(srv.Close)
		handlers[id] = h
		addrs[id] = srv.URL
	}
	client := httptransport.NewClient(addrs, opts...)
	t.Cleanup(client.Close)
	return client, handlers
}

// startServer serves handler and returns a client reaching it as node 1.
func startServer(t *testing.T, handler http.Handler) *httptransport.Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := httptransport.NewClient(map[int64]string{1: srv.URL})
	t.Cleanup(client.Close)
	return client
}

func openRequest(tablets ...int64) *dispatch.OpenRequest {
	return &dispatch.OpenRequest{
		LoadID:    testLoadID,
		IndexID:   1,
		SenderID:  7,
		TabletIDs: tablets,
	}
}

// writeRequest builds a request with one BIGINT row per entry of tablets.
func writeRequest(seq int64, tablets ...int64) *dispatch.WriteRequest {
	chk := chunk.New([]*types.FieldType{types.NewFieldType(types.KindBigInt)}, len(tablets))
	req := &dispatch.WriteRequest{
		LoadID:    testLoadID,
		IndexID:   1,
		SenderID:  7,
		PacketSeq: seq,
		NumRows:   len(tablets),
	}
	offsets := make(map[int64]int32)
	for i, tablet := range tablets {
		chk.Column(0).AppendInt64(int64(i))
		off, ok := offsets[tablet]
		if !ok {
			off = int32(len(req.TabletIDs))
			offsets[tablet] = off
			req.TabletIDs = append(req.TabletIDs, tablet)
		}
		req.RowTablets = append(req.RowTablets, off)
	}
	req.Payload = chunk.Encode(chk)
	return req
}

func bg() context.Context {
	return context.Background()
}
