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
	"encoding/json"
	goerrors "errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/sink/config"
	"github.com/pingcap/tabletsink/pkg/sink/transport/httptransport"
	"github.com/stretchr/testify/require"
)

func TestOpenWriteClose(t *testing.T) {
	client, nodes := startNodes(t, []int64{1})
	require.NoError(t, client.Open(bg(), 1, openRequest(11, 12)))

	resp, err := client.Write(bg(), 1, writeRequest(0, 11, 12, 11))
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, map[int64]int64{11: 2, 12: 1}, resp.TabletRows)

	eos := writeRequest(1, 12)
	eos.EOS = true
	eos.PartitionIDs = []int64{100}
	resp, err = client.Write(bg(), 1, eos)
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, map[int64]int64{11: 2, 12: 2}, nodes[1].TabletRows(testLoadID, 1))

	// nothing is accepted from a sender after its eos
	resp, err = client.Write(bg(), 1, writeRequest(2, 11))
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, httptransport.ErrCodeClosed, resp.ErrorCode)
	require.EqualValues(t, 3, nodes[1].Requests())
}

func TestReplayedPacketAppliedOnce(t *testing.T) {
	client, nodes := startNodes(t, []int64{1})
	require.NoError(t, client.Open(bg(), 1, openRequest(11)))

	req := writeRequest(0, 11, 11)
	for range 3 {
		resp, err := client.Write(bg(), 1, req)
		require.NoError(t, err)
		require.True(t, resp.OK)
		require.Equal(t, map[int64]int64{11: 2}, resp.TabletRows)
	}
	require.Equal(t, map[int64]int64{11: 2}, nodes[1].TabletRows(testLoadID, 1))
	require.EqualValues(t, 3, nodes[1].Requests())
}

func TestWriteRejectedByNode(t *testing.T) {
	client, _ := startNodes(t, []int64{1})

	resp, err := client.Write(bg(), 1, writeRequest(0, 11))
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, httptransport.ErrCodeNotOpened, resp.ErrorCode)

	require.NoError(t, client.Open(bg(), 1, openRequest(11)))
	resp, err = client.Write(bg(), 1, writeRequest(0, 13))
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, httptransport.ErrCodeUnknownTablet, resp.ErrorCode)

	bad := writeRequest(1, 11, 11)
	bad.NumRows = 3
	resp, err = client.Write(bg(), 1, bad)
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, httptransport.ErrCodeCorrupted, resp.ErrorCode)

	bad = writeRequest(2, 11)
	bad.Payload = bad.Payload[:len(bad.Payload)-1]
	resp, err = client.Write(bg(), 1, bad)
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, httptransport.ErrCodeCorrupted, resp.ErrorCode)
}

func TestBusyNodeIsTransient(t *testing.T) {
	client, nodes := startNodes(t, []int64{1})
	require.NoError(t, client.Open(bg(), 1, openRequest(11)))
	nodes[1].InjectBusy(1)

	req := writeRequest(0, 11)
	_, err := client.Write(bg(), 1, req)
	require.Error(t, err)
	require.ErrorIs(t, err, common.ErrRequestNode)
	require.Equal(t, common.Transient, common.Classify(err))
	var statusErr *common.HTTPStatusError
	require.True(t, goerrors.As(err, &statusErr))
	require.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	require.Equal(t, "server is busy", statusErr.Message)

	resp, err := client.Write(bg(), 1, req)
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, map[int64]int64{11: 1}, nodes[1].TabletRows(testLoadID, 1))
}

func TestUnknownNode(t *testing.T) {
	client, _ := startNodes(t, []int64{1})
	err := client.Open(bg(), 2, openRequest(11))
	require.ErrorIs(t, err, common.ErrInvalidArgument)
	require.Equal(t, common.Permanent, common.Classify(err))
}

func TestCompression(t *testing.T) {
	for _, compression := range []string{
		config.CompressionNone,
		config.CompressionGzip,
		config.CompressionZstd,
		config.CompressionSnappy,
	} {
		t.Run(compression, func(t *testing.T) {
			client, nodes := startNodes(t, []int64{1, 2}, httptransport.WithCompression(compression))
			for _, node := range []int64{1, 2} {
				require.NoError(t, client.Open(bg(), node, openRequest(11, 12)))
				resp, err := client.Write(bg(), node, writeRequest(0, 11, 12, 12))
				require.NoError(t, err)
				require.True(t, resp.OK)
				require.Equal(t, map[int64]int64{11: 1, 12: 2}, nodes[node].TabletRows(testLoadID, 1))
			}
		})
	}
}

func TestRedirectNotFollowed(t *testing.T) {
	client := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://127.0.0.1:1"+r.URL.Path, http.StatusTemporaryRedirect)
	}))
	_, err := client.Write(bg(), 1, writeRequest(0, 11))
	var statusErr *common.HTTPStatusError
	require.True(t, goerrors.As(err, &statusErr))
	require.Equal(t, http.StatusTemporaryRedirect, statusErr.StatusCode)
	require.Equal(t, common.Permanent, common.Classify(err))
}

func TestCorruptedRequestBody(t *testing.T) {
	h := httptransport.NewNodeHandler(1)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()
	hc := &http.Client{}
	defer hc.CloseIdleConnections()

	req, err := http.NewRequest(http.MethodPost, srv.URL+httptransport.AddBlockPath, strings.NewReader("not gzip"))
	require.NoError(t, err)
	req.Header.Set("Content-Encoding", "gzip")
	resp, err := hc.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = hc.Get(srv.URL + httptransport.StatusPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, h.Requests())
}

func TestStatusOrdersWritersByIndex(t *testing.T) {
	h := httptransport.NewNodeHandler(1)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()
	client := httptransport.NewClient(map[int64]string{1: srv.URL})
	defer client.Close()

	// the difference of these ids overflows int64
	for _, indexID := range []int64{math.MaxInt64, math.MinInt64 + 1, 0} {
		req := openRequest(11)
		req.IndexID = indexID
		require.NoError(t, client.Open(bg(), 1, req))
	}

	hc := &http.Client{}
	defer hc.CloseIdleConnections()
	resp, err := hc.Get(srv.URL + httptransport.StatusPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st struct {
		Writers []struct {
			LoadID  string `json:"load_id"`
			IndexID int64  `json:"index_id"`
		} `json:"writers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Len(t, st.Writers, 3)
	for i, want := range []int64{math.MinInt64 + 1, 0, math.MaxInt64} {
		require.Equal(t, testLoadID, st.Writers[i].LoadID)
		require.Equal(t, want, st.Writers[i].IndexID)
	}
}
