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

package httptransport

import (
	"cmp"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pingcap/tabletsink/pkg/sink/dispatch"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
	"github.com/pingcap/tabletsink/pkg/util/logutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// error codes answered by NodeHandler.
const (
	ErrCodeNotOpened     = "NOT_OPENED"
	ErrCodeCorrupted     = "CORRUPTION"
	ErrCodeUnknownTablet = "UNKNOWN_TABLET"
	ErrCodeClosed        = "SENDER_CLOSED"
)

type writerKey struct {
	loadID  string
	indexID int64
}

type packetKey struct {
	writerKey
	senderID int64
	seq      int64
}

// tabletWriter is the state of one (load, index) on a node.
type tabletWriter struct {
	tablets map[int64]struct{}
	rows    map[int64]int64
	closed  map[int64]bool
}

// NodeHandler is a reference storage node. It decodes every block,
// counts the rows it applies per tablet and answers a replayed packet with
// the response of its first delivery. It keeps nothing on disk.
type NodeHandler struct {
	nodeID int64
	logger *zap.Logger

	mu      sync.Mutex
	writers map[writerKey]*tabletWriter
	applied map[packetKey]*dispatch.WriteResponse

	requests atomic.Int64
	// busy answers the next add_block requests with 503.
	busy atomic.Int64
}

// NewNodeHandler creates a handler for node nodeID.
func NewNodeHandler(nodeID int64) *NodeHandler {
	return &NodeHandler{
		nodeID:  nodeID,
		logger:  logutil.BgLogger().With(zap.Int64("node", nodeID)),
		writers: make(map[writerKey]*tabletWriter),
		applied: make(map[packetKey]*dispatch.WriteResponse),
	}
}

// Router returns the http handler of the node.
func (h *NodeHandler) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(OpenPath, h.handleOpen).Methods(http.MethodPost)
	router.HandleFunc(AddBlockPath, h.handleAddBlock).Methods(http.MethodPost)
	router.HandleFunc(StatusPath, h.handleStatus).Methods(http.MethodGet)
	return router
}

// InjectBusy makes the next n add_block requests fail with 503.
func (h *NodeHandler) InjectBusy(n int64) {
	h.busy.Store(n)
}

// Requests returns the number of add_block requests served.
func (h *NodeHandler) Requests() int64 {
	return h.requests.Load()
}

// TabletRows returns the rows applied per tablet for a load and index.
func (h *NodeHandler) TabletRows(loadID string, indexID int64) map[int64]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := h.writers[writerKey{loadID: loadID, indexID: indexID}]
	if w == nil {
		return nil
	}
	return maps.Clone(w.rows)
}

// LoadRows returns the rows applied per load over all indexes.
func (h *NodeHandler) LoadRows() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	rows := make(map[string]int64)
	for key, tw := range h.writers {
		for _, n := range tw.rows {
			rows[key.loadID] += n
		}
	}
	return rows
}

func (h *NodeHandler) readJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	data, err := decompress(req.Header.Get("Content-Encoding"), req.Body)
	if err == nil {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		h.logger.Warn("bad request body", zap.String("path", req.URL.Path), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *NodeHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	js, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode json error", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(js)
}

func (h *NodeHandler) handleOpen(w http.ResponseWriter, req *http.Request) {
	var open dispatch.OpenRequest
	if !h.readJSON(w, req, &open) {
		return
	}
	key := writerKey{loadID: open.LoadID, indexID: open.IndexID}
	h.mu.Lock()
	tw := h.writers[key]
	if tw == nil {
		tw = &tabletWriter{
			tablets: make(map[int64]struct{}),
			rows:    make(map[int64]int64),
			closed:  make(map[int64]bool),
		}
		h.writers[key] = tw
	}
	for _, t := range open.TabletIDs {
		tw.tablets[t] = struct{}{}
	}
	h.mu.Unlock()
	h.logger.Info("open tablet writer",
		zap.String("load-id", open.LoadID), zap.Int64("index", open.IndexID),
		zap.Int64("sender", open.SenderID), zap.Int("tablets", len(open.TabletIDs)))
	h.writeJSON(w, &dispatch.WriteResponse{OK: true})
}

func (h *NodeHandler) handleAddBlock(w http.ResponseWriter, req *http.Request) {
	h.requests.Inc()
	if h.busy.Load() > 0 && h.busy.Dec() >= 0 {
		http.Error(w, "server is busy", http.StatusServiceUnavailable)
		return
	}
	var block dispatch.WriteRequest
	if !h.readJSON(w, req, &block) {
		return
	}
	h.writeJSON(w, h.apply(&block))
}

func (h *NodeHandler) apply(block *dispatch.WriteRequest) *dispatch.WriteResponse {
	wkey := writerKey{loadID: block.LoadID, indexID: block.IndexID}
	pkey := packetKey{writerKey: wkey, senderID: block.SenderID, seq: block.PacketSeq}
	h.mu.Lock()
	defer h.mu.Unlock()
	if resp, ok := h.applied[pkey]; ok {
		h.logger.Debug("replayed packet", zap.Int64("sender", block.SenderID), zap.Int64("seq", block.PacketSeq))
		return resp
	}
	tw := h.writers[wkey]
	if tw == nil {
		return failure(ErrCodeNotOpened, "tablet writer of load %s index %d is not open", block.LoadID, block.IndexID)
	}
	if tw.closed[block.SenderID] {
		return failure(ErrCodeClosed, "sender %d already sent eos", block.SenderID)
	}
	chk, err := chunk.Decode(block.Payload)
	if err != nil {
		return failure(ErrCodeCorrupted, "%v", err)
	}
	if chk.NumRows() != block.NumRows || len(block.RowTablets) != block.NumRows {
		return failure(ErrCodeCorrupted, "block declares %d rows, payload has %d and selector %d",
			block.NumRows, chk.NumRows(), len(block.RowTablets))
	}
	rows := make(map[int64]int64)
	for _, off := range block.RowTablets {
		if int(off) < 0 || int(off) >= len(block.TabletIDs) {
			return failure(ErrCodeCorrupted, "row selector %d out of %d tablets", off, len(block.TabletIDs))
		}
		tablet := block.TabletIDs[off]
		if _, ok := tw.tablets[tablet]; !ok {
			return failure(ErrCodeUnknownTablet, "tablet %d is not open on node %d", tablet, h.nodeID)
		}
		rows[tablet]++
	}
	for tablet, n := range rows {
		tw.rows[tablet] += n
	}
	if block.EOS {
		tw.closed[block.SenderID] = true
		h.logger.Info("sender closed",
			zap.String("load-id", block.LoadID), zap.Int64("index", block.IndexID),
			zap.Int64("sender", block.SenderID), zap.Int64s("partitions", block.PartitionIDs))
	}
	resp := &dispatch.WriteResponse{OK: true, TabletRows: rows}
	h.applied[pkey] = resp
	return resp
}

func failure(code, format string, args ...any) *dispatch.WriteResponse {
	return &dispatch.WriteResponse{ErrorCode: code, Message: fmt.Sprintf(format, args...)}
}

type nodeStatus struct {
	NodeID   int64           `json:"node_id"`
	Requests int64           `json:"requests"`
	Writers  []writerSummary `json:"writers"`
}

type writerSummary struct {
	LoadID  string `json:"load_id"`
	IndexID int64  `json:"index_id"`
	Rows    int64  `json:"rows"`
}

func (h *NodeHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := nodeStatus{NodeID: h.nodeID, Requests: h.requests.Load()}
	h.mu.Lock()
	for key, tw := range h.writers {
		var rows int64
		for _, n := range tw.rows {
			rows += n
		}
		st.Writers = append(st.Writers, writerSummary{LoadID: key.loadID, IndexID: key.indexID, Rows: rows})
	}
	h.mu.Unlock()
	slices.SortFunc(st.Writers, func(a, b writerSummary) int {
		if c := cmp.Compare(a.LoadID, b.LoadID); c != 0 {
			return c
		}
		return cmp.Compare(a.IndexID, b.IndexID)
	})
	h.writeJSON(w, &st)
}
