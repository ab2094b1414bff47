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
	"context"
)

// OpenRequest asks a node to prepare tablet writers for one index.
type OpenRequest struct {
	LoadID        string  `json:"load_id"`
	IndexID       int64   `json:"index_id"`
	SenderID      int64   `json:"sender_id"`
	SchemaVersion int64   `json:"schema_version"`
	TabletIDs     []int64 `json:"tablet_ids"`
	PartitionIDs  []int64 `json:"partition_ids"`
}

// WriteRequest carries one sealed buffer to a node. A request is replayed
// unchanged on retry; the node deduplicates by (LoadID, IndexID, SenderID,
// PacketSeq).
type WriteRequest struct {
	LoadID        string `json:"load_id"`
	IndexID       int64  `json:"index_id"`
	SenderID      int64  `json:"sender_id"`
	PacketSeq     int64  `json:"packet_seq"`
	SchemaVersion int64  `json:"schema_version"`
	// TabletIDs lists the distinct tablets of the rows, in order of first
	// appearance.
	TabletIDs []int64 `json:"tablet_ids"`
	// RowTablets[i] is the offset in TabletIDs of the tablet of row i.
	RowTablets []int32 `json:"row_tablets"`
	Payload    []byte  `json:"payload"`
	NumRows    int     `json:"num_rows"`
	// EOS marks the last request of a sender. It lists the partitions the
	// sender may have written on the node.
	EOS          bool    `json:"eos"`
	PartitionIDs []int64 `json:"partition_ids,omitempty"`
}

// WriteResponse is the answer of a node to a WriteRequest.
type WriteResponse struct {
	OK bool `json:"ok"`
	// TabletRows counts the rows applied per tablet by this request.
	TabletRows map[int64]int64 `json:"tablet_rows,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Message    string          `json:"message,omitempty"`
	// Retryable is set by the node when replaying the request may succeed.
	Retryable bool `json:"retryable,omitempty"`
}

// Transport carries requests to storage nodes. It must be safe for
// concurrent use and must return once ctx is done.
type Transport interface {
	Open(ctx context.Context, nodeID int64, req *OpenRequest) error
	Write(ctx context.Context, nodeID int64, req *WriteRequest) (*WriteResponse, error)
}
