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

package sink

import (
	"fmt"
	"time"

	"github.com/pingcap/tabletsink/pkg/sink/dispatch"
)

// FailureKind tells which stage failed a session.
type FailureKind int

// Failure kinds of a session. KindNone means success.
const (
	KindNone FailureKind = iota
	KindRowQuality
	KindRouting
	KindSchema
	KindTransport
	KindBackpressure
	KindCloseTimeout
	KindUpstream
)

var failureKindNames = [...]string{
	KindNone:         "none",
	KindRowQuality:   "row-quality",
	KindRouting:      "routing",
	KindSchema:       "schema",
	KindTransport:    "transport",
	KindBackpressure: "backpressure",
	KindCloseTimeout: "close-timeout",
	KindUpstream:     "upstream",
}

func (k FailureKind) String() string {
	if k >= 0 && int(k) < len(failureKindNames) {
		return failureKindNames[k]
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// AbortError is returned by Send once the session is aborted. Every later
// call returns the same error.
type AbortError struct {
	Kind FailureKind
	Err  error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("sink session aborted (%s): %v", e.Kind, e.Err)
}

// Unwrap returns the cause of the abort.
func (e *AbortError) Unwrap() error { return e.Err }

// SendResult accounts the rows of one batch. Accepted + Filtered equals the
// number of rows of the batch.
type SendResult struct {
	Accepted int
	Filtered int
	// breakdown of Filtered
	Invalid  int
	NotFound int
	Skipped  int
	// Bytes is the budget acquired for the accepted rows, counting each
	// replica.
	Bytes int64
}

// CommitInfo is the number of rows a node applied to one tablet.
type CommitInfo struct {
	IndexID  int64
	TabletID int64
	NodeID   int64
	Rows     int64
}

// Result is the final status of a session.
type Result struct {
	LoadID string
	// Kind is KindNone when every row was delivered to every replica.
	Kind FailureKind
	Err  error

	RowsReceived int64
	RowsAccepted int64
	RowsFiltered int64
	RowsInvalid  int64
	RowsNotFound int64
	RowsSkipped  int64

	// NodeErrors lists every failed unit, permanent failures first.
	NodeErrors  []*dispatch.NodeError
	CommitInfos []CommitInfo
	Units       []dispatch.UnitStats

	BackpressureWait time.Duration
	Elapsed          time.Duration
}

// Stats is a snapshot of the counters of a running session.
type Stats struct {
	RowsReceived     int64
	RowsAccepted     int64
	RowsFiltered     int64
	PendingBytes     int64
	BackpressureWait time.Duration
	Units            []dispatch.UnitStats
}
