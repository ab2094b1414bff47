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

package common

import (
	"fmt"

	"github.com/pingcap/errors"
)

// error codes of the sink.
var (
	ErrInvalidArgument  = errors.Normalize("invalid argument", errors.RFCCodeText("Sink:Common:ErrInvalidArgument"))
	ErrInvalidConfig    = errors.Normalize("invalid config", errors.RFCCodeText("Sink:Config:ErrInvalidConfig"))
	ErrLoadConfigFile   = errors.Normalize("cannot load config file '%s'", errors.RFCCodeText("Sink:Config:ErrLoadConfigFile"))
	ErrInvalidMetadata  = errors.Normalize("invalid partition metadata", errors.RFCCodeText("Sink:Partition:ErrInvalidMetadata"))
	ErrNoPartition      = errors.Normalize("no partition for row %d of batch %d", errors.RFCCodeText("Sink:Partition:ErrNoPartition"))
	ErrSchemaMismatch   = errors.Normalize("column %s: cannot adapt %s to %s", errors.RFCCodeText("Sink:Schema:ErrSchemaMismatch"))
	ErrColumnCount      = errors.Normalize("batch has %d columns, destination schema has %d", errors.RFCCodeText("Sink:Schema:ErrColumnCount"))
	ErrTooManyInvalid   = errors.Normalize("too many invalid rows: %d of %d exceeds max error ratio %v", errors.RFCCodeText("Sink:Validate:ErrTooManyInvalidRows"))
	ErrOpenNode         = errors.Normalize("open tablet writer on node %d failed", errors.RFCCodeText("Sink:Dispatch:ErrOpenNode"))
	ErrNodeWrite        = errors.Normalize("node %d rejected request %d: %s", errors.RFCCodeText("Sink:Dispatch:ErrNodeWrite"))
	ErrNodeBusy         = errors.Normalize("node %d is busy: %s", errors.RFCCodeText("Sink:Dispatch:ErrNodeBusy"))
	ErrRetryExhausted   = errors.Normalize("request %d to node %d still failing after %d retries", errors.RFCCodeText("Sink:Dispatch:ErrRetryExhausted"))
	ErrUnitClosed       = errors.Normalize("dispatch unit for node %d does not accept rows in phase %s", errors.RFCCodeText("Sink:Dispatch:ErrUnitClosed"))
	ErrRowsNotAcked     = errors.Normalize("node %d acknowledged %d of %d rows", errors.RFCCodeText("Sink:Dispatch:ErrRowsNotAcked"))
	ErrCancelled        = errors.Normalize("dispatch cancelled", errors.RFCCodeText("Sink:Dispatch:ErrCancelled"))
	ErrBackpressure     = errors.Normalize("backpressure timeout: %d bytes buffered, %d more requested, ceiling %d", errors.RFCCodeText("Sink:Dispatch:ErrBackpressureTimeout"))
	ErrCloseTimeout     = errors.Normalize("close timed out after %s", errors.RFCCodeText("Sink:Dispatch:ErrCloseTimeout"))
	ErrSessionAborted   = errors.Normalize("sink session aborted", errors.RFCCodeText("Sink:Dispatch:ErrSessionAborted"))
	ErrRequestNode      = errors.Normalize("storage node request failed, status code: %v, message: %s", errors.RFCCodeText("Sink:Transport:ErrRequestNode"))
	ErrEncodeRequest    = errors.Normalize("encode request failed", errors.RFCCodeText("Sink:Transport:ErrEncodeRequest"))
	ErrCorruptedPayload = errors.Normalize("corrupted payload", errors.RFCCodeText("Sink:Transport:ErrCorruptedPayload"))
)

// HTTPStatusError is an error with an HTTP status code returned by a node.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
}
