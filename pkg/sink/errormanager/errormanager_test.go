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

package errormanager

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecordInvalidRowKeepsCappedSamples(t *testing.T) {
	em := New(2, zap.NewNop())
	require.False(t, em.HasError())
	require.Empty(t, em.Output())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			em.RecordInvalidRow(RowError{Column: "c", Row: i, Reason: "null value in non-nullable column"})
		}(i)
	}
	wg.Wait()
	require.Equal(t, int64(10), em.InvalidRows())
	require.Len(t, em.Samples(), 2)
	require.True(t, em.HasError())
}

func TestRecordUnroutableAndNodeErrors(t *testing.T) {
	em := New(0, zap.NewNop())
	require.False(t, em.RecordUnroutableRow(RowError{Row: 3, Reason: "no partition"}))
	require.Equal(t, int64(1), em.UnroutableRows())
	require.Empty(t, em.Samples())

	em.RecordNodeError(NodeError{IndexID: 2, NodeID: 9, Class: "permanent", Message: "retry exhausted"})
	em.RecordNodeError(NodeError{IndexID: 1, NodeID: 5, Class: "transient", Message: "timeout"})
	nodeErrs := em.NodeErrors()
	require.Len(t, nodeErrs, 2)
	require.Equal(t, int64(5), nodeErrs[0].NodeID)
	require.Equal(t, int64(9), nodeErrs[1].NodeID)
}

func TestOutput(t *testing.T) {
	em := New(5, zap.NewNop())
	em.RecordInvalidRow(RowError{Column: "name", Row: 4, Reason: "length 20 exceeds 10"})
	em.RecordUnroutableRow(RowError{Row: 7, Reason: "no partition"})
	em.RecordNodeError(NodeError{IndexID: 1, NodeID: 2, Class: "permanent", Message: "retry exhausted"})

	out := em.Output()
	require.Contains(t, out, "Tablet Sink Error Summary")
	require.Contains(t, out, "Data Quality")
	require.Contains(t, out, "row 4, column name: length 20 exceeds 10")
	require.Contains(t, out, "No Partition")
	require.Contains(t, out, "Node Permanent")
	require.Contains(t, out, "index 1 node 2: retry exhausted")
}

func TestLogErrorDetails(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	em := New(5, zap.New(core))
	em.RecordInvalidRow(RowError{Row: 1, Reason: "bad"})
	em.RecordNodeError(NodeError{IndexID: 1, NodeID: 2, Class: "transient", Message: "timeout"})
	em.LogErrorDetails()
	require.Equal(t, 1, logs.FilterMessage("Detect 1 invalid rows in total").Len())
	require.Equal(t, 1, logs.FilterMessage("node failed").Len())
}
