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
	"cmp"
	"fmt"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// RowError describes why a row was filtered.
type RowError struct {
	Column string
	Row    int
	Reason string
}

func (e RowError) String() string {
	if e.Column == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d, column %s: %s", e.Row, e.Column, e.Reason)
}

// NodeError is a failure of one storage node, as recorded at close.
type NodeError struct {
	IndexID int64
	NodeID  int64
	Class   string
	Message string
}

// ErrorManager collects row level and node level failures of one sink
// session. Every error is counted; only the first maxSamples row errors are
// kept as examples.
type ErrorManager struct {
	samplesRemain  *atomic.Int64
	invalidRows    *atomic.Int64
	unroutableRows *atomic.Int64
	logger         *zap.Logger

	mu         sync.Mutex
	samples    []RowError
	nodeErrors []NodeError
}

// New creates a new error manager.
func New(maxSamples int, logger *zap.Logger) *ErrorManager {
	return &ErrorManager{
		samplesRemain:  atomic.NewInt64(int64(maxSamples)),
		invalidRows:    atomic.NewInt64(0),
		unroutableRows: atomic.NewInt64(0),
		logger:         logger,
	}
}

// RecordInvalidRow counts an invalid row and keeps it as an example while
// the sample quota lasts. It returns whether the example was kept.
func (em *ErrorManager) RecordInvalidRow(e RowError) bool {
	em.invalidRows.Inc()
	return em.keepSample(e)
}

// RecordUnroutableRow counts a row that no partition accepts.
func (em *ErrorManager) RecordUnroutableRow(e RowError) bool {
	em.unroutableRows.Inc()
	return em.keepSample(e)
}

func (em *ErrorManager) keepSample(e RowError) bool {
	if em.samplesRemain.Dec() < 0 {
		return false
	}
	em.mu.Lock()
	em.samples = append(em.samples, e)
	em.mu.Unlock()
	return true
}

// RecordNodeError records the terminal failure of one node.
func (em *ErrorManager) RecordNodeError(e NodeError) {
	em.mu.Lock()
	em.nodeErrors = append(em.nodeErrors, e)
	em.mu.Unlock()
}

// InvalidRows returns the number of rows that failed validation.
func (em *ErrorManager) InvalidRows() int64 {
	return em.invalidRows.Load()
}

// UnroutableRows returns the number of rows no partition accepts.
func (em *ErrorManager) UnroutableRows() int64 {
	return em.unroutableRows.Load()
}

// Samples returns a copy of the kept row error examples.
func (em *ErrorManager) Samples() []RowError {
	em.mu.Lock()
	defer em.mu.Unlock()
	return slices.Clone(em.samples)
}

// NodeErrors returns the recorded node failures ordered by index and node.
func (em *ErrorManager) NodeErrors() []NodeError {
	em.mu.Lock()
	res := slices.Clone(em.nodeErrors)
	em.mu.Unlock()
	slices.SortFunc(res, func(a, b NodeError) int {
		if a.IndexID != b.IndexID {
			return cmp.Compare(a.IndexID, b.IndexID)
		}
		return cmp.Compare(a.NodeID, b.NodeID)
	})
	return res
}

// HasError returns true if any error was recorded.
func (em *ErrorManager) HasError() bool {
	em.mu.Lock()
	nodeErrs := len(em.nodeErrors)
	em.mu.Unlock()
	return em.InvalidRows() > 0 || em.UnroutableRows() > 0 || nodeErrs > 0
}

// LogErrorDetails logs a warning for each error type.
func (em *ErrorManager) LogErrorDetails() {
	if cnt := em.InvalidRows(); cnt > 0 {
		em.logger.Warn(fmt.Sprintf("Detect %d invalid rows in total", cnt),
			zap.Stringers("samples", em.Samples()))
	}
	if cnt := em.UnroutableRows(); cnt > 0 {
		em.logger.Warn(fmt.Sprintf("Detect %d rows without partition in total", cnt))
	}
	for _, ne := range em.NodeErrors() {
		em.logger.Warn("node failed",
			zap.Int64("index", ne.IndexID),
			zap.Int64("node", ne.NodeID),
			zap.String("class", ne.Class),
			zap.String("error", ne.Message))
	}
}

// Output renders a table which contains error summary for each error type.
func (em *ErrorManager) Output() string {
	if !em.HasError() {
		return ""
	}

	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Error Type", "Error Count", "Detail"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "#", WidthMax: 6},
		{Name: "Error Type", WidthMax: 20},
		{Name: "Error Count", WidthMax: 12},
		{Name: "Detail", WidthMax: 64},
	})
	t.SetRowPainter(func(table.Row) text.Colors {
		return text.Colors{text.FgRed}
	})

	count := 0
	if errCnt := em.InvalidRows(); errCnt > 0 {
		count++
		detail := ""
		if samples := em.Samples(); len(samples) > 0 {
			detail = samples[0].String()
		}
		t.AppendRow(table.Row{count, "Data Quality", errCnt, detail})
	}
	if errCnt := em.UnroutableRows(); errCnt > 0 {
		count++
		t.AppendRow(table.Row{count, "No Partition", errCnt, ""})
	}
	for _, ne := range em.NodeErrors() {
		count++
		t.AppendRow(table.Row{count, nodeErrorType(ne.Class), 1,
			fmt.Sprintf("index %d node %d: %s", ne.IndexID, ne.NodeID, ne.Message)})
	}

	res := "\nTablet Sink Error Summary: \n"
	res += t.Render()
	res += "\n"

	return res
}

func nodeErrorType(class string) string {
	switch class {
	case "transient":
		return "Node Transient"
	case "permanent":
		return "Node Permanent"
	default:
		return "Node Failure"
	}
}
