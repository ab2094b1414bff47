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

package chunk

import (
	"github.com/pingcap/tabletsink/pkg/types"
)

// Chunk stores multiple rows of data in columns. All columns have the same
// number of rows.
type Chunk struct {
	columns []*Column
}

// New creates an empty chunk with columns of the given types.
func New(fieldTypes []*types.FieldType, capacity int) *Chunk {
	chk := &Chunk{columns: make([]*Column, 0, len(fieldTypes))}
	for _, ft := range fieldTypes {
		chk.columns = append(chk.columns, NewColumn(ft, capacity))
	}
	return chk
}

// NewWithColumns creates a chunk from existing columns.
func NewWithColumns(cols []*Column) *Chunk {
	return &Chunk{columns: cols}
}

// NumCols returns the number of columns in the chunk.
func (c *Chunk) NumCols() int { return len(c.columns) }

// NumRows returns the number of rows in the chunk.
func (c *Chunk) NumRows() int {
	if len(c.columns) == 0 {
		return 0
	}
	return c.columns[0].Len()
}

// Column returns the i-th column.
func (c *Chunk) Column(i int) *Column { return c.columns[i] }

// FieldTypes returns the types of all columns.
func (c *Chunk) FieldTypes() []*types.FieldType {
	fts := make([]*types.FieldType, 0, len(c.columns))
	for _, col := range c.columns {
		fts = append(fts, col.tp)
	}
	return fts
}

// AppendRow copies row i of src to the end of c.
func (c *Chunk) AppendRow(src *Chunk, i int) {
	for j, col := range c.columns {
		col.AppendFrom(src.columns[j], i)
	}
}

// RowSize returns the accounted size in bytes of row i.
func (c *Chunk) RowSize(i int) int64 {
	var size int64
	for _, col := range c.columns {
		size += col.RowSize(i)
	}
	return size
}

// MemoryUsage returns the accounted size of all rows.
func (c *Chunk) MemoryUsage() int64 {
	var size int64
	for i, n := 0, c.NumRows(); i < n; i++ {
		size += c.RowSize(i)
	}
	return size
}
