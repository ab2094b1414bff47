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

package validate

import (
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
)

// storageClass groups kinds whose values are stored the same way in a
// chunk column.
func storageClass(k types.Kind) int {
	switch {
	case k.IsInteger():
		return 1
	case k.IsFloat():
		return 2
	case k == types.KindDecimal:
		return 3
	case k.IsString():
		return 4
	case k == types.KindArray:
		return 5
	}
	return 0
}

func compatible(src, dst *types.FieldType) bool {
	if src == nil || dst == nil {
		return false
	}
	if storageClass(src.Kind) == 0 || storageClass(src.Kind) != storageClass(dst.Kind) {
		return false
	}
	if src.Kind == types.KindArray {
		return compatible(src.Elem, dst.Elem)
	}
	return true
}

// CheckCompatible returns an error if a column of chk cannot be adapted to
// the destination schema.
func CheckCompatible(schema *types.Schema, chk *chunk.Chunk) error {
	if chk.NumCols() != len(schema.Columns) {
		return common.ErrColumnCount.GenWithStackByArgs(chk.NumCols(), len(schema.Columns))
	}
	for i, def := range schema.Columns {
		src := chk.Column(i).Type()
		if !compatible(src, def.Type) {
			return common.ErrSchemaMismatch.GenWithStackByArgs(def.Name, src, def.Type)
		}
	}
	return nil
}

// SchemaAdapter reshapes incoming batches to the destination schema.
type SchemaAdapter struct {
	schema *types.Schema
}

// NewSchemaAdapter creates a SchemaAdapter.
func NewSchemaAdapter(schema *types.Schema) *SchemaAdapter {
	return &SchemaAdapter{schema: schema}
}

// Adapt returns a chunk whose column types equal the destination schema.
// Column storage is shared with chk, which is left untouched. Values that
// the new type cannot hold are the validator's concern, so Adapt must only
// be applied to validated batches.
func (a *SchemaAdapter) Adapt(chk *chunk.Chunk) (*chunk.Chunk, error) {
	if err := CheckCompatible(a.schema, chk); err != nil {
		return nil, err
	}
	cols := make([]*chunk.Column, 0, chk.NumCols())
	for i, def := range a.schema.Columns {
		col := chk.Column(i)
		if !col.Type().Equal(def.Type) {
			col = col.WithType(def.Type)
		}
		cols = append(cols, col)
	}
	return chunk.NewWithColumns(cols), nil
}
