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
	"github.com/shopspring/decimal"
)

// Fixed per-value costs used for buffer accounting. They do not depend on
// slice capacities so the size of a row is the same everywhere it is
// computed.
const (
	nullFlagSize  = 1
	fixedSize     = 8
	decimalSize   = 16
	varHeaderSize = 8
)

// Column stores one column of a Chunk. Values are kept in the slice that
// matches the kind of the column's field type.
type Column struct {
	tp     *types.FieldType
	length int
	// notNull is a bitmap where bit i is set when row i is not NULL.
	notNull []byte

	i64s []int64
	f64s []float64
	decs []decimal.Decimal
	// offsets delimits values of string and array columns: value i spans
	// [offsets[i], offsets[i+1]) of data or elem.
	offsets []int64
	data    []byte
	elem    *Column
}

// NewColumn creates an empty column of type tp.
func NewColumn(tp *types.FieldType, capacity int) *Column {
	c := &Column{tp: tp}
	switch {
	case tp.Kind.IsInteger():
		c.i64s = make([]int64, 0, capacity)
	case tp.Kind.IsFloat():
		c.f64s = make([]float64, 0, capacity)
	case tp.Kind == types.KindDecimal:
		c.decs = make([]decimal.Decimal, 0, capacity)
	case tp.Kind.IsString():
		c.offsets = make([]int64, 1, capacity+1)
	case tp.Kind == types.KindArray:
		c.offsets = make([]int64, 1, capacity+1)
		c.elem = NewColumn(tp.Elem, capacity)
	}
	return c
}

// Type returns the field type of the column.
func (c *Column) Type() *types.FieldType { return c.tp }

// Len returns the number of rows in the column.
func (c *Column) Len() int { return c.length }

// Elem returns the element column of an ARRAY column.
func (c *Column) Elem() *Column { return c.elem }

// IsNull reports whether row i is NULL.
func (c *Column) IsNull(i int) bool {
	return c.notNull[i>>3]&(1<<(uint(i)&7)) == 0
}

func (c *Column) appendNullBit(notNull bool) {
	idx := c.length >> 3
	if idx >= len(c.notNull) {
		c.notNull = append(c.notNull, 0)
	}
	if notNull {
		c.notNull[idx] |= 1 << (uint(c.length) & 7)
	}
	c.length++
}

// AppendNull appends a NULL value. Placeholder data keeps the value slices
// aligned with the row index.
func (c *Column) AppendNull() {
	c.appendNullBit(false)
	switch {
	case c.i64s != nil:
		c.i64s = append(c.i64s, 0)
	case c.f64s != nil:
		c.f64s = append(c.f64s, 0)
	case c.decs != nil:
		c.decs = append(c.decs, decimal.Zero)
	case c.offsets != nil:
		c.offsets = append(c.offsets, c.offsets[len(c.offsets)-1])
	}
}

// AppendInt64 appends an integer value.
func (c *Column) AppendInt64(v int64) {
	c.appendNullBit(true)
	c.i64s = append(c.i64s, v)
}

// AppendFloat64 appends a float value.
func (c *Column) AppendFloat64(v float64) {
	c.appendNullBit(true)
	c.f64s = append(c.f64s, v)
}

// AppendDecimal appends a decimal value.
func (c *Column) AppendDecimal(v decimal.Decimal) {
	c.appendNullBit(true)
	c.decs = append(c.decs, v)
}

// AppendBytes appends a string value.
func (c *Column) AppendBytes(v []byte) {
	c.appendNullBit(true)
	c.data = append(c.data, v...)
	c.offsets = append(c.offsets, int64(len(c.data)))
}

// AppendString appends a string value.
func (c *Column) AppendString(v string) {
	c.appendNullBit(true)
	c.data = append(c.data, v...)
	c.offsets = append(c.offsets, int64(len(c.data)))
}

// AppendArray closes an array value made of the elements appended to Elem()
// since the previous array value.
func (c *Column) AppendArray() {
	c.appendNullBit(true)
	c.offsets = append(c.offsets, int64(c.elem.length))
}

// GetInt64 returns the integer value of row i.
func (c *Column) GetInt64(i int) int64 { return c.i64s[i] }

// GetFloat64 returns the float value of row i.
func (c *Column) GetFloat64(i int) float64 { return c.f64s[i] }

// GetDecimal returns the decimal value of row i.
func (c *Column) GetDecimal(i int) decimal.Decimal { return c.decs[i] }

// GetBytes returns the string value of row i. The returned slice must not be
// modified.
func (c *Column) GetBytes(i int) []byte {
	return c.data[c.offsets[i]:c.offsets[i+1]]
}

// GetString returns the string value of row i.
func (c *Column) GetString(i int) string {
	return string(c.GetBytes(i))
}

// ArrayRange returns the element range of the array at row i.
func (c *Column) ArrayRange(i int) (start, end int) {
	return int(c.offsets[i]), int(c.offsets[i+1])
}

// ArrayLen returns the element count of the array at row i.
func (c *Column) ArrayLen(i int) int {
	start, end := c.ArrayRange(i)
	return end - start
}

// GetDatum returns row i as a Datum.
func (c *Column) GetDatum(i int) types.Datum {
	if c.IsNull(i) {
		return types.NewNullDatum()
	}
	switch {
	case c.tp.Kind.IsInteger():
		return types.NewIntDatum(c.i64s[i])
	case c.tp.Kind.IsFloat():
		return types.NewFloatDatum(c.f64s[i])
	case c.tp.Kind == types.KindDecimal:
		return types.NewDecimalDatum(c.decs[i])
	case c.tp.Kind.IsString():
		return types.NewBytesDatum(c.GetBytes(i))
	}
	// arrays are not partition or distribution keys, hash their encoding
	return types.NewBytesDatum(encodeValue(nil, c, i))
}

// AppendFrom copies row i of src to the end of c. Both columns must store
// the same kind of values.
func (c *Column) AppendFrom(src *Column, i int) {
	if src.IsNull(i) {
		c.AppendNull()
		return
	}
	switch {
	case c.i64s != nil:
		c.AppendInt64(src.i64s[i])
	case c.f64s != nil:
		c.AppendFloat64(src.f64s[i])
	case c.decs != nil:
		c.AppendDecimal(src.decs[i])
	case c.elem != nil:
		start, end := src.ArrayRange(i)
		for j := start; j < end; j++ {
			c.elem.AppendFrom(src.elem, j)
		}
		c.AppendArray()
	default:
		c.AppendBytes(src.GetBytes(i))
	}
}

// RowSize returns the accounted size in bytes of row i.
func (c *Column) RowSize(i int) int64 {
	size := int64(nullFlagSize)
	if c.IsNull(i) {
		return size
	}
	switch {
	case c.i64s != nil, c.f64s != nil:
		size += fixedSize
	case c.decs != nil:
		size += decimalSize
	case c.elem != nil:
		size += varHeaderSize
		start, end := c.ArrayRange(i)
		for j := start; j < end; j++ {
			size += c.elem.RowSize(j)
		}
	default:
		size += varHeaderSize + c.offsets[i+1] - c.offsets[i]
	}
	return size
}

// WithType returns a view of c that reports tp as its type. The view shares
// storage with c, so tp must store values the same way as c's type.
func (c *Column) WithType(tp *types.FieldType) *Column {
	view := *c
	view.tp = tp
	if c.elem != nil && tp.Elem != nil {
		view.elem = c.elem.WithType(tp.Elem)
	}
	return &view
}
