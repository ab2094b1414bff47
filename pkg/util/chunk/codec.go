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
	"encoding/binary"
	"math"

	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/shopspring/decimal"
)

type colSizeMetaType = int32

const (
	colSizeMetaLen = 4
	codecVersion   = 1
	nullSizeMeta   = -1
)

var errCorrupted = errors.New("corrupted chunk payload")

// Format of the encoded chunk:
// header: | version | column count | column types... | row count |
// row1:   | col1 size | col1 data | col2 size | col2 data | ... |
// row2:   | col1 size | col1 data | col2 size | col2 data | ... |
//
// Column size is -1 if the value is NULL. An array value is its element
// count followed by every element in the same size/data form.

// Encode serializes the chunk, including its column types.
func Encode(chk *Chunk) []byte {
	buf := make([]byte, 0, 64+chk.MemoryUsage())
	buf = append(buf, codecVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(chk.NumCols()))
	for _, col := range chk.columns {
		buf = encodeFieldType(buf, col.tp)
	}
	rows := chk.NumRows()
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rows))
	for i := 0; i < rows; i++ {
		for _, col := range chk.columns {
			buf = encodeSized(buf, col, i)
		}
	}
	return buf
}

func encodeFieldType(buf []byte, ft *types.FieldType) []byte {
	nullable := byte(0)
	if ft.Nullable {
		nullable = 1
	}
	buf = append(buf, byte(ft.Kind), nullable)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ft.Length))
	buf = append(buf, byte(ft.Precision), byte(ft.Scale))
	if ft.Kind == types.KindArray {
		buf = encodeFieldType(buf, ft.Elem)
	}
	return buf
}

func encodeSized(buf []byte, col *Column, i int) []byte {
	if col.IsNull(i) {
		return binary.LittleEndian.AppendUint32(buf, math.MaxUint32)
	}
	sizeAt := len(buf)
	buf = append(buf, 0, 0, 0, 0)
	buf = encodeValue(buf, col, i)
	binary.LittleEndian.PutUint32(buf[sizeAt:], uint32(len(buf)-sizeAt-colSizeMetaLen))
	return buf
}

// encodeValue appends the raw bytes of the non-NULL value at row i.
func encodeValue(buf []byte, col *Column, i int) []byte {
	switch {
	case col.i64s != nil:
		return binary.LittleEndian.AppendUint64(buf, uint64(col.i64s[i]))
	case col.f64s != nil:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(col.f64s[i]))
	case col.decs != nil:
		return append(buf, col.decs[i].String()...)
	case col.elem != nil:
		start, end := col.ArrayRange(i)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(end-start))
		for j := start; j < end; j++ {
			buf = encodeSized(buf, col.elem, j)
		}
		return buf
	default:
		return append(buf, col.GetBytes(i)...)
	}
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) next(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.data) {
		return nil, errors.Trace(errCorrupted)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) uint32() (uint32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) fieldType(depth int) (*types.FieldType, error) {
	if depth > 8 {
		return nil, errors.Annotate(errCorrupted, "type nesting too deep")
	}
	b, err := d.next(2)
	if err != nil {
		return nil, err
	}
	ft := &types.FieldType{Kind: types.Kind(b[0]), Nullable: b[1] == 1}
	if ft.Kind < types.KindBoolean || ft.Kind > types.KindArray {
		return nil, errors.Annotatef(errCorrupted, "unknown column kind %d", b[0])
	}
	length, err := d.uint32()
	if err != nil {
		return nil, err
	}
	ft.Length = int(length)
	if b, err = d.next(2); err != nil {
		return nil, err
	}
	ft.Precision, ft.Scale = int(b[0]), int(b[1])
	if ft.Kind == types.KindArray {
		if ft.Elem, err = d.fieldType(depth + 1); err != nil {
			return nil, err
		}
	}
	return ft, nil
}

func (d *decoder) value(col *Column) error {
	size, err := d.uint32()
	if err != nil {
		return err
	}
	if colSizeMetaType(size) == nullSizeMeta {
		col.AppendNull()
		return nil
	}
	raw, err := d.next(int(size))
	if err != nil {
		return err
	}
	switch {
	case col.i64s != nil, col.f64s != nil:
		if len(raw) != fixedSize {
			return errors.Annotatef(errCorrupted, "fixed value of %d bytes", len(raw))
		}
		v := binary.LittleEndian.Uint64(raw)
		if col.i64s != nil {
			col.AppendInt64(int64(v))
		} else {
			col.AppendFloat64(math.Float64frombits(v))
		}
	case col.decs != nil:
		dec, err := decimal.NewFromString(string(raw))
		if err != nil {
			return errors.Annotate(errCorrupted, err.Error())
		}
		col.AppendDecimal(dec)
	case col.elem != nil:
		sub := &decoder{data: raw}
		n, err := sub.uint32()
		if err != nil {
			return err
		}
		for j := uint32(0); j < n; j++ {
			if err := sub.value(col.elem); err != nil {
				return err
			}
		}
		if sub.off != len(raw) {
			return errors.Annotate(errCorrupted, "trailing bytes in array value")
		}
		col.AppendArray()
	default:
		col.AppendBytes(raw)
	}
	return nil
}

// Decode restores a chunk produced by Encode.
func Decode(data []byte) (*Chunk, error) {
	d := &decoder{data: data}
	ver, err := d.next(1)
	if err != nil {
		return nil, err
	}
	if ver[0] != codecVersion {
		return nil, errors.Annotatef(errCorrupted, "unsupported version %d", ver[0])
	}
	numCols, err := d.uint32()
	if err != nil {
		return nil, err
	}
	// every field type takes at least one byte
	if int64(numCols) > int64(len(data)-d.off) {
		return nil, errors.Annotatef(errCorrupted, "%d columns in %d bytes", numCols, len(data)-d.off)
	}
	fts := make([]*types.FieldType, 0, min(int(numCols), 1024))
	for i := uint32(0); i < numCols; i++ {
		ft, err := d.fieldType(0)
		if err != nil {
			return nil, err
		}
		fts = append(fts, ft)
	}
	rows, err := d.uint32()
	if err != nil {
		return nil, err
	}
	// every value carries a size meta, a row without columns is meaningless
	if rows > 0 && (numCols == 0 || int64(rows) > int64(len(data)-d.off)/(int64(numCols)*colSizeMetaLen)) {
		return nil, errors.Annotatef(errCorrupted, "%d rows of %d columns in %d bytes", rows, numCols, len(data)-d.off)
	}
	chk := New(fts, min(int(rows), 4096))
	for i := uint32(0); i < rows; i++ {
		for _, col := range chk.columns {
			if err := d.value(col); err != nil {
				return nil, err
			}
		}
	}
	if d.off != len(data) {
		return nil, errors.Annotate(errCorrupted, "trailing bytes")
	}
	return chk, nil
}
