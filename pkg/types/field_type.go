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

package types

import (
	"fmt"
	"math"
	"strings"
)

// Kind is the storage type of a destination column.
type Kind byte

// Column kinds supported by the write path.
const (
	KindBoolean Kind = iota + 1
	KindTinyInt
	KindSmallInt
	KindInt
	KindBigInt
	KindFloat
	KindDouble
	KindDecimal
	KindChar
	KindVarchar
	KindString
	KindArray
)

var kindNames = map[Kind]string{
	KindBoolean:  "BOOLEAN",
	KindTinyInt:  "TINYINT",
	KindSmallInt: "SMALLINT",
	KindInt:      "INT",
	KindBigInt:   "BIGINT",
	KindFloat:    "FLOAT",
	KindDouble:   "DOUBLE",
	KindDecimal:  "DECIMAL",
	KindChar:     "CHAR",
	KindVarchar:  "VARCHAR",
	KindString:   "STRING",
	KindArray:    "ARRAY",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// IsInteger reports whether values of the kind are stored as int64.
func (k Kind) IsInteger() bool {
	return k >= KindBoolean && k <= KindBigInt
}

// IsFloat reports whether values of the kind are stored as float64.
func (k Kind) IsFloat() bool {
	return k == KindFloat || k == KindDouble
}

// IsString reports whether values of the kind are stored as bytes.
func (k Kind) IsString() bool {
	return k == KindChar || k == KindVarchar || k == KindString
}

// IntRange returns the inclusive value range of an integer kind.
func (k Kind) IntRange() (lower, upper int64) {
	switch k {
	case KindBoolean:
		return 0, 1
	case KindTinyInt:
		return math.MinInt8, math.MaxInt8
	case KindSmallInt:
		return math.MinInt16, math.MaxInt16
	case KindInt:
		return math.MinInt32, math.MaxInt32
	default:
		return math.MinInt64, math.MaxInt64
	}
}

// FieldType describes the type of one column.
type FieldType struct {
	Kind     Kind
	Nullable bool
	// Length is the maximum byte length of CHAR/VARCHAR values or the maximum
	// element count of ARRAY values. Zero means unlimited.
	Length    int
	Precision int
	Scale     int
	// Elem is the element type of ARRAY columns.
	Elem *FieldType
}

// NewFieldType returns a non-nullable field type of kind k.
func NewFieldType(k Kind) *FieldType {
	return &FieldType{Kind: k}
}

// NewDecimalType returns a DECIMAL(precision, scale) field type.
func NewDecimalType(precision, scale int) *FieldType {
	return &FieldType{Kind: KindDecimal, Precision: precision, Scale: scale}
}

// NewVarcharType returns a VARCHAR(length) field type.
func NewVarcharType(length int) *FieldType {
	return &FieldType{Kind: KindVarchar, Length: length}
}

// NewArrayType returns an ARRAY<elem> field type.
func NewArrayType(elem *FieldType, maxLen int) *FieldType {
	return &FieldType{Kind: KindArray, Elem: elem, Length: maxLen}
}

// Clone returns a deep copy of ft.
func (ft *FieldType) Clone() *FieldType {
	c := *ft
	if ft.Elem != nil {
		c.Elem = ft.Elem.Clone()
	}
	return &c
}

// WithNullable returns a copy of ft with the nullability set.
func (ft *FieldType) WithNullable(nullable bool) *FieldType {
	c := ft.Clone()
	c.Nullable = nullable
	return c
}

// Equal reports whether two field types are identical, including nullability.
func (ft *FieldType) Equal(other *FieldType) bool {
	if ft == nil || other == nil {
		return ft == other
	}
	if ft.Kind != other.Kind || ft.Nullable != other.Nullable || ft.Length != other.Length ||
		ft.Precision != other.Precision || ft.Scale != other.Scale {
		return false
	}
	return ft.Elem.Equal(other.Elem)
}

// String implements fmt.Stringer.
func (ft *FieldType) String() string {
	var sb strings.Builder
	switch ft.Kind {
	case KindDecimal:
		fmt.Fprintf(&sb, "DECIMAL(%d,%d)", ft.Precision, ft.Scale)
	case KindChar, KindVarchar:
		fmt.Fprintf(&sb, "%s(%d)", ft.Kind, ft.Length)
	case KindArray:
		fmt.Fprintf(&sb, "ARRAY<%s>", ft.Elem)
	default:
		sb.WriteString(ft.Kind.String())
	}
	if !ft.Nullable {
		sb.WriteString(" NOT NULL")
	}
	return sb.String()
}

// ColumnDef is one column of a destination schema.
type ColumnDef struct {
	Name string
	Type *FieldType
}

// Schema is the destination schema of a sink session.
type Schema struct {
	Version int64
	Columns []ColumnDef
}

// FieldTypes returns the column types in order.
func (s *Schema) FieldTypes() []*FieldType {
	fts := make([]*FieldType, 0, len(s.Columns))
	for _, c := range s.Columns {
		fts = append(fts, c.Type)
	}
	return fts
}

// ColumnIndex returns the offset of the named column, or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}
