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
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// DatumKind is the kind of value held by a Datum.
type DatumKind byte

// Datum kinds.
const (
	KindNull DatumKind = iota
	KindInt64
	KindFloat64
	KindDecimalValue
	KindBytes
)

// Datum is a single typed value. It is used for partition bounds and
// partition-key values read from a row.
type Datum struct {
	k DatumKind
	i int64
	f float64
	d decimal.Decimal
	b []byte
}

// NewNullDatum returns a NULL datum.
func NewNullDatum() Datum { return Datum{} }

// NewIntDatum returns an integer datum.
func NewIntDatum(v int64) Datum { return Datum{k: KindInt64, i: v} }

// NewFloatDatum returns a float datum.
func NewFloatDatum(v float64) Datum { return Datum{k: KindFloat64, f: v} }

// NewDecimalDatum returns a decimal datum.
func NewDecimalDatum(v decimal.Decimal) Datum { return Datum{k: KindDecimalValue, d: v} }

// NewStringDatum returns a string datum.
func NewStringDatum(v string) Datum { return Datum{k: KindBytes, b: []byte(v)} }

// NewBytesDatum returns a bytes datum. The slice is not copied.
func NewBytesDatum(v []byte) Datum { return Datum{k: KindBytes, b: v} }

// Kind returns the kind of the datum.
func (d Datum) Kind() DatumKind { return d.k }

// IsNull reports whether the datum is NULL.
func (d Datum) IsNull() bool { return d.k == KindNull }

// GetInt64 returns the integer value.
func (d Datum) GetInt64() int64 { return d.i }

// GetFloat64 returns the float value.
func (d Datum) GetFloat64() float64 { return d.f }

// GetDecimal returns the decimal value.
func (d Datum) GetDecimal() decimal.Decimal { return d.d }

// GetBytes returns the bytes value.
func (d Datum) GetBytes() []byte { return d.b }

func (d Datum) isNumeric() bool {
	return d.k == KindInt64 || d.k == KindFloat64 || d.k == KindDecimalValue
}

func (d Datum) toDecimal() decimal.Decimal {
	switch d.k {
	case KindInt64:
		return decimal.NewFromInt(d.i)
	case KindFloat64:
		return decimal.NewFromFloat(d.f)
	default:
		return d.d
	}
}

// Compare returns -1, 0 or 1. NULL sorts before every other value and
// numbers sort before bytes.
func (d Datum) Compare(o Datum) int {
	switch {
	case d.k == KindNull || o.k == KindNull:
		return cmp.Compare(boolRank(d.k != KindNull), boolRank(o.k != KindNull))
	case d.k == KindBytes && o.k == KindBytes:
		return bytes.Compare(d.b, o.b)
	case d.k == KindBytes:
		return 1
	case o.k == KindBytes:
		return -1
	case d.k == KindInt64 && o.k == KindInt64:
		return cmp.Compare(d.i, o.i)
	case d.k == KindDecimalValue || o.k == KindDecimalValue:
		return d.toDecimal().Cmp(o.toDecimal())
	default:
		return cmp.Compare(d.numAsFloat(), o.numAsFloat())
	}
}

func (d Datum) numAsFloat() float64 {
	if d.k == KindInt64 {
		return float64(d.i)
	}
	return d.f
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EncodeTo appends a canonical encoding of the datum to buf. Equal datums of
// the same kind always produce the same bytes.
func (d Datum) EncodeTo(buf []byte) []byte {
	buf = append(buf, byte(d.k))
	switch d.k {
	case KindInt64:
		buf = binary.BigEndian.AppendUint64(buf, uint64(d.i))
	case KindFloat64:
		f := d.f
		if f == 0 {
			// -0 and +0 are the same key.
			f = 0
		}
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
	case KindDecimalValue:
		s := d.d.String()
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	case KindBytes:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(d.b)))
		buf = append(buf, d.b...)
	}
	return buf
}

// String implements fmt.Stringer.
func (d Datum) String() string {
	switch d.k {
	case KindNull:
		return "NULL"
	case KindInt64:
		return fmt.Sprintf("%d", d.i)
	case KindFloat64:
		return fmt.Sprintf("%g", d.f)
	case KindDecimalValue:
		return d.d.String()
	default:
		return fmt.Sprintf("%q", d.b)
	}
}

// CompareDatums compares two tuples lexicographically. A shorter tuple that
// is a prefix of the longer one sorts first.
func CompareDatums(a, b []Datum) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}
