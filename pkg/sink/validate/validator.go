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
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/sink/errormanager"
	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
	"github.com/shopspring/decimal"
)

// Result is the outcome of validating one batch.
type Result struct {
	// Mask has bit i set when row i is invalid.
	Mask    *bitset.BitSet
	Invalid int
	// Abort is set when the fraction of invalid rows exceeds the max error
	// ratio.
	Abort bool
	// Samples holds the first few diagnostics of this batch.
	Samples []errormanager.RowError
}

// Valid reports whether row i passed validation.
func (r *Result) Valid(i int) bool {
	return !r.Mask.Test(uint(i))
}

// Validator checks rows against the destination schema.
type Validator struct {
	schema          *types.Schema
	maxErrorRatio   float64
	maxStringLength int64
	maxSamples      int
	em              *errormanager.ErrorManager
}

// NewValidator creates a Validator. em may be nil.
func NewValidator(schema *types.Schema, maxErrorRatio float64, maxStringLength int64, maxSamples int, em *errormanager.ErrorManager) *Validator {
	return &Validator{
		schema:          schema,
		maxErrorRatio:   maxErrorRatio,
		maxStringLength: maxStringLength,
		maxSamples:      maxSamples,
		em:              em,
	}
}

// Validate checks every row of chk. Only the first violation of a row is
// reported. An error is returned when the batch does not fit the schema at
// all, which is not a row level problem.
func (v *Validator) Validate(chk *chunk.Chunk) (*Result, error) {
	if err := CheckCompatible(v.schema, chk); err != nil {
		return nil, err
	}
	rows := chk.NumRows()
	res := &Result{Mask: bitset.New(uint(rows))}
	for i := 0; i < rows; i++ {
		for j, def := range v.schema.Columns {
			reason := v.checkValue(chk.Column(j), i, def.Type)
			if reason == "" {
				continue
			}
			res.Mask.Set(uint(i))
			res.Invalid++
			rowErr := errormanager.RowError{Column: def.Name, Row: i, Reason: reason}
			if len(res.Samples) < v.maxSamples {
				res.Samples = append(res.Samples, rowErr)
			}
			if v.em != nil {
				v.em.RecordInvalidRow(rowErr)
			}
			break
		}
	}
	if rows > 0 && float64(res.Invalid)/float64(rows) > v.maxErrorRatio {
		res.Abort = true
	}
	return res, nil
}

// TooManyInvalidError returns the abort error of a result.
func (v *Validator) TooManyInvalidError(res *Result) error {
	return common.ErrTooManyInvalid.GenWithStackByArgs(res.Invalid, res.Mask.Len(), v.maxErrorRatio)
}

// checkValue returns why row i of col violates tp, or "" if it does not.
func (v *Validator) checkValue(col *chunk.Column, i int, tp *types.FieldType) string {
	if col.IsNull(i) {
		if tp.Nullable {
			return ""
		}
		return "null value in non-nullable column"
	}
	switch {
	case tp.Kind.IsInteger():
		val := col.GetInt64(i)
		lower, upper := tp.Kind.IntRange()
		if val < lower || val > upper {
			return fmt.Sprintf("value %d out of range for %s", val, tp.Kind)
		}
	case tp.Kind.IsFloat():
		val := col.GetFloat64(i)
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Sprintf("value %v is not a finite number", val)
		}
		if tp.Kind == types.KindFloat && math.Abs(val) > math.MaxFloat32 {
			return fmt.Sprintf("value %v out of range for FLOAT", val)
		}
	case tp.Kind == types.KindDecimal:
		return checkDecimal(col.GetDecimal(i), tp)
	case tp.Kind == types.KindString:
		if l := len(col.GetBytes(i)); int64(l) > v.maxStringLength {
			return fmt.Sprintf("string length %d exceeds %d", l, v.maxStringLength)
		}
	case tp.Kind.IsString():
		if l := len(col.GetBytes(i)); tp.Length > 0 && l > tp.Length {
			return fmt.Sprintf("string length %d exceeds %s", l, tp)
		}
	case tp.Kind == types.KindArray:
		start, end := col.ArrayRange(i)
		if tp.Length > 0 && end-start > tp.Length {
			return fmt.Sprintf("array length %d exceeds %d", end-start, tp.Length)
		}
		for j := start; j < end; j++ {
			if reason := v.checkValue(col.Elem(), j, tp.Elem); reason != "" {
				return fmt.Sprintf("array element %d: %s", j-start, reason)
			}
		}
	}
	return ""
}

func checkDecimal(d decimal.Decimal, tp *types.FieldType) string {
	if !d.Equal(d.Truncate(int32(tp.Scale))) {
		return fmt.Sprintf("value %s has more than %d fractional digits", d, tp.Scale)
	}
	intDigits := tp.Precision - tp.Scale
	if d.Abs().Truncate(0).Cmp(decimal.New(1, int32(intDigits))) >= 0 {
		return fmt.Sprintf("value %s out of range for %s", d, tp)
	}
	return ""
}
