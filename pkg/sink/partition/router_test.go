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

package partition

import (
	"testing"

	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
	"github.com/stretchr/testify/require"
)

// rangeMeta builds a table partitioned by column 0 into
// p1 [nil, 10), p2 [10, 20), p3 [30, nil), each with 4 buckets and one
// index, tablets placed on nodes 1-3.
func rangeMeta() Meta {
	locations := make(map[int64][]int64)
	parts := []Partition{
		{ID: 3, Lower: []types.Datum{types.NewIntDatum(30)}},
		{ID: 1, Upper: []types.Datum{types.NewIntDatum(10)}},
		{ID: 2, Lower: []types.Datum{types.NewIntDatum(10)}, Upper: []types.Datum{types.NewIntDatum(20)}},
	}
	for i := range parts {
		parts[i].NumBuckets = 4
		tablets := make([]int64, 4)
		for b := range tablets {
			tablet := parts[i].ID*100 + int64(b)
			tablets[b] = tablet
			locations[tablet] = []int64{int64(b%3 + 1), int64((b+1)%3 + 1)}
		}
		parts[i].Indexes = []IndexTablets{{IndexID: 7, Tablets: tablets}}
	}
	return Meta{
		Type:                Range,
		PartitionColumns:    []int{0},
		DistributionColumns: []int{1},
		Partitions:          parts,
		Indexes:             []int64{7},
		Locations:           locations,
	}
}

func rows(keys []int64, names []string) *chunk.Chunk {
	chk := chunk.New([]*types.FieldType{types.NewFieldType(types.KindBigInt), types.NewFieldType(types.KindString)}, len(keys))
	for i := range keys {
		chk.Column(0).AppendInt64(keys[i])
		chk.Column(1).AppendString(names[i])
	}
	return chk
}

func TestRangeRouting(t *testing.T) {
	snap, err := NewSnapshot(rangeMeta(), nil)
	require.NoError(t, err)
	r := NewRouter(snap)
	chk := rows([]int64{-5, 9, 10, 19, 20, 25, 30, 1000}, []string{"a", "b", "c", "d", "e", "f", "g", "h"})

	expected := []struct {
		status Status
		part   int64
	}{
		{Found, 1}, {Found, 1}, {Found, 2}, {Found, 2}, {NotFound, 0}, {NotFound, 0}, {Found, 3}, {Found, 3},
	}
	for i, exp := range expected {
		res := r.Route(chk, i)
		require.Equal(t, exp.status, res.Status, "row %d", i)
		if exp.status != Found {
			require.Empty(t, res.Targets)
			continue
		}
		require.Len(t, res.Targets, 1)
		target := res.Targets[0]
		require.Equal(t, exp.part, target.PartitionID, "row %d", i)
		require.Equal(t, int64(7), target.IndexID)
		require.Equal(t, exp.part, target.TabletID/100)
		require.Len(t, target.Replicas, 2)
	}
}

func TestRoutingDeterminism(t *testing.T) {
	snap, err := NewSnapshot(rangeMeta(), nil)
	require.NoError(t, err)
	names := []string{"alice", "bob", "carol", "dave", "eve", "frank", "grace", "heidi"}
	keys := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	chk := rows(keys, names)
	// same partition and distribution keys in a different batch and order
	other := rows([]int64{8, 7, 6, 5, 4, 3, 2, 1}, []string{"heidi", "grace", "frank", "eve", "dave", "carol", "bob", "alice"})

	r1, r2 := NewRouter(snap), NewRouter(snap)
	buckets := make(map[int64]struct{})
	for i := range keys {
		first := r1.Route(chk, i)
		for round := 0; round < 3; round++ {
			require.Equal(t, first, r1.Route(chk, i))
		}
		require.Equal(t, first, r2.Route(other, len(keys)-1-i))
		buckets[first.Targets[0].TabletID] = struct{}{}
	}
	// eight names spread over more than one bucket
	require.Greater(t, len(buckets), 1)
}

func TestHashAllColumnsWithoutDistributionKey(t *testing.T) {
	meta := rangeMeta()
	meta.DistributionColumns = nil
	snap, err := NewSnapshot(meta, nil)
	require.NoError(t, err)
	r := NewRouter(snap)
	chk := rows([]int64{1, 1}, []string{"same", "same"})
	require.Equal(t, r.Route(chk, 0), r.Route(chk, 1))
}

func TestListRouting(t *testing.T) {
	locations := map[int64][]int64{11: {1}, 21: {2}, 31: {3}}
	meta := Meta{
		Type:             List,
		PartitionColumns: []int{1},
		Partitions: []Partition{
			{ID: 1, NumBuckets: 1, Values: [][]types.Datum{{types.NewStringDatum("bj")}, {types.NewStringDatum("sh")}},
				Indexes: []IndexTablets{{IndexID: 1, Tablets: []int64{11}}}},
			{ID: 2, NumBuckets: 1, Values: [][]types.Datum{{types.NewNullDatum()}},
				Indexes: []IndexTablets{{IndexID: 1, Tablets: []int64{21}}}},
		},
		Indexes:   []int64{1},
		Locations: locations,
	}
	snap, err := NewSnapshot(meta, nil)
	require.NoError(t, err)
	r := NewRouter(snap)

	chk := chunk.New([]*types.FieldType{types.NewFieldType(types.KindBigInt), {Kind: types.KindString, Nullable: true}}, 3)
	chk.Column(0).AppendInt64(1)
	chk.Column(1).AppendString("sh")
	chk.Column(0).AppendInt64(2)
	chk.Column(1).AppendNull()
	chk.Column(0).AppendInt64(3)
	chk.Column(1).AppendString("gz")

	require.Equal(t, int64(11), r.Route(chk, 0).Targets[0].TabletID)
	require.Equal(t, int64(21), r.Route(chk, 1).Targets[0].TabletID)
	require.Equal(t, NotFound, r.Route(chk, 2).Status)

	// a default partition takes the overflow
	meta.Partitions = append(meta.Partitions, Partition{ID: 3, NumBuckets: 1, IsDefault: true,
		Indexes: []IndexTablets{{IndexID: 1, Tablets: []int64{31}}}})
	snap, err = NewSnapshot(meta, nil)
	require.NoError(t, err)
	res := NewRouter(snap).Route(chk, 2)
	require.Equal(t, Found, res.Status)
	require.Equal(t, int64(3), res.Targets[0].PartitionID)
	require.Equal(t, []int64{3}, res.Targets[0].Replicas)
}

func TestUnpartitionedMultiIndex(t *testing.T) {
	meta := Meta{
		Type: Unpartitioned,
		Partitions: []Partition{{ID: 1, NumBuckets: 2, Indexes: []IndexTablets{
			{IndexID: 1, Tablets: []int64{10, 11}},
			{IndexID: 2, Tablets: []int64{20, 21}},
		}}},
		Indexes:   []int64{1, 2},
		Locations: map[int64][]int64{10: {1, 2}, 11: {2, 3}, 20: {1, 2}, 21: {2, 3}},
	}
	snap, err := NewSnapshot(meta, nil)
	require.NoError(t, err)
	res := NewRouter(snap).Route(rows([]int64{5}, []string{"x"}), 0)
	require.Equal(t, Found, res.Status)
	require.Len(t, res.Targets, 2)
	require.Equal(t, int64(1), res.Targets[0].IndexID)
	require.Equal(t, int64(2), res.Targets[1].IndexID)
	// both indexes use the same bucket
	require.Equal(t, res.Targets[0].TabletID%10, res.Targets[1].TabletID%10)

	require.Equal(t, []int64{1, 2, 3}, snap.NodesOfIndex(1))
	tablets, parts := snap.NodeTablets(2, 3)
	require.Equal(t, []int64{21}, tablets)
	require.Equal(t, []int64{1}, parts)
}

func TestLoadPartitionsSkip(t *testing.T) {
	snap, err := NewSnapshot(rangeMeta(), []int64{2})
	require.NoError(t, err)
	r := NewRouter(snap)
	chk := rows([]int64{5, 15, 25}, []string{"a", "b", "c"})
	require.Equal(t, Skip, r.Route(chk, 0).Status)
	require.Equal(t, Found, r.Route(chk, 1).Status)
	require.Equal(t, NotFound, r.Route(chk, 2).Status)
	require.Equal(t, []int64{2}, snap.PartitionIDs())

	_, err = NewSnapshot(rangeMeta(), []int64{42})
	require.ErrorIs(t, err, common.ErrInvalidMetadata)
}

func TestInvalidMetadata(t *testing.T) {
	cases := map[string]func(m *Meta){
		"no partition":   func(m *Meta) { m.Partitions = nil },
		"duplicate":      func(m *Meta) { m.Partitions[1].ID = m.Partitions[0].ID },
		"buckets":        func(m *Meta) { m.Partitions[0].NumBuckets = 3 },
		"no replica":     func(m *Meta) { delete(m.Locations, 300) },
		"overlap":        func(m *Meta) { m.Partitions[2].Upper = []types.Datum{types.NewIntDatum(31)} },
		"two unbounded":  func(m *Meta) { m.Partitions[0].Lower = nil },
		"no key columns": func(m *Meta) { m.PartitionColumns = nil },
		"index order":    func(m *Meta) { m.Indexes = []int64{8} },
	}
	for name, mutate := range cases {
		meta := rangeMeta()
		mutate(&meta)
		_, err := NewSnapshot(meta, nil)
		require.ErrorIs(t, err, common.ErrInvalidMetadata, name)
	}
}
