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
	"sort"

	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/types"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Type is the partitioning method of a table.
type Type int

// Partitioning methods.
const (
	Unpartitioned Type = iota
	Range
	List
)

// IndexTablets maps the buckets of one partition to tablets of one index.
type IndexTablets struct {
	IndexID int64
	// Tablets[b] is the tablet of bucket b.
	Tablets []int64
}

// Partition is one partition of the destination table.
type Partition struct {
	ID int64
	// Lower and Upper bound a RANGE partition as [Lower, Upper). A nil bound
	// is unbounded.
	Lower []types.Datum
	Upper []types.Datum
	// Values lists the key tuples of a LIST partition.
	Values [][]types.Datum
	// IsDefault marks the LIST partition taking rows no other partition
	// lists.
	IsDefault  bool
	NumBuckets int
	Indexes    []IndexTablets
}

// Meta is the partition and tablet metadata of one table, as supplied by
// the metadata service.
type Meta struct {
	Type Type
	// PartitionColumns and DistributionColumns are column offsets in the
	// destination schema. With no distribution columns every column is
	// hashed.
	PartitionColumns    []int
	DistributionColumns []int
	Partitions          []Partition
	// Indexes lists the index ids of the table. Every partition has tablets
	// for each of them.
	Indexes []int64
	// Locations maps a tablet id to its replica node ids.
	Locations map[int64][]int64
}

// Snapshot is an immutable, validated view of Meta. It is safe for
// concurrent use and shared by pointer for a whole session.
type Snapshot struct {
	meta       Meta
	partitions []*Partition
	// listIndex maps an encoded LIST key to a partition offset.
	listIndex map[string]int
	// defaultPart is the offset of the LIST default partition or -1.
	defaultPart int
	// targets[p][b] holds one target per index for bucket b of partition p.
	targets [][][]RoutingTarget
	// load limits a session to some partitions, nil means all.
	load map[int64]struct{}
}

// NewSnapshot validates meta and builds the lookup tables. loadPartitions
// restricts the session to the given partition ids; rows of any other
// partition are skipped. Meta must not be modified afterwards.
func NewSnapshot(meta Meta, loadPartitions []int64) (*Snapshot, error) {
	invalid := func(format string, args ...any) error {
		return common.ErrInvalidMetadata.GenWithStack(format, args...)
	}
	if len(meta.Partitions) == 0 {
		return nil, invalid("table has no partition")
	}
	if len(meta.Indexes) == 0 {
		return nil, invalid("table has no index")
	}
	if meta.Type == Unpartitioned && len(meta.Partitions) != 1 {
		return nil, invalid("unpartitioned table has %d partitions", len(meta.Partitions))
	}
	if meta.Type != Unpartitioned && len(meta.PartitionColumns) == 0 {
		return nil, invalid("partitioned table has no partition column")
	}

	s := &Snapshot{
		meta:        meta,
		partitions:  make([]*Partition, 0, len(meta.Partitions)),
		listIndex:   make(map[string]int),
		defaultPart: -1,
	}
	seen := make(map[int64]struct{}, len(meta.Partitions))
	for i := range meta.Partitions {
		p := &meta.Partitions[i]
		if _, ok := seen[p.ID]; ok {
			return nil, invalid("duplicate partition %d", p.ID)
		}
		seen[p.ID] = struct{}{}
		if err := s.checkTablets(p); err != nil {
			return nil, err
		}
		s.partitions = append(s.partitions, p)
	}

	switch meta.Type {
	case Range:
		slices.SortFunc(s.partitions, func(a, b *Partition) int {
			return compareLower(a.Lower, b.Lower)
		})
		for i := 1; i < len(s.partitions); i++ {
			prev, cur := s.partitions[i-1], s.partitions[i]
			if prev.Upper == nil || cur.Lower == nil || types.CompareDatums(prev.Upper, cur.Lower) > 0 {
				return nil, invalid("partition %d overlaps partition %d", prev.ID, cur.ID)
			}
		}
	case List:
		for i, p := range s.partitions {
			if p.IsDefault {
				if s.defaultPart >= 0 {
					return nil, invalid("more than one default partition")
				}
				s.defaultPart = i
			}
			for _, v := range p.Values {
				key := string(encodeKey(nil, v))
				if other, ok := s.listIndex[key]; ok {
					return nil, invalid("partition %d and %d both list %v", s.partitions[other].ID, p.ID, v)
				}
				s.listIndex[key] = i
			}
		}
	}

	s.targets = make([][][]RoutingTarget, len(s.partitions))
	for i, p := range s.partitions {
		s.targets[i] = make([][]RoutingTarget, p.NumBuckets)
		for b := 0; b < p.NumBuckets; b++ {
			ts := make([]RoutingTarget, 0, len(p.Indexes))
			for _, it := range p.Indexes {
				tablet := it.Tablets[b]
				ts = append(ts, RoutingTarget{
					IndexID:     it.IndexID,
					PartitionID: p.ID,
					TabletID:    tablet,
					Replicas:    meta.Locations[tablet],
				})
			}
			s.targets[i][b] = ts
		}
	}

	if loadPartitions != nil {
		s.load = make(map[int64]struct{}, len(loadPartitions))
		for _, id := range loadPartitions {
			if _, ok := seen[id]; !ok {
				return nil, invalid("load partition %d does not exist", id)
			}
			s.load[id] = struct{}{}
		}
	}
	return s, nil
}

func (s *Snapshot) checkTablets(p *Partition) error {
	if p.NumBuckets <= 0 {
		return common.ErrInvalidMetadata.GenWithStack("partition %d has %d buckets", p.ID, p.NumBuckets)
	}
	if len(p.Indexes) != len(s.meta.Indexes) {
		return common.ErrInvalidMetadata.GenWithStack("partition %d has tablets for %d of %d indexes",
			p.ID, len(p.Indexes), len(s.meta.Indexes))
	}
	for i, it := range p.Indexes {
		if it.IndexID != s.meta.Indexes[i] {
			return common.ErrInvalidMetadata.GenWithStack("partition %d index %d is out of order", p.ID, it.IndexID)
		}
		if len(it.Tablets) != p.NumBuckets {
			return common.ErrInvalidMetadata.GenWithStack("partition %d index %d has %d tablets for %d buckets",
				p.ID, it.IndexID, len(it.Tablets), p.NumBuckets)
		}
		for _, tablet := range it.Tablets {
			if len(s.meta.Locations[tablet]) == 0 {
				return common.ErrInvalidMetadata.GenWithStack("tablet %d has no replica", tablet)
			}
		}
	}
	return nil
}

// compareLower orders lower bounds with nil (unbounded) first.
func compareLower(a, b []types.Datum) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return types.CompareDatums(a, b)
}

func encodeKey(buf []byte, key []types.Datum) []byte {
	for _, d := range key {
		buf = d.EncodeTo(buf)
	}
	return buf
}

// Type returns the partitioning method.
func (s *Snapshot) Type() Type { return s.meta.Type }

// Indexes returns the index ids of the table.
func (s *Snapshot) Indexes() []int64 { return s.meta.Indexes }

// PartitionIDs returns the ids of the partitions the session loads.
func (s *Snapshot) PartitionIDs() []int64 {
	ids := make([]int64, 0, len(s.partitions))
	for _, p := range s.partitions {
		if s.loads(p.ID) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (s *Snapshot) loads(partitionID int64) bool {
	if s.load == nil {
		return true
	}
	_, ok := s.load[partitionID]
	return ok
}

// NodesOfIndex returns the sorted ids of every node holding a replica of a
// loaded tablet of the index.
func (s *Snapshot) NodesOfIndex(indexID int64) []int64 {
	nodes := make(map[int64]struct{})
	s.forEachTablet(indexID, func(_ int64, _ int64, replicas []int64) {
		for _, n := range replicas {
			nodes[n] = struct{}{}
		}
	})
	ids := maps.Keys(nodes)
	slices.Sort(ids)
	return ids
}

// NodeTablets lists the loaded tablets of an index placed on one node with
// their partitions.
func (s *Snapshot) NodeTablets(indexID, nodeID int64) (tablets []int64, partitions []int64) {
	seenPart := make(map[int64]struct{})
	s.forEachTablet(indexID, func(partID int64, tablet int64, replicas []int64) {
		if !slices.Contains(replicas, nodeID) {
			return
		}
		tablets = append(tablets, tablet)
		if _, ok := seenPart[partID]; !ok {
			seenPart[partID] = struct{}{}
			partitions = append(partitions, partID)
		}
	})
	return tablets, partitions
}

func (s *Snapshot) forEachTablet(indexID int64, fn func(partID, tablet int64, replicas []int64)) {
	for _, p := range s.partitions {
		if !s.loads(p.ID) {
			continue
		}
		for _, it := range p.Indexes {
			if it.IndexID != indexID {
				continue
			}
			for _, tablet := range it.Tablets {
				fn(p.ID, tablet, s.meta.Locations[tablet])
			}
		}
	}
}

// findRange returns the offset of the RANGE partition containing key.
func (s *Snapshot) findRange(key []types.Datum) (int, bool) {
	// first partition whose lower bound is above key
	idx := sort.Search(len(s.partitions), func(i int) bool {
		return compareLower(s.partitions[i].Lower, key) > 0
	})
	if idx == 0 {
		return 0, false
	}
	p := s.partitions[idx-1]
	if p.Upper != nil && types.CompareDatums(key, p.Upper) >= 0 {
		return 0, false
	}
	return idx - 1, true
}

func (s *Snapshot) findList(encodedKey []byte) (int, bool) {
	if idx, ok := s.listIndex[string(encodedKey)]; ok {
		return idx, true
	}
	if s.defaultPart >= 0 {
		return s.defaultPart, true
	}
	return 0, false
}
