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

package dispatch

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/sink/partition"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Group holds the units of one index, one per replica node. Its member set
// is fixed at construction.
type Group struct {
	indexID int64
	units   []*Unit
	byNode  map[int64]*Unit
}

// NewGroup creates a group over units, which must all belong to indexID.
func NewGroup(indexID int64, units []*Unit) *Group {
	g := &Group{
		indexID: indexID,
		units:   slices.Clone(units),
		byNode:  make(map[int64]*Unit, len(units)),
	}
	slices.SortFunc(g.units, func(a, b *Unit) int {
		switch {
		case a.NodeID() < b.NodeID():
			return -1
		case a.NodeID() > b.NodeID():
			return 1
		}
		return 0
	})
	for _, u := range g.units {
		g.byNode[u.NodeID()] = u
	}
	return g
}

// IndexID returns the index of the group.
func (g *Group) IndexID() int64 { return g.indexID }

// Units returns the units ordered by node id.
func (g *Group) Units() []*Unit { return g.units }

// Unit returns the unit of nodeID or nil.
func (g *Group) Unit(nodeID int64) *Unit { return g.byNode[nodeID] }

// Open starts the handshake of every unit.
func (g *Group) Open(ctx context.Context) {
	for _, u := range g.units {
		u.Open(ctx)
	}
}

// OpenWait waits for every handshake and reports the failed nodes.
func (g *Group) OpenWait(ctx context.Context) error {
	var failed []*NodeError
	for _, u := range g.units {
		if err := u.OpenWait(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			class, _ := u.Failure()
			failed = append(failed, &NodeError{IndexID: g.indexID, NodeID: u.NodeID(), Class: class, Err: err})
		}
	}
	if len(failed) > 0 {
		return &GroupError{IndexID: g.indexID, Nodes: failed}
	}
	return nil
}

type unitRows struct {
	rows    []int
	tablets []int64
}

// Plan collects the rows of one batch per unit before they are buffered, so
// that the caller knows the exact byte cost up front.
type Plan struct {
	group   *Group
	chk     *chunk.Chunk
	perNode map[int64]*unitRows
	// Bytes is the budget the plan acquires when applied.
	Bytes int64
	// Rows counts planned rows once, not once per replica.
	Rows int
}

// Plan starts an empty plan over chk.
func (g *Group) Plan(chk *chunk.Chunk) *Plan {
	return &Plan{group: g, chk: chk, perNode: make(map[int64]*unitRows)}
}

// Add plans row for every replica of target.
func (p *Plan) Add(row int, target partition.RoutingTarget) error {
	if target.IndexID != p.group.indexID {
		return common.ErrInvalidArgument.GenWithStack("target of index %d added to group of index %d",
			target.IndexID, p.group.indexID)
	}
	size := p.chk.RowSize(row)
	for _, node := range target.Replicas {
		if p.group.byNode[node] == nil {
			return common.ErrInvalidMetadata.GenWithStack("index %d has no unit for node %d", p.group.indexID, node)
		}
		ur := p.perNode[node]
		if ur == nil {
			ur = &unitRows{}
			p.perNode[node] = ur
		}
		ur.rows = append(ur.rows, row)
		ur.tablets = append(ur.tablets, target.TabletID)
		p.Bytes += size
	}
	p.Rows++
	return nil
}

// Apply buffers the planned rows into their units and returns the bytes
// acquired.
func (g *Group) Apply(p *Plan) (int64, error) {
	nodes := maps.Keys(p.perNode)
	slices.Sort(nodes)
	var total int64
	for _, node := range nodes {
		ur := p.perNode[node]
		n, err := g.byNode[node].AddRows(p.chk, ur.rows, ur.tablets)
		total += n
		if err != nil {
			return total, errors.Trace(err)
		}
	}
	return total, nil
}

// DispatchRow buffers one row into every replica of target.
func (g *Group) DispatchRow(chk *chunk.Chunk, row int, target partition.RoutingTarget) (int64, error) {
	p := g.Plan(chk)
	if err := p.Add(row, target); err != nil {
		return 0, err
	}
	return g.Apply(p)
}

// Flush seals the buffers of every unit.
func (g *Group) Flush() {
	for _, u := range g.units {
		u.Flush()
	}
}

// Step steps every unit and returns the earliest timed deadline.
func (g *Group) Step(now time.Time) (progress bool, next time.Time) {
	for _, u := range g.units {
		p, n := u.Step(now)
		progress = progress || p
		if !n.IsZero() {
			next = earliest(next, n)
		}
	}
	return progress, next
}

// Terminal reports whether every unit is terminal.
func (g *Group) Terminal() bool {
	for _, u := range g.units {
		if !u.Terminal() {
			return false
		}
	}
	return true
}

// MarkClose marks every unit for close.
func (g *Group) MarkClose() {
	for _, u := range g.units {
		u.MarkClose()
	}
}

// CloseWait waits until every unit is terminal. It returns nil only when
// every unit closed with all its rows acknowledged, and a *GroupError
// naming each failed node otherwise.
func (g *Group) CloseWait(ctx context.Context) error {
	var failed []*NodeError
	for _, u := range g.units {
		err := u.CloseWait(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil && !u.Terminal() {
			return err
		}
		class := common.Permanent
		if u.Phase() == PhaseCancelled {
			class, _ = u.Failure()
		}
		failed = append(failed, &NodeError{IndexID: g.indexID, NodeID: u.NodeID(), Class: class, Err: err})
	}
	if len(failed) > 0 {
		return &GroupError{IndexID: g.indexID, Nodes: failed}
	}
	return nil
}

// Close marks every unit for close and waits for them.
func (g *Group) Close(ctx context.Context) error {
	g.MarkClose()
	return g.CloseWait(ctx)
}

// Cancel cancels every unit.
func (g *Group) Cancel(err error) {
	for _, u := range g.units {
		u.Cancel(err)
	}
}

// Wait blocks until the background calls of every unit returned.
func (g *Group) Wait() {
	for _, u := range g.units {
		u.Wait()
	}
}

// Stats returns the counters of every unit.
func (g *Group) Stats() []UnitStats {
	stats := make([]UnitStats, 0, len(g.units))
	for _, u := range g.units {
		stats = append(stats, u.Stats())
	}
	return stats
}
