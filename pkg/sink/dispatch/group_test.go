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

package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/sink/dispatch"
	"github.com/pingcap/tabletsink/pkg/sink/partition"
	"github.com/stretchr/testify/require"
)

func newTestGroup(tr dispatch.Transport, budget *dispatch.Budget, nodes ...int64) *dispatch.Group {
	units := make([]*dispatch.Unit, 0, len(nodes))
	for _, node := range nodes {
		units = append(units, newTestUnit(tr, budget, node, func(cfg *dispatch.UnitConfig) {
			cfg.MaxRetry = 1
		}))
	}
	return dispatch.NewGroup(1, units)
}

func TestGroupReplicaFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.handle = func(node int64, _ int, req *dispatch.WriteRequest) (*dispatch.WriteResponse, error) {
		if node == 2 {
			return nil, context.DeadlineExceeded
		}
		return okResponse(req), nil
	}
	budget := dispatch.NewBudget(1<<20, nil)
	g := newTestGroup(tr, budget, 2, 1)
	require.Equal(t, int64(1), g.Units()[0].NodeID())

	ctx := context.Background()
	g.Open(ctx)
	require.NoError(t, g.OpenWait(ctx))
	target := partition.RoutingTarget{IndexID: 1, PartitionID: 100, TabletID: 10, Replicas: []int64{1, 2}}
	n, err := g.DispatchRow(bigintChunk(42), 0, target)
	require.NoError(t, err)
	require.Equal(t, int64(2*testRowSize), n)

	stop := startDriver(g)
	defer stop()
	err = g.Close(ctx)
	var groupErr *dispatch.GroupError
	require.ErrorAs(t, err, &groupErr)
	require.Len(t, groupErr.Nodes, 1)
	failed := groupErr.Nodes[0]
	require.Equal(t, int64(2), failed.NodeID)
	require.Equal(t, common.Permanent, failed.Class)
	require.Equal(t, "permanent", failed.Class.String())
	require.ErrorIs(t, err, common.ErrRetryExhausted)
	require.Equal(t, failed, groupErr.Reported())

	require.Equal(t, dispatch.PhaseClosed, g.Unit(1).Phase())
	require.Equal(t, dispatch.PhaseCancelled, g.Unit(2).Phase())
	require.True(t, g.Terminal())
	require.Equal(t, map[int64]int64{10: 1}, g.Unit(1).Stats().TabletRows)
	require.Zero(t, budget.Used())
}

func TestGroupPlanApply(t *testing.T) {
	tr := newFakeTransport()
	budget := dispatch.NewBudget(1<<20, nil)
	g := newTestGroup(tr, budget, 1, 2, 3)
	ctx := context.Background()
	g.Open(ctx)
	require.NoError(t, g.OpenWait(ctx))

	chk := bigintChunk(1, 2, 3)
	plan := g.Plan(chk)
	require.NoError(t, plan.Add(0, partition.RoutingTarget{IndexID: 1, TabletID: 10, Replicas: []int64{1, 2}}))
	require.NoError(t, plan.Add(1, partition.RoutingTarget{IndexID: 1, TabletID: 11, Replicas: []int64{2, 3}}))
	require.NoError(t, plan.Add(2, partition.RoutingTarget{IndexID: 1, TabletID: 10, Replicas: []int64{1, 2}}))
	require.Equal(t, 3, plan.Rows)
	require.Equal(t, int64(6*testRowSize), plan.Bytes)
	require.Zero(t, budget.Used())

	n, err := g.Apply(plan)
	require.NoError(t, err)
	require.Equal(t, plan.Bytes, n)
	require.Equal(t, plan.Bytes, budget.Used())
	require.Equal(t, int64(2), g.Unit(1).Stats().RowsAdded)
	require.Equal(t, int64(3), g.Unit(2).Stats().RowsAdded)
	require.Equal(t, int64(1), g.Unit(3).Stats().RowsAdded)

	require.ErrorIs(t, plan.Add(0, partition.RoutingTarget{IndexID: 1, Replicas: []int64{9}}), common.ErrInvalidMetadata)
	require.ErrorIs(t, plan.Add(0, partition.RoutingTarget{IndexID: 2, Replicas: []int64{1}}), common.ErrInvalidArgument)

	g.Cancel(errors.New("upstream failed"))
	require.Zero(t, budget.Used())
	g.Wait()
	for _, s := range g.Stats() {
		require.Equal(t, dispatch.PhaseCancelled, s.Phase)
	}
}

func TestGroupOpenWaitFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.openErr = errors.New("node down")
	g := newTestGroup(tr, dispatch.NewBudget(1<<20, nil), 1, 2)
	ctx := context.Background()
	g.Open(ctx)
	err := g.OpenWait(ctx)
	var groupErr *dispatch.GroupError
	require.ErrorAs(t, err, &groupErr)
	require.Len(t, groupErr.Nodes, 2)
	require.ErrorIs(t, err, common.ErrOpenNode)
	g.Wait()
}

func TestGroupStepReportsDeadline(t *testing.T) {
	tr := newFakeTransport()
	tr.handle = func(_ int64, attempt int, req *dispatch.WriteRequest) (*dispatch.WriteResponse, error) {
		if attempt == 1 {
			return nil, context.DeadlineExceeded
		}
		return okResponse(req), nil
	}
	budget := dispatch.NewBudget(1<<20, nil)
	units := []*dispatch.Unit{newTestUnit(tr, budget, 1, func(cfg *dispatch.UnitConfig) {
		cfg.RetryBackoff = time.Hour
	})}
	g := dispatch.NewGroup(1, units)
	ctx := context.Background()
	g.Open(ctx)
	require.NoError(t, g.OpenWait(ctx))
	g.MarkClose()

	progress, _ := g.Step(time.Now())
	require.True(t, progress)
	require.Eventually(t, func() bool {
		_, next := g.Step(time.Now())
		return !next.IsZero()
	}, 5*time.Second, time.Millisecond)
	_, next := g.Step(time.Now())
	require.True(t, next.After(time.Now().Add(10*time.Minute)))
	g.Cancel(nil)
	g.Wait()
}

func TestPreferPermanent(t *testing.T) {
	transient := &dispatch.NodeError{NodeID: 1, Class: common.Transient, Err: errors.New("timeout")}
	permanent := &dispatch.NodeError{NodeID: 2, Class: common.Permanent, Err: errors.New("corrupted")}
	require.Nil(t, dispatch.PreferPermanent(nil))
	require.Equal(t, transient, dispatch.PreferPermanent([]*dispatch.NodeError{transient}))
	require.Equal(t, permanent, dispatch.PreferPermanent([]*dispatch.NodeError{transient, permanent}))

	groupErr := &dispatch.GroupError{IndexID: 1, Nodes: []*dispatch.NodeError{transient, permanent}}
	require.Contains(t, groupErr.Error(), "node 1 failed (transient)")
	require.Contains(t, groupErr.Error(), "node 2 failed (permanent)")
	require.Equal(t, permanent, groupErr.Reported())
}
