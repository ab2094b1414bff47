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

package sink

import (
	"cmp"
	"context"
	goerrors "errors"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/sink/dispatch"
	"github.com/pingcap/tabletsink/pkg/sink/errormanager"
	"github.com/pingcap/tabletsink/pkg/util/logutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// Close ends the session. With a nil sessionErr every unit sends its final
// request and Close waits for all of them, up to the close timeout;
// otherwise every unit is cancelled. The result and error of the first
// call are returned again by later calls without any network activity.
func (c *Coordinator) Close(ctx context.Context, sessionErr error) (*Result, error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.mu.Lock()
	if c.result != nil {
		res := c.result
		c.mu.Unlock()
		return res, res.Err
	}
	started := c.state != stateInit
	c.state = stateClosed
	c.mu.Unlock()

	if sessionErr != nil {
		_ = c.abort(KindUpstream, sessionErr)
	}
	res := &Result{LoadID: c.loadID}
	c.mu.Lock()
	abortErr := c.abortErr
	c.mu.Unlock()
	switch {
	case abortErr != nil:
		res.Kind, res.Err = abortErr.Kind, abortErr
		res.NodeErrors = c.unitFailures(abortErr)
	case started:
		res.Kind, res.NodeErrors, res.Err = c.closeGroups(ctx)
	default:
		for _, g := range c.groups {
			g.Cancel(common.ErrCancelled.GenWithStackByArgs())
		}
	}

	c.driver.stop(started)
	for _, g := range c.groups {
		g.Wait()
	}
	c.fillResult(res)
	for _, ne := range res.NodeErrors {
		c.em.RecordNodeError(errormanager.NodeError{
			IndexID: ne.IndexID,
			NodeID:  ne.NodeID,
			Class:   ne.Class.String(),
			Message: ne.Err.Error(),
		})
	}
	c.em.LogErrorDetails()
	if summary := c.em.Output(); summary != "" {
		c.logger.Info(summary)
	}
	c.logger.Info("sink session closed",
		zap.Stringer("result", res.Kind),
		zap.Int64("received", res.RowsReceived),
		zap.Int64("accepted", res.RowsAccepted),
		zap.Int64("filtered", res.RowsFiltered),
		zap.Duration("backpressure-wait", res.BackpressureWait),
		zap.Duration("elapsed", res.Elapsed),
		logutil.ShortError(res.Err))

	c.mu.Lock()
	c.result = res
	c.mu.Unlock()
	return res, res.Err
}

// closeGroups marks every group for close and waits for all of them
// concurrently.
func (c *Coordinator) closeGroups(ctx context.Context) (FailureKind, []*dispatch.NodeError, error) {
	for _, g := range c.groups {
		g.MarkClose()
	}
	c.driver.wake()

	closeCtx, cancel := context.WithTimeout(ctx, c.cfg.CloseTimeout.Duration)
	defer cancel()
	errs := make([]error, len(c.groups))
	var eg errgroup.Group
	for i, g := range c.groups {
		eg.Go(func() error {
			errs[i] = g.CloseWait(closeCtx)
			return errs[i]
		})
	}
	if eg.Wait() == nil {
		return KindNone, nil, nil
	}

	if !c.terminal() {
		kind, err := KindCloseTimeout, common.ErrCloseTimeout.GenWithStackByArgs(c.cfg.CloseTimeout.Duration)
		if ctx.Err() != nil {
			kind, err = KindUpstream, errors.Trace(ctx.Err())
		}
		for _, g := range c.groups {
			g.Cancel(err)
		}
		return kind, c.unitFailures(err), err
	}

	var (
		nodeErrs []*dispatch.NodeError
		combined error
	)
	for _, err := range errs {
		combined = multierr.Append(combined, err)
		var groupErr *dispatch.GroupError
		if goerrors.As(err, &groupErr) {
			nodeErrs = append(nodeErrs, groupErr.Nodes...)
		}
	}
	c.logger.Warn("close dispatch groups failed", zap.Error(combined))
	if len(nodeErrs) == 0 {
		return KindTransport, nil, combined
	}
	sortNodeErrors(nodeErrs)
	return KindTransport, nodeErrs, nodeErrs[0]
}

func (c *Coordinator) terminal() bool {
	for _, g := range c.groups {
		if !g.Terminal() {
			return false
		}
	}
	return true
}

// unitFailures lists the cancelled units whose error is not cause.
func (c *Coordinator) unitFailures(cause error) []*dispatch.NodeError {
	var nodeErrs []*dispatch.NodeError
	for _, g := range c.groups {
		for _, u := range g.Units() {
			if u.Phase() != dispatch.PhaseCancelled {
				continue
			}
			class, err := u.Failure()
			if err == nil || err == cause {
				continue
			}
			nodeErrs = append(nodeErrs, &dispatch.NodeError{IndexID: g.IndexID(), NodeID: u.NodeID(), Class: class, Err: err})
		}
	}
	sortNodeErrors(nodeErrs)
	return nodeErrs
}

// sortNodeErrors puts permanent failures first and keeps the order of
// equally classified ones.
func sortNodeErrors(nodeErrs []*dispatch.NodeError) {
	slices.SortStableFunc(nodeErrs, func(a, b *dispatch.NodeError) int {
		return cmp.Compare(b.Class, a.Class)
	})
}

func (c *Coordinator) fillResult(res *Result) {
	res.RowsReceived = c.received.Load()
	res.RowsAccepted = c.accepted.Load()
	res.RowsInvalid = c.invalid.Load()
	res.RowsNotFound = c.notFound.Load()
	res.RowsSkipped = c.skipped.Load()
	res.RowsFiltered = res.RowsInvalid + res.RowsNotFound + res.RowsSkipped
	res.BackpressureWait = c.backpressureWait.Load()
	if !c.start.IsZero() {
		res.Elapsed = time.Since(c.start)
	}
	for _, g := range c.groups {
		for _, s := range g.Stats() {
			res.Units = append(res.Units, s)
			for tablet, rows := range s.TabletRows {
				res.CommitInfos = append(res.CommitInfos, CommitInfo{
					IndexID:  s.IndexID,
					TabletID: tablet,
					NodeID:   s.NodeID,
					Rows:     rows,
				})
			}
		}
	}
	slices.SortFunc(res.CommitInfos, func(a, b CommitInfo) int {
		if r := cmp.Compare(a.IndexID, b.IndexID); r != 0 {
			return r
		}
		if r := cmp.Compare(a.TabletID, b.TabletID); r != 0 {
			return r
		}
		return cmp.Compare(a.NodeID, b.NodeID)
	})
}
