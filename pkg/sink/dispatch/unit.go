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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/sink/metric"
	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
	"github.com/pingcap/tabletsink/pkg/util/logutil"
	"go.uber.org/zap"
)

// Phase is the lifecycle phase of a Unit.
type Phase int32

// Phases of a unit. Closed and Cancelled are terminal.
const (
	PhaseInit Phase = iota
	PhaseOpening
	PhaseActive
	PhaseDraining
	PhaseClosed
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseOpening:
		return "opening"
	case PhaseActive:
		return "active"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	case PhaseCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseClosed || p == PhaseCancelled
}

const defaultBufferCapacity = 1024

// UnitConfig configures the Unit of one (index, node) pair.
type UnitConfig struct {
	LoadID        string
	IndexID       int64
	NodeID        int64
	SenderID      int64
	SchemaVersion int64
	FieldTypes    []*types.FieldType
	// TabletIDs and PartitionIDs are the tablets and partitions of the
	// index that this node may receive rows for.
	TabletIDs    []int64
	PartitionIDs []int64

	// Strategy decides when the buffer is sealed. Defaults to a
	// ThresholdStrategy built from MaxRows and MaxBytes.
	Strategy     BufferStrategy
	MaxRows      int
	MaxBytes     int64
	MaxRetry     int
	RetryBackoff time.Duration
	RPCTimeout   time.Duration
	OpenTimeout  time.Duration
	// Linger is the longest time rows stay in an unsealed buffer before
	// Step seals them. Zero disables it.
	Linger time.Duration

	Transport Transport
	Budget    *Budget
	Metrics   *metric.Metrics
	// Notify is called whenever the unit may have work for Step. It must
	// not block.
	Notify func()
	Logger *zap.Logger
}

// call is the future of the single in-flight request of a unit.
type call struct {
	req    *PendingRequest
	cancel context.CancelFunc
	done   chan struct{}
	resp   *WriteResponse
	err    error
	start  time.Time
}

// UnitStats is a snapshot of the counters of a unit.
type UnitStats struct {
	IndexID     int64
	NodeID      int64
	Phase       Phase
	RowsAdded   int64
	RowsAcked   int64
	RowsDropped int64
	// HeldBytes is the budget held by buffered and queued rows.
	HeldBytes  int64
	Requests   int64
	Retries    int64
	TabletRows map[int64]int64
}

// Unit buffers the rows of one index bound for one node and delivers them
// as an ordered stream of requests with at most one request in flight.
//
// Producers call AddRows, MarkClose and CloseWait. A single driver calls
// Step. Cancel may be called from anywhere.
type Unit struct {
	cfg      UnitConfig
	logger   *zap.Logger
	strategy BufferStrategy
	capacity int

	mu    sync.Mutex
	phase Phase
	// closeRequested is set by MarkClose before the handshake finished.
	closeRequested bool
	buf            *buffer
	// queue holds sealed requests in send order. The head is the in-flight
	// request when inflight is not nil.
	queue    []*PendingRequest
	inflight *call
	nextSeq  int64
	backoff  *backoff.ExponentialBackOff

	rowsAdded   int64
	rowsAcked   int64
	rowsDropped int64
	requests    int64
	retries     int64
	tabletRows  map[int64]int64

	err   error
	class common.ErrorClass

	ctx      context.Context
	cancel   context.CancelFunc
	openDone chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewUnit creates a unit in PhaseInit.
func NewUnit(cfg UnitConfig) *Unit {
	logger := cfg.Logger
	if logger == nil {
		logger = logutil.BgLogger()
	}
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = ThresholdStrategy{MaxRows: cfg.MaxRows, MaxBytes: cfg.MaxBytes}
	}
	capacity := defaultBufferCapacity
	if cfg.MaxRows > 0 && cfg.MaxRows < capacity {
		capacity = cfg.MaxRows
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Unit{
		cfg:        cfg,
		logger:     logger.With(zap.Int64("index", cfg.IndexID), zap.Int64("node", cfg.NodeID)),
		strategy:   strategy,
		capacity:   capacity,
		buf:        newBuffer(cfg.FieldTypes, capacity),
		backoff:    bo,
		tabletRows: make(map[int64]int64),
		openDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// NodeID returns the node of the unit.
func (u *Unit) NodeID() int64 { return u.cfg.NodeID }

// IndexID returns the index of the unit.
func (u *Unit) IndexID() int64 { return u.cfg.IndexID }

// Open starts the handshake with the node in the background. The context
// bounds the lifetime of every request of the unit.
func (u *Unit) Open(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.phase != PhaseInit {
		return
	}
	u.phase = PhaseOpening
	u.ctx, u.cancel = context.WithCancel(ctx)
	req := &OpenRequest{
		LoadID:        u.cfg.LoadID,
		IndexID:       u.cfg.IndexID,
		SenderID:      u.cfg.SenderID,
		SchemaVersion: u.cfg.SchemaVersion,
		TabletIDs:     u.cfg.TabletIDs,
		PartitionIDs:  u.cfg.PartitionIDs,
	}
	openCtx, openCancel := u.ctx, context.CancelFunc(func() {})
	if u.cfg.OpenTimeout > 0 {
		openCtx, openCancel = context.WithTimeout(u.ctx, u.cfg.OpenTimeout)
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer close(u.openDone)
		err := u.cfg.Transport.Open(openCtx, u.cfg.NodeID, req)
		openCancel()
		u.mu.Lock()
		if u.phase != PhaseOpening {
			u.mu.Unlock()
			return
		}
		if err != nil {
			u.cancelLocked(common.ErrOpenNode.Wrap(err).GenWithStackByArgs(u.cfg.NodeID), common.Permanent)
		} else {
			u.phase = PhaseActive
			u.logger.Debug("tablet writer opened", zap.Int("tablets", len(req.TabletIDs)))
			if u.closeRequested {
				u.markCloseLocked()
			}
		}
		u.mu.Unlock()
		u.notify()
	}()
}

// OpenWait blocks until the handshake finished. It returns the handshake
// error, or the error of a cancel that happened first.
func (u *Unit) OpenWait(ctx context.Context) error {
	select {
	case <-u.openDone:
	case <-u.done:
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.phase == PhaseCancelled {
		return u.err
	}
	return nil
}

// AddRows copies the given rows of src into the buffer. tablets[i] is the
// tablet of rows[i]. It returns the bytes acquired from the budget. Rows
// offered to a cancelled unit are counted as dropped.
func (u *Unit) AddRows(src *chunk.Chunk, rows []int, tablets []int64) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch u.phase {
	case PhaseActive:
	case PhaseCancelled:
		u.rowsDropped += int64(len(rows))
		u.observeRows(metric.StateDiscarded, len(rows))
		return 0, nil
	default:
		return 0, common.ErrUnitClosed.GenWithStackByArgs(u.cfg.NodeID, u.phase)
	}
	now := time.Now()
	var total int64
	for i, row := range rows {
		size := u.buf.append(src, row, tablets[i], now)
		u.cfg.Budget.Acquire(size)
		total += size
		u.rowsAdded++
		if u.strategy.ShouldSeal(u.buf.numRows(), u.buf.bytes) {
			u.sealLocked(false)
		}
	}
	u.notify()
	return total, nil
}

// Flush seals the buffered rows of an active unit.
func (u *Unit) Flush() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.phase == PhaseActive && u.buf.numRows() > 0 {
		u.sealLocked(false)
		u.notify()
	}
}

// MarkClose stops accepting rows and queues the final request. It does not
// block.
func (u *Unit) MarkClose() {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch u.phase {
	case PhaseInit, PhaseOpening:
		u.closeRequested = true
	case PhaseActive:
		u.markCloseLocked()
		u.notify()
	}
}

func (u *Unit) markCloseLocked() {
	u.sealLocked(true)
	u.phase = PhaseDraining
}

func (u *Unit) sealLocked(eos bool) {
	base := WriteRequest{
		LoadID:        u.cfg.LoadID,
		IndexID:       u.cfg.IndexID,
		SenderID:      u.cfg.SenderID,
		PacketSeq:     u.nextSeq,
		SchemaVersion: u.cfg.SchemaVersion,
		EOS:           eos,
	}
	if eos {
		base.PartitionIDs = u.cfg.PartitionIDs
	}
	u.queue = append(u.queue, u.buf.seal(base))
	u.nextSeq++
	u.buf.reset(u.capacity)
}

// Step observes the completion of the in-flight request, issues the next
// request when the slot is free and seals a lingering buffer. It never
// blocks. next is the earliest time at which Step has timed work to do, or
// zero.
func (u *Unit) Step(now time.Time) (progress bool, next time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.phase.Terminal() {
		return false, time.Time{}
	}
	if c := u.inflight; c != nil {
		select {
		case <-c.done:
			u.inflight = nil
			c.cancel()
			u.completeLocked(c, now)
			progress = true
		default:
		}
		if u.phase.Terminal() {
			return progress, time.Time{}
		}
	}
	if u.phase == PhaseActive && u.buf.numRows() > 0 && u.cfg.Linger > 0 {
		deadline := u.buf.since.Add(u.cfg.Linger)
		if !now.Before(deadline) {
			u.sealLocked(false)
			progress = true
		} else {
			next = deadline
		}
	}
	if u.inflight == nil && len(u.queue) > 0 && (u.phase == PhaseActive || u.phase == PhaseDraining) {
		head := u.queue[0]
		if now.Before(head.retryAt) {
			next = earliest(next, head.retryAt)
		} else {
			u.issueLocked(head, now)
			progress = true
		}
	}
	return progress, next
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}

func (u *Unit) issueLocked(p *PendingRequest, now time.Time) {
	ctx, cancel := u.ctx, context.CancelFunc(func() {})
	if u.cfg.RPCTimeout > 0 {
		ctx, cancel = context.WithTimeout(u.ctx, u.cfg.RPCTimeout)
	}
	c := &call{req: p, cancel: cancel, done: make(chan struct{}), start: now}
	u.inflight = c
	u.requests++
	if p.retries > 0 {
		u.retries++
		if u.cfg.Metrics != nil {
			u.cfg.Metrics.RequestRetryCounter.Inc()
		}
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		c.resp, c.err = u.cfg.Transport.Write(ctx, u.cfg.NodeID, p.req)
		close(c.done)
		u.notify()
	}()
}

func (u *Unit) completeLocked(c *call, now time.Time) {
	p := c.req
	err := c.err
	if err == nil {
		switch {
		case c.resp == nil:
			err = common.ErrNodeWrite.GenWithStackByArgs(u.cfg.NodeID, p.req.PacketSeq, "empty response")
		case !c.resp.OK && c.resp.Retryable:
			err = common.ErrNodeBusy.GenWithStackByArgs(u.cfg.NodeID, c.resp.Message)
		case !c.resp.OK:
			err = common.ErrNodeWrite.GenWithStackByArgs(u.cfg.NodeID, p.req.PacketSeq, c.resp.Message)
		}
	}
	result := metric.ResultSuccess
	if err != nil {
		result = metric.ResultFailure
	}
	if u.cfg.Metrics != nil {
		u.cfg.Metrics.RequestSecondsHistogram.WithLabelValues(result).Observe(now.Sub(c.start).Seconds())
	}

	if err == nil {
		u.queue = u.queue[1:]
		u.cfg.Budget.Release(p.bytes)
		u.rowsAcked += int64(p.req.NumRows)
		u.observeRows(metric.StateAcked, p.req.NumRows)
		for tablet, rows := range c.resp.TabletRows {
			u.tabletRows[tablet] += rows
		}
		u.backoff.Reset()
		if p.req.EOS {
			u.logger.Info("tablet writer closed",
				zap.Int64("rows", u.rowsAcked), zap.Int64("requests", u.requests))
			u.finishLocked(PhaseClosed)
		}
		return
	}

	class := common.Classify(err)
	if class == common.Transient && p.retries < u.cfg.MaxRetry {
		p.retries++
		p.retryAt = now.Add(u.backoff.NextBackOff())
		u.logger.Warn("write request failed, will retry",
			zap.Int64("seq", p.req.PacketSeq), zap.Int("retry", p.retries),
			zap.Time("retry-at", p.retryAt), logutil.ShortError(err))
		return
	}
	if class == common.Transient {
		err = common.ErrRetryExhausted.Wrap(err).GenWithStackByArgs(p.req.PacketSeq, u.cfg.NodeID, p.retries)
	}
	u.cancelLocked(err, common.Permanent)
}

// Cancel discards every buffered and queued row, releases their budget and
// ignores the completion of the in-flight request. It is idempotent.
func (u *Unit) Cancel(err error) {
	if err == nil {
		err = common.ErrCancelled.GenWithStackByArgs()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cancelLocked(err, common.Classify(err))
}

func (u *Unit) cancelLocked(err error, class common.ErrorClass) {
	if u.phase.Terminal() {
		return
	}
	released := u.buf.bytes
	dropped := int64(u.buf.numRows())
	for _, p := range u.queue {
		released += p.bytes
		dropped += int64(p.req.NumRows)
	}
	u.cfg.Budget.Release(released)
	u.rowsDropped += dropped
	u.observeRows(metric.StateDiscarded, int(dropped))
	u.queue = nil
	u.buf.reset(u.capacity)
	if u.inflight != nil {
		u.inflight.cancel()
		u.inflight = nil
	}
	u.err = err
	u.class = class
	u.logger.Warn("dispatch unit cancelled",
		zap.Stringer("phase", u.phase), zap.Int64("dropped-rows", dropped),
		zap.Stringer("class", class), logutil.ShortError(err))
	u.finishLocked(PhaseCancelled)
}

func (u *Unit) finishLocked(phase Phase) {
	u.phase = phase
	if u.cancel != nil {
		u.cancel()
	}
	close(u.done)
}

// Done is closed once the unit is terminal.
func (u *Unit) Done() <-chan struct{} { return u.done }

// Terminal reports whether the unit is closed or cancelled.
func (u *Unit) Terminal() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.phase.Terminal()
}

// Phase returns the current phase.
func (u *Unit) Phase() Phase {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.phase
}

// Failure returns the class and the recorded error of a cancelled unit.
func (u *Unit) Failure() (common.ErrorClass, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.class, u.err
}

// CloseWait waits until the unit is terminal and its background calls have
// returned. It fails when the unit was cancelled or closed without every
// added row being acknowledged.
func (u *Unit) CloseWait(ctx context.Context) error {
	select {
	case <-u.done:
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	u.wg.Wait()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.phase == PhaseCancelled {
		return u.err
	}
	if u.rowsAcked != u.rowsAdded {
		return common.ErrRowsNotAcked.GenWithStackByArgs(u.cfg.NodeID, u.rowsAcked, u.rowsAdded)
	}
	return nil
}

// Wait blocks until every background call of the unit has returned.
func (u *Unit) Wait() {
	u.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (u *Unit) Stats() UnitStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	held := u.buf.bytes
	for _, p := range u.queue {
		held += p.bytes
	}
	tabletRows := make(map[int64]int64, len(u.tabletRows))
	for k, v := range u.tabletRows {
		tabletRows[k] = v
	}
	return UnitStats{
		IndexID:     u.cfg.IndexID,
		NodeID:      u.cfg.NodeID,
		Phase:       u.phase,
		RowsAdded:   u.rowsAdded,
		RowsAcked:   u.rowsAcked,
		RowsDropped: u.rowsDropped,
		HeldBytes:   held,
		Requests:    u.requests,
		Retries:     u.retries,
		TabletRows:  tabletRows,
	}
}

func (u *Unit) observeRows(state string, n int) {
	if u.cfg.Metrics != nil && n > 0 {
		u.cfg.Metrics.RowsCounter.WithLabelValues(state).Add(float64(n))
	}
}

func (u *Unit) notify() {
	if u.cfg.Notify != nil {
		u.cfg.Notify()
	}
}
