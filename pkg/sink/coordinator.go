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
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/sink/config"
	"github.com/pingcap/tabletsink/pkg/sink/dispatch"
	"github.com/pingcap/tabletsink/pkg/sink/errormanager"
	"github.com/pingcap/tabletsink/pkg/sink/metric"
	"github.com/pingcap/tabletsink/pkg/sink/partition"
	"github.com/pingcap/tabletsink/pkg/sink/validate"
	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
	"github.com/pingcap/tabletsink/pkg/util/logutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Descriptor describes the destination of a session.
type Descriptor struct {
	// LoadID identifies the load on every node. A random id is used when
	// empty.
	LoadID   string
	Schema   *types.Schema
	Snapshot *partition.Snapshot
	// SenderID tells apart the producers of one load.
	SenderID int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger of the session.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics the session reports to.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

type state int

const (
	stateInit state = iota
	stateOpen
	stateClosed
)

// Coordinator drives one sink session: it validates, adapts and routes the
// batches of a producer and hands the rows to the dispatch groups of every
// index. Send and Close must be called from one goroutine; Cancel, Stats
// and PendingBytes may be called from anywhere.
type Coordinator struct {
	cfg       *config.Config
	desc      Descriptor
	loadID    string
	logger    *zap.Logger
	metrics   *metric.Metrics
	em        *errormanager.ErrorManager
	validator *validate.Validator
	adapter   *validate.SchemaAdapter
	router    *partition.Router
	budget    *dispatch.Budget
	groups    []*dispatch.Group

	received         atomic.Int64
	accepted         atomic.Int64
	invalid          atomic.Int64
	notFound         atomic.Int64
	skipped          atomic.Int64
	batches          atomic.Int64
	backpressureWait atomic.Duration

	mu       sync.Mutex
	state    state
	abortErr *AbortError
	result   *Result
	start    time.Time

	closeMu sync.Mutex
	driver  *driver
}

// New creates a coordinator with one dispatch unit per (index, node) pair
// of the snapshot. cfg must not be modified afterwards.
func New(cfg *config.Config, desc Descriptor, transport dispatch.Transport, opts ...Option) (*Coordinator, error) {
	if err := cfg.Adjust(); err != nil {
		return nil, err
	}
	if desc.Schema == nil || desc.Snapshot == nil {
		return nil, common.ErrInvalidArgument.GenWithStack("descriptor needs a schema and a partition snapshot")
	}
	c := &Coordinator{
		cfg:    cfg,
		desc:   desc,
		loadID: desc.LoadID,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.loadID == "" {
		c.loadID = uuid.NewString()
	}
	logCtx := context.Background()
	if c.logger != nil {
		logCtx = context.WithValue(logCtx, logutil.CtxLogKey, c.logger)
	}
	logCtx = logutil.WithLoadID(logutil.WithCategory(logCtx, "sink"), c.loadID)
	c.logger = logutil.Logger(logutil.WithFields(logCtx, zap.Int64("sender", desc.SenderID)))
	if c.metrics == nil {
		c.metrics = metric.NewMetrics()
	}
	c.em = errormanager.New(cfg.MaxErrorSamples, c.logger)
	c.validator = validate.NewValidator(desc.Schema, cfg.MaxErrorRatio, int64(cfg.MaxStringLength), cfg.MaxErrorSamples, c.em)
	c.adapter = validate.NewSchemaAdapter(desc.Schema)
	c.router = partition.NewRouter(desc.Snapshot)
	c.budget = dispatch.NewBudget(int64(cfg.AggregateBufferCeiling), c.metrics)
	c.driver = newDriver()

	fieldTypes := desc.Schema.FieldTypes()
	for _, indexID := range desc.Snapshot.Indexes() {
		nodes := desc.Snapshot.NodesOfIndex(indexID)
		units := make([]*dispatch.Unit, 0, len(nodes))
		for _, node := range nodes {
			tablets, partitions := desc.Snapshot.NodeTablets(indexID, node)
			units = append(units, dispatch.NewUnit(dispatch.UnitConfig{
				LoadID:        c.loadID,
				IndexID:       indexID,
				NodeID:        node,
				SenderID:      desc.SenderID,
				SchemaVersion: desc.Schema.Version,
				FieldTypes:    fieldTypes,
				TabletIDs:     tablets,
				PartitionIDs:  partitions,
				MaxRows:       cfg.MaxRowsPerRequest,
				MaxBytes:      int64(cfg.MaxBufferBytesPerUnit),
				MaxRetry:      cfg.MaxRetryCount,
				RetryBackoff:  cfg.RetryBackoff.Duration,
				RPCTimeout:    cfg.RPCTimeout.Duration,
				OpenTimeout:   cfg.OpenTimeout.Duration,
				Linger:        cfg.SendInterval.Duration,
				Transport:     transport,
				Budget:        c.budget,
				Metrics:       c.metrics,
				Notify:        c.driver.wake,
				Logger:        c.logger,
			}))
		}
		c.groups = append(c.groups, dispatch.NewGroup(indexID, units))
	}
	return c, nil
}

// LoadID returns the id of the load.
func (c *Coordinator) LoadID() string { return c.loadID }

// Open opens a tablet writer on every node and starts the background
// driver. ctx bounds the lifetime of every request of the session. A node
// failing the handshake aborts the session.
func (c *Coordinator) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateInit {
		c.mu.Unlock()
		return common.ErrInvalidArgument.GenWithStack("sink session %s opened twice", c.loadID)
	}
	c.state = stateOpen
	c.start = time.Now()
	c.mu.Unlock()

	c.driver.start(c.groups)
	for _, g := range c.groups {
		g.Open(ctx)
	}
	for _, g := range c.groups {
		if err := g.OpenWait(ctx); err != nil {
			kind := KindTransport
			if ctx.Err() != nil {
				kind = KindUpstream
			}
			return c.abort(kind, err)
		}
	}
	c.logger.Info("sink session opened",
		zap.Int("indexes", len(c.groups)), zap.Int("units", c.numUnits()))
	return nil
}

func (c *Coordinator) numUnits() int {
	n := 0
	for _, g := range c.groups {
		n += len(g.Units())
	}
	return n
}

func (c *Coordinator) checkSendable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abortErr != nil {
		return c.abortErr
	}
	if c.state != stateOpen {
		return common.ErrSessionAborted.GenWithStack("sink session %s is not open", c.loadID)
	}
	return nil
}

// Send validates, adapts and routes the rows of chk and buffers the valid
// ones. It blocks while the buffered bytes of the session would exceed the
// aggregate ceiling, up to the backpressure timeout. A backpressure timeout
// leaves the session usable; every other error aborts it.
func (c *Coordinator) Send(ctx context.Context, chk *chunk.Chunk) (SendResult, error) {
	if err := c.checkSendable(); err != nil {
		return SendResult{}, err
	}
	batch := c.batches.Inc()
	rows := chk.NumRows()
	c.received.Add(int64(rows))
	c.metrics.RowsCounter.WithLabelValues(metric.StateReceived).Add(float64(rows))

	vres, err := c.validator.Validate(chk)
	if err != nil {
		return SendResult{}, c.abort(KindSchema, err)
	}
	if vres.Abort {
		return SendResult{}, c.abort(KindRowQuality, c.validator.TooManyInvalidError(vres))
	}
	adapted, err := c.adapter.Adapt(chk)
	if err != nil {
		return SendResult{}, c.abort(KindSchema, err)
	}

	res := SendResult{Invalid: vres.Invalid}
	plans := make([]*dispatch.Plan, len(c.groups))
	for i, g := range c.groups {
		plans[i] = g.Plan(adapted)
	}
	for i := 0; i < rows; i++ {
		if !vres.Valid(i) {
			continue
		}
		route := c.router.Route(adapted, i)
		switch route.Status {
		case partition.NotFound:
			if c.cfg.PartitionNotFound == config.PartitionNotFoundAbort {
				return SendResult{}, c.abort(KindRouting, common.ErrNoPartition.GenWithStackByArgs(i, batch))
			}
			c.em.RecordUnroutableRow(errormanager.RowError{Row: i, Reason: "no partition accepts the row"})
			res.NotFound++
			continue
		case partition.Skip:
			res.Skipped++
			continue
		}
		for j, target := range route.Targets {
			if err := plans[j].Add(i, target); err != nil {
				return SendResult{}, c.abort(KindRouting, err)
			}
		}
		res.Accepted++
	}
	res.Filtered = res.Invalid + res.NotFound + res.Skipped
	for _, p := range plans {
		res.Bytes += p.Bytes
	}

	if !c.budget.Fits(res.Bytes) {
		if err := c.waitBudget(ctx, res.Bytes); err != nil {
			if ctx.Err() != nil {
				return SendResult{}, c.abort(KindUpstream, err)
			}
			// the batch was not buffered, the caller may send it again
			c.received.Sub(int64(rows))
			return SendResult{}, errors.Trace(err)
		}
		// an abort while waiting frees the budget of the cancelled groups
		if err := c.aborted(); err != nil {
			return SendResult{}, err
		}
	}
	for i, g := range c.groups {
		if _, err := g.Apply(plans[i]); err != nil {
			return SendResult{}, c.abort(KindTransport, err)
		}
	}
	// cancelled units drop what they are given
	if err := c.aborted(); err != nil {
		return SendResult{}, err
	}

	c.accepted.Add(int64(res.Accepted))
	c.invalid.Add(int64(res.Invalid))
	c.notFound.Add(int64(res.NotFound))
	c.skipped.Add(int64(res.Skipped))
	c.metrics.RowsCounter.WithLabelValues(metric.StateAccepted).Add(float64(res.Accepted))
	c.metrics.RowsCounter.WithLabelValues(metric.StateFiltered).Add(float64(res.Filtered))
	c.metrics.BytesCounter.WithLabelValues(metric.StateBuffered).Add(float64(res.Bytes))
	return res, nil
}

// waitBudget seals every buffer so that the driver can free budget, then
// waits for it.
func (c *Coordinator) waitBudget(ctx context.Context, n int64) error {
	for _, g := range c.groups {
		g.Flush()
	}
	c.driver.wake()
	start := time.Now()
	err := c.budget.Wait(ctx, n, c.cfg.BackpressureTimeout.Duration)
	waited := time.Since(start)
	c.backpressureWait.Add(waited)
	c.metrics.BackpressureWaitSecondsHistogram.Observe(waited.Seconds())
	if err != nil {
		c.logger.Warn("wait for buffer budget failed",
			zap.Int64("bytes", n), zap.Int64("pending", c.budget.Used()),
			zap.Duration("waited", waited), logutil.ShortError(err))
	}
	return err
}

func (c *Coordinator) aborted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abortErr != nil {
		return c.abortErr
	}
	return nil
}

// abort records the first abort of the session and cancels every group.
func (c *Coordinator) abort(kind FailureKind, err error) error {
	c.mu.Lock()
	first := c.abortErr == nil
	if first {
		c.abortErr = &AbortError{Kind: kind, Err: err}
	}
	abortErr := c.abortErr
	c.mu.Unlock()
	if first {
		c.logger.Warn("sink session aborted", zap.Stringer("kind", kind), zap.Error(err))
		for _, g := range c.groups {
			g.Cancel(abortErr)
		}
		c.driver.wake()
	}
	return abortErr
}

// Cancel aborts the session on behalf of the caller. It does not wait for
// in-flight requests; Close does.
func (c *Coordinator) Cancel(err error) {
	if err == nil {
		err = common.ErrCancelled.GenWithStackByArgs()
	}
	_ = c.abort(KindUpstream, err)
}

// PendingBytes returns the bytes buffered and not yet acknowledged.
func (c *Coordinator) PendingBytes() int64 { return c.budget.Used() }

// Stats returns the counters of the session.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		RowsReceived:     c.received.Load(),
		RowsAccepted:     c.accepted.Load(),
		RowsFiltered:     c.invalid.Load() + c.notFound.Load() + c.skipped.Load(),
		PendingBytes:     c.budget.Used(),
		BackpressureWait: c.backpressureWait.Load(),
	}
	for _, g := range c.groups {
		s.Units = append(s.Units, g.Stats()...)
	}
	return s
}
