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

	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/sink/metric"
	"go.uber.org/atomic"
)

// Budget counts the bytes buffered by every unit of one coordinator.
// Producers wait on it before buffering; units release it when requests are
// acknowledged or discarded.
type Budget struct {
	ceiling int64
	used    atomic.Int64
	metrics *metric.Metrics

	mu sync.Mutex
	// released is closed and replaced every time bytes are released.
	released chan struct{}
}

// NewBudget creates a budget. metrics may be nil.
func NewBudget(ceiling int64, metrics *metric.Metrics) *Budget {
	return &Budget{
		ceiling:  ceiling,
		metrics:  metrics,
		released: make(chan struct{}),
	}
}

// Ceiling returns the configured ceiling.
func (b *Budget) Ceiling() int64 { return b.ceiling }

// Used returns the number of bytes currently buffered.
func (b *Budget) Used() int64 { return b.used.Load() }

// Acquire accounts n more buffered bytes. It never blocks.
func (b *Budget) Acquire(n int64) {
	if n == 0 {
		return
	}
	b.used.Add(n)
	if b.metrics != nil {
		b.metrics.PendingBytesGauge.Add(float64(n))
	}
}

// Release returns n bytes and wakes every waiter.
func (b *Budget) Release(n int64) {
	if n == 0 {
		return
	}
	b.used.Sub(n)
	if b.metrics != nil {
		b.metrics.PendingBytesGauge.Sub(float64(n))
	}
	b.mu.Lock()
	close(b.released)
	b.released = make(chan struct{})
	b.mu.Unlock()
}

// Fits reports whether n more bytes can be buffered now. A budget holding
// nothing always admits, so one batch larger than the ceiling cannot block
// forever.
func (b *Budget) Fits(n int64) bool {
	used := b.used.Load()
	return used == 0 || used+n <= b.ceiling
}

// Wait blocks until n more bytes fit, ctx is done or timeout elapses.
func (b *Budget) Wait(ctx context.Context, n int64, timeout time.Duration) error {
	var timer *time.Timer
	for {
		b.mu.Lock()
		released := b.released
		b.mu.Unlock()
		if b.Fits(n) {
			return nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-released:
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-timer.C:
			return common.ErrBackpressure.GenWithStackByArgs(b.used.Load(), n, b.ceiling)
		}
	}
}
