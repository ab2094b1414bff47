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
	"sync"
	"time"

	"github.com/pingcap/tabletsink/pkg/sink/dispatch"
)

// driver is the background loop that advances every dispatch unit. It
// sleeps until a unit signals new work or the earliest retry or linger
// deadline passes, and exits once every unit is terminal.
type driver struct {
	wakeCh chan struct{}
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newDriver() *driver {
	return &driver{
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// wake never blocks. Signals sent while a pass runs are coalesced.
func (d *driver) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *driver) start(groups []*dispatch.Group) {
	go d.run(groups)
}

func (d *driver) run(groups []*dispatch.Group) {
	defer close(d.done)
	for {
		now := time.Now()
		var next time.Time
		terminal := true
		for _, g := range groups {
			_, n := g.Step(now)
			if !n.IsZero() && (next.IsZero() || n.Before(next)) {
				next = n
			}
			if !g.Terminal() {
				terminal = false
			}
		}
		if terminal {
			return
		}

		if !d.sleep(next) {
			return
		}
	}
}

// sleep waits for a wake signal or until next, if set. It returns false
// once the driver is stopped.
func (d *driver) sleep(next time.Time) bool {
	var timerC <-chan time.Time
	if !next.IsZero() {
		timer := time.NewTimer(time.Until(next))
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-d.wakeCh:
	case <-timerC:
	case <-d.stopCh:
		return false
	}
	return true
}

// stop ends the loop and waits for it. It is safe to call more than once
// and before start only if start is never called afterwards.
func (d *driver) stop(started bool) {
	d.once.Do(func() { close(d.stopCh) })
	if started {
		<-d.done
	}
}
