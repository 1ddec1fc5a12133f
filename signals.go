//  Copyright 2023 Stealth Rocket, Inc.
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

package vprof

import (
	"sync"
	"time"
)

// sigDispatcher owns the process-wide profiling tick stream. Engines that
// need ticks hold a use count on it: the first increaseUse installs the
// platform source, every later one re-arms it (so a source torn down and
// re-registered behind our back is overridden), and the last decreaseUse
// restores the prior state. This mirrors how a shared signal action is
// reference counted across isolates.
type sigDispatcher struct {
	mu       sync.Mutex
	useCount int
	interval time.Duration
	source   tickSource
}

// tickSource generates the periodic ticks. The Linux implementation arms an
// interval timer delivering SIGPROF; on other platforms a plain ticker
// stands in and context collection is disabled.
type tickSource interface {
	install(interval time.Duration, deliver func()) error
	rearm(interval time.Duration) error
	uninstall()
}

var dispatcher sigDispatcher

// increaseUse installs or re-arms the tick source. The smallest interval
// across all users wins.
func (d *sigDispatcher) increaseUse(interval time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.useCount == 0 {
		d.source = newTickSource()
		if err := d.source.install(interval, d.dispatch); err != nil {
			d.source = nil
			return err
		}
		d.interval = interval
	} else {
		if interval < d.interval {
			d.interval = interval
		}
		if err := d.source.rearm(d.interval); err != nil {
			return err
		}
	}
	d.useCount++
	return nil
}

// decreaseUse drops one use; at zero the source is uninstalled and the
// signal disposition restored.
func (d *sigDispatcher) decreaseUse() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.useCount == 0 {
		return
	}
	d.useCount--
	if d.useCount == 0 {
		d.source.uninstall()
		d.source = nil
		d.interval = 0
	}
}

// dispatch is the handler body run for every tick. It must not allocate or
// take locks: everything it touches is atomics-only. For each runtime found
// in the registry it runs the per-profiler tick sequence; a runtime with no
// profiler, or a registry held by a concurrent writer, is a no-op.
func (d *sigDispatcher) dispatch() {
	m := registry.acquire()
	if m == nil {
		return
	}
	for rt, p := range *m {
		p.handleTick(rt)
	}
	registry.release(m)
}
