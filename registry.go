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
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
)

// profilerRegistry maps runtime instances to the wall profiler bound to
// them. Readers are tick dispatchers and must make progress without locks;
// writers are profiler start/stop and serialize under mu.
//
// Publication is RCU style: mutations build a fresh map and publish it by
// pointer swap. The reader side acquires the map with an exchange-to-nil and
// stores it back when done, so two concurrent readers serialize through the
// registry itself and a writer that nulled the pointer forces in-flight
// readers onto their "no profiler" branch. Reader frequency is about one per
// sampling interval, so the exchange contention is negligible.
type profilerRegistry struct {
	mu        sync.Mutex
	published atomic.Pointer[profilerMap]

	// CPU consumed by worker profilers that have already been removed,
	// accumulated under mu. See gatherWorkerCPU.
	terminatedWorkerCPU int64
}

type profilerMap map[Runtime]*WallProfiler

var registry = newProfilerRegistry()

func newProfilerRegistry() *profilerRegistry {
	r := &profilerRegistry{}
	m := make(profilerMap)
	r.published.Store(&m)
	return r
}

// acquire takes the published map out of the registry, or nil when a
// concurrent reader or writer holds it. Callers that get a map must hand it
// back with release.
func (r *profilerRegistry) acquire() *profilerMap {
	return r.published.Swap(nil)
}

func (r *profilerRegistry) release(m *profilerMap) {
	r.published.Store(m)
}

// get returns the profiler bound to rt, or nil. Wait-free: when the map is
// held elsewhere the caller takes the "no profiler" branch, which is the
// behavior a concurrent writer wants anyway.
func (r *profilerRegistry) get(rt Runtime) *WallProfiler {
	m := r.acquire()
	if m == nil {
		return nil
	}
	p := (*m)[rt]
	r.release(m)
	return p
}

// mutate replaces the published map with a freshly built copy to which fn
// was applied.
func (r *profilerRegistry) mutate(fn func(profilerMap)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Take the map out; a reader may hold it for the duration of one tick
	// dispatch, so spin until it comes back.
	var old *profilerMap
	for {
		if old = r.published.Swap(nil); old != nil {
			break
		}
		runtime.Gosched()
	}

	next := maps.Clone(*old)
	fn(next)
	r.published.Store(&next)
}

func (r *profilerRegistry) add(rt Runtime, p *WallProfiler) {
	r.mutate(func(m profilerMap) { m[rt] = p })
}

// remove unbinds p from rt. The CPU the profiler's thread consumed while
// registered is folded into the terminated-worker accumulator so the main
// thread can still account for it after the worker is gone.
func (r *profilerRegistry) remove(rt Runtime, p *WallProfiler) {
	r.mutate(func(m profilerMap) { delete(m, rt) })

	if !p.isMainThread && p.collectCPU {
		r.mu.Lock()
		r.terminatedWorkerCPU += p.cpuSinceLastGather()
		r.mu.Unlock()
	}
}

// gatherWorkerCPU returns the CPU consumed by worker profilers since the
// previous gather: the terminated-worker accumulator plus a snapshot of each
// still-registered worker, and resets both. Called by the main-thread engine
// at stop to derive non-JS CPU time.
func (r *profilerRegistry) gatherWorkerCPU() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := r.terminatedWorkerCPU
	r.terminatedWorkerCPU = 0

	m := r.published.Load()
	if m == nil {
		// A reader holds the map; its profilers are unchanged, so waiting
		// is unnecessary: skip the live snapshot for this period.
		return total
	}
	for _, p := range *m {
		if !p.isMainThread && p.collectCPU {
			total += p.cpuSinceLastGather()
		}
	}
	return total
}
