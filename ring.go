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

import "sync/atomic"

// ContextRecord is one entry appended by the tick dispatcher: the context in
// effect when a sample was taken, the clock readings bracketing the
// runtime's stack capture, and the optional CPU time and async id.
// Records are immutable after insertion.
type ContextRecord struct {
	Context any

	// TFrom and TTo bracket the runtime's stack capture, in the runtime's
	// microsecond clock.
	TFrom int64
	TTo   int64

	// CPUTime is the profiled thread's CPU counter at tick entry, in
	// nanoseconds, or -1 when CPU collection is off.
	CPUTime int64

	// AsyncID is the runtime's identifier for the asynchronous task being
	// executed, or -1 when there is none.
	AsyncID float64
}

// contextRing is a bounded, preallocated FIFO of context records. The tick
// dispatcher is the only producer; the wall engine drains it at stop, after
// the collection-mode barrier guarantees the producer is quiescent. The
// capacity is fixed at construction; appending to a full ring drops the
// record and counts the overflow.
type contextRing struct {
	records  []ContextRecord
	n        atomic.Int64
	overflow atomic.Int64
}

func newContextRing(capacity int) *contextRing {
	if capacity < 1 {
		capacity = 1
	}
	return &contextRing{records: make([]ContextRecord, capacity)}
}

// push appends one record. No allocation happens on this path.
func (r *contextRing) push(rec ContextRecord) {
	n := r.n.Load()
	if n >= int64(len(r.records)) {
		r.overflow.Add(1)
		return
	}
	r.records[n] = rec
	// The release-store makes the record visible to the drainer before the
	// new length is.
	r.n.Store(n + 1)
}

// drain returns the appended records. Only called once the producer can no
// longer append (collection mode NoCollect plus the timestamp barrier).
func (r *contextRing) drain() []ContextRecord {
	return r.records[:r.n.Load()]
}

func (r *contextRing) dropped() int64 {
	return r.overflow.Load()
}
