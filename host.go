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

// Runtime is the narrow view of a managed JavaScript runtime instance (an
// isolate and its owning thread) that the wall profiler needs. The concrete
// implementation is provided by the embedder's runtime binding; the library
// never reaches past this interface.
type Runtime interface {
	// NewCPUSampler returns the runtime's built-in CPU profiler. At most one
	// sampler may be active per runtime; a second call while one is live
	// returns ErrProfilerInUse.
	NewCPUSampler() (CPUSampler, error)

	// Now returns the runtime's monotonic clock in microseconds. It is the
	// same source the sampler stamps on its samples, so values are directly
	// comparable.
	Now() int64

	// CurrentAsyncID returns the identifier of the asynchronous task the
	// runtime is currently executing, or a negative value when there is
	// none. The implementation must be safe to call from the profiling tick
	// path (the runtime's interrupt-safe accessor).
	CurrentAsyncID() float64

	// ProfilingTick delivers one profiling tick to the runtime: the active
	// sampler synchronously walks the managed stack and enqueues a sample.
	// This is the action the profiler brackets with clock reads.
	ProfilingTick()

	// RequestInterrupt schedules fn to run on the runtime's owning thread
	// at the next interrupt check.
	RequestInterrupt(fn func())

	// PostToEventLoop wakes the runtime's event loop and runs fn on it.
	PostToEventLoop(fn func())
}

// HeapRuntime extends Runtime with the allocation-profiling hooks the heap
// engine uses.
type HeapRuntime interface {
	Runtime

	// StartAllocationSampling enables sampled allocation tracking with the
	// given byte interval and maximum recorded stack depth.
	StartAllocationSampling(intervalBytes int64, stackDepth int) error

	// StopAllocationSampling disables allocation tracking and releases the
	// runtime's sampling state.
	StopAllocationSampling()

	// AllocationProfile snapshots the current allocation tree. The returned
	// tree is owned by the caller; the runtime resets its own copy on the
	// next call.
	AllocationProfile() *AllocationNode

	// HeapSpaceStats enumerates per-space heap statistics.
	HeapSpaceStats() []HeapSpaceStats

	// SetNearHeapLimitHandler installs h to be invoked when the heap grows
	// close to its limit. The handler returns the new limit.
	SetNearHeapLimitHandler(h NearHeapLimitHandler)

	// ClearNearHeapLimitHandler removes a handler installed with
	// SetNearHeapLimitHandler.
	ClearNearHeapLimitHandler()

	// LowMemoryNotification asks the runtime to aggressively reclaim
	// memory, running its own termination callbacks if the situation does
	// not improve.
	LowMemoryNotification()
}

// NearHeapLimitHandler reacts to a near-heap-limit event. It receives the
// current and initial heap limits in bytes and returns the new limit.
type NearHeapLimitHandler func(currentLimit, initialLimit uint64) uint64

// HeapSpaceStats describes one heap space at the time of a near-heap-limit
// event.
type HeapSpaceStats struct {
	Name      string
	Size      int64
	Used      int64
	Available int64
}

// LineMode selects how the runtime's sampler attributes line numbers to
// stack frames.
type LineMode int

const (
	// CallerLineNumbers attributes each frame to the line of the call site
	// in its caller.
	CallerLineNumbers LineMode = iota
	// LeafLineNumbers attributes each frame to the line being executed.
	LeafLineNumbers
)

// CPUSampler is the runtime's built-in CPU profiler. The wall engine drives
// its lifecycle and consumes the profiles it produces.
type CPUSampler interface {
	// Start begins a named profile. Titles are retained by the runtime
	// until the sampler is disposed, so callers reuse a small rotating set.
	// recordSamples asks the runtime to keep the individual samples and
	// their timestamps, not just aggregated hit counts.
	Start(title string, mode LineMode, recordSamples bool) error

	// CollectSample synchronously records one non-tick sample of the
	// current stack into every live profile.
	CollectSample()

	// Stop ends the named profile and returns it. The caller takes
	// ownership of the returned profile.
	Stop(title string) (*TimeProfile, error)

	// Dispose releases the sampler and every title it retained.
	Dispose()
}

// TimeProfile is a CPU profile produced by the runtime's sampler. The wall
// engine treats it as read-only.
type TimeProfile struct {
	Root *TimeNode

	// StartTime and EndTime bracket the profile, in the runtime's
	// microsecond clock.
	StartTime int64
	EndTime   int64

	// Samples holds the node reached by each recorded sample, with the
	// parallel Timestamps slice giving each sample's microsecond clock
	// reading. Present only when the profile was started with
	// recordSamples.
	Samples    []*TimeNode
	Timestamps []int64
}

// TimeNode is one node of a sampled call tree.
type TimeNode struct {
	Name         string
	ScriptName   string
	ScriptID     int64
	LineNumber   int64
	ColumnNumber int64

	// HitCount is the number of tick samples for which this node was the
	// leaf of the sampled stack.
	HitCount int64

	Children []*TimeNode
}

// AllocationNode is one node of an allocation tree snapshot. Allocations
// holds the sampled allocation buckets attributed to this call site.
type AllocationNode struct {
	Name         string
	ScriptName   string
	ScriptID     int64
	LineNumber   int64
	ColumnNumber int64
	Allocations  []Allocation
	Children     []*AllocationNode
}

// Allocation is one sampled allocation bucket: Count objects of SizeBytes
// each.
type Allocation struct {
	Count     int64
	SizeBytes int64
}
