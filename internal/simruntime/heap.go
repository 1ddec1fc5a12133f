package simruntime

import (
	"errors"

	"github.com/stealthrocket/vprof"
)

// allocNode mirrors vprof.AllocationNode for the scripted allocation state.
type allocNode struct {
	frame    Frame
	buckets  map[int64]int64 // size -> count
	children map[Frame]*allocNode
}

func newAllocNode(f Frame) *allocNode {
	return &allocNode{
		frame:    f,
		buckets:  make(map[int64]int64),
		children: make(map[Frame]*allocNode),
	}
}

// StartAllocationSampling implements vprof.HeapRuntime.
func (rt *Runtime) StartAllocationSampling(intervalBytes int64, stackDepth int) error {
	rt.heapMu.Lock()
	defer rt.heapMu.Unlock()
	if rt.allocSampling {
		return errors.New("simruntime: allocation sampling already enabled")
	}
	rt.allocSampling = true
	rt.allocRoot = newAllocNode(Frame{})
	return nil
}

// StopAllocationSampling implements vprof.HeapRuntime.
func (rt *Runtime) StopAllocationSampling() {
	rt.heapMu.Lock()
	defer rt.heapMu.Unlock()
	rt.allocSampling = false
	rt.allocRoot = nil
}

// RecordAllocation attributes count objects of sizeBytes to the given
// scripted stack, leaf last. It is how workloads simulate sampled
// allocations.
func (rt *Runtime) RecordAllocation(stack []Frame, sizeBytes, count int64) {
	rt.heapMu.Lock()
	defer rt.heapMu.Unlock()
	if !rt.allocSampling || rt.allocRoot == nil {
		return
	}
	n := rt.allocRoot
	for _, f := range stack {
		child := n.children[f]
		if child == nil {
			child = newAllocNode(f)
			n.children[f] = child
		}
		n = child
	}
	n.buckets[sizeBytes] += count
}

// AllocationProfile implements vprof.HeapRuntime. The returned tree is a
// snapshot owned by the caller; the recorded state is kept for the next
// snapshot, the way the real runtime accumulates until reset.
func (rt *Runtime) AllocationProfile() *vprof.AllocationNode {
	rt.heapMu.Lock()
	defer rt.heapMu.Unlock()
	if rt.allocRoot == nil {
		return &vprof.AllocationNode{Name: "(root)"}
	}
	return exportAllocNode(rt.allocRoot, "(root)")
}

func exportAllocNode(n *allocNode, name string) *vprof.AllocationNode {
	if name == "" {
		name = n.frame.Name
	}
	out := &vprof.AllocationNode{
		Name:         name,
		ScriptName:   n.frame.ScriptName,
		ScriptID:     n.frame.ScriptID,
		LineNumber:   n.frame.Line,
		ColumnNumber: n.frame.Column,
	}
	for size, count := range n.buckets {
		out.Allocations = append(out.Allocations, vprof.Allocation{Count: count, SizeBytes: size})
	}
	for _, c := range n.children {
		out.Children = append(out.Children, exportAllocNode(c, ""))
	}
	return out
}

// SetHeapSpaceStats scripts the statistics reported at the next
// near-heap-limit event.
func (rt *Runtime) SetHeapSpaceStats(stats []vprof.HeapSpaceStats) {
	rt.heapMu.Lock()
	defer rt.heapMu.Unlock()
	rt.heapStats = stats
}

// HeapSpaceStats implements vprof.HeapRuntime.
func (rt *Runtime) HeapSpaceStats() []vprof.HeapSpaceStats {
	rt.heapMu.Lock()
	defer rt.heapMu.Unlock()
	return rt.heapStats
}

// SetNearHeapLimitHandler implements vprof.HeapRuntime.
func (rt *Runtime) SetNearHeapLimitHandler(h vprof.NearHeapLimitHandler) {
	rt.heapMu.Lock()
	defer rt.heapMu.Unlock()
	rt.heapHandler = h
}

// ClearNearHeapLimitHandler implements vprof.HeapRuntime.
func (rt *Runtime) ClearNearHeapLimitHandler() {
	rt.heapMu.Lock()
	defer rt.heapMu.Unlock()
	rt.heapHandler = nil
}

// LowMemoryNotification implements vprof.HeapRuntime. The simulation only
// records that it was requested.
func (rt *Runtime) LowMemoryNotification() {
	rt.lowMemory.Add(1)
}

// LowMemoryNotifications reports how many times LowMemoryNotification ran.
func (rt *Runtime) LowMemoryNotifications() int64 {
	return rt.lowMemory.Load()
}

// TriggerNearHeapLimit fires the installed near-heap-limit handler the way
// the runtime would when the heap approaches its limit, returning the new
// limit (or currentLimit when no handler is installed).
func (rt *Runtime) TriggerNearHeapLimit(currentLimit, initialLimit uint64) uint64 {
	rt.heapMu.Lock()
	h := rt.heapHandler
	rt.heapMu.Unlock()
	if h == nil {
		return currentLimit
	}
	return h(currentLimit, initialLimit)
}
