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
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"
)

// CallbackMode selects how an out-of-memory snapshot is delivered to the
// user callback.
type CallbackMode int

const (
	// CallbackModeNone discards the snapshot.
	CallbackModeNone CallbackMode = 0
	// CallbackModeAsync delivers through the runtime's event loop waker.
	CallbackModeAsync CallbackMode = 1 << iota
	// CallbackModeInterrupt delivers through the runtime's interrupt
	// mechanism, on the managed thread.
	CallbackModeInterrupt
)

// OOMMonitorConfig configures the near-heap-limit reaction. Immutable once
// installed.
type OOMMonitorConfig struct {
	// ExtensionBytes is how much headroom to grant the heap per reaction.
	ExtensionBytes int64

	// MaxExtensions bounds how many times the limit is extended before the
	// reaction uninstalls itself.
	MaxExtensions int

	// DumpProfileOnStderr prints the allocation snapshot to stderr in
	// collapsed-stack format.
	DumpProfileOnStderr bool

	// ExportCommand, when non-empty, is spawned with the path of a JSON
	// snapshot file appended as last argument. The process is detached so
	// it can outlive the crashing host.
	ExportCommand []string

	// Callback receives the snapshot when CallbackMode says so.
	Callback func(*AllocationNode)

	CallbackMode CallbackMode

	// IsMainThread distinguishes the process main thread from worker
	// isolates, which get torn down instead of extended.
	IsMainThread bool
}

const defaultExtensionBytes = 16 << 20

// HeapProfiler samples allocations in a runtime and reacts to
// near-heap-limit events.
type HeapProfiler struct {
	rt     HeapRuntime
	logger zerolog.Logger

	mu            sync.Mutex
	started       bool
	intervalBytes int64
	stackDepth    int
	monitor       *oomMonitor
}

// HeapOption configures a HeapProfiler.
type HeapOption func(*HeapProfiler)

// HeapLogger sets the logger used for heap engine diagnostics.
func HeapLogger(l zerolog.Logger) HeapOption {
	return func(h *HeapProfiler) { h.logger = l }
}

// NewHeapProfiler returns an idle heap profiler bound to rt.
func NewHeapProfiler(rt HeapRuntime, opts ...HeapOption) *HeapProfiler {
	h := &HeapProfiler{rt: rt, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start enables sampled allocation tracking.
func (h *HeapProfiler) Start(intervalBytes int64, stackDepth int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return ErrAlreadyStarted
	}
	if err := h.rt.StartAllocationSampling(intervalBytes, stackDepth); err != nil {
		return err
	}
	h.intervalBytes = intervalBytes
	h.stackDepth = stackDepth
	h.started = true
	return nil
}

// Stop disables allocation tracking.
func (h *HeapProfiler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return ErrNotStarted
	}
	h.rt.StopAllocationSampling()
	h.started = false
	return nil
}

// Profile snapshots the allocation tree and renders it as pprof. Subtrees
// whose script name contains ignorePath are skipped.
func (h *HeapProfiler) Profile(ignorePath string, mapper SourceMapper) (*profile.Profile, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return nil, ErrNotStarted
	}
	return buildHeapProfile(heapBuildArgs{
		root:          h.rt.AllocationProfile(),
		intervalBytes: h.intervalBytes,
		ignorePath:    ignorePath,
		mapper:        mapper,
	}), nil
}

// MonitorOutOfMemory installs the near-heap-limit reaction.
func (h *HeapProfiler) MonitorOutOfMemory(cfg OOMMonitorConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.monitor != nil {
		return ErrAlreadyStarted
	}
	m := &oomMonitor{rt: h.rt, cfg: cfg, logger: h.logger}
	h.monitor = m
	h.rt.SetNearHeapLimitHandler(m.onNearHeapLimit)
	return nil
}

// oomMonitor is the state machine behind the near-heap-limit handler. The
// handler runs on the managed thread, inside the runtime's failure path, so
// it must stay fast and must never let an error propagate back into the
// runtime.
type oomMonitor struct {
	rt     HeapRuntime
	cfg    OOMMonitorConfig
	logger zerolog.Logger

	inside         atomic.Bool
	extensionsUsed int
}

func (m *oomMonitor) extension() uint64 {
	if m.cfg.ExtensionBytes > 0 {
		return uint64(m.cfg.ExtensionBytes)
	}
	return defaultExtensionBytes
}

func (m *oomMonitor) onNearHeapLimit(currentLimit, initialLimit uint64) uint64 {
	// A reentrant call means the reaction below triggered another limit
	// event; just grant headroom so it can finish.
	if !m.inside.CompareAndSwap(false, true) {
		return currentLimit + m.extension()
	}
	defer m.inside.Store(false)

	fmt.Fprintf(os.Stderr, "near-heap-limit: current limit %d, initial limit %d\n", currentLimit, initialLimit)
	for _, s := range m.rt.HeapSpaceStats() {
		fmt.Fprintf(os.Stderr, "  %s: size %d, used %d, available %d\n", s.Name, s.Size, s.Used, s.Available)
	}

	snapshot := m.rt.AllocationProfile()

	if m.cfg.DumpProfileOnStderr {
		dumpCollapsed(os.Stderr, snapshot)
	}
	if len(m.cfg.ExportCommand) > 0 {
		if err := exportAllocations(snapshot, m.cfg.ExportCommand, m.logger); err != nil {
			fmt.Fprintf(os.Stderr, "vprof: allocation export failed: %v\n", err)
		}
	}
	if cb := m.cfg.Callback; cb != nil && m.cfg.CallbackMode != CallbackModeNone {
		var once sync.Once
		run := func() { once.Do(func() { cb(snapshot) }) }
		if m.cfg.CallbackMode&CallbackModeInterrupt != 0 {
			m.rt.RequestInterrupt(run)
		}
		if m.cfg.CallbackMode&CallbackModeAsync != 0 {
			m.rt.PostToEventLoop(run)
		}
	}

	if !m.cfg.IsMainThread {
		// Workers are not worth extending: let the runtime's own
		// termination callback run, with just enough headroom to get
		// there.
		m.rt.ClearNearHeapLimitHandler()
		m.rt.LowMemoryNotification()
		return currentLimit + 16<<20 + 1
	}

	m.extensionsUsed++
	newLimit := currentLimit
	if m.extensionsUsed <= m.cfg.MaxExtensions {
		newLimit += m.extension()
	}
	if m.extensionsUsed >= m.cfg.MaxExtensions {
		// The runtime may otherwise keep invoking the handler.
		m.rt.ClearNearHeapLimitHandler()
	}
	return newLimit
}

// dumpCollapsed prints the allocation tree in collapsed-stack format, one
// line per allocating call site: semicolon-joined frames and total bytes.
func dumpCollapsed(w io.Writer, root *AllocationNode) {
	if root == nil {
		return
	}
	var walk func(n *AllocationNode, prefix string)
	walk = func(n *AllocationNode, prefix string) {
		name := n.Name
		if name == "" {
			name = "(anonymous)"
		}
		path := name
		if prefix != "" {
			path = prefix + ";" + name
		}
		var bytes int64
		for _, a := range n.Allocations {
			bytes += a.Count * a.SizeBytes
		}
		if bytes > 0 {
			fmt.Fprintf(w, "%s %d\n", path, bytes)
		}
		for _, c := range n.Children {
			walk(c, path)
		}
	}
	for _, c := range root.Children {
		walk(c, "")
	}
}
