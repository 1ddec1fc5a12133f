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

// Package simruntime is a scripted, in-process implementation of the host
// runtime interfaces. It executes no JavaScript: callers publish the stack
// the simulated thread is "running" and the runtime records it whenever a
// profiling tick is delivered, exactly the way a real runtime's sampler
// would. It backs the end-to-end tests and the cmd/vprof demo harness.
package simruntime

import (
	"sync"
	"sync/atomic"
	_ "unsafe"

	"github.com/stealthrocket/vprof"
)

//go:linkname nanotime runtime.nanotime
func nanotime() int64

// Frame is one frame of a scripted stack, leaf last.
type Frame struct {
	Name       string
	ScriptName string
	ScriptID   int64
	Line       int64
	Column     int64
}

// Runtime implements vprof.Runtime and vprof.HeapRuntime over scripted
// state.
type Runtime struct {
	mu      sync.Mutex
	sampler *sampler
	asyncID atomic.Int64

	stack atomic.Pointer[[]Frame]

	// Stuck simulates the runtime bug where the sample processor wedges:
	// ticks are delivered but never turn into samples or hit counts.
	Stuck atomic.Bool

	// DropProbes makes CollectSample a no-op, reproducing the failure mode
	// where only the forced probe samples are lost.
	DropProbes atomic.Bool

	heapMu        sync.Mutex
	allocRoot     *allocNode
	allocSampling bool
	heapHandler   vprof.NearHeapLimitHandler
	heapStats     []vprof.HeapSpaceStats
	lowMemory     atomic.Int64

	interrupts chan func()
}

// New returns an idle simulated runtime.
func New() *Runtime {
	rt := &Runtime{interrupts: make(chan func(), 16)}
	rt.asyncID.Store(-1)
	return rt
}

// SetStack publishes the stack the simulated thread is now executing,
// leaf last.
func (rt *Runtime) SetStack(frames []Frame) {
	rt.stack.Store(&frames)
}

// SetAsyncID publishes the identifier of the asynchronous task being
// executed, or -1 for none.
func (rt *Runtime) SetAsyncID(id int64) {
	rt.asyncID.Store(id)
}

// Now implements vprof.Runtime with the process monotonic clock.
func (rt *Runtime) Now() int64 {
	return nanotime() / 1000
}

func (rt *Runtime) CurrentAsyncID() float64 {
	return float64(rt.asyncID.Load())
}

// RunInterrupts drains and runs callbacks scheduled with RequestInterrupt
// or PostToEventLoop, standing in for the managed thread's interrupt check.
func (rt *Runtime) RunInterrupts() {
	for {
		select {
		case fn := <-rt.interrupts:
			fn()
		default:
			return
		}
	}
}

func (rt *Runtime) RequestInterrupt(fn func()) {
	rt.interrupts <- fn
}

func (rt *Runtime) PostToEventLoop(fn func()) {
	rt.interrupts <- fn
}

// NewCPUSampler implements vprof.Runtime. A second sampler while one is
// live fails the way a real runtime refuses two CPU profilers per isolate.
func (rt *Runtime) NewCPUSampler() (vprof.CPUSampler, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sampler != nil {
		return nil, vprof.ErrProfilerInUse
	}
	s := &sampler{rt: rt}
	rt.sampler = s
	return s, nil
}

// ProfilingTick records one tick sample of the current scripted stack into
// every live profile.
func (rt *Runtime) ProfilingTick() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sampler == nil {
		return
	}
	rt.sampler.recordTick(rt.currentStack())
}

func (rt *Runtime) currentStack() []Frame {
	if p := rt.stack.Load(); p != nil {
		return *p
	}
	return nil
}

// sampler implements vprof.CPUSampler. Multiple named profiles can be live
// at once, which is what the wall engine's rotating-title restart protocol
// relies on.
type sampler struct {
	rt       *Runtime
	profiles map[string]*recording
	disposed bool
}

type recording struct {
	root    *node
	start   int64
	samples []*vprof.TimeNode
	stamps  []int64
}

type node struct {
	out      vprof.TimeNode
	children map[Frame]*node
}

func (s *sampler) Start(title string, mode vprof.LineMode, recordSamples bool) error {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	if s.profiles == nil {
		s.profiles = make(map[string]*recording)
	}
	if _, ok := s.profiles[title]; ok {
		return vprof.ErrAlreadyStarted
	}
	rec := &recording{
		root:  &node{out: vprof.TimeNode{Name: "(root)"}, children: make(map[Frame]*node)},
		start: s.rt.Now(),
	}
	s.profiles[title] = rec
	// The startup sample every profile opens with; it is not a tick and
	// carries no hit.
	rec.record(s.rt.currentStack(), s.rt.Now(), false)
	return nil
}

func (s *sampler) CollectSample() {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	if s.rt.DropProbes.Load() || s.rt.Stuck.Load() {
		return
	}
	stack := s.rt.currentStack()
	now := s.rt.Now()
	for _, rec := range s.profiles {
		rec.record(stack, now, false)
	}
}

func (s *sampler) recordTick(stack []Frame) {
	if s.rt.Stuck.Load() {
		return
	}
	now := s.rt.Now()
	for _, rec := range s.profiles {
		rec.record(stack, now, true)
	}
}

// record walks the stack root to leaf, creating tree nodes on the way, and
// appends the leaf to the sample list. Tick samples increment the leaf hit
// count; probe and startup samples do not.
func (rec *recording) record(stack []Frame, now int64, tick bool) {
	n := rec.root
	for _, f := range stack {
		child := n.children[f]
		if child == nil {
			child = &node{
				out: vprof.TimeNode{
					Name:         f.Name,
					ScriptName:   f.ScriptName,
					ScriptID:     f.ScriptID,
					LineNumber:   f.Line,
					ColumnNumber: f.Column,
				},
				children: make(map[Frame]*node),
			}
			n.children[f] = child
		}
		n = child
	}
	if tick {
		n.out.HitCount++
	}
	rec.samples = append(rec.samples, &n.out)
	rec.stamps = append(rec.stamps, now)
}

func (s *sampler) Stop(title string) (*vprof.TimeProfile, error) {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	rec, ok := s.profiles[title]
	if !ok {
		return nil, vprof.ErrNotStarted
	}
	delete(s.profiles, title)

	var link func(n *node) *vprof.TimeNode
	link = func(n *node) *vprof.TimeNode {
		for _, c := range n.children {
			n.out.Children = append(n.out.Children, link(c))
		}
		return &n.out
	}
	return &vprof.TimeProfile{
		Root:       link(rec.root),
		StartTime:  rec.start,
		EndTime:    s.rt.Now(),
		Samples:    rec.samples,
		Timestamps: rec.stamps,
	}, nil
}

func (s *sampler) Dispose() {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	s.profiles = nil
	s.disposed = true
	if s.rt.sampler == s {
		s.rt.sampler = nil
	}
}
