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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyStarted is returned by Start on a running profiler.
	ErrAlreadyStarted = errors.New("vprof: profiler already started")

	// ErrNotStarted is returned by Stop on an idle profiler.
	ErrNotStarted = errors.New("vprof: profiler not started")

	// ErrProfilerInUse is returned by Runtime.NewCPUSampler implementations
	// when the runtime already has an active CPU profiler.
	ErrProfilerInUse = errors.New("vprof: another profiler is active on this runtime")
)

// IncompatibleConfigError is returned by NewWallProfiler when two options
// cannot be combined.
type IncompatibleConfigError struct {
	Reason string
}

func (e *IncompatibleConfigError) Error() string {
	return "vprof: incompatible configuration: " + e.Reason
}

type collectionMode int32

const (
	modeNoCollect collectionMode = iota
	modePassThrough
	modeCollectContexts
)

// SampleContext describes one context record matched to a sample, as passed
// to a LabelFunc.
type SampleContext struct {
	// Context is the value that was current when the sample was taken.
	Context any

	// Timestamp is the runtime clock reading just after the stack capture,
	// in microseconds.
	Timestamp int64

	// AsyncID is the asynchronous task id captured with the sample, or -1.
	AsyncID float64
}

// LabelFunc derives pprof labels from a matched context. String values
// become label entries, integer-valued numbers become numeric labels, and
// everything else is dropped.
type LabelFunc func(ctx SampleContext) map[string]any

// WallState is a snapshot of the counters a running wall profiler exposes.
type WallState struct {
	// SampleCount is the number of ticks collected into the current
	// profile period.
	SampleCount int64

	// DroppedRecords counts context records dropped on ring overflow.
	DroppedRecords int64

	// StuckLevel is the event-processor diagnosis of the most recent stop:
	// 0 healthy, 1 tick samples processed but probe samples lost, 2 no
	// samples processed at all.
	StuckLevel int
}

// WallProfiler samples the managed thread at a fixed interval, associates
// each sample with the context the thread had published, and renders the
// result as a pprof profile.
type WallProfiler struct {
	interval      time.Duration
	duration      time.Duration
	includeLines  bool
	withContexts  bool
	workaroundBug bool
	collectCPU    bool
	isMainThread  bool
	mapper        SourceMapper
	logger        zerolog.Logger

	threadCPU  func() int64
	processCPU func() int64

	mu         sync.Mutex
	rt         Runtime
	sampler    CPUSampler
	started    bool
	signalsUse bool
	profileIdx int
	title      string

	startThreadCPU  int64
	startProcessCPU int64
	cpuGatherBase   int64
	epochOffset     int64

	mode           atomic.Int32
	cell           contextCell
	ring           atomic.Pointer[contextRing]
	noCollectCalls atomic.Int64
	sampleCount    atomic.Int64
	dropped        atomic.Int64
	stuckLevel     atomic.Int32
}

// WallOption configures a WallProfiler.
type WallOption func(*WallProfiler)

// WithSamplingInterval sets the sampling period. Defaults to 10ms.
func WithSamplingInterval(d time.Duration) WallOption {
	return func(p *WallProfiler) { p.interval = d }
}

// WithDuration sets the expected profile length, used to size the context
// ring. Defaults to one minute.
func WithDuration(d time.Duration) WallOption {
	return func(p *WallProfiler) { p.duration = d }
}

// WithLineNumbers makes the runtime sampler attribute frames to caller
// lines. Incompatible with WithContexts.
func WithLineNumbers(enable bool) WallOption {
	return func(p *WallProfiler) { p.includeLines = enable }
}

// WithContexts enables context collection and reconciliation.
func WithContexts(enable bool) WallOption {
	return func(p *WallProfiler) { p.withContexts = enable }
}

// WithV8BugWorkaround enables the bounded-state start/stop protocol that
// avoids the runtime's stuck event-processor bug.
func WithV8BugWorkaround(enable bool) WallOption {
	return func(p *WallProfiler) { p.workaroundBug = enable }
}

// WithCPUTime records per-sample thread CPU nanoseconds. Requires
// WithContexts. On platforms without a thread CPU clock the value is
// silently omitted.
func WithCPUTime(enable bool) WallOption {
	return func(p *WallProfiler) { p.collectCPU = enable }
}

// WithMainThread marks this profiler as owning the process main thread,
// making it account non-JS CPU time at stop.
func WithMainThread(enable bool) WallOption {
	return func(p *WallProfiler) { p.isMainThread = enable }
}

// WithSourceMapper rewrites generated-code frames to their original source
// positions when the profile is serialized.
func WithSourceMapper(m SourceMapper) WallOption {
	return func(p *WallProfiler) { p.mapper = m }
}

// Logger sets the logger used for engine diagnostics. Silent by default.
func Logger(l zerolog.Logger) WallOption {
	return func(p *WallProfiler) { p.logger = l }
}

// NewWallProfiler validates the configuration and returns an idle profiler.
func NewWallProfiler(opts ...WallOption) (*WallProfiler, error) {
	p := &WallProfiler{
		interval:   10 * time.Millisecond,
		duration:   time.Minute,
		logger:     zerolog.Nop(),
		threadCPU:  threadCPUNanos,
		processCPU: processCPUNanos,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.collectCPU && !p.withContexts {
		return nil, &IncompatibleConfigError{Reason: "cpu time collection requires contexts"}
	}
	if p.includeLines && p.withContexts {
		return nil, &IncompatibleConfigError{Reason: "line numbers cannot be combined with contexts"}
	}
	if p.withContexts && !contextsSupported {
		return nil, &IncompatibleConfigError{Reason: "contexts are not supported on this platform"}
	}
	if p.interval <= 0 {
		return nil, &IncompatibleConfigError{Reason: "sampling interval must be positive"}
	}
	if p.duration < p.interval {
		return nil, &IncompatibleConfigError{Reason: "duration must be at least one sampling interval"}
	}
	if p.collectCPU && !hasThreadCPUClock {
		p.collectCPU = false
	}
	return p, nil
}

// SetContext publishes ctx as the context to attach to samples taken from
// now on. Must be called from the profiled thread.
func (p *WallProfiler) SetContext(ctx any) {
	p.cell.set(ctx)
}

// Context returns the currently published context, or nil.
func (p *WallProfiler) Context() any {
	return p.cell.get()
}

// State returns a snapshot of the profiler counters.
func (p *WallProfiler) State() WallState {
	return WallState{
		SampleCount:    p.sampleCount.Load(),
		DroppedRecords: p.dropped.Load(),
		StuckLevel:     int(p.stuckLevel.Load()),
	}
}

// StuckLevel reports the event-processor diagnosis computed at the most
// recent stop.
func (p *WallProfiler) StuckLevel() int {
	return int(p.stuckLevel.Load())
}

func (p *WallProfiler) setMode(m collectionMode) {
	p.mode.Store(int32(m))
}

func (p *WallProfiler) useHandler() bool {
	return p.withContexts || p.workaroundBug
}

func (p *WallProfiler) ringCapacity() int {
	return int((2*p.duration + p.interval - 1) / p.interval)
}

// Start binds the profiler to rt and begins sampling.
func (p *WallProfiler) Start(rt Runtime) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}

	sampler, err := rt.NewCPUSampler()
	if err != nil {
		return err
	}
	p.rt = rt
	p.sampler = sampler
	p.profileIdx = 0
	p.stuckLevel.Store(0)
	p.epochOffset = epochOffsetMicros(rt.Now, epochMicros)

	if err := p.startInternal(); err != nil {
		sampler.Dispose()
		p.rt, p.sampler = nil, nil
		return err
	}

	switch {
	case p.withContexts && p.signalsUse:
		p.setMode(modeCollectContexts)
	case p.workaroundBug && p.signalsUse:
		p.setMode(modePassThrough)
	default:
		p.setMode(modeNoCollect)
	}

	if p.useHandler() && p.signalsUse {
		p.cpuGatherBase = p.threadCPU()
		registry.add(rt, p)
	}
	p.started = true
	return nil
}

// startInternal opens a new profile on the host sampler. Titles rotate
// between two values because the runtime retains them until the sampler is
// disposed.
func (p *WallProfiler) startInternal() error {
	title := fmt.Sprintf("pprof-%d", p.profileIdx%2)
	p.profileIdx++

	mode := LeafLineNumbers
	if p.includeLines {
		mode = CallerLineNumbers
	}
	if err := p.sampler.Start(title, mode, true); err != nil {
		return err
	}
	p.title = title

	if p.useHandler() {
		if err := dispatcher.increaseUse(p.interval); err != nil {
			// Fall back to runtime-driven sampling only.
			p.logger.Warn().Err(err).Msg("profiling signal install failed, contexts disabled for this session")
			p.signalsUse = false
		} else {
			p.signalsUse = true
		}
		p.sampleCount.Store(0)
		p.ring.Store(newContextRing(p.ringCapacity()))
	}
	if p.collectCPU {
		p.startThreadCPU = p.threadCPU()
		p.startProcessCPU = p.processCPU()
	}
	if !p.workaroundBug {
		// Probe samples used by stuck detection at stop. Best effort with
		// respect to the first real tick.
		p.sampler.CollectSample()
		p.sampler.CollectSample()
	}
	return nil
}

// Stop ends the current profile period and returns it rendered as pprof.
// With restart, a new period is opened with no sampling gap; otherwise the
// profiler returns to idle and the host sampler is disposed.
func (p *WallProfiler) Stop(restart bool, labels LabelFunc) (*profile.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil, ErrNotStarted
	}

	oldTitle := p.title
	oldStartThreadCPU := p.startThreadCPU
	oldStartProcessCPU := p.startProcessCPU
	stopThreadCPU := int64(0)
	if p.collectCPU {
		stopThreadCPU = p.threadCPU()
	}

	// Quiesce the tick path before touching the ring. In workaround mode
	// one more signal proves the in-flight tick samples were drained; with
	// contexts the clock barrier guarantees no later record can carry an
	// ambiguous timestamp.
	if restart && p.workaroundBug && p.signalsUse {
		target := p.noCollectCalls.Load() + 1
		p.setMode(modeNoCollect)
		p.waitForSignal(target)
	} else if p.withContexts && p.signalsUse {
		p.setMode(modeNoCollect)
		p.awaitClockAdvance()
	} else {
		p.setMode(modeNoCollect)
	}

	oldRing := p.ring.Load()
	hadSignals := p.signalsUse

	var callCount int64
	if restart {
		if err := p.startInternal(); err != nil {
			p.logger.Error().Err(err).Msg("restart failed, stopping profiler")
			restart = false
		} else {
			callCount = p.noCollectCalls.Load()
		}
	}

	// Release the old period's hold on the signal stream; a successful
	// restart took its own.
	if p.useHandler() && hadSignals {
		dispatcher.decreaseUse()
	}

	tp, err := p.sampler.Stop(oldTitle)
	if err != nil {
		return nil, fmt.Errorf("stopping host profile %q: %w", oldTitle, err)
	}

	var records []ContextRecord
	if oldRing != nil {
		records = oldRing.drain()
		p.dropped.Store(oldRing.dropped())
	}

	p.stuckLevel.Store(int32(detectStuckProfile(tp)))

	if restart && p.withContexts && !p.workaroundBug && p.signalsUse {
		p.awaitClockAdvance()
		p.setMode(modeCollectContexts)
	}

	nonJSCPU := int64(-1)
	if p.isMainThread && p.collectCPU {
		processDelta := p.processCPU() - oldStartProcessCPU
		ownDelta := stopThreadCPU - oldStartThreadCPU
		workers := registry.gatherWorkerCPU()
		nonJSCPU = processDelta - ownDelta - workers
		if nonJSCPU < 0 {
			nonJSCPU = 0
		}
	}

	attached := reconcileSamples(tp, records, p.collectCPU, oldStartThreadCPU)

	prof := buildWallProfile(wallBuildArgs{
		profile:     tp,
		contexts:    attached,
		interval:    p.interval,
		hasCPUTime:  p.collectCPU,
		nonJSCPU:    nonJSCPU,
		labels:      labels,
		epochOffset: p.epochOffset,
		mapper:      p.mapper,
	})

	if restart && p.workaroundBug && p.signalsUse {
		if !p.waitForSignal(callCount + 1) {
			// The expected signal never came; proceed, but surface the
			// anomaly through the stuck level.
			if p.stuckLevel.Load() == 0 {
				p.stuckLevel.Store(1)
			}
		}
		if p.withContexts {
			p.setMode(modeCollectContexts)
		} else {
			p.setMode(modePassThrough)
		}
	}

	if !restart {
		p.sampler.Dispose()
		p.sampler = nil
		if p.useHandler() && hadSignals {
			registry.remove(p.rt, p)
		}
		p.signalsUse = false
		p.rt = nil
		p.started = false
		p.ring.Store(nil)
	}
	return prof, nil
}

// handleTick runs the per-tick sequence for this profiler. It is invoked
// from the dispatcher for every profiling tick and must not allocate beyond
// the ring slot it fills.
func (p *WallProfiler) handleTick(rt Runtime) {
	switch collectionMode(p.mode.Load()) {
	case modeNoCollect:
		p.noCollectCalls.Add(1)
		return
	case modePassThrough:
		rt.ProfilingTick()
		return
	}

	cpu := int64(-1)
	if p.collectCPU {
		cpu = p.threadCPU()
	}
	tFrom := rt.Now()
	rt.ProfilingTick()
	tTo := rt.Now()
	asyncID := rt.CurrentAsyncID()

	if ring := p.ring.Load(); ring != nil {
		ring.push(ContextRecord{
			Context: p.cell.get(),
			TFrom:   tFrom,
			TTo:     tTo,
			CPUTime: cpu,
			AsyncID: asyncID,
		})
	}
	p.sampleCount.Add(1)
}

// cpuSinceLastGather returns the CPU this profiler's thread consumed since
// the previous gather. Called with the registry lock held.
func (p *WallProfiler) cpuSinceLastGather() int64 {
	now := p.threadCPU()
	d := now - p.cpuGatherBase
	p.cpuGatherBase = now
	if d < 0 {
		d = 0
	}
	return d
}

// waitForSignal blocks until the no-collect tick counter reaches target,
// giving up after two sampling periods.
func (p *WallProfiler) waitForSignal(target int64) bool {
	if p.noCollectCalls.Load() >= target {
		return true
	}
	pause := p.interval / 10
	if pause < 50*time.Microsecond {
		pause = 50 * time.Microsecond
	}
	deadline := time.Now().Add(2 * p.interval)
	for {
		time.Sleep(pause)
		if p.noCollectCalls.Load() >= target {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
	}
}

// awaitClockAdvance spins until the runtime clock moves. This is the
// timestamp-ordering barrier: any record appended before the spin carries a
// timestamp strictly below everything the next period can observe.
func (p *WallProfiler) awaitClockAdvance() {
	t0 := p.rt.Now()
	for p.rt.Now() == t0 {
	}
}

// detectStuckProfile diagnoses the runtime's sample processor from a
// finished profile. Level 2 means no sample was processed at all; level 1
// means the tick samples went through but the probe samples requested at
// start never did; 0 is healthy.
func detectStuckProfile(tp *TimeProfile) int {
	if tp == nil || tp.Root == nil {
		return 2
	}
	var totalHits int64
	noHitLeaf := false
	var walk func(n *TimeNode)
	walk = func(n *TimeNode) {
		totalHits += n.HitCount
		if len(n.Children) == 0 && n.HitCount == 0 {
			noHitLeaf = true
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(tp.Root)

	if totalHits == 0 {
		return 2
	}
	if int64(len(tp.Samples)) == totalHits && !noHitLeaf {
		return 1
	}
	return 0
}
