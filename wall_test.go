package vprof

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is a minimal scripted host: one frame of managed stack,
// selected with setFrame, and a strictly increasing microsecond clock.
type fakeRuntime struct {
	clock   atomic.Int64
	asyncID atomic.Int64
	frame   atomic.Pointer[string]

	mu      sync.Mutex
	sampler *fakeSampler
}

func newFakeRuntime() *fakeRuntime {
	rt := &fakeRuntime{}
	rt.setFrame("work")
	rt.asyncID.Store(-1)
	return rt
}

func (rt *fakeRuntime) setFrame(name string) { rt.frame.Store(&name) }

func (rt *fakeRuntime) Now() int64 { return rt.clock.Add(1) }

func (rt *fakeRuntime) CurrentAsyncID() float64 { return float64(rt.asyncID.Load()) }

func (rt *fakeRuntime) RequestInterrupt(fn func()) { fn() }

func (rt *fakeRuntime) PostToEventLoop(fn func()) { fn() }

func (rt *fakeRuntime) NewCPUSampler() (CPUSampler, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sampler != nil && !rt.sampler.disposed {
		return nil, ErrProfilerInUse
	}
	s := &fakeSampler{rt: rt, active: make(map[string]*fakeRecording)}
	rt.sampler = s
	return s, nil
}

func (rt *fakeRuntime) ProfilingTick() {
	rt.mu.Lock()
	s := rt.sampler
	rt.mu.Unlock()
	if s != nil {
		s.tick(*rt.frame.Load(), rt.Now())
	}
}

type fakeRecording struct {
	start   int64
	nodes   map[string]*TimeNode
	samples []*TimeNode
	stamps  []int64
}

func (r *fakeRecording) node(frame string) *TimeNode {
	n := r.nodes[frame]
	if n == nil {
		n = &TimeNode{Name: frame, ScriptName: "/app/test.js", ScriptID: 1, LineNumber: 1}
		r.nodes[frame] = n
	}
	return n
}

type fakeSampler struct {
	rt *fakeRuntime

	mu       sync.Mutex
	active   map[string]*fakeRecording
	started  []string
	stopped  []string
	disposed bool
}

func (s *fakeSampler) Start(title string, mode LineMode, recordSamples bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[title]; ok {
		return ErrAlreadyStarted
	}
	rec := &fakeRecording{start: s.rt.clock.Load(), nodes: make(map[string]*TimeNode)}
	s.active[title] = rec
	s.started = append(s.started, title)
	// Startup sample, no hit.
	n := rec.node(*s.rt.frame.Load())
	rec.samples = append(rec.samples, n)
	rec.stamps = append(rec.stamps, s.rt.Now())
	return nil
}

func (s *fakeSampler) CollectSample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.active {
		n := rec.node(*s.rt.frame.Load())
		rec.samples = append(rec.samples, n)
		rec.stamps = append(rec.stamps, s.rt.Now())
	}
}

func (s *fakeSampler) tick(frame string, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.active {
		n := rec.node(frame)
		n.HitCount++
		rec.samples = append(rec.samples, n)
		rec.stamps = append(rec.stamps, now)
	}
}

func (s *fakeSampler) Stop(title string) (*TimeProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[title]
	if !ok {
		return nil, ErrNotStarted
	}
	delete(s.active, title)
	s.stopped = append(s.stopped, title)

	root := &TimeNode{Name: "(root)"}
	for _, n := range rec.nodes {
		root.Children = append(root.Children, n)
	}
	return &TimeProfile{
		Root:       root,
		StartTime:  rec.start,
		EndTime:    s.rt.clock.Load(),
		Samples:    rec.samples,
		Timestamps: rec.stamps,
	}, nil
}

func (s *fakeSampler) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.active = make(map[string]*fakeRecording)
}

func TestNewWallProfilerConfigValidation(t *testing.T) {
	var cfgErr *IncompatibleConfigError

	_, err := NewWallProfiler(WithCPUTime(true))
	require.Error(t, err)
	assert.True(t, errors.As(err, &cfgErr))

	if contextsSupported {
		_, err = NewWallProfiler(WithLineNumbers(true), WithContexts(true))
		require.Error(t, err)
		assert.True(t, errors.As(err, &cfgErr))
	} else {
		_, err = NewWallProfiler(WithContexts(true))
		require.Error(t, err)
		assert.True(t, errors.As(err, &cfgErr))
	}

	_, err = NewWallProfiler(WithSamplingInterval(-time.Millisecond))
	require.Error(t, err)

	_, err = NewWallProfiler(WithSamplingInterval(time.Second), WithDuration(time.Millisecond))
	require.Error(t, err)
}

func TestWallProfilerLifecycle(t *testing.T) {
	rt := newFakeRuntime()
	p, err := NewWallProfiler(WithSamplingInterval(time.Millisecond), WithDuration(time.Second))
	require.NoError(t, err)

	_, err = p.Stop(false, nil)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, p.Start(rt))
	assert.ErrorIs(t, p.Start(rt), ErrAlreadyStarted)

	// The host refuses a second sampler on the same runtime.
	q, err := NewWallProfiler()
	require.NoError(t, err)
	assert.ErrorIs(t, q.Start(rt), ErrProfilerInUse)

	prof, err := p.Stop(false, nil)
	require.NoError(t, err)
	require.NotNil(t, prof)

	// Idle again: a new session can start.
	require.NoError(t, p.Start(rt))
	_, err = p.Stop(false, nil)
	require.NoError(t, err)
}

func TestWallProfilerSetContext(t *testing.T) {
	p, err := NewWallProfiler()
	require.NoError(t, err)
	assert.Nil(t, p.Context())
	p.SetContext(map[string]any{"k": "v"})
	assert.Equal(t, map[string]any{"k": "v"}, p.Context())
	p.SetContext(nil)
	assert.Nil(t, p.Context())
}

func TestHandleTickModes(t *testing.T) {
	if !contextsSupported {
		t.Skip("contexts unsupported on this platform")
	}
	rt := newFakeRuntime()
	p, err := NewWallProfiler(WithContexts(true), WithSamplingInterval(time.Millisecond), WithDuration(20*time.Millisecond))
	require.NoError(t, err)
	sampler, err := rt.NewCPUSampler()
	require.NoError(t, err)
	p.sampler = sampler
	p.rt = rt
	require.NoError(t, sampler.Start("pprof-0", LeafLineNumbers, true))
	p.ring.Store(newContextRing(16))

	// NoCollect counts the tick and does not forward it.
	p.setMode(modeNoCollect)
	p.handleTick(rt)
	assert.Equal(t, int64(1), p.noCollectCalls.Load())
	assert.Empty(t, p.ring.Load().drain())

	// PassThrough forwards without recording.
	p.setMode(modePassThrough)
	p.handleTick(rt)
	assert.Equal(t, int64(1), p.noCollectCalls.Load())
	assert.Empty(t, p.ring.Load().drain())

	// CollectContexts brackets the host tick and records the context.
	p.setMode(modeCollectContexts)
	p.SetContext("ctx-a")
	rt.asyncID.Store(42)
	p.handleTick(rt)

	recs := p.ring.Load().drain()
	require.Len(t, recs, 1)
	assert.Equal(t, "ctx-a", recs[0].Context)
	assert.Less(t, recs[0].TFrom, recs[0].TTo)
	assert.Equal(t, float64(42), recs[0].AsyncID)
	assert.Equal(t, int64(1), p.sampleCount.Load())
}

func TestWallProfilerContextsEndToEnd(t *testing.T) {
	if !contextsSupported {
		t.Skip("contexts unsupported on this platform")
	}
	rt := newFakeRuntime()
	p, err := NewWallProfiler(
		WithContexts(true),
		WithSamplingInterval(time.Millisecond),
		WithDuration(100*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, p.Start(rt))

	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			p.SetContext(map[string]any{"span": "a"})
		} else {
			p.SetContext(map[string]any{"span": "b"})
		}
		p.handleTick(rt)
	}

	prof, err := p.Stop(false, func(ctx SampleContext) map[string]any {
		// Ticks delivered before the first SetContext carry no context.
		m, _ := ctx.Context.(map[string]any)
		return m
	})
	require.NoError(t, err)
	require.NoError(t, prof.CheckValid())

	seen := map[string]int{}
	for _, s := range prof.Sample {
		for _, v := range s.Label["span"] {
			seen[v]++
		}
	}
	assert.GreaterOrEqual(t, seen["a"], 1)
	assert.GreaterOrEqual(t, seen["b"], 1)
	for v := range seen {
		assert.Contains(t, []string{"a", "b"}, v)
	}
}

func TestWallProfilerRestartRotatesTitles(t *testing.T) {
	rt := newFakeRuntime()
	p, err := NewWallProfiler(WithSamplingInterval(time.Millisecond), WithDuration(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, p.Start(rt))

	rt.ProfilingTick()
	prof1, err := p.Stop(true, nil)
	require.NoError(t, err)
	require.NotNil(t, prof1)

	rt.ProfilingTick()
	prof2, err := p.Stop(false, nil)
	require.NoError(t, err)
	require.NotNil(t, prof2)

	s := rt.sampler
	assert.Equal(t, []string{"pprof-0", "pprof-1"}, s.started)
	assert.Equal(t, []string{"pprof-0", "pprof-1"}, s.stopped)
	assert.True(t, s.disposed)
}

func TestWallProfilerWorkaroundRestart(t *testing.T) {
	if !contextsSupported {
		t.Skip("contexts unsupported on this platform")
	}
	rt := newFakeRuntime()
	p, err := NewWallProfiler(
		WithContexts(true),
		WithV8BugWorkaround(true),
		WithSamplingInterval(2*time.Millisecond),
		WithDuration(100*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, p.Start(rt))

	// Stand-in for the signal stream: keeps ticks flowing so the
	// workaround's waitForSignal sees its no-collect deliveries.
	stop := make(chan struct{})
	var pump sync.WaitGroup
	pump.Add(1)
	go func() {
		defer pump.Done()
		for {
			select {
			case <-stop:
				return
			default:
				p.handleTick(rt)
				time.Sleep(500 * time.Microsecond)
			}
		}
	}()

	prof1, err := p.Stop(true, nil)
	require.NoError(t, err)
	require.NotNil(t, prof1)
	assert.Equal(t, 0, p.StuckLevel(), "healthy run must not report a stuck event loop")

	prof2, err := p.Stop(false, nil)
	close(stop)
	pump.Wait()
	require.NoError(t, err)
	require.Len(t, prof2.SampleType, 2)
	assert.Equal(t, "sample", prof2.SampleType[0].Type)
	assert.Equal(t, "wall", prof2.SampleType[1].Type)
}

func TestWallProfilerNonJSCPU(t *testing.T) {
	if !contextsSupported {
		t.Skip("contexts unsupported on this platform")
	}
	rt := newFakeRuntime()
	p, err := NewWallProfiler(
		WithContexts(true),
		WithCPUTime(true),
		WithMainThread(true),
		WithSamplingInterval(time.Millisecond),
		WithDuration(100*time.Millisecond),
	)
	require.NoError(t, err)
	if !p.collectCPU {
		t.Skip("no thread cpu clock on this platform")
	}

	var threadCPU, processCPU atomic.Int64
	p.threadCPU = threadCPU.Load
	p.processCPU = processCPU.Load

	require.NoError(t, p.Start(rt))
	threadCPU.Store(40_000_000)
	processCPU.Store(100_000_000)

	prof, err := p.Stop(false, nil)
	require.NoError(t, err)

	var found bool
	for _, s := range prof.Sample {
		if s.Location[0].Line[0].Function.Name == nonJSChildName {
			found = true
			require.Len(t, s.Value, 3)
			assert.Equal(t, []int64{0, 0, 60_000_000}, s.Value)
		}
	}
	assert.True(t, found, "main-thread cpu profile must carry the non-JS activity sample")
}

func TestDetectStuckProfile(t *testing.T) {
	healthy := &TimeProfile{
		Root: &TimeNode{Name: "(root)", Children: []*TimeNode{
			{Name: "a", HitCount: 5},
		}},
		Samples: make([]*TimeNode, 7), // 5 ticks + 2 probes
	}
	assert.Equal(t, 0, detectStuckProfile(healthy))

	probesLost := &TimeProfile{
		Root: &TimeNode{Name: "(root)", Children: []*TimeNode{
			{Name: "a", HitCount: 5},
		}},
		Samples: make([]*TimeNode, 5),
	}
	assert.Equal(t, 1, detectStuckProfile(probesLost))

	dead := &TimeProfile{
		Root: &TimeNode{Name: "(root)", Children: []*TimeNode{
			{Name: "a", HitCount: 0},
		}},
	}
	assert.Equal(t, 2, detectStuckProfile(dead))

	// A zero-hit leaf means the probe samples were processed, so the equal
	// counts are not suspicious.
	probeLeaf := &TimeProfile{
		Root: &TimeNode{Name: "(root)", Children: []*TimeNode{
			{Name: "a", HitCount: 5},
			{Name: "(program)", HitCount: 0},
		}},
		Samples: make([]*TimeNode, 5),
	}
	assert.Equal(t, 0, detectStuckProfile(probeLeaf))
}

func TestWaitForSignal(t *testing.T) {
	p, err := NewWallProfiler(WithSamplingInterval(2 * time.Millisecond))
	require.NoError(t, err)

	p.noCollectCalls.Store(3)
	assert.True(t, p.waitForSignal(3))

	start := time.Now()
	assert.False(t, p.waitForSignal(10))
	assert.GreaterOrEqual(t, time.Since(start), 2*p.interval)

	go func() {
		time.Sleep(time.Millisecond)
		p.noCollectCalls.Add(10)
	}()
	assert.True(t, p.waitForSignal(10))
}

func TestWallProfilerState(t *testing.T) {
	p, err := NewWallProfiler()
	require.NoError(t, err)
	p.sampleCount.Store(12)
	p.dropped.Store(3)
	p.stuckLevel.Store(1)
	st := p.State()
	assert.Equal(t, int64(12), st.SampleCount)
	assert.Equal(t, int64(3), st.DroppedRecords)
	assert.Equal(t, 1, st.StuckLevel)
}
