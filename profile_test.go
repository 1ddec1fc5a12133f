package vprof

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTimeProfile() *TimeProfile {
	leaf := &TimeNode{
		Name:       "handler",
		ScriptName: "file:///srv/app.js",
		ScriptID:   7,
		LineNumber: 12,
		HitCount:   3,
	}
	anon := &TimeNode{
		ScriptName:   "/srv/lib.js",
		ScriptID:     8,
		LineNumber:   4,
		ColumnNumber: 9,
		HitCount:     1,
	}
	main := &TimeNode{
		Name:       "main",
		ScriptName: "/srv/app.js",
		ScriptID:   7,
		LineNumber: 1,
		HitCount:   0,
		Children:   []*TimeNode{leaf, anon},
	}
	idle := &TimeNode{Name: "(idle)", HitCount: 10}
	program := &TimeNode{Name: "(program)", HitCount: 4}
	gc := &TimeNode{Name: "(garbage collector)", HitCount: 2}
	return &TimeProfile{
		Root:      &TimeNode{Name: "(root)", Children: []*TimeNode{main, idle, program, gc}},
		StartTime: 1_000_000,
		EndTime:   1_500_000,
	}
}

func functionNames(p *profile.Profile) map[string]bool {
	names := make(map[string]bool, len(p.Function))
	for _, f := range p.Function {
		names[f.Name] = true
	}
	return names
}

func TestWallProfileShape(t *testing.T) {
	prof := buildWallProfile(wallBuildArgs{
		profile:  testTimeProfile(),
		interval: 10 * time.Millisecond,
	})
	require.NoError(t, prof.CheckValid())

	names := functionNames(prof)
	assert.True(t, names["handler"])
	assert.True(t, names["main"])
	assert.True(t, names["(anonymous:L#4:C#9)"], "anonymous frame named by site")
	assert.False(t, names["(idle)"], "idle pseudo-node must be dropped")
	assert.False(t, names["(program)"], "program pseudo-node must be dropped")
	assert.False(t, names["(garbage collector)"])
	assert.True(t, names[gcChildName], "gc hits re-homed under the synthetic root")
	assert.True(t, names[syntheticRootName])

	require.Len(t, prof.SampleType, 2)
	assert.Equal(t, "sample", prof.SampleType[0].Type)
	assert.Equal(t, "count", prof.SampleType[0].Unit)
	assert.Equal(t, "wall", prof.SampleType[1].Type)
	assert.Equal(t, "nanoseconds", prof.SampleType[1].Unit)

	// file:// prefixes are stripped.
	for _, f := range prof.Function {
		assert.NotContains(t, f.Filename, "file://")
	}

	// One sample per hit node; values are [hits, hits*period].
	for _, s := range prof.Sample {
		require.Len(t, s.Value, 2)
		assert.Equal(t, s.Value[0]*prof.Period, s.Value[1])
	}
}

func TestWallProfilePeriodClamped(t *testing.T) {
	tp := testTimeProfile()
	// 20 hits over 500ms would suggest a 25ms period; it must be clamped
	// to twice the configured interval.
	prof := buildWallProfile(wallBuildArgs{profile: tp, interval: 10 * time.Millisecond})
	assert.Equal(t, int64(20*time.Millisecond), prof.Period)

	// And never below the configured interval.
	tp2 := testTimeProfile()
	tp2.Root.Children[0].Children[0].HitCount = 10_000
	prof2 := buildWallProfile(wallBuildArgs{profile: tp2, interval: 10 * time.Millisecond})
	assert.Equal(t, int64(10*time.Millisecond), prof2.Period)
}

func TestWallProfileContextsAndLabels(t *testing.T) {
	tp := testTimeProfile()
	leaf := tp.Root.Children[0].Children[0]

	contexts := map[*TimeNode][]tickContext{
		leaf: {
			{record: ContextRecord{Context: map[string]any{"span": "a", "seq": 7, "bogus": []int{1}}, TTo: 42}, cpuNanos: 1000},
			{record: ContextRecord{Context: map[string]any{"span": "b"}, TTo: 43}, cpuNanos: 2000},
		},
	}
	prof := buildWallProfile(wallBuildArgs{
		profile:    tp,
		contexts:   contexts,
		interval:   10 * time.Millisecond,
		hasCPUTime: true,
		nonJSCPU:   5_000,
		labels: func(ctx SampleContext) map[string]any {
			return ctx.Context.(map[string]any)
		},
		epochOffset: 1_000_000,
	})
	require.NoError(t, prof.CheckValid())

	require.Len(t, prof.SampleType, 3)
	assert.Equal(t, "cpu", prof.SampleType[2].Type)

	var ctxSamples, residual, nonJS int
	for _, s := range prof.Sample {
		switch {
		case len(s.Label["span"]) > 0:
			ctxSamples++
			require.Len(t, s.Value, 3)
			assert.Equal(t, int64(1), s.Value[0])
			assert.Equal(t, prof.Period, s.Value[1])
			if s.Label["span"][0] == "a" {
				assert.Equal(t, int64(1000), s.Value[2])
				assert.Equal(t, []int64{7}, s.NumLabel["seq"])
				assert.NotContains(t, s.Label, "bogus")
				assert.NotContains(t, s.NumLabel, "bogus")
				assert.Equal(t, []int64{(42 + 1_000_000) * 1000}, s.NumLabel["end_timestamp_ns"])
			}
		case s.Location[0].Line[0].Function.Name == nonJSChildName:
			nonJS++
			assert.Equal(t, []int64{0, 0, 5_000}, s.Value)
		case s.Location[0].Line[0].Function.Name == "handler":
			residual++
			// 3 hits, 2 matched contexts.
			assert.Equal(t, int64(1), s.Value[0])
		}
	}
	assert.Equal(t, 2, ctxSamples)
	assert.Equal(t, 1, nonJS)
	assert.Equal(t, 1, residual)
}

func TestWallProfileSerializationDeterministic(t *testing.T) {
	build := func() *profile.Profile {
		p := buildWallProfile(wallBuildArgs{
			profile:  testTimeProfile(),
			interval: 10 * time.Millisecond,
		})
		p.TimeNanos = 0
		return p
	}
	b1, err := Encode(build())
	require.NoError(t, err)
	b2, err := Encode(build())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b1, b2), "same input must serialize to identical bytes")
}

func TestWallProfileSourceMapper(t *testing.T) {
	prof := buildWallProfile(wallBuildArgs{
		profile:  testTimeProfile(),
		interval: 10 * time.Millisecond,
		mapper: mapperFunc(func(f Frame) (Frame, bool) {
			if f.File == "/srv/app.js" && f.Name == "handler" {
				return Frame{Name: "renderPage", File: "src/app.ts", Line: 30}, true
			}
			return f, false
		}),
	})
	names := functionNames(prof)
	assert.True(t, names["renderPage"])
	assert.False(t, names["handler"])
}

type mapperFunc func(Frame) (Frame, bool)

func (m mapperFunc) Map(f Frame) (Frame, bool) { return m(f) }

func TestHeapProfileShape(t *testing.T) {
	root := &AllocationNode{
		Name: "(root)",
		Children: []*AllocationNode{
			{
				Name:       "allocBuf",
				ScriptName: "/srv/app.js",
				ScriptID:   7,
				LineNumber: 3,
				Allocations: []Allocation{
					{Count: 4, SizeBytes: 1024},
					{Count: 1, SizeBytes: 32},
				},
			},
			{
				Name:        "(external)",
				Allocations: []Allocation{{Count: 1, SizeBytes: 1 << 20}},
			},
			{
				Name:        "vendored",
				ScriptName:  "/srv/node_modules/dep/index.js",
				Allocations: []Allocation{{Count: 9, SizeBytes: 8}},
			},
		},
	}

	prof := buildHeapProfile(heapBuildArgs{root: root, intervalBytes: 512 * 1024, ignorePath: "node_modules"})
	require.NoError(t, prof.CheckValid())

	require.Len(t, prof.SampleType, 2)
	assert.Equal(t, "objects", prof.SampleType[0].Type)
	assert.Equal(t, "space", prof.SampleType[1].Type)
	assert.Equal(t, int64(512*1024), prof.Period)

	names := functionNames(prof)
	assert.False(t, names["vendored"], "ignored subtree must not be serialized")

	var external, buckets int
	for _, s := range prof.Sample {
		if s.Location[0].Line[0].Function.Name == "(external)" {
			external++
			assert.Equal(t, []int64{1, 1 << 20}, s.Value)
		}
		if s.Location[0].Line[0].Function.Name == "allocBuf" {
			buckets++
			switch s.Value[0] {
			case 4:
				assert.Equal(t, []int64{4, 4 * 1024}, s.Value)
			case 1:
				assert.Equal(t, []int64{1, 32}, s.Value)
			default:
				t.Errorf("unexpected bucket %v", s.Value)
			}
		}
	}
	assert.Equal(t, 1, external, "(external) carries exactly one allocation")
	assert.Equal(t, 2, buckets, "one sample per allocation bucket")
}

func TestEncodeGzips(t *testing.T) {
	prof := buildWallProfile(wallBuildArgs{profile: testTimeProfile(), interval: time.Millisecond})
	b, err := Encode(prof)
	require.NoError(t, err)
	require.Greater(t, len(b), 2)
	assert.Equal(t, byte(0x1f), b[0], "gzip magic")
	assert.Equal(t, byte(0x8b), b[1], "gzip magic")

	res := <-EncodeAsync(prof)
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.Bytes)
}
