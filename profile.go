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
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/pprof/profile"
)

// Frame is the source attribution of one profile location, as handed to a
// SourceMapper.
type Frame struct {
	Name   string
	File   string
	Line   int64
	Column int64
}

// SourceMapper optionally rewrites generated-code frames to their original
// source positions before deduplication.
type SourceMapper interface {
	// Map returns the mapped frame and true, or false to keep f unchanged.
	Map(f Frame) (Frame, bool)
}

// WriteProfile writes a profile to a file at the given path.
func WriteProfile(path string, prof *profile.Profile) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return prof.Write(w)
}

// Encode serializes prof to gzip-compressed pprof bytes.
func Encode(prof *profile.Profile) ([]byte, error) {
	var buf bytes.Buffer
	if err := prof.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeResult is the outcome of an EncodeAsync call.
type EncodeResult struct {
	Bytes []byte
	Err   error
}

// EncodeAsync serializes prof off the calling goroutine and delivers the
// result on the returned channel.
func EncodeAsync(prof *profile.Profile) <-chan EncodeResult {
	ch := make(chan EncodeResult, 1)
	go func() {
		b, err := Encode(prof)
		ch <- EncodeResult{Bytes: b, Err: err}
	}()
	return ch
}

// profileBuilder deduplicates functions and locations while assembling a
// pprof profile. Functions dedup by (script id, name, file); locations by
// (script id, line, column, name). Ids are 1-based, the way pprof wants
// them; id 0 stays reserved.
type profileBuilder struct {
	prof   *profile.Profile
	funcs  map[uint64]*profile.Function
	locs   map[uint64]*profile.Location
	mapper SourceMapper
}

func newProfileBuilder(sampleTypes []*profile.ValueType, mapper SourceMapper) *profileBuilder {
	return &profileBuilder{
		prof: &profile.Profile{
			SampleType: sampleTypes,
			TimeNanos:  time.Now().UnixNano(),
		},
		funcs:  make(map[uint64]*profile.Function),
		locs:   make(map[uint64]*profile.Location),
		mapper: mapper,
	}
}

func hashFrame(scriptID int64, f Frame) uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%d\x00%d", scriptID, f.Name, f.File, f.Line, f.Column)
	return h.Sum64()
}

// frameName substitutes a synthetic name for anonymous frames so that
// anonymous functions at different sites remain distinct.
func frameName(f Frame) string {
	if f.Name != "" {
		return f.Name
	}
	switch {
	case f.Line > 0 && f.Column > 0:
		return fmt.Sprintf("(anonymous:L#%d:C#%d)", f.Line, f.Column)
	case f.Line > 0:
		return fmt.Sprintf("(anonymous:L#%d)", f.Line)
	default:
		return "(anonymous)"
	}
}

// location returns the deduplicated pprof location for a frame, creating
// the function and location entries on first sight.
func (b *profileBuilder) location(scriptID int64, f Frame) *profile.Location {
	f.File = strings.TrimPrefix(f.File, "file://")
	if b.mapper != nil {
		if mapped, ok := b.mapper.Map(f); ok {
			f = mapped
		}
	}
	f.Name = frameName(f)

	key := hashFrame(scriptID, f)
	if loc, ok := b.locs[key]; ok {
		return loc
	}

	fnKey := hashFrame(scriptID, Frame{Name: f.Name, File: f.File})
	fn, ok := b.funcs[fnKey]
	if !ok {
		fn = &profile.Function{
			ID:         uint64(len(b.funcs)) + 1,
			Name:       f.Name,
			SystemName: f.Name,
			Filename:   f.File,
		}
		b.funcs[fnKey] = fn
	}

	loc := &profile.Location{
		ID: uint64(len(b.locs)) + 1,
		Line: []profile.Line{{
			Function: fn,
			Line:     f.Line,
		}},
	}
	b.locs[key] = loc
	return loc
}

func (b *profileBuilder) finish() *profile.Profile {
	b.prof.Location = make([]*profile.Location, len(b.locs))
	b.prof.Function = make([]*profile.Function, len(b.funcs))
	for _, loc := range b.locs {
		b.prof.Location[loc.ID-1] = loc
	}
	for _, fn := range b.funcs {
		b.prof.Function[fn.ID-1] = fn
	}
	return b.prof
}

// addLabels splits a label map into pprof string and numeric labels.
// Values that are neither strings nor integer-valued numbers are dropped.
func addLabels(s *profile.Sample, labels map[string]any) {
	for k, v := range labels {
		var num int64
		switch v := v.(type) {
		case string:
			if s.Label == nil {
				s.Label = make(map[string][]string)
			}
			s.Label[k] = append(s.Label[k], v)
			continue
		case int:
			num = int64(v)
		case int8:
			num = int64(v)
		case int16:
			num = int64(v)
		case int32:
			num = int64(v)
		case int64:
			num = v
		case uint:
			num = int64(v)
		case uint8:
			num = int64(v)
		case uint16:
			num = int64(v)
		case uint32:
			num = int64(v)
		case uint64:
			num = int64(v)
		case float32:
			if v != float32(int64(v)) {
				continue
			}
			num = int64(v)
		case float64:
			if v != float64(int64(v)) {
				continue
			}
			num = int64(v)
		default:
			continue
		}
		if s.NumLabel == nil {
			s.NumLabel = make(map[string][]int64)
		}
		s.NumLabel[k] = append(s.NumLabel[k], num)
	}
}

const (
	rootNodeName      = "(root)"
	gcNodeName        = "(garbage collector)"
	syntheticRootName = "Node.js"
	gcChildName       = "Garbage Collection"
	nonJSChildName    = "Non JS threads activity"
)

type wallBuildArgs struct {
	profile      *TimeProfile
	contexts     map[*TimeNode][]tickContext
	interval     time.Duration
	hasCPUTime   bool
	nonJSCPU     int64
	labels       LabelFunc
	epochOffset  int64
	mapper       SourceMapper
}

// buildWallProfile renders a host time profile, with any reconciled
// contexts, into pprof form.
func buildWallProfile(args wallBuildArgs) *profile.Profile {
	sampleTypes := []*profile.ValueType{
		{Type: "sample", Unit: "count"},
		{Type: "wall", Unit: "nanoseconds"},
	}
	if args.hasCPUTime {
		sampleTypes = append(sampleTypes, &profile.ValueType{Type: "cpu", Unit: "nanoseconds"})
	}
	b := newProfileBuilder(sampleTypes, args.mapper)

	intervalNs := args.interval.Nanoseconds()
	durationNs := int64(0)
	if args.profile != nil {
		durationNs = (args.profile.EndTime - args.profile.StartTime) * 1000
	}

	// The reported period is the observed average distance between ticks,
	// clamped to [interval, 2*interval] so a stalled stretch cannot skew it
	// past recognition.
	periodNs := intervalNs
	if totalHits := countHits(args.profile); totalHits > 0 && durationNs > 0 {
		periodNs = durationNs / totalHits
		if periodNs < intervalNs {
			periodNs = intervalNs
		} else if periodNs > 2*intervalNs {
			periodNs = 2 * intervalNs
		}
	}
	b.prof.PeriodType = &profile.ValueType{Type: "wall", Unit: "nanoseconds"}
	b.prof.Period = periodNs
	b.prof.DurationNanos = durationNs

	w := &wallWalker{builder: b, args: args, periodNs: periodNs}
	if args.profile != nil && args.profile.Root != nil {
		for _, child := range args.profile.Root.Children {
			w.walk(child, nil)
		}
	}

	// Synthetic top-level node carrying runtime-wide activity: garbage
	// collection hits, and on the main thread the CPU consumed by threads
	// the sampler cannot see.
	if w.gcNode != nil || (args.hasCPUTime && args.nonJSCPU >= 0) {
		rootLoc := b.location(0, Frame{Name: syntheticRootName})
		if w.gcNode != nil {
			gcLoc := b.location(0, Frame{Name: gcChildName})
			w.emit(w.gcNode, []*profile.Location{gcLoc, rootLoc})
		}
		if args.hasCPUTime && args.nonJSCPU >= 0 {
			loc := b.location(0, Frame{Name: nonJSChildName})
			b.prof.Sample = append(b.prof.Sample, &profile.Sample{
				Location: []*profile.Location{loc, rootLoc},
				Value:    []int64{0, 0, args.nonJSCPU},
			})
		}
	}

	return b.finish()
}

func countHits(tp *TimeProfile) int64 {
	if tp == nil || tp.Root == nil {
		return 0
	}
	var total int64
	var walk func(n *TimeNode)
	walk = func(n *TimeNode) {
		total += n.HitCount
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(tp.Root)
	return total
}

type wallWalker struct {
	builder  *profileBuilder
	args     wallBuildArgs
	periodNs int64
	gcNode   *TimeNode
}

// walk descends the call tree emitting one or more samples per hit node.
// chain is the location list from the parent up to the root, leaf first.
func (w *wallWalker) walk(n *TimeNode, chain []*profile.Location) {
	if isPseudoNode(n) {
		return
	}
	if n.Name == gcNodeName {
		// Re-homed under the synthetic root after the walk.
		w.gcNode = n
		return
	}

	loc := w.builder.location(n.ScriptID, Frame{
		Name:   n.Name,
		File:   n.ScriptName,
		Line:   n.LineNumber,
		Column: n.ColumnNumber,
	})
	locs := make([]*profile.Location, 0, len(chain)+1)
	locs = append(locs, loc)
	locs = append(locs, chain...)

	w.emit(n, locs)

	for _, c := range n.Children {
		w.walk(c, locs)
	}
}

// emit writes the samples for one node at the given location chain: one
// sample per matched context, then one for the residual hits.
func (w *wallWalker) emit(n *TimeNode, locs []*profile.Location) {
	contexts := w.args.contexts[n]
	residual := n.HitCount - int64(len(contexts))

	for _, tc := range contexts {
		s := &profile.Sample{
			Location: locs,
			Value:    w.sampleValue(1, tc.cpuNanos),
		}
		w.applyLabels(s, tc.record)
		w.builder.prof.Sample = append(w.builder.prof.Sample, s)
	}
	if residual > 0 {
		w.builder.prof.Sample = append(w.builder.prof.Sample, &profile.Sample{
			Location: locs,
			Value:    w.sampleValue(residual, 0),
		})
	}
}

func (w *wallWalker) sampleValue(hits, cpuNanos int64) []int64 {
	v := []int64{hits, hits * w.periodNs}
	if w.args.hasCPUTime {
		if cpuNanos < 0 {
			cpuNanos = 0
		}
		v = append(v, cpuNanos)
	}
	return v
}

func (w *wallWalker) applyLabels(s *profile.Sample, rec ContextRecord) {
	if w.args.labels != nil {
		labels := w.args.labels(SampleContext{
			Context:   rec.Context,
			Timestamp: rec.TTo,
			AsyncID:   rec.AsyncID,
		})
		addLabels(s, labels)
		if s.NumLabel == nil {
			s.NumLabel = make(map[string][]int64)
		}
		s.NumLabel["end_timestamp_ns"] = append(s.NumLabel["end_timestamp_ns"],
			(rec.TTo+w.args.epochOffset)*1000)
		return
	}
	if m, ok := rec.Context.(map[string]any); ok {
		addLabels(s, m)
	}
}

type heapBuildArgs struct {
	root          *AllocationNode
	intervalBytes int64
	ignorePath    string
	mapper        SourceMapper
}

// buildHeapProfile renders an allocation tree snapshot into pprof form:
// every allocation bucket becomes one sample of Count objects weighing
// Count*SizeBytes.
func buildHeapProfile(args heapBuildArgs) *profile.Profile {
	b := newProfileBuilder([]*profile.ValueType{
		{Type: "objects", Unit: "count"},
		{Type: "space", Unit: "bytes"},
	}, args.mapper)
	b.prof.PeriodType = &profile.ValueType{Type: "space", Unit: "bytes"}
	b.prof.Period = args.intervalBytes

	var walk func(n *AllocationNode, chain []*profile.Location)
	walk = func(n *AllocationNode, chain []*profile.Location) {
		if args.ignorePath != "" && strings.Contains(n.ScriptName, args.ignorePath) {
			return
		}
		loc := b.location(n.ScriptID, Frame{
			Name:   n.Name,
			File:   n.ScriptName,
			Line:   n.LineNumber,
			Column: n.ColumnNumber,
		})
		locs := make([]*profile.Location, 0, len(chain)+1)
		locs = append(locs, loc)
		locs = append(locs, chain...)

		for _, a := range n.Allocations {
			b.prof.Sample = append(b.prof.Sample, &profile.Sample{
				Location: locs,
				Value:    []int64{a.Count, a.Count * a.SizeBytes},
			})
		}
		for _, c := range n.Children {
			walk(c, locs)
		}
	}
	if args.root != nil {
		for _, c := range args.root.Children {
			walk(c, nil)
		}
	}
	return b.finish()
}
