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

// tickContext is one context record matched to a sample, with the CPU time
// delta attributed to it when CPU collection is on (-1 otherwise).
type tickContext struct {
	record   ContextRecord
	cpuNanos int64
}

// reconcileSamples matches the host sampler's recorded samples against the
// drained context records by timestamp interval, returning the records
// attached to each call-tree node that was hit.
//
// The sampler's timestamps are produced asynchronously by its processing
// thread and a pair of consecutive samples can arrive exchanged; the walk
// tolerates exactly that by locally reordering with an offset that cycles
// 0 -> +1 -> -1 -> 0. Records are consumed in insertion order: anything
// whose interval ended before the sample is discarded, a record starting
// after the sample is left for the next one, and at most one record matches
// a given sample.
//
// The first sample is skipped: it is the non-tick startup sample whose
// timestamp may even precede the profile start. Records too recent to match
// anything stay in the retired ring and die with it.
func reconcileSamples(tp *TimeProfile, records []ContextRecord, collectCPU bool, startCPU int64) map[*TimeNode][]tickContext {
	attached := make(map[*TimeNode][]tickContext)
	if tp == nil || len(tp.Samples) == 0 {
		return attached
	}

	samples := tp.Samples
	ts := tp.Timestamps
	n := len(samples)
	if len(ts) < n {
		n = len(ts)
	}

	ri := 0
	lastCPU := startCPU
	delta := 0

	for i := 1; i < n; i++ {
		if delta == 0 && i+1 < n && ts[i+1] < ts[i] {
			delta = 1
		}
		j := i + delta
		switch delta {
		case 1:
			delta = -1
		case -1:
			delta = 0
		}

		node, t := samples[j], ts[j]

		for ri < len(records) && records[ri].TTo < t {
			ri++
		}
		if ri >= len(records) {
			continue
		}
		rec := records[ri]
		if rec.TFrom > t {
			// Too recent; it may belong to the next sample.
			continue
		}
		ri++

		tc := tickContext{record: rec, cpuNanos: -1}
		if collectCPU && rec.CPUTime >= 0 {
			if !isPseudoNode(node) {
				tc.cpuNanos = rec.CPUTime - lastCPU
				if tc.cpuNanos < 0 {
					tc.cpuNanos = 0
				}
			}
			// CPU consumed while idle is accounted to nobody.
			lastCPU = rec.CPUTime
		}
		attached[node] = append(attached[node], tc)
	}
	return attached
}

// isPseudoNode reports whether the node is one of the host sampler's
// placeholder frames for time spent outside managed code.
func isPseudoNode(n *TimeNode) bool {
	return n.Name == "(idle)" || n.Name == "(program)"
}
