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

// contextCell holds the context value the profiled thread wants associated
// with any stack sample taken now. There is exactly one writer (the owning
// thread, through SetContext) and any number of tick-path readers.
//
// A holder is immutable once its pointer is published, so a reader's load of
// cur followed by the read of the held value yields either the value in
// effect before the most recent write or the value after it, never a torn
// structure. The release-store in set synchronizes with the acquire-load in
// get.
type contextCell struct {
	cur atomic.Pointer[contextHolder]
}

type contextHolder struct {
	value any
}

// get returns the current context, or nil when none was set. Wait-free;
// called from the tick dispatch path.
func (c *contextCell) get() any {
	h := c.cur.Load()
	if h == nil {
		return nil
	}
	return h.value
}

// set publishes v as the current context. Writer-only.
func (c *contextCell) set(v any) {
	if v == nil {
		c.cur.Store(nil)
		return
	}
	c.cur.Store(&contextHolder{value: v})
}
