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
	"net/http"
	"strconv"
	"time"

	"github.com/google/pprof/profile"
)

func serveProfile(w http.ResponseWriter, prof *profile.Profile) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", `attachment; filename="profile"`)
	if err := prof.Write(w); err != nil {
		serveError(w, http.StatusInternalServerError, err.Error())
	}
}

func serveError(w http.ResponseWriter, status int, txt string) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Go-Pprof", "1")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Del("Content-Disposition")
	w.WriteHeader(status)
	fmt.Fprintln(w, txt)
}

// NewWallHandler returns an http handler that profiles rt for the duration
// given in the seconds form value (30s by default) and responds with the
// pprof bytes. Each request runs its own profiler; overlapping requests
// fail with ErrProfilerInUse.
func NewWallHandler(rt Runtime, opts ...WallOption) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		duration := 30 * time.Second
		if seconds := r.FormValue("seconds"); seconds != "" {
			n, err := strconv.ParseInt(seconds, 10, 64)
			if err == nil && n > 0 {
				duration = time.Duration(n) * time.Second
			}
		}

		ctx := r.Context()
		if deadline, ok := ctx.Deadline(); ok {
			if timeout := time.Until(deadline); duration > timeout {
				serveError(w, http.StatusBadRequest, "profile duration exceeds server's WriteTimeout")
				return
			}
		}

		p, err := NewWallProfiler(append([]WallOption{WithDuration(duration)}, opts...)...)
		if err != nil {
			serveError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := p.Start(rt); err != nil {
			serveError(w, http.StatusInternalServerError, "could not enable profiling: "+err.Error())
			return
		}

		timer := time.NewTimer(duration)
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()

		prof, err := p.Stop(false, nil)
		if err != nil {
			serveError(w, http.StatusInternalServerError, err.Error())
			return
		}
		serveProfile(w, prof)
	})
}

// NewHandler exposes the heap profiler on a pprof-compatible endpoint. The
// ignore form value filters out subtrees by script-name substring.
func (h *HeapProfiler) NewHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prof, err := h.Profile(r.FormValue("ignore"), nil)
		if err != nil {
			serveError(w, http.StatusInternalServerError, err.Error())
			return
		}
		serveProfile(w, prof)
	})
}
