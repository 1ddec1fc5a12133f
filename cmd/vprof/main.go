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

// Command vprof runs the profiling engines against the simulated runtime.
// It exists to demo and exercise the library without embedding a real
// JavaScript runtime: a scripted workload alternates stacks and contexts
// while the wall and heap engines observe it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/stealthrocket/vprof"
	"github.com/stealthrocket/vprof/internal/simruntime"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type program struct {
	wallProfile string
	heapProfile string
	pprofAddr   string
	interval    time.Duration
	duration    time.Duration
	contexts    bool
	cpuTime     bool
	verbose     bool
}

func run(ctx context.Context) error {
	prog := &program{}
	pflag.StringVar(&prog.wallProfile, "wall-profile", "wall.pb.gz", "path of the wall profile to write, empty to skip")
	pflag.StringVar(&prog.heapProfile, "heap-profile", "heap.pb.gz", "path of the heap profile to write, empty to skip")
	pflag.StringVar(&prog.pprofAddr, "pprof-addr", "", "address to serve pprof endpoints on")
	pflag.DurationVar(&prog.interval, "interval", 10*time.Millisecond, "sampling interval")
	pflag.DurationVar(&prog.duration, "duration", 3*time.Second, "workload duration")
	pflag.BoolVar(&prog.contexts, "contexts", true, "collect execution contexts")
	pflag.BoolVar(&prog.cpuTime, "cpu", false, "collect per-sample cpu time (implies --contexts)")
	pflag.BoolVar(&prog.verbose, "v", false, "verbose logging")
	pflag.Parse()

	logger := zerolog.Nop()
	if prog.verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	rt := simruntime.New()

	wall, err := vprof.NewWallProfiler(
		vprof.WithSamplingInterval(prog.interval),
		vprof.WithDuration(prog.duration),
		vprof.WithContexts(prog.contexts || prog.cpuTime),
		vprof.WithCPUTime(prog.cpuTime),
		vprof.WithMainThread(true),
		vprof.Logger(logger),
	)
	if err != nil {
		return err
	}

	heap := vprof.NewHeapProfiler(rt, vprof.HeapLogger(logger))
	if err := heap.Start(512*1024, 64); err != nil {
		return err
	}

	if prog.pprofAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/pprof/profile", vprof.NewWallHandler(rt,
			vprof.WithSamplingInterval(prog.interval),
			vprof.WithContexts(prog.contexts),
		))
		mux.Handle("/debug/pprof/heap", heap.NewHandler())
		go func() {
			if err := http.ListenAndServe(prog.pprofAddr, mux); err != nil {
				logger.Error().Err(err).Msg("pprof server stopped")
			}
		}()
	}

	if err := wall.Start(rt); err != nil {
		return err
	}

	workload(ctx, rt, wall, prog.duration)

	prof, err := wall.Stop(false, nil)
	if err != nil {
		return err
	}
	if level := wall.StuckLevel(); level != 0 {
		fmt.Fprintf(os.Stderr, "warning: event processor stuck level %d\n", level)
	}

	if prog.wallProfile != "" {
		if err := vprof.WriteProfile(prog.wallProfile, prof); err != nil {
			return err
		}
	}
	if prog.heapProfile != "" {
		hp, err := heap.Profile("", nil)
		if err != nil {
			return err
		}
		if err := vprof.WriteProfile(prog.heapProfile, hp); err != nil {
			return err
		}
	}
	return heap.Stop()
}

// workload plays a little scripted program: two request handlers running in
// alternation, each with its own context label and allocation pattern.
func workload(ctx context.Context, rt *simruntime.Runtime, wall *vprof.WallProfiler, duration time.Duration) {
	render := []simruntime.Frame{
		{Name: "main", ScriptName: "file:///app/index.js", ScriptID: 1, Line: 3},
		{Name: "render", ScriptName: "file:///app/render.js", ScriptID: 2, Line: 41},
	}
	fetch := []simruntime.Frame{
		{Name: "main", ScriptName: "file:///app/index.js", ScriptID: 1, Line: 3},
		{Name: "fetchData", ScriptName: "file:///app/api.js", ScriptID: 3, Line: 12},
		{Name: "parseBody", ScriptName: "file:///app/api.js", ScriptID: 3, Line: 57},
	}

	deadline := time.Now().Add(duration)
	for i := 0; time.Now().Before(deadline); i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if i%2 == 0 {
			wall.SetContext(map[string]any{"handler": "render"})
			rt.SetStack(render)
			rt.RecordAllocation(render, 4096, 2)
		} else {
			wall.SetContext(map[string]any{"handler": "fetch"})
			rt.SetStack(fetch)
			rt.RecordAllocation(fetch, 16384, 1)
		}
		rt.SetAsyncID(int64(i))
		spin(time.Millisecond)
		rt.RunInterrupts()
	}
}

// spin burns CPU so the profiling timer, which counts CPU time, keeps
// firing.
func spin(d time.Duration) {
	end := time.Now().Add(d)
	for time.Now().Before(end) {
	}
}
