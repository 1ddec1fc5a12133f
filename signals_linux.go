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

//go:build linux

package vprof

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// contextsSupported reports whether the platform can deliver the profiling
// signal the context machinery depends on.
const contextsSupported = true

// sigprofSource arms ITIMER_PROF so the kernel delivers SIGPROF at the
// sampling interval, and forwards each delivery to the dispatcher on a
// dedicated goroutine. The Go runtime already handles the low-level signal
// frame; what remains of the async-signal-safety contract is that the
// dispatch path itself stays allocation- and lock-free.
type sigprofSource struct {
	ch   chan os.Signal
	done chan struct{}
}

func newTickSource() tickSource {
	return &sigprofSource{
		ch:   make(chan os.Signal, 128),
		done: make(chan struct{}),
	}
}

func (s *sigprofSource) install(interval time.Duration, deliver func()) error {
	signal.Notify(s.ch, syscall.SIGPROF)
	if err := s.rearm(interval); err != nil {
		signal.Stop(s.ch)
		return err
	}
	go func() {
		for {
			select {
			case <-s.ch:
				deliver()
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

func (s *sigprofSource) rearm(interval time.Duration) error {
	tv := unix.NsecToTimeval(interval.Nanoseconds())
	it := unix.Itimerval{Interval: tv, Value: tv}
	_, err := unix.Setitimer(unix.ITIMER_PROF, it)
	return err
}

func (s *sigprofSource) uninstall() {
	_, _ = unix.Setitimer(unix.ITIMER_PROF, unix.Itimerval{})
	signal.Stop(s.ch)
	close(s.done)
}
