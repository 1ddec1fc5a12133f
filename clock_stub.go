//go:build !linux

package vprof

const hasThreadCPUClock = false

func threadCPUNanos() int64 { return 0 }

func processCPUNanos() int64 { return 0 }
