// Package sysmetrics samples the recorder's own CPU and memory usage for
// periodic status lines.
package sysmetrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Usage is one sample.
type Usage struct {
	// CPUPercent covers the interval since the previous sample and can
	// exceed 100 on several cores.
	CPUPercent float64
	// Memory is HeapInuse plus StackInuse, in bytes.
	Memory uint64
}

// Sampler computes CPU usage as a delta between successive calls.
type Sampler struct {
	mu       sync.Mutex
	now      func() time.Time
	times    func() (user, sys time.Duration)
	lastWall time.Time
	lastCPU  time.Duration
	lastPct  float64
}

// NewSampler starts the first CPU interval at the time of the call.
func NewSampler() *Sampler {
	return newSampler(time.Now, rusageTimes)
}

func newSampler(now func() time.Time, times func() (time.Duration, time.Duration)) *Sampler {
	user, sys := times()
	return &Sampler{
		now:      now,
		times:    times,
		lastWall: now(),
		lastCPU:  user + sys,
	}
}

// Sample returns current usage and starts a new CPU interval.
func (s *Sampler) Sample() Usage {
	now := s.now()
	user, sys := s.times()
	cpu := user + sys

	s.mu.Lock()
	if wall := now.Sub(s.lastWall); wall > 0 {
		s.lastPct = float64(cpu-s.lastCPU) / float64(wall) * 100
		s.lastWall = now
		s.lastCPU = cpu
	}
	pct := s.lastPct
	s.mu.Unlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Usage{CPUPercent: pct, Memory: m.HeapInuse + m.StackInuse}
}

func rusageTimes() (user, sys time.Duration) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, 0
	}
	return time.Duration(ru.Utime.Nano()), time.Duration(ru.Stime.Nano())
}
