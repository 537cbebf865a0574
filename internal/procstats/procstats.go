// Package procstats samples CPU and memory usage of the running process for
// the status endpoint.
package procstats

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/procfs"
)

// DefaultSampleDuration is the CPU sampling window used when none is configured.
const DefaultSampleDuration = 100 * time.Millisecond

// Memory values are formatted as "NN.NN MB"; HeapUsagePercent as "NN.N%".
type Memory struct {
	RSS              string `json:"rss"`
	HeapTotal        string `json:"heapTotal"`
	HeapUsed         string `json:"heapUsed"`
	External         string `json:"external"`
	HeapUsagePercent string `json:"heapUsagePercent"`
}

// Metrics is one sample. CPUUsage is formatted as "NN.NN%".
type Metrics struct {
	CPUUsage string `json:"cpuUsage"`
	Memory   Memory `json:"memory"`
}

// cpuClock returns the process CPU time consumed so far.
type cpuClock func() (time.Duration, error)

// Sampler measures the process. It is safe for concurrent use.
type Sampler struct {
	sampleDuration time.Duration
	cpuTime        cpuClock
	rss            func() (uint64, error)
	readMemStats   func(*runtime.MemStats)
	now            func() time.Time
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithSampleDuration sets the window over which CPU usage is measured.
func WithSampleDuration(d time.Duration) Option {
	return func(s *Sampler) {
		s.sampleDuration = d
	}
}

// New returns a Sampler reading /proc/self. Where procfs is unavailable CPU
// usage is reported as zero and RSS falls back to the memory obtained by the runtime.
func New(opts ...Option) *Sampler {
	s := &Sampler{
		sampleDuration: DefaultSampleDuration,
		readMemStats:   runtime.ReadMemStats,
		now:            time.Now,
	}

	proc, err := procfs.Self()
	if err == nil {
		s.cpuTime = func() (time.Duration, error) {
			stat, err := proc.Stat()
			if err != nil {
				return 0, err
			}
			return time.Duration(stat.CPUTime() * float64(time.Second)), nil
		}
		s.rss = func() (uint64, error) {
			stat, err := proc.Stat()
			if err != nil {
				return 0, err
			}
			return uint64(stat.ResidentMemory()), nil
		}
	} else {
		s.cpuTime = func() (time.Duration, error) { return 0, nil }
		s.rss = func() (uint64, error) {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.Sys, nil
		}
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sample measures CPU usage over the sample window, then reads memory usage.
// It returns early with ctx's error if ctx is done during the window.
func (s *Sampler) Sample(ctx context.Context) (*Metrics, error) {
	startCPU, err := s.cpuTime()
	if err != nil {
		return nil, fmt.Errorf("read cpu time: %w", err)
	}
	start := s.now()

	if s.sampleDuration > 0 {
		timer := time.NewTimer(s.sampleDuration)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	endCPU, err := s.cpuTime()
	if err != nil {
		return nil, fmt.Errorf("read cpu time: %w", err)
	}
	elapsed := s.now().Sub(start)

	rss, err := s.rss()
	if err != nil {
		return nil, fmt.Errorf("read rss: %w", err)
	}

	var ms runtime.MemStats
	s.readMemStats(&ms)

	return &Metrics{
		CPUUsage: formatPercent(cpuPercent(endCPU-startCPU, elapsed), 2),
		Memory: Memory{
			RSS:              formatMB(rss),
			HeapTotal:        formatMB(ms.HeapSys),
			HeapUsed:         formatMB(ms.HeapAlloc),
			External:         formatMB(ms.Sys - ms.HeapSys),
			HeapUsagePercent: formatPercent(ratio(ms.HeapAlloc, ms.HeapSys)*100, 1),
		},
	}, nil
}

func cpuPercent(used, elapsed time.Duration) float64 {
	if elapsed <= 0 || used < 0 {
		return 0
	}
	return float64(used) / float64(elapsed) * 100
}

func ratio(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func formatMB(bytes uint64) string {
	return fmt.Sprintf("%.2f MB", float64(bytes)/1024/1024)
}

func formatPercent(v float64, decimals int) string {
	return fmt.Sprintf("%.*f%%", decimals, v)
}
