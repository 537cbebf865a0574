package procstats

import (
	"context"
	"regexp"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	percentPattern = regexp.MustCompile(`^\d+(\.\d+)?%$`)
	mbPattern      = regexp.MustCompile(`^\d+\.\d{2} MB$`)
)

func TestSample(t *testing.T) {
	t.Run("formats_every_field", func(t *testing.T) {
		s := New(WithSampleDuration(10 * time.Millisecond))

		m, err := s.Sample(context.Background())
		require.NoError(t, err)

		require.Regexp(t, percentPattern, m.CPUUsage)
		require.Regexp(t, percentPattern, m.Memory.HeapUsagePercent)
		for _, v := range []string{m.Memory.RSS, m.Memory.HeapTotal, m.Memory.HeapUsed, m.Memory.External} {
			require.Regexp(t, mbPattern, v)
		}
	})

	t.Run("computes_values_from_the_clocks", func(t *testing.T) {
		cpu := []time.Duration{time.Second, time.Second + 50*time.Millisecond}
		wall := []time.Time{time.Unix(0, 0), time.Unix(0, int64(100*time.Millisecond))}

		s := &Sampler{
			cpuTime: func() (time.Duration, error) {
				v := cpu[0]
				cpu = cpu[1:]
				return v, nil
			},
			rss: func() (uint64, error) { return 3 * 1024 * 1024, nil },
			readMemStats: func(ms *runtime.MemStats) {
				ms.HeapSys = 8 * 1024 * 1024
				ms.HeapAlloc = 2 * 1024 * 1024
				ms.Sys = 10 * 1024 * 1024
			},
			now: func() time.Time {
				v := wall[0]
				wall = wall[1:]
				return v
			},
		}

		m, err := s.Sample(context.Background())
		require.NoError(t, err)

		require.Equal(t, &Metrics{
			CPUUsage: "50.00%",
			Memory: Memory{
				RSS:              "3.00 MB",
				HeapTotal:        "8.00 MB",
				HeapUsed:         "2.00 MB",
				External:         "2.00 MB",
				HeapUsagePercent: "25.0%",
			},
		}, m)
	})

	t.Run("cancelled_during_window", func(t *testing.T) {
		s := New(WithSampleDuration(time.Minute))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Sample(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}
