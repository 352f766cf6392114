package resource

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Sampler periodically feeds live fd/memory readings into a Monitor: a
// background goroutine started by Start and stopped by Stop, with an
// immediate first sample before the ticker begins.
type Sampler struct {
	monitor  *Monitor
	logger   zerolog.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates a Sampler driving monitor at the given interval
// (minimum 1 second).
func NewSampler(monitor *Monitor, logger zerolog.Logger, interval time.Duration) *Sampler {
	if interval < time.Second {
		interval = time.Second
	}
	return &Sampler{
		monitor:  monitor,
		logger:   logger.With().Str("component", "resource_sampler").Logger(),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the background sampling loop.
func (s *Sampler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sampler) loop(ctx context.Context) {
	defer close(s.done)

	s.sample()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	if fds, err := countOpenFDs(); err == nil {
		s.monitor.UpdateFDCount(uint64(fds))
	} else {
		s.logger.Debug().Err(err).Msg("failed to sample fd count")
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.monitor.UpdateMemoryUsage(ms.Sys)
}

// countOpenFDs counts entries under /proc/self/fd. On platforms
// without /proc (e.g. non-Linux dev machines) it returns an error and
// the sampler simply skips that tick's fd reading.
func countOpenFDs() (int, error) {
	entries, err := os.ReadDir(filepath.Join("/proc", "self", "fd"))
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// ULimitFDs attempts to read the soft limit on open file descriptors
// from /proc/self/limits, falling back to fallback if unavailable.
func ULimitFDs(fallback uint64) uint64 {
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		return fallback
	}
	const marker = "Max open files"
	idx := strings.Index(string(data), marker)
	if idx < 0 {
		return fallback
	}
	fields := strings.Fields(string(data)[idx+len(marker):])
	if len(fields) == 0 {
		return fallback
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
