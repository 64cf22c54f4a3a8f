// Package limits enforces static resource limits on fusiond: a per-process
// CPU safety brake on new connections and a per-connection token bucket on
// control-frame throughput.
package limits

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"
)

// Admission enforces the CPU-reject-threshold emergency brake on new
// connections. Unlike a dynamic capacity manager, it never auto-tunes: the
// threshold is fixed configuration, and the decision is a single comparison
// against the last sampled value.
type Admission struct {
	logger    zerolog.Logger
	threshold float64
	proc      *process.Process

	currentCPU atomic.Value // float64
}

// NewAdmission builds an Admission guard that rejects new connections once
// process CPU usage exceeds threshold percent.
func NewAdmission(threshold float64, logger zerolog.Logger) *Admission {
	a := &Admission{logger: logger, threshold: threshold}
	a.currentCPU.Store(0.0)
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		a.proc = p
	}
	return a
}

// Run samples CPU usage on interval until stop is closed. Call it once in a
// background goroutine at startup.
func (a *Admission) Run(stop <-chan struct{}, interval time.Duration) {
	if a.proc == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pct, err := a.proc.CPUPercent()
			if err != nil {
				continue
			}
			a.currentCPU.Store(pct)
		}
	}
}

// AllowConnection reports whether a new connection should be accepted.
func (a *Admission) AllowConnection() bool {
	cpu := a.currentCPU.Load().(float64)
	if cpu > a.threshold {
		a.logger.Debug().Float64("cpu_percent", cpu).Float64("threshold", a.threshold).
			Msg("connection rejected: cpu over threshold")
		return false
	}
	if n := runtime.NumGoroutine(); n > maxGoroutines {
		a.logger.Debug().Int("goroutines", n).Msg("connection rejected: goroutine ceiling")
		return false
	}
	return true
}

const maxGoroutines = 200_000

// OpLimiter is a per-connection token bucket on control-frame throughput,
// protecting the core from a single misbehaving participant flooding it
// with operations.
type OpLimiter struct {
	limiter *rate.Limiter
}

// NewOpLimiter builds a token bucket allowing perSec sustained operations
// with a burst capacity of burst.
func NewOpLimiter(perSec, burst int) *OpLimiter {
	return &OpLimiter{limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow consumes one token if available.
func (l *OpLimiter) Allow() bool { return l.limiter.Allow() }
