// Package jitter estimates network jitter from packet inter-arrival
// intervals and derives an adaptive release timeout for the reorder
// buffer: tight on a quiet network, relaxed when arrival timing gets
// noisy.
package jitter

import (
	"math"
	"time"
)

const (
	// DefaultWindowSize is the number of inter-arrival samples kept.
	DefaultWindowSize = 32

	// minSamples is how many intervals must be observed before the
	// estimator trusts its statistics over the base timeout.
	minSamples = 4

	// DefaultMultiplier scales the standard deviation added on top of
	// the base timeout.
	DefaultMultiplier = 1.5
)

// Config tunes an Estimator. Zero values fall back to defaults.
type Config struct {
	WindowSize  int           // rolling sample window, default 32
	Multiplier  float64       // stddev multiplier k, default 1.5
	BaseTimeout time.Duration // timeout floor contribution
	MinTimeout  time.Duration // clamp lower bound
	MaxTimeout  time.Duration // clamp upper bound
}

// Estimator keeps a rolling window of inter-arrival intervals and
// computes clamp(base + k*stddev, min, max) as the current timeout.
// It is not safe for concurrent use; the reorder buffer calls it under
// its own lock.
type Estimator struct {
	cfg Config

	samples []time.Duration
	next    int // ring write position

	lastArrival time.Time
	haveArrival bool

	mean   float64 // nanoseconds
	stddev float64 // nanoseconds
}

// NewEstimator creates an Estimator. BaseTimeout, MinTimeout and
// MaxTimeout must be positive with MinTimeout <= MaxTimeout; defaults
// cover WindowSize and Multiplier.
func NewEstimator(cfg Config) *Estimator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	return &Estimator{
		cfg:     cfg,
		samples: make([]time.Duration, 0, cfg.WindowSize),
	}
}

// Observe records a packet arrival at the given instant. The first
// call only anchors the clock; subsequent calls push the interval since
// the previous arrival into the rolling window.
func (e *Estimator) Observe(now time.Time) {
	if !e.haveArrival {
		e.haveArrival = true
		e.lastArrival = now
		return
	}

	interval := now.Sub(e.lastArrival)
	e.lastArrival = now
	if interval < 0 {
		return // clock went backwards, skip the sample
	}

	if len(e.samples) < e.cfg.WindowSize {
		e.samples = append(e.samples, interval)
	} else {
		e.samples[e.next] = interval
	}
	e.next = (e.next + 1) % e.cfg.WindowSize

	if len(e.samples) >= minSamples {
		e.recompute()
	}
}

// recompute refreshes mean and standard deviation over the window.
// The window is small (32 by default) so a full pass is cheaper than
// maintaining incremental moments that drift.
func (e *Estimator) recompute() {
	n := float64(len(e.samples))
	var sum float64
	for _, s := range e.samples {
		sum += float64(s)
	}
	mean := sum / n

	var sqDiff float64
	for _, s := range e.samples {
		d := float64(s) - mean
		sqDiff += d * d
	}

	e.mean = mean
	e.stddev = math.Sqrt(sqDiff / n)
}

// Timeout returns the current adaptive timeout. Before enough samples
// are present it returns the clamped base timeout.
func (e *Estimator) Timeout() time.Duration {
	timeout := e.cfg.BaseTimeout
	if len(e.samples) >= minSamples {
		timeout = e.cfg.BaseTimeout + time.Duration(e.cfg.Multiplier*e.stddev)
	}
	if timeout < e.cfg.MinTimeout {
		timeout = e.cfg.MinTimeout
	}
	if e.cfg.MaxTimeout > 0 && timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}
	return timeout
}

// Mean returns the current mean inter-arrival interval.
func (e *Estimator) Mean() time.Duration {
	return time.Duration(e.mean)
}

// StdDev returns the current inter-arrival standard deviation.
func (e *Estimator) StdDev() time.Duration {
	return time.Duration(e.stddev)
}

// SampleCount returns how many intervals are currently in the window.
func (e *Estimator) SampleCount() int {
	return len(e.samples)
}

// Reset discards all samples and the arrival anchor.
func (e *Estimator) Reset() {
	e.samples = e.samples[:0]
	e.next = 0
	e.haveArrival = false
	e.mean = 0
	e.stddev = 0
}
