package jitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	return Config{
		BaseTimeout: 50 * time.Millisecond,
		MinTimeout:  20 * time.Millisecond,
		MaxTimeout:  500 * time.Millisecond,
	}
}

// observeIntervals feeds a synthetic arrival train with the given gaps.
func observeIntervals(e *Estimator, intervals ...time.Duration) {
	now := time.Unix(1000, 0)
	e.Observe(now)
	for _, iv := range intervals {
		now = now.Add(iv)
		e.Observe(now)
	}
}

func TestTimeoutBeforeEnoughSamples(t *testing.T) {
	e := NewEstimator(testConfig())

	assert.Equal(t, 50*time.Millisecond, e.Timeout())

	// Three intervals is still below the minimum sample count.
	observeIntervals(e, 16*time.Millisecond, 16*time.Millisecond, 16*time.Millisecond)
	assert.Equal(t, 3, e.SampleCount())
	assert.Equal(t, 50*time.Millisecond, e.Timeout())
}

func TestSteadyArrivalsKeepTimeoutAtBase(t *testing.T) {
	e := NewEstimator(testConfig())

	intervals := make([]time.Duration, 16)
	for i := range intervals {
		intervals[i] = 16 * time.Millisecond
	}
	observeIntervals(e, intervals...)

	// Zero variance: timeout collapses to the base.
	assert.Equal(t, time.Duration(0), e.StdDev())
	assert.Equal(t, 16*time.Millisecond, e.Mean())
	assert.Equal(t, 50*time.Millisecond, e.Timeout())
}

func TestJitteryArrivalsRaiseTimeout(t *testing.T) {
	e := NewEstimator(testConfig())

	observeIntervals(e,
		5*time.Millisecond, 60*time.Millisecond,
		5*time.Millisecond, 60*time.Millisecond,
		5*time.Millisecond, 60*time.Millisecond,
	)

	assert.Greater(t, e.Timeout(), 50*time.Millisecond,
		"high variance must relax the timeout above base")
}

func TestTimeoutClampedToMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTimeout = 60 * time.Millisecond
	e := NewEstimator(cfg)

	observeIntervals(e,
		1*time.Millisecond, 400*time.Millisecond,
		1*time.Millisecond, 400*time.Millisecond,
	)

	assert.Equal(t, 60*time.Millisecond, e.Timeout())
}

func TestTimeoutClampedToMin(t *testing.T) {
	cfg := testConfig()
	cfg.BaseTimeout = 5 * time.Millisecond
	e := NewEstimator(cfg)

	assert.Equal(t, cfg.MinTimeout, e.Timeout())
}

func TestWindowIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 8
	e := NewEstimator(cfg)

	intervals := make([]time.Duration, 50)
	for i := range intervals {
		intervals[i] = 10 * time.Millisecond
	}
	observeIntervals(e, intervals...)

	assert.Equal(t, 8, e.SampleCount())
}

func TestOldSamplesAgeOut(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 4
	e := NewEstimator(cfg)

	// A noisy burst followed by enough steady intervals to evict it.
	observeIntervals(e,
		1*time.Millisecond, 200*time.Millisecond,
		20*time.Millisecond, 20*time.Millisecond,
		20*time.Millisecond, 20*time.Millisecond,
	)

	assert.Equal(t, time.Duration(0), e.StdDev())
	assert.Equal(t, 50*time.Millisecond, e.Timeout())
}

func TestBackwardsClockSampleSkipped(t *testing.T) {
	e := NewEstimator(testConfig())

	now := time.Unix(1000, 0)
	e.Observe(now)
	e.Observe(now.Add(-time.Second))
	assert.Equal(t, 0, e.SampleCount())
}

func TestReset(t *testing.T) {
	e := NewEstimator(testConfig())

	observeIntervals(e, 5*time.Millisecond, 90*time.Millisecond,
		5*time.Millisecond, 90*time.Millisecond)
	assert.NotEqual(t, time.Duration(0), e.StdDev())

	e.Reset()
	assert.Equal(t, 0, e.SampleCount())
	assert.Equal(t, time.Duration(0), e.StdDev())
	assert.Equal(t, 50*time.Millisecond, e.Timeout())
}
