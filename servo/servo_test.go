/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package servo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	freqs []float64
	steps []time.Duration
}

func (c *fakeClock) AdjFreqPPB(f float64) error {
	c.freqs = append(c.freqs, f)
	return nil
}

func (c *fakeClock) Step(s time.Duration) error {
	c.steps = append(c.steps, s)
	return nil
}

func testConfig(policy StepPolicy, stepThresholdNs float64) *Config {
	return &Config{
		PID:                 DefaultPIDCfg(),
		Policy:              policy,
		StepThresholdNs:     stepThresholdNs,
		MaxFreqPPB:          500000,
		FIRSize:             1,
		OutlierSize:         10,
		PathDelayFilterSize: 8,
		PathDelayAgeing:     1.0,
	}
}

// setWithOffset builds a timestamp set with the given offset and path delay
func setWithOffset(base time.Time, offset, delay time.Duration) TimestampSet {
	// t2-t1 = offset + delay, t4-t3 = delay - offset
	return TimestampSet{
		T1: base,
		T2: base.Add(offset + delay),
		T3: base.Add(time.Millisecond),
		T4: base.Add(time.Millisecond + delay - offset),
	}
}

func TestTimestampSetArithmetic(t *testing.T) {
	base := time.Now()
	s := setWithOffset(base, 250*time.Millisecond, 10*time.Millisecond)
	require.True(t, s.Complete())
	assert.InDelta(t, 250e6, s.OffsetNs(), 1)
	assert.InDelta(t, 10e6, s.PathDelayNs(), 1)

	s.Invalidate()
	assert.False(t, s.Complete())
}

func TestTimestampSetCorrections(t *testing.T) {
	base := time.Now()
	s := setWithOffset(base, 0, 10*time.Millisecond)
	// 1ms of residence time reported on the master-to-slave path
	s.C1 = 65536 * 1000000
	assert.InDelta(t, -500000, s.OffsetNs(), 1)
	assert.InDelta(t, 9.5e6, s.PathDelayNs(), 1)
}

func TestServoIncompleteSetRejected(t *testing.T) {
	clk := &fakeClock{}
	s := New(testConfig(SlewAndStep, 0), clk)
	_, err := s.Update(&TimestampSet{T1: time.Now()}, time.Now())
	require.Error(t, err)
}

func TestServoZeroOffsetIdempotent(t *testing.T) {
	clk := &fakeClock{}
	s := New(testConfig(SlewAndStep, float64(time.Second)), clk)
	base := time.Now()
	set := setWithOffset(base, 0, 10*time.Millisecond)

	res, err := s.Update(&set, base)
	require.NoError(t, err)
	assert.Equal(t, Adjusted, res.Action)
	assert.InDelta(t, 0, res.FreqPPB, 0.001)
	assert.Equal(t, uint64(0), s.StepsTaken())
	assert.Equal(t, uint64(0), s.OutliersRejected())
	assert.Equal(t, uint64(1), s.Samples())
	require.Len(t, clk.freqs, 1)
	assert.InDelta(t, 0, clk.freqs[0], 0.001)
	assert.Empty(t, clk.steps)
}

// offset +250ms with 1s threshold: no step, frequency pinned at max
func TestServoSlewBelowThreshold(t *testing.T) {
	clk := &fakeClock{}
	cfg := testConfig(SlewAndStep, float64(time.Second))
	s := New(cfg, clk)
	base := time.Now()
	set := setWithOffset(base, 250*time.Millisecond, 10*time.Millisecond)

	res, err := s.Update(&set, base)
	require.NoError(t, err)
	assert.Equal(t, Adjusted, res.Action)
	// PID on a 250ms offset clamps at max frequency adjustment
	assert.InDelta(t, cfg.MaxFreqPPB, res.FreqPPB, 0.001)
	require.Len(t, clk.freqs, 1)
	assert.InDelta(t, -cfg.MaxFreqPPB, clk.freqs[0], 0.001)
	assert.Empty(t, clk.steps)
}

// offset +2s with step-at-startup: first update steps, second slews
func TestServoStepAtStartupOnlyOnce(t *testing.T) {
	clk := &fakeClock{}
	cfg := testConfig(StepAtStartup, float64(time.Second))
	s := New(cfg, clk)
	base := time.Now()

	set := setWithOffset(base, 2*time.Second, 10*time.Millisecond)
	res, err := s.Update(&set, base)
	require.NoError(t, err)
	assert.Equal(t, Stepped, res.Action)
	assert.True(t, s.FirstUpdated())
	assert.Equal(t, uint64(1), s.StepsTaken())
	require.Len(t, clk.steps, 1)
	assert.InDelta(t, float64(-2*time.Second), float64(clk.steps[0]), float64(time.Millisecond))
	// the set that was stepped over is dead
	assert.False(t, set.Complete())

	set2 := setWithOffset(base.Add(time.Second), 2*time.Second, 10*time.Millisecond)
	res, err = s.Update(&set2, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, Saturated, res.Action)
	assert.Equal(t, uint64(1), s.StepsTaken())
	require.Len(t, clk.freqs, 1)
	assert.InDelta(t, -cfg.MaxFreqPPB, clk.freqs[0], 0.001)
}

func TestServoSlewOnlyNeverSteps(t *testing.T) {
	clk := &fakeClock{}
	s := New(testConfig(SlewOnly, float64(time.Second)), clk)
	base := time.Now()
	set := setWithOffset(base, 5*time.Second, 10*time.Millisecond)

	res, err := s.Update(&set, base)
	require.NoError(t, err)
	assert.Equal(t, Saturated, res.Action)
	assert.Empty(t, clk.steps)
}

func TestServoStepForward(t *testing.T) {
	clk := &fakeClock{}
	cfg := testConfig(StepForward, float64(time.Second))
	cfg.PathDelayFilterSize = 1
	s := New(cfg, clk)
	base := time.Now()

	// slave ahead of master: positive offset, no step allowed
	ahead := setWithOffset(base, 2*time.Second, 10*time.Millisecond)
	res, err := s.Update(&ahead, base)
	require.NoError(t, err)
	assert.Equal(t, Saturated, res.Action)

	// slave behind master: step forward allowed
	behind := setWithOffset(base.Add(time.Second), -2*time.Second, 10*time.Millisecond)
	res, err = s.Update(&behind, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, Stepped, res.Action)
	require.Len(t, clk.steps, 1)
	assert.Positive(t, int64(clk.steps[0]))
}

func TestServoNoAdjust(t *testing.T) {
	clk := &fakeClock{}
	s := New(testConfig(NoAdjust, float64(time.Second)), clk)
	base := time.Now()
	set := setWithOffset(base, 2*time.Second, 10*time.Millisecond)

	res, err := s.Update(&set, base)
	require.NoError(t, err)
	assert.Equal(t, Observed, res.Action)
	assert.Empty(t, clk.freqs)
	assert.Empty(t, clk.steps)
	// offsets are still recorded for reporting
	assert.InDelta(t, 2e9, s.OffsetNs(), 1e6)
}

// emitted adjustment never exceeds the clamp, no matter the offset
func TestServoPIDClamping(t *testing.T) {
	clk := &fakeClock{}
	cfg := testConfig(SlewAndStep, 0) // no step threshold, PID always runs
	cfg.PathDelayFilterSize = 1
	s := New(cfg, clk)
	base := time.Now()

	offsets := []time.Duration{time.Microsecond, time.Second, 100 * time.Second, -100 * time.Second}
	for i, off := range offsets {
		set := setWithOffset(base.Add(time.Duration(i)*time.Second), off, 10*time.Millisecond)
		res, err := s.Update(&set, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.LessOrEqual(t, res.FreqPPB, cfg.MaxFreqPPB)
		assert.GreaterOrEqual(t, res.FreqPPB, -cfg.MaxFreqPPB)
	}
	for _, f := range clk.freqs {
		assert.LessOrEqual(t, f, cfg.MaxFreqPPB)
		assert.GreaterOrEqual(t, f, -cfg.MaxFreqPPB)
	}
}

func TestServoOutlierRejected(t *testing.T) {
	clk := &fakeClock{}
	cfg := testConfig(SlewAndStep, 0)
	cfg.PathDelayFilterSize = 1 // isolate the outlier filter
	s := New(cfg, clk)
	base := time.Now()

	// build a stable population around 100µs with a little noise
	noise := []time.Duration{5, -3, 8, 0, -6, 2, 9, -8, 3, -1, 7, -4, 1, -9, 4, -2, 6, -7, 0, 5}
	for i, n := range noise {
		off := 100*time.Microsecond + n*10*time.Nanosecond
		set := setWithOffset(base.Add(time.Duration(i)*time.Second), off, 10*time.Millisecond)
		_, err := s.Update(&set, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	adjustments := len(clk.freqs)
	rejectedBefore := s.OutliersRejected()

	// a wild sample gets rejected and doesn't reach the clock
	wild := setWithOffset(base.Add(time.Minute), 90*time.Millisecond, 10*time.Millisecond)
	res, err := s.Update(&wild, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, RejectedOutlier, res.Action)
	assert.Equal(t, rejectedBefore+1, s.OutliersRejected())
	assert.Len(t, clk.freqs, adjustments)
}

func TestServoClusteringGuard(t *testing.T) {
	clk := &fakeClock{}
	cfg := testConfig(SlewAndStep, 0)
	cfg.ClusteringGuard = func(offsetNs float64) bool { return false }
	s := New(cfg, clk)
	base := time.Now()
	set := setWithOffset(base, time.Millisecond, 10*time.Millisecond)

	res, err := s.Update(&set, base)
	require.NoError(t, err)
	assert.Equal(t, RejectedClustering, res.Action)
	assert.Empty(t, clk.freqs)
}

func TestServoSmallestDelayWins(t *testing.T) {
	f := NewSmallestDelayFilter(4, 1.0, 0)
	base := time.Now()
	quiet := setWithOffset(base, time.Millisecond, 5*time.Millisecond)
	best := f.Update(quiet, base)
	assert.InDelta(t, 5e6, best.PathDelayNs(), 1)

	// congested samples don't displace the quiet one
	for i := 1; i <= 3; i++ {
		congested := setWithOffset(base.Add(time.Duration(i)*time.Second), time.Millisecond, 50*time.Millisecond)
		best = f.Update(congested, base.Add(time.Duration(i)*time.Second))
	}
	assert.InDelta(t, 5e6, best.PathDelayNs(), 1)
}

func TestSmallestDelayFilterTimeout(t *testing.T) {
	f := NewSmallestDelayFilter(8, 1.0, 10*time.Second)
	base := time.Now()
	quiet := setWithOffset(base, time.Millisecond, 5*time.Millisecond)
	f.Update(quiet, base)

	// the quiet sample ages out, a later congested one takes over
	congested := setWithOffset(base.Add(time.Minute), time.Millisecond, 50*time.Millisecond)
	best := f.Update(congested, base.Add(time.Minute))
	assert.InDelta(t, 50e6, best.PathDelayNs(), 1)
}

func TestFIRFilterSmoothing(t *testing.T) {
	f := NewFIRFilter(4)
	assert.InDelta(t, 10, f.Update(10), 0.001)
	assert.InDelta(t, 15, f.Update(20), 0.001)
	assert.InDelta(t, 20, f.Update(30), 0.001)
	assert.InDelta(t, 25, f.Update(40), 0.001)
	// window full, oldest drops out
	assert.InDelta(t, 35, f.Update(50), 0.001)
}

func TestPeirceFilterNeedsPopulation(t *testing.T) {
	f := NewPeirceFilter(10)
	// too few samples to judge
	assert.False(t, f.Outlier(100))
	assert.False(t, f.Outlier(1e9))
	assert.False(t, f.Outlier(102))
}

func TestPIDControllerIntegralBounded(t *testing.T) {
	c := NewPIDController(DefaultPIDCfg(), 1000, 0)
	for i := 0; i < 1000; i++ {
		c.Sample(1e9)
	}
	assert.LessOrEqual(t, c.Integral(), 1000.0)
	assert.GreaterOrEqual(t, c.Integral(), -1000.0)
}

func TestPIDControllerSeededWithSavedCorrection(t *testing.T) {
	c := NewPIDController(DefaultPIDCfg(), 500000, 1234)
	assert.InDelta(t, 1234, c.Integral(), 0.001)
	out := c.Sample(0)
	assert.InDelta(t, 1234, out, 0.001)
}

func TestParseStepPolicy(t *testing.T) {
	p, err := ParseStepPolicy("step-at-startup")
	require.NoError(t, err)
	assert.Equal(t, StepAtStartup, p)
	_, err = ParseStepPolicy("yolo")
	require.Error(t, err)
}
