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

// Package servo turns completed timestamp quadruples into clock corrections:
// smallest-delay selection, outlier rejection, FIR smoothing and a PID
// controller feeding the clock, with a configurable step-vs-slew policy.
package servo

import (
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opensync/ptpd/protocol"
)

// TimestampSet accumulates the four timestamps of one delay measurement
// round together with the correction fields that traveled with them.
type TimestampSet struct {
	T1 time.Time           // origin on master
	T2 time.Time           // ingress on slave
	T3 time.Time           // egress of the request on slave
	T4 time.Time           // receipt on master
	C1 protocol.Correction // correction accumulated on the master-to-slave path
	C2 protocol.Correction // correction accumulated on the slave-to-master path
}

// Complete reports whether all four timestamps are populated
func (s *TimestampSet) Complete() bool {
	return !s.T1.IsZero() && !s.T2.IsZero() && !s.T3.IsZero() && !s.T4.IsZero()
}

// Invalidate clears the set. Called on missing timestamps, clock step and
// master change.
func (s *TimestampSet) Invalidate() {
	*s = TimestampSet{}
}

// masterToSlaveNs is (t2 - t1) - c1 in fractional nanoseconds
func (s *TimestampSet) masterToSlaveNs() float64 {
	return float64(s.T2.Sub(s.T1).Nanoseconds()) - s.C1.Nanoseconds()
}

// slaveToMasterNs is (t4 - t3) - c2 in fractional nanoseconds
func (s *TimestampSet) slaveToMasterNs() float64 {
	return float64(s.T4.Sub(s.T3).Nanoseconds()) - s.C2.Nanoseconds()
}

// OffsetNs is the raw offset from master: ((t2-t1) - (t4-t3)) / 2
func (s *TimestampSet) OffsetNs() float64 {
	return (s.masterToSlaveNs() - s.slaveToMasterNs()) / 2
}

// PathDelayNs is the raw mean path delay: ((t2-t1) + (t4-t3)) / 2
func (s *TimestampSet) PathDelayNs() float64 {
	return (s.masterToSlaveNs() + s.slaveToMasterNs()) / 2
}

// StepPolicy decides when the clock may be stepped instead of slewed
type StepPolicy int

// Available step policies
const (
	// SlewOnly never steps, saturating the frequency adjustment instead
	SlewOnly StepPolicy = iota
	// SlewAndStep steps whenever the offset exceeds the step threshold
	SlewAndStep
	// StepAtStartup steps only on the first update
	StepAtStartup
	// StepOnFirstLock steps until the servo locks for the first time
	StepOnFirstLock
	// StepForward steps only when the clock is behind the master
	StepForward
	// NoAdjust observes without touching the clock
	NoAdjust
)

var stepPolicyToString = map[StepPolicy]string{
	SlewOnly:        "slew-only",
	SlewAndStep:     "slew-and-step",
	StepAtStartup:   "step-at-startup",
	StepOnFirstLock: "step-on-first-lock",
	StepForward:     "step-forward",
	NoAdjust:        "no-adjust",
}

func (p StepPolicy) String() string {
	return stepPolicyToString[p]
}

// ParseStepPolicy parses config file form of StepPolicy
func ParseStepPolicy(s string) (StepPolicy, error) {
	for k, v := range stepPolicyToString {
		if v == s {
			return k, nil
		}
	}
	return SlewOnly, fmt.Errorf("unknown clock control policy %q", s)
}

// Clock is what the servo needs from the clock being disciplined
type Clock interface {
	AdjFreqPPB(freqPPB float64) error
	Step(step time.Duration) error
}

// Action tells the caller what one update did
type Action int

// Update outcomes
const (
	// Adjusted means the frequency was adjusted through the PID
	Adjusted Action = iota
	// Saturated means the offset was over threshold but policy forbade the
	// step, frequency pinned at the maximum
	Saturated
	// Stepped means the clock was stepped
	Stepped
	// RejectedOutlier means the sample was discarded by the outlier filter
	RejectedOutlier
	// RejectedClustering means the clustering guard vetoed the update
	RejectedClustering
	// Observed means policy is no-adjust, nothing was touched
	Observed
)

// Result of one servo update
type Result struct {
	Action      Action
	OffsetNs    float64
	PathDelayNs float64
	FreqPPB     float64
}

// Config holds servo construction parameters
type Config struct {
	PID                 *PIDCfg
	Policy              StepPolicy
	StepThresholdNs     float64
	MaxFreqPPB          float64
	SavedCorrectionPPB  float64
	FIRSize             int
	OutlierSize         int
	PathDelayFilterSize int
	PathDelayAgeing     float64
	PathDelayTimeout    time.Duration
	// ClusteringGuard rejects offsets too far from sibling clocks. Nil
	// accepts everything.
	ClusteringGuard func(offsetNs float64) bool
}

// Servo disciplines one clock from timestamp sets
type Servo struct {
	cfg *Config
	clk Clock

	delayFilter *SmallestDelayFilter
	outlier     *PeirceFilter
	fir         *FIRFilter
	pid         *PIDController

	offsetNs float64
	mpdNs    float64

	firstUpdated bool
	locked       bool

	samples     uint64
	stepsTaken  uint64
	clusterVeto uint64
}

// New creates a servo for the given clock
func New(cfg *Config, clk Clock) *Servo {
	return &Servo{
		cfg:         cfg,
		clk:         clk,
		delayFilter: NewSmallestDelayFilter(cfg.PathDelayFilterSize, cfg.PathDelayAgeing, cfg.PathDelayTimeout),
		outlier:     NewPeirceFilter(cfg.OutlierSize),
		fir:         NewFIRFilter(cfg.FIRSize),
		pid:         NewPIDController(cfg.PID, cfg.MaxFreqPPB, cfg.SavedCorrectionPPB),
	}
}

// SyncInterval tells the servo the master's sync interval in seconds
func (s *Servo) SyncInterval(seconds float64) {
	s.pid.SyncInterval(seconds)
}

// OffsetNs returns the last recorded offset from master
func (s *Servo) OffsetNs() float64 { return s.offsetNs }

// MeanPathDelayNs returns the last recorded mean path delay
func (s *Servo) MeanPathDelayNs() float64 { return s.mpdNs }

// CorrectionPPB returns the accumulated frequency correction, what gets persisted
func (s *Servo) CorrectionPPB() float64 { return s.pid.Integral() }

// StepsTaken returns how many times the clock was stepped
func (s *Servo) StepsTaken() uint64 { return s.stepsTaken }

// Samples returns how many timestamp sets were fed in
func (s *Servo) Samples() uint64 { return s.samples }

// OutliersRejected returns the outlier filter's rejection count
func (s *Servo) OutliersRejected() uint64 { return s.outlier.Rejected() }

// FirstUpdated reports whether the servo has applied at least one update
func (s *Servo) FirstUpdated() bool { return s.firstUpdated }

func (s *Servo) mayStep(offsetNs float64) bool {
	switch s.cfg.Policy {
	case SlewAndStep:
		return true
	case StepAtStartup:
		return !s.firstUpdated
	case StepOnFirstLock:
		return !s.locked
	case StepForward:
		// offset is slave minus master: negative means we are behind
		return offsetNs < 0
	}
	return false
}

// Reset clears all filters and reseeds the PID with the saved correction.
// Called on master change.
func (s *Servo) Reset() {
	s.delayFilter.Reset()
	s.outlier.Reset()
	s.fir.Reset()
	s.pid.ResetTo(s.cfg.SavedCorrectionPPB)
	s.locked = false
}

// Update runs the servo workflow on one completed timestamp set
func (s *Servo) Update(set *TimestampSet, now time.Time) (*Result, error) {
	if !set.Complete() {
		return nil, fmt.Errorf("incomplete timestamp set")
	}
	s.samples++

	// the set with the smallest path delay in the window speaks for the path
	filtered := s.delayFilter.Update(*set, now)
	offset := filtered.OffsetNs()
	mpd := filtered.PathDelayNs()

	res := &Result{OffsetNs: offset, PathDelayNs: mpd}

	if s.outlier.Outlier(offset) {
		res.Action = RejectedOutlier
		log.Debugf("servo: offset %.1fns rejected as outlier", offset)
		return res, nil
	}

	offset = s.fir.Update(offset)
	res.OffsetNs = offset
	s.offsetNs = offset
	s.mpdNs = mpd

	if s.cfg.ClusteringGuard != nil && !s.cfg.ClusteringGuard(offset) {
		s.clusterVeto++
		res.Action = RejectedClustering
		return res, nil
	}

	if s.cfg.Policy == NoAdjust {
		res.Action = Observed
		return res, nil
	}

	if s.cfg.StepThresholdNs > 0 && math.Abs(offset) >= s.cfg.StepThresholdNs {
		if s.mayStep(offset) {
			step := time.Duration(-offset) * time.Nanosecond
			if err := s.clk.Step(step); err != nil {
				return res, fmt.Errorf("stepping clock: %w", err)
			}
			s.stepsTaken++
			s.firstUpdated = true
			// measurements that straddle a step are meaningless
			set.Invalidate()
			s.delayFilter.Reset()
			s.fir.Reset()
			s.pid.ResetTo(s.cfg.SavedCorrectionPPB)
			res.Action = Stepped
			log.Infof("servo: stepped clock by %s", step)
			return res, nil
		}
		freq := s.pid.Saturate(offset)
		if err := s.clk.AdjFreqPPB(-freq); err != nil {
			return res, fmt.Errorf("adjusting clock frequency: %w", err)
		}
		s.firstUpdated = true
		res.Action = Saturated
		res.FreqPPB = freq
		return res, nil
	}

	freq := s.pid.Sample(offset)
	if err := s.clk.AdjFreqPPB(-freq); err != nil {
		return res, fmt.Errorf("adjusting clock frequency: %w", err)
	}
	s.firstUpdated = true
	s.locked = true
	res.Action = Adjusted
	res.FreqPPB = freq
	return res, nil
}
