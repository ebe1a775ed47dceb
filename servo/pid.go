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
	"math"
)

// Default PID gains
const (
	DefaultKp = 0.7
	DefaultKi = 0.3
	DefaultKd = 0.0
)

// PIDCfg is the controller configuration
type PIDCfg struct {
	Kp float64
	Ki float64
	Kd float64
}

// DefaultPIDCfg creates the default controller configuration
func DefaultPIDCfg() *PIDCfg {
	return &PIDCfg{Kp: DefaultKp, Ki: DefaultKi, Kd: DefaultKd}
}

// PIDController computes the frequency adjustment from the offset stream:
// saved correction plus proportional, integral and derivative terms. The
// integrator is bounded by the clock's maximum frequency adjustment, the
// output too.
type PIDController struct {
	cfg     *PIDCfg
	maxFreq float64

	integral   float64
	lastOffset float64
	haveLast   bool

	// period is the sampling period in seconds, 2^logSyncInterval
	period float64
}

// NewPIDController creates a controller. savedCorrection seeds the
// integrator so a restart resumes from the persisted frequency.
func NewPIDController(cfg *PIDCfg, maxFreqPPB, savedCorrection float64) *PIDController {
	if cfg == nil {
		cfg = DefaultPIDCfg()
	}
	c := &PIDController{
		cfg:     cfg,
		maxFreq: maxFreqPPB,
		period:  1.0,
	}
	c.ResetTo(savedCorrection)
	return c
}

// SyncInterval informs the controller of the master's sync interval in seconds
func (c *PIDController) SyncInterval(seconds float64) {
	if seconds > 0 {
		c.period = seconds
	}
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// Sample feeds one offset (in nanoseconds) and returns the frequency
// adjustment in PPB, never exceeding the maximum the clock supports.
func (c *PIDController) Sample(offsetNs float64) float64 {
	kiTerm := c.cfg.Ki * offsetNs * c.period
	c.integral = clamp(c.integral+kiTerm, c.maxFreq)

	derivative := 0.0
	if c.haveLast && c.cfg.Kd != 0 && c.period > 0 {
		derivative = c.cfg.Kd * (offsetNs - c.lastOffset) / c.period
	}
	c.lastOffset = offsetNs
	c.haveLast = true

	out := c.cfg.Kp*offsetNs + c.integral + derivative
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return clamp(c.integral, c.maxFreq)
	}
	return clamp(out, c.maxFreq)
}

// Saturate returns the largest adjustment in the direction that reduces the
// given offset, used to slew when stepping is not allowed.
func (c *PIDController) Saturate(offsetNs float64) float64 {
	if offsetNs < 0 {
		return -c.maxFreq
	}
	return c.maxFreq
}

// ResetTo resets the controller state, seeding the integrator with the
// given correction. Called after a clock step.
func (c *PIDController) ResetTo(correction float64) {
	c.integral = clamp(correction, c.maxFreq)
	c.lastOffset = 0
	c.haveLast = false
}

// Integral exposes the accumulated correction, what gets persisted
func (c *PIDController) Integral() float64 {
	return c.integral
}

// MaxFreq returns the configured clamp
func (c *PIDController) MaxFreq() float64 {
	return c.maxFreq
}
