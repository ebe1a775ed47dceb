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

package port

import (
	"math/rand"
	"time"
)

// TimerID names one interval timer of the port
type TimerID int

// The port's timer bank
const (
	TimerAnnounceInterval TimerID = iota
	TimerSyncInterval
	TimerDelayReqInterval
	TimerPDelayReqInterval
	TimerAnnounceReceiptTimeout
	TimerQualification
	TimerForeignMaster
	TimerLeapSecond
	numTimers
)

var timerIDToString = map[TimerID]string{
	TimerAnnounceInterval:       "ANNOUNCE_INTERVAL",
	TimerSyncInterval:           "SYNC_INTERVAL",
	TimerDelayReqInterval:       "DELAYREQ_INTERVAL",
	TimerPDelayReqInterval:      "PDELAYREQ_INTERVAL",
	TimerAnnounceReceiptTimeout: "ANNOUNCE_RECEIPT_TIMEOUT",
	TimerQualification:          "QUALIFICATION_TIMEOUT",
	TimerForeignMaster:          "FOREIGN_MASTER_TIMEOUT",
	TimerLeapSecond:             "LEAP_SECOND",
}

func (id TimerID) String() string {
	return timerIDToString[id]
}

type timer struct {
	running   bool
	remaining time.Duration
	expired   bool
}

// TimerBank is the port's set of interval timers. There are no per-timer
// signals: the event loop delivers elapsed time through Tick and handlers
// poll Expired, which latches and reports each expiry exactly once.
type TimerBank struct {
	timers [numTimers]timer
	// replaceable for deterministic tests
	rand func() float64
}

// NewTimerBank creates a bank with all timers stopped
func NewTimerBank() *TimerBank {
	return &TimerBank{rand: rand.Float64}
}

// Start arms the timer to fire after interval
func (b *TimerBank) Start(id TimerID, interval time.Duration) {
	b.timers[id] = timer{running: true, remaining: interval}
}

// StartRandom arms the timer to fire after a uniformly random duration in
// [0, 2*interval]. Randomising the DelayReq schedule keeps a population of
// slaves from hitting the master in lockstep.
func (b *TimerBank) StartRandom(id TimerID, interval time.Duration) {
	d := time.Duration(b.rand() * 2 * float64(interval))
	b.timers[id] = timer{running: true, remaining: d}
}

// Stop disarms the timer and clears any pending expiry. Idempotent.
func (b *TimerBank) Stop(id TimerID) {
	b.timers[id] = timer{}
}

// StopAll disarms every timer
func (b *TimerBank) StopAll() {
	for id := TimerID(0); id < numTimers; id++ {
		b.timers[id] = timer{}
	}
}

// Running reports whether the timer is armed
func (b *TimerBank) Running(id TimerID) bool {
	return b.timers[id].running
}

// Expired reports whether the timer fired, exactly once per expiry
func (b *TimerBank) Expired(id TimerID) bool {
	t := &b.timers[id]
	if t.expired {
		t.expired = false
		return true
	}
	return false
}

// Tick advances all running timers by delta
func (b *TimerBank) Tick(delta time.Duration) {
	for id := TimerID(0); id < numTimers; id++ {
		t := &b.timers[id]
		if !t.running {
			continue
		}
		t.remaining -= delta
		if t.remaining <= 0 {
			t.running = false
			t.expired = true
		}
	}
}
