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
	"strings"

	log "github.com/sirupsen/logrus"
)

// Alarm is one latching per-port condition
type Alarm uint16

// Port alarms. Each is a latching bit: raised when its predicate holds,
// cleared when it recovers.
const (
	AlarmNoMaster Alarm = 1 << iota
	AlarmNoTxTimestamps
	AlarmNoRxTimestamps
	AlarmNoFollowUps
	AlarmNoDelayResps
	AlarmCapsMismatch
	AlarmClockCtrlFailure
	AlarmClusteringThresholdExceeded
)

var alarmToString = map[Alarm]string{
	AlarmNoMaster:                    "NO_MASTER",
	AlarmNoTxTimestamps:              "NO_TX_TIMESTAMPS",
	AlarmNoRxTimestamps:              "NO_RX_TIMESTAMPS",
	AlarmNoFollowUps:                 "NO_FOLLOWUPS",
	AlarmNoDelayResps:                "NO_DELAY_RESPS",
	AlarmCapsMismatch:                "CAPS_MISMATCH",
	AlarmClockCtrlFailure:            "CLOCK_CTRL_FAILURE",
	AlarmClusteringThresholdExceeded: "CLUSTERING_THRESHOLD_EXCEEDED",
}

func (a Alarm) String() string {
	if s, ok := alarmToString[a]; ok {
		return s
	}
	parts := []string{}
	for bit, s := range alarmToString {
		if a&bit != 0 {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "|")
}

// AlarmSet is the port's latching alarm bits
type AlarmSet struct {
	active Alarm
}

// Raise latches the alarm, logging on the transition
func (s *AlarmSet) Raise(a Alarm) {
	if s.active&a == a {
		return
	}
	s.active |= a
	log.Warningf("alarm raised: %s", a)
}

// Clear drops the alarm, logging on the transition
func (s *AlarmSet) Clear(a Alarm) {
	if s.active&a == 0 {
		return
	}
	s.active &^= a
	log.Infof("alarm cleared: %s", a)
}

// Active reports whether the alarm is currently latched
func (s *AlarmSet) Active(a Alarm) bool {
	return s.active&a != 0
}

// All returns the raw bits
func (s *AlarmSet) All() Alarm {
	return s.active
}

// Reset drops all alarms without logging, for master change and shutdown
func (s *AlarmSet) Reset() {
	s.active = 0
}
