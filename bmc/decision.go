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

package bmc

import (
	ptp "github.com/opensync/ptpd/protocol"
)

// LocalDataSet is the port's own advertised quality, the D0 dataset of the
// section 9.2.6 state decision algorithm.
type LocalDataSet struct {
	ClockIdentity ptp.ClockIdentity
	PortNumber    uint16
	Priority1     uint8
	ClockQuality  ptp.ClockQuality
	Priority2     uint8
	SlaveOnly     bool
	StepsRemoved  uint16
}

// announce builds a synthetic Announce advertising the local clock, so the
// same comparison code serves both remote-vs-remote and local-vs-remote.
func (l *LocalDataSet) announce() ptp.Announce {
	return ptp.Announce{
		Header: ptp.Header{
			SourcePortIdentity: ptp.PortIdentity{
				ClockIdentity: l.ClockIdentity,
				PortNumber:    l.PortNumber,
			},
		},
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterPriority1:    l.Priority1,
			GrandmasterClockQuality: l.ClockQuality,
			GrandmasterPriority2:    l.Priority2,
			GrandmasterIdentity:     l.ClockIdentity,
			StepsRemoved:            l.StepsRemoved,
		},
	}
}

// Recommendation is the outcome of the state decision algorithm
type Recommendation int

// State decision outcomes, section 9.2.6
const (
	// RecommendListening: no usable master and we may not become one yet
	RecommendListening Recommendation = iota
	// RecommendMaster: our own dataset beats every candidate
	RecommendMaster
	// RecommendSlave: the selected candidate beats us
	RecommendSlave
	// RecommendPassive: a candidate from our own clock wins by topology
	RecommendPassive
)

func (r Recommendation) String() string {
	switch r {
	case RecommendMaster:
		return "MASTER"
	case RecommendSlave:
		return "SLAVE"
	case RecommendPassive:
		return "PASSIVE"
	}
	return "LISTENING"
}

// Decide runs the state decision for a port given its local dataset and the
// selected best foreign master (nil when the table has no candidates).
func Decide(local *LocalDataSet, best *ForeignMaster) Recommendation {
	if best == nil {
		if local.SlaveOnly {
			return RecommendListening
		}
		return RecommendMaster
	}
	if local.SlaveOnly {
		return RecommendSlave
	}
	d0 := local.announce()
	switch cmp := Dscmp(&d0, &best.Announce); {
	case cmp > 0:
		return RecommendMaster
	case cmp == BBetterTopo:
		// better by topology only means another port of our own clock is
		// closer to the grandmaster
		return RecommendPassive
	default:
		return RecommendSlave
	}
}
