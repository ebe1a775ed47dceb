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
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	ptp "github.com/opensync/ptpd/protocol"
)

// DefaultForeignRecords is the table size used when config doesn't say
const DefaultForeignRecords = 8

// expiryIntervals is how many announce intervals a record survives without
// a fresh Announce
const expiryIntervals = 4

// ForeignMaster is one remote port we have seen Announces from
type ForeignMaster struct {
	PortIdentity ptp.PortIdentity
	Address      unix.Sockaddr
	LastSeen     time.Time
	Announce     ptp.Announce
	Count        uint64
}

// noBest marks an empty best index
const noBest = -1

// ForeignMasterDS is the bounded table of candidate masters. Slots are a
// fixed array; bestIndex pins the record of the currently selected master.
type ForeignMasterDS struct {
	slots         []ForeignMaster
	occupied      []bool
	numberRecords int
	writeIndex    int
	bestIndex     int
}

// NewForeignMasterDS creates a dataset with n slots
func NewForeignMasterDS(n int) *ForeignMasterDS {
	if n <= 0 {
		n = DefaultForeignRecords
	}
	return &ForeignMasterDS{
		slots:     make([]ForeignMaster, n),
		occupied:  make([]bool, n),
		bestIndex: noBest,
	}
}

// Len returns how many records are present
func (ds *ForeignMasterDS) Len() int {
	return ds.numberRecords
}

// Cap returns the table size
func (ds *ForeignMasterDS) Cap() int {
	return len(ds.slots)
}

// Best returns the record of the currently selected master, nil if none
func (ds *ForeignMasterDS) Best() *ForeignMaster {
	if ds.bestIndex == noBest {
		return nil
	}
	return &ds.slots[ds.bestIndex]
}

// BestIndex returns the slot index of the selected master, -1 if none
func (ds *ForeignMasterDS) BestIndex() int {
	return ds.bestIndex
}

func (ds *ForeignMasterDS) find(pi ptp.PortIdentity) int {
	for i := range ds.slots {
		if ds.occupied[i] && ds.slots[i].PortIdentity == pi {
			return i
		}
	}
	return -1
}

// Observe updates the record of the announcing port, inserting it if
// unknown. On a full table the oldest non-best record is the victim; when no
// victim exists the Announce is dropped and false is returned.
func (ds *ForeignMasterDS) Observe(ann *ptp.Announce, addr unix.Sockaddr, now time.Time) bool {
	pi := ann.Header.SourcePortIdentity
	if i := ds.find(pi); i >= 0 {
		r := &ds.slots[i]
		r.Address = addr
		r.LastSeen = now
		r.Announce = *ann
		r.Count++
		return true
	}

	slot := noBest
	if ds.numberRecords < len(ds.slots) {
		// advance the cursor to the next free slot
		for ds.occupied[ds.writeIndex] {
			ds.writeIndex = (ds.writeIndex + 1) % len(ds.slots)
		}
		slot = ds.writeIndex
		ds.writeIndex = (ds.writeIndex + 1) % len(ds.slots)
		ds.numberRecords++
	} else {
		// full: victim is the oldest record that isn't pinned as best
		var oldest time.Time
		for i := range ds.slots {
			if i == ds.bestIndex {
				continue
			}
			if slot == noBest || ds.slots[i].LastSeen.Before(oldest) {
				slot = i
				oldest = ds.slots[i].LastSeen
			}
		}
		if slot == noBest || !oldest.Before(now) {
			log.Debugf("foreign master table full, dropping announce from %s", pi)
			return false
		}
		log.Debugf("foreign master table full, %s replaces %s", pi, ds.slots[slot].PortIdentity)
	}
	ds.slots[slot] = ForeignMaster{
		PortIdentity: pi,
		Address:      addr,
		LastSeen:     now,
		Announce:     *ann,
		Count:        1,
	}
	ds.occupied[slot] = true
	return true
}

// Remove drops the record of the given port, e.g. when the announce receipt
// timeout declared it dead before the ageing sweep got to it.
func (ds *ForeignMasterDS) Remove(pi ptp.PortIdentity) {
	i := ds.find(pi)
	if i < 0 {
		return
	}
	ds.occupied[i] = false
	ds.numberRecords--
	if i == ds.bestIndex {
		ds.bestIndex = noBest
	}
}

// Expire removes records not refreshed within four announce intervals.
// Returns whether the selected master was among the expired.
func (ds *ForeignMasterDS) Expire(now time.Time, announceInterval time.Duration) bool {
	bestExpired := false
	deadline := now.Add(-expiryIntervals * announceInterval)
	for i := range ds.slots {
		if !ds.occupied[i] || !ds.slots[i].LastSeen.Before(deadline) {
			continue
		}
		log.Debugf("foreign master %s expired", ds.slots[i].PortIdentity)
		ds.occupied[i] = false
		ds.numberRecords--
		if i == ds.bestIndex {
			ds.bestIndex = noBest
			bestExpired = true
		}
	}
	return bestExpired
}

// SelectBest runs the data set comparison over all records and pins the
// winner. Returns the winner (nil when the table is empty) and whether the
// selection changed.
func (ds *ForeignMasterDS) SelectBest() (*ForeignMaster, bool) {
	best := noBest
	for i := range ds.slots {
		if !ds.occupied[i] {
			continue
		}
		if best == noBest || Dscmp(&ds.slots[i].Announce, &ds.slots[best].Announce) > 0 {
			best = i
		}
	}
	changed := best != ds.bestIndex
	ds.bestIndex = best
	if best == noBest {
		return nil, changed
	}
	return &ds.slots[best], changed
}

// Reset drops all records
func (ds *ForeignMasterDS) Reset() {
	for i := range ds.occupied {
		ds.occupied[i] = false
	}
	ds.numberRecords = 0
	ds.writeIndex = 0
	ds.bestIndex = noBest
}
