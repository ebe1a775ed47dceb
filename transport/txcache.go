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

package transport

import (
	"bytes"
	"math/bits"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"

	"github.com/opensync/ptpd/protocol"
)

// Cache geometry. The kernel loops transmitted PDUs back on the error queue
// with the timestamp attached, and we recognise them by their trailing bytes.
const (
	// CacheSlots is how many packets can await their TX timestamp at once
	CacheSlots = 32
	// FingerprintBytes is how many trailing bytes of the PDU we keep for matching
	FingerprintBytes = 64
	// LatencyBuckets is the number of logarithmic latency buckets, 1µs..100s
	LatencyBuckets = 9
)

// Default ageing thresholds for pending entries
const (
	// DefaultAlarmThreshold is how long a packet may wait for its timestamp
	// before the port is told timestamps are missing
	DefaultAlarmThreshold = 50 * time.Millisecond
	// DefaultEvictThreshold is when a pending entry is forcibly released
	DefaultEvictThreshold = time.Second
)

// Tag identifies the packet a TX timestamp belongs to
type Tag struct {
	MsgType    protocol.MessageType
	SequenceID uint16
	PortRef    int
}

type txEntry struct {
	fingerprint [FingerprintBytes]byte
	fpLen       int
	trailer     int // transport-dependent trailing bytes not looped back: 0 for IPv4, 2 for IPv6
	tag         Tag
	sentAt      time.Time
	alarmed     bool
}

// TXCacheStats is a snapshot of cache counters
type TXCacheStats struct {
	Matched     uint64
	Unmatched   uint64
	Evicted     uint64
	Expired     uint64
	Buckets     [LatencyBuckets]uint64
	MeanLatency time.Duration
}

// TXCache correlates sent PDUs with timestamps arriving asynchronously on
// the socket error queue. Slot occupancy is a bitmap; the first free slot is
// the lowest zero bit.
type TXCache struct {
	bitmap  uint32
	slots   [CacheSlots]txEntry
	latency *welford.Stats

	alarmThreshold time.Duration
	evictThreshold time.Duration

	matched   uint64
	unmatched uint64
	evicted   uint64
	expired   uint64
	buckets   [LatencyBuckets]uint64
}

// NewTXCache creates a cache with default thresholds
func NewTXCache() *TXCache {
	return &TXCache{
		latency:        welford.New(),
		alarmThreshold: DefaultAlarmThreshold,
		evictThreshold: DefaultEvictThreshold,
	}
}

// Pending returns the number of packets awaiting their timestamp
func (c *TXCache) Pending() int {
	return bits.OnesCount32(c.bitmap)
}

// Put stores the fingerprint of a just-sent PDU. When the cache is full the
// oldest entry is evicted to make room.
func (c *TXCache) Put(pdu []byte, trailer int, tag Tag, sentAt time.Time) {
	slot := bits.TrailingZeros32(^c.bitmap)
	if slot >= CacheSlots {
		slot = c.oldestSlot()
		c.evicted++
		log.Warningf("tx timestamp cache full, evicting %s seq=%d", c.slots[slot].tag.MsgType, c.slots[slot].tag.SequenceID)
	}
	e := &c.slots[slot]
	n := len(pdu)
	if n > FingerprintBytes {
		n = FingerprintBytes
	}
	copy(e.fingerprint[:n], pdu[len(pdu)-n:])
	e.fpLen = n
	e.trailer = trailer
	e.tag = tag
	e.sentAt = sentAt
	e.alarmed = false
	c.bitmap |= 1 << uint(slot)
}

func (c *TXCache) oldestSlot() int {
	oldest := 0
	var oldestAt time.Time
	first := true
	for i := 0; i < CacheSlots; i++ {
		if c.bitmap&(1<<uint(i)) == 0 {
			continue
		}
		if first || c.slots[i].sentAt.Before(oldestAt) {
			oldest = i
			oldestAt = c.slots[i].sentAt
			first = false
		}
	}
	return oldest
}

// Match looks up the looped-back payload against pending fingerprints. The
// transport-dependent trailer of each candidate is excluded from the
// comparison. On success the slot is released and the stored tag returned.
func (c *TXCache) Match(payload []byte, now time.Time) (Tag, bool) {
	for i := 0; i < CacheSlots; i++ {
		if c.bitmap&(1<<uint(i)) == 0 {
			continue
		}
		e := &c.slots[i]
		pl := payload
		if e.trailer > 0 && len(pl) >= e.trailer {
			pl = pl[:len(pl)-e.trailer]
		}
		if len(pl) < e.fpLen {
			continue
		}
		if bytes.Equal(pl[len(pl)-e.fpLen:], e.fingerprint[:e.fpLen]) {
			c.bitmap &^= 1 << uint(i)
			c.matched++
			c.recordLatency(now.Sub(e.sentAt))
			return e.tag, true
		}
	}
	c.unmatched++
	log.Warningf("tx timestamp matches no pending packet")
	if log.IsLevelEnabled(log.DebugLevel) {
		pending := make([][]byte, 0, CacheSlots)
		for i := 0; i < CacheSlots; i++ {
			if c.bitmap&(1<<uint(i)) != 0 {
				pending = append(pending, c.slots[i].fingerprint[:c.slots[i].fpLen])
			}
		}
		log.Debugf("looped-back payload: %s", spew.Sdump(payload))
		log.Debugf("pending fingerprints: %s", spew.Sdump(pending))
	}
	return Tag{}, false
}

func (c *TXCache) recordLatency(d time.Duration) {
	c.latency.Add(float64(d.Nanoseconds()))
	bucket := 0
	for threshold := time.Microsecond; bucket < LatencyBuckets-1; threshold *= 10 {
		if d < threshold {
			break
		}
		bucket++
	}
	c.buckets[bucket]++
}

// Sweep ages pending entries. Entries older than the alarm threshold are
// reported once via the returned count; entries older than the eviction
// threshold are force-released.
func (c *TXCache) Sweep(now time.Time) (alarmed int) {
	for i := 0; i < CacheSlots; i++ {
		if c.bitmap&(1<<uint(i)) == 0 {
			continue
		}
		e := &c.slots[i]
		age := now.Sub(e.sentAt)
		if age > c.evictThreshold {
			c.bitmap &^= 1 << uint(i)
			c.expired++
			log.Warningf("no TX timestamp for %s seq=%d after %s, dropping", e.tag.MsgType, e.tag.SequenceID, age)
			continue
		}
		if age > c.alarmThreshold && !e.alarmed {
			e.alarmed = true
			alarmed++
		}
	}
	return alarmed
}

// Flush drops all pending entries, counting them as expired. Used on port
// shutdown so the counters reflect what never got its timestamp.
func (c *TXCache) Flush() {
	c.expired += uint64(bits.OnesCount32(c.bitmap))
	c.bitmap = 0
}

// Stats returns a snapshot of the cache counters
func (c *TXCache) Stats() TXCacheStats {
	s := TXCacheStats{
		Matched:   c.matched,
		Unmatched: c.unmatched,
		Evicted:   c.evicted,
		Expired:   c.expired,
		Buckets:   c.buckets,
	}
	if c.matched > 0 {
		s.MeanLatency = time.Duration(c.latency.Mean())
	}
	return s
}
