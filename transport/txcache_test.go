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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensync/ptpd/protocol"
)

func testPDU(seq int) []byte {
	return []byte(fmt.Sprintf("pdu-payload-with-some-length-%04d", seq))
}

func TestTXCacheMatch(t *testing.T) {
	c := NewTXCache()
	now := time.Now()
	tag := Tag{MsgType: protocol.MessageDelayReq, SequenceID: 7, PortRef: 1}
	c.Put(testPDU(7), 0, tag, now)
	require.Equal(t, 1, c.Pending())

	got, ok := c.Match(testPDU(7), now.Add(10*time.Microsecond))
	require.True(t, ok)
	assert.Equal(t, tag, got)
	assert.Equal(t, 0, c.Pending())

	// slot released, second match fails
	_, ok = c.Match(testPDU(7), now)
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Matched)
	assert.Equal(t, uint64(1), s.Unmatched)
}

func TestTXCacheMatchWithTrailer(t *testing.T) {
	c := NewTXCache()
	now := time.Now()
	pdu := testPDU(1)
	// IPv6: two checksum-aid bytes excluded from the stored fingerprint
	c.Put(pdu, 2, Tag{MsgType: protocol.MessageSync, SequenceID: 1}, now)

	looped := append(append([]byte{}, pdu...), 0, 0)
	_, ok := c.Match(looped, now)
	assert.True(t, ok)
}

func TestTXCacheMatchLongPDU(t *testing.T) {
	c := NewTXCache()
	now := time.Now()
	pdu := make([]byte, 200)
	for i := range pdu {
		pdu[i] = byte(i)
	}
	// only the last FingerprintBytes are kept
	c.Put(pdu, 0, Tag{SequenceID: 3}, now)
	got, ok := c.Match(pdu, now)
	require.True(t, ok)
	assert.Equal(t, uint16(3), got.SequenceID)
}

func TestTXCacheEvictsOldestOnOverflow(t *testing.T) {
	c := NewTXCache()
	base := time.Now()
	for i := 0; i < CacheSlots; i++ {
		c.Put(testPDU(i), 0, Tag{SequenceID: uint16(i)}, base.Add(time.Duration(i)*time.Millisecond))
	}
	require.Equal(t, CacheSlots, c.Pending())

	// one more: slot of the oldest (seq 0) is reused
	c.Put(testPDU(100), 0, Tag{SequenceID: 100}, base.Add(time.Second))
	assert.Equal(t, CacheSlots, c.Pending())
	assert.Equal(t, uint64(1), c.Stats().Evicted)

	_, ok := c.Match(testPDU(0), base)
	assert.False(t, ok)
	_, ok = c.Match(testPDU(100), base.Add(time.Second))
	assert.True(t, ok)
}

func TestTXCacheSweep(t *testing.T) {
	c := NewTXCache()
	base := time.Now()
	c.Put(testPDU(1), 0, Tag{SequenceID: 1}, base)
	c.Put(testPDU(2), 0, Tag{SequenceID: 2}, base.Add(900*time.Millisecond))

	// first entry is older than the alarm threshold
	alarmed := c.Sweep(base.Add(100 * time.Millisecond))
	assert.Equal(t, 1, alarmed)
	// alarm latches, not re-reported
	alarmed = c.Sweep(base.Add(200 * time.Millisecond))
	assert.Equal(t, 0, alarmed)

	// past the eviction threshold the first entry is force-released
	c.Sweep(base.Add(1100 * time.Millisecond))
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, uint64(1), c.Stats().Expired)
}

func TestTXCacheFlush(t *testing.T) {
	c := NewTXCache()
	now := time.Now()
	c.Put(testPDU(1), 0, Tag{}, now)
	c.Put(testPDU(2), 0, Tag{}, now)
	c.Flush()
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, uint64(2), c.Stats().Expired)
}

func TestTXCacheLatencyBuckets(t *testing.T) {
	c := NewTXCache()
	now := time.Now()
	delays := []time.Duration{
		500 * time.Nanosecond,  // bucket 0: < 1µs
		5 * time.Microsecond,   // bucket 1
		50 * time.Microsecond,  // bucket 2
		500 * time.Microsecond, // bucket 3
		5 * time.Millisecond,   // bucket 4
		2 * time.Minute,        // bucket 8: >= 10s
	}
	for i, d := range delays {
		c.Put(testPDU(i), 0, Tag{SequenceID: uint16(i)}, now)
		_, ok := c.Match(testPDU(i), now.Add(d))
		require.True(t, ok)
	}
	s := c.Stats()
	assert.Equal(t, uint64(1), s.Buckets[0])
	assert.Equal(t, uint64(1), s.Buckets[1])
	assert.Equal(t, uint64(1), s.Buckets[2])
	assert.Equal(t, uint64(1), s.Buckets[3])
	assert.Equal(t, uint64(1), s.Buckets[4])
	assert.Equal(t, uint64(1), s.Buckets[LatencyBuckets-1])
	assert.Greater(t, int64(s.MeanLatency), int64(0))
}
