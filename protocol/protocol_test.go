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

package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader(msgType MessageType, length uint16, seq uint16) Header {
	return Header{
		SdoIDAndMsgType: NewSdoIDAndMsgType(msgType, 0),
		Version:         Version,
		MessageLength:   length,
		DomainNumber:    0,
		FlagField:       FlagUnicast,
		SequenceID:      seq,
		SourcePortIdentity: PortIdentity{
			PortNumber:    1,
			ClockIdentity: 0x001d9cfffe7a25c1,
		},
		LogMessageInterval: 0x7f,
	}
}

func TestClockIdentity(t *testing.T) {
	mac := []byte{0x0c, 0x42, 0xa1, 0x6d, 0x7c, 0xd1}
	ci, err := NewClockIdentity(mac)
	require.NoError(t, err)
	assert.Equal(t, ClockIdentity(0x0c42a1fffe6d7cd1), ci)
	assert.Equal(t, "0c42a1.fffe.6d7cd1", ci.String())

	ci2019, err := NewClockIdentity2019(mac, 0x0001)
	require.NoError(t, err)
	assert.Equal(t, ClockIdentity(0x0c42a16d7cd10001), ci2019)

	_, err = NewClockIdentity([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestPortIdentityCompare(t *testing.T) {
	a := PortIdentity{ClockIdentity: 1, PortNumber: 1}
	b := PortIdentity{ClockIdentity: 1, PortNumber: 2}
	c := PortIdentity{ClockIdentity: 2, PortNumber: 1}
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, -1, b.Compare(c))
	assert.True(t, a.Less(b))
	assert.False(t, c.Less(a))
}

func TestCorrection(t *testing.T) {
	c := NewCorrection(2.5)
	assert.Equal(t, Correction(0x28000), c)
	assert.InDelta(t, 2.5, c.Nanoseconds(), 0.000001)
	assert.False(t, c.TooBig())

	tooBig := Correction(0x7fffffffffffffff)
	assert.True(t, tooBig.TooBig())
	assert.Equal(t, time.Duration(0), tooBig.Duration())
}

func TestTimestampConversion(t *testing.T) {
	now := time.Unix(1711035428, 129055712)
	ts := NewTimestamp(now)
	assert.Equal(t, now, ts.Time())
	assert.Equal(t, uint64(1711035428), ts.Seconds.Seconds())
	assert.Equal(t, uint32(129055712), ts.Nanoseconds)
}

func TestLogInterval(t *testing.T) {
	li := LogInterval(0)
	assert.Equal(t, time.Second, li.Duration())
	li = LogInterval(-3)
	assert.Equal(t, 125*time.Millisecond, li.Duration())
	li, err := NewLogInterval(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, LogInterval(1), li)
}

func TestSyncDelayReqRoundTrip(t *testing.T) {
	p := SyncDelayReq{
		Header: testHeader(MessageSync, uint16(headerSize+bodySizeSyncDelayReq), 42),
		SyncDelayReqBody: SyncDelayReqBody{
			OriginTimestamp: NewTimestamp(time.Unix(500000, 100)),
		},
	}
	b, err := Bytes(&p)
	require.NoError(t, err)
	// two trailing zero bytes not counted in MessageLength
	require.Equal(t, headerSize+bodySizeSyncDelayReq+TrailingBytes, len(b))

	back := &SyncDelayReq{}
	require.NoError(t, FromBytes(b, back))
	assert.Equal(t, p, *back)
}

func TestAnnounceRoundTrip(t *testing.T) {
	p := Announce{
		Header: testHeader(MessageAnnounce, uint16(headerSize+bodySizeAnnounce), 4323),
		AnnounceBody: AnnounceBody{
			OriginTimestamp:      NewTimestamp(time.Unix(1711035428, 0)),
			CurrentUTCOffset:     37,
			GrandmasterPriority1: 128,
			GrandmasterClockQuality: ClockQuality{
				ClockClass:              ClockClass6,
				ClockAccuracy:           ClockAccuracyNanosecond100,
				OffsetScaledLogVariance: 0x4e5d,
			},
			GrandmasterPriority2: 128,
			GrandmasterIdentity:  0x001d9cfffe7a25c1,
			StepsRemoved:         1,
			TimeSource:           TimeSourceGNSS,
		},
	}
	b, err := Bytes(&p)
	require.NoError(t, err)

	back := &Announce{}
	require.NoError(t, FromBytes(b, back))
	assert.Equal(t, p, *back)
}

func TestFollowUpRoundTrip(t *testing.T) {
	p := FollowUp{
		Header: testHeader(MessageFollowUp, uint16(headerSize+bodySizeFollowUp), 100),
		FollowUpBody: FollowUpBody{
			PreciseOriginTimestamp: NewTimestamp(time.Unix(1711035428, 4242)),
		},
	}
	b, err := Bytes(&p)
	require.NoError(t, err)
	back := &FollowUp{}
	require.NoError(t, FromBytes(b, back))
	assert.Equal(t, p, *back)
}

func TestDelayRespRoundTrip(t *testing.T) {
	p := DelayResp{
		Header: testHeader(MessageDelayResp, uint16(headerSize+bodySizeDelayResp), 11),
		DelayRespBody: DelayRespBody{
			ReceiveTimestamp: NewTimestamp(time.Unix(1711035428, 100)),
			RequestingPortIdentity: PortIdentity{
				PortNumber:    1,
				ClockIdentity: 0x0c42a1fffe6d7cd1,
			},
		},
	}
	b, err := Bytes(&p)
	require.NoError(t, err)
	back := &DelayResp{}
	require.NoError(t, FromBytes(b, back))
	assert.Equal(t, p, *back)
}

func TestPDelayMessagesRoundTrip(t *testing.T) {
	req := PDelayReq{
		Header: testHeader(MessagePDelayReq, uint16(headerSize+bodySizePDelayReq), 7),
		PDelayReqBody: PDelayReqBody{
			OriginTimestamp: NewTimestamp(time.Unix(10000, 0)),
		},
	}
	b, err := Bytes(&req)
	require.NoError(t, err)
	backReq := &PDelayReq{}
	require.NoError(t, FromBytes(b, backReq))
	assert.Equal(t, req, *backReq)

	resp := PDelayResp{
		Header: testHeader(MessagePDelayResp, uint16(headerSize+bodySizePDelayResp), 7),
		PDelayRespBody: PDelayRespBody{
			RequestReceiptTimestamp: NewTimestamp(time.Unix(10000, 200)),
			RequestingPortIdentity:  req.SourcePortIdentity,
		},
	}
	b, err = Bytes(&resp)
	require.NoError(t, err)
	backResp := &PDelayResp{}
	require.NoError(t, FromBytes(b, backResp))
	assert.Equal(t, resp, *backResp)

	fu := PDelayRespFollowUp{
		Header: testHeader(MessagePDelayRespFollowUp, uint16(headerSize+bodySizePDelayRespFollowUp), 7),
		PDelayRespFollowUpBody: PDelayRespFollowUpBody{
			ResponseOriginTimestamp: NewTimestamp(time.Unix(10000, 300)),
			RequestingPortIdentity:  req.SourcePortIdentity,
		},
	}
	b, err = Bytes(&fu)
	require.NoError(t, err)
	backFU := &PDelayRespFollowUp{}
	require.NoError(t, FromBytes(b, backFU))
	assert.Equal(t, fu, *backFU)
}

func TestDecodePacket(t *testing.T) {
	p := Announce{
		Header: testHeader(MessageAnnounce, uint16(headerSize+bodySizeAnnounce), 1),
	}
	b, err := Bytes(&p)
	require.NoError(t, err)
	got, err := DecodePacket(b)
	require.NoError(t, err)
	require.IsType(t, &Announce{}, got)
	assert.Equal(t, MessageAnnounce, got.MessageType())
}

func TestUnmarshalTruncated(t *testing.T) {
	full := SyncDelayReq{
		Header: testHeader(MessageSync, uint16(headerSize+bodySizeSyncDelayReq), 1),
	}
	b, err := Bytes(&full)
	require.NoError(t, err)
	// every prefix shorter than the required size must fail with an error,
	// never panic
	for i := 0; i < headerSize+bodySizeSyncDelayReq; i++ {
		p := &SyncDelayReq{}
		require.Error(t, p.UnmarshalBinary(b[:i]), "prefix of %d bytes", i)
	}
	for i := 0; i < headerSize+bodySizeAnnounce; i++ {
		p := &Announce{}
		require.Error(t, p.UnmarshalBinary(b[:min(i, len(b))]), "prefix of %d bytes", i)
	}
	_, err = DecodePacket(b[:10])
	require.Error(t, err)
}

func TestMessageLengthLie(t *testing.T) {
	p := Announce{
		Header: testHeader(MessageAnnounce, uint16(headerSize+bodySizeAnnounce), 1),
	}
	b, err := Bytes(&p)
	require.NoError(t, err)
	// header claims more data than the buffer holds
	b[2] = 0xff
	b[3] = 0xff
	back := &Announce{}
	require.Error(t, back.UnmarshalBinary(b))
}

func TestBytesToInsufficientBuffer(t *testing.T) {
	p := SyncDelayReq{
		Header: testHeader(MessageSync, uint16(headerSize+bodySizeSyncDelayReq), 1),
	}
	buf := make([]byte, 10)
	_, err := BytesTo(&p, buf)
	require.Error(t, err)
}

func TestMessageTypeEvent(t *testing.T) {
	assert.True(t, MessageSync.Event())
	assert.True(t, MessageDelayReq.Event())
	assert.True(t, MessagePDelayReq.Event())
	assert.True(t, MessagePDelayResp.Event())
	assert.False(t, MessageAnnounce.Event())
	assert.False(t, MessageFollowUp.Event())
	assert.False(t, MessageManagement.Event())
}
