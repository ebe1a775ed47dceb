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

func TestGrantUnicastTransmissionTLVRoundTrip(t *testing.T) {
	tlv := &GrantUnicastTransmissionTLV{
		TLVHead: TLVHead{
			TLVType:     TLVGrantUnicastTransmission,
			LengthField: 8,
		},
		MsgTypeAndReserved:    NewUnicastMsgTypeAndFlags(MessageAnnounce, 0),
		LogInterMessagePeriod: 1,
		DurationField:         300,
		Renewal:               1,
	}
	b := make([]byte, 64)
	n, err := tlv.MarshalBinaryTo(b)
	require.NoError(t, err)
	assert.Equal(t, tlvHeadSize+8, n)

	back := &GrantUnicastTransmissionTLV{}
	require.NoError(t, back.UnmarshalBinary(b[:n]))
	assert.Equal(t, tlv, back)
	assert.Equal(t, MessageAnnounce, back.MsgTypeAndReserved.MsgType())
}

func TestPathTraceTLVRoundTrip(t *testing.T) {
	tlv := &PathTraceTLV{
		TLVHead: TLVHead{
			TLVType:     TLVPathTrace,
			LengthField: 16,
		},
		PathSequence: []ClockIdentity{0x001d9cfffe7a25c1, 0x0c42a1fffe6d7cd1},
	}
	b := make([]byte, 64)
	n, err := tlv.MarshalBinaryTo(b)
	require.NoError(t, err)
	assert.Equal(t, tlvHeadSize+16, n)

	back := &PathTraceTLV{}
	require.NoError(t, back.UnmarshalBinary(b[:n]))
	assert.Equal(t, tlv, back)
}

func TestOrganizationExtensionTLVRoundTrip(t *testing.T) {
	tlv := &OrganizationExtensionTLV{
		TLVHead: TLVHead{
			TLVType:     TLVOrganizationExtension,
			LengthField: 10,
		},
		OrganizationID:      [3]uint8{0x00, 0x0f, 0x53},
		OrganizationSubType: [3]uint8{0x00, 0x00, 0x01},
		DataField:           []byte{0xde, 0xad, 0xbe, 0xef},
	}
	b := make([]byte, 64)
	n, err := tlv.MarshalBinaryTo(b)
	require.NoError(t, err)
	assert.Equal(t, tlvHeadSize+10, n)

	back := &OrganizationExtensionTLV{}
	require.NoError(t, back.UnmarshalBinary(b[:n]))
	assert.Equal(t, tlv, back)
}

func TestSlaveRxSyncTimingDataTLVRoundTrip(t *testing.T) {
	tlv := &SlaveRxSyncTimingDataTLV{
		TLVHead: TLVHead{
			TLVType:     TLVSlaveRxSyncTimingData,
			LengthField: 10 + 2*slaveRxSyncTimingRecordSize,
		},
		SyncSourcePortIdentity: PortIdentity{ClockIdentity: 0x001d9cfffe7a25c1, PortNumber: 1},
		Records: []SlaveRxSyncTimingRecord{
			{
				SequenceID:                 100,
				SyncOriginTimestamp:        NewTimestamp(time.Unix(1711035428, 0)),
				TotalCorrectionField:       NewCorrection(1234),
				ScaledCumulativeRateOffset: -42,
				SyncEventIngressTimestamp:  NewTimestamp(time.Unix(1711035428, 100)),
			},
			{
				SequenceID:                100 + 1,
				SyncOriginTimestamp:       NewTimestamp(time.Unix(1711035429, 0)),
				TotalCorrectionField:      NewCorrection(1250),
				SyncEventIngressTimestamp: NewTimestamp(time.Unix(1711035429, 90)),
			},
		},
	}
	b := make([]byte, 256)
	n, err := tlv.MarshalBinaryTo(b)
	require.NoError(t, err)
	assert.Equal(t, tlvHeadSize+int(tlv.LengthField), n)

	back := &SlaveRxSyncTimingDataTLV{}
	require.NoError(t, back.UnmarshalBinary(b[:n]))
	assert.Equal(t, tlv, back)
}

func TestSlaveRxSyncComputedDataTLVRoundTrip(t *testing.T) {
	tlv := &SlaveRxSyncComputedDataTLV{
		TLVHead: TLVHead{
			TLVType:     TLVSlaveRxSyncComputedData,
			LengthField: 12 + slaveRxSyncComputedRecordSize,
		},
		SyncSourcePortIdentity: PortIdentity{ClockIdentity: 0x001d9cfffe7a25c1, PortNumber: 1},
		ComputedFlags:          ComputedOffsetFromMasterValid | ComputedMeanPathDelayValid,
		Records: []SlaveRxSyncComputedRecord{
			{
				SequenceID:       9,
				OffsetFromMaster: NewTimeInterval(-125.5),
				MeanPathDelay:    NewTimeInterval(3000),
			},
		},
	}
	b := make([]byte, 256)
	n, err := tlv.MarshalBinaryTo(b)
	require.NoError(t, err)

	back := &SlaveRxSyncComputedDataTLV{}
	require.NoError(t, back.UnmarshalBinary(b[:n]))
	assert.Equal(t, tlv, back)
}

func TestSlaveTxEventTimestampsTLVRoundTrip(t *testing.T) {
	tlv := &SlaveTxEventTimestampsTLV{
		TLVHead: TLVHead{
			TLVType:     TLVSlaveTxEventTimestamps,
			LengthField: 12 + slaveTxEventRecordSize,
		},
		SourcePortIdentity: PortIdentity{ClockIdentity: 0x0c42a1fffe6d7cd1, PortNumber: 1},
		EventMessageType:   MessageDelayReq,
		Records: []SlaveTxEventTimestampsRecord{
			{SequenceID: 77, EventEgressTimestamp: NewTimestamp(time.Unix(1711035428, 55))},
		},
	}
	b := make([]byte, 256)
	n, err := tlv.MarshalBinaryTo(b)
	require.NoError(t, err)

	back := &SlaveTxEventTimestampsTLV{}
	require.NoError(t, back.UnmarshalBinary(b[:n]))
	assert.Equal(t, tlv, back)
}

func TestSignalingWithMonitoringTLVs(t *testing.T) {
	p := &Signaling{
		Header:             testHeader(MessageSignaling, uint16(headerSize+10), 15),
		TargetPortIdentity: DefaultTargetPortIdentity,
	}
	tlv := &SlaveTxEventTimestampsTLV{
		TLVHead: TLVHead{
			TLVType:     TLVSlaveTxEventTimestamps,
			LengthField: 12 + slaveTxEventRecordSize,
		},
		SourcePortIdentity: PortIdentity{ClockIdentity: 0x0c42a1fffe6d7cd1, PortNumber: 1},
		EventMessageType:   MessageDelayReq,
		Records: []SlaveTxEventTimestampsRecord{
			{SequenceID: 1, EventEgressTimestamp: NewTimestamp(time.Unix(1711035428, 0))},
		},
	}
	p.AppendTLV(tlv, tlvHeadSize+int(tlv.LengthField))

	b, err := Bytes(p)
	require.NoError(t, err)
	// MessageLength covers header + body + padded TLVs, trailing bytes excluded
	assert.Equal(t, int(p.MessageLength)+TrailingBytes, len(b))
	assert.Equal(t, 0, int(p.MessageLength)%2)

	back := &Signaling{}
	require.NoError(t, back.UnmarshalBinary(b))
	require.Len(t, back.TLVs, 1)
	assert.Equal(t, tlv, back.TLVs[0])
}

func TestSignalingRequiresTLVs(t *testing.T) {
	p := &Signaling{
		Header:             testHeader(MessageSignaling, uint16(headerSize+10), 15),
		TargetPortIdentity: DefaultTargetPortIdentity,
	}
	_, err := Bytes(p)
	require.Error(t, err)
}

func TestTLVPaddedToEvenLength(t *testing.T) {
	// 5 bytes of payload make an odd-length TLV, writeTLVs must pad
	tlv := &OrganizationExtensionTLV{
		TLVHead: TLVHead{
			TLVType:     TLVOrganizationExtension,
			LengthField: 11,
		},
		OrganizationID:      [3]uint8{0x00, 0x0f, 0x53},
		OrganizationSubType: [3]uint8{0x00, 0x00, 0x02},
		DataField:           []byte{1, 2, 3, 4, 5},
	}
	b := make([]byte, 64)
	n, err := writeTLVs([]TLV{tlv}, b)
	require.NoError(t, err)
	assert.Equal(t, 0, n%2)
	assert.Equal(t, tlvHeadSize+12, n)
}

func TestReadTLVsMalformed(t *testing.T) {
	// reserved type 0 is never valid
	b := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00}
	_, err := readTLVs(nil, len(b), b)
	require.Error(t, err)

	// claims more length than available
	b = []byte{0x00, 0x08, 0x00, 0xff, 0x00, 0x00}
	_, err = readTLVs(nil, len(b), b)
	require.Error(t, err)
}
