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

// Slave event monitoring TLVs, clause 16.11. A slave port configured for
// monitoring appends these to Signaling messages so an external monitor can
// reconstruct its view of the sync flow without being in the timing path.

import (
	"encoding/binary"
	"fmt"
)

const (
	slaveRxSyncTimingRecordSize   = 34
	slaveRxSyncComputedRecordSize = 22
	slaveTxEventRecordSize        = 12
)

// SlaveRxSyncTimingRecord is one observed Sync ingress, clause 16.11.4.1
type SlaveRxSyncTimingRecord struct {
	SequenceID                 uint16
	SyncOriginTimestamp        Timestamp
	TotalCorrectionField       Correction
	ScaledCumulativeRateOffset int32
	SyncEventIngressTimestamp  Timestamp
}

// SlaveRxSyncTimingDataTLV is a SLAVE_RX_SYNC_TIMING_DATA TLV
type SlaveRxSyncTimingDataTLV struct {
	TLVHead
	SyncSourcePortIdentity PortIdentity
	Records                []SlaveRxSyncTimingRecord
}

// MarshalBinaryTo marshals bytes to SlaveRxSyncTimingDataTLV
func (t *SlaveRxSyncTimingDataTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+10+slaveRxSyncTimingRecordSize*len(t.Records) {
		return 0, fmt.Errorf("not enough buffer to write SlaveRxSyncTimingDataTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	binary.BigEndian.PutUint64(b[tlvHeadSize:], uint64(t.SyncSourcePortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(b[tlvHeadSize+8:], t.SyncSourcePortIdentity.PortNumber)
	pos := tlvHeadSize + 10
	for _, r := range t.Records {
		binary.BigEndian.PutUint16(b[pos:], r.SequenceID)
		copy(b[pos+2:], r.SyncOriginTimestamp.Seconds[:]) //uint48
		binary.BigEndian.PutUint32(b[pos+8:], r.SyncOriginTimestamp.Nanoseconds)
		binary.BigEndian.PutUint64(b[pos+12:], uint64(r.TotalCorrectionField))
		binary.BigEndian.PutUint32(b[pos+20:], uint32(r.ScaledCumulativeRateOffset))
		copy(b[pos+24:], r.SyncEventIngressTimestamp.Seconds[:]) //uint48
		binary.BigEndian.PutUint32(b[pos+30:], r.SyncEventIngressTimestamp.Nanoseconds)
		pos += slaveRxSyncTimingRecordSize
	}
	return pos, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *SlaveRxSyncTimingDataTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 10, false); err != nil {
		return err
	}
	if (int(t.LengthField)-10)%slaveRxSyncTimingRecordSize != 0 {
		return fmt.Errorf("SlaveRxSyncTimingDataTLV length %d doesn't fit whole records", t.LengthField)
	}
	t.SyncSourcePortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b[tlvHeadSize:]))
	t.SyncSourcePortIdentity.PortNumber = binary.BigEndian.Uint16(b[tlvHeadSize+8:])
	n := (int(t.LengthField) - 10) / slaveRxSyncTimingRecordSize
	t.Records = make([]SlaveRxSyncTimingRecord, n)
	pos := tlvHeadSize + 10
	for i := 0; i < n; i++ {
		r := &t.Records[i]
		r.SequenceID = binary.BigEndian.Uint16(b[pos:])
		copy(r.SyncOriginTimestamp.Seconds[:], b[pos+2:]) //uint48
		r.SyncOriginTimestamp.Nanoseconds = binary.BigEndian.Uint32(b[pos+8:])
		r.TotalCorrectionField = Correction(binary.BigEndian.Uint64(b[pos+12:]))
		r.ScaledCumulativeRateOffset = int32(binary.BigEndian.Uint32(b[pos+20:]))
		copy(r.SyncEventIngressTimestamp.Seconds[:], b[pos+24:]) //uint48
		r.SyncEventIngressTimestamp.Nanoseconds = binary.BigEndian.Uint32(b[pos+30:])
		pos += slaveRxSyncTimingRecordSize
	}
	return nil
}

// SlaveRxSyncComputedRecord is one computed offset/delay datapoint, clause 16.11.4.2
type SlaveRxSyncComputedRecord struct {
	SequenceID              uint16
	OffsetFromMaster        TimeInterval
	MeanPathDelay           TimeInterval
	ScaledNeighborRateRatio int32
}

// SlaveRxSyncComputedData flags describing which record fields are valid
const (
	ComputedScaledNeighborRateRatioValid uint8 = 1 << 0
	ComputedMeanPathDelayValid           uint8 = 1 << 1
	ComputedOffsetFromMasterValid        uint8 = 1 << 2
)

// SlaveRxSyncComputedDataTLV is a SLAVE_RX_SYNC_COMPUTED_DATA TLV
type SlaveRxSyncComputedDataTLV struct {
	TLVHead
	SyncSourcePortIdentity PortIdentity
	ComputedFlags          uint8
	Reserved               uint8
	Records                []SlaveRxSyncComputedRecord
}

// MarshalBinaryTo marshals bytes to SlaveRxSyncComputedDataTLV
func (t *SlaveRxSyncComputedDataTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+12+slaveRxSyncComputedRecordSize*len(t.Records) {
		return 0, fmt.Errorf("not enough buffer to write SlaveRxSyncComputedDataTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	binary.BigEndian.PutUint64(b[tlvHeadSize:], uint64(t.SyncSourcePortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(b[tlvHeadSize+8:], t.SyncSourcePortIdentity.PortNumber)
	b[tlvHeadSize+10] = t.ComputedFlags
	b[tlvHeadSize+11] = t.Reserved
	pos := tlvHeadSize + 12
	for _, r := range t.Records {
		binary.BigEndian.PutUint16(b[pos:], r.SequenceID)
		binary.BigEndian.PutUint64(b[pos+2:], uint64(r.OffsetFromMaster))
		binary.BigEndian.PutUint64(b[pos+10:], uint64(r.MeanPathDelay))
		binary.BigEndian.PutUint32(b[pos+18:], uint32(r.ScaledNeighborRateRatio))
		pos += slaveRxSyncComputedRecordSize
	}
	return pos, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *SlaveRxSyncComputedDataTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 12, false); err != nil {
		return err
	}
	if (int(t.LengthField)-12)%slaveRxSyncComputedRecordSize != 0 {
		return fmt.Errorf("SlaveRxSyncComputedDataTLV length %d doesn't fit whole records", t.LengthField)
	}
	t.SyncSourcePortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b[tlvHeadSize:]))
	t.SyncSourcePortIdentity.PortNumber = binary.BigEndian.Uint16(b[tlvHeadSize+8:])
	t.ComputedFlags = b[tlvHeadSize+10]
	t.Reserved = b[tlvHeadSize+11]
	n := (int(t.LengthField) - 12) / slaveRxSyncComputedRecordSize
	t.Records = make([]SlaveRxSyncComputedRecord, n)
	pos := tlvHeadSize + 12
	for i := 0; i < n; i++ {
		r := &t.Records[i]
		r.SequenceID = binary.BigEndian.Uint16(b[pos:])
		r.OffsetFromMaster = TimeInterval(binary.BigEndian.Uint64(b[pos+2:]))
		r.MeanPathDelay = TimeInterval(binary.BigEndian.Uint64(b[pos+10:]))
		r.ScaledNeighborRateRatio = int32(binary.BigEndian.Uint32(b[pos+18:]))
		pos += slaveRxSyncComputedRecordSize
	}
	return nil
}

// SlaveTxEventTimestampsRecord is one egress event timestamp, clause 16.11.4.3
type SlaveTxEventTimestampsRecord struct {
	SequenceID           uint16
	EventEgressTimestamp Timestamp
}

// SlaveTxEventTimestampsTLV is a SLAVE_TX_EVENT_TIMESTAMPS TLV
type SlaveTxEventTimestampsTLV struct {
	TLVHead
	SourcePortIdentity PortIdentity
	EventMessageType   MessageType
	Reserved           uint8
	Records            []SlaveTxEventTimestampsRecord
}

// MarshalBinaryTo marshals bytes to SlaveTxEventTimestampsTLV
func (t *SlaveTxEventTimestampsTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+12+slaveTxEventRecordSize*len(t.Records) {
		return 0, fmt.Errorf("not enough buffer to write SlaveTxEventTimestampsTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	binary.BigEndian.PutUint64(b[tlvHeadSize:], uint64(t.SourcePortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(b[tlvHeadSize+8:], t.SourcePortIdentity.PortNumber)
	b[tlvHeadSize+10] = byte(t.EventMessageType)
	b[tlvHeadSize+11] = t.Reserved
	pos := tlvHeadSize + 12
	for _, r := range t.Records {
		binary.BigEndian.PutUint16(b[pos:], r.SequenceID)
		copy(b[pos+2:], r.EventEgressTimestamp.Seconds[:]) //uint48
		binary.BigEndian.PutUint32(b[pos+8:], r.EventEgressTimestamp.Nanoseconds)
		pos += slaveTxEventRecordSize
	}
	return pos, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *SlaveTxEventTimestampsTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 12, false); err != nil {
		return err
	}
	if (int(t.LengthField)-12)%slaveTxEventRecordSize != 0 {
		return fmt.Errorf("SlaveTxEventTimestampsTLV length %d doesn't fit whole records", t.LengthField)
	}
	t.SourcePortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b[tlvHeadSize:]))
	t.SourcePortIdentity.PortNumber = binary.BigEndian.Uint16(b[tlvHeadSize+8:])
	t.EventMessageType = MessageType(b[tlvHeadSize+10])
	t.Reserved = b[tlvHeadSize+11]
	n := (int(t.LengthField) - 12) / slaveTxEventRecordSize
	t.Records = make([]SlaveTxEventTimestampsRecord, n)
	pos := tlvHeadSize + 12
	for i := 0; i < n; i++ {
		r := &t.Records[i]
		r.SequenceID = binary.BigEndian.Uint16(b[pos:])
		copy(r.EventEgressTimestamp.Seconds[:], b[pos+2:]) //uint48
		r.EventEgressTimestamp.Nanoseconds = binary.BigEndian.Uint32(b[pos+8:])
		pos += slaveTxEventRecordSize
	}
	return nil
}
