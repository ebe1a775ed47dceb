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
	"encoding/binary"
	"fmt"
)

// TLV abstracts away any TLV
type TLV interface {
	Type() TLVType
}

const tlvHeadSize = 4

// TLVHead is a common part of all TLVs
type TLVHead struct {
	TLVType     TLVType
	LengthField uint16 // The length of all TLVs shall be an even number of octets
}

// Type implements TLV interface
func (t TLVHead) Type() TLVType {
	return t.TLVType
}

func tlvHeadMarshalBinaryTo(t *TLVHead, b []byte) {
	binary.BigEndian.PutUint16(b, uint16(t.TLVType))
	binary.BigEndian.PutUint16(b[2:], t.LengthField)
}

func unmarshalTLVHeader(p *TLVHead, b []byte) error {
	if len(b) < tlvHeadSize {
		return fmt.Errorf("not enough data to decode TLV header")
	}
	p.TLVType = TLVType(binary.BigEndian.Uint16(b[0:]))
	p.LengthField = binary.BigEndian.Uint16(b[2:])
	return nil
}

func checkTLVLength(p *TLVHead, l, want int, strict bool) error {
	if strict && int(p.LengthField) != want {
		return fmt.Errorf("expected TLV of type %s (%d) to have length of %d, got %d in the header", p.TLVType, p.TLVType, want, p.LengthField)
	}

	if int(p.LengthField) < want {
		return fmt.Errorf("expected TLV of type %s (%d) to have length of at least %d, got %d in the header", p.TLVType, p.TLVType, want, p.LengthField)
	}
	if tlvHeadSize+int(p.LengthField) > l {
		return fmt.Errorf("cannot decode TLV of length %d from %d bytes", tlvHeadSize+int(p.LengthField), l)
	}
	return nil
}

func writeTLVs(tlvs []TLV, b []byte) (int, error) {
	pos := 0
	for _, tlv := range tlvs {
		ttlv, ok := tlv.(BinaryMarshalerTo)
		if !ok {
			return 0, fmt.Errorf("TLV %s doesn't support efficient marshalling", tlv.Type())
		}
		nn, err := ttlv.MarshalBinaryTo(b[pos:])
		if err != nil {
			return 0, err
		}
		if nn%2 != 0 {
			// TLVs are padded to even length on the wire
			b[pos+nn] = 0
			nn++
		}
		pos += nn
	}
	return pos, nil
}

func newTLV(tlvType TLVType) (TLV, error) {
	switch tlvType {
	case TLVAcknowledgeCancelUnicastTransmission:
		return &AcknowledgeCancelUnicastTransmissionTLV{}, nil
	case TLVGrantUnicastTransmission:
		return &GrantUnicastTransmissionTLV{}, nil
	case TLVRequestUnicastTransmission:
		return &RequestUnicastTransmissionTLV{}, nil
	case TLVCancelUnicastTransmission:
		return &CancelUnicastTransmissionTLV{}, nil
	case TLVPathTrace:
		return &PathTraceTLV{}, nil
	case TLVAlternateTimeOffsetIndicator:
		return &AlternateTimeOffsetIndicatorTLV{}, nil
	case TLVOrganizationExtension, TLVOrganizationExtensionPropagate, TLVOrganizationExtensionDoNotPropagate:
		return &OrganizationExtensionTLV{}, nil
	case TLVPortCommunicationAvailability:
		return &PortCommunicationAvailabilityTLV{}, nil
	case TLVSlaveRxSyncTimingData:
		return &SlaveRxSyncTimingDataTLV{}, nil
	case TLVSlaveRxSyncComputedData:
		return &SlaveRxSyncComputedDataTLV{}, nil
	case TLVSlaveTxEventTimestamps:
		return &SlaveTxEventTimestampsTLV{}, nil
	}
	return nil, fmt.Errorf("reading TLV %s (%d) is not yet implemented", tlvType, tlvType)
}

func readTLVs(tlvs []TLV, maxLength int, b []byte) ([]TLV, error) {
	pos := 0
	for {
		// packet can have trailing bytes, let's make sure we don't try to read past given length
		if pos+tlvHeadSize > maxLength {
			break
		}
		tlvType := TLVType(binary.BigEndian.Uint16(b[pos:]))
		tlv, err := newTLV(tlvType)
		if err != nil {
			return tlvs, err
		}
		u, ok := tlv.(BinaryUnmarshaler)
		if !ok {
			return tlvs, fmt.Errorf("TLV %s doesn't support unmarshalling", tlvType)
		}
		if err := u.UnmarshalBinary(b[pos:]); err != nil {
			return tlvs, err
		}
		tlvs = append(tlvs, tlv)
		length := int(binary.BigEndian.Uint16(b[pos+2:]))
		if length%2 != 0 {
			// odd-length TLVs are padded on the wire
			length++
		}
		pos += tlvHeadSize + length
	}
	return tlvs, nil
}

// UnicastMsgTypeAndFlags is a uint8 where first 4 bits contain MessageType and last 4 bits contain some flags
type UnicastMsgTypeAndFlags uint8

// MsgType extracts MessageType from UnicastMsgTypeAndFlags
func (m UnicastMsgTypeAndFlags) MsgType() MessageType {
	return MessageType(m >> 4)
}

// NewUnicastMsgTypeAndFlags builds new UnicastMsgTypeAndFlags from MessageType and flags
func NewUnicastMsgTypeAndFlags(msgType MessageType, flags uint8) UnicastMsgTypeAndFlags {
	return UnicastMsgTypeAndFlags(uint8(msgType)<<4 | (flags & 0x0f))
}

// Unicast TLVs

// RequestUnicastTransmissionTLV Table 110 REQUEST_UNICAST_TRANSMISSION TLV format
type RequestUnicastTransmissionTLV struct {
	TLVHead
	MsgTypeAndReserved    UnicastMsgTypeAndFlags // first 4 bits only, same enums as with normal message type
	LogInterMessagePeriod LogInterval
	DurationField         uint32
}

// MarshalBinaryTo marshals bytes to RequestUnicastTransmissionTLV
func (t *RequestUnicastTransmissionTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+6 {
		return 0, fmt.Errorf("not enough buffer to write RequestUnicastTransmissionTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	b[tlvHeadSize] = byte(t.MsgTypeAndReserved)
	b[tlvHeadSize+1] = byte(t.LogInterMessagePeriod)
	binary.BigEndian.PutUint32(b[tlvHeadSize+2:], t.DurationField)
	return tlvHeadSize + 6, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *RequestUnicastTransmissionTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 6, true); err != nil {
		return err
	}
	t.MsgTypeAndReserved = UnicastMsgTypeAndFlags(b[4])
	t.LogInterMessagePeriod = LogInterval(b[5])
	t.DurationField = binary.BigEndian.Uint32(b[6:])
	return nil
}

// GrantUnicastTransmissionTLV Table 111 GRANT_UNICAST_TRANSMISSION TLV format
type GrantUnicastTransmissionTLV struct {
	TLVHead
	MsgTypeAndReserved    UnicastMsgTypeAndFlags // first 4 bits only, same enums as with normal message type
	LogInterMessagePeriod LogInterval
	DurationField         uint32
	Reserved              uint8
	Renewal               uint8
}

// MarshalBinaryTo marshals bytes to GrantUnicastTransmissionTLV
func (t *GrantUnicastTransmissionTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+8 {
		return 0, fmt.Errorf("not enough buffer to write GrantUnicastTransmissionTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	b[tlvHeadSize] = byte(t.MsgTypeAndReserved)
	b[tlvHeadSize+1] = byte(t.LogInterMessagePeriod)
	binary.BigEndian.PutUint32(b[tlvHeadSize+2:], t.DurationField)
	b[tlvHeadSize+6] = t.Reserved
	b[tlvHeadSize+7] = t.Renewal
	return tlvHeadSize + 8, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *GrantUnicastTransmissionTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 8, true); err != nil {
		return err
	}
	t.MsgTypeAndReserved = UnicastMsgTypeAndFlags(b[4])
	t.LogInterMessagePeriod = LogInterval(b[5])
	t.DurationField = binary.BigEndian.Uint32(b[6:])
	t.Reserved = b[10]
	t.Renewal = b[11]
	return nil
}

// CancelUnicastTransmissionTLV Table 112 CANCEL_UNICAST_TRANSMISSION TLV format
type CancelUnicastTransmissionTLV struct {
	TLVHead
	MsgTypeAndFlags UnicastMsgTypeAndFlags // first 4 bits is msg type, then flags R and/or G
	Reserved        uint8
}

// MarshalBinaryTo marshals bytes to CancelUnicastTransmissionTLV
func (t *CancelUnicastTransmissionTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+2 {
		return 0, fmt.Errorf("not enough buffer to write CancelUnicastTransmissionTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	b[tlvHeadSize] = byte(t.MsgTypeAndFlags)
	b[tlvHeadSize+1] = t.Reserved
	return tlvHeadSize + 2, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *CancelUnicastTransmissionTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 2, true); err != nil {
		return err
	}
	t.MsgTypeAndFlags = UnicastMsgTypeAndFlags(b[4])
	t.Reserved = b[5]
	return nil
}

// AcknowledgeCancelUnicastTransmissionTLV Table 113 ACKNOWLEDGE_CANCEL_UNICAST_TRANSMISSION TLV format
type AcknowledgeCancelUnicastTransmissionTLV struct {
	TLVHead
	MsgTypeAndFlags UnicastMsgTypeAndFlags // first 4 bits is msg type, then flags R and/or G
	Reserved        uint8
}

// MarshalBinaryTo marshals bytes to AcknowledgeCancelUnicastTransmissionTLV
func (t *AcknowledgeCancelUnicastTransmissionTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+2 {
		return 0, fmt.Errorf("not enough buffer to write AcknowledgeCancelUnicastTransmissionTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	b[tlvHeadSize] = byte(t.MsgTypeAndFlags)
	b[tlvHeadSize+1] = t.Reserved
	return tlvHeadSize + 2, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *AcknowledgeCancelUnicastTransmissionTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 2, true); err != nil {
		return err
	}
	t.MsgTypeAndFlags = UnicastMsgTypeAndFlags(b[4])
	t.Reserved = b[5]
	return nil
}

// other TLVs

// PathTraceTLV Table 115 PATH_TRACE TLV format
type PathTraceTLV struct {
	TLVHead
	// The value of the lengthField is 8N.
	PathSequence []ClockIdentity // N
}

// MarshalBinaryTo marshals bytes to PathTraceTLV
func (t *PathTraceTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+8*len(t.PathSequence) {
		return 0, fmt.Errorf("not enough buffer to write PathTraceTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	pos := tlvHeadSize
	for _, ps := range t.PathSequence {
		binary.BigEndian.PutUint64(b[pos:pos+8], uint64(ps))
		pos += 8
	}
	return pos, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *PathTraceTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 8, false); err != nil {
		return err
	}
	t.PathSequence = []ClockIdentity{}
	for i := 0; (i+1)*8 <= int(t.TLVHead.LengthField); i++ {
		pos := tlvHeadSize + i*8
		if pos+8 > len(b) {
			break
		}
		identity := ClockIdentity(binary.BigEndian.Uint64(b[pos:]))
		t.PathSequence = append(t.PathSequence, identity)
	}
	return nil
}

// AlternateTimeOffsetIndicatorTLV is a Table 116 ALTERNATE_TIME_OFFSET_INDICATOR TLV format
type AlternateTimeOffsetIndicatorTLV struct {
	TLVHead
	KeyField       uint8
	CurrentOffset  int32
	JumpSeconds    int32
	TimeOfNextJump PTPSeconds // uint48
	DisplayName    PTPText
}

// MarshalBinaryTo marshals bytes to AlternateTimeOffsetIndicatorTLV
func (t *AlternateTimeOffsetIndicatorTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+15 {
		return 0, fmt.Errorf("not enough buffer to write AlternateTimeOffsetIndicatorTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	b[tlvHeadSize] = t.KeyField
	binary.BigEndian.PutUint32(b[tlvHeadSize+1:], uint32(t.CurrentOffset))
	binary.BigEndian.PutUint32(b[tlvHeadSize+5:], uint32(t.JumpSeconds))
	copy(b[tlvHeadSize+9:], t.TimeOfNextJump[:]) //uint48
	size := tlvHeadSize + 15
	dd, err := t.DisplayName.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("writing AlternateTimeOffsetIndicatorTLV DisplayName: %w", err)
	}
	if len(b) < size+len(dd) {
		return 0, fmt.Errorf("not enough buffer to write AlternateTimeOffsetIndicatorTLV DisplayName")
	}
	copy(b[size:], dd)
	size += len(dd)
	return size, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *AlternateTimeOffsetIndicatorTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 16, false); err != nil {
		return err
	}
	t.KeyField = b[tlvHeadSize]
	t.CurrentOffset = int32(binary.BigEndian.Uint32(b[tlvHeadSize+1:]))
	t.JumpSeconds = int32(binary.BigEndian.Uint32(b[tlvHeadSize+5:]))
	copy(t.TimeOfNextJump[:], b[tlvHeadSize+9:]) // uint48
	if err := t.DisplayName.UnmarshalBinary(b[tlvHeadSize+15:]); err != nil {
		return fmt.Errorf("reading AlternateTimeOffsetIndicatorTLV DisplayName: %w", err)
	}
	return nil
}

// OrganizationExtensionTLV Table 53 ORGANIZATION_EXTENSION TLV: 3 bytes of
// OUI, 3 bytes of organization-defined subtype, and opaque payload.
type OrganizationExtensionTLV struct {
	TLVHead
	OrganizationID      [3]uint8
	OrganizationSubType [3]uint8
	DataField           []byte
}

// MarshalBinaryTo marshals bytes to OrganizationExtensionTLV
func (t *OrganizationExtensionTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+6+len(t.DataField) {
		return 0, fmt.Errorf("not enough buffer to write OrganizationExtensionTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	copy(b[tlvHeadSize:], t.OrganizationID[:])
	copy(b[tlvHeadSize+3:], t.OrganizationSubType[:])
	copy(b[tlvHeadSize+6:], t.DataField)
	return tlvHeadSize + 6 + len(t.DataField), nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *OrganizationExtensionTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 6, false); err != nil {
		return err
	}
	copy(t.OrganizationID[:], b[tlvHeadSize:])
	copy(t.OrganizationSubType[:], b[tlvHeadSize+3:])
	t.DataField = make([]byte, int(t.LengthField)-6)
	copy(t.DataField, b[tlvHeadSize+6:tlvHeadSize+int(t.LengthField)])
	return nil
}

// MessageAvailability flags for PortCommunicationAvailabilityTLV
const (
	MessageAvailabilityMulticastCapable  uint8 = 1 << 0
	MessageAvailabilityUnicastCapable    uint8 = 1 << 1
	MessageAvailabilityUnicastNegCapable uint8 = 1 << 2
)

// PortCommunicationAvailabilityTLV clause 16.8 PORT_COMMUNICATION_AVAILABILITY TLV
type PortCommunicationAvailabilityTLV struct {
	TLVHead
	SyncMessageAvailability      uint8
	DelayRespMessageAvailability uint8
}

// MarshalBinaryTo marshals bytes to PortCommunicationAvailabilityTLV
func (t *PortCommunicationAvailabilityTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+2 {
		return 0, fmt.Errorf("not enough buffer to write PortCommunicationAvailabilityTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	b[tlvHeadSize] = t.SyncMessageAvailability
	b[tlvHeadSize+1] = t.DelayRespMessageAvailability
	return tlvHeadSize + 2, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *PortCommunicationAvailabilityTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 2, true); err != nil {
		return err
	}
	t.SyncMessageAvailability = b[4]
	t.DelayRespMessageAvailability = b[5]
	return nil
}
