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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Action indicate the action to be taken on receipt of the PTP message as defined in Table 57
type Action uint8

// actions as in Table 57 Values of the actionField
const (
	GET Action = iota
	SET
	RESPONSE
	COMMAND
	ACKNOWLEDGE
)

// ManagementID is type for Management IDs
type ManagementID uint16

// Subset of management IDs that we implement, as per Table 59 managementId values
const (
	IDNullPTPManagement ManagementID = 0x0000
	IDClockDescription  ManagementID = 0x0001
	IDUserDescription   ManagementID = 0x0002
	IDPortStatsNP       ManagementID = 0xC005

	IDDefaultDataSet        ManagementID = 0x2000
	IDCurrentDataSet        ManagementID = 0x2001
	IDParentDataSet         ManagementID = 0x2002
	IDTimePropertiesDataSet ManagementID = 0x2003
	IDPortDataSet           ManagementID = 0x2004
)

// ManagementIDToString is a map from ManagementID to string
var ManagementIDToString = map[ManagementID]string{
	IDNullPTPManagement:     "NULL_PTP_MANAGEMENT",
	IDClockDescription:      "CLOCK_DESCRIPTION",
	IDUserDescription:       "USER_DESCRIPTION",
	IDPortStatsNP:           "PORT_STATS_NP",
	IDDefaultDataSet:        "DEFAULT_DATA_SET",
	IDCurrentDataSet:        "CURRENT_DATA_SET",
	IDParentDataSet:         "PARENT_DATA_SET",
	IDTimePropertiesDataSet: "TIME_PROPERTIES_DATA_SET",
	IDPortDataSet:           "PORT_DATA_SET",
}

func (c ManagementID) String() string {
	return ManagementIDToString[c]
}

// ManagementErrorID is an enum for possible management errors
type ManagementErrorID uint16

// Table 109 ManagementErrorID enumeration
const (
	ErrorResponseTooBig ManagementErrorID = 0x0001
	ErrorNoSuchID       ManagementErrorID = 0x0002
	ErrorWrongLength    ManagementErrorID = 0x0003
	ErrorWrongValue     ManagementErrorID = 0x0004
	ErrorNotSetable     ManagementErrorID = 0x0005
	ErrorNotSupported   ManagementErrorID = 0x0006
	ErrorGeneralError   ManagementErrorID = 0xFFFE
)

// ManagementErrorIDToString is a map from ManagementErrorID to string
var ManagementErrorIDToString = map[ManagementErrorID]string{
	ErrorResponseTooBig: "RESPONSE_TOO_BIG",
	ErrorNoSuchID:       "NO_SUCH_ID",
	ErrorWrongLength:    "WRONG_LENGTH",
	ErrorWrongValue:     "WRONG_VALUE",
	ErrorNotSetable:     "NOT_SETABLE",
	ErrorNotSupported:   "NOT_SUPPORTED",
	ErrorGeneralError:   "GENERAL_ERROR",
}

func (t ManagementErrorID) String() string {
	return ManagementErrorIDToString[t]
}

func (t ManagementErrorID) Error() string {
	return fmt.Sprintf("got Management Error %s (0x%04x)", t.String(), uint16(t))
}

// ManagementTLVHead Spec Table 58 - Management TLV fields
type ManagementTLVHead struct {
	TLVHead

	ManagementID ManagementID
}

// MgmtID returns ManagementID
func (p *ManagementTLVHead) MgmtID() ManagementID {
	return p.ManagementID
}

// MarshalBinary converts the bare TLV head to []bytes, the body of GET
// requests and empty responses
func (p *ManagementTLVHead) MarshalBinary() ([]byte, error) {
	return mgmtTLVMarshalBinary(p)
}

// ManagementMsgHead Spec Table 56 - Management message fields
type ManagementMsgHead struct {
	Header

	TargetPortIdentity   PortIdentity
	StartingBoundaryHops uint8
	BoundaryHops         uint8
	ActionField          Action
	Reserved             uint8
}

// Action returns ActionField
func (p *ManagementMsgHead) Action() Action {
	return p.ActionField
}

// ManagementHeadSize is the ManagementMsgHead wire size
const ManagementHeadSize = headerSize + 14

const mgmtHeadSize = ManagementHeadSize

// ManagementTLV abstracts away any TLV that can ride in a management message
type ManagementTLV interface {
	TLV
	MgmtID() ManagementID
}

// Management is a generic management message with a single management TLV
type Management struct {
	ManagementMsgHead
	TLV ManagementTLV
}

// MarshalBinary converts packet to []bytes
func (p *Management) MarshalBinary() ([]byte, error) {
	var bb bytes.Buffer
	be := binary.BigEndian
	if err := binary.Write(&bb, be, &p.ManagementMsgHead); err != nil {
		return nil, fmt.Errorf("writing Management head: %w", err)
	}
	tm, ok := p.TLV.(BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("management TLV %s doesn't support marshalling", p.TLV.MgmtID())
	}
	tb, err := tm.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("writing Management TLV %s: %w", p.TLV.MgmtID(), err)
	}
	bb.Write(tb)
	return bb.Bytes(), nil
}

// CurrentDataSetTLV Spec Table 84 - CURRENT_DATA_SET management TLV data field
type CurrentDataSetTLV struct {
	ManagementTLVHead

	StepsRemoved     uint16
	OffsetFromMaster TimeInterval
	MeanPathDelay    TimeInterval
}

// DefaultDataSetTLV Spec Table 69 - DEFAULT_DATA_SET management TLV data field
type DefaultDataSetTLV struct {
	ManagementTLVHead

	SoTSC         uint8
	Reserved0     uint8
	NumberPorts   uint16
	Priority1     uint8
	ClockQuality  ClockQuality
	Priority2     uint8
	ClockIdentity ClockIdentity
	DomainNumber  uint8
	Reserved1     uint8
}

// ParentDataSetTLV Spec Table 85 - PARENT_DATA_SET management TLV data field
type ParentDataSetTLV struct {
	ManagementTLVHead

	ParentPortIdentity                    PortIdentity
	PS                                    uint8
	Reserved                              uint8
	ObservedParentOffsetScaledLogVariance uint16
	ObservedParentClockPhaseChangeRate    uint32
	GrandmasterPriority1                  uint8
	GrandmasterClockQuality               ClockQuality
	GrandmasterPriority2                  uint8
	GrandmasterIdentity                   ClockIdentity
}

// TimePropertiesDataSetTLV Spec Table 86 - TIME_PROPERTIES_DATA_SET management TLV data field
type TimePropertiesDataSetTLV struct {
	ManagementTLVHead

	CurrentUTCOffset int16
	DaylightSaving   uint8
	TimeSource       TimeSource
}

// PortDataSetTLV Spec Table 87 - PORT_DATA_SET management TLV data field
type PortDataSetTLV struct {
	ManagementTLVHead

	PortIdentity            PortIdentity
	PortState               PortState
	LogMinDelayReqInterval  LogInterval
	PeerMeanPathDelay       TimeInterval
	LogAnnounceInterval     LogInterval
	AnnounceReceiptTimeout  uint8
	LogSyncInterval         LogInterval
	DelayMechanism          DelayMechanism
	LogMinPdelayReqInterval LogInterval
	VersionNumber           uint8
}

// fixed-size management TLVs marshal through binary.Write
func mgmtTLVMarshalBinary(tlv any) ([]byte, error) {
	var bb bytes.Buffer
	if err := binary.Write(&bb, binary.BigEndian, tlv); err != nil {
		return nil, err
	}
	return bb.Bytes(), nil
}

// MarshalBinary converts CurrentDataSetTLV to []bytes
func (t *CurrentDataSetTLV) MarshalBinary() ([]byte, error) { return mgmtTLVMarshalBinary(t) }

// MarshalBinary converts DefaultDataSetTLV to []bytes
func (t *DefaultDataSetTLV) MarshalBinary() ([]byte, error) { return mgmtTLVMarshalBinary(t) }

// MarshalBinary converts ParentDataSetTLV to []bytes
func (t *ParentDataSetTLV) MarshalBinary() ([]byte, error) { return mgmtTLVMarshalBinary(t) }

// MarshalBinary converts TimePropertiesDataSetTLV to []bytes
func (t *TimePropertiesDataSetTLV) MarshalBinary() ([]byte, error) { return mgmtTLVMarshalBinary(t) }

// MarshalBinary converts PortDataSetTLV to []bytes
func (t *PortDataSetTLV) MarshalBinary() ([]byte, error) { return mgmtTLVMarshalBinary(t) }

// ManagementErrorStatusTLV spec Table 108 MANAGEMENT_ERROR_STATUS TLV format
type ManagementErrorStatusTLV struct {
	TLVHead

	ManagementErrorID ManagementErrorID
	ManagementID      ManagementID
	Reserved          int32
	DisplayData       PTPText
}

// MgmtID returns the ManagementID that the error is about
func (t *ManagementErrorStatusTLV) MgmtID() ManagementID {
	return t.ManagementID
}

// MarshalBinary converts ManagementErrorStatusTLV to []bytes
func (t *ManagementErrorStatusTLV) MarshalBinary() ([]byte, error) {
	var bb bytes.Buffer
	be := binary.BigEndian
	if err := binary.Write(&bb, be, t.TLVHead); err != nil {
		return nil, fmt.Errorf("writing ManagementErrorStatusTLV TLVHead: %w", err)
	}
	if err := binary.Write(&bb, be, t.ManagementErrorID); err != nil {
		return nil, fmt.Errorf("writing ManagementErrorStatusTLV ManagementErrorID: %w", err)
	}
	if err := binary.Write(&bb, be, t.ManagementID); err != nil {
		return nil, fmt.Errorf("writing ManagementErrorStatusTLV ManagementID: %w", err)
	}
	if err := binary.Write(&bb, be, t.Reserved); err != nil {
		return nil, fmt.Errorf("writing ManagementErrorStatusTLV Reserved: %w", err)
	}
	if t.DisplayData != "" {
		dd, err := t.DisplayData.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("writing ManagementErrorStatusTLV DisplayData: %w", err)
		}
		bb.Write(dd)
	}
	return bb.Bytes(), nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *ManagementErrorStatusTLV) UnmarshalBinary(b []byte) error {
	reader := bytes.NewReader(b)
	be := binary.BigEndian
	if err := binary.Read(reader, be, &t.TLVHead); err != nil {
		return fmt.Errorf("reading ManagementErrorStatusTLV TLVHead: %w", err)
	}
	if err := binary.Read(reader, be, &t.ManagementErrorID); err != nil {
		return fmt.Errorf("reading ManagementErrorStatusTLV ManagementErrorID: %w", err)
	}
	if err := binary.Read(reader, be, &t.ManagementID); err != nil {
		return fmt.Errorf("reading ManagementErrorStatusTLV ManagementID: %w", err)
	}
	if err := binary.Read(reader, be, &t.Reserved); err != nil {
		return fmt.Errorf("reading ManagementErrorStatusTLV Reserved: %w", err)
	}
	if int(t.LengthField) > 10 && reader.Len() > 0 {
		data := make([]byte, reader.Len())
		if _, err := io.ReadFull(reader, data); err != nil {
			return err
		}
		if err := t.DisplayData.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("reading ManagementErrorStatusTLV DisplayData: %w", err)
		}
	}
	return nil
}

// ManagementMsgErrorStatus is header + ManagementErrorStatusTLV
type ManagementMsgErrorStatus struct {
	ManagementMsgHead
	ManagementErrorStatusTLV
}

// UnmarshalBinary parses []byte and populates struct fields
func (p *ManagementMsgErrorStatus) UnmarshalBinary(b []byte) error {
	if len(b) < mgmtHeadSize {
		return fmt.Errorf("not enough data to decode ManagementMsgErrorStatus")
	}
	reader := bytes.NewReader(b)
	be := binary.BigEndian
	if err := binary.Read(reader, be, &p.ManagementMsgHead); err != nil {
		return fmt.Errorf("reading ManagementMsgErrorStatus head: %w", err)
	}
	return p.ManagementErrorStatusTLV.UnmarshalBinary(b[mgmtHeadSize:])
}

// MarshalBinary converts packet to []bytes
func (p *ManagementMsgErrorStatus) MarshalBinary() ([]byte, error) {
	var bb bytes.Buffer
	be := binary.BigEndian
	if err := binary.Write(&bb, be, &p.ManagementMsgHead); err != nil {
		return nil, fmt.Errorf("writing ManagementMsgErrorStatus head: %w", err)
	}
	tb, err := p.ManagementErrorStatusTLV.MarshalBinary()
	if err != nil {
		return nil, err
	}
	bb.Write(tb)
	return bb.Bytes(), nil
}

// NewManagementErrorStatus builds a MANAGEMENT_ERROR_STATUS response to the
// given request, carrying the offending managementId and a display text.
func NewManagementErrorStatus(req *Management, errorID ManagementErrorID, display PTPText) *ManagementMsgErrorStatus {
	mgmtID := IDNullPTPManagement
	if req.TLV != nil {
		mgmtID = req.TLV.MgmtID()
	}
	tlvLen := uint16(8 + 1 + len(display))
	if tlvLen%2 != 0 {
		tlvLen++
	}
	resp := &ManagementMsgErrorStatus{
		ManagementMsgHead: ManagementMsgHead{
			Header: Header{
				SdoIDAndMsgType:    NewSdoIDAndMsgType(MessageManagement, 0),
				Version:            Version,
				MessageLength:      uint16(mgmtHeadSize+tlvHeadSize) + tlvLen,
				SequenceID:         req.SequenceID,
				SourcePortIdentity: req.TargetPortIdentity,
				LogMessageInterval: MgmtLogMessageInterval,
			},
			TargetPortIdentity:   req.SourcePortIdentity,
			StartingBoundaryHops: req.StartingBoundaryHops,
			BoundaryHops:         req.StartingBoundaryHops,
			ActionField:          RESPONSE,
		},
		ManagementErrorStatusTLV: ManagementErrorStatusTLV{
			TLVHead: TLVHead{
				TLVType:     TLVManagementErrorStatus,
				LengthField: tlvLen,
			},
			ManagementErrorID: errorID,
			ManagementID:      mgmtID,
			DisplayData:       display,
		},
	}
	return resp
}

// decodeMgmtPacket decodes any management packet we support
func decodeMgmtPacket(b []byte) (Packet, error) {
	if len(b) < mgmtHeadSize+tlvHeadSize+2 {
		return nil, fmt.Errorf("not enough data to decode Management")
	}
	head := ManagementMsgHead{}
	tlvHead := ManagementTLVHead{}
	reader := bytes.NewReader(b)
	be := binary.BigEndian
	if err := binary.Read(reader, be, &head); err != nil {
		return nil, fmt.Errorf("reading Management head: %w", err)
	}
	if err := binary.Read(reader, be, &tlvHead.TLVHead); err != nil {
		return nil, fmt.Errorf("reading Management TLVHead: %w", err)
	}

	if tlvHead.TLVType == TLVManagementErrorStatus {
		p := &ManagementMsgErrorStatus{}
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return p, nil
	}
	if tlvHead.TLVType != TLVManagement {
		return nil, fmt.Errorf("unsupported TLV type %s (%d) in Management message", tlvHead.TLVType, tlvHead.TLVType)
	}
	if err := binary.Read(reader, be, &tlvHead.ManagementID); err != nil {
		return nil, fmt.Errorf("reading Management ManagementID: %w", err)
	}

	p := &Management{ManagementMsgHead: head}
	readTLV := func(tlv ManagementTLV) error {
		if err := binary.Read(bytes.NewReader(b[mgmtHeadSize:]), be, tlv); err != nil {
			return fmt.Errorf("reading Management TLV %s: %w", tlvHead.ManagementID, err)
		}
		p.TLV = tlv
		return nil
	}

	switch tlvHead.ManagementID {
	case IDNullPTPManagement:
		p.TLV = &tlvHead
		return p, nil
	case IDCurrentDataSet:
		if err := readTLV(&CurrentDataSetTLV{}); err != nil {
			return nil, err
		}
	case IDDefaultDataSet:
		if err := readTLV(&DefaultDataSetTLV{}); err != nil {
			return nil, err
		}
	case IDParentDataSet:
		if err := readTLV(&ParentDataSetTLV{}); err != nil {
			return nil, err
		}
	case IDTimePropertiesDataSet:
		if err := readTLV(&TimePropertiesDataSetTLV{}); err != nil {
			return nil, err
		}
	case IDPortDataSet:
		if err := readTLV(&PortDataSetTLV{}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported management TLV 0x%x", uint16(tlvHead.ManagementID))
	}
	return p, nil
}

// GET requests are header + management TLV head with no body. On decode the
// binary.Read of a full dataset TLV would fail for them, so requests are
// recognised by length before the full parse.
func decodeMgmtRequest(b []byte) (*Management, error) {
	head := ManagementMsgHead{}
	tlvHead := ManagementTLVHead{}
	reader := bytes.NewReader(b)
	be := binary.BigEndian
	if err := binary.Read(reader, be, &head); err != nil {
		return nil, fmt.Errorf("reading Management head: %w", err)
	}
	if err := binary.Read(reader, be, &tlvHead.TLVHead); err != nil {
		return nil, fmt.Errorf("reading Management TLVHead: %w", err)
	}
	if tlvHead.TLVType != TLVManagement {
		return nil, fmt.Errorf("unsupported TLV type %s (%d) in Management request", tlvHead.TLVType, tlvHead.TLVType)
	}
	if err := binary.Read(reader, be, &tlvHead.ManagementID); err != nil {
		return nil, fmt.Errorf("reading Management ManagementID: %w", err)
	}
	return &Management{ManagementMsgHead: head, TLV: &tlvHead}, nil
}

// DecodeMgmtPacket decodes a management message. Bare GET requests decode to a
// Management with just the TLV head; responses decode to the full dataset.
func DecodeMgmtPacket(b []byte) (Packet, error) {
	if len(b) < mgmtHeadSize+tlvHeadSize+2 {
		return nil, fmt.Errorf("not enough data to decode Management")
	}
	head := Header{}
	unmarshalHeader(&head, b)
	if int(head.MessageLength) <= mgmtHeadSize+tlvHeadSize+2 {
		return decodeMgmtRequest(b)
	}
	return decodeMgmtPacket(b)
}
