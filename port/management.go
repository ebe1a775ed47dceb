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
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/opensync/ptpd/protocol"
)

func (p *Port) mgmtResponseHead(req *protocol.Management, tlvBodyLen int) protocol.ManagementMsgHead {
	return protocol.ManagementMsgHead{
		Header: protocol.Header{
			SdoIDAndMsgType:    protocol.NewSdoIDAndMsgType(protocol.MessageManagement, 0),
			Version:            protocol.Version,
			MessageLength:      uint16(protocol.ManagementHeadSize + 4 + 2 + tlvBodyLen),
			DomainNumber:       p.cfg.DomainNumber,
			SequenceID:         req.SequenceID,
			SourcePortIdentity: p.identity,
			LogMessageInterval: protocol.MgmtLogMessageInterval,
		},
		TargetPortIdentity:   req.SourcePortIdentity,
		StartingBoundaryHops: req.StartingBoundaryHops,
		BoundaryHops:         req.StartingBoundaryHops,
		ActionField:          protocol.RESPONSE,
	}
}

func mgmtTLVHead(id protocol.ManagementID, bodyLen int) protocol.ManagementTLVHead {
	return protocol.ManagementTLVHead{
		TLVHead: protocol.TLVHead{
			TLVType:     protocol.TLVManagement,
			LengthField: uint16(2 + bodyLen),
		},
		ManagementID: id,
	}
}

// InjectManagement runs one management request against the port and returns
// the response: a Management RESPONSE for supported GETs, a
// MANAGEMENT_ERROR_STATUS otherwise.
func (p *Port) InjectManagement(req *protocol.Management) protocol.Packet {
	if req.TLV == nil {
		return protocol.NewManagementErrorStatus(req, protocol.ErrorWrongLength, "empty management TLV")
	}
	switch req.Action() {
	case protocol.GET:
	case protocol.SET:
		return protocol.NewManagementErrorStatus(req, protocol.ErrorNotSetable, "SET is not supported")
	default:
		return protocol.NewManagementErrorStatus(req, protocol.ErrorNotSupported, "unsupported action")
	}

	switch req.TLV.MgmtID() {
	case protocol.IDNullPTPManagement:
		resp := &protocol.Management{
			ManagementMsgHead: p.mgmtResponseHead(req, 0),
			TLV:               &protocol.ManagementTLVHead{TLVHead: protocol.TLVHead{TLVType: protocol.TLVManagement, LengthField: 2}, ManagementID: protocol.IDNullPTPManagement},
		}
		return resp

	case protocol.IDDefaultDataSet:
		body := 20
		tlv := &protocol.DefaultDataSetTLV{
			ManagementTLVHead: mgmtTLVHead(protocol.IDDefaultDataSet, body),
			SoTSC:             boolsToSoTSC(p.cfg.SlaveOnly, p.cfg.TwoStep),
			NumberPorts:       1,
			Priority1:         p.cfg.Priority1,
			ClockQuality:      p.cfg.ClockQuality,
			Priority2:         p.cfg.Priority2,
			ClockIdentity:     p.cfg.ClockIdentity,
			DomainNumber:      p.cfg.DomainNumber,
		}
		return &protocol.Management{ManagementMsgHead: p.mgmtResponseHead(req, body), TLV: tlv}

	case protocol.IDCurrentDataSet:
		body := 18
		tlv := &protocol.CurrentDataSetTLV{
			ManagementTLVHead: mgmtTLVHead(protocol.IDCurrentDataSet, body),
			StepsRemoved:      p.parentAnnounce.StepsRemoved + 1,
			OffsetFromMaster:  protocol.NewTimeInterval(p.srv.OffsetNs()),
			MeanPathDelay:     protocol.NewTimeInterval(p.srv.MeanPathDelayNs()),
		}
		return &protocol.Management{ManagementMsgHead: p.mgmtResponseHead(req, body), TLV: tlv}

	case protocol.IDParentDataSet:
		body := 32
		tlv := &protocol.ParentDataSetTLV{
			ManagementTLVHead:                     mgmtTLVHead(protocol.IDParentDataSet, body),
			ParentPortIdentity:                    p.parent,
			ObservedParentOffsetScaledLogVariance: 0xffff,
			GrandmasterPriority1:                  p.parentAnnounce.GrandmasterPriority1,
			GrandmasterClockQuality:               p.parentAnnounce.GrandmasterClockQuality,
			GrandmasterPriority2:                  p.parentAnnounce.GrandmasterPriority2,
			GrandmasterIdentity:                   p.parentAnnounce.GrandmasterIdentity,
		}
		return &protocol.Management{ManagementMsgHead: p.mgmtResponseHead(req, body), TLV: tlv}

	case protocol.IDTimePropertiesDataSet:
		body := 4
		tlv := &protocol.TimePropertiesDataSetTLV{
			ManagementTLVHead: mgmtTLVHead(protocol.IDTimePropertiesDataSet, body),
			CurrentUTCOffset:  p.timeProps.currentUTCOffset,
			DaylightSaving:    timePropsFlags(&p.timeProps),
			TimeSource:        p.timeProps.timeSource,
		}
		return &protocol.Management{ManagementMsgHead: p.mgmtResponseHead(req, body), TLV: tlv}

	case protocol.IDPortDataSet:
		body := 26
		tlv := &protocol.PortDataSetTLV{
			ManagementTLVHead:       mgmtTLVHead(protocol.IDPortDataSet, body),
			PortIdentity:            p.identity,
			PortState:               p.state,
			LogMinDelayReqInterval:  p.cfg.LogMinDelayReqInterval,
			PeerMeanPathDelay:       protocol.NewTimeInterval(p.meanLinkDelayNs),
			LogAnnounceInterval:     p.cfg.LogAnnounceInterval,
			AnnounceReceiptTimeout:  p.cfg.AnnounceReceiptTimeout,
			LogSyncInterval:         p.cfg.LogSyncInterval,
			DelayMechanism:          p.cfg.DelayMechanism,
			LogMinPdelayReqInterval: p.cfg.LogMinPdelayReqInterval,
			VersionNumber:           protocol.MajorVersion,
		}
		return &protocol.Management{ManagementMsgHead: p.mgmtResponseHead(req, body), TLV: tlv}
	}
	return protocol.NewManagementErrorStatus(req, protocol.ErrorNoSuchID, "unknown management id")
}

// the SO and TSC bits share one octet in DEFAULT_DATA_SET
func boolsToSoTSC(slaveOnly, twoStep bool) uint8 {
	v := uint8(0)
	if twoStep {
		v |= 1 << 0
	}
	if slaveOnly {
		v |= 1 << 1
	}
	return v
}

// the leap and traceability bits of TIME_PROPERTIES_DATA_SET
func timePropsFlags(tp *timeProperties) uint8 {
	v := uint8(0)
	if tp.leap61 {
		v |= 1 << 0
	}
	if tp.leap59 {
		v |= 1 << 1
	}
	if tp.utcOffsetValid {
		v |= 1 << 2
	}
	if tp.ptpTimescale {
		v |= 1 << 3
	}
	if tp.timeTraceable {
		v |= 1 << 4
	}
	if tp.freqTraceable {
		v |= 1 << 5
	}
	return v
}

func (p *Port) handleManagement(req *protocol.Management, from unix.Sockaddr) {
	if req.Action() == protocol.RESPONSE || req.Action() == protocol.ACKNOWLEDGE {
		// responses are for whoever asked, not for us
		return
	}
	resp := p.InjectManagement(req)
	m, ok := resp.(protocol.BinaryMarshaler)
	if !ok {
		return
	}
	b, err := m.MarshalBinary()
	if err != nil {
		log.Errorf("building management response: %v", err)
		return
	}
	b = append(b, 0, 0)
	if err := p.sender.SendGeneral(b, replyAddr(from, protocol.PortGeneral)); err != nil {
		log.Errorf("sending management response: %v", err)
		return
	}
	p.txMessages++
}
