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

// Package port is the PTP port engine: the nine-state machine sequencing
// message exchange, timestamp pairing and best master selection, feeding
// completed timestamp sets to the servo.
package port

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/opensync/ptpd/bmc"
	"github.com/opensync/ptpd/protocol"
	"github.com/opensync/ptpd/servo"
	"github.com/opensync/ptpd/transport"
)

// DefaultAnnounceReceiptTimeout is how many announce intervals without a
// fresh Announce mean the master is gone
const DefaultAnnounceReceiptTimeout = 3

// timestampFailureLimit is how many consecutive timestamp losses raise the alarm
const timestampFailureLimit = 3

// Sender is what the port engine needs from the transport
type Sender interface {
	SendEvent(b []byte, dst unix.Sockaddr, tag transport.Tag) error
	SendGeneral(b []byte, dst unix.Sockaddr) error
	SendPeerEvent(b []byte, tag transport.Tag) error
	SendPeerGeneral(b []byte) error
}

// TimeSource reads the local clock, used for estimated origin timestamps
// when acting as master. Precise ones come from TX timestamps.
type TimeSource interface {
	Time() (time.Time, error)
}

// Config is the per-port configuration
type Config struct {
	PortNumber    uint16
	ClockIdentity protocol.ClockIdentity
	DomainNumber  uint8

	Priority1    uint8
	Priority2    uint8
	ClockQuality protocol.ClockQuality
	SlaveOnly    bool
	// TwoStep controls whether we emit FollowUp when acting as master
	TwoStep bool
	Unicast bool

	DelayMechanism protocol.DelayMechanism

	LogAnnounceInterval     protocol.LogInterval
	LogSyncInterval         protocol.LogInterval
	LogMinDelayReqInterval  protocol.LogInterval
	LogMinPdelayReqInterval protocol.LogInterval
	AnnounceReceiptTimeout  uint8

	CurrentUTCOffset int16
	ForeignRecords   int
}

func (c *Config) announceInterval() time.Duration {
	return c.LogAnnounceInterval.Duration()
}

func (c *Config) announceReceiptTimeout() time.Duration {
	n := c.AnnounceReceiptTimeout
	if n == 0 {
		n = DefaultAnnounceReceiptTimeout
	}
	return time.Duration(n) * c.announceInterval()
}

// timeProperties is the port's view of the timescale, fed from Announce
type timeProperties struct {
	currentUTCOffset int16
	utcOffsetValid   bool
	leap61           bool
	leap59           bool
	timeTraceable    bool
	freqTraceable    bool
	ptpTimescale     bool
	timeSource       protocol.TimeSource
}

// syncPairing is the in-flight state of one Sync/FollowUp exchange
type syncPairing struct {
	valid   bool
	twoStep bool
	seq     uint16
	rx      time.Time
	corr    protocol.Correction
	// logSyncInterval from the Sync header bounds how late a FollowUp may be
	interval protocol.LogInterval
	at       time.Time
}

// pdelayPairing is the in-flight state of one peer delay measurement round
type pdelayPairing struct {
	valid bool
	seq   uint16
	t1    time.Time // our PDelayReq egress
	t2    time.Time // peer's request receipt
	t3    time.Time // peer's response origin
	t4    time.Time // our PDelayResp ingress
	corr  float64   // accumulated corrections, fractional ns
}

// pdelayRespCtx is what a two-step responder remembers between sending
// PDelayResp and learning its precise egress time
type pdelayRespCtx struct {
	requestor protocol.PortIdentity
	reqCorr   protocol.Correction
}

// Stats is a snapshot of port counters
type Stats struct {
	State             protocol.PortState
	RxMessages        uint64
	TxMessages        uint64
	DecodeErrors      uint64
	MissingFollowUps  uint64
	MissingDelayResps uint64
	MasterChanges     uint64
	Alarms            Alarm
}

// Port is one PTP port engine. It is single-threaded by design: every entry
// point is called from the owning event loop, never concurrently.
type Port struct {
	cfg    *Config
	sender Sender
	srv    *servo.Servo
	clk    TimeSource

	state    protocol.PortState
	identity protocol.PortIdentity

	parent         protocol.PortIdentity
	parentAnnounce protocol.AnnounceBody
	timeProps      timeProperties

	fmds   *bmc.ForeignMasterDS
	timers *TimerBank
	Alarms AlarmSet

	// per-role sequence counters for what we send
	sentSync      uint16
	sentDelayReq  uint16
	sentAnnounce  uint16
	sentPDelayReq uint16
	sentSignaling uint16
	recvPDelayReq uint64

	// last sequence id seen per source, for duplicate/stale drop
	lastAnnounceSeq map[protocol.PortIdentity]uint16
	lastSyncSeq     map[protocol.PortIdentity]uint16

	sync    syncPairing
	tset    servo.TimestampSet
	pdelay  pdelayPairing
	pdResps map[uint16]pdelayRespCtx
	// two-step Syncs sent as master that still await their FollowUp, keyed by sequence
	pendingFollowUp map[uint16]bool

	// E2E: sequence of the DelayReq awaiting t3/t4
	delayReqSeq   uint16
	delayReqValid bool

	meanLinkDelayNs float64
	linkDelayValid  bool

	rxMessages        uint64
	txMessages        uint64
	decodeErrors      uint64
	missingFollowUps  uint64
	missingDelayResps uint64
	masterChanges     uint64
	txTsFailures      int
	rxTsFailures      int

	now func() time.Time
}

// New creates a port engine in INITIALIZING state
func New(cfg *Config, sender Sender, srv *servo.Servo, clk TimeSource) *Port {
	fr := cfg.ForeignRecords
	if fr == 0 {
		fr = bmc.DefaultForeignRecords
	}
	p := &Port{
		cfg:    cfg,
		sender: sender,
		srv:    srv,
		clk:    clk,
		state:  protocol.PortStateInitializing,
		identity: protocol.PortIdentity{
			ClockIdentity: cfg.ClockIdentity,
			PortNumber:    cfg.PortNumber,
		},
		fmds:            bmc.NewForeignMasterDS(fr),
		timers:          NewTimerBank(),
		lastAnnounceSeq: map[protocol.PortIdentity]uint16{},
		lastSyncSeq:     map[protocol.PortIdentity]uint16{},
		pdResps:         map[uint16]pdelayRespCtx{},
		pendingFollowUp: map[uint16]bool{},
		now:             time.Now,
	}
	p.timeProps.currentUTCOffset = cfg.CurrentUTCOffset
	return p
}

// State returns the current port state
func (p *Port) State() protocol.PortState {
	return p.state
}

// Identity returns our port identity
func (p *Port) Identity() protocol.PortIdentity {
	return p.identity
}

// Parent returns the identity of the current master, zero when none
func (p *Port) Parent() protocol.PortIdentity {
	return p.parent
}

// MeanLinkDelayNs returns the P2P link delay estimate
func (p *Port) MeanLinkDelayNs() float64 {
	return p.meanLinkDelayNs
}

// Statistics returns a snapshot of the counters
func (p *Port) Statistics() Stats {
	return Stats{
		State:             p.state,
		RxMessages:        p.rxMessages,
		TxMessages:        p.txMessages,
		DecodeErrors:      p.decodeErrors,
		MissingFollowUps:  p.missingFollowUps,
		MissingDelayResps: p.missingDelayResps,
		MasterChanges:     p.masterChanges,
		Alarms:            p.Alarms.All(),
	}
}

func (p *Port) setState(s protocol.PortState) {
	if p.state == s {
		return
	}
	log.Infof("port %s: %s -> %s", p.identity, p.state, s)
	p.state = s
}

// Enable brings the port from INITIALIZING or DISABLED into LISTENING
func (p *Port) Enable() {
	if p.state != protocol.PortStateInitializing && p.state != protocol.PortStateDisabled {
		return
	}
	p.setState(protocol.PortStateListening)
	p.timers.Start(TimerAnnounceInterval, p.cfg.announceInterval())
	p.timers.Start(TimerAnnounceReceiptTimeout, p.cfg.announceReceiptTimeout())
	p.timers.Start(TimerForeignMaster, p.cfg.announceInterval())
	if p.cfg.DelayMechanism == protocol.DelayMechanismP2P {
		p.timers.StartRandom(TimerPDelayReqInterval, p.cfg.LogMinPdelayReqInterval.Duration())
	}
}

// Disable deterministically stops the port: all timers cancelled, state DISABLED
func (p *Port) Disable() {
	p.timers.StopAll()
	p.tset.Invalidate()
	p.sync = syncPairing{}
	p.pdelay = pdelayPairing{}
	p.delayReqValid = false
	p.setState(protocol.PortStateDisabled)
}

// Fault moves the port to FAULTY. Only fatal setup errors land here.
func (p *Port) Fault(err error) {
	log.Errorf("port %s fault: %v", p.identity, err)
	p.timers.StopAll()
	p.setState(protocol.PortStateFaulty)
}

// couple of helpers to log nice lines about happening communication
func (p *Port) logSent(t protocol.MessageType, msg string, v ...any) {
	log.Debugf(color.GreenString("[%s] -> %s (%s)", p.identity, t, fmt.Sprintf(msg, v...)))
}

func (p *Port) logReceive(t protocol.MessageType, msg string, v ...any) {
	log.Debugf(color.BlueString("[%s] <- %s (%s)", p.identity, t, fmt.Sprintf(msg, v...)))
}

func (p *Port) flags() uint16 {
	f := uint16(0)
	if p.cfg.Unicast {
		f |= protocol.FlagUnicast
	}
	return f
}

func (p *Port) headerFor(msgType protocol.MessageType, length uint16, seq uint16, li protocol.LogInterval) protocol.Header {
	return protocol.Header{
		SdoIDAndMsgType:    protocol.NewSdoIDAndMsgType(msgType, 0),
		Version:            protocol.Version,
		MessageLength:      length,
		DomainNumber:       p.cfg.DomainNumber,
		FlagField:          p.flags(),
		SequenceID:         seq,
		SourcePortIdentity: p.identity,
		LogMessageInterval: li,
	}
}

// staleSeq reports whether seq is a duplicate or older than last within the
// current epoch of the 16-bit sequence space
func staleSeq(seq, last uint16) bool {
	return seq == last || seq-last > 0x8000
}

// ---- receive paths ----

// HandleEvent processes one datagram from the event socket together with
// its RX timestamp.
func (p *Port) HandleEvent(b []byte, from unix.Sockaddr, rxTS time.Time) {
	if p.state == protocol.PortStateDisabled || p.state == protocol.PortStateFaulty {
		return
	}
	p.rxMessages++
	pkt, err := protocol.DecodePacket(b)
	if err != nil {
		p.decodeErrors++
		log.Debugf("event message decode: %v", err)
		return
	}
	if rxTS.IsZero() && pkt.MessageType().Event() {
		p.rxTsFailures++
		if p.rxTsFailures >= timestampFailureLimit {
			p.Alarms.Raise(AlarmNoRxTimestamps)
		}
		log.Debugf("dropping %s without RX timestamp", pkt.MessageType())
		return
	}
	p.rxTsFailures = 0
	p.Alarms.Clear(AlarmNoRxTimestamps)

	switch msg := pkt.(type) {
	case *protocol.SyncDelayReq:
		if pkt.MessageType() == protocol.MessageSync {
			p.handleSync(msg, rxTS)
		} else {
			p.handleDelayReq(msg, from, rxTS)
		}
	case *protocol.PDelayReq:
		p.handlePDelayReq(msg, rxTS)
	case *protocol.PDelayResp:
		p.handlePDelayResp(msg, rxTS)
	default:
		log.Debugf("unexpected %s on event port", pkt.MessageType())
	}
}

// HandleGeneral processes one datagram from the general socket
func (p *Port) HandleGeneral(b []byte, from unix.Sockaddr) {
	if p.state == protocol.PortStateDisabled || p.state == protocol.PortStateFaulty {
		return
	}
	p.rxMessages++
	pkt, err := protocol.DecodePacket(b)
	if err != nil {
		p.decodeErrors++
		log.Debugf("general message decode: %v", err)
		return
	}
	switch msg := pkt.(type) {
	case *protocol.Announce:
		p.handleAnnounce(msg, from)
	case *protocol.FollowUp:
		p.handleFollowUp(msg)
	case *protocol.DelayResp:
		p.handleDelayResp(msg)
	case *protocol.PDelayRespFollowUp:
		p.handlePDelayRespFollowUp(msg)
	case *protocol.Management:
		p.handleManagement(msg, from)
	case *protocol.Signaling:
		log.Debugf("ignoring signaling message from %s", msg.SourcePortIdentity)
	default:
		log.Debugf("unexpected %s on general port", pkt.MessageType())
	}
}

func (p *Port) handleAnnounce(msg *protocol.Announce, from unix.Sockaddr) {
	src := msg.SourcePortIdentity
	if src.ClockIdentity == p.cfg.ClockIdentity {
		// our own multicast looped back
		return
	}
	if msg.DomainNumber != p.cfg.DomainNumber {
		return
	}
	if last, ok := p.lastAnnounceSeq[src]; ok && staleSeq(msg.SequenceID, last) {
		log.Debugf("dropping stale announce seq=%d from %s", msg.SequenceID, src)
		return
	}
	p.lastAnnounceSeq[src] = msg.SequenceID
	p.logReceive(protocol.MessageAnnounce, "seq=%d gm=%s prio1=%d class=%d steps=%d",
		msg.SequenceID, msg.GrandmasterIdentity, msg.GrandmasterPriority1,
		msg.GrandmasterClockQuality.ClockClass, msg.StepsRemoved)

	if !p.fmds.Observe(msg, from, p.now()) {
		return
	}
	if src == p.parent {
		p.timers.Start(TimerAnnounceReceiptTimeout, p.cfg.announceReceiptTimeout())
		p.adoptTimeProperties(msg)
		p.Alarms.Clear(AlarmNoMaster)
	}
	p.runBMCA()
}

func (p *Port) adoptTimeProperties(msg *protocol.Announce) {
	p.parentAnnounce = msg.AnnounceBody
	p.timeProps.currentUTCOffset = msg.CurrentUTCOffset
	p.timeProps.utcOffsetValid = msg.FlagField&protocol.FlagCurrentUtcOffsetValid != 0
	leap61 := msg.FlagField&protocol.FlagLeap61 != 0
	leap59 := msg.FlagField&protocol.FlagLeap59 != 0
	if (leap61 || leap59) && !p.timeProps.leap61 && !p.timeProps.leap59 {
		// hold off stepping around the leap event itself
		log.Warningf("leap second pending (61=%v 59=%v)", leap61, leap59)
		p.timers.Start(TimerLeapSecond, time.Until(endOfUTCDay(p.now())))
	}
	p.timeProps.leap61 = leap61
	p.timeProps.leap59 = leap59
	p.timeProps.timeTraceable = msg.FlagField&protocol.FlagTimeTraceable != 0
	p.timeProps.freqTraceable = msg.FlagField&protocol.FlagFrequencyTraceable != 0
	p.timeProps.ptpTimescale = msg.FlagField&protocol.FlagPTPTimescale != 0
	p.timeProps.timeSource = msg.TimeSource
}

func endOfUTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 60, 0, time.UTC)
}

func (p *Port) handleSync(msg *protocol.SyncDelayReq, rxTS time.Time) {
	if p.state != protocol.PortStateSlave && p.state != protocol.PortStateUncalibrated {
		return
	}
	if msg.SourcePortIdentity != p.parent {
		return
	}
	if last, ok := p.lastSyncSeq[msg.SourcePortIdentity]; ok && staleSeq(msg.SequenceID, last) {
		log.Debugf("dropping stale sync seq=%d", msg.SequenceID)
		return
	}
	p.lastSyncSeq[msg.SourcePortIdentity] = msg.SequenceID
	p.logReceive(protocol.MessageSync, "seq=%d T2=%v", msg.SequenceID, rxTS)

	p.srv.SyncInterval(msg.LogMessageInterval.Duration().Seconds())

	if msg.FlagField&protocol.FlagTwoStep != 0 {
		// remember and wait for the FollowUp carrying the precise origin
		p.sync = syncPairing{
			valid:    true,
			twoStep:  true,
			seq:      msg.SequenceID,
			rx:       rxTS,
			corr:     msg.CorrectionField,
			interval: msg.LogMessageInterval,
			at:       p.now(),
		}
		return
	}
	// one-step: t1 is right in the message
	p.sync = syncPairing{}
	p.tset.T1 = msg.OriginTimestamp.Time()
	p.tset.T2 = rxTS
	p.tset.C1 = msg.CorrectionField
	p.maybeFeedServo()
}

func (p *Port) handleFollowUp(msg *protocol.FollowUp) {
	if msg.SourcePortIdentity != p.parent {
		return
	}
	if !p.sync.valid || msg.SequenceID != p.sync.seq {
		p.missingFollowUps++
		if p.missingFollowUps%timestampFailureLimit == 0 {
			p.Alarms.Raise(AlarmNoFollowUps)
		}
		log.Debugf("dropping follow-up seq=%d, expected %d", msg.SequenceID, p.sync.seq)
		return
	}
	// out-of-order FollowUp: only accepted within the current sync interval
	if p.now().Sub(p.sync.at) > p.sync.interval.Duration() {
		p.missingFollowUps++
		p.sync = syncPairing{}
		log.Debugf("dropping late follow-up seq=%d", msg.SequenceID)
		return
	}
	p.logReceive(protocol.MessageFollowUp, "seq=%d T1=%v", msg.SequenceID, msg.PreciseOriginTimestamp.Time())
	p.Alarms.Clear(AlarmNoFollowUps)

	p.tset.T1 = msg.PreciseOriginTimestamp.Time()
	p.tset.T2 = p.sync.rx
	// corrections of the Sync and its FollowUp both belong to the
	// master-to-slave path
	p.tset.C1 = protocol.Correction(int64(p.sync.corr) + int64(msg.CorrectionField))
	p.sync = syncPairing{}
	p.maybeFeedServo()
}

func (p *Port) handleDelayResp(msg *protocol.DelayResp) {
	if p.state != protocol.PortStateSlave && p.state != protocol.PortStateUncalibrated {
		return
	}
	if p.cfg.DelayMechanism != protocol.DelayMechanismE2E {
		p.Alarms.Raise(AlarmCapsMismatch)
		return
	}
	if msg.RequestingPortIdentity != p.identity {
		return
	}
	if !p.delayReqValid || msg.SequenceID != p.delayReqSeq {
		p.missingDelayResps++
		if p.missingDelayResps%timestampFailureLimit == 0 {
			p.Alarms.Raise(AlarmNoDelayResps)
		}
		log.Debugf("dropping delay-resp seq=%d, expected %d", msg.SequenceID, p.delayReqSeq)
		return
	}
	p.logReceive(protocol.MessageDelayResp, "seq=%d T4=%v", msg.SequenceID, msg.ReceiveTimestamp.Time())
	p.Alarms.Clear(AlarmNoDelayResps)

	p.tset.T4 = msg.ReceiveTimestamp.Time()
	p.tset.C2 = msg.CorrectionField
	p.delayReqValid = false
	p.maybeFeedServo()
}

// maybeFeedServo runs the servo once the quadruple is complete
func (p *Port) maybeFeedServo() {
	if !p.tset.Complete() {
		return
	}
	set := p.tset
	p.tset.Invalidate()

	res, err := p.srv.Update(&set, p.now())
	if err != nil {
		p.Alarms.Raise(AlarmClockCtrlFailure)
		log.Errorf("servo update: %v", err)
		return
	}
	p.Alarms.Clear(AlarmClockCtrlFailure)
	switch res.Action {
	case servo.RejectedClustering:
		p.Alarms.Raise(AlarmClusteringThresholdExceeded)
		return
	case servo.Stepped:
		// in-flight pairing state straddles the step, drop it
		p.sync = syncPairing{}
		p.delayReqValid = false
	}
	p.Alarms.Clear(AlarmClusteringThresholdExceeded)
	if p.state == protocol.PortStateUncalibrated {
		p.setState(protocol.PortStateSlave)
	}
	log.Debugf("offset %.1fns mpd %.1fns freq %.1fppb", res.OffsetNs, res.PathDelayNs, res.FreqPPB)
}

// ---- E2E delay measurement, slave side ----

func (p *Port) sendDelayReq() {
	p.sentDelayReq++
	seq := p.sentDelayReq
	req := &protocol.SyncDelayReq{
		Header: p.headerFor(protocol.MessageDelayReq, protocol.HeaderSize+10, seq, 0x7f),
	}
	buf := make([]byte, 64)
	n, err := protocol.BytesTo(req, buf)
	if err != nil {
		log.Errorf("building delay-req: %v", err)
		return
	}
	var dst unix.Sockaddr
	if p.cfg.Unicast {
		if best := p.fmds.Best(); best != nil {
			dst = best.Address
		}
	}
	tag := transport.Tag{MsgType: protocol.MessageDelayReq, SequenceID: seq, PortRef: int(p.cfg.PortNumber)}
	if err := p.sender.SendEvent(buf[:n], dst, tag); err != nil {
		log.Errorf("sending delay-req: %v", err)
		return
	}
	p.txMessages++
	p.delayReqSeq = seq
	p.delayReqValid = true
	// t3 and t4 of the previous round are gone
	p.tset.T3 = time.Time{}
	p.tset.T4 = time.Time{}
	p.logSent(protocol.MessageDelayReq, "seq=%d", seq)
}

// ---- P2P delay measurement ----

func (p *Port) sendPDelayReq() {
	p.sentPDelayReq++
	seq := p.sentPDelayReq
	req := &protocol.PDelayReq{
		Header: p.headerFor(protocol.MessagePDelayReq, protocol.HeaderSize+20, seq, 0x7f),
	}
	buf := make([]byte, 64)
	n, err := protocol.BytesTo(req, buf)
	if err != nil {
		log.Errorf("building pdelay-req: %v", err)
		return
	}
	tag := transport.Tag{MsgType: protocol.MessagePDelayReq, SequenceID: seq, PortRef: int(p.cfg.PortNumber)}
	if err := p.sender.SendPeerEvent(buf[:n], tag); err != nil {
		log.Errorf("sending pdelay-req: %v", err)
		return
	}
	p.txMessages++
	p.pdelay = pdelayPairing{valid: true, seq: seq}
	p.logSent(protocol.MessagePDelayReq, "seq=%d", seq)
}

func (p *Port) handlePDelayReq(msg *protocol.PDelayReq, rxTS time.Time) {
	if p.cfg.DelayMechanism != protocol.DelayMechanismP2P {
		return
	}
	p.recvPDelayReq++
	resp := &protocol.PDelayResp{
		Header: p.headerFor(protocol.MessagePDelayResp, protocol.HeaderSize+20, msg.SequenceID, 0x7f),
		PDelayRespBody: protocol.PDelayRespBody{
			RequestingPortIdentity: msg.SourcePortIdentity,
		},
	}
	resp.FlagField |= protocol.FlagTwoStep
	resp.WritePreciseRequestReceipt(protocol.NewPreciseTimestampFromTime(rxTS))
	buf := make([]byte, 64)
	n, err := protocol.BytesTo(resp, buf)
	if err != nil {
		log.Errorf("building pdelay-resp: %v", err)
		return
	}
	tag := transport.Tag{MsgType: protocol.MessagePDelayResp, SequenceID: msg.SequenceID, PortRef: int(p.cfg.PortNumber)}
	if err := p.sender.SendPeerEvent(buf[:n], tag); err != nil {
		log.Errorf("sending pdelay-resp: %v", err)
		return
	}
	p.txMessages++
	p.pdResps[msg.SequenceID] = pdelayRespCtx{
		requestor: msg.SourcePortIdentity,
		reqCorr:   msg.CorrectionField,
	}
	p.logSent(protocol.MessagePDelayResp, "seq=%d", msg.SequenceID)
}

func (p *Port) handlePDelayResp(msg *protocol.PDelayResp, rxTS time.Time) {
	if p.cfg.DelayMechanism != protocol.DelayMechanismP2P {
		p.Alarms.Raise(AlarmCapsMismatch)
		return
	}
	if msg.RequestingPortIdentity != p.identity {
		return
	}
	if !p.pdelay.valid || msg.SequenceID != p.pdelay.seq {
		log.Debugf("dropping pdelay-resp seq=%d", msg.SequenceID)
		return
	}
	p.pdelay.t2 = msg.RequestReceiptTimestamp.Time()
	p.pdelay.t4 = rxTS
	p.pdelay.corr += msg.CorrectionField.Nanoseconds()
	p.maybeFinishPDelay()
}

func (p *Port) handlePDelayRespFollowUp(msg *protocol.PDelayRespFollowUp) {
	if p.cfg.DelayMechanism != protocol.DelayMechanismP2P {
		return
	}
	if msg.RequestingPortIdentity != p.identity {
		return
	}
	if !p.pdelay.valid || msg.SequenceID != p.pdelay.seq {
		log.Debugf("dropping pdelay-resp-follow-up seq=%d", msg.SequenceID)
		return
	}
	p.pdelay.t3 = msg.ResponseOriginTimestamp.Time()
	p.pdelay.corr += msg.CorrectionField.Nanoseconds()
	p.maybeFinishPDelay()
}

func (p *Port) maybeFinishPDelay() {
	d := &p.pdelay
	if d.t1.IsZero() || d.t2.IsZero() || d.t3.IsZero() || d.t4.IsZero() {
		return
	}
	// mean link delay = ((t4-t1) - (t3-t2)) / 2, corrections subtracted
	total := float64(d.t4.Sub(d.t1).Nanoseconds())
	turnaround := float64(d.t3.Sub(d.t2).Nanoseconds())
	mld := (total - turnaround - d.corr) / 2
	p.pdelay = pdelayPairing{}
	if mld < 0 {
		log.Debugf("negative link delay %.1fns, discarding", mld)
		return
	}
	p.meanLinkDelayNs = mld
	p.linkDelayValid = true
	log.Debugf("mean link delay %.1fns", mld)
}

// ---- master-side duties ----

func (p *Port) sendAnnounce() {
	p.sentAnnounce++
	seq := p.sentAnnounce
	now, err := p.clk.Time()
	if err != nil {
		p.Alarms.Raise(AlarmClockCtrlFailure)
		return
	}
	ann := &protocol.Announce{
		Header: p.headerFor(protocol.MessageAnnounce, protocol.HeaderSize+30, seq, p.cfg.LogAnnounceInterval),
		AnnounceBody: protocol.AnnounceBody{
			OriginTimestamp:         protocol.NewTimestamp(now),
			CurrentUTCOffset:        p.timeProps.currentUTCOffset,
			GrandmasterPriority1:    p.cfg.Priority1,
			GrandmasterClockQuality: p.cfg.ClockQuality,
			GrandmasterPriority2:    p.cfg.Priority2,
			GrandmasterIdentity:     p.cfg.ClockIdentity,
			StepsRemoved:            0,
			TimeSource:              protocol.TimeSourceInternalOscillator,
		},
	}
	ann.FlagField |= protocol.FlagPTPTimescale
	buf := make([]byte, 128)
	n, err := protocol.BytesTo(ann, buf)
	if err != nil {
		log.Errorf("building announce: %v", err)
		return
	}
	if err := p.sender.SendGeneral(buf[:n], nil); err != nil {
		log.Errorf("sending announce: %v", err)
		return
	}
	p.txMessages++
	p.logSent(protocol.MessageAnnounce, "seq=%d", seq)
}

func (p *Port) sendSync() {
	p.sentSync++
	seq := p.sentSync
	now, err := p.clk.Time()
	if err != nil {
		p.Alarms.Raise(AlarmClockCtrlFailure)
		return
	}
	sync := &protocol.SyncDelayReq{
		Header: p.headerFor(protocol.MessageSync, protocol.HeaderSize+10, seq, p.cfg.LogSyncInterval),
		SyncDelayReqBody: protocol.SyncDelayReqBody{
			OriginTimestamp: protocol.NewTimestamp(now),
		},
	}
	if p.cfg.TwoStep {
		sync.FlagField |= protocol.FlagTwoStep
	}
	buf := make([]byte, 64)
	n, err := protocol.BytesTo(sync, buf)
	if err != nil {
		log.Errorf("building sync: %v", err)
		return
	}
	tag := transport.Tag{MsgType: protocol.MessageSync, SequenceID: seq, PortRef: int(p.cfg.PortNumber)}
	if err := p.sender.SendEvent(buf[:n], nil, tag); err != nil {
		log.Errorf("sending sync: %v", err)
		return
	}
	p.txMessages++
	if p.cfg.TwoStep {
		p.pendingFollowUp[seq] = true
	}
	p.logSent(protocol.MessageSync, "seq=%d", seq)
}

func (p *Port) sendFollowUp(seq uint16, egress time.Time) {
	fu := &protocol.FollowUp{
		Header: p.headerFor(protocol.MessageFollowUp, protocol.HeaderSize+10, seq, p.cfg.LogSyncInterval),
	}
	fu.WritePreciseOriginTimestamp(protocol.NewPreciseTimestampFromTime(egress), 0)
	buf := make([]byte, 64)
	n, err := protocol.BytesTo(fu, buf)
	if err != nil {
		log.Errorf("building follow-up: %v", err)
		return
	}
	if err := p.sender.SendGeneral(buf[:n], nil); err != nil {
		log.Errorf("sending follow-up: %v", err)
		return
	}
	p.txMessages++
	p.logSent(protocol.MessageFollowUp, "seq=%d T1=%v", seq, egress)
}

func (p *Port) handleDelayReq(msg *protocol.SyncDelayReq, from unix.Sockaddr, rxTS time.Time) {
	if p.state != protocol.PortStateMaster {
		return
	}
	if p.cfg.DelayMechanism != protocol.DelayMechanismE2E {
		p.Alarms.Raise(AlarmCapsMismatch)
		return
	}
	resp := &protocol.DelayResp{
		Header: p.headerFor(protocol.MessageDelayResp, protocol.HeaderSize+20, msg.SequenceID, p.cfg.LogMinDelayReqInterval),
		DelayRespBody: protocol.DelayRespBody{
			RequestingPortIdentity: msg.SourcePortIdentity,
		},
	}
	resp.WritePreciseReceiveTimestamp(protocol.NewPreciseTimestampFromTime(rxTS), msg.CorrectionField)
	buf := make([]byte, 64)
	n, err := protocol.BytesTo(resp, buf)
	if err != nil {
		log.Errorf("building delay-resp: %v", err)
		return
	}
	var dst unix.Sockaddr
	if msg.FlagField&protocol.FlagUnicast != 0 {
		dst = replyAddr(from, protocol.PortGeneral)
	}
	if err := p.sender.SendGeneral(buf[:n], dst); err != nil {
		log.Errorf("sending delay-resp: %v", err)
		return
	}
	p.txMessages++
	p.logSent(protocol.MessageDelayResp, "seq=%d to %s", msg.SequenceID, msg.SourcePortIdentity)
}

func replyAddr(from unix.Sockaddr, port int) unix.Sockaddr {
	switch sa := from.(type) {
	case *unix.SockaddrInet4:
		return &unix.SockaddrInet4{Addr: sa.Addr, Port: port}
	case *unix.SockaddrInet6:
		return &unix.SockaddrInet6{Addr: sa.Addr, Port: port, ZoneId: sa.ZoneId}
	}
	return nil
}

func (p *Port) sendPDelayRespFollowUp(seq uint16, egress time.Time) {
	ctx, ok := p.pdResps[seq]
	if !ok {
		return
	}
	delete(p.pdResps, seq)
	fu := &protocol.PDelayRespFollowUp{
		Header: p.headerFor(protocol.MessagePDelayRespFollowUp, protocol.HeaderSize+20, seq, 0x7f),
		PDelayRespFollowUpBody: protocol.PDelayRespFollowUpBody{
			RequestingPortIdentity: ctx.requestor,
		},
	}
	fu.WritePreciseResponseOriginTimestamp(protocol.NewPreciseTimestampFromTime(egress), ctx.reqCorr)
	buf := make([]byte, 64)
	n, err := protocol.BytesTo(fu, buf)
	if err != nil {
		log.Errorf("building pdelay-resp-follow-up: %v", err)
		return
	}
	if err := p.sender.SendPeerGeneral(buf[:n]); err != nil {
		log.Errorf("sending pdelay-resp-follow-up: %v", err)
		return
	}
	p.txMessages++
	p.logSent(protocol.MessagePDelayRespFollowUp, "seq=%d", seq)
}

// ---- TX timestamp resolution ----

// OnTxTimestamp is called when the transport resolves a TX timestamp to the
// packet we registered when sending.
func (p *Port) OnTxTimestamp(tag transport.Tag, ts time.Time) {
	p.txTsFailures = 0
	p.Alarms.Clear(AlarmNoTxTimestamps)
	switch tag.MsgType {
	case protocol.MessageDelayReq:
		if p.delayReqValid && tag.SequenceID == p.delayReqSeq {
			p.tset.T3 = ts
			p.maybeFeedServo()
		}
	case protocol.MessageSync:
		if p.pendingFollowUp[tag.SequenceID] {
			delete(p.pendingFollowUp, tag.SequenceID)
			p.sendFollowUp(tag.SequenceID, ts)
		}
	case protocol.MessagePDelayReq:
		if p.pdelay.valid && tag.SequenceID == p.pdelay.seq {
			p.pdelay.t1 = ts
			p.maybeFinishPDelay()
		}
	case protocol.MessagePDelayResp:
		p.sendPDelayRespFollowUp(tag.SequenceID, ts)
	}
}

// OnTxTimestampLoss is called when packets aged out of the TX cache without
// a timestamp
func (p *Port) OnTxTimestampLoss(count int) {
	if count <= 0 {
		return
	}
	p.txTsFailures += count
	if p.txTsFailures >= timestampFailureLimit {
		p.Alarms.Raise(AlarmNoTxTimestamps)
	}
	// whatever was waiting for t3 won't complete
	p.tset.T3 = time.Time{}
	p.delayReqValid = false
}

// ---- best master selection and state decision ----

func (p *Port) localDataSet() *bmc.LocalDataSet {
	return &bmc.LocalDataSet{
		ClockIdentity: p.cfg.ClockIdentity,
		PortNumber:    p.cfg.PortNumber,
		Priority1:     p.cfg.Priority1,
		ClockQuality:  p.cfg.ClockQuality,
		Priority2:     p.cfg.Priority2,
		SlaveOnly:     p.cfg.SlaveOnly,
	}
}

func (p *Port) runBMCA() {
	best, _ := p.fmds.SelectBest()
	switch bmc.Decide(p.localDataSet(), best) {
	case bmc.RecommendSlave:
		p.becomeSlaveOf(best)
	case bmc.RecommendMaster:
		p.becomeMaster()
	case bmc.RecommendPassive:
		p.becomePassive()
	case bmc.RecommendListening:
		if p.state != protocol.PortStateListening {
			p.returnToListening()
		}
	}
}

func (p *Port) becomeSlaveOf(best *bmc.ForeignMaster) {
	if best.PortIdentity == p.parent &&
		(p.state == protocol.PortStateSlave || p.state == protocol.PortStateUncalibrated) {
		return
	}
	log.Infof("port %s: new master %s (gm %s)", p.identity, best.PortIdentity, best.Announce.GrandmasterIdentity)
	p.masterChanges++
	p.parent = best.PortIdentity
	p.adoptTimeProperties(&best.Announce)

	// a new master invalidates everything measured against the old one
	p.tset.Invalidate()
	p.sync = syncPairing{}
	p.delayReqValid = false
	p.srv.Reset()
	p.Alarms.Reset()

	// adopt the master's advertised cadence
	announceInterval := best.Announce.LogMessageInterval.Duration()
	if announceInterval <= 0 {
		announceInterval = p.cfg.announceInterval()
	}
	n := p.cfg.AnnounceReceiptTimeout
	if n == 0 {
		n = DefaultAnnounceReceiptTimeout
	}
	p.timers.Start(TimerAnnounceReceiptTimeout, time.Duration(n)*announceInterval)
	p.timers.Stop(TimerSyncInterval)
	p.timers.Stop(TimerQualification)
	if p.cfg.DelayMechanism == protocol.DelayMechanismE2E {
		p.timers.StartRandom(TimerDelayReqInterval, p.cfg.LogMinDelayReqInterval.Duration())
	}
	p.setState(protocol.PortStateUncalibrated)
}

func (p *Port) becomeMaster() {
	switch p.state {
	case protocol.PortStateMaster, protocol.PortStatePreMaster:
		return
	}
	p.parent = protocol.PortIdentity{}
	p.timers.Stop(TimerDelayReqInterval)
	p.timers.Stop(TimerAnnounceReceiptTimeout)
	p.setState(protocol.PortStatePreMaster)
	p.timers.Start(TimerQualification, p.cfg.announceReceiptTimeout())
}

func (p *Port) becomePassive() {
	if p.state == protocol.PortStatePassive {
		return
	}
	p.timers.Stop(TimerDelayReqInterval)
	p.timers.Stop(TimerSyncInterval)
	p.setState(protocol.PortStatePassive)
}

func (p *Port) returnToListening() {
	p.parent = protocol.PortIdentity{}
	p.tset.Invalidate()
	p.sync = syncPairing{}
	p.delayReqValid = false
	p.timers.Stop(TimerSyncInterval)
	p.timers.Stop(TimerDelayReqInterval)
	p.timers.Stop(TimerQualification)
	p.timers.Start(TimerAnnounceReceiptTimeout, p.cfg.announceReceiptTimeout())
	p.setState(protocol.PortStateListening)
}

// ---- timer dispatch ----

// Tick advances the port's timers and runs whatever became due. The event
// loop calls this at the timer resolution.
func (p *Port) Tick(delta time.Duration) {
	if p.state == protocol.PortStateDisabled || p.state == protocol.PortStateFaulty ||
		p.state == protocol.PortStateInitializing {
		return
	}
	p.timers.Tick(delta)

	if p.timers.Expired(TimerAnnounceReceiptTimeout) {
		p.onAnnounceReceiptTimeout()
	}
	if p.timers.Expired(TimerForeignMaster) {
		if p.fmds.Expire(p.now(), p.cfg.announceInterval()) {
			p.Alarms.Raise(AlarmNoMaster)
		}
		p.timers.Start(TimerForeignMaster, p.cfg.announceInterval())
	}
	if p.timers.Expired(TimerAnnounceInterval) {
		if p.state == protocol.PortStateMaster {
			p.sendAnnounce()
		}
		// BMCA runs once per announce interval in every state
		p.runBMCA()
		p.timers.Start(TimerAnnounceInterval, p.cfg.announceInterval())
	}
	if p.timers.Expired(TimerSyncInterval) {
		if p.state == protocol.PortStateMaster {
			p.sendSync()
			p.timers.Start(TimerSyncInterval, p.cfg.LogSyncInterval.Duration())
		}
	}
	if p.timers.Expired(TimerDelayReqInterval) {
		if p.state == protocol.PortStateSlave || p.state == protocol.PortStateUncalibrated {
			p.sendDelayReq()
			p.timers.StartRandom(TimerDelayReqInterval, p.cfg.LogMinDelayReqInterval.Duration())
		}
	}
	if p.timers.Expired(TimerPDelayReqInterval) {
		if p.cfg.DelayMechanism == protocol.DelayMechanismP2P {
			p.sendPDelayReq()
			p.timers.StartRandom(TimerPDelayReqInterval, p.cfg.LogMinPdelayReqInterval.Duration())
		}
	}
	if p.timers.Expired(TimerQualification) {
		if p.state == protocol.PortStatePreMaster {
			p.setState(protocol.PortStateMaster)
			p.timers.Start(TimerAnnounceInterval, p.cfg.announceInterval())
			p.timers.Start(TimerSyncInterval, p.cfg.LogSyncInterval.Duration())
		}
	}
	if p.timers.Expired(TimerLeapSecond) {
		log.Infof("leap second window over")
		p.timeProps.leap61 = false
		p.timeProps.leap59 = false
	}
}

func (p *Port) onAnnounceReceiptTimeout() {
	if p.state == protocol.PortStateMaster || p.state == protocol.PortStatePreMaster {
		return
	}
	log.Warningf("port %s: announce receipt timeout, master %s is gone", p.identity, p.parent)
	p.Alarms.Raise(AlarmNoMaster)
	p.srv.Reset()
	// the silent master is dead to us even if the ageing sweep would still
	// keep its record for another interval
	p.fmds.Remove(p.parent)
	p.returnToListening()
	p.fmds.Expire(p.now(), p.cfg.announceInterval())
	p.runBMCA()
}
