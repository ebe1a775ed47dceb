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

// Package daemon wires transport, port engine, servo and clock together and
// runs the single-threaded readiness loop driving them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/opensync/ptpd/clock"
	"github.com/opensync/ptpd/config"
	"github.com/opensync/ptpd/phc"
	"github.com/opensync/ptpd/port"
	"github.com/opensync/ptpd/protocol"
	"github.com/opensync/ptpd/servo"
	"github.com/opensync/ptpd/stats"
	"github.com/opensync/ptpd/timestamp"
	"github.com/opensync/ptpd/transport"
)

// TickResolution is the granularity of the central tick
const TickResolution = 62500 * time.Microsecond

// persistInterval is how often the learned frequency correction is saved
const persistInterval = time.Minute

// Daemon owns one port engine and everything serving it
type Daemon struct {
	cfg *config.Config

	tr  *transport.Transport
	eng *port.Port
	srv *servo.Servo
	clk clock.Clock

	registry *clock.Registry
	clockID  clock.ID
	store    *clock.FreqStore
	st       *stats.Stats

	aclTiming     *transport.ACL
	aclManagement *transport.ACL
	aclMonitoring *transport.ACL

	// when disciplining a PHC, its offset to the system clock is checked
	// periodically as a sanity signal
	sysRef clock.Clock
	cmpMon *clock.CompareMonitor

	aclDrops uint64
}

func clockIdentityFor(iface *net.Interface, uniqueBits *uint16) (protocol.ClockIdentity, error) {
	if uniqueBits != nil {
		return protocol.NewClockIdentity2019(iface.HardwareAddr, *uniqueBits)
	}
	return protocol.NewClockIdentity(iface.HardwareAddr)
}

// New builds a daemon from config. Any error here is a fatal setup error:
// the port never leaves FAULTY territory and the caller decides whether to
// exit or retry.
func New(cfg *config.Config) (*Daemon, error) {
	iface, err := net.InterfaceByName(cfg.Iface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", cfg.Iface, err)
	}
	identity, err := clockIdentityFor(iface, cfg.UniqueClockIDBits)
	if err != nil {
		return nil, fmt.Errorf("deriving clock identity: %w", err)
	}

	trCfg, err := cfg.TransportConfig()
	if err != nil {
		return nil, err
	}
	tr, err := transport.Open(trCfg)
	if err != nil {
		return nil, fmt.Errorf("opening transport: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		tr:       tr,
		registry: clock.NewRegistry(),
		st:       stats.NewStats(),
	}

	// with hardware timestamps we discipline the NIC clock, otherwise the
	// system clock
	if tr.Mode == timestamp.HW {
		dev, err := phc.OpenByIface(cfg.Iface)
		if err != nil {
			tr.Close()
			return nil, fmt.Errorf("opening PHC: %w", err)
		}
		d.clk = dev
		d.sysRef = &clock.SysClock{}
		d.cmpMon = clock.NewCompareMonitor()
	} else {
		d.clk = &clock.SysClock{}
	}
	d.clockID = d.registry.Register(d.clk)

	maxFreq, err := d.clk.MaxFreqPPB()
	if err != nil {
		log.Warningf("reading max frequency adjustment: %v, using default", err)
		maxFreq = clock.DefaultMaxFreqPPB
	}

	saved := 0.0
	if cfg.PersistentCorrection != "" {
		d.store = &clock.FreqStore{Path: cfg.PersistentCorrection}
		if saved, err = d.store.Load(d.clk.Name()); err != nil {
			log.Warningf("loading saved frequency correction: %v", err)
			saved = 0
		}
	}

	d.srv = servo.New(cfg.ServoConfig(maxFreq, saved), d.clk)

	dm, err := cfg.DelayMechanismType()
	if err != nil {
		tr.Close()
		return nil, err
	}
	d.eng = port.New(&port.Config{
		PortNumber:    1,
		ClockIdentity: identity,
		DomainNumber:  cfg.DomainNumber,
		Priority1:     cfg.Priority1,
		Priority2:     cfg.Priority2,
		ClockQuality: protocol.ClockQuality{
			ClockClass:              protocol.ClockClassDefault,
			ClockAccuracy:           protocol.ClockAccuracyUnknown,
			OffsetScaledLogVariance: 0xffff,
		},
		SlaveOnly:               cfg.SlaveOnly,
		TwoStep:                 cfg.TwoStep,
		DelayMechanism:          dm,
		LogAnnounceInterval:     protocol.LogInterval(cfg.AnnounceIntervalLog2),
		LogSyncInterval:         protocol.LogInterval(cfg.SyncIntervalLog2),
		LogMinDelayReqInterval:  protocol.LogInterval(cfg.MinDelayReqIntervalLog2),
		LogMinPdelayReqInterval: protocol.LogInterval(cfg.MinPdelayReqIntervalLog2),
		AnnounceReceiptTimeout:  cfg.AnnounceReceiptTimeout,
		CurrentUTCOffset:        cfg.UTCOffset,
		ForeignRecords:          cfg.ForeignRecords,
	}, tr, d.srv, d.clk)

	if d.aclTiming, err = cfg.ACLTiming.Parse(); err != nil {
		tr.Close()
		return nil, err
	}
	if d.aclManagement, err = cfg.ACLManagement.Parse(); err != nil {
		tr.Close()
		return nil, err
	}
	if d.aclMonitoring, err = cfg.ACLMonitoring.Parse(); err != nil {
		tr.Close()
		return nil, err
	}

	log.Infof("ptpd on %s, identity %s, clock %s, %s timestamps",
		cfg.Iface, identity, d.clk.Name(), tr.Mode)
	return d, nil
}

// Port exposes the port engine, e.g. for management injection
func (d *Daemon) Port() *port.Port {
	return d.eng
}

// InjectManagement runs a management request against the port engine
func (d *Daemon) InjectManagement(req *protocol.Management) protocol.Packet {
	return d.eng.InjectManagement(req)
}

func (d *Daemon) aclFor(msgType protocol.MessageType) *transport.ACL {
	if msgType == protocol.MessageManagement {
		return d.aclManagement
	}
	return d.aclTiming
}

func (d *Daemon) permitted(acl *transport.ACL, sa unix.Sockaddr) bool {
	if acl == nil || sa == nil {
		return true
	}
	if acl.Permit(timestamp.SockaddrToIP(sa)) {
		return true
	}
	d.aclDrops++
	return false
}

func (d *Daemon) handleEventReadable(buf, oob []byte) {
	for {
		n, sa, rxTS, err := d.tr.RecvEvent(buf, oob)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				log.Debugf("reading event socket: %v", err)
			}
			return
		}
		if !d.permitted(d.aclTiming, sa) {
			continue
		}
		d.eng.HandleEvent(buf[:n], sa, rxTS)
	}
}

func (d *Daemon) handleGeneralReadable(buf []byte) {
	for {
		n, sa, err := d.tr.RecvGeneral(buf)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				log.Debugf("reading general socket: %v", err)
			}
			return
		}
		msgType, err := protocol.ProbeMsgType(buf[:n])
		if err != nil {
			continue
		}
		if !d.permitted(d.aclFor(msgType), sa) {
			continue
		}
		d.eng.HandleGeneral(buf[:n], sa)
	}
}

func (d *Daemon) handleMonitoringReadable(buf []byte) {
	for {
		n, sa, err := d.tr.RecvMonitoring(buf)
		if err != nil {
			return
		}
		if !d.permitted(d.aclMonitoring, sa) {
			continue
		}
		// monitoring requests are management messages on a separate socket
		d.eng.HandleGeneral(buf[:n], sa)
	}
}

func (d *Daemon) updateStats() {
	ps := d.eng.Statistics()
	d.st.SetCounter("port.state", int64(ps.State))
	d.st.SetCounter("port.rx", int64(ps.RxMessages))
	d.st.SetCounter("port.tx", int64(ps.TxMessages))
	d.st.SetCounter("port.decode_errors", int64(ps.DecodeErrors))
	d.st.SetCounter("port.missing_followups", int64(ps.MissingFollowUps))
	d.st.SetCounter("port.missing_delay_resps", int64(ps.MissingDelayResps))
	d.st.SetCounter("port.master_changes", int64(ps.MasterChanges))
	d.st.SetCounter("port.alarms", int64(ps.Alarms))
	d.st.SetCounter("port.acl_drops", int64(d.aclDrops))

	cs := d.tr.TXCache.Stats()
	d.st.SetCounter("txts.matched", int64(cs.Matched))
	d.st.SetCounter("txts.unmatched", int64(cs.Unmatched))
	d.st.SetCounter("txts.evicted", int64(cs.Evicted))
	d.st.SetCounter("txts.expired", int64(cs.Expired))

	d.st.SetCounter("servo.offset_ns", int64(d.srv.OffsetNs()))
	d.st.SetCounter("servo.mean_path_delay_ns", int64(d.srv.MeanPathDelayNs()))
	d.st.SetCounter("servo.steps", int64(d.srv.StepsTaken()))
	d.st.SetCounter("servo.samples", int64(d.srv.Samples()))
	d.st.SetCounter("servo.outliers", int64(d.srv.OutliersRejected()))
}

func (d *Daemon) compareClocks() {
	if d.cmpMon == nil {
		return
	}
	off, err := clock.Compare(d.clk, d.sysRef)
	if err != nil {
		d.cmpMon.Bad(d.clk.Name(), d.sysRef.Name(), err)
		return
	}
	d.cmpMon.Good()
	d.st.SetCounter("clock.sys_offset_ns", off.Nanoseconds())
}

func (d *Daemon) saveCorrection() {
	if d.store == nil {
		return
	}
	if err := d.store.Save(d.clk.Name(), d.srv.CorrectionPPB()); err != nil {
		log.Errorf("saving frequency correction: %v", err)
	}
}

// loop is the single-threaded readiness loop: level-triggered poll over the
// sockets with the tick resolution as timeout. Nothing here blocks.
func (d *Daemon) loop(ctx context.Context) error {
	buf := make([]byte, timestamp.PayloadSizeBytes)
	oob := make([]byte, timestamp.ControlSizeBytes)
	gbuf := make([]byte, timestamp.PayloadSizeBytes)

	fds := []unix.PollFd{
		{Fd: int32(d.tr.EventFd()), Events: unix.POLLIN | unix.POLLPRI},
		{Fd: int32(d.tr.GeneralFd()), Events: unix.POLLIN},
		{Fd: int32(d.tr.MonitoringFd()), Events: unix.POLLIN},
	}

	lastTick := time.Now()
	lastPersist := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for i := range fds {
			fds[i].Revents = 0
		}
		_, err := unix.Poll(fds, int(TickResolution.Milliseconds()))
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("polling sockets: %w", err)
		}

		if fds[0].Revents&(unix.POLLPRI|unix.POLLERR) != 0 {
			d.tr.PollTXTimestamps(d.eng.OnTxTimestamp)
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			d.handleEventReadable(buf, oob)
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			d.handleGeneralReadable(gbuf)
		}
		if fds[2].Revents&unix.POLLIN != 0 {
			d.handleMonitoringReadable(gbuf)
		}

		now := time.Now()
		if delta := now.Sub(lastTick); delta >= TickResolution {
			lastTick = now
			d.eng.Tick(delta)
			d.eng.OnTxTimestampLoss(d.tr.TXCache.Sweep(now))
			d.updateStats()
		}
		if now.Sub(lastPersist) >= persistInterval {
			lastPersist = now
			d.saveCorrection()
			d.compareClocks()
		}
	}
}

// Run enables the port and drives it until ctx is cancelled, then shuts
// down deterministically.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.MonitoringPort > 0 {
		go d.st.Start(d.cfg.MonitoringPort)
	}

	d.eng.Enable()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.loop(ctx)
	})
	err := eg.Wait()

	d.eng.Disable()
	d.saveCorrection()
	d.tr.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
