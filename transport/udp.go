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
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/opensync/ptpd/protocol"
	"github.com/opensync/ptpd/timestamp"
)

// Multicast groups, Annex C and D
var (
	// MulticastPrimaryV4 is for all messages except peer delay measurement
	MulticastPrimaryV4 = net.ParseIP("224.0.1.129")
	// MulticastPdelayV4 is for peer delay measurement messages
	MulticastPdelayV4 = net.ParseIP("224.0.0.107")
	// MulticastPrimaryV6Global is the global scope primary group
	MulticastPrimaryV6Global = net.ParseIP("ff0e::181")
	// MulticastPrimaryV6LinkLocal is the link-local scope primary group
	MulticastPrimaryV6LinkLocal = net.ParseIP("ff02::181")
	// MulticastPdelayV6 is for peer delay measurement messages, always link-local
	MulticastPdelayV6 = net.ParseIP("ff02::6b")
)

// Scope selects IPv6 multicast scope for the primary group
type Scope int

// IPv6 multicast scopes we support
const (
	ScopeLinkLocal Scope = iota
	ScopeGlobal
)

// Config is everything needed to open PTP sockets on one interface
type Config struct {
	Iface        string
	Transport    protocol.TransportType
	Scope        Scope
	TTL          int
	DSCP         int
	Timestamping timestamp.Mode
}

// Transport owns the per-port sockets: bound event (319) and general (320)
// ones, plus an unbound socket for monitoring datagrams.
type Transport struct {
	cfg   *Config
	iface *net.Interface

	eventFd      int
	generalFd    int
	monitoringFd int
	closed       bool

	// Mode is the timestamping mode that actually got enabled
	Mode timestamp.Mode

	// TXCache correlates sent packets with error-queue timestamps
	TXCache *TXCache

	primaryGroup net.IP
	pdelayGroup  net.IP

	txbuf [timestamp.PayloadSizeBytes]byte
	txoob [timestamp.ControlSizeBytes]byte
}

func (t *Transport) family() int {
	if t.cfg.Transport == protocol.TransportTypeUDPIPV6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func (t *Transport) newSocket(port int) (int, error) {
	fd, err := unix.Socket(t.family(), unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("creating socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, t.cfg.Iface); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("binding socket to %s: %w", t.cfg.Iface, err)
	}
	var sa unix.Sockaddr
	if t.family() == unix.AF_INET6 {
		sa = &unix.SockaddrInet6{Port: port}
	} else {
		sa = &unix.SockaddrInet4{Port: port}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("binding socket to port %d: %w", port, err)
	}
	return fd, nil
}

func (t *Transport) joinGroup(fd int, group net.IP) error {
	if t.family() == unix.AF_INET6 {
		mreq := &unix.IPv6Mreq{Interface: uint32(t.iface.Index)}
		copy(mreq.Multiaddr[:], group.To16())
		return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
	}
	mreq := &unix.IPMreqn{Ifindex: int32(t.iface.Index)}
	copy(mreq.Multiaddr[:], group.To4())
	return unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
}

func (t *Transport) leaveGroup(fd int, group net.IP) error {
	if t.family() == unix.AF_INET6 {
		mreq := &unix.IPv6Mreq{Interface: uint32(t.iface.Index)}
		copy(mreq.Multiaddr[:], group.To16())
		return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_LEAVE_GROUP, mreq)
	}
	mreq := &unix.IPMreqn{Ifindex: int32(t.iface.Index)}
	copy(mreq.Multiaddr[:], group.To4())
	return unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, mreq)
}

func (t *Transport) setTTL(fd, ttl int) error {
	if t.family() == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, ttl); err != nil {
			return err
		}
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttl)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, ttl)
}

func (t *Transport) setDSCP(fd int) error {
	if t.cfg.DSCP == 0 {
		return nil
	}
	if t.family() == unix.AF_INET6 {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, t.cfg.DSCP<<2)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, t.cfg.DSCP<<2)
}

// Open creates and configures all sockets for one port
func Open(cfg *Config) (*Transport, error) {
	iface, err := net.InterfaceByName(cfg.Iface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", cfg.Iface, err)
	}
	t := &Transport{
		cfg:          cfg,
		iface:        iface,
		eventFd:      -1,
		generalFd:    -1,
		monitoringFd: -1,
		TXCache:      NewTXCache(),
	}
	switch cfg.Transport {
	case protocol.TransportTypeUDPIPV4:
		t.primaryGroup = MulticastPrimaryV4
		t.pdelayGroup = MulticastPdelayV4
	case protocol.TransportTypeUDPIPV6:
		if cfg.Scope == ScopeGlobal {
			t.primaryGroup = MulticastPrimaryV6Global
		} else {
			t.primaryGroup = MulticastPrimaryV6LinkLocal
		}
		t.pdelayGroup = MulticastPdelayV6
	default:
		return nil, fmt.Errorf("unsupported transport %s", cfg.Transport)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 1
	}

	if t.eventFd, err = t.newSocket(protocol.PortEvent); err != nil {
		return nil, err
	}
	if t.generalFd, err = t.newSocket(protocol.PortGeneral); err != nil {
		t.Close()
		return nil, err
	}
	// monitoring socket is unbound, kernel picks the source port
	if t.monitoringFd, err = unix.Socket(t.family(), unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0); err != nil {
		t.Close()
		return nil, fmt.Errorf("creating monitoring socket: %w", err)
	}

	for _, fd := range []int{t.eventFd, t.generalFd} {
		if err := t.joinGroup(fd, t.primaryGroup); err != nil {
			t.Close()
			return nil, fmt.Errorf("joining %s: %w", t.primaryGroup, err)
		}
		if err := t.joinGroup(fd, t.pdelayGroup); err != nil {
			t.Close()
			return nil, fmt.Errorf("joining %s: %w", t.pdelayGroup, err)
		}
		if err := t.setTTL(fd, ttl); err != nil {
			t.Close()
			return nil, fmt.Errorf("setting TTL: %w", err)
		}
		if err := t.setDSCP(fd); err != nil {
			t.Close()
			return nil, fmt.Errorf("setting DSCP: %w", err)
		}
	}

	t.Mode, err = timestamp.EnableTimestamps(cfg.Timestamping, t.eventFd, iface)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("enabling timestamps: %w", err)
	}
	if t.Mode != cfg.Timestamping {
		log.Warningf("%s: requested %s timestamps, got %s", cfg.Iface, cfg.Timestamping, t.Mode)
	}
	log.Debugf("%s: sockets ready, %s timestamping, groups %s %s", cfg.Iface, t.Mode, t.primaryGroup, t.pdelayGroup)
	return t, nil
}

// EventFd exposes the event socket descriptor for the readiness loop
func (t *Transport) EventFd() int { return t.eventFd }

// GeneralFd exposes the general socket descriptor for the readiness loop
func (t *Transport) GeneralFd() int { return t.generalFd }

// MonitoringFd exposes the monitoring socket descriptor for the readiness loop
func (t *Transport) MonitoringFd() int { return t.monitoringFd }

// TrailerBytes is how many trailing PDU bytes are not part of the
// fingerprint match: the checksum-aid bytes for IPv6, none for IPv4.
func (t *Transport) TrailerBytes() int {
	if t.cfg.Transport == protocol.TransportTypeUDPIPV6 {
		return protocol.TrailingBytes
	}
	return 0
}

func sendBounded(fd int, b []byte, sa unix.Sockaddr) error {
	// non-blocking socket: bounded retry on EINTR/EAGAIN, never park the loop
	for i := 0; i < 3; i++ {
		err := unix.Sendto(fd, b, 0, sa)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return err
	}
	return unix.EAGAIN
}

func (t *Transport) groupSockaddr(group net.IP, port int) unix.Sockaddr {
	if t.family() == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: port, ZoneId: uint32(t.iface.Index)}
		copy(sa.Addr[:], group.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], group.To4())
	return sa
}

// SendEvent sends an event message. dst == nil means the primary multicast
// group. The PDU fingerprint is stored in the TX cache under tag so the
// timestamp arriving later on the error queue can be attributed.
func (t *Transport) SendEvent(b []byte, dst unix.Sockaddr, tag Tag) error {
	if dst == nil {
		dst = t.groupSockaddr(t.primaryGroup, protocol.PortEvent)
	}
	if err := sendBounded(t.eventFd, b, dst); err != nil {
		return fmt.Errorf("sending event message: %w", err)
	}
	trailer := t.TrailerBytes()
	fp := b
	if trailer > 0 && len(fp) > trailer {
		fp = fp[:len(fp)-trailer]
	}
	t.TXCache.Put(fp, trailer, tag, time.Now())
	return nil
}

// SendGeneral sends a general message. dst == nil means the primary
// multicast group.
func (t *Transport) SendGeneral(b []byte, dst unix.Sockaddr) error {
	if dst == nil {
		dst = t.groupSockaddr(t.primaryGroup, protocol.PortGeneral)
	}
	if err := sendBounded(t.generalFd, b, dst); err != nil {
		return fmt.Errorf("sending general message: %w", err)
	}
	return nil
}

// peer delay messages always go to the peer group with TTL 1, they must not
// cross the first hop
func (t *Transport) sendPeer(fd int, b []byte, port int) error {
	if t.cfg.TTL > 1 {
		if err := t.setTTL(fd, 1); err != nil {
			return fmt.Errorf("setting peer TTL: %w", err)
		}
		defer func() {
			if err := t.setTTL(fd, t.cfg.TTL); err != nil {
				log.Errorf("restoring TTL: %v", err)
			}
		}()
	}
	return sendBounded(fd, b, t.groupSockaddr(t.pdelayGroup, port))
}

// SendPeerEvent sends an event message to the peer delay group
func (t *Transport) SendPeerEvent(b []byte, tag Tag) error {
	if err := t.sendPeer(t.eventFd, b, protocol.PortEvent); err != nil {
		return fmt.Errorf("sending peer event message: %w", err)
	}
	trailer := t.TrailerBytes()
	fp := b
	if trailer > 0 && len(fp) > trailer {
		fp = fp[:len(fp)-trailer]
	}
	t.TXCache.Put(fp, trailer, tag, time.Now())
	return nil
}

// SendPeerGeneral sends a general message to the peer delay group
func (t *Transport) SendPeerGeneral(b []byte) error {
	if err := t.sendPeer(t.generalFd, b, protocol.PortGeneral); err != nil {
		return fmt.Errorf("sending peer general message: %w", err)
	}
	return nil
}

// SendMonitoring sends a datagram from the unbound monitoring socket
func (t *Transport) SendMonitoring(b []byte, dst unix.Sockaddr) error {
	if err := sendBounded(t.monitoringFd, b, dst); err != nil {
		return fmt.Errorf("sending monitoring message: %w", err)
	}
	return nil
}

// RecvEvent reads one event datagram with its RX timestamp
func (t *Transport) RecvEvent(buf, oob []byte) (int, unix.Sockaddr, time.Time, error) {
	return timestamp.ReadPacketWithRXTimestampBuf(t.eventFd, buf, oob)
}

// RecvGeneral reads one general datagram
func (t *Transport) RecvGeneral(buf []byte) (int, unix.Sockaddr, error) {
	n, _, flags, sa, err := unix.Recvmsg(t.generalFd, buf, nil, unix.MSG_DONTWAIT)
	if err != nil {
		return 0, nil, err
	}
	if flags&unix.MSG_TRUNC != 0 {
		return 0, sa, fmt.Errorf("datagram truncated to %d bytes", len(buf))
	}
	return n, sa, nil
}

// RecvMonitoring reads one datagram from the monitoring socket
func (t *Transport) RecvMonitoring(buf []byte) (int, unix.Sockaddr, error) {
	n, _, _, sa, err := unix.Recvmsg(t.monitoringFd, buf, nil, unix.MSG_DONTWAIT)
	if err != nil {
		return 0, nil, err
	}
	return n, sa, nil
}

// PollTXTimestamps drains the event socket error queue, matching each
// looped-back PDU against the TX cache and invoking cb per resolved
// timestamp. Returns when the queue is empty.
func (t *Transport) PollTXTimestamps(cb func(Tag, time.Time)) {
	for {
		n, ts, err := timestamp.TryReadTXTimestampBuf(t.eventFd, t.txbuf[:], t.txoob[:])
		if err != nil {
			return
		}
		tag, ok := t.TXCache.Match(t.txbuf[:n], time.Now())
		if ok {
			cb(tag, ts)
		}
	}
}

// Close deterministically shuts the transport down: leaves multicast groups,
// closes every socket exactly once, flushes pending TX cache entries.
func (t *Transport) Close() {
	if t.closed {
		return
	}
	t.closed = true
	for _, fd := range []int{t.eventFd, t.generalFd} {
		if fd < 0 {
			continue
		}
		if err := t.leaveGroup(fd, t.primaryGroup); err != nil {
			log.Debugf("leaving %s: %v", t.primaryGroup, err)
		}
		if err := t.leaveGroup(fd, t.pdelayGroup); err != nil {
			log.Debugf("leaving %s: %v", t.pdelayGroup, err)
		}
		unix.Close(fd)
	}
	if t.monitoringFd >= 0 {
		unix.Close(t.monitoringFd)
	}
	t.eventFd, t.generalFd, t.monitoringFd = -1, -1, -1
	t.TXCache.Flush()
}
