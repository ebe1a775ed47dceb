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

package timestamp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unix.Cmsghdr size differs depending on platform
var socketControlMessageHeaderOffset = binary.Size(unix.Cmsghdr{})

var timestamping = unix.SO_TIMESTAMPING_NEW

var errNoTimestamp = errors.New("failed to find timestamp in socket control message")

func init() {
	// if kernel is older than 5, it doesn't support unix.SO_TIMESTAMPING_NEW
	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil {
		if uname.Release[0] < '5' {
			timestamping = unix.SO_TIMESTAMPING
		}
	}
}

/*
scmDataToTime parses SocketControlMessage Data field into time.Time.
The structure can return up to three timestamps. This is a legacy
feature. Only one field is non-zero at any time. Most timestamps
are passed in ts[0]. Hardware timestamps are passed in ts[2].
*/
func scmDataToTime(data []byte) (ts time.Time, err error) {
	// 2 x 64bit ints
	size := 16
	if len(data) < 3*size {
		return ts, fmt.Errorf("SO_TIMESTAMPING data is too short: %d bytes", len(data))
	}
	// first, try to use hardware timestamps
	ts = byteToTime(data[size*2 : size*3])
	// if hw timestamps aren't present, use software timestamps
	// we can't use ts.IsZero because for some crazy reason timestamp parsed using time.Unix()
	// reports IsZero() == false, even if seconds and nanoseconds are zero.
	if ts.UnixNano() == 0 {
		ts = byteToTime(data[0:size])
		if ts.UnixNano() == 0 {
			return ts, fmt.Errorf("got zero timestamp")
		}
	}
	return ts, nil
}

// byteToTime converts bytes of __kernel_timespec into a timestamp
func byteToTime(data []byte) time.Time {
	// can't use unix.Timespec which is old timespec that uses 32bit ints on 386 platform.
	sec := *(*int64)(unsafe.Pointer(&data[0]))
	nsec := *(*int64)(unsafe.Pointer(&data[8]))
	return time.Unix(sec, nsec)
}

func ioctlHWTimestampCaps(fd int, ifname string) (int32, int32, error) {
	var rxFilter, txFilter int32

	hw, err := unix.IoctlGetEthtoolTsInfo(fd, ifname)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to run ioctl SIOCETHTOOL to see what is supported: (%w)", err)
	}

	if hw.Tx_types&(1<<unix.HWTSTAMP_TX_ON) > 0 {
		txFilter = unix.HWTSTAMP_TX_ON
	}

	if hw.Rx_filters&(1<<unix.HWTSTAMP_FILTER_PTP_V2_L4_EVENT) > 0 {
		rxFilter = unix.HWTSTAMP_FILTER_PTP_V2_L4_EVENT
	} else if hw.Rx_filters&(1<<unix.HWTSTAMP_FILTER_PTP_V2_EVENT) > 0 {
		rxFilter = unix.HWTSTAMP_FILTER_PTP_V2_EVENT
	} else if hw.Rx_filters&(1<<unix.HWTSTAMP_FILTER_ALL) > 0 {
		rxFilter = unix.HWTSTAMP_FILTER_ALL
	}

	if txFilter == 0 || rxFilter == 0 {
		return rxFilter, txFilter, fmt.Errorf("hardware timestamping is not supported for the interface %s", ifname)
	}
	return rxFilter, txFilter, nil
}

func ioctlTimestamp(fd int, ifname string, filter int32) error {
	hw, err := unix.IoctlGetHwTstamp(fd, ifname)
	if errors.Is(err, unix.ENOTSUP) {
		// for the loopback interface
		hw = &unix.HwTstampConfig{}
	} else if err != nil {
		return fmt.Errorf("failed to run ioctl SIOCGHWTSTAMP to see what is enabled: %w", err)
	}

	// now check if it matches what we want
	if hw.Tx_type == unix.HWTSTAMP_TX_ON && hw.Rx_filter == filter {
		return nil
	}
	// set to desired values
	hw.Tx_type = unix.HWTSTAMP_TX_ON
	hw.Rx_filter = filter
	if err := unix.IoctlSetHwTstamp(fd, ifname, hw); err != nil {
		return fmt.Errorf("failed to run ioctl SIOCSHWTSTAMP to set timestamps enabled: %w", err)
	}
	return nil
}

// EnableHWTimestamps enables HW timestamps (TX and RX) on the socket.
// Looped-back TX packets stay in the error queue so the sender can match
// their trailing bytes, hence no OPT_TSONLY.
func EnableHWTimestamps(connFd int, iface *net.Interface) error {
	rxFilter, _, err := ioctlHWTimestampCaps(connFd, iface.Name)
	if err != nil {
		return err
	}
	if err := ioctlTimestamp(connFd, iface.Name, rxFilter); err != nil {
		return err
	}

	flags := unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}

	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// EnableSWTimestamps enables SW timestamps (TX and RX) on the socket
func EnableSWTimestamps(connFd int) error {
	flags := unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}

	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// EnableLegacyNSTimestampsRx enables nanosecond RX timestamps via SO_TIMESTAMPNS
func EnableLegacyNSTimestampsRx(connFd int) error {
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS_NEW, 1)
}

// EnableLegacyTimestampsRx enables microsecond RX timestamps via SO_TIMESTAMP
func EnableLegacyTimestampsRx(connFd int) error {
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_TIMESTAMP_NEW, 1)
}

// EnableTimestamps walks the ladder from the requested mode down to the least
// precise one until the socket accepts it, and returns the mode that stuck.
func EnableTimestamps(mode Mode, connFd int, iface *net.Interface) (Mode, error) {
	if mode == HW {
		if err := EnableHWTimestamps(connFd, iface); err == nil {
			return HW, nil
		}
		mode = SW
	}
	if mode == SW {
		if err := EnableSWTimestamps(connFd); err == nil {
			return SW, nil
		}
		mode = LegacyNS
	}
	if mode == LegacyNS {
		if err := EnableLegacyNSTimestampsRx(connFd); err == nil {
			return LegacyNS, nil
		}
		mode = Legacy
	}
	if err := EnableLegacyTimestampsRx(connFd); err != nil {
		return mode, fmt.Errorf("cannot enable any timestamping on the socket: %w", err)
	}
	return Legacy, nil
}

// socketControlMessageTimestamp is a very optimised version of ParseSocketControlMessage
// which only parses the timestamp message types we asked the kernel for
func socketControlMessageTimestamp(b []byte, boob int) (time.Time, error) {
	mlen := 0
	for i := 0; i+socketControlMessageHeaderOffset <= boob; i += unix.CmsgSpace(mlen - unix.SizeofCmsghdr) {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&b[i]))
		mlen = int(h.Len) //#nosec G115
		if mlen == 0 {
			break
		}
		if h.Level != unix.SOL_SOCKET {
			continue
		}
		data := b[i+socketControlMessageHeaderOffset : i+mlen]
		switch int(h.Type) {
		// depending on the kernel version, when we ask for SO_TIMESTAMPING_NEW we still might get messages with type SO_TIMESTAMPING
		case unix.SO_TIMESTAMPING_NEW, unix.SO_TIMESTAMPING:
			return scmDataToTime(data)
		case unix.SO_TIMESTAMPNS_NEW, unix.SO_TIMESTAMPNS:
			if len(data) < 16 {
				return time.Time{}, errNoTimestamp
			}
			return byteToTime(data), nil
		case unix.SO_TIMESTAMP_NEW, unix.SO_TIMESTAMP:
			if len(data) < 16 {
				return time.Time{}, errNoTimestamp
			}
			sec := *(*int64)(unsafe.Pointer(&data[0]))
			usec := *(*int64)(unsafe.Pointer(&data[8]))
			return time.Unix(sec, usec*1000), nil
		}
	}
	return time.Time{}, errNoTimestamp
}

// scmIsTXTimestampErr checks that control message is IP(V6)_RECVERR
// originating from timestamping: ee_errno == ENOMSG, origin == timestamping
func scmIsTXTimestampErr(data []byte) bool {
	if len(data) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
		return false
	}
	se := (*unix.SockExtendedErr)(unsafe.Pointer(&data[0]))
	return unix.Errno(se.Errno) == unix.ENOMSG && se.Origin == unix.SO_EE_ORIGIN_TIMESTAMPING
}

// parseTXTimestampControl walks control messages of a MSG_ERRQUEUE read and
// returns the TX timestamp, verifying the error really is a looped-back
// timestamp and not some other socket error.
func parseTXTimestampControl(b []byte, boob int) (time.Time, error) {
	mlen := 0
	tstamp := time.Time{}
	origin := false
	var err error
	for i := 0; i+socketControlMessageHeaderOffset <= boob; i += unix.CmsgSpace(mlen - unix.SizeofCmsghdr) {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&b[i]))
		mlen = int(h.Len) //#nosec G115
		if mlen == 0 {
			break
		}
		data := b[i+socketControlMessageHeaderOffset : i+mlen]
		if h.Level == unix.SOL_SOCKET && (int(h.Type) == unix.SO_TIMESTAMPING_NEW || int(h.Type) == unix.SO_TIMESTAMPING) {
			tstamp, err = scmDataToTime(data)
			if err != nil {
				return time.Time{}, err
			}
		}
		if (h.Level == unix.SOL_IPV6 && int(h.Type) == unix.IPV6_RECVERR) ||
			(h.Level == unix.SOL_IP && int(h.Type) == unix.IP_RECVERR) {
			origin = scmIsTXTimestampErr(data)
		}
	}
	if tstamp.IsZero() || !origin {
		return time.Time{}, errNoTimestamp
	}
	return tstamp, nil
}

// ReadPacketWithRXTimestampBuf writes byte packet into provided buffer buf, and returns
// number of bytes copied to the buffer, client sockaddr and the RX timestamp.
// oob buffer can be reused after the call.
func ReadPacketWithRXTimestampBuf(connFd int, buf, oob []byte) (int, unix.Sockaddr, time.Time, error) {
	bbuf, boob, flags, saddr, err := unix.Recvmsg(connFd, buf, oob, 0)
	if err != nil {
		return 0, nil, time.Time{}, fmt.Errorf("failed to read packet: %w", err)
	}
	if flags&unix.MSG_TRUNC != 0 {
		return 0, saddr, time.Time{}, fmt.Errorf("datagram of %d bytes truncated to %d", bbuf, len(buf))
	}

	timestamp, err := socketControlMessageTimestamp(oob, boob)
	return bbuf, saddr, timestamp, err
}

// ReadPacketWithRXTimestamp returns byte packet and the RX timestamp
func ReadPacketWithRXTimestamp(connFd int) ([]byte, unix.Sockaddr, time.Time, error) {
	buf := make([]byte, PayloadSizeBytes)
	oob := make([]byte, ControlSizeBytes)

	bbuf, sa, t, err := ReadPacketWithRXTimestampBuf(connFd, buf, oob)
	return buf[:bbuf], sa, t, err
}

func waitForTXTS(connFd int) error {
	fds := []unix.PollFd{{Fd: int32(connFd), Events: unix.POLLPRI, Revents: 0}}
	for {
		n, err := unix.Poll(fds, int(TimeoutTXTS.Milliseconds()))
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return syscall.ETIMEDOUT
		}
		return nil
	}
}

// ReadTXTimestampBuf reads one looped-back packet from the socket error queue
// and returns the number of payload bytes copied into buf along with the TX
// timestamp the kernel attached to it. The payload is what lets the caller
// find out which of the in-flight packets this timestamp belongs to.
func ReadTXTimestampBuf(connFd int, buf, oob []byte) (int, time.Time, error) {
	var lastErr error
	for attempt := 0; attempt < AttemptsTXTS; attempt++ {
		if err := waitForTXTS(connFd); err != nil {
			lastErr = err
			continue
		}
		n, boob, _, _, err := unix.Recvmsg(connFd, buf, oob, unix.MSG_ERRQUEUE)
		if err != nil {
			lastErr = err
			continue
		}
		ts, err := parseTXTimestampControl(oob, boob)
		if err != nil {
			lastErr = err
			continue
		}
		return n, ts, nil
	}
	return 0, time.Time{}, fmt.Errorf("no TX timestamp found after %d tries: %w", AttemptsTXTS, lastErr)
}

// TryReadTXTimestampBuf is a non-blocking single attempt at the error queue,
// used when the event loop reports the queue readable.
func TryReadTXTimestampBuf(connFd int, buf, oob []byte) (int, time.Time, error) {
	n, boob, _, _, err := unix.Recvmsg(connFd, buf, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
	if err != nil {
		return 0, time.Time{}, err
	}
	ts, err := parseTXTimestampControl(oob, boob)
	if err != nil {
		return 0, time.Time{}, err
	}
	return n, ts, nil
}
