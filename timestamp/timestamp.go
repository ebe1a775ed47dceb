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

// Here we have basic HW and SW timestamping support

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// ControlSizeBytes is a socket control message containing TX/RX timestamp
	// If the read fails we may endup with multiple timestamps in the buffer
	// which is best to read right away
	ControlSizeBytes = 128
	// PayloadSizeBytes is the size of the receive buffer. Datagrams that
	// don't fit are truncated and dropped by the caller.
	PayloadSizeBytes = 1536
)

// Mode is a type of timestamping the socket is configured for
type Mode int

// Timestamping modes, ordered from most to least precise. When enabling
// timestamps the caller walks down this ladder until one sticks.
const (
	// HW is hardware timestamping from the NIC
	HW Mode = iota
	// SW is kernel software timestamping
	SW
	// LegacyNS is SO_TIMESTAMPNS, nanosecond resolution, RX only
	LegacyNS
	// Legacy is SO_TIMESTAMP, microsecond resolution, RX only
	Legacy
)

// Unsupported is a string for unsupported timestamp
const Unsupported = "Unsupported"

// modeToString is a map from Mode to string
var modeToString = map[Mode]string{
	HW:       "hardware",
	SW:       "software",
	LegacyNS: "legacy_ns",
	Legacy:   "legacy",
}

// String returns Mode in human form
func (m Mode) String() string {
	v, ok := modeToString[m]
	if ok {
		return v
	}
	return Unsupported
}

// MarshalText mode to byte slice
func (m Mode) MarshalText() ([]byte, error) {
	_, ok := modeToString[m]
	if ok {
		return []byte(m.String()), nil
	}
	return []byte(Unsupported), fmt.Errorf("unknown timestamping mode %d", int(m))
}

// UnmarshalText mode from byte slice
func (m *Mode) UnmarshalText(value []byte) error {
	return m.Set(string(value))
}

// Set mode from string
func (m *Mode) Set(value string) error {
	for k, v := range modeToString {
		if v == value {
			*m = k
			return nil
		}
	}
	return fmt.Errorf("unknown timestamping mode %q", value)
}

// Type is required by the cobra.Value interface
func (m *Mode) Type() string {
	return "timestamping mode"
}

// AttemptsTXTS is the configured amount of attempts to read TX timestamp
var AttemptsTXTS = 10

// TimeoutTXTS is the configured timeout to read TX timestamp
var TimeoutTXTS = time.Millisecond

// ConnFd returns file descriptor of a connection
func ConnFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var intfd int
	err = sc.Control(func(fd uintptr) {
		intfd = int(fd)
	})
	if err != nil {
		return -1, err
	}
	return intfd, nil
}

// IPToSockaddr converts IP + port into a socket address
func IPToSockaddr(ip net.IP, port int) unix.Sockaddr {
	if ip.To4() != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip.To4())
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

// SockaddrToIP converts socket address to an IP
func SockaddrToIP(sa unix.Sockaddr) net.IP {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Addr[0:]
	case *unix.SockaddrInet6:
		return sa.Addr[0:]
	}
	return nil
}

// SockaddrToPort converts socket address to a port
func SockaddrToPort(sa unix.Sockaddr) int {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port
	case *unix.SockaddrInet6:
		return sa.Port
	}
	return 0
}

// NewSockaddrWithPort creates a new socket address with the same IP and new port
func NewSockaddrWithPort(sa unix.Sockaddr, port int) unix.Sockaddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &unix.SockaddrInet4{Addr: sa.Addr, Port: port}
	case *unix.SockaddrInet6:
		return &unix.SockaddrInet6{Addr: sa.Addr, Port: port}
	}
	return nil
}
