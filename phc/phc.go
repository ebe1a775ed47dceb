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

// Package phc gives access to PTP hardware clocks exposed via /dev/ptp*.
package phc

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opensync/ptpd/clock"
)

// IfaceCaps is what the interface reports about its timestamping abilities
type IfaceCaps struct {
	PHCIndex   int
	HWTransmit bool
	HWReceive  bool
	SWTransmit bool
	SWReceive  bool
}

// HasPHC reports whether the interface has a hardware clock at all
func (c *IfaceCaps) HasPHC() bool {
	return c.PHCIndex >= 0
}

// IfaceInfo uses the SIOCETHTOOL ioctl to read timestamping capabilities of
// the given nic, i.e. eth0.
func IfaceInfo(iface string) (*IfaceCaps, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socket for ethtool: %w", err)
	}
	defer unix.Close(fd)
	info, err := unix.IoctlGetEthtoolTsInfo(fd, iface)
	if err != nil {
		return nil, fmt.Errorf("getting timestamping info for %s: %w", iface, err)
	}
	return &IfaceCaps{
		PHCIndex:   int(info.Phc_index),
		HWTransmit: info.So_timestamping&unix.SOF_TIMESTAMPING_TX_HARDWARE != 0,
		HWReceive:  info.So_timestamping&unix.SOF_TIMESTAMPING_RX_HARDWARE != 0,
		SWTransmit: info.So_timestamping&unix.SOF_TIMESTAMPING_TX_SOFTWARE != 0,
		SWReceive:  info.So_timestamping&unix.SOF_TIMESTAMPING_RX_SOFTWARE != 0,
	}, nil
}

// IfaceToPHCDevice returns path to the PHC device associated with given nic
func IfaceToPHCDevice(iface string) (string, error) {
	caps, err := IfaceInfo(iface)
	if err != nil {
		return "", fmt.Errorf("getting interface %s info: %w", iface, err)
	}
	if !caps.HasPHC() {
		return "", fmt.Errorf("interface %s doesn't support PHC", iface)
	}
	return fmt.Sprintf("/dev/ptp%d", caps.PHCIndex), nil
}

// Device represents a PHC device
type Device os.File

// Open opens the PHC device at path, read-write for clock adjustments
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening PHC device %q: %w", path, err)
	}
	return FromFile(f), nil
}

// OpenByIface opens the PHC device behind the named network interface
func OpenByIface(iface string) (*Device, error) {
	path, err := IfaceToPHCDevice(iface)
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// FromFile returns a *Device corresponding to an *os.File
func FromFile(file *os.File) *Device { return (*Device)(file) }

// File returns the underlying *os.File
func (dev *Device) File() *os.File { return (*os.File)(dev) }

// Fd returns the underlying file descriptor
func (dev *Device) Fd() uintptr { return dev.File().Fd() }

// ClockID derives the clock ID from the file descriptor number - see clock_gettime(3), FD_TO_CLOCKID macros
func (dev *Device) ClockID() int32 { return int32((int(^dev.Fd()) << 3) | 3) }

// Name identifies the device in logs and persistence
func (dev *Device) Name() string { return dev.File().Name() }

// Close the underlying device file
func (dev *Device) Close() error { return dev.File().Close() }

// Time returns time from the PTP device using the clock_gettime syscall
func (dev *Device) Time() (time.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(dev.ClockID(), &ts); err != nil {
		return time.Time{}, fmt.Errorf("failed clock_gettime: %w", err)
	}
	return time.Unix(ts.Unix()), nil
}

// Step jumps the PHC clock by given duration
func (dev *Device) Step(delta time.Duration) error {
	_, err := clock.Step(dev.ClockID(), delta)
	return err
}

// AdjFreqPPB adjusts the PHC clock frequency in PPB
func (dev *Device) AdjFreqPPB(freqPPB float64) error {
	_, err := clock.AdjFreqPPB(dev.ClockID(), freqPPB)
	return err
}

// FreqPPB reads PHC device frequency in PPB (parts per billion)
func (dev *Device) FreqPPB() (float64, error) {
	freq, _, err := clock.FrequencyPPB(dev.ClockID())
	return freq, err
}

// MaxFreqPPB reads max value for frequency adjustments (in PPB) from the device
func (dev *Device) MaxFreqPPB() (float64, error) {
	caps, err := unix.IoctlPtpClockGetcaps(int(dev.Fd()))
	if err != nil {
		return clock.DefaultMaxFreqPPB, fmt.Errorf("clock didn't respond properly: %w", err)
	}
	maxAdj := float64(caps.Max_adj)
	if maxAdj == 0 {
		maxAdj = clock.DefaultMaxFreqPPB
	}
	return maxAdj, nil
}

// SetSync is a no-op: telling the NIC firmware the clock is in sync needs a
// vendor IOCTL we don't emulate in software.
func (dev *Device) SetSync(timeout time.Duration) error {
	return nil
}
