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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensync/ptpd/protocol"
	"github.com/opensync/ptpd/servo"
	"github.com/opensync/ptpd/timestamp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ptpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadConfig(t *testing.T) {
	path := writeConfig(t, `
iface: eth0
transport: ipv6
scope: global
delay_mechanism: p2p
sync_interval_log2: -3
slave_only: true
clock_ctrl_policy: slew-only
timestamping: software
dscp: 46
unique_clockid_bits: 2
acl_timing:
  order: allow-deny
  allow: ["192.168.0.0/16"]
  deny: ["192.168.1.5"]
`)
	c, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "eth0", c.Iface)
	assert.True(t, c.SlaveOnly)
	assert.Equal(t, int8(-3), c.SyncIntervalLog2)

	tt, err := c.TransportType()
	require.NoError(t, err)
	assert.Equal(t, protocol.TransportTypeUDPIPV6, tt)

	dm, err := c.DelayMechanismType()
	require.NoError(t, err)
	assert.Equal(t, protocol.DelayMechanismP2P, dm)

	mode, err := c.TimestampingMode()
	require.NoError(t, err)
	assert.Equal(t, timestamp.SW, mode)

	assert.Equal(t, servo.SlewOnly, c.StepPolicy())
	require.NotNil(t, c.UniqueClockIDBits)
	assert.Equal(t, uint16(2), *c.UniqueClockIDBits)

	acl, err := c.ACLTiming.Parse()
	require.NoError(t, err)
	require.NotNil(t, acl)

	tc, err := c.TransportConfig()
	require.NoError(t, err)
	assert.Equal(t, protocol.TransportTypeUDPIPV6, tc.Transport)

	sc := c.ServoConfig(500000, 42)
	assert.Equal(t, servo.SlewOnly, sc.Policy)
	assert.InDelta(t, 42, sc.SavedCorrectionPPB, 0.001)
}

func TestReadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "iface: eth0\n")
	c, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "ipv4", c.Transport)
	assert.Equal(t, "e2e", c.DelayMechanism)
	assert.Equal(t, uint8(128), c.Priority1)
	assert.True(t, c.TwoStep)
	assert.Nil(t, c.UniqueClockIDBits)
	acl, err := c.ACLTiming.Parse()
	require.NoError(t, err)
	assert.Nil(t, acl)
}

func TestReadConfigInvalid(t *testing.T) {
	cases := []string{
		"",                                  // missing iface
		"iface: eth0\ntransport: carrier\n", // bad transport
		"iface: eth0\ndelay_mechanism: maybe\n",
		"iface: eth0\nclock_ctrl_policy: yolo\n",
		"iface: eth0\ndscp: 100\n",
		"iface: eth0\nscope: galactic\n",
		"iface: eth0\ntimestamping: sundial\n",
		"iface: eth0\nacl_timing: {allow: [\"not-an-ip\"]}\n",
	}
	for _, tc := range cases {
		path := writeConfig(t, tc)
		_, err := Read(path)
		require.Error(t, err, "config %q", tc)
	}
}
