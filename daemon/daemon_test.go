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

package daemon

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/opensync/ptpd/protocol"
	"github.com/opensync/ptpd/transport"
)

func TestClockIdentityFor(t *testing.T) {
	iface := &net.Interface{
		HardwareAddr: net.HardwareAddr{0x0c, 0x42, 0xa1, 0x6d, 0x7c, 0xd1},
	}
	id, err := clockIdentityFor(iface, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.ClockIdentity(0x0c42a1fffe6d7cd1), id)

	bits := uint16(7)
	id, err = clockIdentityFor(iface, &bits)
	require.NoError(t, err)
	assert.Equal(t, protocol.ClockIdentity(0x0c42a16d7cd10007), id)
}

func TestACLSelection(t *testing.T) {
	timing, err := transport.NewACL(transport.OrderAllowDeny, []string{"10.0.0.0/8"}, nil)
	require.NoError(t, err)
	mgmt, err := transport.NewACL(transport.OrderAllowDeny, []string{"192.168.0.0/16"}, nil)
	require.NoError(t, err)
	d := &Daemon{aclTiming: timing, aclManagement: mgmt}

	assert.Equal(t, mgmt, d.aclFor(protocol.MessageManagement))
	assert.Equal(t, timing, d.aclFor(protocol.MessageAnnounce))
	assert.Equal(t, timing, d.aclFor(protocol.MessageSync))
}

func TestPermitted(t *testing.T) {
	timing, err := transport.NewACL(transport.OrderAllowDeny, []string{"10.0.0.0/8"}, nil)
	require.NoError(t, err)
	d := &Daemon{aclTiming: timing}

	ok := &unix.SockaddrInet4{Addr: [4]byte{10, 1, 2, 3}, Port: 319}
	bad := &unix.SockaddrInet4{Addr: [4]byte{172, 16, 0, 1}, Port: 319}

	assert.True(t, d.permitted(d.aclTiming, ok))
	assert.False(t, d.permitted(d.aclTiming, bad))
	assert.Equal(t, uint64(1), d.aclDrops)
	// no ACL or no address means pass
	assert.True(t, d.permitted(nil, bad))
	assert.True(t, d.permitted(d.aclTiming, nil))
}
