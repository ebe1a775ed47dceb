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
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestACLOrderSemantics(t *testing.T) {
	allow := []string{"192.168.1.0/24"}
	deny := []string{"192.168.1.5/32"}

	ad, err := NewACL(OrderAllowDeny, allow, deny)
	require.NoError(t, err)
	// in allow and in deny: allow-deny denies
	assert.False(t, ad.Permit(net.ParseIP("192.168.1.5")))
	// in allow only
	assert.True(t, ad.Permit(net.ParseIP("192.168.1.6")))
	// in neither: default deny
	assert.False(t, ad.Permit(net.ParseIP("10.1.1.1")))

	da, err := NewACL(OrderDenyAllow, allow, deny)
	require.NoError(t, err)
	// in deny but also in allow: deny-allow allows
	assert.True(t, da.Permit(net.ParseIP("192.168.1.5")))
	// in neither: default allow
	assert.True(t, da.Permit(net.ParseIP("10.1.1.1")))

	// deny only, not covered by allow
	da2, err := NewACL(OrderDenyAllow, nil, []string{"10.0.0.0/8"})
	require.NoError(t, err)
	assert.False(t, da2.Permit(net.ParseIP("10.2.3.4")))
	assert.True(t, da2.Permit(net.ParseIP("172.16.0.1")))
}

func TestACLNilAndNonIPv4(t *testing.T) {
	var acl *ACL
	assert.True(t, acl.Permit(net.ParseIP("10.0.0.1")))

	ad, err := NewACL(OrderAllowDeny, []string{"192.168.0.0/16"}, nil)
	require.NoError(t, err)
	// IPv6 addresses are not subject to IPv4 filtering
	assert.True(t, ad.Permit(net.ParseIP("2001:db8::1")))
}

func TestACLBareAddressIsHost(t *testing.T) {
	ad, err := NewACL(OrderAllowDeny, []string{"192.168.1.5"}, nil)
	require.NoError(t, err)
	assert.True(t, ad.Permit(net.ParseIP("192.168.1.5")))
	assert.False(t, ad.Permit(net.ParseIP("192.168.1.6")))
}

func TestACLHitsAndOrdering(t *testing.T) {
	ad, err := NewACL(OrderAllowDeny, []string{"192.168.1.0/24", "10.0.0.0/8"}, nil)
	require.NoError(t, err)
	require.True(t, ad.Permit(net.ParseIP("10.1.2.3")))
	require.True(t, ad.Permit(net.ParseIP("10.3.2.1")))
	entries := ad.Entries()
	require.Len(t, entries, 2)
	// entries sorted by network, 10/8 before 192.168.1/24
	assert.Equal(t, "allow 10.0.0.0/8 hits=2", entries[0])
	assert.Equal(t, "allow 192.168.1.0/24 hits=0", entries[1])
}

func TestACLParseErrors(t *testing.T) {
	_, err := NewACL(OrderAllowDeny, []string{"not-an-ip"}, nil)
	require.Error(t, err)
	_, err = NewACL(OrderAllowDeny, []string{"2001:db8::/32"}, nil)
	require.Error(t, err)
	_, err = ParseACLOrder("deny-allow")
	require.NoError(t, err)
	_, err = ParseACLOrder("apache")
	require.Error(t, err)
}
