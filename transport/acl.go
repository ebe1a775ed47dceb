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
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"
)

// ACLOrder selects how the allow and deny lists combine, named after the
// Apache Order directive they mimic.
type ACLOrder int

const (
	// OrderAllowDeny denies by default: an address passes only if it matches
	// the allow list and doesn't match the deny list.
	OrderAllowDeny ACLOrder = iota
	// OrderDenyAllow allows by default: an address is dropped only if it
	// matches the deny list and doesn't match the allow list.
	OrderDenyAllow
)

// String returns ACLOrder in config file form
func (o ACLOrder) String() string {
	if o == OrderDenyAllow {
		return "deny-allow"
	}
	return "allow-deny"
}

// ParseACLOrder parses config file form of ACLOrder
func ParseACLOrder(s string) (ACLOrder, error) {
	switch strings.ToLower(s) {
	case "allow-deny":
		return OrderAllowDeny, nil
	case "deny-allow":
		return OrderDenyAllow, nil
	}
	return OrderAllowDeny, fmt.Errorf("unknown ACL order %q", s)
}

// aclEntry is one IPv4 network. Matching is (addr & bitmask) == network.
type aclEntry struct {
	network uint32
	prefix  int
	bitmask uint32
	hits    uint64
}

func (e *aclEntry) match(addr uint32) bool {
	if addr&e.bitmask == e.network {
		e.hits++
		return true
	}
	return false
}

func (e *aclEntry) String() string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, e.network)
	return fmt.Sprintf("%s/%d", ip, e.prefix)
}

// ACL is an IPv4 allow/deny filter for incoming packets
type ACL struct {
	order ACLOrder
	allow []aclEntry
	deny  []aclEntry
}

func parseEntries(cidrs []string) ([]aclEntry, error) {
	entries := make([]aclEntry, 0, len(cidrs))
	for _, c := range cidrs {
		// bare addresses are /32
		if !strings.Contains(c, "/") {
			c += "/32"
		}
		ip, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parsing ACL entry %q: %w", c, err)
		}
		if ip.To4() == nil {
			return nil, fmt.Errorf("ACL entry %q is not IPv4", c)
		}
		prefix, _ := ipnet.Mask.Size()
		mask := uint32(0xffffffff) << uint(32-prefix)
		if prefix == 0 {
			mask = 0
		}
		entries = append(entries, aclEntry{
			network: binary.BigEndian.Uint32(ipnet.IP.To4()),
			prefix:  prefix,
			bitmask: mask,
		})
	}
	// sorted by network for deterministic iteration and reporting
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].network != entries[j].network {
			return entries[i].network < entries[j].network
		}
		return entries[i].prefix < entries[j].prefix
	})
	return entries, nil
}

// NewACL builds an ACL from CIDR strings
func NewACL(order ACLOrder, allow, deny []string) (*ACL, error) {
	a, err := parseEntries(allow)
	if err != nil {
		return nil, err
	}
	d, err := parseEntries(deny)
	if err != nil {
		return nil, err
	}
	return &ACL{order: order, allow: a, deny: d}, nil
}

func matchAny(entries []aclEntry, addr uint32) bool {
	matched := false
	for i := range entries {
		if entries[i].match(addr) {
			matched = true
		}
	}
	return matched
}

// Permit decides whether a packet from ip may be processed. Non-IPv4
// addresses are not subject to filtering and always pass.
func (a *ACL) Permit(ip net.IP) bool {
	if a == nil {
		return true
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return true
	}
	addr := binary.BigEndian.Uint32(ip4)
	inAllow := matchAny(a.allow, addr)
	inDeny := matchAny(a.deny, addr)
	if a.order == OrderAllowDeny {
		return inAllow && !inDeny
	}
	return !inDeny || inAllow
}

// Entries returns a printable form of the rules with hit counts
func (a *ACL) Entries() []string {
	out := []string{}
	for i := range a.allow {
		out = append(out, fmt.Sprintf("allow %s hits=%d", a.allow[i].String(), a.allow[i].hits))
	}
	for i := range a.deny {
		out = append(out, fmt.Sprintf("deny %s hits=%d", a.deny[i].String(), a.deny[i].hits))
	}
	return out
}
