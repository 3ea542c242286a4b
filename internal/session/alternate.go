// Copyright 2025 The bgpsessd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"net"
	"net/netip"
)

// alternateAddr finds the opposite-family address configured on the same
// interface as local, for announcing nexthops of the other family over
// this session. The first non-link-local, non-site-local candidate wins;
// on interfaces with several addresses the pick is order-dependent. The
// returned scope is the interface index when the peer is directly
// connected, zero otherwise.
func alternateAddr(local, remote netip.Addr) (netip.Addr, uint32) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, 0
	}

	var match *net.Interface
	var connected bool
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipn.IP)
			if !ok || addr.Unmap() != local {
				continue
			}
			match = &ifaces[i]
			ones, _ := ipn.Mask.Size()
			if pfx, err := addr.Unmap().Prefix(ones); err == nil {
				connected = pfx.Contains(remote)
			}
			break
		}
		if match != nil {
			break
		}
	}
	if match == nil {
		return netip.Addr{}, 0
	}

	var scope uint32
	if connected {
		scope = uint32(match.Index)
	}

	addrs, err := match.Addrs()
	if err != nil {
		return netip.Addr{}, scope
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipn.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() == local.Is4() {
			continue
		}
		// only accept global scope addresses
		if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
			netip.MustParsePrefix("fec0::/10").Contains(addr) {
			continue
		}
		return addr, scope
	}
	return netip.Addr{}, scope
}
