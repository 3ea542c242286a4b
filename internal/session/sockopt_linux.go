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

//go:build linux

package session

import (
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tverberg/bgpsessd/internal/config"
)

// tosInternetControl is the precedence set on peering sockets, see RFC
// 1771 appendix 5.
const tosInternetControl = 0xc0

func buildTCPMD5Sig(address, key string) *unix.TCPMD5Sig {
	t := unix.TCPMD5Sig{}
	addr := net.ParseIP(address)
	if addr.To4() != nil {
		t.Addr.Family = unix.AF_INET
		copy(t.Addr.Data[2:], addr.To4())
	} else {
		t.Addr.Family = unix.AF_INET6
		copy(t.Addr.Data[6:], addr.To16())
	}

	t.Keylen = uint16(len(key))
	copy(t.Key[0:], []byte(key))

	return &t
}

func setPeerSockopts(fd int, pc *config.Peer, ipv6 bool) error {
	if !ipv6 {
		// set precedence, see RFC 1771 appendix 5
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tosInternetControl); err != nil {
			return os.NewSyscallError("setsockopt IP_TOS", err)
		}
	}

	if pc.EBGP() {
		// set TTL to the foreign router's distance; 1=direct, n=multihop.
		// With ttl-security we always send 255 and filter on min TTL.
		ttl := int(pc.Distance)
		if !ipv6 {
			if pc.TTLSecurity {
				if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MINTTL, 256-ttl); err != nil {
					return os.NewSyscallError("setsockopt IP_MINTTL", err)
				}
				ttl = 255
			}
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, ttl); err != nil {
				return os.NewSyscallError("setsockopt IP_TTL", err)
			}
		} else {
			if pc.TTLSecurity {
				if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MINHOPCOUNT, 256-ttl); err != nil {
					return os.NewSyscallError("setsockopt IPV6_MINHOPCOUNT", err)
				}
				ttl = 255
			}
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttl); err != nil {
				return os.NewSyscallError("setsockopt IPV6_UNICAST_HOPS", err)
			}
		}
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return os.NewSyscallError("setsockopt TCP_NODELAY", err)
	}

	// limit the buffer sizes, halving down until the kernel takes them
	for _, opt := range []int{unix.SO_RCVBUF, unix.SO_SNDBUF} {
		for bsize := 65535; bsize > 8192; bsize /= 2 {
			err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, bsize)
			if err == nil || err != unix.EINVAL {
				break
			}
		}
	}

	return nil
}

// dialControl returns the dialer hook configuring a peering socket before
// connect: TOS, TTL/GTSM, NODELAY, buffer sizes, and TCP MD5 signatures.
func dialControl(pc *config.Peer) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockerr error
		err := c.Control(func(fd uintptr) {
			ipv6 := pc.Addr().Is6()
			if sockerr = setPeerSockopts(int(fd), pc, ipv6); sockerr != nil {
				return
			}
			if pc.MD5Key != "" {
				addr, _, _ := net.SplitHostPort(address)
				t := buildTCPMD5Sig(addr, pc.MD5Key)
				sockerr = os.NewSyscallError("setsockopt TCP_MD5SIG",
					unix.SetsockoptTCPMD5Sig(int(fd), unix.IPPROTO_TCP, unix.TCP_MD5SIG, t))
			}
		})
		if err != nil {
			return err
		}
		return sockerr
	}
}

// setupSocket applies the peering socket options to an accepted or dialed
// connection.
func setupSocket(c net.Conn, pc *config.Peer) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockerr error
	if err := raw.Control(func(fd uintptr) {
		sockerr = setPeerSockopts(int(fd), pc, pc.Addr().Is6())
	}); err != nil {
		return err
	}
	return sockerr
}
