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

// Package capa implements BGP capability advertisement, parsing and
// negotiation: Multi-Protocol (RFC 4760), Route Refresh (RFC 2918),
// Enhanced Route Refresh (RFC 7313), Graceful Restart (RFC 4724),
// 4-byte AS numbers (RFC 6793), Add-Path (RFC 7911) and BGP Roles
// (RFC 9234).
package capa

import (
	"encoding/binary"
	"fmt"
)

// AID is a compact address-family identifier covering the AFI/SAFI pairs
// the session engine cares about.
type AID uint8

const (
	AIDUnspec AID = iota
	AIDIPv4
	AIDIPv6
	AIDVPNv4
	AIDVPNv6
	AIDMax
)

// AIDMin is the first real address family; index 0 is reserved (the
// Add-Path aggregate lives there).
const AIDMin = AIDIPv4

func (a AID) String() string {
	switch a {
	case AIDIPv4:
		return "IPv4 unicast"
	case AIDIPv6:
		return "IPv6 unicast"
	case AIDVPNv4:
		return "IPv4 vpn"
	case AIDVPNv6:
		return "IPv6 vpn"
	default:
		return "unknown"
	}
}

const (
	afiIPv4 = 1
	afiIPv6 = 2

	safiUnicast = 1
	safiMPLSVPN = 128
)

// FromAFISAFI maps a wire AFI/SAFI pair to an AID.
func FromAFISAFI(afi uint16, safi uint8) (AID, bool) {
	switch {
	case afi == afiIPv4 && safi == safiUnicast:
		return AIDIPv4, true
	case afi == afiIPv6 && safi == safiUnicast:
		return AIDIPv6, true
	case afi == afiIPv4 && safi == safiMPLSVPN:
		return AIDVPNv4, true
	case afi == afiIPv6 && safi == safiMPLSVPN:
		return AIDVPNv6, true
	default:
		return AIDUnspec, false
	}
}

// AFISAFI is the inverse of FromAFISAFI.
func (a AID) AFISAFI() (uint16, uint8, bool) {
	switch a {
	case AIDIPv4:
		return afiIPv4, safiUnicast, true
	case AIDIPv6:
		return afiIPv6, safiUnicast, true
	case AIDVPNv4:
		return afiIPv4, safiMPLSVPN, true
	case AIDVPNv6:
		return afiIPv6, safiMPLSVPN, true
	default:
		return 0, 0, false
	}
}

// Capability codes.
const (
	CodeMP         = 1
	CodeRefresh    = 2
	CodeRole       = 9
	CodeRestart    = 64
	CodeAS4Byte    = 65
	CodeAddPath    = 69
	CodeEnhancedRR = 70
)

// Role is an RFC 9234 session role. The numeric values are the ones
// carried in the capability.
type Role uint8

const (
	RoleProvider Role = 0
	RoleRS       Role = 1
	RoleRSClient Role = 2
	RoleCustomer Role = 3
	RolePeer     Role = 4
	RoleNone     Role = 255
)

func (r Role) String() string {
	switch r {
	case RoleProvider:
		return "provider"
	case RoleRS:
		return "rs"
	case RoleRSClient:
		return "rs-client"
	case RoleCustomer:
		return "customer"
	case RolePeer:
		return "peer"
	default:
		return "none"
	}
}

// RoleFromWire validates a received role value.
func RoleFromWire(v uint8) Role {
	switch Role(v) {
	case RoleProvider, RoleRS, RoleRSClient, RoleCustomer, RolePeer:
		return Role(v)
	default:
		return RoleNone
	}
}

// Policy advertisement levels for the role capability.
const (
	PolicyOff     = 0
	PolicyOn      = 1
	PolicyEnforce = 2
)

// Graceful-restart per-AID flags (local bookkeeping, not wire bits).
type GRFlag uint8

const (
	GRPresent GRFlag = 1 << iota
	GRRestart
	GRForward
	GRRestarting
)

// Graceful-restart wire encoding.
const (
	grTimeMask = 0x0fff
	grRFlag    = 0x8000
	grFFlag    = 0x80
)

// Graceful-restart modes.
const (
	GRModeNone = 0 // capability absent
	GRModeEOR  = 1 // End-of-RIB only, no per-AFI entries
	GRModeFull = 2 // per-AFI forwarding state
)

// Restart is the graceful-restart portion of a capability set.
type Restart struct {
	Mode    uint8
	Timeout uint16
	Flags   [AIDMax]GRFlag
}

// Add-Path direction bits, stored from the local point of view.
const (
	APRecv  = 0x01
	APSend  = 0x02
	APBidir = APRecv | APSend
)

// Set holds one side's capabilities. The same type serves the announced,
// peer-sent and negotiated sets.
type Set struct {
	MP         [AIDMax]bool
	Refresh    bool
	EnhancedRR bool
	AS4Byte    bool
	Policy     uint8
	Role       Role
	GR         Restart
	AddPath    [AIDMax]uint8
}

// HasMP reports whether any family is enabled.
func (s *Set) HasMP() bool {
	for i := AIDMin; i < AIDMax; i++ {
		if s.MP[i] {
			return true
		}
	}
	return false
}

// Reset clears the set. Used when a peer session drops back to Idle.
func (s *Set) Reset() {
	*s = Set{Role: RoleNone}
}

func appendTLV(dst []byte, code, length uint8) []byte {
	return append(dst, code, length)
}

func appendAFISAFI(dst []byte, a AID) []byte {
	afi, safi, _ := a.AFISAFI()
	dst = binary.BigEndian.AppendUint16(dst, afi)
	return append(dst, 0, safi)
}

// AppendTLVs appends the capability TLV list announcing s. The caller
// wraps it into the OPEN optional-parameters block. localAS is carried in
// the 4-byte-AS capability, restarting suppresses the restart R-flag, and
// ebgp gates the role capability.
func AppendTLVs(dst []byte, s *Set, localAS uint32, ebgp, restarting bool) []byte {
	mpcount := 0
	for i := AIDMin; i < AIDMax; i++ {
		if s.MP[i] {
			dst = appendTLV(dst, CodeMP, 4)
			dst = appendAFISAFI(dst, i)
			mpcount++
		}
	}

	if s.Refresh {
		dst = appendTLV(dst, CodeRefresh, 0)
	}

	if ebgp && s.Policy != PolicyOff && s.Role != RoleNone &&
		(s.MP[AIDIPv4] || s.MP[AIDIPv6] || mpcount == 0) {
		dst = appendTLV(dst, CodeRole, 1)
		dst = append(dst, uint8(s.Role))
	}

	if s.GR.Mode != GRModeNone {
		var hdr uint16
		// only set the R-flag if no graceful restart is ongoing
		if !restarting {
			hdr |= grRFlag
		}
		// full mode carries the restart time and one entry per family
		var afis []byte
		if s.GR.Mode == GRModeFull {
			hdr |= s.GR.Timeout & grTimeMask
			for i := AIDMin; i < AIDMax; i++ {
				if s.GR.Flags[i]&GRPresent != 0 {
					afi, safi, _ := i.AFISAFI()
					var flags uint8
					if s.GR.Flags[i]&GRForward != 0 {
						flags = grFFlag
					}
					afis = binary.BigEndian.AppendUint16(afis, afi)
					afis = append(afis, safi, flags)
				}
			}
		}
		dst = appendTLV(dst, CodeRestart, uint8(2+len(afis)))
		dst = binary.BigEndian.AppendUint16(dst, hdr)
		dst = append(dst, afis...)
	}

	if s.AS4Byte {
		dst = appendTLV(dst, CodeAS4Byte, 4)
		dst = binary.BigEndian.AppendUint32(dst, localAS)
	}

	if s.AddPath[AIDMin] != 0 {
		aplen := uint8(4)
		if mpcount > 0 {
			aplen = uint8(4 * mpcount)
		}
		dst = appendTLV(dst, CodeAddPath, aplen)
		if mpcount > 0 {
			for i := AIDMin; i < AIDMax; i++ {
				if s.MP[i] {
					afi, safi, _ := i.AFISAFI()
					dst = binary.BigEndian.AppendUint16(dst, afi)
					dst = append(dst, safi, s.AddPath[i])
				}
			}
		} else {
			afi, safi, _ := AIDIPv4.AFISAFI()
			dst = binary.BigEndian.AppendUint16(dst, afi)
			dst = append(dst, safi, s.AddPath[AIDIPv4])
		}
	}

	if s.EnhancedRR {
		dst = appendTLV(dst, CodeEnhancedRR, 0)
	}

	return dst
}

// ParseError describes a capability list that cannot be walked. It maps to
// NOTIFICATION(Open, 0) at the session layer.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "bad capabilities: " + e.Reason
}

// ErrZeroAS4 is returned when the peer's 4-byte-AS capability carries AS
// zero; it maps to NOTIFICATION(Open, BadAS).
type ErrZeroAS4 struct{}

func (ErrZeroAS4) Error() string { return "peer requests unacceptable AS 0" }

// Warner receives per-capability complaints about TLVs that are ignored
// rather than fatal.
type Warner func(format string, args ...any)

// Parse walks a capability TLV list from a peer's OPEN. Individually
// malformed capabilities are ignored or disabled per their own rules; a
// list that cannot be walked at all is a ParseError. The returned as value
// is non-zero if the peer advertised the 4-byte-AS capability.
func Parse(s *Set, data []byte, ebgp bool, warn Warner) (as uint32, err error) {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	for len(data) > 0 {
		if len(data) < 2 {
			return 0, &ParseError{Reason: fmt.Sprintf("attr length %d, too short", len(data))}
		}
		code := data[0]
		length := int(data[1])
		data = data[2:]
		if length > len(data) {
			return 0, &ParseError{Reason: fmt.Sprintf("len %d smaller than capa_len %d", len(data), length)}
		}
		val := data[:length]
		data = data[length:]

		switch code {
		case CodeMP:
			if length != 4 {
				warn("bad multi protocol capability length: %d", length)
				break
			}
			afi := binary.BigEndian.Uint16(val)
			safi := val[3]
			aid, ok := FromAFISAFI(afi, safi)
			if !ok {
				warn("multi protocol capability: unknown AFI %d, safi %d pair", afi, safi)
				break
			}
			s.MP[aid] = true

		case CodeRefresh:
			s.Refresh = true

		case CodeRole:
			if length != 1 {
				warn("bad role capability length: %d", length)
				break
			}
			if !ebgp {
				warn("role capability on ibgp session")
				break
			}
			s.Policy = PolicyOn
			s.Role = RoleFromWire(val[0])

		case CodeRestart:
			if length == 2 {
				// peer only supports the End-of-RIB marker
				s.GR.Mode = GRModeEOR
				s.GR.Timeout = 0
				break
			}
			if length%4 != 2 {
				warn("bad graceful restart capability length: %d", length)
				s.GR.Mode = GRModeNone
				s.GR.Timeout = 0
				break
			}
			hdr := binary.BigEndian.Uint16(val)
			s.GR.Timeout = hdr & grTimeMask
			if s.GR.Timeout == 0 {
				warn("graceful restart timeout is zero")
				s.GR.Mode = GRModeNone
				break
			}
			for i := 2; i <= length-4; i += 4 {
				afi := binary.BigEndian.Uint16(val[i:])
				safi := val[i+2]
				flags := val[i+3]
				aid, ok := FromAFISAFI(afi, safi)
				if !ok {
					warn("graceful restart capability: unknown AFI %d, safi %d pair", afi, safi)
					continue
				}
				s.GR.Flags[aid] |= GRPresent
				if flags&grFFlag != 0 {
					s.GR.Flags[aid] |= GRForward
				}
				if hdr&grRFlag != 0 {
					s.GR.Flags[aid] |= GRRestart
				}
				s.GR.Mode = GRModeFull
			}

		case CodeAS4Byte:
			if length != 4 {
				warn("bad as4byte capability length: %d", length)
				s.AS4Byte = false
				break
			}
			as = binary.BigEndian.Uint32(val)
			if as == 0 {
				return 0, ErrZeroAS4{}
			}
			s.AS4Byte = true

		case CodeAddPath:
			if length%4 != 0 || length == 0 {
				warn("bad add-path capability length: %d", length)
				s.AddPath = [AIDMax]uint8{}
				break
			}
			for i := 0; i <= length-4; i += 4 {
				afi := binary.BigEndian.Uint16(val[i:])
				safi := val[i+2]
				flags := val[i+3]
				aid, ok := FromAFISAFI(afi, safi)
				if !ok {
					warn("add-path capability: unknown AFI %d, safi %d pair", afi, safi)
					s.AddPath = [AIDMax]uint8{}
					break
				}
				if flags&^uint8(APBidir) != 0 {
					warn("add-path capability: bad flags %x", flags)
					s.AddPath = [AIDMax]uint8{}
					break
				}
				s.AddPath[aid] = flags
			}

		case CodeEnhancedRR:
			s.EnhancedRR = true

		default:
			// unknown capabilities are ignored
		}
	}
	return as, nil
}

// ErrRoleMismatch is returned by Negotiate when the RFC 9234 role matrix
// rejects the pairing; it maps to NOTIFICATION(Open, RoleMismatch).
type ErrRoleMismatch struct {
	Local, Remote Role
}

func (e ErrRoleMismatch) Error() string {
	return fmt.Sprintf("open policy role mismatch: our role %s, their role %s", e.Local, e.Remote)
}

func roleCompatible(local, remote Role) bool {
	switch local {
	case RoleProvider:
		return remote == RoleCustomer
	case RoleCustomer:
		return remote == RoleProvider
	case RoleRS:
		return remote == RoleRSClient
	case RoleRSClient:
		return remote == RoleRS
	case RolePeer:
		return remote == RolePeer
	default:
		return false
	}
}

// Result carries the outcome of a capability negotiation.
type Result struct {
	Neg Set
	// Flush lists families that were in graceful restart but are no
	// longer covered; the caller must tell the RDE to drop their stale
	// routes.
	Flush []AID
}

// Negotiate computes the negotiated capability set from the announced and
// peer sets. prev is the previous negotiated set (relevant across a
// graceful restart); localRole is the configured role. A capability is
// accepted only if both sides announced it.
func Negotiate(ann, peer, prev *Set, ebgp bool, localRole Role, warn Warner) (Result, error) {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	var res Result
	n := &res.Neg
	n.Role = RoleNone

	n.Refresh = ann.Refresh && peer.Refresh
	n.EnhancedRR = ann.EnhancedRR && peer.EnhancedRR
	n.AS4Byte = ann.AS4Byte && peer.AS4Byte

	// MP: both sides must agree on the AFI/SAFI pair.
	hasmp := false
	for i := AIDMin; i < AIDMax; i++ {
		n.MP[i] = ann.MP[i] && peer.MP[i]
		if ann.MP[i] {
			hasmp = true
		}
	}
	// if no MP capability is present default to IPv4 unicast mode
	if !hasmp {
		n.MP[AIDIPv4] = true
	}

	// Graceful restart: adopt the peer's flags, but keep a Restarting
	// mark only while the peer still preserves forwarding state for the
	// family. Families that fell out get flushed.
	peerGR := peer.GR
	for i := AIDMin; i < AIDMax; i++ {
		if peerGR.Flags[i]&GRPresent != 0 && !n.MP[i] {
			peerGR.Flags[i] = 0
		}
		prevFlags := prev.GR.Flags[i]
		n.GR.Flags[i] = peerGR.Flags[i]
		if prevFlags&GRRestarting != 0 {
			if ann.GR.Mode != GRModeNone && peerGR.Flags[i]&GRForward != 0 {
				n.GR.Flags[i] |= GRRestarting
			} else {
				warn("graceful restart of %s, not restarted, flushing", i)
				res.Flush = append(res.Flush, i)
			}
		}
	}
	n.GR.Timeout = peer.GR.Timeout
	n.GR.Mode = peer.GR.Mode
	if ann.GR.Mode == GRModeNone {
		n.GR.Mode = GRModeNone
	}

	// Add-Path: set only those bits where both sides agree, comparing our
	// send bit with the peer's recv bit and vice versa. Index 0 holds the
	// aggregate.
	for i := AIDMin; i < AIDMax; i++ {
		if ann.AddPath[i]&APRecv != 0 && peer.AddPath[i]&APSend != 0 {
			n.AddPath[i] |= APRecv
			n.AddPath[0] |= APRecv
		}
		if ann.AddPath[i]&APSend != 0 && peer.AddPath[i]&APRecv != 0 {
			n.AddPath[i] |= APSend
			n.AddPath[0] |= APSend
		}
	}

	// Open policy, RFC 9234 section 4.2. Only checked on ebgp sessions.
	if ann.Policy != PolicyOff && peer.Policy != PolicyOff && ebgp {
		if !roleCompatible(localRole, peer.Role) {
			return Result{}, ErrRoleMismatch{Local: localRole, Remote: peer.Role}
		}
		n.Policy = PolicyOn
		n.Role = peer.Role
	} else if ann.Policy == PolicyEnforce && ebgp {
		// enforce presence of the role capability
		return Result{}, ErrRoleMismatch{Local: localRole, Remote: RoleNone}
	}

	return res, nil
}
