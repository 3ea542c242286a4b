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

// Package config loads and validates the bgpsessd configuration from a
// YAML file with a BGPSESSD_ environment overlay.
package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tverberg/bgpsessd/internal/capa"
)

// Default intervals, in seconds. These mirror classic session-engine
// behavior: a four minute initial holdtime while waiting for the OPEN
// exchange and an exponentially backed off idle hold after errors.
const (
	DefaultHoldTime     = 90
	DefaultMinHoldTime  = 3
	DefaultConnectRetry = 120
	HoldTimeInitial     = 240
	IdleHoldInitial     = 5
	MaxIdleHold         = 3600
	IdleHoldCloned      = 3600
	HoldDemoted         = 60
	SessionClearDelay   = 5
)

// Peer id ranges. Static peers get ids from the low range at load time;
// clones of template peers draw from the reserved dynamic range.
const (
	PeerIDNone      uint32 = 0
	PeerIDStaticMin uint32 = 1
	PeerIDStaticMax uint32 = 0xffff7fff
	PeerIDDynMax    uint32 = 0xffffffff
)

// Config is the engine configuration. Two instances coexist during a
// reload: the active one and the staged one.
type Config struct {
	ASN           uint32   `koanf:"asn"`
	RouterID      string   `koanf:"router_id"`
	HoldTime      uint16   `koanf:"holdtime"`
	MinHoldTime   uint16   `koanf:"min_holdtime"`
	ConnectRetry  uint16   `koanf:"connect_retry"`
	LogLevel      string   `koanf:"log_level"`
	MetricsListen string   `koanf:"metrics_listen"`
	RDESocket     string   `koanf:"rde_socket"`
	ParentSocket  string   `koanf:"parent_socket"`
	Listen        []string `koanf:"listen"`

	Peers []*Peer `koanf:"peers"`

	// BGPID is RouterID parsed into its opaque network-byte-order form.
	BGPID uint32 `koanf:"-"`
}

// Capabilities configures what a peer announces. Pointer fields default
// to enabled when unset.
type Capabilities struct {
	Families        []string `koanf:"families"`
	Refresh         *bool    `koanf:"refresh"`
	EnhancedRefresh *bool    `koanf:"enhanced_refresh"`
	AS4Byte         *bool    `koanf:"as4byte"`
	GracefulRestart *bool    `koanf:"graceful_restart"`
	AddPath         string   `koanf:"add_path"`
}

// Peer configures one neighbor or template.
type Peer struct {
	ID    uint32 `koanf:"-"`
	Descr string `koanf:"descr"`
	Group string `koanf:"group"`

	RemoteAddr    string `koanf:"remote_addr"`
	RemoteMasklen int    `koanf:"remote_masklen"`
	RemoteAS      uint32 `koanf:"remote_as"`
	LocalAS       uint32 `koanf:"local_as"`
	LocalAddr     string `koanf:"local_addr"`

	Template bool `koanf:"template"`
	Passive  bool `koanf:"passive"`
	Down     bool `koanf:"down"`

	HoldTime         uint16 `koanf:"holdtime"`
	MinHoldTime      uint16 `koanf:"min_holdtime"`
	IdleHoldMax      uint16 `koanf:"idle_hold_max"`
	MaxPrefixRestart uint16 `koanf:"max_prefix_restart"`

	Distance    uint8  `koanf:"distance"`
	TTLSecurity bool   `koanf:"ttl_security"`
	Role        string `koanf:"role"`
	EnforceRole bool   `koanf:"enforce_role"`
	MD5Key      string `koanf:"md5_key"`

	DependOn    string `koanf:"depend_on"`
	DemoteGroup string `koanf:"demote_group"`
	Reason      string `koanf:"reason"`

	AnnounceCapa *bool        `koanf:"announce_capa"`
	Capabilities Capabilities `koanf:"capabilities"`
}

// Load reads the configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGPSESSD_LOG_LEVEL -> log_level
	if err := k.Load(env.Provider("BGPSESSD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGPSESSD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		HoldTime:      DefaultHoldTime,
		MinHoldTime:   DefaultMinHoldTime,
		ConnectRetry:  DefaultConnectRetry,
		LogLevel:      "info",
		MetricsListen: ":9179",
		Listen:        []string{":179"},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	for i, p := range cfg.Peers {
		p.ID = PeerIDStaticMin + uint32(i)
		if p.IdleHoldMax == 0 {
			p.IdleHoldMax = MaxIdleHold
		}
		if p.Distance == 0 {
			p.Distance = 1
		}
		if p.LocalAS == 0 {
			p.LocalAS = cfg.ASN
		}
		if p.RemoteMasklen == 0 {
			if a, err := netip.ParseAddr(p.RemoteAddr); err == nil {
				p.RemoteMasklen = a.BitLen()
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for fatal mistakes.
func (c *Config) Validate() error {
	if c.ASN == 0 {
		return fmt.Errorf("config: asn is required")
	}
	id, err := netip.ParseAddr(c.RouterID)
	if err != nil || !id.Is4() {
		return fmt.Errorf("config: router_id must be an IPv4-formatted identifier")
	}
	b := id.As4()
	c.BGPID = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if c.BGPID == 0 {
		return fmt.Errorf("config: router_id must not be zero")
	}
	if c.HoldTime != 0 && c.HoldTime < c.MinHoldTime {
		return fmt.Errorf("config: holdtime %d below min_holdtime %d", c.HoldTime, c.MinHoldTime)
	}
	seen := map[string]bool{}
	for _, p := range c.Peers {
		if err := p.validate(c); err != nil {
			return err
		}
		key := p.RemoteAddr
		if p.Template {
			key = fmt.Sprintf("%s/%d", p.RemoteAddr, p.RemoteMasklen)
		}
		if seen[key] {
			return fmt.Errorf("config: duplicate peer %s", key)
		}
		seen[key] = true
	}
	return nil
}

func (p *Peer) validate(c *Config) error {
	addr, err := netip.ParseAddr(p.RemoteAddr)
	if err != nil {
		return fmt.Errorf("config: peer %q: bad remote_addr: %w", p.Descr, err)
	}
	if p.RemoteMasklen < 0 || p.RemoteMasklen > addr.BitLen() {
		return fmt.Errorf("config: peer %q: bad remote_masklen %d", p.Descr, p.RemoteMasklen)
	}
	if !p.Template && p.RemoteAS == 0 {
		return fmt.Errorf("config: peer %q: remote_as is required", p.Descr)
	}
	if p.LocalAddr != "" {
		if _, err := netip.ParseAddr(p.LocalAddr); err != nil {
			return fmt.Errorf("config: peer %q: bad local_addr: %w", p.Descr, err)
		}
	}
	if p.HoldTime != 0 && p.HoldTime < p.EffectiveMinHoldTime(c) {
		return fmt.Errorf("config: peer %q: holdtime %d below min_holdtime", p.Descr, p.HoldTime)
	}
	if _, ok := ParseRole(p.Role); !ok {
		return fmt.Errorf("config: peer %q: unknown role %q", p.Descr, p.Role)
	}
	for _, f := range p.Capabilities.Families {
		if _, ok := ParseFamily(f); !ok {
			return fmt.Errorf("config: peer %q: unknown family %q", p.Descr, f)
		}
	}
	switch p.Capabilities.AddPath {
	case "", "recv", "send", "both":
	default:
		return fmt.Errorf("config: peer %q: bad add_path %q", p.Descr, p.Capabilities.AddPath)
	}
	return nil
}

// ParseRole maps a config role name to its capability value.
func ParseRole(s string) (capa.Role, bool) {
	switch s {
	case "":
		return capa.RoleNone, true
	case "provider":
		return capa.RoleProvider, true
	case "customer":
		return capa.RoleCustomer, true
	case "peer":
		return capa.RolePeer, true
	case "rs":
		return capa.RoleRS, true
	case "rs-client":
		return capa.RoleRSClient, true
	default:
		return capa.RoleNone, false
	}
}

// ParseFamily maps a config family name to its AID.
func ParseFamily(s string) (capa.AID, bool) {
	switch s {
	case "ipv4-unicast":
		return capa.AIDIPv4, true
	case "ipv6-unicast":
		return capa.AIDIPv6, true
	case "ipv4-vpn":
		return capa.AIDVPNv4, true
	case "ipv6-vpn":
		return capa.AIDVPNv6, true
	default:
		return capa.AIDUnspec, false
	}
}

// EBGP reports whether the peering is external.
func (p *Peer) EBGP() bool {
	return p.RemoteAS != p.LocalAS
}

// EffectiveHoldTime returns the configured holdtime, falling back to the
// global one.
func (p *Peer) EffectiveHoldTime(c *Config) uint16 {
	if p.HoldTime != 0 {
		return p.HoldTime
	}
	return c.HoldTime
}

// EffectiveMinHoldTime returns the configured holdtime floor, falling back
// to the global one.
func (p *Peer) EffectiveMinHoldTime(c *Config) uint16 {
	if p.MinHoldTime != 0 {
		return p.MinHoldTime
	}
	return c.MinHoldTime
}

// Addr returns the parsed remote address.
func (p *Peer) Addr() netip.Addr {
	a, _ := netip.ParseAddr(p.RemoteAddr)
	return a
}

// Prefix returns the masked remote address a template matches against.
func (p *Peer) Prefix() netip.Prefix {
	pfx, _ := p.Addr().Prefix(p.RemoteMasklen)
	return pfx
}

// RoleValue returns the configured role as a capability value.
func (p *Peer) RoleValue() capa.Role {
	r, _ := ParseRole(p.Role)
	return r
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Announced builds the capability set this peer advertises in its OPEN.
func (p *Peer) Announced() capa.Set {
	var s capa.Set
	s.Role = capa.RoleNone
	if !boolOr(p.AnnounceCapa, true) {
		return s
	}
	if len(p.Capabilities.Families) == 0 {
		s.MP[capa.AIDIPv4] = true
	}
	for _, f := range p.Capabilities.Families {
		aid, _ := ParseFamily(f)
		s.MP[aid] = true
	}
	s.Refresh = boolOr(p.Capabilities.Refresh, true)
	s.EnhancedRR = boolOr(p.Capabilities.EnhancedRefresh, true)
	s.AS4Byte = boolOr(p.Capabilities.AS4Byte, true)
	if boolOr(p.Capabilities.GracefulRestart, true) {
		s.GR.Mode = capa.GRModeEOR
	}
	var ap uint8
	switch p.Capabilities.AddPath {
	case "recv":
		ap = capa.APRecv
	case "send":
		ap = capa.APSend
	case "both":
		ap = capa.APBidir
	}
	if ap != 0 {
		for i := capa.AIDMin; i < capa.AIDMax; i++ {
			if s.MP[i] || i == capa.AIDIPv4 {
				s.AddPath[i] = ap
			}
		}
	}
	if p.EBGP() && p.Role != "" {
		s.Role = p.RoleValue()
		s.Policy = capa.PolicyOn
		if p.EnforceRole {
			s.Policy = capa.PolicyEnforce
		}
	}
	return s
}
