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

// Package mrt tees raw BGP packets and FSM state changes into RFC 6396
// dump files (BGP4MP_MESSAGE_AS4 and BGP4MP_STATE_CHANGE_AS4 records).
// Sinks are write-only and best-effort: a failing sink logs once and goes
// dead until it is reopened.
package mrt

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	gobgpmrt "github.com/osrg/gobgp/v3/pkg/packet/mrt"
	"go.uber.org/zap"
)

// Kind selects which packets a sink receives.
type Kind uint8

const (
	KindAllIn Kind = iota
	KindAllOut
	KindUpdateIn
	KindUpdateOut
)

// ParseKind maps the bridge request string to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "all-in":
		return KindAllIn, true
	case "all-out":
		return KindAllOut, true
	case "update-in":
		return KindUpdateIn, true
	case "update-out":
		return KindUpdateOut, true
	default:
		return 0, false
	}
}

// PeerInfo identifies the session a dumped packet belongs to.
type PeerInfo struct {
	PeerAS    uint32
	LocalAS   uint32
	PeerAddr  netip.Addr
	LocalAddr netip.Addr
	IfIndex   uint16
	PeerID    uint32
	Group     string
}

// Writer is one dump sink.
type Writer struct {
	Path   string
	Kind   Kind
	PeerID uint32
	Group  string

	log  *zap.Logger
	f    *os.File
	gz   *gzip.Writer
	bw   *bufio.Writer
	dead bool
}

// NewWriter opens a dump sink. Paths ending in .gz are compressed.
func NewWriter(path string, kind Kind, peerID uint32, group string, log *zap.Logger) (*Writer, error) {
	w := &Writer{
		Path:   path,
		Kind:   kind,
		PeerID: peerID,
		Group:  group,
		log:    log,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("mrt: open %s: %w", w.Path, err)
	}
	w.f = f
	var sink io.Writer = f
	if strings.HasSuffix(w.Path, ".gz") {
		w.gz = gzip.NewWriter(f)
		sink = w.gz
	}
	w.bw = bufio.NewWriter(sink)
	w.dead = false
	return nil
}

// Reopen closes and reopens the target, for log rotation.
func (w *Writer) Reopen() error {
	w.Close()
	return w.open()
}

// Close flushes and closes the sink.
func (w *Writer) Close() {
	if w.bw != nil {
		w.bw.Flush()
	}
	if w.gz != nil {
		w.gz.Close()
		w.gz = nil
	}
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
}

// Flush pushes buffered records to the file.
func (w *Writer) Flush() {
	if w.bw != nil && !w.dead {
		if err := w.bw.Flush(); err != nil {
			w.fail(err)
		}
	}
}

func (w *Writer) fail(err error) {
	if !w.dead {
		w.log.Warn("mrt sink failed", zap.String("path", w.Path), zap.Error(err))
		w.dead = true
	}
}

// Matches reports whether a packet of the given direction and type belongs
// in this sink.
func (w *Writer) Matches(isUpdate, in bool, info *PeerInfo) bool {
	switch w.Kind {
	case KindAllIn:
		if !in {
			return false
		}
	case KindAllOut:
		if in {
			return false
		}
	case KindUpdateIn:
		if !in || !isUpdate {
			return false
		}
	case KindUpdateOut:
		if in || !isUpdate {
			return false
		}
	}
	if w.PeerID == 0 && w.Group == "" {
		return true
	}
	if w.PeerID != 0 && w.PeerID == info.PeerID {
		return true
	}
	return w.Group != "" && w.Group == info.Group
}

func (w *Writer) write(m *gobgpmrt.MRTMessage) {
	if w.dead {
		return
	}
	buf, err := m.Serialize()
	if err != nil {
		w.fail(err)
		return
	}
	if _, err := w.bw.Write(buf); err != nil {
		w.fail(err)
	}
}

// addrPair fills in unspecified addresses for sessions that have no
// socket yet, keeping both sides in the same family.
func addrPair(info *PeerInfo) (string, string) {
	peer, local := info.PeerAddr, info.LocalAddr
	if !peer.IsValid() {
		peer = netip.IPv4Unspecified()
	}
	if !local.IsValid() {
		if peer.Is6() {
			local = netip.IPv6Unspecified()
		} else {
			local = netip.IPv4Unspecified()
		}
	}
	if peer.Is4() != local.Is4() {
		if peer.Is4() {
			peer = netip.AddrFrom16(peer.As16())
		}
		if local.Is4() {
			local = netip.AddrFrom16(local.As16())
		}
	}
	return peer.String(), local.String()
}

// DumpMessage appends one raw BGP message as a BGP4MP_MESSAGE_AS4 record.
// For inbound packets the peer is the source, for outbound the local side.
func (w *Writer) DumpMessage(info *PeerInfo, data []byte, now time.Time) {
	peer, local := addrPair(info)
	body := gobgpmrt.NewBGP4MPMessage(info.PeerAS, info.LocalAS, info.IfIndex,
		peer, local, true, nil)
	body.BGPMessagePayload = data
	m, err := gobgpmrt.NewMRTMessage(uint32(now.Unix()), gobgpmrt.BGP4MP,
		gobgpmrt.MESSAGE_AS4, body)
	if err != nil {
		w.fail(err)
		return
	}
	w.write(m)
}

// DumpStateChange appends a BGP4MP_STATE_CHANGE_AS4 record.
func (w *Writer) DumpStateChange(info *PeerInfo, oldState, newState uint8, now time.Time) {
	peer, local := addrPair(info)
	body := gobgpmrt.NewBGP4MPStateChange(info.PeerAS, info.LocalAS, info.IfIndex,
		peer, local, true,
		gobgpmrt.BGPState(oldState), gobgpmrt.BGPState(newState))
	m, err := gobgpmrt.NewMRTMessage(uint32(now.Unix()), gobgpmrt.BGP4MP,
		gobgpmrt.STATE_CHANGE_AS4, body)
	if err != nil {
		w.fail(err)
		return
	}
	w.write(m)
}
