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
	"net/netip"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/tverberg/bgpsessd/internal/capa"
	"github.com/tverberg/bgpsessd/internal/config"
	"github.com/tverberg/bgpsessd/internal/timer"
	"github.com/tverberg/bgpsessd/internal/wire"
)

type reconfAction uint8

const (
	reconfNone reconfAction = iota
	reconfKeep
	reconfReinit
	reconfDelete
)

// Stats are the per-peer session statistics surfaced to operators.
type Stats struct {
	MsgSentOpen         uint64
	MsgSentUpdate       uint64
	MsgSentNotification uint64
	MsgSentKeepalive    uint64
	MsgSentRRefresh     uint64
	MsgRcvdOpen         uint64
	MsgRcvdUpdate       uint64
	MsgRcvdNotification uint64
	MsgRcvdKeepalive    uint64
	MsgRcvdRRefresh     uint64

	RefreshSentReq  uint64
	RefreshSentBORR uint64
	RefreshSentEORR uint64
	RefreshRcvdReq  uint64
	RefreshRcvdBORR uint64
	RefreshRcvdEORR uint64

	LastRead   time.Time
	LastWrite  time.Time
	LastUpDown time.Time

	LastSentErrcode uint8
	LastSentSuberr  uint8
	LastRcvdErrcode uint8
	LastRcvdSuberr  uint8
	LastReason      string
}

// peerCapa groups the three capability sets of a peer.
type peerCapa struct {
	Ann  capa.Set
	Peer capa.Set
	Neg  capa.Set
}

// Peer is one configured neighbor (or a clone of a template).
type Peer struct {
	Conf *config.Peer
	// TemplateID is the id of the template this peer was cloned from,
	// or zero. The template never points at its clones.
	TemplateID uint32

	State     State
	PrevState State

	conn     *peerConn
	rbuf     []byte
	rpending bool
	// rptr holds the message currently being dispatched by the pump.
	rptr []byte

	Timers timer.Set

	// holdTime is the currently effective holdtime: the four minute
	// initial value while the OPEN exchange is outstanding, the
	// negotiated value afterwards. Zero disables keepalives.
	holdTime time.Duration

	// idleHoldAttempt indexes the reconnect backoff curve.
	idleHoldAttempt float64

	Capa peerCapa

	remoteBGPID uint32
	shortAS     uint16

	local    netip.Addr
	localAlt netip.Addr
	remote   netip.Addr
	ifScope  uint32

	passive   bool
	dependOK  bool
	demoted   int
	throttled bool
	errcnt    int
	lastErr   string

	reconf reconfAction

	dialGen uint64
	dialing bool

	log *zap.Logger

	Stats Stats
}

func (p *Peer) idleHoldCurve() *backoff.Backoff {
	return &backoff.Backoff{
		Factor: 2,
		Min:    config.IdleHoldInitial * time.Second,
		Max:    time.Duration(p.Conf.IdleHoldMax) * time.Second / 2,
	}
}

// idleHold is the current reconnect throttle interval.
func (p *Peer) idleHold() time.Duration {
	return p.idleHoldCurve().ForAttempt(p.idleHoldAttempt)
}

// punish moves the backoff curve one step further out.
func (p *Peer) punish() {
	if p.idleHold() < p.idleHoldCurve().Max {
		p.idleHoldAttempt++
	}
}

// soften walks the backoff curve one step back. Used after capability
// probing so the peer gets another chance quickly.
func (p *Peer) soften() {
	if p.idleHoldAttempt > 0 {
		p.idleHoldAttempt--
	}
}

// restarting reports whether any family is in graceful restart.
func (p *Peer) restarting() bool {
	for i := capa.AIDMin; i < capa.AIDMax; i++ {
		if p.Capa.Neg.GR.Flags[i]&capa.GRRestarting != 0 {
			return true
		}
	}
	return false
}

// localShortAS is the 2-byte AS carried in the OPEN, AS_TRANS for 4-byte
// local AS numbers.
func (p *Peer) localShortAS() uint16 {
	if p.Conf.LocalAS > 0xffff {
		return wire.ASTrans
	}
	return uint16(p.Conf.LocalAS)
}
