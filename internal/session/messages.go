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
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tverberg/bgpsessd/internal/bridge"
	"github.com/tverberg/bgpsessd/internal/capa"
	"github.com/tverberg/bgpsessd/internal/metrics"
	"github.com/tverberg/bgpsessd/internal/timer"
	"github.com/tverberg/bgpsessd/internal/wire"
)

// Output queue marks, in bytes. Crossing the high mark sends XOFF to the
// RDE; draining below the low mark sends XON.
const (
	sessMsgHighMark = 1 << 20
	sessMsgLowMark  = sessMsgHighMark / 4
)

func msgTypeName(t uint8) string {
	switch t {
	case wire.TypeOpen:
		return "open"
	case wire.TypeUpdate:
		return "update"
	case wire.TypeNotification:
		return "notification"
	case wire.TypeKeepalive:
		return "keepalive"
	case wire.TypeRouteRefresh:
		return "rrefresh"
	default:
		return "unknown"
	}
}

// sendMessage tees the encoded message to matching MRT dumps and hands it
// to the peer's write queue, applying RDE back-pressure when the queue
// crosses the high mark.
func (e *Engine) sendMessage(p *Peer, msgType uint8, buf []byte) bool {
	if p.conn == nil {
		return false
	}

	info := e.mrtPeerInfo(p)
	for _, m := range e.mrts {
		if m.Matches(msgType == wire.TypeUpdate, false, info) {
			m.DumpMessage(info, buf, e.now())
		}
	}

	queued := p.conn.enqueue(buf)
	metrics.QueuedOutputBytes.WithLabelValues(p.Conf.Descr).Set(float64(queued))
	if !p.throttled && queued > sessMsgHighMark {
		if e.toRDE(bridge.TypeXOff, p.Conf.ID, nil) {
			p.throttled = true
			metrics.ThrottleEventsTotal.WithLabelValues(p.Conf.Descr, "xoff").Inc()
		} else {
			p.log.Warn("cannot send XOFF to RDE")
		}
	}
	metrics.MessagesTotal.WithLabelValues(p.Conf.Descr, msgTypeName(msgType), "out").Inc()
	return true
}

// sendOpen encodes and queues the OPEN message.
func (e *Engine) sendOpen(p *Peer) {
	tlvs := capa.AppendTLVs(nil, &p.Capa.Ann, p.Conf.LocalAS, p.Conf.EBGP(), p.restarting())
	holdTime := p.Conf.EffectiveHoldTime(e.conf)
	buf := wire.EncodeOpen(p.localShortAS(), holdTime, e.conf.BGPID, tlvs)
	if !e.sendMessage(p, wire.TypeOpen, buf) {
		e.fsm(p, EventConnFatal)
		return
	}
	p.Stats.MsgSentOpen++
}

func (e *Engine) sendKeepalive(p *Peer) {
	if !e.sendMessage(p, wire.TypeKeepalive, wire.EncodeKeepalive()) {
		e.fsm(p, EventConnFatal)
		return
	}
	e.startTimerKeepalive(p)
	p.Stats.MsgSentKeepalive++
}

// sendUpdate forwards an RDE-built UPDATE body to an established peer.
func (e *Engine) sendUpdate(peerID uint32, body []byte) {
	p := e.peerByID(peerID)
	if p == nil {
		e.log.Warn("no such peer", zap.Uint32("id", peerID))
		return
	}
	if p.State != StateEstablished {
		return
	}
	if !e.sendMessage(p, wire.TypeUpdate, wire.EncodeUpdate(body)) {
		e.fsm(p, EventConnFatal)
		return
	}
	e.startTimerKeepalive(p)
	p.Stats.MsgSentUpdate++
}

// sendNotification queues a NOTIFICATION. At most one is sent per session
// lifetime; later calls are dropped.
func (e *Engine) sendNotification(p *Peer, errcode, subcode uint8, data []byte) {
	if p.Stats.LastSentErrcode != 0 {
		// some notification already sent
		return
	}

	p.log.Info("sending notification",
		zap.Uint8("code", errcode), zap.Uint8("subcode", subcode))

	if !e.sendMessage(p, wire.TypeNotification, wire.EncodeNotification(errcode, subcode, data)) {
		e.fsm(p, EventConnFatal)
		return
	}
	p.Stats.MsgSentNotification++
	p.Stats.LastSentErrcode = errcode
	p.Stats.LastSentSuberr = subcode
	metrics.NotificationsTotal.WithLabelValues(notifCodeLabel(errcode), "out").Inc()
}

// sendRRefresh queues a ROUTE REFRESH for one family.
func (e *Engine) sendRRefresh(p *Peer, aid capa.AID, subtype uint8) {
	switch subtype {
	case wire.RRefreshRequest:
		p.Stats.RefreshSentReq++
	case wire.RRefreshBeginRR, wire.RRefreshEndRR:
		// requires enhanced route refresh
		if !p.Capa.Neg.EnhancedRR {
			return
		}
		if subtype == wire.RRefreshBeginRR {
			p.Stats.RefreshSentBORR++
		} else {
			p.Stats.RefreshSentEORR++
		}
	default:
		p.log.Warn("bad route refresh subtype", zap.Uint8("subtype", subtype))
		return
	}

	afi, safi, ok := aid.AFISAFI()
	if !ok {
		p.log.Warn("bad route refresh family", zap.Stringer("aid", aid))
		return
	}
	if !e.sendMessage(p, wire.TypeRouteRefresh, wire.EncodeRouteRefresh(afi, subtype, safi)) {
		e.fsm(p, EventConnFatal)
		return
	}
	p.Stats.MsgSentRRefresh++
}

// parseOpen validates the received OPEN and negotiates capabilities. On
// failure a NOTIFICATION is sent and the peer dropped to Idle; the return
// reports success.
func (e *Engine) parseOpen(p *Peer) bool {
	o, err := wire.DecodeOpen(p.rptr)
	if err != nil {
		var me *wire.MessageError
		if errors.As(err, &me) {
			p.log.Warn("bad OPEN message", zap.Error(me))
			e.sendNotification(p, me.Code, me.Subcode, me.Data)
			e.changeState(p, StateIdle, EventRcvdOpen)
			if me.Code == wire.ErrOpen && me.Subcode == wire.ErrOpenOptParam {
				// no punish, peer may be probing capabilities
				p.Timers.Set(timer.IdleHold, 0, e.now())
				p.soften()
			}
		}
		return false
	}

	as := uint32(o.ShortAS)
	p.shortAS = o.ShortAS
	if as == 0 {
		p.log.Warn("peer requests unacceptable AS", zap.Uint32("as", as))
		e.sendNotification(p, wire.ErrOpen, wire.ErrOpenAS, nil)
		e.changeState(p, StateIdle, EventRcvdOpen)
		return false
	}

	holdTime := o.HoldTime
	if holdTime != 0 && holdTime < p.Conf.EffectiveMinHoldTime(e.conf) {
		p.log.Warn("peer requests unacceptable holdtime", zap.Uint16("holdtime", holdTime))
		e.sendNotification(p, wire.ErrOpen, wire.ErrOpenHoldtime, nil)
		e.changeState(p, StateIdle, EventRcvdOpen)
		return false
	}
	// clamp to the smaller value, including zero (keepalives disabled)
	myHoldTime := p.Conf.EffectiveHoldTime(e.conf)
	if holdTime < myHoldTime {
		p.holdTime = time.Duration(holdTime) * time.Second
	} else {
		p.holdTime = time.Duration(myHoldTime) * time.Second
	}

	// check the bgpid for validity, just disallow 0
	if o.ID == 0 {
		p.log.Warn("peer BGPID unacceptable")
		e.sendNotification(p, wire.ErrOpen, wire.ErrOpenBGPID, nil)
		e.changeState(p, StateIdle, EventRcvdOpen)
		return false
	}
	p.remoteBGPID = o.ID

	warn := func(format string, args ...any) {
		p.log.Sugar().Warnf(format, args...)
	}
	if as4, err := capa.Parse(&p.Capa.Peer, o.OptParams, p.Conf.EBGP(), warn); err != nil {
		var zero capa.ErrZeroAS4
		if errors.As(err, &zero) {
			e.sendNotification(p, wire.ErrOpen, wire.ErrOpenAS, nil)
		} else {
			p.log.Warn("bad capabilities", zap.Error(err))
			e.sendNotification(p, wire.ErrOpen, 0, nil)
		}
		e.changeState(p, StateIdle, EventRcvdOpen)
		return false
	} else if as4 != 0 {
		as = as4
	}

	// if remote-as is unset and this is a cloned neighbor, accept any
	if p.TemplateID != 0 && p.Conf.RemoteAS == 0 && as != wire.ASTrans {
		p.Conf.RemoteAS = as
	}

	if p.Conf.RemoteAS != as {
		p.log.Warn("peer sent wrong AS", zap.Uint32("as", as))
		e.sendNotification(p, wire.ErrOpen, wire.ErrOpenAS, nil)
		e.changeState(p, StateIdle, EventRcvdOpen)
		return false
	}

	// on ibgp sessions check for bgpid collisions
	if !p.Conf.EBGP() && p.remoteBGPID == e.conf.BGPID {
		p.log.Warn("peer BGPID conflicts with ours")
		e.sendNotification(p, wire.ErrOpen, wire.ErrOpenBGPID, nil)
		e.changeState(p, StateIdle, EventRcvdOpen)
		return false
	}

	res, err := capa.Negotiate(&p.Capa.Ann, &p.Capa.Peer, &p.Capa.Neg,
		p.Conf.EBGP(), p.Conf.RoleValue(), warn)
	if err != nil {
		suberr := uint8(0)
		var mismatch capa.ErrRoleMismatch
		if errors.As(err, &mismatch) {
			suberr = wire.ErrOpenRole
		}
		p.log.Warn("capability negotiation failed", zap.Error(err))
		e.sendNotification(p, wire.ErrOpen, suberr, nil)
		e.changeState(p, StateIdle, EventRcvdOpen)
		return false
	}
	for _, aid := range res.Flush {
		e.toRDE(bridge.TypeSessionFlush, p.Conf.ID, []byte{byte(aid)})
	}
	p.Capa.Neg = res.Neg

	return true
}

// parseUpdate forwards the UPDATE body verbatim to the RDE. In case of
// errors the whole session is reset with a notification anyway, the RDE
// only needs to know the peer.
func (e *Engine) parseUpdate(p *Peer) bool {
	return e.toRDE(bridge.TypeUpdate, p.Conf.ID, p.rptr[wire.HeaderLen:])
}

// parseNotification logs the received NOTIFICATION. The return is true
// for the unsupported-optional-parameter case, where the FSM retries with
// capabilities withdrawn instead of punishing the peer.
func (e *Engine) parseNotification(p *Peer) bool {
	n, err := wire.DecodeNotification(p.rptr[wire.HeaderLen:])
	if err != nil {
		p.log.Warn("received bad notification", zap.Error(err))
		return false
	}

	p.Stats.LastRcvdErrcode = n.Code
	p.Stats.LastRcvdSuberr = n.Subcode
	p.Stats.LastReason = n.ShutdownReason()
	metrics.NotificationsTotal.WithLabelValues(notifCodeLabel(n.Code), "in").Inc()

	p.log.Info("received notification",
		zap.Uint8("code", n.Code), zap.Uint8("subcode", n.Subcode),
		zap.String("reason", p.Stats.LastReason))

	if n.Code == wire.ErrOpen && n.Subcode == wire.ErrOpenOptParam {
		p.Capa.Ann = capa.Set{Role: capa.RoleNone}
		return true
	}
	return false
}

// parseRRefresh relays a ROUTE REFRESH request to the RDE.
func (e *Engine) parseRRefresh(p *Peer) {
	body := p.rptr[wire.HeaderLen:]
	rr, err := wire.DecodeRouteRefresh(body)
	if err != nil {
		p.log.Warn("received bad route refresh", zap.Error(err))
		return
	}

	subtype := rr.Subtype
	if p.Capa.Neg.EnhancedRR {
		switch subtype {
		case wire.RRefreshRequest:
			// no ORF support, so no oversized RREFRESH messages
			if len(p.rptr) != wire.RouteRefreshLen {
				p.log.Warn("received RREFRESH: illegal len", zap.Int("len", len(p.rptr)))
				e.sendNotification(p, wire.ErrHeader, wire.ErrHeaderLen, nil)
				e.fsm(p, EventConnFatal)
				return
			}
			p.Stats.RefreshRcvdReq++
		case wire.RRefreshBeginRR, wire.RRefreshEndRR:
			// special handling for RFC 7313
			if len(p.rptr) != wire.RouteRefreshLen {
				p.log.Warn("received RREFRESH: illegal len", zap.Int("len", len(p.rptr)))
				e.sendNotification(p, wire.ErrRouteRefresh, wire.ErrRRefreshInvalidLen, body)
				e.fsm(p, EventConnFatal)
				return
			}
			if subtype == wire.RRefreshBeginRR {
				p.Stats.RefreshRcvdBORR++
			} else {
				p.Stats.RefreshRcvdEORR++
			}
		default:
			p.log.Warn("peer sent bad refresh, bad subtype", zap.Uint8("subtype", subtype))
			return
		}
	} else {
		// force subtype to default
		subtype = wire.RRefreshRequest
		p.Stats.RefreshRcvdReq++
	}

	// unrecognized AFI/SAFI values are ignored anyway
	aid, ok := capa.FromAFISAFI(rr.AFI, rr.SAFI)
	if !ok {
		p.log.Warn("peer sent bad refresh, invalid afi/safi pair")
		return
	}

	if !p.Capa.Neg.Refresh && !p.Capa.Neg.EnhancedRR {
		p.log.Warn("peer sent unexpected refresh")
		return
	}

	e.toRDEJSON(bridge.TypeRefresh, p.Conf.ID, bridge.Refresh{AID: aid, Subtype: subtype})
}
