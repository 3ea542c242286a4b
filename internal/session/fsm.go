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
	"time"

	"go.uber.org/zap"

	"github.com/tverberg/bgpsessd/internal/bridge"
	"github.com/tverberg/bgpsessd/internal/capa"
	"github.com/tverberg/bgpsessd/internal/config"
	"github.com/tverberg/bgpsessd/internal/metrics"
	"github.com/tverberg/bgpsessd/internal/mrt"
	"github.com/tverberg/bgpsessd/internal/timer"
	"github.com/tverberg/bgpsessd/internal/wire"
)

// fsm reacts to one event for one peer. It is the only place allowed to
// change peer state.
func (e *Engine) fsm(p *Peer, ev Event) {
	switch p.State {
	case StateNone:
		// nothing

	case StateIdle:
		switch ev {
		case EventStart:
			p.Timers.Stop(timer.Hold)
			p.Timers.Stop(timer.SendHold)
			p.Timers.Stop(timer.Keepalive)
			p.Timers.Stop(timer.IdleHold)

			// allocate the read buffer
			p.rbuf = make([]byte, 0, wire.MaxLen)

			if !p.dependOK {
				p.Timers.Stop(timer.ConnectRetry)
			} else if p.passive || p.Conf.Passive || p.Conf.Template {
				e.changeState(p, StateActive, ev)
				p.Timers.Stop(timer.ConnectRetry)
			} else {
				e.changeState(p, StateConnect, ev)
				p.Timers.Set(timer.ConnectRetry,
					time.Duration(e.conf.ConnectRetry)*time.Second, e.now())
				e.connect(p)
			}
			p.passive = false
		default:
			// ignore
		}

	case StateConnect:
		switch ev {
		case EventStart:
			// ignore
		case EventConnOpen:
			e.tcpEstablished(p)
			e.sendOpen(p)
			p.Timers.Stop(timer.ConnectRetry)
			p.holdTime = config.HoldTimeInitial * time.Second
			e.startTimerHoldtime(p)
			e.changeState(p, StateOpenSent, ev)
		case EventConnOpenFail:
			p.Timers.Set(timer.ConnectRetry,
				time.Duration(e.conf.ConnectRetry)*time.Second, e.now())
			e.closeConnection(p)
			e.changeState(p, StateActive, ev)
		case EventTimerConnRetry:
			p.Timers.Set(timer.ConnectRetry,
				time.Duration(e.conf.ConnectRetry)*time.Second, e.now())
			e.connect(p)
		default:
			e.changeState(p, StateIdle, ev)
		}

	case StateActive:
		switch ev {
		case EventStart:
			// ignore
		case EventConnOpen:
			e.tcpEstablished(p)
			e.sendOpen(p)
			p.Timers.Stop(timer.ConnectRetry)
			p.holdTime = config.HoldTimeInitial * time.Second
			e.startTimerHoldtime(p)
			e.changeState(p, StateOpenSent, ev)
		case EventConnOpenFail:
			p.Timers.Set(timer.ConnectRetry,
				time.Duration(e.conf.ConnectRetry)*time.Second, e.now())
			e.closeConnection(p)
			e.changeState(p, StateActive, ev)
		case EventTimerConnRetry:
			p.Timers.Set(timer.ConnectRetry, p.holdTime, e.now())
			e.changeState(p, StateConnect, ev)
			e.connect(p)
		default:
			e.changeState(p, StateIdle, ev)
		}

	case StateOpenSent:
		switch ev {
		case EventStart:
			// ignore
		case EventStop:
			e.changeState(p, StateIdle, ev)
		case EventConnClosed:
			e.closeConnection(p)
			p.Timers.Set(timer.ConnectRetry,
				time.Duration(e.conf.ConnectRetry)*time.Second, e.now())
			e.changeState(p, StateActive, ev)
		case EventConnFatal:
			e.changeState(p, StateIdle, ev)
		case EventTimerHold:
			e.sendNotification(p, wire.ErrHoldTimer, 0, nil)
			e.changeState(p, StateIdle, ev)
		case EventTimerSendHold:
			e.sendNotification(p, wire.ErrSendHoldTimer, 0, nil)
			e.changeState(p, StateIdle, ev)
		case EventRcvdOpen:
			// parseOpen changes state itself on failure
			if !e.parseOpen(p) {
				break
			}
			e.sendKeepalive(p)
			e.changeState(p, StateOpenConfirm, ev)
		case EventRcvdNotification:
			if e.parseNotification(p) {
				e.changeState(p, StateIdle, ev)
				// don't punish, capability negotiation
				p.Timers.Set(timer.IdleHold, 0, e.now())
				p.soften()
			} else {
				e.changeState(p, StateIdle, ev)
			}
		default:
			e.sendNotification(p, wire.ErrFSM, wire.ErrFSMUnexOpenSent, nil)
			e.changeState(p, StateIdle, ev)
		}

	case StateOpenConfirm:
		switch ev {
		case EventStart:
			// ignore
		case EventStop:
			e.changeState(p, StateIdle, ev)
		case EventConnClosed, EventConnFatal:
			e.changeState(p, StateIdle, ev)
		case EventTimerHold:
			e.sendNotification(p, wire.ErrHoldTimer, 0, nil)
			e.changeState(p, StateIdle, ev)
		case EventTimerSendHold:
			e.sendNotification(p, wire.ErrSendHoldTimer, 0, nil)
			e.changeState(p, StateIdle, ev)
		case EventTimerKeepalive:
			e.sendKeepalive(p)
		case EventRcvdKeepalive:
			e.startTimerHoldtime(p)
			e.changeState(p, StateEstablished, ev)
		case EventRcvdNotification:
			e.parseNotification(p)
			e.changeState(p, StateIdle, ev)
		default:
			e.sendNotification(p, wire.ErrFSM, wire.ErrFSMUnexOpenConfirm, nil)
			e.changeState(p, StateIdle, ev)
		}

	case StateEstablished:
		switch ev {
		case EventStart:
			// ignore
		case EventStop:
			e.changeState(p, StateIdle, ev)
		case EventConnClosed, EventConnFatal:
			e.changeState(p, StateIdle, ev)
		case EventTimerHold:
			e.sendNotification(p, wire.ErrHoldTimer, 0, nil)
			e.changeState(p, StateIdle, ev)
		case EventTimerSendHold:
			e.sendNotification(p, wire.ErrSendHoldTimer, 0, nil)
			e.changeState(p, StateIdle, ev)
		case EventTimerKeepalive:
			e.sendKeepalive(p)
		case EventRcvdKeepalive:
			e.startTimerHoldtime(p)
		case EventRcvdUpdate:
			e.startTimerHoldtime(p)
			if !e.parseUpdate(p) {
				e.changeState(p, StateIdle, ev)
			}
		case EventRcvdNotification:
			e.parseNotification(p)
			e.changeState(p, StateIdle, ev)
		default:
			e.sendNotification(p, wire.ErrFSM, wire.ErrFSMUnexEstablished, nil)
			e.changeState(p, StateIdle, ev)
		}
	}
}

func (e *Engine) startTimerHoldtime(p *Peer) {
	if p.holdTime > 0 {
		p.Timers.Set(timer.Hold, p.holdTime, e.now())
	} else {
		p.Timers.Stop(timer.Hold)
	}
}

func (e *Engine) startTimerKeepalive(p *Peer) {
	if p.holdTime > 0 {
		p.Timers.Set(timer.Keepalive, p.holdTime/3, e.now())
	} else {
		p.Timers.Stop(timer.Keepalive)
	}
}

// changeState performs the side effects of entering a state, logs the
// transition, and mirrors it to any subscribed MRT dumper.
func (e *Engine) changeState(p *Peer, state State, ev Event) {
	now := e.now()

	switch state {
	case StateIdle:
		// carp demotion first; new peers are handled in initPeer
		if p.State == StateEstablished && p.Conf.DemoteGroup != "" && p.demoted == 0 {
			e.demote(p, +1)
		}

		p.holdTime = config.HoldTimeInitial * time.Second
		p.Timers.Stop(timer.ConnectRetry)
		p.Timers.Stop(timer.Keepalive)
		p.Timers.Stop(timer.Hold)
		p.Timers.Stop(timer.SendHold)
		p.Timers.Stop(timer.IdleHold)
		p.Timers.Stop(timer.IdleHoldReset)
		// try to flush what is buffered (maybe a notification), then
		// close; don't bother if it fails
		e.closeConnection(p)
		p.rbuf = nil
		p.rpending = false
		p.Capa.Peer.Reset()
		if !p.Conf.Template && e.parent != nil {
			e.parent.Send(bridge.TypePFKeyReload, p.Conf.ID, nil)
		}

		if ev != EventStop {
			p.Timers.Set(timer.IdleHold, p.idleHold(), now)
			if ev != EventNone {
				p.errcnt++
				p.punish()
			}
		}
		if p.State == StateEstablished {
			if p.Capa.Neg.GR.Mode == capa.GRModeFull &&
				(ev == EventConnClosed || ev == EventConnFatal) {
				// don't punish graceful restart
				p.Timers.Set(timer.IdleHold, 0, now)
				p.soften()
				e.gracefulRestart(p)
			} else {
				e.sessionDown(p)
			}
		}
		if p.State == StateNone || p.State == StateEstablished {
			// initialize capability negotiation structures
			p.Capa.Ann = p.Conf.Announced()
		}

	case StateConnect:
		if p.State == StateEstablished && p.Capa.Neg.GR.Mode == capa.GRModeFull {
			// do the graceful restart dance
			e.gracefulRestart(p)
			p.holdTime = config.HoldTimeInitial * time.Second
			p.Timers.Stop(timer.ConnectRetry)
			p.Timers.Stop(timer.Keepalive)
			p.Timers.Stop(timer.Hold)
			p.Timers.Stop(timer.SendHold)
			p.Timers.Stop(timer.IdleHold)
			p.Timers.Stop(timer.IdleHoldReset)
			e.closeConnection(p)
			p.Capa.Peer.Reset()
		}

	case StateActive:
		if !p.Conf.Template && e.parent != nil {
			e.parent.Send(bridge.TypePFKeyReload, p.Conf.ID, nil)
		}

	case StateOpenSent, StateOpenConfirm:

	case StateEstablished:
		p.Timers.Set(timer.IdleHoldReset, p.idleHold(), now)
		if p.demoted > 0 {
			p.Timers.Set(timer.CarpUndemote, config.HoldDemoted*time.Second, now)
		}
		e.sessionUp(p)
	}

	if state == StateIdle && ev != EventStop && ev != EventNone {
		metrics.SessionErrorsTotal.WithLabelValues(p.Conf.Descr, ev.String()).Inc()
	}
	p.log.Info("state change",
		zap.Stringer("prev", p.State),
		zap.Stringer("state", state),
		zap.Stringer("reason", ev))
	metrics.SessionState.WithLabelValues(p.Conf.Descr, p.Conf.Group).Set(float64(state))

	info := e.mrtPeerInfo(p)
	for _, m := range e.mrts {
		if m.Kind != mrt.KindAllIn && m.Kind != mrt.KindAllOut {
			continue
		}
		if m.Matches(false, m.Kind == mrt.KindAllIn, info) {
			m.DumpStateChange(info, uint8(p.State), uint8(state), now)
		}
	}

	p.PrevState = p.State
	p.State = state
}
