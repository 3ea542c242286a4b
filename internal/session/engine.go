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

// Package session implements the BGP session engine: it owns all peering
// TCP connections, drives each peer through the RFC 4271 FSM, negotiates
// capabilities, performs RFC 4724 graceful restart bookkeeping, and
// bridges peers to the route decision engine.
//
// All peer state is owned by the single engine goroutine. Connection
// reader and writer goroutines, listeners, and dialers only move bytes
// and post typed events back to it, which is the Go rendering of the
// original single-threaded poll loop: every mutation is serialized and
// messages from one peer reach the RDE in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tverberg/bgpsessd/internal/bridge"
	"github.com/tverberg/bgpsessd/internal/capa"
	"github.com/tverberg/bgpsessd/internal/config"
	"github.com/tverberg/bgpsessd/internal/metrics"
	"github.com/tverberg/bgpsessd/internal/mrt"
	"github.com/tverberg/bgpsessd/internal/timer"
	"github.com/tverberg/bgpsessd/internal/wire"
)

// maxPollTimeout bounds how long a tick may sleep.
const maxPollTimeout = 240 * time.Second

type evKind uint8

const (
	evAccepted evKind = iota
	evDialOK
	evDialFail
	evRead
	evReadClosed
	evReadFatal
	evWrote
	evWriteFatal
	evAcceptPause
	evReload
)

type event struct {
	kind   evKind
	peerID uint32
	gen    uint64
	conn   net.Conn
	data   []byte
	n      int
	err    error
	conf   *config.Config
}

type listener struct {
	l    net.Listener
	addr string
}

// Engine is the session engine context threaded through every operation.
type Engine struct {
	conf  *config.Config
	nconf *config.Config
	// pendingReconf is raised between RECONF_CONF and RECONF_DONE; peer
	// reaping and initialization is paused while a reload is staged.
	pendingReconf bool

	log       *zap.Logger
	peers     map[uint32]*Peer
	listeners map[string]*listener
	parent    *bridge.Conn
	rde       *bridge.Conn
	mrts      []*mrt.Writer

	events  chan event
	quit    bool
	connGen uint64

	// now is replaceable for tests.
	now func() time.Time
}

// New builds an engine for conf. The parent and RDE bridges are optional;
// without an RDE every bridge message is dropped.
func New(conf *config.Config, log *zap.Logger) *Engine {
	return &Engine{
		conf:      conf,
		log:       log,
		peers:     make(map[uint32]*Peer),
		listeners: make(map[string]*listener),
		events:    make(chan event, 1024),
		now:       time.Now,
	}
}

// SetParent attaches the parent-process bridge.
func (e *Engine) SetParent(c *bridge.Conn) { e.parent = c }

// SetRDE attaches the RDE bridge.
func (e *Engine) SetRDE(c *bridge.Conn) { e.rde = c }

func (e *Engine) post(ev event) {
	e.events <- ev
}

// Reload stages a new configuration from outside the engine goroutine
// (SIGHUP handling in the daemon).
func (e *Engine) Reload(conf *config.Config) {
	e.post(event{kind: evReload, conf: conf})
}

func (e *Engine) toRDE(t bridge.Type, peerID uint32, data []byte) bool {
	if e.rde == nil {
		return true
	}
	return e.rde.Send(t, peerID, data) == nil
}

func (e *Engine) toRDEJSON(t bridge.Type, peerID uint32, v any) bool {
	if e.rde == nil {
		return true
	}
	return e.rde.SendJSON(t, peerID, v) == nil
}

func (e *Engine) peerByID(id uint32) *Peer {
	return e.peers[id]
}

// sortedPeers iterates peers in id order so per-tick processing stays
// deterministic.
func (e *Engine) sortedPeers() []*Peer {
	ids := make([]uint32, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Peer, len(ids))
	for i, id := range ids {
		out[i] = e.peers[id]
	}
	return out
}

func (e *Engine) peerByAddr(addr netip.Addr) *Peer {
	for _, p := range e.sortedPeers() {
		if !p.Conf.Template && p.Conf.Addr() == addr {
			return p
		}
	}
	return nil
}

func (e *Engine) addPeer(p *Peer) {
	e.peers[p.Conf.ID] = p
	metrics.SessionState.WithLabelValues(p.Conf.Descr, p.Conf.Group).Set(float64(p.State))
}

func (e *Engine) peerLogger(pc *config.Peer) *zap.Logger {
	return e.log.Named("peer").With(
		zap.String("peer", pc.Descr),
		zap.String("addr", pc.RemoteAddr))
}

// newPeer wraps a peer config into a fresh peer in state None.
func (e *Engine) newPeer(pc *config.Peer) *Peer {
	return &Peer{
		Conf:     pc,
		State:    StateNone,
		reconf:   reconfReinit,
		log:      e.peerLogger(pc),
		dependOK: true,
	}
}

// initPeer brings a peer from None to Idle and arms its start timer.
func (e *Engine) initPeer(p *Peer) {
	if p.Conf.DependOn != "" && e.parent != nil {
		p.dependOK = false
		e.parent.SendJSON(bridge.TypeSessionDependOn, p.Conf.ID,
			bridge.DependOn{Interface: p.Conf.DependOn})
	}

	e.changeState(p, StateIdle, EventNone)
	if p.Conf.Down {
		// no autostart
		p.Timers.Stop(timer.IdleHold)
	} else {
		p.Timers.Set(timer.IdleHold, config.SessionClearDelay*time.Second, e.now())
	}
	p.Stats.LastUpDown = e.now()

	// on startup, demote if requested; peers added at runtime by a reload
	// (reconfReinit) are not demoted here
	if p.reconf != reconfReinit && p.Conf.DemoteGroup != "" {
		e.demote(p, +1)
	}
}

// Run executes the engine until the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	for _, pc := range e.conf.Peers {
		p := e.newPeer(pc)
		p.reconf = reconfNone // startup peer: initPeer demotes if requested
		e.addPeer(p)
	}
	if err := e.setupListeners(); err != nil {
		return err
	}
	e.log.Info("session engine ready")

	var parentIn, rdeIn <-chan bridge.Msg
	if e.parent != nil {
		parentIn = e.parent.In
	}
	if e.rde != nil {
		rdeIn = e.rde.In
	}

	tmr := time.NewTimer(0)
	defer tmr.Stop()

	for !e.quit {
		e.reapAndInit()
		now := e.now()
		e.handleTimers(now)

		timeout := e.pollTimeout(now)
		if !tmr.Stop() {
			select {
			case <-tmr.C:
			default:
			}
		}
		tmr.Reset(timeout)

		select {
		case <-ctx.Done():
			e.quit = true
		case ev := <-e.events:
			e.handleEvent(ev)
		case m, ok := <-parentIn:
			if !ok {
				e.log.Warn("lost connection to parent")
				parentIn = nil
				e.quit = true
				continue
			}
			e.dispatchParent(m)
		case m, ok := <-rdeIn:
			if !ok {
				e.log.Warn("lost connection to RDE")
				rdeIn = nil
				e.rde = nil
				continue
			}
			e.dispatchRDE(m)
		case <-tmr.C:
		}

		e.runPendingPumps()
		for _, m := range e.mrts {
			m.Flush()
		}
	}

	e.shutdown()
	return nil
}

// pollTimeout computes how long the tick may sleep: the earliest timer
// deadline across all peers, zero while read processing is pending,
// capped at four minutes.
func (e *Engine) pollTimeout(now time.Time) time.Duration {
	timeout := maxPollTimeout
	for _, p := range e.peers {
		if d, ok := p.Timers.NextIn(now); ok && d < timeout {
			timeout = d
		}
		if p.rpending && p.rbuf != nil && len(p.rbuf) > 0 {
			timeout = 0
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

// reapAndInit initializes new peers and removes deleted ones. Paused
// while a reload is staged.
func (e *Engine) reapAndInit() {
	if e.pendingReconf {
		return
	}
	now := e.now()
	for _, p := range e.sortedPeers() {
		// cloned peer that idled out?
		if p.TemplateID != 0 &&
			(p.State == StateIdle || p.State == StateActive) &&
			now.Sub(p.Stats.LastUpDown) >= config.IdleHoldCloned*time.Second {
			p.reconf = reconfDelete
		}

		// new peer that needs init?
		if p.State == StateNone {
			e.initPeer(p)
		}

		// deletion due?
		if p.reconf == reconfDelete {
			if p.demoted > 0 {
				e.demote(p, -p.demoted)
			}
			p.Conf.DemoteGroup = ""
			e.sessionStop(p, wire.CeasePeerUnconf, "")
			p.Timers.StopAll()
			p.log.Info("removed")
			delete(e.peers, p.Conf.ID)
			continue
		}
		p.reconf = reconfNone
	}
}

// handleTimers delivers at most one due timer per peer per tick.
func (e *Engine) handleTimers(now time.Time) {
	for _, p := range e.sortedPeers() {
		t, ok := p.Timers.NextDue(now)
		if !ok {
			continue
		}
		switch t {
		case timer.Hold:
			e.fsm(p, EventTimerHold)
		case timer.SendHold:
			e.fsm(p, EventTimerSendHold)
		case timer.ConnectRetry:
			e.fsm(p, EventTimerConnRetry)
		case timer.Keepalive:
			e.fsm(p, EventTimerKeepalive)
		case timer.IdleHold:
			e.fsm(p, EventStart)
		case timer.IdleHoldReset:
			p.idleHoldAttempt = 0
			p.errcnt = 0
		case timer.CarpUndemote:
			if p.demoted > 0 && p.State == StateEstablished {
				e.demote(p, -1)
			}
		case timer.RestartTimeout:
			e.gracefulStop(p)
		}
	}
}

func (e *Engine) runPendingPumps() {
	for _, p := range e.sortedPeers() {
		if p.rpending && p.rbuf != nil && len(p.rbuf) > 0 {
			e.processMessages(p)
		}
	}
}

func (e *Engine) handleEvent(ev event) {
	switch ev.kind {
	case evAccepted:
		e.accept(ev.conn)
	case evAcceptPause:
		metrics.AcceptPausesTotal.Inc()
	case evReload:
		e.nconf = ev.conf
		e.pendingReconf = true
		e.applyConfig()
	default:
		p := e.peerByID(ev.peerID)
		if p == nil {
			if ev.conn != nil {
				ev.conn.Close()
			}
			return
		}
		e.handlePeerEvent(p, ev)
	}
}

func (e *Engine) handlePeerEvent(p *Peer, ev event) {
	switch ev.kind {
	case evDialOK:
		if !p.dialing || ev.gen != p.dialGen {
			ev.conn.Close()
			return
		}
		p.dialing = false
		if p.conn != nil || (p.State != StateConnect && p.State != StateActive) {
			ev.conn.Close()
			return
		}
		e.adopt(p, ev.conn, false)
		e.fsm(p, EventConnOpen)

	case evDialFail:
		if !p.dialing || ev.gen != p.dialGen {
			return
		}
		p.dialing = false
		if p.State == StateConnect || p.State == StateActive {
			if msg := ev.err.Error(); msg != p.lastErr {
				p.log.Warn("connect failed", zap.Error(ev.err))
				p.lastErr = msg
			}
			e.fsm(p, EventConnOpenFail)
		}

	case evRead:
		if p.conn == nil || ev.gen != p.conn.gen || p.rbuf == nil {
			return
		}
		if len(p.rbuf)+len(ev.data) > cap(p.rbuf) {
			// cannot happen while the reader honors its grant
			e.fsm(p, EventConnFatal)
			return
		}
		p.rbuf = append(p.rbuf, ev.data...)
		p.Stats.LastRead = e.now()
		e.processMessages(p)
		if p.conn != nil && ev.gen == p.conn.gen && p.rbuf != nil {
			p.conn.grant(cap(p.rbuf) - len(p.rbuf))
		}

	case evReadClosed:
		if p.conn == nil || ev.gen != p.conn.gen {
			return
		}
		e.fsm(p, EventConnClosed)

	case evReadFatal:
		if p.conn == nil || ev.gen != p.conn.gen {
			return
		}
		p.log.Warn("read error", zap.Error(ev.err))
		e.fsm(p, EventConnFatal)

	case evWrote:
		if p.conn == nil || ev.gen != p.conn.gen {
			return
		}
		p.Stats.LastWrite = e.now()
		if p.holdTime > 0 {
			sendHold := p.holdTime
			if sendHold < config.DefaultHoldTime*time.Second {
				sendHold = config.DefaultHoldTime * time.Second
			}
			p.Timers.Set(timer.SendHold, sendHold, e.now())
		}
		queued := p.conn.pending()
		metrics.QueuedOutputBytes.WithLabelValues(p.Conf.Descr).Set(float64(queued))
		if p.throttled && queued < sessMsgLowMark {
			if e.toRDE(bridge.TypeXOn, p.Conf.ID, nil) {
				p.throttled = false
				metrics.ThrottleEventsTotal.WithLabelValues(p.Conf.Descr, "xon").Inc()
			} else {
				p.log.Warn("cannot send XON to RDE")
			}
		}

	case evWriteFatal:
		if p.conn == nil || ev.gen != p.conn.gen {
			return
		}
		p.log.Warn("write error", zap.Error(ev.err))
		e.fsm(p, EventConnFatal)
	}
}

// setupListeners opens the configured listening sockets and starts their
// accept loops.
func (e *Engine) setupListeners() error {
	for _, addr := range e.conf.Listen {
		if _, ok := e.listeners[addr]; ok {
			continue
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("session: listen %s: %w", addr, err)
		}
		li := &listener{l: l, addr: addr}
		e.listeners[addr] = li
		e.log.Info("listening", zap.String("addr", addr))
		go e.acceptLoop(li)
	}
	return nil
}

// acceptLoop accepts inbound connections and hands them to the engine.
// On descriptor exhaustion it pauses for a second instead of spinning.
func (e *Engine) acceptLoop(li *listener) {
	for {
		c, err := li.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
				e.post(event{kind: evAcceptPause})
				time.Sleep(time.Second)
				continue
			}
			e.log.Warn("accept failed", zap.Error(err))
			continue
		}
		e.post(event{kind: evAccepted, conn: c})
	}
}

// accept matches an inbound connection to a peer and drives the FSM.
// There is no RFC 1771 style collision detection; the rules here enforce
// the invariant of at most one TCP connection per peer.
func (e *Engine) accept(c net.Conn) {
	raddr, ok := addrFromNetAddr(c.RemoteAddr())
	if !ok {
		c.Close()
		return
	}

	p := e.peerByAddr(raddr)
	if p == nil {
		p = e.cloneFromTemplate(raddr)
	}

	if p != nil && p.State == StateIdle && p.errcnt < 2 {
		if _, running := p.Timers.Running(timer.IdleHold, e.now()); running {
			// fast reconnect after clear
			p.passive = true
			e.fsm(p, EventStart)
		}
	}

	switch {
	case p != nil && (p.State == StateConnect || p.State == StateActive):
		if p.conn != nil {
			if p.State == StateConnect {
				e.closeConnection(p)
			} else {
				c.Close()
				return
			}
		}
		e.adopt(p, c, true)
		e.fsm(p, EventConnOpen)

	case p != nil && p.State == StateEstablished && p.Capa.Neg.GR.Mode == capa.GRModeFull:
		// first do the graceful restart dance, then the open dance
		e.changeState(p, StateConnect, EventConnClosed)
		e.adopt(p, c, true)
		e.fsm(p, EventConnOpen)

	default:
		e.log.Info("connection attempt from unknown or busy peer",
			zap.String("addr", raddr.String()))
		c.Close()
	}
}

// cloneFromTemplate matches addr against template peers (longest mask
// wins) and clones a dynamic peer for it.
func (e *Engine) cloneFromTemplate(addr netip.Addr) *Peer {
	var tmpl *Peer
	for _, p := range e.sortedPeers() {
		if !p.Conf.Template || p.Conf.Addr().Is4() != addr.Is4() {
			continue
		}
		if p.Conf.Prefix().Contains(addr) {
			if tmpl == nil || tmpl.Conf.RemoteMasklen < p.Conf.RemoteMasklen {
				tmpl = p
			}
		}
	}
	if tmpl == nil {
		return nil
	}

	id := config.PeerIDDynMax
	for e.peers[id] != nil && id > config.PeerIDStaticMax {
		id--
	}
	if id == config.PeerIDStaticMax {
		return nil
	}

	pc := *tmpl.Conf
	pc.ID = id
	pc.Template = false
	pc.RemoteAddr = addr.String()
	pc.RemoteMasklen = addr.BitLen()

	np := e.newPeer(&pc)
	np.TemplateID = tmpl.Conf.ID
	np.reconf = reconfKeep
	e.addPeer(np)
	e.initPeer(np)
	np.passive = true
	e.fsm(np, EventStart)
	return np
}

// adopt installs a connection as the peer's single TCP connection and
// starts its I/O goroutines.
func (e *Engine) adopt(p *Peer, c net.Conn, inbound bool) {
	if err := setupSocket(c, p.Conf); err != nil {
		p.log.Warn("socket setup failed", zap.Error(err))
	}
	e.connGen++
	p.conn = newPeerConn(c, e.connGen, inbound)
	p.conn.start(e, p.Conf.ID)
	p.conn.grant(wire.MaxLen)
}

// connect starts a background dial towards the peer. A single concurrent
// TCP connection per peer is enforced here.
func (e *Engine) connect(p *Peer) {
	if p.conn != nil || p.dialing {
		return
	}
	e.connGen++
	p.dialGen = e.connGen
	p.dialing = true
	gen := p.dialGen

	var laddr net.Addr
	if p.Conf.LocalAddr != "" {
		if a, err := netip.ParseAddr(p.Conf.LocalAddr); err == nil {
			laddr = &net.TCPAddr{IP: a.AsSlice(), Zone: a.Zone()}
		}
	}
	d := &net.Dialer{
		Timeout:   time.Duration(e.conf.ConnectRetry) * time.Second,
		LocalAddr: laddr,
		KeepAlive: -1,
		Control:   dialControl(p.Conf),
	}
	addr := net.JoinHostPort(p.Conf.RemoteAddr, "179")
	id := p.Conf.ID
	go func() {
		c, err := d.Dial("tcp", addr)
		if err != nil {
			e.post(event{kind: evDialFail, peerID: id, gen: gen, err: err})
			return
		}
		e.post(event{kind: evDialOK, peerID: id, gen: gen, conn: c})
	}()
}

// closeConnection tears the peer's connection down, flushing buffered
// output (usually a final NOTIFICATION) best-effort.
func (e *Engine) closeConnection(p *Peer) {
	if p.conn != nil {
		p.conn.shutdown(p.conn.pending() > 0)
		p.conn = nil
	}
	p.dialing = false
}

// tcpEstablished records the addresses learned from the fresh socket.
func (e *Engine) tcpEstablished(p *Peer) {
	if p.conn == nil {
		return
	}
	if a, ok := addrFromNetAddr(p.conn.c.LocalAddr()); ok {
		p.local = a
	}
	if a, ok := addrFromNetAddr(p.conn.c.RemoteAddr()); ok {
		p.remote = a
	}
	p.localAlt, p.ifScope = alternateAddr(p.local, p.remote)
}

func addrFromNetAddr(a net.Addr) (netip.Addr, bool) {
	t, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(t.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func (e *Engine) mrtPeerInfo(p *Peer) *mrt.PeerInfo {
	return &mrt.PeerInfo{
		PeerAS:    p.Conf.RemoteAS,
		LocalAS:   p.Conf.LocalAS,
		PeerAddr:  p.remote,
		LocalAddr: p.local,
		IfIndex:   uint16(p.ifScope),
		PeerID:    p.Conf.ID,
		Group:     p.Conf.Group,
	}
}

// sessionUp announces the established session to the RDE.
func (e *Engine) sessionUp(p *Peer) {
	// clear the last errors, now that the session is up
	p.Stats.LastSentErrcode = 0
	p.Stats.LastSentSuberr = 0
	p.Stats.LastRcvdErrcode = 0
	p.Stats.LastRcvdSuberr = 0
	p.Stats.LastReason = ""

	e.toRDEJSON(bridge.TypeSessionAdd, p.Conf.ID, bridge.SessionAdd{Conf: p.Conf})

	sup := bridge.SessionUp{
		RemoteAddr:  p.remote.String(),
		LocalAddr:   p.local.String(),
		IfScope:     p.ifScope,
		RemoteBGPID: p.remoteBGPID,
		ShortAS:     p.shortAS,
		Capa:        p.Capa.Neg,
	}
	if p.localAlt.IsValid() {
		sup.LocalAltAddr = p.localAlt.String()
	}
	p.Stats.LastUpDown = e.now()
	e.toRDEJSON(bridge.TypeSessionUp, p.Conf.ID, sup)
}

// sessionDown tells the RDE the session is gone.
func (e *Engine) sessionDown(p *Peer) {
	p.Capa.Neg.Reset()
	p.Stats.LastUpDown = e.now()
	e.toRDE(bridge.TypeSessionDown, p.Conf.ID, nil)
}

// demote adjusts the carp demotion counter via the parent.
func (e *Engine) demote(p *Peer, level int) {
	if e.parent != nil {
		e.parent.SendJSON(bridge.TypeDemote, p.Conf.ID,
			bridge.Demote{Group: p.Conf.DemoteGroup, Level: level})
	}
	p.demoted += level
}

// sessionStop sends the final Cease NOTIFICATION (with the optional RFC
// 9003 shutdown reason) and stops the peer.
func (e *Engine) sessionStop(p *Peer, subcode uint8, reason string) {
	if reason == "" {
		reason = p.Conf.Reason
	}
	var data []byte
	if (subcode == wire.CeaseAdminDown || subcode == wire.CeaseAdminReset) &&
		reason != "" {
		if len(reason) > 128 {
			p.log.Warn("trying to send overly long shutdown reason")
		} else {
			data = append([]byte{uint8(len(reason))}, reason...)
		}
	}
	switch p.State {
	case StateOpenSent, StateOpenConfirm, StateEstablished:
		e.sendNotification(p, wire.ErrCease, subcode, data)
	default:
		// session not open, no need to send a notification
	}
	e.fsm(p, EventStop)
}

// dispatchParent handles one message from the parent process.
func (e *Engine) dispatchParent(m bridge.Msg) {
	switch m.Type {
	case bridge.TypeReconfConf:
		nconf := &config.Config{}
		if err := m.Unmarshal(nconf); err != nil {
			e.log.Fatal("parent sent invalid config", zap.Error(err))
		}
		if err := nconf.Validate(); err != nil {
			e.log.Fatal("parent sent invalid config", zap.Error(err))
		}
		e.nconf = nconf
		e.pendingReconf = true

	case bridge.TypeReconfPeer:
		if e.nconf == nil {
			e.log.Fatal("got RECONF_PEER but no staged config")
		}
		var add bridge.SessionAdd
		if err := m.Unmarshal(&add); err != nil || add.Conf == nil {
			e.log.Fatal("parent sent invalid peer config", zap.Error(err))
		}
		e.nconf.Peers = append(e.nconf.Peers, add.Conf)

	case bridge.TypeReconfListener:
		if e.nconf == nil {
			e.log.Fatal("got RECONF_LISTENER but no staged config")
		}
		e.nconf.Listen = append(e.nconf.Listen, string(m.Data))

	case bridge.TypeReconfDrain:
		if e.parent != nil {
			e.parent.Send(bridge.TypeReconfDrain, 0, nil)
		}

	case bridge.TypeReconfDone:
		if e.nconf == nil {
			e.log.Fatal("got RECONF_DONE but no config")
		}
		e.applyConfig()

	case bridge.TypeSessionDependOn:
		var don bridge.DependOn
		if err := m.Unmarshal(&don); err != nil {
			e.log.Fatal("DEPENDON message with wrong payload", zap.Error(err))
		}
		for _, p := range e.sortedPeers() {
			if p.Conf.DependOn != don.Interface {
				continue
			}
			if don.Up && !p.dependOK {
				p.dependOK = true
				e.fsm(p, EventStart)
			} else if !don.Up && p.dependOK {
				p.dependOK = false
				e.sessionStop(p, wire.CeaseOtherChange, "")
			}
		}

	case bridge.TypeMrtOpen, bridge.TypeMrtReopen:
		var req bridge.MrtRequest
		if err := m.Unmarshal(&req); err != nil {
			e.log.Warn("mrt open with wrong payload", zap.Error(err))
			return
		}
		kind, ok := mrt.ParseKind(req.Kind)
		if !ok {
			e.log.Warn("mrt open with bad kind", zap.String("kind", req.Kind))
			return
		}
		for _, w := range e.mrts {
			if w.Path == req.Path {
				// old dump reopened
				if err := w.Reopen(); err != nil {
					e.log.Warn("mrt reopen failed", zap.Error(err))
				}
				return
			}
		}
		w, err := mrt.NewWriter(req.Path, kind, req.PeerID, req.GroupID, e.log.Named("mrt"))
		if err != nil {
			e.log.Warn("mrt open failed", zap.Error(err))
			return
		}
		e.mrts = append(e.mrts, w)

	case bridge.TypeMrtClose:
		var req bridge.MrtRequest
		if err := m.Unmarshal(&req); err != nil {
			e.log.Warn("mrt close with wrong payload", zap.Error(err))
			return
		}
		for i, w := range e.mrts {
			if w.Path == req.Path {
				w.Close()
				e.mrts = append(e.mrts[:i], e.mrts[i+1:]...)
				return
			}
		}
	}
}

// dispatchRDE handles one message from the RDE.
func (e *Engine) dispatchRDE(m bridge.Msg) {
	switch m.Type {
	case bridge.TypeUpdate:
		if len(m.Data) > wire.MaxLen-wire.HeaderLen ||
			len(m.Data) < wire.UpdateMinLen-wire.HeaderLen {
			e.log.Warn("RDE sent invalid update")
			return
		}
		e.sendUpdate(m.PeerID, m.Data)

	case bridge.TypeUpdateErr:
		p := e.peerByID(m.PeerID)
		if p == nil {
			e.log.Warn("no such peer", zap.Uint32("id", m.PeerID))
			return
		}
		if len(m.Data) < 2 {
			e.log.Warn("RDE sent invalid notification")
			return
		}
		errcode, subcode := m.Data[0], m.Data[1]
		e.sendNotification(p, errcode, subcode, m.Data[2:])
		if errcode == wire.ErrCease &&
			(subcode == wire.CeaseMaxPrefix || subcode == wire.CeaseMaxSentPrefix) {
			e.fsm(p, EventStop)
			if t := p.Conf.MaxPrefixRestart; t != 0 {
				p.Timers.Set(timer.IdleHold, time.Duration(t)*time.Minute, e.now())
			}
		} else {
			e.fsm(p, EventConnFatal)
		}

	case bridge.TypeRefresh:
		var rr bridge.Refresh
		if err := m.Unmarshal(&rr); err != nil {
			e.log.Warn("RDE sent invalid refresh", zap.Error(err))
			return
		}
		p := e.peerByID(m.PeerID)
		if p == nil {
			e.log.Warn("no such peer", zap.Uint32("id", m.PeerID))
			return
		}
		if rr.AID < capa.AIDMin || rr.AID >= capa.AIDMax {
			e.log.Warn("refresh with bad family")
			return
		}
		e.sendRRefresh(p, rr.AID, rr.Subtype)

	case bridge.TypeSessionRestarted:
		if len(m.Data) != 1 {
			e.log.Warn("RDE sent invalid restart message")
			return
		}
		p := e.peerByID(m.PeerID)
		if p == nil {
			e.log.Warn("no such peer", zap.Uint32("id", m.PeerID))
			return
		}
		aid := capa.AID(m.Data[0])
		if aid < capa.AIDMin || aid >= capa.AIDMax {
			e.log.Warn("restart message with bad family")
			return
		}
		e.sessionRestarted(p, aid)
	}
}

// applyConfig merges the staged configuration into the running one. The
// switchover is atomic between ticks: kept peers carry their session
// state over, removed peers get Cease/PeerUnconf on the next tick, new
// peers initialize then.
func (e *Engine) applyConfig() {
	nconf := e.nconf

	matched := map[*config.Peer]bool{}
	nextStatic := config.PeerIDStaticMin
	for _, p := range e.sortedPeers() {
		if p.Conf.ID >= nextStatic && p.Conf.ID < config.PeerIDStaticMax {
			nextStatic = p.Conf.ID + 1
		}
	}

	for _, p := range e.sortedPeers() {
		if p.TemplateID != 0 {
			// clones are handled after their templates
			continue
		}
		var np *config.Peer
		for _, cand := range nconf.Peers {
			if matched[cand] {
				continue
			}
			if cand.Template == p.Conf.Template &&
				cand.RemoteAddr == p.Conf.RemoteAddr &&
				cand.RemoteMasklen == p.Conf.RemoteMasklen {
				np = cand
				break
			}
		}
		if np == nil {
			p.reconf = reconfDelete
			continue
		}
		matched[np] = true
		np.ID = p.Conf.ID
		p.Conf = np
		p.log = e.peerLogger(np)
		p.reconf = reconfKeep

		// had demotion, is demoted, demote removed?
		if p.demoted > 0 && p.Conf.DemoteGroup == "" {
			e.demote(p, -1)
		}
		// if the session is not open refresh the keying material
		if p.State < StateOpenSent && !p.Conf.Template && e.parent != nil {
			e.parent.Send(bridge.TypePFKeyReload, p.Conf.ID, nil)
		}
		// sync the RDE in case we keep the peer
		e.toRDEJSON(bridge.TypeSessionAdd, p.Conf.ID, bridge.SessionAdd{Conf: p.Conf})

		// apply the new template config to all clones
		if p.Conf.Template {
			for _, xp := range e.sortedPeers() {
				if xp.TemplateID != p.Conf.ID {
					continue
				}
				pc := *np
				pc.ID = xp.Conf.ID
				pc.Template = false
				pc.RemoteAddr = xp.Conf.RemoteAddr
				pc.RemoteMasklen = xp.Conf.RemoteMasklen
				if xp.Conf.RemoteAS != 0 {
					pc.RemoteAS = xp.Conf.RemoteAS
				}
				xp.Conf = &pc
				xp.log = e.peerLogger(&pc)
				e.toRDEJSON(bridge.TypeSessionAdd, pc.ID, bridge.SessionAdd{Conf: &pc})
			}
		}
	}

	// clones whose template went away are reaped with their template
	for _, p := range e.sortedPeers() {
		if p.TemplateID == 0 {
			continue
		}
		if t := e.peers[p.TemplateID]; t == nil || t.reconf == reconfDelete {
			p.reconf = reconfDelete
		}
	}

	// add new peers
	for _, np := range nconf.Peers {
		if matched[np] {
			continue
		}
		np.ID = nextStatic
		nextStatic++
		e.addPeer(e.newPeer(np))
	}

	nconf.Peers = nil
	e.conf = nconf
	e.nconf = nil
	e.pendingReconf = false

	if err := e.reconcileListeners(); err != nil {
		e.log.Warn("listener reconfiguration failed", zap.Error(err))
	}
	e.toRDE(bridge.TypeReconfDrain, 0, nil)
	e.log.Info("session engine reconfigured")
}

// reconcileListeners closes listeners that fell out of the config and
// opens new ones.
func (e *Engine) reconcileListeners() error {
	want := map[string]bool{}
	for _, addr := range e.conf.Listen {
		want[addr] = true
	}
	for addr, li := range e.listeners {
		if !want[addr] {
			e.log.Info("not listening any more", zap.String("addr", addr))
			li.l.Close()
			delete(e.listeners, addr)
		}
	}
	return e.setupListeners()
}

// shutdown sends Cease/AdminDown to every peer, drains best-effort and
// closes everything.
func (e *Engine) shutdown() {
	for _, p := range e.sortedPeers() {
		e.sessionStop(p, wire.CeaseAdminDown, "engine shutting down")
		p.Timers.StopAll()
		delete(e.peers, p.Conf.ID)
	}
	for _, li := range e.listeners {
		li.l.Close()
	}
	for _, m := range e.mrts {
		m.Close()
	}
	if e.rde != nil {
		e.rde.Close()
	}
	if e.parent != nil {
		e.parent.Close()
	}
	e.log.Info("session engine exiting")
}

// notifCodeLabel renders a notification code for metrics.
func notifCodeLabel(code uint8) string {
	return strconv.Itoa(int(code))
}
