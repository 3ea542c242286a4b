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
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tverberg/bgpsessd/internal/bridge"
	"github.com/tverberg/bgpsessd/internal/capa"
	"github.com/tverberg/bgpsessd/internal/config"
	"github.com/tverberg/bgpsessd/internal/timer"
	"github.com/tverberg/bgpsessd/internal/wire"
)

func boolPtr(v bool) *bool { return &v }

// testPeerConf is the scenario peer: AS 65002 at 192.0.2.2, announcing
// MP-IPv4-unicast, 4-byte-AS and Refresh.
func testPeerConf() *config.Peer {
	return &config.Peer{
		ID:            1,
		Descr:         "peer1",
		RemoteAddr:    "192.0.2.2",
		RemoteMasklen: 32,
		RemoteAS:      65002,
		LocalAS:       65001,
		Passive:       true,
		IdleHoldMax:   config.MaxIdleHold,
		Distance:      1,
		Capabilities: config.Capabilities{
			EnhancedRefresh: boolPtr(false),
			GracefulRestart: boolPtr(false),
		},
	}
}

func testEngine(t *testing.T, peers ...*config.Peer) *Engine {
	t.Helper()
	cfg := &config.Config{
		ASN:          65001,
		RouterID:     "10.0.0.1",
		HoldTime:     90,
		MinHoldTime:  3,
		ConnectRetry: 120,
		Peers:        peers,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	e := New(cfg, zap.NewNop())
	for _, pc := range peers {
		e.addPeer(e.newPeer(pc))
	}
	return e
}

// drain processes queued engine events until the event channel stays
// quiet for a moment. It stands in for the engine run loop so tests keep
// single-threaded control over all peer state.
func drain(e *Engine) {
	for {
		select {
		case ev := <-e.events:
			e.handleEvent(ev)
		case <-time.After(200 * time.Millisecond):
			return
		}
	}
}

// readMsg reads one framed BGP message from the test side of the pipe.
func readMsg(t *testing.T, c net.Conn) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	hdr := make([]byte, wire.HeaderLen)
	if _, err := io.ReadFull(c, hdr); err != nil {
		t.Fatalf("reading header: %v", err)
	}
	h, err := wire.ParseHeader(hdr)
	if err != nil {
		t.Fatalf("parsing header: %v", err)
	}
	buf := make([]byte, h.Len)
	copy(buf, hdr)
	if _, err := io.ReadFull(c, buf[wire.HeaderLen:]); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return buf
}

// openToSent drives a passive peer to OpenSent over a pipe and returns
// the test side.
func openToSent(t *testing.T, e *Engine, p *Peer) net.Conn {
	t.Helper()
	e.initPeer(p)
	e.fsm(p, EventStart)
	if p.State != StateActive {
		t.Fatalf("state after passive start = %v, want Active", p.State)
	}
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	e.adopt(p, server, true)
	e.fsm(p, EventConnOpen)
	if p.State != StateOpenSent {
		t.Fatalf("state after ConnOpen = %v, want OpenSent", p.State)
	}
	return client
}

// peerOpen builds the peer's OPEN message.
func peerOpen(holdTime uint16, mut func(*capa.Set)) []byte {
	var s capa.Set
	s.Role = capa.RoleNone
	s.MP[capa.AIDIPv4] = true
	s.Refresh = true
	s.AS4Byte = true
	if mut != nil {
		mut(&s)
	}
	tlvs := capa.AppendTLVs(nil, &s, 65002, true, false)
	return wire.EncodeOpen(65002, holdTime, 0x0a000002, tlvs)
}

// deliver writes peer bytes into the engine and processes the resulting
// events.
func deliver(t *testing.T, e *Engine, c net.Conn, data []byte) {
	t.Helper()
	c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Write(data); err != nil {
		t.Fatalf("writing peer bytes: %v", err)
	}
	drain(e)
}

// establish drives the full OPEN exchange to Established.
func establish(t *testing.T, e *Engine, p *Peer, holdTime uint16, mut func(*capa.Set)) net.Conn {
	t.Helper()
	client := openToSent(t, e, p)

	got := readMsg(t, client)
	o, err := wire.DecodeOpen(got)
	if err != nil {
		t.Fatalf("decoding our OPEN: %v", err)
	}
	if o.Version != 4 || o.ShortAS != 65001 || o.HoldTime != 90 || o.ID != 0x0a000001 {
		t.Fatalf("bad OPEN %+v", o)
	}

	deliver(t, e, client, peerOpen(holdTime, mut))
	if p.State != StateOpenConfirm {
		t.Fatalf("state after OPEN = %v, want OpenConfirm", p.State)
	}
	if msg := readMsg(t, client); msg[18] != wire.TypeKeepalive {
		t.Fatalf("expected KEEPALIVE after OPEN, got type %d", msg[18])
	}

	deliver(t, e, client, wire.EncodeKeepalive())
	if p.State != StateEstablished {
		t.Fatalf("state after KEEPALIVE = %v, want Established", p.State)
	}
	return client
}

func TestCleanBringUp(t *testing.T) {
	e := testEngine(t, testPeerConf())
	p := e.peerByID(1)

	establish(t, e, p, 90, nil)

	neg := p.Capa.Neg
	if !neg.MP[capa.AIDIPv4] {
		t.Errorf("negotiated MP missing IPv4 unicast")
	}
	if !neg.Refresh || !neg.AS4Byte {
		t.Errorf("negotiated set incomplete: %+v", neg)
	}
	if neg.EnhancedRR {
		t.Errorf("enhanced RR negotiated although not announced")
	}
	if p.holdTime != 90*time.Second {
		t.Errorf("negotiated holdtime = %v, want 90s", p.holdTime)
	}
	if _, ok := p.Timers.Running(timer.Hold, e.now()); !ok {
		t.Errorf("hold timer not running in Established")
	}
	if _, ok := p.Timers.Running(timer.IdleHoldReset, e.now()); !ok {
		t.Errorf("idle hold reset timer not running in Established")
	}
}

func TestBadMarker(t *testing.T) {
	e := testEngine(t, testPeerConf())
	p := e.peerByID(1)
	client := openToSent(t, e, p)
	readMsg(t, client) // our OPEN

	// 15 bytes of marker, one zero byte, then length=19 type=KEEPALIVE
	bad := peerOpen(90, nil)[:wire.HeaderLen]
	bad[15] = 0x00
	bad[16], bad[17], bad[18] = 0, 19, wire.TypeKeepalive
	deliver(t, e, client, bad)

	notif := readMsg(t, client)
	n, err := wire.DecodeNotification(notif[wire.HeaderLen:])
	if err != nil {
		t.Fatalf("decoding notification: %v", err)
	}
	if n.Code != wire.ErrHeader || n.Subcode != wire.ErrHeaderSync {
		t.Errorf("notification %d/%d, want header/sync", n.Code, n.Subcode)
	}
	if p.State != StateIdle {
		t.Errorf("state = %v, want Idle", p.State)
	}
	if p.errcnt != 1 {
		t.Errorf("errcnt = %d, want 1", p.errcnt)
	}
	if got := p.idleHold(); got != 10*time.Second {
		t.Errorf("idle hold backoff = %v, want 10s", got)
	}
	if p.rbuf != nil {
		t.Errorf("read buffer kept in Idle")
	}
}

func TestHoldTimerExpiry(t *testing.T) {
	e := testEngine(t, testPeerConf())
	p := e.peerByID(1)
	client := establish(t, e, p, 30, nil)

	if p.holdTime != 30*time.Second {
		t.Fatalf("negotiated holdtime = %v, want 30s", p.holdTime)
	}
	before := p.idleHold()

	// no traffic for the negotiated holdtime
	p.Timers.Stop(timer.Keepalive)
	p.Timers.Stop(timer.SendHold)
	p.Timers.Stop(timer.IdleHoldReset)
	e.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	e.handleTimers(e.now())

	notif := readMsg(t, client)
	n, err := wire.DecodeNotification(notif[wire.HeaderLen:])
	if err != nil {
		t.Fatalf("decoding notification: %v", err)
	}
	if n.Code != wire.ErrHoldTimer {
		t.Errorf("notification code %d, want hold timer expired", n.Code)
	}
	if p.State != StateIdle {
		t.Errorf("state = %v, want Idle", p.State)
	}
	if got := p.idleHold(); got != 2*before {
		t.Errorf("idle hold backoff = %v, want doubled %v", got, 2*before)
	}
}

// rdePair attaches a bridge to the engine and returns the test side.
func rdePair(t *testing.T, e *Engine) *bridge.Conn {
	t.Helper()
	a, b := net.Pipe()
	eng := bridge.New(a, zap.NewNop())
	tst := bridge.New(b, zap.NewNop())
	e.SetRDE(eng)
	t.Cleanup(func() {
		eng.Close()
		tst.Close()
	})
	return tst
}

func recvRDE(t *testing.T, c *bridge.Conn) bridge.Msg {
	t.Helper()
	select {
	case m, ok := <-c.In:
		if !ok {
			t.Fatalf("rde bridge closed")
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for rde message")
	}
	return bridge.Msg{}
}

func expectRDE(t *testing.T, c *bridge.Conn, want bridge.Type) bridge.Msg {
	t.Helper()
	m := recvRDE(t, c)
	if m.Type != want {
		t.Fatalf("rde message type %d, want %d", m.Type, want)
	}
	return m
}

func TestGracefulRestart(t *testing.T) {
	pc := testPeerConf()
	pc.Capabilities.GracefulRestart = boolPtr(true)
	e := testEngine(t, pc)
	p := e.peerByID(1)
	rde := rdePair(t, e)

	grPeer := func(s *capa.Set) {
		s.GR.Mode = capa.GRModeFull
		s.GR.Timeout = 120
		s.GR.Flags[capa.AIDIPv4] = capa.GRPresent | capa.GRForward
	}
	client := establish(t, e, p, 90, grPeer)
	expectRDE(t, rde, bridge.TypeSessionAdd)
	expectRDE(t, rde, bridge.TypeSessionUp)

	// connection drops
	client.Close()
	drain(e)

	if p.State != StateIdle {
		t.Fatalf("state = %v, want Idle", p.State)
	}
	m := expectRDE(t, rde, bridge.TypeSessionStale)
	if len(m.Data) != 1 || capa.AID(m.Data[0]) != capa.AIDIPv4 {
		t.Errorf("stale for %v, want ipv4", m.Data)
	}
	if p.Capa.Neg.GR.Flags[capa.AIDIPv4]&capa.GRRestarting == 0 {
		t.Errorf("ipv4 not marked restarting")
	}
	if d, ok := p.Timers.Running(timer.RestartTimeout, e.now()); !ok || d > 120*time.Second {
		t.Errorf("restart timeout = %v, %v; want armed with 120s", d, ok)
	}

	// peer reconnects within the window advertising the same capabilities
	establish(t, e, p, 90, grPeer)
	expectRDE(t, rde, bridge.TypeSessionAdd)
	expectRDE(t, rde, bridge.TypeSessionUp)
	if p.Capa.Neg.GR.Flags[capa.AIDIPv4]&capa.GRRestarting == 0 {
		t.Fatalf("restarting mark lost across reconnect")
	}

	// the RDE finishes readvertising
	e.dispatchRDE(bridge.Msg{
		Type:   bridge.TypeSessionRestarted,
		PeerID: 1,
		Data:   []byte{byte(capa.AIDIPv4)},
	})
	if p.Capa.Neg.GR.Flags[capa.AIDIPv4]&capa.GRRestarting != 0 {
		t.Errorf("restarting mark not cleared")
	}
	if _, ok := p.Timers.Running(timer.RestartTimeout, e.now()); ok {
		t.Errorf("restart timeout still armed")
	}
	expectRDE(t, rde, bridge.TypeSessionRestarted)
}

func TestGracefulRestartTimeout(t *testing.T) {
	pc := testPeerConf()
	pc.Capabilities.GracefulRestart = boolPtr(true)
	e := testEngine(t, pc)
	p := e.peerByID(1)
	rde := rdePair(t, e)

	client := establish(t, e, p, 90, func(s *capa.Set) {
		s.GR.Mode = capa.GRModeFull
		s.GR.Timeout = 1
		s.GR.Flags[capa.AIDIPv4] = capa.GRPresent | capa.GRForward
	})
	expectRDE(t, rde, bridge.TypeSessionAdd)
	expectRDE(t, rde, bridge.TypeSessionUp)

	client.Close()
	drain(e)
	expectRDE(t, rde, bridge.TypeSessionStale)

	e.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	// one tick restarts the peer from idle hold, the next fires the
	// restart timeout
	e.handleTimers(e.now())
	e.handleTimers(e.now())

	m := expectRDE(t, rde, bridge.TypeSessionFlush)
	if len(m.Data) != 1 || capa.AID(m.Data[0]) != capa.AIDIPv4 {
		t.Errorf("flush for %v, want ipv4", m.Data)
	}
	if p.restarting() {
		t.Errorf("restarting mark survived the timeout")
	}
}

func TestBackPressure(t *testing.T) {
	e := testEngine(t, testPeerConf())
	p := e.peerByID(1)
	rde := rdePair(t, e)

	client := establish(t, e, p, 90, nil)
	expectRDE(t, rde, bridge.TypeSessionAdd)
	expectRDE(t, rde, bridge.TypeSessionUp)

	// a convergence burst with nobody draining the socket
	body := make([]byte, 4000)
	for i := 0; i < 300; i++ {
		e.sendUpdate(1, body)
	}
	m := expectRDE(t, rde, bridge.TypeXOff)
	if m.PeerID != 1 {
		t.Fatalf("XOFF for peer %d, want 1", m.PeerID)
	}
	if !p.throttled {
		t.Fatalf("peer not marked throttled")
	}

	// the peer drains; the queue drops below the low mark
	go io.Copy(io.Discard, client)
	deadline := time.Now().Add(10 * time.Second)
	for {
		drain(e)
		select {
		case m := <-rde.In:
			if m.Type != bridge.TypeXOn {
				t.Fatalf("rde message type %d, want XON", m.Type)
			}
			if p.throttled {
				t.Fatalf("peer still marked throttled after XON")
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("no XON before deadline")
		}
	}
}

func TestRoleMismatch(t *testing.T) {
	pc := testPeerConf()
	pc.Role = "provider"
	e := testEngine(t, pc)
	p := e.peerByID(1)
	client := openToSent(t, e, p)
	readMsg(t, client) // our OPEN

	deliver(t, e, client, peerOpen(90, func(s *capa.Set) {
		s.Policy = capa.PolicyOn
		s.Role = capa.RoleProvider
	}))

	notif := readMsg(t, client)
	n, err := wire.DecodeNotification(notif[wire.HeaderLen:])
	if err != nil {
		t.Fatalf("decoding notification: %v", err)
	}
	if n.Code != wire.ErrOpen || n.Subcode != wire.ErrOpenRole {
		t.Errorf("notification %d/%d, want open/role mismatch", n.Code, n.Subcode)
	}
	if p.State != StateIdle {
		t.Errorf("state = %v, want Idle", p.State)
	}
}

func TestUnsupportedOptParamDoesNotPunish(t *testing.T) {
	e := testEngine(t, testPeerConf())
	p := e.peerByID(1)
	client := openToSent(t, e, p)
	readMsg(t, client)

	before := p.idleHold()

	// an OPEN with a single unknown optional parameter
	open := wire.EncodeOpen(65002, 90, 0x0a000002, nil)
	open = append(open[:wire.HeaderLen+9], 3, 77, 1, 0xaa)
	open[wire.MarkerLen+1] = byte(len(open))
	open[wire.HeaderLen+9] = 3
	deliver(t, e, client, open)

	notif := readMsg(t, client)
	n, err := wire.DecodeNotification(notif[wire.HeaderLen:])
	if err != nil {
		t.Fatalf("decoding notification: %v", err)
	}
	if n.Code != wire.ErrOpen || n.Subcode != wire.ErrOpenOptParam {
		t.Errorf("notification %d/%d, want open/unsupported opt param", n.Code, n.Subcode)
	}
	if p.State != StateIdle {
		t.Errorf("state = %v, want Idle", p.State)
	}
	if got := p.idleHold(); got != before {
		t.Errorf("idle hold backoff = %v, want unchanged %v", got, before)
	}
	if d, ok := p.Timers.Running(timer.IdleHold, e.now()); !ok || d > 0 {
		t.Errorf("idle hold timer = %v, %v; want due immediately", d, ok)
	}
}

func TestSingleNotificationPerSession(t *testing.T) {
	e := testEngine(t, testPeerConf())
	p := e.peerByID(1)
	client := openToSent(t, e, p)
	readMsg(t, client)

	e.sendNotification(p, wire.ErrCease, wire.CeaseAdminReset, nil)
	e.sendNotification(p, wire.ErrFSM, wire.ErrFSMUnexOpenSent, nil)

	if p.Stats.MsgSentNotification != 1 {
		t.Errorf("sent %d notifications, want 1", p.Stats.MsgSentNotification)
	}
	if p.Stats.LastSentErrcode != wire.ErrCease {
		t.Errorf("last sent errcode = %d, want cease", p.Stats.LastSentErrcode)
	}
}

func TestHoldtimeBelowMinimumRejected(t *testing.T) {
	e := testEngine(t, testPeerConf())
	p := e.peerByID(1)
	client := openToSent(t, e, p)
	readMsg(t, client)

	deliver(t, e, client, peerOpen(1, nil))

	notif := readMsg(t, client)
	n, err := wire.DecodeNotification(notif[wire.HeaderLen:])
	if err != nil {
		t.Fatalf("decoding notification: %v", err)
	}
	if n.Code != wire.ErrOpen || n.Subcode != wire.ErrOpenHoldtime {
		t.Errorf("notification %d/%d, want open/holdtime", n.Code, n.Subcode)
	}
}

func TestHoldtimeZeroDisablesKeepalives(t *testing.T) {
	e := testEngine(t, testPeerConf())
	p := e.peerByID(1)
	establish(t, e, p, 0, nil)

	if p.holdTime != 0 {
		t.Fatalf("holdtime = %v, want 0", p.holdTime)
	}
	if _, ok := p.Timers.Running(timer.Hold, e.now()); ok {
		t.Errorf("hold timer armed with holdtime 0")
	}
	if _, ok := p.Timers.Running(timer.Keepalive, e.now()); ok {
		t.Errorf("keepalive timer armed with holdtime 0")
	}
}
