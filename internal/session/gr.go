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
	"github.com/tverberg/bgpsessd/internal/timer"
)

// gracefulRestart runs the RFC 4724 bookkeeping when a session with a
// restart-capable peer is lost: families listed in the peer's restart
// capability go stale at the RDE, the other negotiated families get
// NOGRACE, and the restart timeout is armed with the peer's advertised
// value.
func (e *Engine) gracefulRestart(p *Peer) {
	p.Timers.Set(timer.RestartTimeout,
		time.Duration(p.Capa.Neg.GR.Timeout)*time.Second, e.now())

	for i := capa.AIDMin; i < capa.AIDMax; i++ {
		if p.Capa.Neg.GR.Flags[i]&capa.GRPresent != 0 {
			e.toRDE(bridge.TypeSessionStale, p.Conf.ID, []byte{byte(i)})
			p.log.Info("graceful restart, keeping routes", zap.Stringer("family", i))
			p.Capa.Neg.GR.Flags[i] |= capa.GRRestarting
		} else if p.Capa.Neg.MP[i] {
			e.toRDE(bridge.TypeSessionNoGrace, p.Conf.ID, []byte{byte(i)})
			p.log.Info("graceful restart, flushing routes", zap.Stringer("family", i))
		}
	}
}

// gracefulStop flushes any family still marked restarting. Called when
// the restart timeout fires before the peer came back; in all other cases
// the state was already resolved when the session went down or the new
// OPEN was parsed.
func (e *Engine) gracefulStop(p *Peer) {
	for i := capa.AIDMin; i < capa.AIDMax; i++ {
		if p.Capa.Neg.GR.Flags[i]&capa.GRRestarting != 0 {
			p.log.Info("graceful restart timed out, flushing", zap.Stringer("family", i))
			e.toRDE(bridge.TypeSessionFlush, p.Conf.ID, []byte{byte(i)})
		}
		p.Capa.Neg.GR.Flags[i] &^= capa.GRRestarting
	}
}

// sessionRestarted handles the RDE's confirmation that readvertisement
// for a family finished.
func (e *Engine) sessionRestarted(p *Peer, aid capa.AID) {
	if p.Capa.Neg.GR.Flags[aid]&capa.GRRestarting != 0 {
		p.log.Info("graceful restart finished", zap.Stringer("family", aid))
		p.Capa.Neg.GR.Flags[aid] &^= capa.GRRestarting
		p.Timers.Stop(timer.RestartTimeout)

		// signal back to the RDE so it cleans up the stale routes
		e.toRDE(bridge.TypeSessionRestarted, p.Conf.ID, []byte{byte(aid)})
	}
}
