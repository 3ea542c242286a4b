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

	"go.uber.org/zap"

	"github.com/tverberg/bgpsessd/internal/metrics"
	"github.com/tverberg/bgpsessd/internal/wire"
)

// msgProcessLimit is the per-tick read-processing budget. A peer with more
// buffered messages keeps its pending flag set and is revisited on the
// next tick, so one busy peer cannot starve the rest.
const msgProcessLimit = 100

// processMessages drains complete messages from the peer's read buffer:
// header parse, MRT tee, dispatch by type, compaction. The FSM may drop
// the peer to Idle mid-loop, which deallocates the buffer; every round
// trip re-checks it.
func (e *Engine) processMessages(p *Peer) {
	rpos := 0
	av := len(p.rbuf)
	processed := 0
	p.rpending = false

	for {
		if p.rbuf == nil {
			return
		}
		if rpos+wire.HeaderLen > av {
			break
		}
		hdr, err := wire.ParseHeader(p.rbuf[rpos:av])
		if err != nil {
			var me *wire.MessageError
			if errors.As(err, &me) {
				p.log.Warn("bad message header", zap.Error(me))
				e.sendNotification(p, me.Code, me.Subcode, me.Data)
				e.fsm(p, EventConnFatal)
			}
			return
		}
		if rpos+int(hdr.Len) > av {
			break
		}
		p.rptr = p.rbuf[rpos : rpos+int(hdr.Len)]

		// dump to MRT as soon as we have a full packet
		info := e.mrtPeerInfo(p)
		for _, m := range e.mrts {
			if m.Matches(hdr.Type == wire.TypeUpdate, true, info) {
				m.DumpMessage(info, p.rptr, e.now())
			}
		}

		metrics.MessagesTotal.WithLabelValues(p.Conf.Descr, msgTypeName(hdr.Type), "in").Inc()
		switch hdr.Type {
		case wire.TypeOpen:
			e.fsm(p, EventRcvdOpen)
			p.Stats.MsgRcvdOpen++
		case wire.TypeUpdate:
			e.fsm(p, EventRcvdUpdate)
			p.Stats.MsgRcvdUpdate++
		case wire.TypeNotification:
			e.fsm(p, EventRcvdNotification)
			p.Stats.MsgRcvdNotification++
		case wire.TypeKeepalive:
			e.fsm(p, EventRcvdKeepalive)
			p.Stats.MsgRcvdKeepalive++
		case wire.TypeRouteRefresh:
			e.parseRRefresh(p)
			p.Stats.MsgRcvdRRefresh++
		}
		rpos += int(hdr.Len)
		processed++
		if processed >= msgProcessLimit {
			p.rpending = true
			metrics.PumpBudgetHitsTotal.WithLabelValues(p.Conf.Descr).Inc()
			break
		}
	}

	if p.rbuf == nil {
		return
	}
	if rpos < av {
		// compact the remainder to the buffer base
		n := copy(p.rbuf[:cap(p.rbuf)], p.rbuf[rpos:av])
		p.rbuf = p.rbuf[:n]
	} else {
		p.rbuf = p.rbuf[:0]
	}
}
