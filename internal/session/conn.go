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
	"io"
	"net"
	"sync"
	"time"

	"github.com/tverberg/bgpsessd/internal/wire"
)

// peerConn owns one TCP connection to a peer. The engine goroutine holds
// all session state; the reader and writer goroutines only move bytes and
// post events back. The reader is flow controlled by the engine: it may
// read at most the granted number of bytes, so the peer can never buffer
// more than one maximum-size message ahead of the pump.
type peerConn struct {
	c   net.Conn
	gen uint64
	// in reports whether the connection was accepted rather than dialed.
	in bool

	resume chan int

	mu      sync.Mutex
	queue   [][]byte
	queued  int
	kick    chan struct{}
	closing bool
}

func newPeerConn(c net.Conn, gen uint64, inbound bool) *peerConn {
	return &peerConn{
		c:      c,
		gen:    gen,
		in:     inbound,
		resume: make(chan int, 1),
		kick:   make(chan struct{}, 1),
	}
}

// start launches the reader and writer goroutines for peer id.
func (pc *peerConn) start(e *Engine, id uint32) {
	go pc.readLoop(e, id)
	go pc.writeLoop(e, id)
}

// grant allows the reader to pull up to n more bytes off the socket. The
// engine issues exactly one grant per completed read event.
func (pc *peerConn) grant(n int) {
	select {
	case pc.resume <- n:
	default:
	}
}

// enqueue appends an encoded message to the write queue and returns the
// number of queued bytes.
func (pc *peerConn) enqueue(buf []byte) int {
	pc.mu.Lock()
	pc.queue = append(pc.queue, buf)
	pc.queued += len(buf)
	queued := pc.queued
	pc.mu.Unlock()
	select {
	case pc.kick <- struct{}{}:
	default:
	}
	return queued
}

// pending returns the number of queued bytes.
func (pc *peerConn) pending() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.queued
}

// shutdown closes the connection. With flush set the writer first tries
// to push out what is buffered (usually a NOTIFICATION), without waiting
// for the peer to drain us.
func (pc *peerConn) shutdown(flush bool) {
	pc.mu.Lock()
	if pc.closing {
		pc.mu.Unlock()
		return
	}
	pc.closing = true
	pc.mu.Unlock()
	select {
	case pc.kick <- struct{}{}:
	default:
	}
	close(pc.resume)
	if flush {
		// one bounded flush attempt, don't wait for a stuck peer
		pc.c.SetWriteDeadline(time.Now().Add(2 * time.Second))
	} else {
		pc.c.Close()
	}
}

func (pc *peerConn) readLoop(e *Engine, id uint32) {
	buf := make([]byte, wire.MaxLen)
	for {
		n, ok := <-pc.resume
		if !ok {
			return
		}
		if n <= 0 || n > len(buf) {
			n = len(buf)
		}
		m, err := pc.c.Read(buf[:n])
		if m > 0 {
			data := make([]byte, m)
			copy(data, buf[:m])
			e.post(event{kind: evRead, peerID: id, gen: pc.gen, data: data})
		}
		if err != nil {
			kind := evReadFatal
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				kind = evReadClosed
			}
			e.post(event{kind: kind, peerID: id, gen: pc.gen, err: err})
			return
		}
	}
}

func (pc *peerConn) writeLoop(e *Engine, id uint32) {
	for range pc.kick {
		for {
			pc.mu.Lock()
			if len(pc.queue) == 0 {
				done := pc.closing
				pc.mu.Unlock()
				if done {
					pc.c.Close()
					return
				}
				break
			}
			buf := pc.queue[0]
			pc.queue = pc.queue[1:]
			pc.queued -= len(buf)
			pc.mu.Unlock()

			if _, err := pc.c.Write(buf); err != nil {
				pc.mu.Lock()
				closing := pc.closing
				pc.mu.Unlock()
				if !closing {
					e.post(event{kind: evWriteFatal, peerID: id, gen: pc.gen, err: err})
				}
				pc.c.Close()
				return
			}
			e.post(event{kind: evWrote, peerID: id, gen: pc.gen, n: len(buf)})
		}
	}
}
