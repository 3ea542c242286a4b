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

// Package bridge carries framed messages between the session engine and
// its adjacent processes (parent and RDE). A frame is a 10-byte header
// {type, peer id, payload length} followed by the payload. Structured
// payloads are JSON; UPDATE payloads are raw BGP bodies.
package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Type identifies a bridge message.
type Type uint32

const (
	TypeNone Type = iota

	// parent -> engine
	TypeSocketConn
	TypeSocketConnCtl
	TypeReconfConf
	TypeReconfPeer
	TypeReconfListener
	TypeReconfCtl
	TypeReconfDrain
	TypeReconfDone
	TypeSessionDependOn
	TypeMrtOpen
	TypeMrtReopen
	TypeMrtClose

	// engine -> parent
	TypePFKeyReload
	TypeDemote

	// engine <-> RDE
	TypeSessionAdd
	TypeSessionUp
	TypeSessionDown
	TypeUpdate
	TypeUpdateErr
	TypeSessionStale
	TypeSessionNoGrace
	TypeSessionFlush
	TypeSessionRestarted
	TypeRefresh
	TypeXOn
	TypeXOff
)

const (
	headerLen  = 10
	maxPayload = 65535
)

// Msg is one framed message.
type Msg struct {
	Type   Type
	PeerID uint32
	Data   []byte
}

// Unmarshal decodes a JSON payload into v.
func (m Msg) Unmarshal(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Conn is a bidirectional framed channel. Reads are delivered on In;
// writes are queued and flushed by a background goroutine so the engine
// never blocks on a slow neighbor process.
type Conn struct {
	// In delivers inbound messages. It is closed when the peer process
	// hangs up or the connection fails.
	In <-chan Msg

	rwc io.ReadWriteCloser
	log *zap.Logger

	mu     sync.Mutex
	queue  [][]byte
	kick   chan struct{}
	done   chan struct{}
	closed bool
}

// New wraps rwc into a Conn and starts its reader and writer.
func New(rwc io.ReadWriteCloser, log *zap.Logger) *Conn {
	in := make(chan Msg, 64)
	c := &Conn{
		In:   in,
		rwc:  rwc,
		log:  log,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go c.readLoop(in)
	go c.writeLoop()
	return c
}

var errClosed = errors.New("bridge: connection closed")

// Send enqueues a frame. It never blocks; an error means the channel is
// gone and the message was dropped.
func (c *Conn) Send(t Type, peerID uint32, data []byte) error {
	if len(data) > maxPayload {
		return fmt.Errorf("bridge: payload too large: %d", len(data))
	}
	buf := make([]byte, headerLen+len(data))
	binary.BigEndian.PutUint32(buf[0:], uint32(t))
	binary.BigEndian.PutUint32(buf[4:], peerID)
	binary.BigEndian.PutUint16(buf[8:], uint16(len(data)))
	copy(buf[headerLen:], data)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	c.queue = append(c.queue, buf)
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// SendJSON marshals v and sends it as the payload.
func (c *Conn) SendJSON(t Type, peerID uint32, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: marshal %v: %w", t, err)
	}
	return c.Send(t, peerID, data)
}

// Close tears the channel down. Pending writes are dropped.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
	close(c.done)
	return c.rwc.Close()
}

func (c *Conn) readLoop(in chan<- Msg) {
	defer close(in)
	hdr := make([]byte, headerLen)
	for {
		if _, err := io.ReadFull(c.rwc, hdr); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.log.Warn("bridge read failed", zap.Error(err))
			}
			return
		}
		m := Msg{
			Type:   Type(binary.BigEndian.Uint32(hdr[0:])),
			PeerID: binary.BigEndian.Uint32(hdr[4:]),
		}
		if plen := binary.BigEndian.Uint16(hdr[8:]); plen > 0 {
			m.Data = make([]byte, plen)
			if _, err := io.ReadFull(c.rwc, m.Data); err != nil {
				c.log.Warn("bridge read failed", zap.Error(err))
				return
			}
		}
		in <- m
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 || c.closed {
				c.mu.Unlock()
				break
			}
			buf := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			if _, err := c.rwc.Write(buf); err != nil {
				c.log.Warn("bridge write failed", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}
