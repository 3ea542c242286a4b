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

// State is a peer FSM state. The numeric values match the RFC 4271 FSM
// states used by MRT state-change records; StateNone marks a peer that is
// configured but not yet initialized.
type State uint8

const (
	StateNone State = iota
	StateIdle
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateActive:
		return "Active"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}

// Event is a typed FSM input.
type Event uint8

const (
	EventNone Event = iota
	EventStart
	EventStop
	EventConnOpen
	EventConnClosed
	EventConnOpenFail
	EventConnFatal
	EventTimerHold
	EventTimerSendHold
	EventTimerConnRetry
	EventTimerKeepalive
	EventRcvdOpen
	EventRcvdKeepalive
	EventRcvdUpdate
	EventRcvdNotification
)

func (ev Event) String() string {
	switch ev {
	case EventNone:
		return "None"
	case EventStart:
		return "Start"
	case EventStop:
		return "Stop"
	case EventConnOpen:
		return "Connection opened"
	case EventConnClosed:
		return "Connection closed"
	case EventConnOpenFail:
		return "Connection open failed"
	case EventConnFatal:
		return "Fatal error"
	case EventTimerHold:
		return "Holdtimer expired"
	case EventTimerSendHold:
		return "Sendholdtimer expired"
	case EventTimerConnRetry:
		return "Connectretry timer expired"
	case EventTimerKeepalive:
		return "Keepalive timer expired"
	case EventRcvdOpen:
		return "OPEN message received"
	case EventRcvdKeepalive:
		return "KEEPALIVE message received"
	case EventRcvdUpdate:
		return "UPDATE message received"
	case EventRcvdNotification:
		return "NOTIFICATION received"
	}
	return "Unknown"
}
