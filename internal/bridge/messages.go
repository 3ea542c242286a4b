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

package bridge

import (
	"github.com/tverberg/bgpsessd/internal/capa"
	"github.com/tverberg/bgpsessd/internal/config"
)

// SessionUp announces an established session to the RDE, carrying the
// negotiated capabilities and the addresses learned from the socket.
type SessionUp struct {
	LocalAddr    string   `json:"local_addr"`
	LocalAltAddr string   `json:"local_alt_addr,omitempty"`
	RemoteAddr   string   `json:"remote_addr"`
	IfScope      uint32   `json:"if_scope,omitempty"`
	RemoteBGPID  uint32   `json:"remote_bgpid"`
	ShortAS      uint16   `json:"short_as"`
	Capa         capa.Set `json:"capa"`
}

// SessionAdd carries a peer's configuration to the RDE.
type SessionAdd struct {
	Conf *config.Peer `json:"conf"`
}

// DependOn reports interface state relevant to peers with a depend_on
// predicate.
type DependOn struct {
	Interface string `json:"interface"`
	Up        bool   `json:"up"`
}

// Demote asks the parent to adjust the carp demotion counter of a group.
type Demote struct {
	Group string `json:"group"`
	Level int    `json:"level"`
}

// Refresh carries a route-refresh request between engine and RDE.
type Refresh struct {
	AID     capa.AID `json:"aid"`
	Subtype uint8    `json:"subtype"`
}

// MrtRequest opens, reopens or closes an MRT dump sink.
type MrtRequest struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"` // all-in, all-out, update-in, update-out
	PeerID  uint32 `json:"peer_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}
