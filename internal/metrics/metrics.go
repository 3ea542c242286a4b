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

package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpsessd_session_state",
			Help: "Peer FSM state (1=Idle .. 6=Established).",
		},
		[]string{"peer", "group"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsessd_messages_total",
			Help: "BGP messages by type and direction.",
		},
		[]string{"peer", "type", "direction"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsessd_notifications_total",
			Help: "NOTIFICATIONs by error code and direction.",
		},
		[]string{"code", "direction"},
	)

	SessionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsessd_session_errors_total",
			Help: "FSM drops to Idle by triggering event.",
		},
		[]string{"peer", "event"},
	)

	QueuedOutputBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpsessd_queued_output_bytes",
			Help: "Bytes queued towards a peer.",
		},
		[]string{"peer"},
	)

	ThrottleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsessd_throttle_events_total",
			Help: "XON/XOFF messages sent to the RDE.",
		},
		[]string{"peer", "kind"},
	)

	PumpBudgetHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsessd_pump_budget_hits_total",
			Help: "Times the per-tick message budget was exhausted.",
		},
		[]string{"peer"},
	)

	AcceptPausesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bgpsessd_accept_pauses_total",
			Help: "Accept loop pauses due to fd exhaustion.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		SessionState,
		MessagesTotal,
		NotificationsTotal,
		SessionErrorsTotal,
		QueuedOutputBytes,
		ThrottleEventsTotal,
		PumpBudgetHitsTotal,
		AcceptPausesTotal,
	)
}
