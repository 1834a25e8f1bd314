// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument provides the relay's Prometheus metrics.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes.
const (
	DeliveredLocal  = "local"
	DeliveredRemote = "forwarded"
	DeliveredStored = "stored"
	DeliveryDropped = "dropped"
)

// Drop reasons.
const (
	DropNoPolicy        = "no_policy"
	DropPayloadTooLarge = "payload_too_large"
	DropUserQuota       = "user_quota"
	DropGlobalQuota     = "global_quota"
	DropEphemeral       = "ephemeral"
	DropDecode          = "decode"
)

var (
	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sessions",
			Help: "Number of authenticated sessions",
		},
	)
	authentications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_authentications_total",
			Help: "Number of handshakes by result",
		},
		[]string{"status"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Number of envelopes received by source",
		},
		[]string{"source"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Number of per recipient deliveries by outcome",
		},
		[]string{"result"},
	)
	drops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dropped_messages_total",
			Help: "Number of dropped messages by reason",
		},
		[]string{"reason"},
	)
	forwardFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_forward_failures_total",
			Help: "Number of failed forwards to peer relay instances",
		},
	)
	storedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_stored_bytes",
			Help: "Bytes held in the message store",
		},
	)
	storedMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_stored_messages",
			Help: "Messages held in the message store",
		},
	)
)

func init() {
	prometheus.MustRegister(sessions)
	prometheus.MustRegister(authentications)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(deliveries)
	prometheus.MustRegister(drops)
	prometheus.MustRegister(forwardFailures)
	prometheus.MustRegister(storedBytes)
	prometheus.MustRegister(storedMessages)
}

// Handler returns the HTTP handler exposing the metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionOpened increments the session gauge.
func SessionOpened() {
	sessions.Inc()
}

// SessionClosed decrements the session gauge.
func SessionClosed() {
	sessions.Dec()
}

// Authentication counts a handshake result.
func Authentication(status string) {
	authentications.With(prometheus.Labels{"status": status}).Inc()
}

// MessageReceived counts an inbound envelope from a client or a peer.
func MessageReceived(source string) {
	messagesReceived.With(prometheus.Labels{"source": source}).Inc()
}

// Delivery counts a per recipient delivery outcome.
func Delivery(result string) {
	deliveries.With(prometheus.Labels{"result": result}).Inc()
}

// MessageDropped counts a dropped message.
func MessageDropped(reason string) {
	drops.With(prometheus.Labels{"reason": reason}).Inc()
}

// ForwardFailed counts a failed forward.
func ForwardFailed() {
	forwardFailures.Inc()
}

// StoreUsage records the size of the message store.
func StoreUsage(messages, bytes int64) {
	storedMessages.Set(float64(messages))
	storedBytes.Set(float64(bytes))
}
