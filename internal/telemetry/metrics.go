// Package telemetry provides OpenTelemetry metrics and tracing for the gateway.
package telemetry

import "github.com/pitabwire/frame/telemetry"

// Connection metrics track the lifecycle of device connections.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	ConnectionsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"gateway.connections.active",
		"Current number of active connections",
	)

	ConnectionsTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.connections.total",
		"Total connections accepted",
	)

	ConnectionsEvictedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.connections.evicted",
		"Connections replaced by a newer connection for the same device",
	)

	HeartbeatTimeoutsCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.heartbeat.timeouts",
		"Connections closed after an unanswered heartbeat",
	)
)

// Delivery metrics track envelope flow between instances.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	EnvelopesPublishedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.envelopes.published",
		"Envelopes published to per-instance delivery channels",
	)

	EnvelopesReceivedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.envelopes.received",
		"Envelopes consumed from this instance's delivery channel",
	)

	EnvelopesDroppedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.envelopes.dropped",
		"Malformed or misrouted envelopes dropped by the inbox",
	)
)
