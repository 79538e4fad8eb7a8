package telemetry

import (
	"github.com/pitabwire/frame/telemetry"
)

// Service tracers for different components.
//
//nolint:gochecknoglobals // OpenTelemetry tracers must be global for instrumentation
var (
	DeliveryTracer = telemetry.NewTracer("gateway.delivery")
	InboxTracer    = telemetry.NewTracer("gateway.inbox")
)
