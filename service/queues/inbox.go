// Package queues holds the subscriber side of the per-instance delivery
// channel.
package queues

import (
	"context"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	gwtel "github.com/districhat/service-gateway/internal/telemetry"
	"github.com/districhat/service-gateway/service/business"
	"github.com/districhat/service-gateway/service/models"
)

// RouterInbox consumes this instance's delivery channel and dispatches each
// envelope onto local connections. Handle never returns an error for bad
// input; a poisoned envelope must not wedge the channel, so it is logged and
// dropped while consumption continues.
type RouterInbox struct {
	serverID string
	table    *business.ConnectionTable
}

// NewRouterInbox builds the subscribe worker for serverID's channel.
func NewRouterInbox(serverID string, table *business.ConnectionTable) queue.SubscribeWorker {
	return &RouterInbox{
		serverID: serverID,
		table:    table,
	}
}

// Handle processes one envelope off the channel.
func (ri *RouterInbox) Handle(ctx context.Context, _ map[string]string, payload []byte) error {
	ctx, span := gwtel.InboxTracer.Start(ctx, "HandleEnvelope")
	defer func() { gwtel.InboxTracer.End(ctx, span, nil) }()

	env, err := models.DecodeEnvelope(payload)
	if err != nil {
		gwtel.EnvelopesDroppedCounter.Add(ctx, 1)
		util.Log(ctx).WithError(err).Warn("dropping malformed envelope")
		return nil
	}

	if env.TargetServerID != ri.serverID {
		// Defends against channel misconfiguration where two instances end
		// up sharing a channel name.
		gwtel.EnvelopesDroppedCounter.Add(ctx, 1)
		util.Log(ctx).WithFields(map[string]any{
			"target":    env.TargetServerID,
			"server_id": ri.serverID,
		}).Warn("dropping misrouted envelope")
		return nil
	}
	gwtel.EnvelopesReceivedCounter.Add(ctx, 1)

	switch env.Kind {
	case models.KindDevice:
		delivered := ri.table.SendLocal(ctx, env.UserID, env.DeviceID, env.Payload)
		if !delivered {
			util.Log(ctx).WithFields(map[string]any{
				"user_id":   env.UserID,
				"device_id": env.DeviceID,
			}).Debug("device not connected here: envelope dropped")
		}

	case models.KindAllDevices:
		delivered := 0
		for deviceID := range ri.localDevices(env.UserID) {
			if ri.table.SendLocal(ctx, env.UserID, deviceID, env.Payload) {
				delivered++
			}
		}
		if delivered == 0 {
			util.Log(ctx).WithField("user_id", env.UserID).
				Debug("no local devices for user: envelope dropped")
		}

	case models.KindBroadcast:
		ri.table.BroadcastLocal(ctx, env.Payload)
	}

	return nil
}

// localDevices enumerates the user's devices connected to this instance.
// The table, not the registry, is the source of truth here; a stale registry
// claim must not produce a send to a connection we no longer hold.
func (ri *RouterInbox) localDevices(userID string) map[string]bool {
	devices := map[string]bool{}
	ri.table.ForEachUserDevice(userID, func(deviceID string) {
		devices[deviceID] = true
	})
	return devices
}
