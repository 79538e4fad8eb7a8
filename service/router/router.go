// Package router decides, per message, which gateway instances must act and
// hands envelopes to their per-instance delivery channels. Local targets are
// served straight from the connection table; remote targets go through the
// queue layer.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/districhat/service-gateway/internal"
	gwtel "github.com/districhat/service-gateway/internal/telemetry"
	"github.com/districhat/service-gateway/service/business"
	"github.com/districhat/service-gateway/service/models"
	"github.com/districhat/service-gateway/service/registry"
)

var (
	// ErrDeviceOffline means the target device holds no connection anywhere.
	ErrDeviceOffline = errors.New("router: device offline")
	// ErrUserOffline means the user has no online device anywhere.
	ErrUserOffline = errors.New("router: user offline")
)

// MessageRouter fans messages out across the fleet. It never interprets
// payloads; it only resolves ownership and moves bytes.
type MessageRouter struct {
	serverID   string
	reg        registry.PresenceRegistry
	table      *business.ConnectionTable
	qMan       queue.Manager
	uriPattern string

	pubMu sync.Mutex
}

// NewMessageRouter builds a router for this instance. uriPattern is the
// queue URI template for per-instance channels, with one %s verb for the
// target server id.
func NewMessageRouter(
	serverID string,
	reg registry.PresenceRegistry,
	table *business.ConnectionTable,
	qMan queue.Manager,
	uriPattern string,
) *MessageRouter {
	return &MessageRouter{
		serverID:   serverID,
		reg:        reg,
		table:      table,
		qMan:       qMan,
		uriPattern: uriPattern,
	}
}

// DeliverToDevice pushes a payload to one (user, device) pair wherever it is
// connected. Local connections are served directly; remote ones get a DEVICE
// envelope on the owner's channel.
func (r *MessageRouter) DeliverToDevice(ctx context.Context, userID, deviceID string, payload []byte) error {
	if r.table.SendLocal(ctx, userID, deviceID, payload) {
		return nil
	}

	owner, err := r.reg.FindOwner(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrDeviceOffline
		}
		return fmt.Errorf("router: resolve owner: %w", err)
	}

	if owner == r.serverID {
		// The registry still names us but the local send already failed, so
		// the claim is stale.
		return ErrDeviceOffline
	}

	return r.publishEnvelope(ctx, owner, &models.DeliveryEnvelope{
		Kind:           models.KindDevice,
		TargetServerID: owner,
		UserID:         userID,
		DeviceID:       deviceID,
		Payload:        payload,
	})
}

// DeliverToUser pushes a payload to every online device of one user. Devices
// on this instance are served locally; each distinct remote owner gets
// exactly one ALL_DEVICES envelope, however many devices it holds.
func (r *MessageRouter) DeliverToUser(ctx context.Context, userID string, payload []byte) error {
	devices, err := r.reg.ListDevices(ctx, userID)
	if err != nil {
		return fmt.Errorf("router: list devices: %w", err)
	}
	if len(devices) == 0 {
		return ErrUserOffline
	}

	delivered := false
	remotes := map[string]bool{}
	for deviceID, owner := range devices {
		if owner == r.serverID {
			if r.table.SendLocal(ctx, userID, deviceID, payload) {
				delivered = true
			}
			continue
		}
		remotes[owner] = true
	}

	var errs []error
	for owner := range remotes {
		err = r.publishEnvelope(ctx, owner, &models.DeliveryEnvelope{
			Kind:           models.KindAllDevices,
			TargetServerID: owner,
			UserID:         userID,
			Payload:        payload,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}

	if !delivered && len(errs) > 0 {
		return errors.Join(errs...)
	}
	if !delivered {
		return ErrUserOffline
	}
	return nil
}

// Broadcast pushes a payload to every connection in the fleet, one BROADCAST
// envelope per online instance. Our own copy also travels through the
// channel so every instance handles broadcasts identically.
func (r *MessageRouter) Broadcast(ctx context.Context, payload []byte) error {
	servers, err := r.reg.ListOnlineServers(ctx)
	if err != nil {
		return fmt.Errorf("router: list servers: %w", err)
	}

	var errs []error
	for _, serverID := range servers {
		publishErr := r.publishEnvelope(ctx, serverID, &models.DeliveryEnvelope{
			Kind:           models.KindBroadcast,
			TargetServerID: serverID,
			Payload:        payload,
		})
		if publishErr != nil {
			errs = append(errs, publishErr)
		}
	}

	return errors.Join(errs...)
}

// publishEnvelope encodes env and publishes it on the target instance's
// channel, registering the publisher on first use.
//
//nolint:nonamedreturns // named return required for deferred tracing
func (r *MessageRouter) publishEnvelope(ctx context.Context, serverID string, env *models.DeliveryEnvelope) (err error) {
	ctx, span := gwtel.DeliveryTracer.Start(ctx, "PublishEnvelope")
	defer func() { gwtel.DeliveryTracer.End(ctx, span, err) }()

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("router: encode envelope: %w", err)
	}

	pub, err := r.publisherFor(ctx, serverID)
	if err != nil {
		return fmt.Errorf("router: publisher for %s: %w", serverID, err)
	}

	headers := map[string]string{
		internal.HeaderKind:     string(env.Kind),
		internal.HeaderServerID: serverID,
	}
	if env.UserID != "" {
		headers[internal.HeaderUserID] = env.UserID
	}
	if env.DeviceID != "" {
		headers[internal.HeaderDeviceID] = env.DeviceID
	}

	if err = pub.Publish(ctx, data, headers); err != nil {
		return fmt.Errorf("router: publish to %s: %w", serverID, err)
	}
	gwtel.EnvelopesPublishedCounter.Add(ctx, 1)

	util.Log(ctx).WithFields(map[string]any{
		"kind":      string(env.Kind),
		"target":    serverID,
		"user_id":   env.UserID,
		"device_id": env.DeviceID,
	}).Debug("envelope published")

	return nil
}

// publisherFor resolves the cached publisher for a server's channel,
// registering it with the queue manager on first sight of that server.
func (r *MessageRouter) publisherFor(ctx context.Context, serverID string) (queue.Publisher, error) {
	name := internal.PushQueueName(serverID)

	pub, err := r.qMan.GetPublisher(name)
	if err == nil && pub != nil {
		return pub, nil
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	// Another goroutine may have registered it while we waited.
	pub, err = r.qMan.GetPublisher(name)
	if err == nil && pub != nil {
		return pub, nil
	}

	uri := fmt.Sprintf(r.uriPattern, serverID)
	if err = r.qMan.AddPublisher(ctx, name, uri); err != nil {
		return nil, err
	}
	return r.qMan.GetPublisher(name)
}
