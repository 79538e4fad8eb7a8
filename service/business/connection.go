package business

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"

	"github.com/districhat/service-gateway/internal"
)

// Connection binds one live transport to its (userID, deviceID) identity.
// Identity is immutable after the handshake; only activity tracking and the
// closed flag mutate afterwards.
type Connection struct {
	id       string
	userID   string
	deviceID string

	sender      Sender
	connectedAt time.Time
	lastActive  atomic.Int64 // unix seconds

	heartbeat *HeartbeatSupervisor

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewConnection wraps an authenticated transport. The table assigns the
// heartbeat supervisor when the connection is admitted.
func NewConnection(userID, deviceID string, sender Sender) *Connection {
	conn := &Connection{
		id:          util.IDString(),
		userID:      userID,
		deviceID:    deviceID,
		sender:      sender,
		connectedAt: time.Now(),
	}
	conn.lastActive.Store(conn.connectedAt.Unix())
	return conn
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) UserID() string   { return c.userID }
func (c *Connection) DeviceID() string { return c.deviceID }

// Key is the routing key shared with the presence registry.
func (c *Connection) Key() string {
	return internal.ConnKey(c.userID, c.deviceID)
}

func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// LastActive is the unix second of the most recent inbound traffic.
func (c *Connection) LastActive() int64 {
	return c.lastActive.Load()
}

// Touch records inbound traffic and feeds the heartbeat supervisor.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().Unix())
	if c.heartbeat != nil {
		c.heartbeat.OnInboundTraffic()
	}
}

// Pong records a liveness response from the peer.
func (c *Connection) Pong() {
	c.lastActive.Store(time.Now().Unix())
	if c.heartbeat != nil {
		c.heartbeat.OnPongReceived()
	}
}

// Send writes an application payload to the peer.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.sender.Send(ctx, payload)
}

// SendPing writes a liveness probe to the peer.
func (c *Connection) SendPing(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.sender.SendPing(ctx)
}

// Closed reports whether Close has run.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// Close cancels the heartbeat and tears down the transport exactly once.
func (c *Connection) Close(ctx context.Context, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.heartbeat != nil {
			c.heartbeat.Cancel()
		}
		if err := c.sender.Close(ctx, reason); err != nil {
			util.Log(ctx).WithError(err).WithFields(map[string]any{
				"connection_id": c.id,
				"user_id":       c.userID,
				"device_id":     c.deviceID,
			}).Debug("transport close failed")
		}
	})
}

func (c *Connection) attachHeartbeat(hb *HeartbeatSupervisor) {
	c.heartbeat = hb
}
