package business

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pitabwire/util"

	"github.com/districhat/service-gateway/internal"
	gwtel "github.com/districhat/service-gateway/internal/telemetry"
	"github.com/districhat/service-gateway/service/registry"
)

const (
	defaultMaxConnections   = 100000
	pairLockCount           = 64
	metricsReportInterval   = 10 * time.Second
	defaultPresenceInterval = 20 * time.Minute
	shutdownWaitTimeout     = 30 * time.Second
)

// Stats is a point-in-time snapshot of the table's counters.
type Stats struct {
	ServerID          string `json:"server_id"`
	ActiveConnections int32  `json:"active_connections"`
	TotalAccepted     uint64 `json:"total_accepted"`
	Evicted           uint64 `json:"evicted"`
	Disconnected      uint64 `json:"disconnected"`
	HeartbeatTimeouts uint64 `json:"heartbeat_timeouts"`
}

// TableOption tunes a ConnectionTable.
type TableOption func(*ConnectionTable)

// WithClock substitutes the wall clock, used by tests to drive heartbeats.
func WithClock(clk clock.Clock) TableOption {
	return func(t *ConnectionTable) { t.clk = clk }
}

// WithHeartbeatConfig overrides the heartbeat defaults for new connections.
func WithHeartbeatConfig(cfg HeartbeatConfig) TableOption {
	return func(t *ConnectionTable) { t.hbCfg = cfg }
}

// WithMaxConnections caps the number of simultaneous connections.
func WithMaxConnections(maxConns int32) TableOption {
	return func(t *ConnectionTable) { t.maxConns = maxConns }
}

// WithPresenceRefreshInterval sets how often device claims are re-registered
// so their registry TTL keeps sliding while the connection lives.
func WithPresenceRefreshInterval(interval time.Duration) TableOption {
	return func(t *ConnectionTable) { t.presenceInterval = interval }
}

// ConnectionTable owns every live connection on this instance. It admits,
// evicts and removes connections, keeps the presence registry in step, and
// runs the per-connection heartbeat supervisors.
//
// Registry writes are best-effort and asynchronous: a degraded store slows
// down remote routing accuracy, never a local connect or disconnect.
type ConnectionTable struct {
	serverID string
	reg      registry.PresenceRegistry
	runner   AsyncRunner
	clk      clock.Clock
	hbCfg    HeartbeatConfig

	maxConns         int32
	presenceInterval time.Duration

	pool      *connectionPool
	idIndex   sync.Map // connectionID -> pair key
	pairLocks [pairLockCount]sync.Mutex

	baseCtx      context.Context
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	totalAccepted     uint64
	evicted           uint64
	disconnected      uint64
	heartbeatTimeouts uint64
	activeCount       int32
}

// NewConnectionTable builds a table bound to this instance's serverID and
// starts its background maintenance tasks.
func NewConnectionTable(
	ctx context.Context,
	serverID string,
	reg registry.PresenceRegistry,
	runner AsyncRunner,
	opts ...TableOption,
) *ConnectionTable {
	t := &ConnectionTable{
		serverID:         serverID,
		reg:              reg,
		runner:           runner,
		clk:              clock.New(),
		maxConns:         defaultMaxConnections,
		presenceInterval: defaultPresenceInterval,
		baseCtx:          ctx,
		shutdownCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.pool = newConnectionPool(t.maxConns)

	t.wg.Add(1)
	go t.refreshPresence(ctx)

	t.wg.Add(1)
	go t.reportMetrics(ctx)

	return t
}

// ServerID returns the owning instance identity written into the registry.
func (t *ConnectionTable) ServerID() string {
	return t.serverID
}

func (t *ConnectionTable) pairLock(key string) *sync.Mutex {
	return &t.pairLocks[internal.ShardForKey(key, pairLockCount)]
}

// Add admits an authenticated connection. A live predecessor for the same
// (user, device) pair is evicted first; the newest connection always wins.
// The device claim is registered asynchronously, so Add never blocks on the
// registry.
func (t *ConnectionTable) Add(ctx context.Context, conn *Connection) error {
	if conn.UserID() == "" || conn.DeviceID() == "" {
		return ErrInvalidInput
	}

	select {
	case <-t.shutdownCh:
		return ErrShuttingDown
	default:
	}

	key := conn.Key()
	lock := t.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	previous, err := t.pool.swap(conn)
	if err != nil {
		return err
	}

	if previous != nil {
		t.idIndex.Delete(previous.ID())
		previous.Close(ctx, "superseded by newer connection")
		atomic.AddUint64(&t.evicted, 1)
		gwtel.ConnectionsEvictedCounter.Add(ctx, 1)
		// The predecessor's slot ends here. Its transport teardown will call
		// Remove later, miss the idIndex and touch no accounting.
		t.noteClosed(ctx)

		util.Log(ctx).WithFields(map[string]any{
			"user_id":   conn.UserID(),
			"device_id": conn.DeviceID(),
			"old_conn":  previous.ID(),
			"new_conn":  conn.ID(),
		}).Info("evicted superseded connection")
	}

	t.idIndex.Store(conn.ID(), key)
	atomic.AddUint64(&t.totalAccepted, 1)
	gwtel.ConnectionsTotalCounter.Add(ctx, 1)
	t.noteOpened(ctx)

	hb := NewHeartbeatSupervisor(
		t.clk,
		t.hbCfg,
		func() { t.pingConnection(conn) },
		func() { t.expireConnection(conn) },
	)
	conn.attachHeartbeat(hb)
	hb.Start()

	t.runner.Submit(ctx, "presence.register", func(taskCtx context.Context) error {
		return t.reg.RegisterDevice(taskCtx, conn.UserID(), conn.DeviceID(), t.serverID)
	})

	util.Log(ctx).WithFields(map[string]any{
		"user_id":       conn.UserID(),
		"device_id":     conn.DeviceID(),
		"connection_id": conn.ID(),
		"server_id":     t.serverID,
		"pool_size":     t.pool.size(),
	}).Debug("connection admitted")

	return nil
}

// Remove tears down the identified connection. Idempotent; a connection
// already evicted or removed reports false. The device claim is dropped only
// when this connection still owned the pair entry, so removal of a stale
// predecessor never clobbers its successor's registration.
func (t *ConnectionTable) Remove(ctx context.Context, connectionID string) bool {
	keyVal, ok := t.idIndex.LoadAndDelete(connectionID)
	if !ok {
		return false
	}
	key, _ := keyVal.(string)

	lock := t.pairLock(key)
	lock.Lock()

	conn, exists := t.pool.get(key)
	owned := t.pool.removeIf(key, connectionID)

	lock.Unlock()

	if !exists || conn.ID() != connectionID {
		// Already superseded; nothing of ours left in the pool.
		return false
	}

	conn.Close(ctx, "removed")
	atomic.AddUint64(&t.disconnected, 1)
	t.noteClosed(ctx)

	if owned {
		userID, deviceID := conn.UserID(), conn.DeviceID()
		t.runner.Submit(ctx, "presence.unregister", func(taskCtx context.Context) error {
			return t.reg.UnregisterDevice(taskCtx, userID, deviceID, t.serverID)
		})
	}

	util.Log(ctx).WithFields(map[string]any{
		"user_id":       conn.UserID(),
		"device_id":     conn.DeviceID(),
		"connection_id": connectionID,
	}).Debug("connection removed")

	return true
}

// Get returns the live connection for a (user, device) pair.
func (t *ConnectionTable) Get(userID, deviceID string) (*Connection, bool) {
	return t.pool.get(internal.ConnKey(userID, deviceID))
}

// SendLocal delivers a payload to a locally connected device. A failed send
// tears the connection down; false means the device has no usable local
// connection.
func (t *ConnectionTable) SendLocal(ctx context.Context, userID, deviceID string, payload []byte) bool {
	conn, ok := t.Get(userID, deviceID)
	if !ok {
		return false
	}

	if err := conn.Send(ctx, payload); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"user_id":   userID,
			"device_id": deviceID,
		}).Warn("local send failed, dropping connection")
		t.Remove(ctx, conn.ID())
		return false
	}
	return true
}

// BroadcastLocal delivers a payload to every local connection and returns
// how many sends succeeded. Failed connections are torn down.
func (t *ConnectionTable) BroadcastLocal(ctx context.Context, payload []byte) int {
	delivered := 0
	t.pool.forEach(func(conn *Connection) {
		if err := conn.Send(ctx, payload); err != nil {
			t.Remove(ctx, conn.ID())
			return
		}
		delivered++
	})
	return delivered
}

// ForEachUserDevice calls fn with the device id of every local connection
// belonging to the user.
func (t *ConnectionTable) ForEachUserDevice(userID string, fn func(deviceID string)) {
	t.pool.forEach(func(conn *Connection) {
		if conn.UserID() == userID {
			fn(conn.DeviceID())
		}
	})
}

// noteOpened and noteClosed move the active-connections instrument together
// with a local mirror counter. Every admitted connection is balanced by
// exactly one noteClosed, whether it ends by removal or by eviction.
func (t *ConnectionTable) noteOpened(ctx context.Context) {
	atomic.AddInt32(&t.activeCount, 1)
	gwtel.ConnectionsActiveGauge.Add(ctx, 1)
}

func (t *ConnectionTable) noteClosed(ctx context.Context) {
	atomic.AddInt32(&t.activeCount, -1)
	gwtel.ConnectionsActiveGauge.Add(ctx, -1)
}

// Len is the number of live connections.
func (t *ConnectionTable) Len() int {
	return int(t.pool.size())
}

// Stats snapshots the table counters.
func (t *ConnectionTable) Stats() Stats {
	return Stats{
		ServerID:          t.serverID,
		ActiveConnections: t.pool.size(),
		TotalAccepted:     atomic.LoadUint64(&t.totalAccepted),
		Evicted:           atomic.LoadUint64(&t.evicted),
		Disconnected:      atomic.LoadUint64(&t.disconnected),
		HeartbeatTimeouts: atomic.LoadUint64(&t.heartbeatTimeouts),
	}
}

// pingConnection sends a liveness probe; a failed write means the transport
// is already gone, so the connection is torn down immediately.
func (t *ConnectionTable) pingConnection(conn *Connection) {
	if err := conn.SendPing(t.baseCtx); err != nil {
		util.Log(t.baseCtx).WithError(err).WithFields(map[string]any{
			"user_id":   conn.UserID(),
			"device_id": conn.DeviceID(),
		}).Debug("heartbeat ping failed")
		t.Remove(t.baseCtx, conn.ID())
	}
}

// expireConnection is the heartbeat terminal path.
func (t *ConnectionTable) expireConnection(conn *Connection) {
	atomic.AddUint64(&t.heartbeatTimeouts, 1)
	gwtel.HeartbeatTimeoutsCounter.Add(t.baseCtx, 1)

	util.Log(t.baseCtx).WithFields(map[string]any{
		"user_id":       conn.UserID(),
		"device_id":     conn.DeviceID(),
		"connection_id": conn.ID(),
	}).Warn("closing connection after heartbeat timeout")

	t.Remove(t.baseCtx, conn.ID())
}

// refreshPresence periodically re-registers every live device claim so its
// registry TTL keeps sliding. Without this, claims of long-lived quiet
// connections would age out and the device would look offline to peers.
func (t *ConnectionTable) refreshPresence(ctx context.Context) {
	defer t.wg.Done()

	ticker := t.clk.Ticker(t.presenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.shutdownCh:
			return
		case <-ticker.C:
			t.pool.forEach(func(conn *Connection) {
				userID, deviceID := conn.UserID(), conn.DeviceID()
				t.runner.Submit(ctx, "presence.refresh", func(taskCtx context.Context) error {
					return t.reg.RegisterDevice(taskCtx, userID, deviceID, t.serverID)
				})
			})
		}
	}
}

// reportMetrics logs counters periodically for log based aggregation.
func (t *ConnectionTable) reportMetrics(ctx context.Context) {
	defer t.wg.Done()

	ticker := t.clk.Ticker(metricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.shutdownCh:
			return
		case <-ticker.C:
			stats := t.Stats()
			util.Log(ctx).WithFields(map[string]any{
				"metric_type":        "connection_stats",
				"server_id":          stats.ServerID,
				"active_connections": stats.ActiveConnections,
				"total_accepted":     stats.TotalAccepted,
				"evicted":            stats.Evicted,
				"disconnected":       stats.Disconnected,
				"heartbeat_timeouts": stats.HeartbeatTimeouts,
			}).Debug("connection table metrics")
		}
	}
}

// Shutdown closes every connection, drops their device claims and stops the
// background tasks. Safe to call more than once.
func (t *ConnectionTable) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		util.Log(ctx).WithField("server_id", t.serverID).Info("shutting down connection table")
		close(t.shutdownCh)

		t.pool.forEach(func(conn *Connection) {
			t.Remove(ctx, conn.ID())
		})

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			util.Log(ctx).Info("connection table shutdown complete")
		case <-time.After(shutdownWaitTimeout):
			util.Log(ctx).Warn("connection table shutdown timed out")
		}
	})

	return nil
}
