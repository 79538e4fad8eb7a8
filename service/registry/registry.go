// Package registry tracks which gateway instance owns each device
// connection, and which instances are alive. Records carry TTLs so that a
// crashed instance's claims age out on their own.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/frame/data"
)

const (
	// DefaultKeyPrefix namespaces every registry key.
	DefaultKeyPrefix = "chat:ws"

	// DefaultUserTTL bounds how long a device claim survives without being
	// re-registered.
	DefaultUserTTL = time.Hour

	// DefaultServerTTL bounds how long a server record survives without a
	// refresh.
	DefaultServerTTL = 2 * time.Hour
)

// ErrNotFound is returned when a device or server has no registry record.
var ErrNotFound = errors.New("registry: not found")

// ServerRecord describes one live gateway instance.
type ServerRecord struct {
	ServerID    string
	Host        string
	ControlPort int
	GatewayPort int
	StartedAt   time.Time
}

// encode renders the record value as host:controlPort:gatewayPort:startMillis.
func (r ServerRecord) encode() string {
	return fmt.Sprintf("%s:%d:%d:%d", r.Host, r.ControlPort, r.GatewayPort, r.StartedAt.UnixMilli())
}

func parseServerRecord(serverID, value string) (ServerRecord, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 4 {
		return ServerRecord{}, fmt.Errorf("registry: malformed server record %q", value)
	}

	controlPort, err := strconv.Atoi(parts[1])
	if err != nil {
		return ServerRecord{}, fmt.Errorf("registry: bad control port in %q: %w", value, err)
	}
	gatewayPort, err := strconv.Atoi(parts[2])
	if err != nil {
		return ServerRecord{}, fmt.Errorf("registry: bad gateway port in %q: %w", value, err)
	}
	startMillis, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return ServerRecord{}, fmt.Errorf("registry: bad start time in %q: %w", value, err)
	}

	return ServerRecord{
		ServerID:    serverID,
		Host:        parts[0],
		ControlPort: controlPort,
		GatewayPort: gatewayPort,
		StartedAt:   time.UnixMilli(startMillis),
	}, nil
}

// PresenceRegistry is the distributed view of connected devices and live
// gateway instances. Implementations must be safe for concurrent use.
// Callers on the connection path treat every error as a degraded read and
// carry on; nothing here may panic.
type PresenceRegistry interface {
	// RegisterServer writes this instance's record with the server TTL.
	RegisterServer(ctx context.Context, rec ServerRecord) error
	// RefreshServer re-arms the record's TTL, rewriting it if it expired.
	RefreshServer(ctx context.Context, rec ServerRecord) error
	// UnregisterServer deletes the record on graceful shutdown.
	UnregisterServer(ctx context.Context, serverID string) error
	// ServerInfo fetches one instance's record or ErrNotFound.
	ServerInfo(ctx context.Context, serverID string) (ServerRecord, error)
	// ListOnlineServers enumerates the ids of all live instances.
	ListOnlineServers(ctx context.Context) ([]string, error)

	// RegisterDevice claims (userID, deviceID) for serverID, superseding any
	// previous claim, and renews the user record's TTL.
	RegisterDevice(ctx context.Context, userID, deviceID, serverID string) error
	// UnregisterDevice drops the claim, but only while it still names
	// serverID as the owner. A claim already superseded by another instance
	// is left untouched. Missing claims are not an error.
	UnregisterDevice(ctx context.Context, userID, deviceID, serverID string) error
	// FindOwner resolves the instance owning (userID, deviceID), or
	// ErrNotFound when the device is offline.
	FindOwner(ctx context.Context, userID, deviceID string) (string, error)
	// ListDevices returns deviceID to serverID for every online device of
	// the user. An offline user yields an empty map, not an error.
	ListDevices(ctx context.Context, userID string) (map[string]string, error)
	// ListDevicesOnServer returns the user's devices owned by one instance.
	ListDevicesOnServer(ctx context.Context, userID, serverID string) ([]string, error)
	// IsOnline reports whether the user has at least one online device.
	IsOnline(ctx context.Context, userID string) (bool, error)
	// IsOnlineBatch answers IsOnline for many users in one round trip.
	IsOnlineBatch(ctx context.Context, userIDs []string) (map[string]bool, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	// Close releases the backing store client.
	Close() error
}

// Options configures a registry instance.
type Options struct {
	// URI selects the backing store, redis:// or mem://.
	URI string
	// KeyPrefix namespaces all keys, DefaultKeyPrefix when empty.
	KeyPrefix string
	// UserTTL overrides DefaultUserTTL when positive.
	UserTTL time.Duration
	// ServerTTL overrides DefaultServerTTL when positive.
	ServerTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.KeyPrefix == "" {
		o.KeyPrefix = DefaultKeyPrefix
	}
	if o.UserTTL <= 0 {
		o.UserTTL = DefaultUserTTL
	}
	if o.ServerTTL <= 0 {
		o.ServerTTL = DefaultServerTTL
	}
	return o
}

func (o Options) userKey(userID string) string {
	return o.KeyPrefix + ":user_connections:" + userID
}

func (o Options) serverKey(serverID string) string {
	return o.KeyPrefix + ":servers:" + serverID
}

func (o Options) serverKeyPattern() string {
	return o.KeyPrefix + ":servers:*"
}

// New selects a registry implementation from the URI scheme. Redis URIs get
// the distributed store; anything else falls back to the in-memory store
// used by tests and single node setups.
func New(ctx context.Context, opts Options) (PresenceRegistry, error) {
	dsn := data.DSN(opts.URI)

	if dsn.IsRedis() {
		return NewRedisRegistry(ctx, opts)
	}
	return NewMemoryRegistry(opts), nil
}
