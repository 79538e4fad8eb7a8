package registry

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// memoryRegistry is the mem:// PresenceRegistry used by tests and single
// node setups. It mirrors the distributed store's TTL behavior, with expiry
// evaluated lazily on read against an injectable clock.
type memoryRegistry struct {
	opts Options
	clk  clock.Clock

	mu      sync.RWMutex
	users   map[string]*userEntry
	servers map[string]serverEntry
}

type userEntry struct {
	devices   map[string]string
	expiresAt time.Time
}

type serverEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryRegistry builds an in-memory registry on the wall clock.
func NewMemoryRegistry(opts Options) PresenceRegistry {
	return NewMemoryRegistryWithClock(opts, clock.New())
}

// NewMemoryRegistryWithClock builds an in-memory registry on the given
// clock, so tests can drive TTL expiry deterministically.
func NewMemoryRegistryWithClock(opts Options, clk clock.Clock) PresenceRegistry {
	return &memoryRegistry{
		opts:    opts.withDefaults(),
		clk:     clk,
		users:   map[string]*userEntry{},
		servers: map[string]serverEntry{},
	}
}

// liveUser returns the unexpired entry for userID, or nil.
// Must be called with m.mu held.
func (m *memoryRegistry) liveUser(userID string) *userEntry {
	entry, ok := m.users[userID]
	if !ok || m.clk.Now().After(entry.expiresAt) {
		return nil
	}
	return entry
}

func (m *memoryRegistry) RegisterServer(_ context.Context, rec ServerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.servers[rec.ServerID] = serverEntry{
		value:     rec.encode(),
		expiresAt: m.clk.Now().Add(m.opts.ServerTTL),
	}
	return nil
}

func (m *memoryRegistry) RefreshServer(ctx context.Context, rec ServerRecord) error {
	return m.RegisterServer(ctx, rec)
}

func (m *memoryRegistry) UnregisterServer(_ context.Context, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.servers, serverID)
	return nil
}

func (m *memoryRegistry) ServerInfo(_ context.Context, serverID string) (ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.servers[serverID]
	if !ok || m.clk.Now().After(entry.expiresAt) {
		return ServerRecord{}, ErrNotFound
	}
	return parseServerRecord(serverID, entry.value)
}

func (m *memoryRegistry) ListOnlineServers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clk.Now()
	var serverIDs []string
	for serverID, entry := range m.servers {
		if now.After(entry.expiresAt) {
			continue
		}
		serverIDs = append(serverIDs, serverID)
	}
	return serverIDs, nil
}

func (m *memoryRegistry) RegisterDevice(_ context.Context, userID, deviceID, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.liveUser(userID)
	if entry == nil {
		entry = &userEntry{devices: map[string]string{}}
		m.users[userID] = entry
	}
	entry.devices[deviceID] = serverID
	entry.expiresAt = m.clk.Now().Add(m.opts.UserTTL)
	return nil
}

func (m *memoryRegistry) UnregisterDevice(_ context.Context, userID, deviceID, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.liveUser(userID)
	if entry == nil || entry.devices[deviceID] != serverID {
		return nil
	}

	delete(entry.devices, deviceID)
	if len(entry.devices) == 0 {
		delete(m.users, userID)
	}
	return nil
}

func (m *memoryRegistry) FindOwner(_ context.Context, userID, deviceID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry := m.liveUser(userID)
	if entry == nil {
		return "", ErrNotFound
	}
	owner, ok := entry.devices[deviceID]
	if !ok {
		return "", ErrNotFound
	}
	return owner, nil
}

func (m *memoryRegistry) ListDevices(_ context.Context, userID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := map[string]string{}
	if entry := m.liveUser(userID); entry != nil {
		for deviceID, serverID := range entry.devices {
			devices[deviceID] = serverID
		}
	}
	return devices, nil
}

func (m *memoryRegistry) ListDevicesOnServer(ctx context.Context, userID, serverID string) ([]string, error) {
	devices, err := m.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}

	var owned []string
	for deviceID, owner := range devices {
		if owner == serverID {
			owned = append(owned, deviceID)
		}
	}
	return owned, nil
}

func (m *memoryRegistry) IsOnline(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry := m.liveUser(userID)
	return entry != nil && len(entry.devices) > 0, nil
}

func (m *memoryRegistry) IsOnlineBatch(ctx context.Context, userIDs []string) (map[string]bool, error) {
	online := make(map[string]bool, len(userIDs))
	for _, userID := range userIDs {
		isOnline, err := m.IsOnline(ctx, userID)
		if err != nil {
			return nil, err
		}
		online[userID] = isOnline
	}
	return online, nil
}

func (m *memoryRegistry) Ping(_ context.Context) error {
	return nil
}

func (m *memoryRegistry) Close() error {
	return nil
}

var (
	_ PresenceRegistry = (*memoryRegistry)(nil)
	_ PresenceRegistry = (*redisRegistry)(nil)
)
