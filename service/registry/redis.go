package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"

	"github.com/districhat/service-gateway/internal/resilience"
)

const serverScanCount = 100

// redisRegistry is the production PresenceRegistry. Device claims live in a
// hash per user so that one round trip answers "which instance owns which
// device". Every store call runs through a circuit breaker so a dead store
// fails fast instead of stalling the connection path.
type redisRegistry struct {
	client  redis.UniversalClient
	opts    Options
	breaker *resilience.CircuitBreaker
}

// NewRedisRegistry connects to the store named by opts.URI and verifies it
// is reachable before returning.
func NewRedisRegistry(ctx context.Context, opts Options) (PresenceRegistry, error) {
	opts = opts.withDefaults()

	redisOpts, err := redis.ParseURL(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("registry: parse uri: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}

	settings := resilience.DefaultSettings("presence-registry")
	settings.IsFailure = func(err error) bool {
		// Lookup misses are normal traffic and prove the store answered.
		return !errors.Is(err, ErrNotFound)
	}
	settings.OnStateChange = func(name string, from, to resilience.State) {
		util.Log(ctx).WithFields(map[string]any{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		}).Warn("registry circuit breaker state changed")
	}

	return &redisRegistry{
		client:  client,
		opts:    opts,
		breaker: resilience.NewCircuitBreaker(settings),
	}, nil
}

func (r *redisRegistry) RegisterServer(ctx context.Context, rec ServerRecord) error {
	return r.breaker.Execute(func() error {
		return r.client.Set(ctx, r.opts.serverKey(rec.ServerID), rec.encode(), r.opts.ServerTTL).Err()
	})
}

func (r *redisRegistry) RefreshServer(ctx context.Context, rec ServerRecord) error {
	// SET rather than EXPIRE so a record that already aged out is restored.
	return r.RegisterServer(ctx, rec)
}

func (r *redisRegistry) UnregisterServer(ctx context.Context, serverID string) error {
	return r.breaker.Execute(func() error {
		return r.client.Del(ctx, r.opts.serverKey(serverID)).Err()
	})
}

func (r *redisRegistry) ServerInfo(ctx context.Context, serverID string) (ServerRecord, error) {
	var rec ServerRecord

	err := r.breaker.Execute(func() error {
		value, getErr := r.client.Get(ctx, r.opts.serverKey(serverID)).Result()
		if errors.Is(getErr, redis.Nil) {
			return ErrNotFound
		}
		if getErr != nil {
			return getErr
		}

		parsed, parseErr := parseServerRecord(serverID, value)
		if parseErr != nil {
			return parseErr
		}
		rec = parsed
		return nil
	})

	return rec, err
}

func (r *redisRegistry) ListOnlineServers(ctx context.Context) ([]string, error) {
	var serverIDs []string

	err := r.breaker.Execute(func() error {
		prefix := r.opts.serverKey("")

		var cursor uint64
		for {
			keys, next, scanErr := r.client.Scan(ctx, cursor, r.opts.serverKeyPattern(), serverScanCount).Result()
			if scanErr != nil {
				return scanErr
			}
			for _, key := range keys {
				serverIDs = append(serverIDs, strings.TrimPrefix(key, prefix))
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})

	return serverIDs, err
}

func (r *redisRegistry) RegisterDevice(ctx context.Context, userID, deviceID, serverID string) error {
	return r.breaker.Execute(func() error {
		key := r.opts.userKey(userID)

		pipe := r.client.Pipeline()
		pipe.HSet(ctx, key, deviceID, serverID)
		pipe.Expire(ctx, key, r.opts.UserTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// unclaimScript deletes a device claim only while it still names the given
// owner, so a node cleaning up after itself never clobbers a successor's
// registration on another node.
var unclaimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
    return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

func (r *redisRegistry) UnregisterDevice(ctx context.Context, userID, deviceID, serverID string) error {
	return r.breaker.Execute(func() error {
		return unclaimScript.Run(ctx, r.client, []string{r.opts.userKey(userID)}, deviceID, serverID).Err()
	})
}

func (r *redisRegistry) FindOwner(ctx context.Context, userID, deviceID string) (string, error) {
	var owner string

	err := r.breaker.Execute(func() error {
		value, getErr := r.client.HGet(ctx, r.opts.userKey(userID), deviceID).Result()
		if errors.Is(getErr, redis.Nil) {
			return ErrNotFound
		}
		if getErr != nil {
			return getErr
		}
		owner = value
		return nil
	})

	return owner, err
}

func (r *redisRegistry) ListDevices(ctx context.Context, userID string) (map[string]string, error) {
	devices := map[string]string{}

	err := r.breaker.Execute(func() error {
		result, getErr := r.client.HGetAll(ctx, r.opts.userKey(userID)).Result()
		if getErr != nil {
			return getErr
		}
		devices = result
		return nil
	})

	return devices, err
}

func (r *redisRegistry) ListDevicesOnServer(ctx context.Context, userID, serverID string) ([]string, error) {
	devices, err := r.ListDevices(ctx, userID)
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

func (r *redisRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	var online bool

	err := r.breaker.Execute(func() error {
		count, lenErr := r.client.HLen(ctx, r.opts.userKey(userID)).Result()
		if lenErr != nil {
			return lenErr
		}
		online = count > 0
		return nil
	})

	return online, err
}

func (r *redisRegistry) IsOnlineBatch(ctx context.Context, userIDs []string) (map[string]bool, error) {
	online := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return online, nil
	}

	err := r.breaker.Execute(func() error {
		pipe := r.client.Pipeline()
		cmds := make([]*redis.IntCmd, len(userIDs))
		for i, userID := range userIDs {
			cmds[i] = pipe.HLen(ctx, r.opts.userKey(userID))
		}
		if _, execErr := pipe.Exec(ctx); execErr != nil {
			return execErr
		}

		for i, userID := range userIDs {
			online[userID] = cmds[i].Val() > 0
		}
		return nil
	})

	return online, err
}

func (r *redisRegistry) Ping(ctx context.Context) error {
	return r.breaker.Execute(func() error {
		return r.client.Ping(ctx).Err()
	})
}

func (r *redisRegistry) Close() error {
	return r.client.Close()
}
