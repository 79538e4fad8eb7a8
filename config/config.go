// Package config carries the gateway's environment driven configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/frame/config"
)

type GatewayConfig struct {
	config.ConfigurationDefault

	// Websocket listener for device connections. The control port from
	// ConfigurationDefault serves health and stats endpoints.
	GatewayPort int `envDefault:"7020" env:"GATEWAY_PORT"`

	// Presence registry backing store
	RegistryURI       string `envDefault:"redis://localhost:6379" env:"REGISTRY_URI"`
	RegistryKeyPrefix string `envDefault:"chat:ws"                env:"REGISTRY_KEY_PREFIX"`

	// Registry record lifetimes. Device claims renew on every registration
	// and on the periodic presence refresh; server records renew on the
	// refresh loop.
	RegistryUserTTLSec   int `envDefault:"3600" env:"REGISTRY_USER_TTL_SEC"`
	RegistryServerTTLSec int `envDefault:"7200" env:"REGISTRY_SERVER_TTL_SEC"`
	RegistryRefreshSec   int `envDefault:"300"  env:"REGISTRY_REFRESH_SEC"`
	PresenceRefreshSec   int `envDefault:"1200" env:"PRESENCE_REFRESH_SEC"`

	// Heartbeat state machine
	HeartbeatIdleSec     int `envDefault:"75" env:"HEARTBEAT_IDLE_SEC"`
	HeartbeatPongWaitSec int `envDefault:"15" env:"HEARTBEAT_PONG_WAIT_SEC"`
	HeartbeatMaxRetries  int `envDefault:"2"  env:"HEARTBEAT_MAX_RETRIES"`

	// Connection limits
	MaxConnections int `envDefault:"100000" env:"MAX_CONNECTIONS"`

	// Per-instance delivery channel. The URI pattern carries one %s verb
	// that is filled with the target server id.
	QueuePushURIPattern string `envDefault:"mem://chat.ws.push.%s" env:"QUEUE_PUSH_URI_PATTERN"`

	// Token validation
	TokenAudience string `envDefault:"service_gateway" env:"TOKEN_AUDIENCE"`
	TokenIssuer   string `envDefault:""                env:"TOKEN_ISSUER"`
}

func (c *GatewayConfig) UserTTL() time.Duration {
	return time.Duration(c.RegistryUserTTLSec) * time.Second
}

func (c *GatewayConfig) ServerTTL() time.Duration {
	return time.Duration(c.RegistryServerTTLSec) * time.Second
}

func (c *GatewayConfig) RegistryRefreshInterval() time.Duration {
	return time.Duration(c.RegistryRefreshSec) * time.Second
}

func (c *GatewayConfig) PresenceRefreshInterval() time.Duration {
	return time.Duration(c.PresenceRefreshSec) * time.Second
}

func (c *GatewayConfig) HeartbeatIdle() time.Duration {
	return time.Duration(c.HeartbeatIdleSec) * time.Second
}

func (c *GatewayConfig) HeartbeatPongWait() time.Duration {
	return time.Duration(c.HeartbeatPongWaitSec) * time.Second
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *GatewayConfig) Validate() error {
	var errs []error

	if c.GatewayPort <= 0 {
		errs = append(errs, errors.New("GatewayPort must be > 0"))
	}

	if err := validateRegistryURI(c.RegistryURI, "RegistryURI"); err != nil {
		errs = append(errs, err)
	}
	if c.RegistryKeyPrefix == "" {
		errs = append(errs, errors.New("RegistryKeyPrefix cannot be empty"))
	}

	if c.RegistryUserTTLSec <= 0 {
		errs = append(errs, errors.New("RegistryUserTTLSec must be > 0"))
	}
	if c.RegistryServerTTLSec <= 0 {
		errs = append(errs, errors.New("RegistryServerTTLSec must be > 0"))
	}
	if c.RegistryRefreshSec <= 0 {
		errs = append(errs, errors.New("RegistryRefreshSec must be > 0"))
	}
	if c.RegistryRefreshSec >= c.RegistryServerTTLSec {
		errs = append(errs, fmt.Errorf("RegistryRefreshSec (%d) must be < RegistryServerTTLSec (%d)",
			c.RegistryRefreshSec, c.RegistryServerTTLSec))
	}
	if c.PresenceRefreshSec <= 0 {
		errs = append(errs, errors.New("PresenceRefreshSec must be > 0"))
	}
	if c.PresenceRefreshSec >= c.RegistryUserTTLSec {
		errs = append(errs, fmt.Errorf("PresenceRefreshSec (%d) must be < RegistryUserTTLSec (%d)",
			c.PresenceRefreshSec, c.RegistryUserTTLSec))
	}

	if c.HeartbeatIdleSec <= 0 {
		errs = append(errs, errors.New("HeartbeatIdleSec must be > 0"))
	}
	if c.HeartbeatPongWaitSec <= 0 {
		errs = append(errs, errors.New("HeartbeatPongWaitSec must be > 0"))
	}
	if c.HeartbeatMaxRetries < 1 {
		errs = append(errs, errors.New("HeartbeatMaxRetries must be >= 1"))
	}

	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("MaxConnections must be > 0"))
	}

	if err := validateQueueURIPattern(c.QueuePushURIPattern); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// validateRegistryURI checks that a registry URI has a valid scheme.
func validateRegistryURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"redis://", "rediss://", "mem://", "memory://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}

// validateQueueURIPattern checks that the channel URI template has a valid
// scheme and exactly one %s verb for the server id.
func validateQueueURIPattern(pattern string) error {
	if pattern == "" {
		return errors.New("QueuePushURIPattern cannot be empty")
	}

	if strings.Count(pattern, "%s") != 1 {
		return fmt.Errorf("QueuePushURIPattern must contain exactly one %%s verb: %s", pattern)
	}

	validSchemes := []string{"mem://", "redis://", "amqp://", "nats://", "kafka://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(pattern, scheme) {
			return nil
		}
	}

	return fmt.Errorf("QueuePushURIPattern has invalid scheme (must be one of: %s): %s",
		strings.Join(validSchemes, ", "), pattern)
}
