package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/frame"
	frameconfig "github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/security"
	"github.com/pitabwire/util"

	gwconfig "github.com/districhat/service-gateway/config"
	"github.com/districhat/service-gateway/internal"
	"github.com/districhat/service-gateway/service/business"
	"github.com/districhat/service-gateway/service/handlers"
	"github.com/districhat/service-gateway/service/queues"
	"github.com/districhat/service-gateway/service/registry"
	"github.com/districhat/service-gateway/service/router"
)

const gracefulShutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	cfg, err := frameconfig.LoadWithOIDC[gwconfig.GatewayConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_gateway"
	}

	ctx, svc := frame.NewServiceWithContext(ctx, frame.WithConfig(&cfg))
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	reg, err := registry.New(ctx, registry.Options{
		URI:       cfg.RegistryURI,
		KeyPrefix: cfg.RegistryKeyPrefix,
		UserTTL:   cfg.UserTTL(),
		ServerTTL: cfg.ServerTTL(),
	})
	if err != nil {
		log.WithError(err).Fatal("could not connect to the presence registry")
	}
	defer func() {
		if closeErr := reg.Close(); closeErr != nil {
			log.WithError(closeErr).Error("registry close error")
		}
	}()

	startedAt := time.Now()
	serverID := internal.ServerID(cfg.GatewayPort, startedAt)
	log = log.WithField("server_id", serverID)

	table := business.NewConnectionTable(ctx, serverID, reg,
		business.NewWorkerPoolRunner(svc.WorkManager()),
		business.WithHeartbeatConfig(business.HeartbeatConfig{
			IdleInterval:   cfg.HeartbeatIdle(),
			PongWait:       cfg.HeartbeatPongWait(),
			MaxPingRetries: cfg.HeartbeatMaxRetries,
		}),
		business.WithMaxConnections(int32(cfg.MaxConnections)),
		business.WithPresenceRefreshInterval(cfg.PresenceRefreshInterval()),
	)
	// Defers run LIFO: the table drains and the server record clears
	// before svc.Stop.
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer drainCancel()
		if unregErr := reg.UnregisterServer(drainCtx, serverID); unregErr != nil {
			util.Log(drainCtx).WithError(unregErr).Error("server record cleanup error")
		}
		if shutdownErr := table.Shutdown(drainCtx); shutdownErr != nil {
			util.Log(drainCtx).WithError(shutdownErr).Error("connection table shutdown error")
		}
	}()

	msgRouter := router.NewMessageRouter(serverID, reg, table, svc.QueueManager(), cfg.QueuePushURIPattern)

	pushSubscriber := frame.WithRegisterSubscriber(
		internal.PushQueueName(serverID),
		fmt.Sprintf(cfg.QueuePushURIPattern, serverID),
		queues.NewRouterInbox(serverID, table),
	)

	authenticate := func(authCtx context.Context, token string) (context.Context, error) {
		return svc.SecurityManager().GetAuthenticator(authCtx).Authenticate(authCtx, token,
			security.WithAudience(cfg.TokenAudience), security.WithIssuer(cfg.TokenIssuer))
	}

	frontend := handlers.NewGatewayFrontend(&cfg, table, msgRouter, reg, authenticate)

	record := registry.ServerRecord{
		ServerID:    serverID,
		Host:        hostname(),
		ControlPort: portNumber(cfg.ServerPort),
		GatewayPort: cfg.GatewayPort,
		StartedAt:   startedAt,
	}
	if err = reg.RegisterServer(ctx, record); err != nil {
		log.WithError(err).Fatal("could not announce this instance")
	}
	go refreshServerRecord(ctx, reg, record, cfg.RegistryRefreshInterval())

	svc.Init(ctx, pushSubscriber, frame.WithHTTPHandler(frontend.Handler()))

	log.WithField("gateway_port", cfg.GatewayPort).Info("starting gateway")
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}

// refreshServerRecord keeps this instance's registry record alive until the
// service context ends.
func refreshServerRecord(ctx context.Context, reg registry.PresenceRegistry, record registry.ServerRecord, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reg.RefreshServer(ctx, record); err != nil {
				util.Log(ctx).WithError(err).Warn("server record refresh failed")
			}
		}
	}
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "server"
	}
	return host
}

func portNumber(serverPort string) int {
	port, err := strconv.Atoi(strings.TrimPrefix(serverPort, ":"))
	if err != nil {
		return 0
	}
	return port
}
