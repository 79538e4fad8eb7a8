// Package handlers exposes the websocket boundary of the gateway together
// with its operational HTTP endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/frame/security"
	"github.com/pitabwire/util"

	"github.com/districhat/service-gateway/config"
	"github.com/districhat/service-gateway/internal/health"
	"github.com/districhat/service-gateway/service/business"
	"github.com/districhat/service-gateway/service/models"
	"github.com/districhat/service-gateway/service/registry"
	"github.com/districhat/service-gateway/service/router"
)

const (
	bearerScheme     = "Bearer"
	bearerTokenParts = 2

	defaultDeviceID = "default"

	pingMarker = "ping"
	pongMarker = "pong"

	writeTimeout = 10 * time.Second
)

// AuthFunc validates a bearer token and returns a context carrying the
// authenticated claims.
type AuthFunc func(ctx context.Context, token string) (context.Context, error)

// GatewayFrontend upgrades device connections, admits them into the
// connection table and serves the push and operational endpoints.
type GatewayFrontend struct {
	cfg          *config.GatewayConfig
	table        *business.ConnectionTable
	router       *router.MessageRouter
	reg          registry.PresenceRegistry
	authenticate AuthFunc
	upgrader     websocket.Upgrader
}

// NewGatewayFrontend creates the frontend. The authenticate function is
// injected so tests can stub token validation.
func NewGatewayFrontend(
	cfg *config.GatewayConfig,
	table *business.ConnectionTable,
	msgRouter *router.MessageRouter,
	reg registry.PresenceRegistry,
	authenticate AuthFunc,
) *GatewayFrontend {
	return &GatewayFrontend{
		cfg:          cfg,
		table:        table,
		router:       msgRouter,
		reg:          reg,
		authenticate: authenticate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

// Handler wires all gateway routes onto a single mux.
func (gf *GatewayFrontend) Handler() http.Handler {
	healthHandler := health.NewHandler()
	healthHandler.AddChecker(health.NewPingChecker("registry", gf.reg.Ping, 5*time.Second))
	healthHandler.AddChecker(health.NewCapacityChecker("connections", gf.table.Len, gf.cfg.MaxConnections, 0.9))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gf.ServeWS)
	mux.HandleFunc("/push", gf.PushHandler)
	mux.HandleFunc("/statz", gf.StatsHandler)
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}

// ServeWS authenticates the request, upgrades it to a websocket and runs the
// read loop until the peer goes away or the table closes the connection.
func (gf *GatewayFrontend) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := util.Log(ctx)

	ctx, userID, deviceID, err := gf.identify(ctx, r)
	if err != nil {
		logger.WithError(err).Debug("connection request rejected")
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	wsConn, err := gf.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	logger.WithFields(map[string]any{
		"user_id":   userID,
		"device_id": deviceID,
	}).Info("new device connection")

	conn := business.NewConnection(userID, deviceID, newWSSender(wsConn))
	if err = gf.table.Add(ctx, conn); err != nil {
		logger.WithError(err).WithField("user_id", userID).Warn("connection not admitted")
		_ = wsConn.Close()
		return
	}

	gf.readLoop(ctx, conn, wsConn)
	gf.table.Remove(ctx, conn.ID())
}

// identify extracts and validates the bearer token, returning the claims
// bound identity.
func (gf *GatewayFrontend) identify(ctx context.Context, r *http.Request) (context.Context, string, string, error) {
	token, err := extractToken(r)
	if err != nil {
		return ctx, "", "", err
	}

	ctx, err = gf.authenticate(ctx, token)
	if err != nil {
		return ctx, "", "", err
	}

	claims := security.ClaimsFromContext(ctx)
	if claims == nil {
		return ctx, "", "", errors.New("request needs to be authenticated")
	}

	userID, _ := claims.GetSubject()
	if userID == "" {
		return ctx, "", "", errors.New("token carries no subject")
	}

	deviceID := claims.GetDeviceID()
	if deviceID == "" {
		deviceID = r.URL.Query().Get("device_id")
	}
	if deviceID == "" {
		deviceID = defaultDeviceID
	}

	return ctx, userID, deviceID, nil
}

// extractToken reads the bearer token from the Authorization header or,
// for browser clients that cannot set headers on websocket dials, the
// token query parameter.
func extractToken(r *http.Request) (string, error) {
	authorizationHeader := r.Header.Get("Authorization")
	if authorizationHeader != "" {
		parts := strings.Split(authorizationHeader, " ")
		if len(parts) != bearerTokenParts || parts[0] != bearerScheme {
			return "", errors.New("malformed authorization header supplied")
		}
		return strings.TrimSpace(parts[1]), nil
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	return "", errors.New("an authorization token is required")
}

// readLoop consumes inbound frames. The in-band ping and pong text markers
// drive the heartbeat; every other frame only counts as activity.
func (gf *GatewayFrontend) readLoop(ctx context.Context, conn *business.Connection, wsConn *websocket.Conn) {
	logger := util.Log(ctx).WithFields(map[string]any{
		"user_id":   conn.UserID(),
		"device_id": conn.DeviceID(),
	})

	for {
		msgType, payload, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Debug("read loop ended")
			}
			return
		}

		if msgType == websocket.TextMessage {
			switch string(payload) {
			case pingMarker:
				conn.Touch()
				if sendErr := conn.Send(ctx, []byte(pongMarker)); sendErr != nil {
					return
				}
				continue
			case pongMarker:
				conn.Pong()
				continue
			}
		}

		conn.Touch()
	}
}

// pushRequest is the body accepted by the push endpoint.
type pushRequest struct {
	Kind     models.Kind     `json:"kind"`
	UserID   string          `json:"user_id,omitempty"`
	DeviceID string          `json:"device_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// PushHandler accepts a delivery request and dispatches it through the
// router. 202 means accepted for delivery, not confirmed receipt.
func (gf *GatewayFrontend) PushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Kind {
	case models.KindDevice:
		if req.UserID == "" || req.DeviceID == "" {
			http.Error(w, "user_id and device_id are required", http.StatusBadRequest)
			return
		}
		err = gf.router.DeliverToDevice(ctx, req.UserID, req.DeviceID, req.Payload)
	case models.KindAllDevices:
		if req.UserID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		err = gf.router.DeliverToUser(ctx, req.UserID, req.Payload)
	case models.KindBroadcast:
		err = gf.router.Broadcast(ctx, req.Payload)
	default:
		http.Error(w, "unknown delivery kind", http.StatusBadRequest)
		return
	}

	switch {
	case errors.Is(err, router.ErrDeviceOffline), errors.Is(err, router.ErrUserOffline):
		http.Error(w, "recipient is offline", http.StatusNotFound)
	case err != nil:
		util.Log(ctx).WithError(err).WithField("kind", string(req.Kind)).Error("delivery dispatch failed")
		http.Error(w, "delivery failed", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// StatsHandler reports live connection counters for this instance.
func (gf *GatewayFrontend) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(gf.table.Stats())
}

// wsSender adapts a gorilla connection to the business.Sender interface.
// gorilla permits a single concurrent writer so every write takes writeMu.
type wsSender struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

func (s *wsSender) Send(_ context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSender) SendPing(ctx context.Context) error {
	return s.Send(ctx, []byte(pingMarker))
}

func (s *wsSender) Close(_ context.Context, reason string) error {
	s.writeMu.Lock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage, message)
	s.writeMu.Unlock()

	return s.conn.Close()
}

var _ business.Sender = (*wsSender)(nil)
