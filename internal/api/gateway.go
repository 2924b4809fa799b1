package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"conduit/internal/agent"
	"conduit/internal/logging"
	"conduit/internal/metrics"
	"conduit/internal/session"
	"conduit/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	gatewayRoute             = "/ws/sessions"
	defaultOutboundQueueSize = 256
	defaultFrameRateLimit    = 20
	defaultFrameRateBurst    = 40
	gatewayReadLimit         = 8 << 20
)

// SessionRegistry is the session registry surface the gateway and REST
// handlers drive.
type SessionRegistry interface {
	StartSession(ctx context.Context, id uuid.UUID, vendor agent.Vendor, opts session.StartOptions) (<-chan agent.Event, func(), error)
	Subscribe(id uuid.UUID) (<-chan agent.Event, func(), error)
	SendInput(id uuid.UUID, input session.Input) error
	RespondToControl(id uuid.UUID, requestID string, response json.RawMessage) error
	Stop(id uuid.UUID) error
	List() []session.Info
}

// SessionRecords resolves the persisted record for a session id.
type SessionRecords interface {
	GetByID(ctx context.Context, id uuid.UUID) (store.SessionRecord, error)
}

type GatewayOptions struct {
	Sessions       SessionRegistry
	Records        SessionRecords
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AuthToken      string
	AllowedOrigins []string
	// FrameRate and FrameBurst bound inbound frames per connection.
	FrameRate         rate.Limit
	FrameBurst        int
	OutboundQueueSize int
	WriteTimeout      time.Duration
}

// Gateway serves the realtime websocket protocol. Each connection runs a
// read loop, one writer, and one forwarder per subscribed session.
type Gateway struct {
	sessions       SessionRegistry
	records        SessionRecords
	logger         *logging.Logger
	metrics        *metrics.Registry
	authToken      string
	allowedOrigins []string
	frameRate      rate.Limit
	frameBurst     int
	queueSize      int
	writeTimeout   time.Duration

	mu          sync.Mutex
	connections map[uuid.UUID]*connection
	closed      bool
}

func NewGateway(opts GatewayOptions) *Gateway {
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRateLimit
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = defaultFrameRateBurst
	}
	if opts.OutboundQueueSize <= 0 {
		opts.OutboundQueueSize = defaultOutboundQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = wsWriteTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	return &Gateway{
		sessions:       opts.Sessions,
		records:        opts.Records,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		authToken:      opts.AuthToken,
		allowedOrigins: opts.AllowedOrigins,
		frameRate:      opts.FrameRate,
		frameBurst:     opts.FrameBurst,
		queueSize:      opts.OutboundQueueSize,
		writeTimeout:   opts.WriteTimeout,
		connections:    make(map[uuid.UUID]*connection),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireWSToken(w, r, g.authToken, g.logger) {
		return
	}
	if g.sessions == nil {
		writeWSError(w, r, nil, g.logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "session registry unavailable",
		})
		return
	}

	conn, err := upgradeWebSocket(w, r, g.allowedOrigins)
	if err != nil {
		logWSError(g.logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}
	conn.SetReadLimit(gatewayReadLimit)

	connID := uuid.New()
	spanCtx, span := startWebSocketSpan(r, gatewayRoute, attribute.String("connection.id", connID.String()))
	defer span.End()

	c := newConnection(g, connID, conn, spanCtx)
	if !g.track(c) {
		c.cancel()
		writeWSError(w, r, conn, g.logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "server shutting down",
		})
		return
	}
	defer g.untrack(c)

	g.metrics.GatewayConnected()
	defer g.metrics.GatewayDisconnected()
	g.logger.Debug("gateway connection opened", map[string]string{
		"connection_id": connID.String(),
		"remote_addr":   r.RemoteAddr,
	})

	c.serve()

	g.logger.Debug("gateway connection closed", map[string]string{
		"connection_id": connID.String(),
	})
}

func (g *Gateway) track(c *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.connections[c.id] = c
	return true
}

func (g *Gateway) untrack(c *connection) {
	g.mu.Lock()
	delete(g.connections, c.id)
	g.mu.Unlock()
}

// Close rejects new connections and closes open ones. Sessions keep running.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	open := make([]*connection, 0, len(g.connections))
	for _, c := range g.connections {
		open = append(open, c)
	}
	g.mu.Unlock()

	for _, c := range open {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// ConnectionCount reports open connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.connections)
}

func (g *Gateway) forwarderCount() int {
	g.mu.Lock()
	open := make([]*connection, 0, len(g.connections))
	for _, c := range g.connections {
		open = append(open, c)
	}
	g.mu.Unlock()

	total := 0
	for _, c := range open {
		total += c.forwarderCount()
	}
	return total
}
