package ws

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voltgate/internal/adapter"
	"voltgate/internal/metrics"
	"voltgate/internal/ocpp"
	"voltgate/internal/registry"
)

// AdapterFactory builds the dialect handler for a negotiated version.
type AdapterFactory func(version ocpp.Version) adapter.Adapter

// Server upgrades station connections at /ocpp/{identity} and negotiates the
// OCPP subprotocol.
type Server struct {
	registry *registry.Registry
	factory  AdapterFactory
	versions []ocpp.Version
	allow    map[string]struct{}
	timeouts Timeouts
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer builds the ws endpoint. An empty allowlist admits every
// identity.
func NewServer(reg *registry.Registry, factory AdapterFactory, versions []ocpp.Version, allowlist []string, timeouts Timeouts, logger *zap.Logger) *Server {
	var allow map[string]struct{}
	if len(allowlist) > 0 {
		allow = make(map[string]struct{}, len(allowlist))
		for _, id := range allowlist {
			allow[id] = struct{}{}
		}
	}

	subprotocols := make([]string, 0, len(versions))
	for _, v := range versions {
		subprotocols = append(subprotocols, string(v))
	}

	return &Server{
		registry: reg,
		factory:  factory,
		versions: versions,
		allow:    allow,
		timeouts: timeouts,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    subprotocols,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS serves /ocpp/{identity}.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity := identityFromPath(r.URL.Path)
	if identity == "" {
		s.logger.Warn("connection without identity rejected", zap.String("path", r.URL.Path))
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	if s.allow != nil {
		if _, ok := s.allow[identity]; !ok {
			s.logger.Warn("identity not allowed", zap.String("station_id", identity))
			http.Error(w, "not allowed", http.StatusForbidden)
			return
		}
	}

	version, ok := s.negotiate(r.Header.Values("Sec-WebSocket-Protocol"))
	if !ok {
		s.logger.Warn("no supported subprotocol",
			zap.String("station_id", identity),
			zap.Strings("offered", r.Header.Values("Sec-WebSocket-Protocol")))
		http.Error(w, "unsupported protocol", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.String("station_id", identity), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	var connection *Connection
	session := &registry.Session{}
	connection = NewConnection(session, conn, s.factory(version), s.timeouts, s.logger, func(c *Connection) {
		s.registry.Unregister(context.Background(), c.session)
		metrics.ObserveConnections(string(version), -1)
		cancel()
	})
	// Register only after the connection exists so the session's caller is
	// always usable.
	connection.session = s.registry.Register(ctx, identity, version, connection)
	metrics.ObserveConnections(string(version), 1)

	s.logger.Info("station connected",
		zap.String("station_id", identity), zap.String("protocol", string(version)))
	go connection.Start(ctx)
}

// negotiate picks a subprotocol in the server's preference order, matching
// what the upgrader will echo back to the station.
func (s *Server) negotiate(offered []string) (ocpp.Version, bool) {
	for _, enabled := range s.versions {
		for _, header := range offered {
			for _, part := range strings.Split(header, ",") {
				if strings.TrimSpace(part) == string(enabled) {
					return enabled, true
				}
			}
		}
	}
	return "", false
}

func identityFromPath(path string) string {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || parts[0] != "ocpp" {
		return ""
	}
	identity := parts[len(parts)-1]
	if identity == "ocpp" {
		return ""
	}
	return identity
}
