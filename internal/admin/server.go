// Package admin exposes the operational REST surface: health and
// status probes, code minting, manual reconnect, and the prometheus
// scrape endpoint.
package admin

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeromicro/go-zero/rest"
	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/ledger"
	"github.com/chatwire/chatwire/internal/lifecycle"
	"github.com/chatwire/chatwire/internal/session"
)

// Server is the admin REST server.
type Server struct {
	rest   *rest.Server
	logger *zap.Logger
}

// ServerConfig configures the admin server.
type ServerConfig struct {
	Host string
	Port int

	Lifecycle  *lifecycle.Manager
	Sessions   *session.Manager
	Accountant *ledger.Accountant
	Logger     *zap.Logger
}

// NewServer creates the admin server and registers its routes.
func NewServer(config *ServerConfig) (*Server, error) {
	if config.Lifecycle == nil || config.Sessions == nil || config.Accountant == nil {
		return nil, fmt.Errorf("lifecycle, sessions and accountant are required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	restConf := rest.RestConf{Host: config.Host, Port: config.Port}
	restConf.Name = "chatwire-admin"
	restConf.Timeout = 10000

	server, err := rest.NewServer(restConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin server: %w", err)
	}

	s := &Server{rest: server, logger: config.Logger}

	server.AddRoutes([]rest.Route{
		{Method: http.MethodGet, Path: "/health", Handler: HealthHandler()},
		{Method: http.MethodGet, Path: "/status", Handler: StatusHandler(config.Lifecycle, config.Sessions)},
		{Method: http.MethodGet, Path: "/metrics", Handler: promhttp.Handler().ServeHTTP},
		{Method: http.MethodPost, Path: "/codes", Handler: MintCodeHandler(config.Accountant)},
		{Method: http.MethodPost, Path: "/grants", Handler: GrantHandler(config.Accountant)},
		{Method: http.MethodPost, Path: "/reconnect", Handler: ReconnectHandler(config.Lifecycle)},
		{Method: http.MethodPost, Path: "/logout", Handler: LogoutHandler(config.Lifecycle)},
	})

	return s, nil
}

// Start runs the server until Stop is called. Blocking.
func (s *Server) Start() {
	s.rest.Start()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.rest.Stop()
}
