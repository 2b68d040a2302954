// Package webhook is the inbound HTTP surface: platform command webhooks and
// vendor change notifications, both verified before anything is enqueued.
package webhook

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tenantsync/tenantsync/internal/bus"
)

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h *handlers
	e *echo.Echo
}

// NewEchoServer creates a new HTTP server.
func NewEchoServer(sender bus.Sender, orgs orgResolver, elbaSecret, vendorSecret string, logger *slog.Logger) (*EchoServer, error) {
	schema, err := compilePlatformSchema()
	if err != nil {
		return nil, err
	}
	h := &handlers{
		sender:       sender,
		orgs:         orgs,
		schema:       schema,
		elbaSecret:   elbaSecret,
		vendorSecret: vendorSecret,
		logger:       logger,
	}
	es := &EchoServer{h: h, e: echo.New()}
	es.e.HideBanner = true
	es.e.HidePort = true
	es.registerRoutes()
	return es, nil
}

func (es *EchoServer) registerRoutes() {
	es.e.GET("/healthz", es.h.handleHealthz)
	es.e.POST("/webhooks/elba", es.h.handleElbaWebhook)
	es.e.POST("/webhooks/vendor", es.h.handleVendorWebhook)
}

// Start starts the HTTP server.
func (es *EchoServer) Start(addr string) error {
	return es.e.Start(addr)
}

// StartServer starts the HTTP server with a custom http.Server.
func (es *EchoServer) StartServer(server *http.Server) error {
	return es.e.StartServer(server)
}

// Shutdown gracefully shuts down the HTTP server.
func (es *EchoServer) Shutdown(ctx context.Context) error {
	return es.e.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (es *EchoServer) Handler() http.Handler {
	return es.e
}
