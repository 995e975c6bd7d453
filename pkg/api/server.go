// Package api exposes the HTTP surface of the reference repository:
// the import pipeline (C7), the search endpoint (C3, spec §6), the
// robot wire contract (C9, spec §4.4/§6), and Robot/RobotAutomation
// management.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/openbiblio/corpus/pkg/bus"
	"github.com/openbiblio/corpus/pkg/database"
	"github.com/openbiblio/corpus/pkg/dispatch"
	"github.com/openbiblio/corpus/pkg/indexmgr"
	"github.com/openbiblio/corpus/pkg/ingest"
	"github.com/openbiblio/corpus/pkg/search"
	"github.com/openbiblio/corpus/pkg/store"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	dbClient     *database.Client
	pipeline     *ingest.Pipeline
	dispatcher   *dispatch.Dispatcher
	searchClient *search.Client
	robots       *store.RobotStore
	indexManager *indexmgr.Manager
	bus          *bus.Bus
	newID        func() string
}

// NewServer creates a new API server with Echo v5, wired to the engines
// that implement each of its endpoints.
func NewServer(
	dbClient *database.Client,
	pipeline *ingest.Pipeline,
	dispatcher *dispatch.Dispatcher,
	searchClient *search.Client,
	robots *store.RobotStore,
	indexManager *indexmgr.Manager,
	busClient *bus.Bus,
	newID func() string,
) *Server {
	e := echo.New()

	s := &Server{
		echo:         e,
		dbClient:     dbClient,
		pipeline:     pipeline,
		dispatcher:   dispatcher,
		searchClient: searchClient,
		robots:       robots,
		indexManager: indexManager,
		bus:          busClient,
		newID:        newID,
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(8 * 1024 * 1024))
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)

	v1 := s.echo.Group("/api/v1")

	// Import pipeline (C7, spec §4.1).
	v1.POST("/imports", s.createImportHandler)
	v1.POST("/imports/:id/batches", s.enqueueBatchHandler)
	v1.GET("/batches/:id", s.getBatchSummaryHandler)
	v1.GET("/batches/:id/results", s.getBatchResultsHandler)

	// Search (C3, spec §6).
	s.echo.GET("/references/search/", s.searchHandler)

	// Enhancement requests, robot & automation management (operator-
	// facing, not signed — these are admin-plane calls, unlike the
	// robot-facing endpoints below).
	v1.POST("/enhancement-requests", s.requestBatchHandler)
	v1.POST("/robots", s.createRobotHandler)
	v1.GET("/robots", s.listRobotsHandler)
	v1.POST("/robots/:id/automations", s.createAutomationHandler)

	// Index management (C5), operator-facing.
	v1.POST("/index/migrate", s.migrateIndexHandler)
	v1.POST("/index/rollback", s.rollbackIndexHandler)
	v1.POST("/index/rebuild", s.rebuildIndexHandler)

	// Robot wire contract (C9, spec §6): every request here is HMAC
	// signed and authenticated via robotAuth.
	robots := s.echo.Group("", robotAuth(s.robots))
	robots.POST("/robot-enhancement-batches/", s.claimBatchHandler)
	robots.PATCH("/robot-enhancement-batches/:batch_id/renew-lease/", s.renewLeaseHandler)
	robots.POST("/robot-enhancement-batches/:batch_id/results/", s.submitResultsHandler)
}

// Start starts the HTTP server on the given address and blocks until the
// server stops, returning ListenAndServe's error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if _, err := database.Health(reqCtx, s.dbClient.SQLDB()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, &HealthResponse{Status: "unhealthy", Version: "dev"})
	}
	return c.JSON(http.StatusOK, &HealthResponse{Status: "healthy", Version: "dev"})
}
