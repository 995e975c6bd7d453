package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/search"
)

// requestBatchHandler handles POST /api/v1/enhancement-requests,
// submitting a set of references for enhancement by a given robot
// (spec §4.4).
func (s *Server) requestBatchHandler(c *echo.Context) error {
	var req requestBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	enhReq, err := s.dispatcher.RequestBatch(c.Request().Context(), req.RobotID, req.Source, req.ReferenceIDs)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, enhReq)
}

// createRobotHandler handles POST /api/v1/robots, registering a new
// enhancement provider. The response carries the plaintext client
// secret exactly once; it is never returned again.
func (s *Server) createRobotHandler(c *echo.Context) error {
	var req createRobotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	secret := req.ClientSecret
	if secret == "" {
		var err error
		secret, err = generateSecret()
		if err != nil {
			return mapServiceError(err)
		}
	}

	r := &models.Robot{
		ID:               s.newID(),
		Name:             req.Name,
		BaseURL:          req.BaseURL,
		Owner:            req.Owner,
		ClientSecretHash: secret,
		Description:      req.Description,
	}
	if err := s.robots.Create(c.Request().Context(), r); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, &robotSecretResponse{ID: r.ID, Name: r.Name, ClientSecret: secret})
}

// listRobotsHandler handles GET /api/v1/robots.
func (s *Server) listRobotsHandler(c *echo.Context) error {
	robots, err := s.robots.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, robots)
}

// createAutomationHandler handles POST /api/v1/robots/:id/automations,
// registering a percolator query that fires a pending enhancement for
// the robot whenever a matching reference is ingested or updated
// (spec §4.3).
func (s *Server) createAutomationHandler(c *echo.Context) error {
	robotID := c.Param("id")
	var req createAutomationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	a := &models.RobotAutomation{
		ID:      s.newID(),
		RobotID: robotID,
		Name:    req.Name,
		Query:   req.Query,
		Enabled: req.Enabled,
	}
	if err := s.robots.CreateAutomation(c.Request().Context(), a); err != nil {
		return mapServiceError(err)
	}

	if a.Enabled {
		doc := search.PercolatorDocument{RobotAutomationID: a.ID, RobotID: a.RobotID, Query: a.Query}
		if err := s.searchClient.IndexPercolatorQuery(c.Request().Context(), doc); err != nil {
			return mapServiceError(err)
		}
	}
	return c.JSON(http.StatusCreated, a)
}

// migrateIndexHandler handles POST /api/v1/index/migrate (C5).
func (s *Server) migrateIndexHandler(c *echo.Context) error {
	name, err := s.indexManager.Migrate(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"index": name})
}

// rollbackIndexHandler handles POST /api/v1/index/rollback?version=.
func (s *Server) rollbackIndexHandler(c *echo.Context) error {
	version := 0
	if v := c.QueryParam("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "version must be an integer")
		}
		version = n
	}
	name, err := s.indexManager.Rollback(c.Request().Context(), version)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"index": name})
}

// rebuildIndexHandler handles POST /api/v1/index/rebuild (C5,
// destructive: drops and reindexes the current index from the
// relational store).
func (s *Server) rebuildIndexHandler(c *echo.Context) error {
	if err := s.indexManager.Rebuild(c.Request().Context()); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
