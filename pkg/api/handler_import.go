package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/openbiblio/corpus/pkg/ingest"
)

// createImportHandler handles POST /api/v1/imports.
func (s *Server) createImportHandler(c *echo.Context) error {
	var req createImportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	rec, err := s.pipeline.CreateImportRecord(c.Request().Context(), req.SourceName, req.CollisionPolicy, req.Searchable)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

// enqueueBatchHandler handles POST /api/v1/imports/:id/batches. The
// request body is a JSON array of raw NDJSON lines — one entry per
// reference import line (spec §6) — so a client can submit a batch
// without re-encoding the standalone import file format.
func (s *Server) enqueueBatchHandler(c *echo.Context) error {
	importID := c.Param("id")
	var req enqueueBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	entries := make([]ingest.Entry, 0, len(req.Entries))
	for i, line := range req.Entries {
		entry, err := ingest.ParseNDJSONLine([]byte(line))
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "entry "+strconv.Itoa(i)+": "+err.Error())
		}
		entries = append(entries, entry)
	}

	batch, err := s.pipeline.EnqueueBatch(c.Request().Context(), importID, entries)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, batch)
}

// getBatchSummaryHandler handles GET /api/v1/batches/:id.
func (s *Server) getBatchSummaryHandler(c *echo.Context) error {
	batch, err := s.pipeline.GetBatchSummary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, batch)
}

// getBatchResultsHandler handles GET /api/v1/batches/:id/results.
func (s *Server) getBatchResultsHandler(c *echo.Context) error {
	results, err := s.pipeline.GetResults(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, results)
}
