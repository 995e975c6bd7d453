package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/openbiblio/corpus/pkg/dispatch"
	"github.com/openbiblio/corpus/pkg/store"
)

// claimBatchHandler handles POST /robot-enhancement-batches/
// ?robot_id=&limit=&lease= (spec §6). Returns 200 with the batch
// envelope, or 204 when no pending work is available for the robot.
func (s *Server) claimBatchHandler(c *echo.Context) error {
	robotID := c.QueryParam("robot_id")
	if robotID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "robot_id is required")
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		limit = n
	}

	var lease time.Duration
	if v := c.QueryParam("lease"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "lease must be a valid duration")
		}
		lease = d
	}

	claimed, err := s.dispatcher.ClaimBatch(c.Request().Context(), robotID, limit, lease)
	if err != nil {
		if errors.Is(err, store.ErrNoPendingWork) {
			return c.NoContent(http.StatusNoContent)
		}
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &batchEnvelope{
		ID:               claimed.Batch.ID,
		ReferenceFileURL: claimed.ReferenceFileURL,
		ExpiresAt:        claimed.Batch.ExpiresAt.Format(time.RFC3339),
		UnitCount:        len(claimed.Units),
	})
}

// renewLeaseHandler handles PATCH /robot-enhancement-batches/:batch_id/renew-lease/.
func (s *Server) renewLeaseHandler(c *echo.Context) error {
	var lease time.Duration
	if v := c.QueryParam("lease"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "lease must be a valid duration")
		}
		lease = d
	}

	if err := s.dispatcher.RenewLease(c.Request().Context(), c.Param("batch_id"), lease); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusOK)
}

// submitResultsHandler handles POST /robot-enhancement-batches/:batch_id/results/.
// The robot has already uploaded its result artifact to the presigned
// URL from the claim response; this call just points at it (or reports a
// terminal batch-wide error) so the result can be imported (spec §4.4).
func (s *Server) submitResultsHandler(c *echo.Context) error {
	var req submitResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	result := dispatch.BatchResult{Error: req.Error, ResultStorageKey: req.ResultStorageKey}
	if err := s.dispatcher.SubmitResults(c.Request().Context(), c.Param("batch_id"), result); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}
