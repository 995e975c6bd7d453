package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/openbiblio/corpus/pkg/errstax"
)

// mapServiceError maps errstax errors to HTTP error responses per the
// taxonomy spec §7 names.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *errstax.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, validErr.Error())
	}
	if errors.Is(err, errstax.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, errstax.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, errstax.ErrIntegrity) {
		return echo.NewHTTPError(http.StatusConflict, "integrity constraint violated")
	}
	if errors.Is(err, errstax.ErrInvalidPayload) || errors.Is(err, errstax.ErrParse) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if errors.Is(err, errstax.ErrNotCancellable) {
		return echo.NewHTTPError(http.StatusConflict, "operation not permitted in current state")
	}

	slog.Error("unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
