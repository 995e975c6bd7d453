package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/openbiblio/corpus/pkg/errstax"
)

const searchPageSize = 25
const searchMaxTotalHits = 10000

// defaultSearchFields is the field list q expands against when no field
// is specified in the Lucene query string (spec §6).
var defaultSearchFields = []string{"title", "abstract", "authors"}

// searchHandler handles GET /references/search/ per spec §6:
// q=<lucene>&page=<n>&sort=<field>&annotation=<scheme>[/label][@score]
// &start_year=&end_year=.
func (s *Server) searchHandler(c *echo.Context) error {
	page := 1
	if v := c.QueryParam("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "page must be a positive integer")
		}
		page = p
	}
	if page*searchPageSize > searchMaxTotalHits {
		return echo.NewHTTPError(http.StatusBadRequest, "page exceeds the 10000-hit result window")
	}

	must := []map[string]any{
		{"term": map[string]any{"active_canonical": true}},
	}

	if q := c.QueryParam("q"); q != "" {
		must = append(must, map[string]any{
			"query_string": map[string]any{
				"query":  q,
				"fields": defaultSearchFields,
			},
		})
	}

	yearRange := map[string]any{}
	if v := c.QueryParam("start_year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "start_year must be an integer")
		}
		yearRange["gte"] = y
	}
	if v := c.QueryParam("end_year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "end_year must be an integer")
		}
		yearRange["lte"] = y
	}
	if len(yearRange) > 0 {
		must = append(must, map[string]any{"range": map[string]any{"year": yearRange}})
	}

	if ann := c.QueryParam("annotation"); ann != "" {
		filter, err := annotationFilter(ann)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		must = append(must, filter)
	}

	queryBody := map[string]any{
		"query": map[string]any{"bool": map[string]any{"must": must}},
		"from":  (page - 1) * searchPageSize,
	}

	if sort := c.QueryParam("sort"); sort != "" {
		switch sort {
		case "reference_id", "visibility", "year":
			queryBody["sort"] = []map[string]any{{sort: "asc"}}
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "sort field must be keyword or numeric, not free text")
		}
	}

	docs, err := s.searchClient.Search(c.Request().Context(), queryBody, searchPageSize)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &searchResponse{Results: docs, Page: page})
}

// annotationFilter parses the annotation query parameter's
// scheme[/label][@score] grammar into a nested-query clause matching
// references carrying a matching annotation at or above score, per
// spec §6.
func annotationFilter(raw string) (map[string]any, error) {
	schemeLabel, scoreStr, hasScore := strings.Cut(raw, "@")
	scheme, label, hasLabel := strings.Cut(schemeLabel, "/")

	must := []map[string]any{
		{"term": map[string]any{"annotations.scheme": scheme}},
	}
	if hasLabel {
		must = append(must, map[string]any{"term": map[string]any{"annotations.label": label}})
	}
	if hasScore {
		score, err := strconv.ParseFloat(scoreStr, 64)
		if err != nil {
			return nil, errstax.NewValidationError("annotation", "score must be numeric")
		}
		must = append(must, map[string]any{"range": map[string]any{"annotations.score": map[string]any{"gte": score}}})
	}

	return map[string]any{
		"nested": map[string]any{
			"path":  "annotations",
			"query": map[string]any{"bool": map[string]any{"must": must}},
		},
	}, nil
}
