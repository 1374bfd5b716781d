package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"
)

func listDeliveriesHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.reports == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "reports disabled"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		status := strings.ToUpper(strings.TrimSpace(c.QueryParam("status")))
		switch status {
		case "", StatusSuccess, StatusRetry, StatusDrop:
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
		}

		rows, err := s.reports.List(
			c.Request().Context(),
			strings.TrimSpace(c.QueryParam("event_id")),
			strings.TrimSpace(c.QueryParam("topic")),
			status,
			limit,
			offset,
		)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
