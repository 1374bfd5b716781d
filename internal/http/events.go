package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

func getEventHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing event id"})
		}

		evlog, err := s.mgr.GetEventLog(c.Request().Context(), id)
		if err != nil {
			log.Errorf("event lookup failed: id=%s err=%v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		}
		if evlog == nil || evlog.IsNull() {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "event not found"})
		}
		return c.JSON(http.StatusOK, evlog)
	}
}

func listEventsHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 50
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}

		ids, err := s.mgr.ListEventIDs(c.Request().Context(), limit)
		if err != nil {
			log.Errorf("event listing failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(ids),
			"results": ids,
		})
	}
}

func republishHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing event id"})
		}

		if err := s.bus.Republish(c.Request().Context(), id); err != nil {
			log.Errorf("republish failed: id=%s err=%v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusAccepted, map[string]any{
			"republished": true,
			"id":          id,
		})
	}
}

func getCountHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := s.mgr.Count(c.Request().Context())
		if err != nil {
			log.Errorf("count read failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "count failed"})
		}
		return c.JSON(http.StatusOK, map[string]int64{"count": n})
	}
}

func clearCountHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.mgr.ClearCount(c.Request().Context()); err != nil {
			log.Errorf("count clear failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "clear failed"})
		}
		return c.NoContent(http.StatusNoContent)
	}
}
