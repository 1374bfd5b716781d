package http

import (
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/jmehdipour/event-relay/internal/bus"
	"github.com/jmehdipour/event-relay/internal/model"
	"github.com/jmehdipour/event-relay/internal/util"
)

type publishReq struct {
	ID         string `json:"id"`
	PubsubName string `json:"pubsub_name"`
	Topic      string `json:"topic"`
	Data       any    `json:"data"`
}

// echoHeaders adapts the inbound request to the bus header-import source.
type echoHeaders struct{ c echo.Context }

func (h echoHeaders) Get(key string) (string, bool) {
	v := h.c.Request().Header.Get(key)
	return v, v != ""
}

func publishHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req publishReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.Topic = strings.TrimSpace(req.Topic)
		if req.Topic == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing topic"})
		}
		if req.ID == "" {
			req.ID = util.New()
		}

		event := model.Event{
			ID:     req.ID,
			Pubsub: req.PubsubName,
			Name:   req.Topic,
			Data:   req.Data,
		}

		err := s.bus.Publish(c.Request().Context(), event,
			bus.WithHeaderSource(echoHeaders{c: c}),
		)
		if errors.Is(err, bus.ErrPublishVetoed) {
			return c.JSON(http.StatusConflict, map[string]any{
				"published": false,
				"id":        req.ID,
				"error":     "publish vetoed",
			})
		}
		if err != nil {
			log.Errorf("publish failed: topic=%s err=%v", req.Topic, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"published": true,
			"id":        req.ID,
			"topic":     req.Topic,
		})
	}
}
