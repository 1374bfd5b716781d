package http

import (
	"context"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/jmehdipour/event-relay/internal/metrics"
	"github.com/jmehdipour/event-relay/internal/model"
)

// Delivery statuses returned to the broker's delivery callback. The broker's
// retry behavior depends on this exact trichotomy: SUCCESS acks, RETRY nacks
// and redelivers, DROP nacks and gives up.
const (
	StatusSuccess = "SUCCESS"
	StatusRetry   = "RETRY"
	StatusDrop    = "DROP"
)

// EventHandler processes one delivered envelope for a topic.
type EventHandler func(ctx context.Context, env model.Envelope) error

type statusResp struct {
	Status string `json:"status"`
}

func respond(c echo.Context, topic, status string) error {
	metrics.DeliveriesTotal.WithLabelValues(status, topic).Inc()
	return c.JSON(http.StatusOK, statusResp{Status: status})
}

// subscribeHandler is the inbound delivery callback. It gates redelivery
// through the event log, runs the registered topic handler, records the
// outcome and answers with the broker status.
func subscribeHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		topic := c.Param("topic")
		ctx := c.Request().Context()

		handler, ok := s.handlers[topic]
		if !ok {
			// "*" is the catch-all registration
			if handler, ok = s.handlers["*"]; !ok {
				return respond(c, topic, StatusDrop)
			}
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return respond(c, topic, StatusRetry)
		}
		env, err := model.DecodeEnvelope(body)
		if err != nil || env.ID == "" {
			// malformed envelope will never become processable
			return respond(c, topic, StatusDrop)
		}

		routeURL := c.Request().URL.Path
		evlog, admitted, err := s.callback.OnSubscriptionBefore(ctx, env.ID, routeURL)
		if err != nil {
			log.Errorf("subscription admission failed: event=%s err=%v", env.ID, err)
			return respond(c, topic, StatusRetry)
		}

		if !admitted {
			status := denialStatus(evlog, s.appID, s.maxRetry)
			s.report(env.ID, topic, evlog, status, "")
			return respond(c, topic, status)
		}

		procErr := handler(ctx, env)
		if aerr := s.callback.OnSubscriptionAfter(ctx, evlog, procErr); aerr != nil {
			log.Errorf("subscription bookkeeping failed: event=%s err=%v", env.ID, aerr)
		}

		if procErr == nil {
			s.report(env.ID, topic, evlog, StatusSuccess, "")
			return respond(c, topic, StatusSuccess)
		}

		status := StatusRetry
		if !retryBudgetLeft(evlog, s.appID, s.maxRetry) {
			status = StatusDrop
		}
		s.report(env.ID, topic, evlog, status, procErr.Error())
		return respond(c, topic, status)
	}
}

// denialStatus maps a denied delivery to the broker answer: finished or
// in-flight work is acked, an exhausted retry budget is dropped. A stuck
// processing entry is recovered via republish, not via broker retries.
func denialStatus(evlog *model.IntegrationEventLog, appID string, maxRetry int) string {
	if evlog.IsNull() {
		return StatusSuccess
	}
	sub := evlog.Subscription(appID)
	if sub == nil {
		return StatusSuccess
	}
	if sub.State == model.SubscriptionStateFail && sub.RetryCount >= maxRetry {
		return StatusDrop
	}
	return StatusSuccess
}

func retryBudgetLeft(evlog *model.IntegrationEventLog, appID string, maxRetry int) bool {
	if evlog.IsNull() {
		return true
	}
	sub := evlog.Subscription(appID)
	if sub == nil {
		return true
	}
	return sub.RetryCount < maxRetry
}

// report appends a delivery-attempt row, best-effort.
func (s *Server) report(eventID, topic string, evlog *model.IntegrationEventLog, status, errMsg string) {
	if s.reports == nil {
		return
	}

	attempt := 0
	if !evlog.IsNull() {
		if sub := evlog.Subscription(s.appID); sub != nil {
			attempt = sub.RetryCount
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.reports.Record(ctx, model.DeliveryAttempt{
		EventID:   eventID,
		AppID:     s.appID,
		Topic:     topic,
		Attempt:   attempt,
		Status:    status,
		Error:     errMsg,
		CreatedAt: time.Now(),
	})
	if err != nil {
		log.Errorf("delivery report write failed: event=%s err=%v", eventID, err)
	}
}
