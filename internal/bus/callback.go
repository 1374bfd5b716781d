package bus

import (
	"context"
	"errors"

	"github.com/jmehdipour/event-relay/internal/eventlog"
	"github.com/jmehdipour/event-relay/internal/model"
)

// ErrLoggingDisabled is returned when an operation needs the persisted event
// log (republish) but event logging is turned off.
var ErrLoggingDisabled = errors.New("event logging is disabled")

// PublishCallback hooks the three delivery flows. The no-op and log-writing
// implementations are interchangeable strategies; the bus stays ignorant of
// persistence either way.
type PublishCallback interface {
	// OnPublishBefore may veto the publish by returning false.
	OnPublishBefore(ctx context.Context, arg *eventlog.PublishArgument) (bool, error)
	OnPublishAfter(ctx context.Context, arg eventlog.PublishArgument) error

	// OnSubscriptionBefore admits or denies processing of an inbound
	// envelope and returns the bookkeeping log to thread through the flow.
	OnSubscriptionBefore(ctx context.Context, eventID, routeURL string) (*model.IntegrationEventLog, bool, error)
	// OnSubscriptionAfter records the processing outcome; procErr nil means
	// the handler succeeded.
	OnSubscriptionAfter(ctx context.Context, log *model.IntegrationEventLog, procErr error) error

	OnRepublishBefore(ctx context.Context, eventID string) (*model.IntegrationEventLog, error)
	OnRepublishAfter(ctx context.Context, log *model.IntegrationEventLog) error
}

// NoopCallback is the default strategy: everything is admitted, nothing is
// recorded.
type NoopCallback struct{}

func (NoopCallback) OnPublishBefore(context.Context, *eventlog.PublishArgument) (bool, error) {
	return true, nil
}

func (NoopCallback) OnPublishAfter(context.Context, eventlog.PublishArgument) error { return nil }

func (NoopCallback) OnSubscriptionBefore(context.Context, string, string) (*model.IntegrationEventLog, bool, error) {
	return model.NullEventLog(), true, nil
}

func (NoopCallback) OnSubscriptionAfter(context.Context, *model.IntegrationEventLog, error) error {
	return nil
}

func (NoopCallback) OnRepublishBefore(context.Context, string) (*model.IntegrationEventLog, error) {
	return nil, ErrLoggingDisabled
}

func (NoopCallback) OnRepublishAfter(context.Context, *model.IntegrationEventLog) error { return nil }

// LogCallback is the log-writing strategy: it drives every manager call so
// publish, delivery and republish leave an auditable trail.
type LogCallback struct {
	mgr *eventlog.Manager
}

func NewLogCallback(mgr *eventlog.Manager) *LogCallback {
	return &LogCallback{mgr: mgr}
}

func (c *LogCallback) OnPublishBefore(context.Context, *eventlog.PublishArgument) (bool, error) {
	return true, nil
}

func (c *LogCallback) OnPublishAfter(ctx context.Context, arg eventlog.PublishArgument) error {
	_, err := c.mgr.CreatePublishLog(ctx, arg)
	return err
}

func (c *LogCallback) OnSubscriptionBefore(ctx context.Context, eventID, routeURL string) (*model.IntegrationEventLog, bool, error) {
	log, err := c.mgr.GetEventLog(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	// No record means the publisher had logging off; process without
	// bookkeeping rather than refusing delivery.
	if log == nil {
		return model.NullEventLog(), true, nil
	}
	if log.IsNull() {
		return log, true, nil
	}

	if !c.mgr.CanSubscription(ctx, log) {
		return log, false, nil
	}

	updated, admitted, err := c.mgr.CreateSubscriptionLog(ctx, log, routeURL)
	if err != nil {
		return log, false, err
	}
	return updated, admitted, nil
}

func (c *LogCallback) OnSubscriptionAfter(ctx context.Context, log *model.IntegrationEventLog, procErr error) error {
	if procErr == nil {
		_, err := c.mgr.SubscriptionSuccess(ctx, log)
		return err
	}
	_, err := c.mgr.SubscriptionFail(ctx, log, procErr.Error())
	return err
}

func (c *LogCallback) OnRepublishBefore(ctx context.Context, eventID string) (*model.IntegrationEventLog, error) {
	log, err := c.mgr.PrepareRepublish(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if log.IsNull() {
		return nil, ErrLoggingDisabled
	}
	return log, nil
}

func (c *LogCallback) OnRepublishAfter(context.Context, *model.IntegrationEventLog) error {
	return nil
}
