package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/event-relay/internal/metrics"
	"github.com/jmehdipour/event-relay/internal/model"
	"github.com/jmehdipour/event-relay/internal/repository"
)

// ErrMissingAppID is a configuration error: the publishing application has no
// resolvable id. It fails the publish-log creation fast instead of defaulting.
var ErrMissingAppID = errors.New("integration event has no resolvable app id")

// AppIDResolver supplies the id of the running application.
type AppIDResolver interface {
	AppID(ctx context.Context) (string, error)
}

// StaticAppID resolves to a fixed id from configuration.
type StaticAppID string

func (s StaticAppID) AppID(context.Context) (string, error) { return string(s), nil }

// PublishArgument carries what the manager needs to derive a log entry from an
// outbound publish. Event must implement model.IntegrationEvent to be
// recognized.
type PublishArgument struct {
	Event      any
	Envelope   model.Envelope
	PubsubName string
	Topic      string

	// Metadata carries transport-level delivery hints (ttl, priority). It
	// travels as broker message headers, not inside the envelope.
	Metadata map[string]string
}

type Options struct {
	Enabled        bool
	MaxRetry       int // per-consumer retry budget
	CasMaxAttempts int // cap on the conflict-retry loop
}

// Manager owns the event/subscription state machine. All consistency comes
// from optimistic concurrency on the persisted log: a conflicting save is
// resolved by re-reading the canonical log and re-deriving the intended
// mutation from fresh state, up to CasMaxAttempts times.
//
// When event logging is disabled every method returns the null log sentinel
// and never touches the store.
type Manager struct {
	store    repository.EventLogStore
	resolver AppIDResolver
	opts     Options
	log      *zap.Logger
}

func NewManager(store repository.EventLogStore, resolver AppIDResolver, opts Options, log *zap.Logger) *Manager {
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 10
	}
	if opts.CasMaxAttempts <= 0 {
		opts.CasMaxAttempts = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, resolver: resolver, opts: opts, log: log}
}

func (m *Manager) Enabled() bool { return m.opts.Enabled }
func (m *Manager) MaxRetry() int { return m.opts.MaxRetry }

func (m *Manager) appID(ctx context.Context) (string, error) {
	if m.resolver == nil {
		return "", ErrMissingAppID
	}
	id, err := m.resolver.AppID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingAppID, err)
	}
	if id == "" {
		return "", ErrMissingAppID
	}
	return id, nil
}

// GetEventLog loads the log for eventID address, or the null log when logging
// is disabled. A missing record returns (nil, nil).
func (m *Manager) GetEventLog(ctx context.Context, eventID string) (*model.IntegrationEventLog, error) {
	if !m.opts.Enabled {
		return model.NullEventLog(), nil
	}
	return m.store.Get(ctx, eventID)
}

// CreatePublishLog records a freshly published event and bumps the shared
// counter. Unrecognized arguments (events that are not integration events)
// get the null log back.
func (m *Manager) CreatePublishLog(ctx context.Context, arg PublishArgument) (*model.IntegrationEventLog, error) {
	if !m.opts.Enabled {
		return model.NullEventLog(), nil
	}
	if _, ok := arg.Event.(model.IntegrationEvent); !ok {
		return model.NullEventLog(), nil
	}

	appID, err := m.appID(ctx)
	if err != nil {
		return nil, err
	}

	value, err := model.EncodeEnvelope(arg.Envelope)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	log := &model.IntegrationEventLog{
		ID:                   arg.Envelope.ID,
		AppID:                appID,
		PubsubName:           arg.PubsubName,
		Topic:                arg.Topic,
		Value:                value,
		State:                model.EventStatePublished,
		PublishTime:          now,
		LastModificationTime: now,
	}
	if err := m.store.Save(ctx, log); err != nil {
		return nil, err
	}

	m.Increment(ctx)
	return log, nil
}

// CanSubscription is the idempotency gate for re-delivery. True when logging
// is disabled, when this consumer has no subscription log yet, or when the
// existing one failed with retry budget left. A successful or in-flight
// subscription is never reprocessed.
func (m *Manager) CanSubscription(ctx context.Context, log *model.IntegrationEventLog) bool {
	if !m.opts.Enabled || log.IsNull() {
		return true
	}

	appID, err := m.appID(ctx)
	if err != nil {
		return false
	}

	sub := log.Subscription(appID)
	if sub == nil {
		return true
	}
	return sub.State == model.SubscriptionStateFail && sub.RetryCount < m.opts.MaxRetry
}

// mutate runs apply against the log under the optimistic-concurrency retry
// loop: on conflict it re-reads the canonical log and re-applies the intent.
// apply returning false stops without writing. Non-conflict persistence
// failures are logged and the best-known log is returned; bookkeeping must
// not block the primary delivery path.
func (m *Manager) mutate(ctx context.Context, log *model.IntegrationEventLog, op string, apply func(*model.IntegrationEventLog) bool) (*model.IntegrationEventLog, error) {
	cur := log
	for attempt := 0; attempt < m.opts.CasMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return cur, err
		}

		if !apply(cur) {
			return cur, nil
		}
		cur.LastModificationTime = time.Now()

		err := m.store.Save(ctx, cur)
		if err == nil {
			return cur, nil
		}
		if !errors.Is(err, repository.ErrConcurrency) {
			m.log.Error("event log save failed",
				zap.String("op", op), zap.String("event_id", cur.ID), zap.Error(err))
			return cur, nil
		}
		metrics.ConflictsTotal.WithLabelValues(op).Inc()

		fresh, gerr := m.store.Get(ctx, cur.ID)
		if gerr != nil {
			m.log.Error("event log re-read failed",
				zap.String("op", op), zap.String("event_id", cur.ID), zap.Error(gerr))
			return cur, nil
		}
		if fresh == nil {
			return cur, nil
		}
		cur = fresh
	}

	m.log.Warn("event log update gave up after max attempts",
		zap.String("op", op), zap.String("event_id", cur.ID), zap.Int("attempts", m.opts.CasMaxAttempts))
	return cur, nil
}

// CreateSubscriptionLog admits a delivery attempt. A denied attempt (already
// successful, currently processing, or retry budget spent) returns the log
// unchanged with admitted=false; the caller must not proceed. An admitted
// retry of a failed subscription increments RetryCount, moves it back to
// processing and stamps the latest retry record.
func (m *Manager) CreateSubscriptionLog(ctx context.Context, log *model.IntegrationEventLog, routeURL string) (*model.IntegrationEventLog, bool, error) {
	if !m.opts.Enabled || log.IsNull() {
		return model.NullEventLog(), true, nil
	}

	appID, err := m.appID(ctx)
	if err != nil {
		return nil, false, err
	}

	admitted := false
	out, err := m.mutate(ctx, log, "create_subscription", func(cur *model.IntegrationEventLog) bool {
		admitted = m.CanSubscription(ctx, cur)
		if !admitted {
			return false
		}

		now := time.Now()
		sub := cur.Subscription(appID)
		if sub == nil {
			// the initial delivery counts against the retry budget
			cur.SubscriptionLogs = append(cur.SubscriptionLogs, model.SubscriptionLog{
				AppID:                appID,
				RouteURL:             routeURL,
				State:                model.SubscriptionStateProcessing,
				RetryCount:           1,
				SubscriptionTime:     now,
				LastModificationTime: now,
			})
		} else {
			sub.RetryCount++
			sub.State = model.SubscriptionStateProcessing
			sub.LastModificationTime = now
			if n := len(sub.RetryLogs); n > 0 {
				sub.RetryLogs[n-1].RetryTime = now
			}
		}
		cur.RecomputeState()
		return true
	})
	return out, admitted, err
}

// SubscriptionSuccess marks this consumer's processing as done and recomputes
// the aggregate state.
func (m *Manager) SubscriptionSuccess(ctx context.Context, log *model.IntegrationEventLog) (*model.IntegrationEventLog, error) {
	if !m.opts.Enabled || log.IsNull() {
		return model.NullEventLog(), nil
	}

	appID, err := m.appID(ctx)
	if err != nil {
		return nil, err
	}

	return m.mutate(ctx, log, "subscription_success", func(cur *model.IntegrationEventLog) bool {
		sub := cur.Subscription(appID)
		if sub == nil {
			return false
		}
		sub.State = model.SubscriptionStateSuccess
		sub.LastModificationTime = time.Now()
		cur.RecomputeState()
		return true
	})
}

// SubscriptionFail marks this consumer's processing as failed and appends a
// numbered retry record carrying the failure message.
func (m *Manager) SubscriptionFail(ctx context.Context, log *model.IntegrationEventLog, message string) (*model.IntegrationEventLog, error) {
	if !m.opts.Enabled || log.IsNull() {
		return model.NullEventLog(), nil
	}

	appID, err := m.appID(ctx)
	if err != nil {
		return nil, err
	}

	return m.mutate(ctx, log, "subscription_fail", func(cur *model.IntegrationEventLog) bool {
		sub := cur.Subscription(appID)
		if sub == nil {
			return false
		}
		now := time.Now()
		sub.State = model.SubscriptionStateFail
		sub.LastModificationTime = now
		sub.RetryLogs = append(sub.RetryLogs, model.SubscriptionRetryLog{
			Number:    sub.NextRetryNumber(),
			Message:   message,
			RetryTime: now,
		})
		cur.RecomputeState()
		return true
	})
}

// PrepareRepublish gives every exhausted consumer a fresh retry budget:
// RetryCount goes back to 0 on each failed subscription. The caller re-sends
// the originally stored envelope afterwards.
func (m *Manager) PrepareRepublish(ctx context.Context, eventID string) (*model.IntegrationEventLog, error) {
	if !m.opts.Enabled {
		return model.NullEventLog(), nil
	}

	log, err := m.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("event log %s not found", eventID)
	}

	return m.mutate(ctx, log, "republish", func(cur *model.IntegrationEventLog) bool {
		changed := false
		for i := range cur.SubscriptionLogs {
			sub := &cur.SubscriptionLogs[i]
			if sub.State == model.SubscriptionStateFail && sub.RetryCount != 0 {
				sub.RetryCount = 0
				sub.LastModificationTime = time.Now()
				changed = true
			}
		}
		return changed
	})
}

// Increment bumps the shared publish counter. Contention is expected and
// cheap, so concurrency conflicts retry until the context dies; anything else
// is logged and swallowed since the counter is advisory.
func (m *Manager) Increment(ctx context.Context) {
	if !m.opts.Enabled {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		err := m.store.Increment(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, repository.ErrConcurrency) {
			metrics.ConflictsTotal.WithLabelValues("increment").Inc()
			continue
		}
		m.log.Error("event counter increment failed", zap.Error(err))
		return
	}
}

func (m *Manager) Count(ctx context.Context) (int64, error) {
	if !m.opts.Enabled {
		return 0, nil
	}
	return m.store.Count(ctx)
}

func (m *Manager) ClearCount(ctx context.Context) error {
	if !m.opts.Enabled {
		return nil
	}
	return m.store.ClearCount(ctx)
}

// ListEventIDs exposes the discriminator index for admin listings.
func (m *Manager) ListEventIDs(ctx context.Context, limit int) ([]string, error) {
	if !m.opts.Enabled {
		return nil, nil
	}
	return m.store.List(ctx, limit)
}
