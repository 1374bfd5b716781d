package eventlog_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/event-relay/internal/eventlog"
	"github.com/jmehdipour/event-relay/internal/metrics"
	"github.com/jmehdipour/event-relay/internal/model"
	"github.com/jmehdipour/event-relay/internal/repository"
)

const (
	testAppID = "consumer-a"
	maxRetry  = 3
)

func newManager(store repository.EventLogStore) *eventlog.Manager {
	return eventlog.NewManager(store, eventlog.StaticAppID(testAppID), eventlog.Options{
		Enabled:  true,
		MaxRetry: maxRetry,
	}, nil)
}

func publishArg(id string) eventlog.PublishArgument {
	return eventlog.PublishArgument{
		Event: model.Event{ID: id, Name: "orders.created"},
		Envelope: model.Envelope{
			ID:              id,
			Data:            []byte(`{"n":1}`),
			DataContentType: model.ContentTypeJSON,
		},
		PubsubName: "kafka-pubsub",
		Topic:      "orders.created",
	}
}

func TestCreatePublishLog(t *testing.T) {
	ctx := context.Background()

	t.Run("persists and counts", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()
		mgr := newManager(store)

		log, err := mgr.CreatePublishLog(ctx, publishArg("e1"))
		require.NoError(t, err)
		require.False(t, log.IsNull())
		assert.Equal(t, "e1", log.ID)
		assert.Equal(t, testAppID, log.AppID)
		assert.Equal(t, model.EventStatePublished, log.State)
		assert.NotEmpty(t, log.ETag)
		assert.NotEmpty(t, log.Value)

		stored, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, model.EventStatePublished, stored.State)

		n, err := mgr.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("unrecognized argument returns null log", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()
		mgr := newManager(store)

		arg := publishArg("e2")
		arg.Event = "not an integration event"
		log, err := mgr.CreatePublishLog(ctx, arg)
		require.NoError(t, err)
		assert.True(t, log.IsNull())

		stored, err := store.Get(ctx, "e2")
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("missing app id fails fast", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()
		mgr := eventlog.NewManager(store, eventlog.StaticAppID(""), eventlog.Options{Enabled: true}, nil)

		_, err := mgr.CreatePublishLog(ctx, publishArg("e3"))
		require.ErrorIs(t, err, eventlog.ErrMissingAppID)
	})
}

func TestCanSubscription(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryEventLogStore()
	mgr := newManager(store)

	mkLog := func(state model.SubscriptionState, retries int) *model.IntegrationEventLog {
		return &model.IntegrationEventLog{
			ID: "e1",
			SubscriptionLogs: []model.SubscriptionLog{
				{AppID: testAppID, State: state, RetryCount: retries},
			},
		}
	}

	t.Run("absent subscription is admitted", func(t *testing.T) {
		assert.True(t, mgr.CanSubscription(ctx, &model.IntegrationEventLog{ID: "e1"}))
	})

	t.Run("processing is denied", func(t *testing.T) {
		assert.False(t, mgr.CanSubscription(ctx, mkLog(model.SubscriptionStateProcessing, 1)))
	})

	t.Run("success is denied", func(t *testing.T) {
		assert.False(t, mgr.CanSubscription(ctx, mkLog(model.SubscriptionStateSuccess, 1)))
	})

	t.Run("fail under budget is admitted", func(t *testing.T) {
		assert.True(t, mgr.CanSubscription(ctx, mkLog(model.SubscriptionStateFail, maxRetry-1)))
	})

	t.Run("fail at budget is denied", func(t *testing.T) {
		assert.False(t, mgr.CanSubscription(ctx, mkLog(model.SubscriptionStateFail, maxRetry)))
	})

	t.Run("other consumer's subscription does not gate us", func(t *testing.T) {
		l := &model.IntegrationEventLog{
			ID: "e1",
			SubscriptionLogs: []model.SubscriptionLog{
				{AppID: "someone-else", State: model.SubscriptionStateProcessing},
			},
		}
		assert.True(t, mgr.CanSubscription(ctx, l))
	})
}

func TestCreateSubscriptionLog(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*eventlog.Manager, *repository.MemoryEventLogStore, *model.IntegrationEventLog) {
		store := repository.NewMemoryEventLogStore()
		mgr := newManager(store)
		log, err := mgr.CreatePublishLog(ctx, publishArg("e1"))
		require.NoError(t, err)
		return mgr, store, log
	}

	t.Run("first delivery creates processing entry", func(t *testing.T) {
		mgr, _, log := setup(t)

		got, admitted, err := mgr.CreateSubscriptionLog(ctx, log, "/events/orders.created")
		require.NoError(t, err)
		assert.True(t, admitted)

		sub := got.Subscription(testAppID)
		require.NotNil(t, sub)
		assert.Equal(t, model.SubscriptionStateProcessing, sub.State)
		assert.Equal(t, 1, sub.RetryCount)
		assert.Equal(t, "/events/orders.created", sub.RouteURL)
		assert.Equal(t, model.EventStateProcessing, got.State)
	})

	t.Run("retry of failed delivery increments count once", func(t *testing.T) {
		mgr, _, log := setup(t)

		log, admitted, err := mgr.CreateSubscriptionLog(ctx, log, "/r")
		require.NoError(t, err)
		require.True(t, admitted)
		log, err = mgr.SubscriptionFail(ctx, log, "boom")
		require.NoError(t, err)

		log, admitted, err = mgr.CreateSubscriptionLog(ctx, log, "/r")
		require.NoError(t, err)
		assert.True(t, admitted)

		sub := log.Subscription(testAppID)
		assert.Equal(t, 2, sub.RetryCount)
		assert.Equal(t, model.SubscriptionStateProcessing, sub.State)
	})

	t.Run("successful delivery is never reprocessed", func(t *testing.T) {
		mgr, store, log := setup(t)

		log, _, err := mgr.CreateSubscriptionLog(ctx, log, "/r")
		require.NoError(t, err)
		log, err = mgr.SubscriptionSuccess(ctx, log)
		require.NoError(t, err)

		before := len(log.Subscription(testAppID).RetryLogs)
		got, admitted, err := mgr.CreateSubscriptionLog(ctx, log, "/r")
		require.NoError(t, err)
		assert.False(t, admitted)
		assert.Len(t, got.Subscription(testAppID).RetryLogs, before)

		stored, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Subscription(testAppID).RetryCount)
		assert.Equal(t, model.SubscriptionStateSuccess, stored.Subscription(testAppID).State)
	})

	t.Run("stale etag converges via re-read", func(t *testing.T) {
		mgr, store, log := setup(t)

		// advance the stored record so the in-hand copy goes stale
		other, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		other.Topic = "orders.created.v2"
		require.NoError(t, store.Save(ctx, other))

		got, admitted, err := mgr.CreateSubscriptionLog(ctx, log, "/r")
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, "orders.created.v2", got.Topic) // re-derived from fresh state
		require.NotNil(t, got.Subscription(testAppID))
	})
}

func TestSubscriptionOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("fail appends strictly increasing retry numbers", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()
		mgr := newManager(store)
		log, err := mgr.CreatePublishLog(ctx, publishArg("e1"))
		require.NoError(t, err)

		for i := 1; i <= maxRetry; i++ {
			var admitted bool
			log, admitted, err = mgr.CreateSubscriptionLog(ctx, log, "/r")
			require.NoError(t, err)
			require.True(t, admitted, "attempt %d should be admitted", i)

			log, err = mgr.SubscriptionFail(ctx, log, "handler error")
			require.NoError(t, err)

			sub := log.Subscription(testAppID)
			require.Len(t, sub.RetryLogs, i)
			assert.Equal(t, i, sub.RetryLogs[i-1].Number)
			assert.Equal(t, "handler error", sub.RetryLogs[i-1].Message)
		}

		// budget exhausted: the next attempt is rejected without mutation
		assert.False(t, mgr.CanSubscription(ctx, log))
		got, admitted, err := mgr.CreateSubscriptionLog(ctx, log, "/r")
		require.NoError(t, err)
		assert.False(t, admitted)
		assert.Equal(t, maxRetry, got.Subscription(testAppID).RetryCount)
		assert.Len(t, got.Subscription(testAppID).RetryLogs, maxRetry)
	})

	t.Run("aggregate state follows all consumers", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()
		mgrA := newManager(store)
		mgrB := eventlog.NewManager(store, eventlog.StaticAppID("consumer-b"), eventlog.Options{
			Enabled:  true,
			MaxRetry: maxRetry,
		}, nil)

		log, err := mgrA.CreatePublishLog(ctx, publishArg("e1"))
		require.NoError(t, err)

		log, _, err = mgrA.CreateSubscriptionLog(ctx, log, "/a")
		require.NoError(t, err)
		log, err = mgrA.SubscriptionSuccess(ctx, log)
		require.NoError(t, err)
		assert.Equal(t, model.EventStateSuccess, log.State)

		// a second consumer in flight drags the event back to processing
		log, _, err = mgrB.CreateSubscriptionLog(ctx, log, "/b")
		require.NoError(t, err)
		assert.Equal(t, model.EventStateProcessing, log.State)

		log, err = mgrB.SubscriptionFail(ctx, log, "nope")
		require.NoError(t, err)
		assert.Equal(t, model.EventStateFail, log.State)

		log, _, err = mgrB.CreateSubscriptionLog(ctx, log, "/b")
		require.NoError(t, err)
		log, err = mgrB.SubscriptionSuccess(ctx, log)
		require.NoError(t, err)
		assert.Equal(t, model.EventStateSuccess, log.State)
	})

	t.Run("concurrent fails against stale etags both land", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()
		mgr := newManager(store)
		log, err := mgr.CreatePublishLog(ctx, publishArg("e1"))
		require.NoError(t, err)
		log, _, err = mgr.CreateSubscriptionLog(ctx, log, "/r")
		require.NoError(t, err)

		// two copies sharing the same etag simulate racing consumers
		copy1, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		copy2, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		require.Equal(t, copy1.ETag, copy2.ETag)

		conflictsBefore := testutil.ToFloat64(metrics.ConflictsTotal.WithLabelValues("subscription_fail"))

		_, err = mgr.SubscriptionFail(ctx, copy1, "first")
		require.NoError(t, err)
		_, err = mgr.SubscriptionFail(ctx, copy2, "second")
		require.NoError(t, err)

		conflicts := testutil.ToFloat64(metrics.ConflictsTotal.WithLabelValues("subscription_fail"))
		assert.Equal(t, conflictsBefore+1, conflicts, "the stale write counts as one conflict")

		final, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		sub := final.Subscription(testAppID)
		require.Len(t, sub.RetryLogs, 2, "no lost update")
		assert.Equal(t, 1, sub.RetryLogs[0].Number)
		assert.Equal(t, 2, sub.RetryLogs[1].Number)
	})
}

func TestRepublishReset(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryEventLogStore()
	mgr := newManager(store)

	log, err := mgr.CreatePublishLog(ctx, publishArg("e1"))
	require.NoError(t, err)

	for i := 0; i < maxRetry; i++ {
		var admitted bool
		log, admitted, err = mgr.CreateSubscriptionLog(ctx, log, "/r")
		require.NoError(t, err)
		require.True(t, admitted)
		log, err = mgr.SubscriptionFail(ctx, log, "boom")
		require.NoError(t, err)
	}
	require.False(t, mgr.CanSubscription(ctx, log))

	log, err = mgr.PrepareRepublish(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, log.Subscription(testAppID).RetryCount)
	assert.True(t, mgr.CanSubscription(ctx, log))

	// one more attempt goes through
	log, admitted, err := mgr.CreateSubscriptionLog(ctx, log, "/r")
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 1, log.Subscription(testAppID).RetryCount)
}

// trackingStore fails a configured number of Increment calls with a
// concurrency conflict before succeeding.
type trackingStore struct {
	repository.EventLogStore
	conflicts int32
	calls     int32
}

func (s *trackingStore) Increment(ctx context.Context) error {
	atomic.AddInt32(&s.calls, 1)
	if atomic.AddInt32(&s.conflicts, -1) >= 0 {
		return repository.ErrConcurrency
	}
	return s.EventLogStore.Increment(ctx)
}

func TestIncrementRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	inner := repository.NewMemoryEventLogStore()
	store := &trackingStore{EventLogStore: inner, conflicts: 5}
	mgr := newManager(store)

	conflictsBefore := testutil.ToFloat64(metrics.ConflictsTotal.WithLabelValues("increment"))

	mgr.Increment(ctx)
	assert.Equal(t, int32(6), atomic.LoadInt32(&store.calls))
	assert.Equal(t, conflictsBefore+5, testutil.ToFloat64(metrics.ConflictsTotal.WithLabelValues("increment")))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// failingStore breaks every call; used to prove disabled logging never
// touches the store and that persistence failures do not propagate.
type failingStore struct{ t *testing.T }

func (s *failingStore) Get(context.Context, string) (*model.IntegrationEventLog, error) {
	s.t.Fatal("store touched while logging disabled")
	return nil, nil
}
func (s *failingStore) Save(context.Context, *model.IntegrationEventLog) error {
	s.t.Fatal("store touched while logging disabled")
	return nil
}
func (s *failingStore) List(context.Context, int) ([]string, error) {
	s.t.Fatal("store touched while logging disabled")
	return nil, nil
}
func (s *failingStore) Increment(context.Context) error {
	s.t.Fatal("store touched while logging disabled")
	return nil
}
func (s *failingStore) Count(context.Context) (int64, error) {
	s.t.Fatal("store touched while logging disabled")
	return 0, nil
}
func (s *failingStore) ClearCount(context.Context) error {
	s.t.Fatal("store touched while logging disabled")
	return nil
}

func TestDisabledLoggingReturnsNullLog(t *testing.T) {
	ctx := context.Background()
	mgr := eventlog.NewManager(&failingStore{t: t}, eventlog.StaticAppID(testAppID), eventlog.Options{
		Enabled: false,
	}, nil)

	log, err := mgr.CreatePublishLog(ctx, publishArg("e1"))
	require.NoError(t, err)
	assert.True(t, log.IsNull())

	assert.True(t, mgr.CanSubscription(ctx, log))

	log, admitted, err := mgr.CreateSubscriptionLog(ctx, log, "/r")
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.True(t, log.IsNull())

	log, err = mgr.SubscriptionSuccess(ctx, log)
	require.NoError(t, err)
	assert.True(t, log.IsNull())

	log, err = mgr.SubscriptionFail(ctx, log, "x")
	require.NoError(t, err)
	assert.True(t, log.IsNull())

	got, err := mgr.GetEventLog(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, got.IsNull())

	mgr.Increment(ctx)
	n, err := mgr.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mgr.ClearCount(ctx))
}
