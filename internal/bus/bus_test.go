package bus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/event-relay/internal/bus"
	"github.com/jmehdipour/event-relay/internal/eventlog"
	"github.com/jmehdipour/event-relay/internal/model"
	"github.com/jmehdipour/event-relay/internal/repository"
)

type sentMessage struct {
	topic    string
	key      []byte
	value    []byte
	metadata map[string]string
}

type fakeTransport struct {
	sent []sentMessage
	err  error
}

func (f *fakeTransport) Send(_ context.Context, topic string, key, value []byte, metadata map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{topic: topic, key: key, value: value, metadata: metadata})
	return nil
}

type mapSource map[string]string

func (m mapSource) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func newLogBus(t *testing.T) (*bus.Bus, *fakeTransport, *eventlog.Manager, *repository.MemoryEventLogStore) {
	t.Helper()
	store := repository.NewMemoryEventLogStore()
	mgr := eventlog.NewManager(store, eventlog.StaticAppID("consumer-a"), eventlog.Options{
		Enabled:  true,
		MaxRetry: 3,
	}, nil)
	transport := &fakeTransport{}
	b := bus.New(transport, bus.NewLogCallback(mgr), nil)
	return b, transport, mgr, store
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	event := model.Event{ID: "e1", Name: "orders.created", Data: map[string]any{"n": 1}}

	t.Run("builds envelope and records log", func(t *testing.T) {
		b, transport, mgr, store := newLogBus(t)

		require.NoError(t, b.Publish(ctx, event))
		require.Len(t, transport.sent, 1)

		msg := transport.sent[0]
		assert.Equal(t, "orders.created", msg.topic)
		assert.Equal(t, "e1", string(msg.key))

		env, err := model.DecodeEnvelope(msg.value)
		require.NoError(t, err)
		assert.Equal(t, "e1", env.ID)
		assert.Equal(t, model.ContentTypeJSON, env.DataContentType)

		log, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		require.NotNil(t, log)
		assert.Equal(t, model.EventStatePublished, log.State)
		assert.Equal(t, msg.value, log.Value)

		n, err := mgr.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("merges headers with configured winning", func(t *testing.T) {
		b, transport, _, _ := newLogBus(t)
		b.WithHeader("X-Source", "relay").
			ImportHeaders("Authorization", "X-Correlation-ID", "X-Source").
			RemoveHeaders("X-Strip")

		src := mapSource{
			"Authorization":    "Bearer tok",
			"X-Correlation-ID": "corr-1",
			"X-Source":         "spoofed",
			"X-Strip":          "gone",
		}
		require.NoError(t, b.Publish(ctx, event, bus.WithHeaderSource(src)))

		env, err := model.DecodeEnvelope(transport.sent[0].value)
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok", env.Headers["Authorization"])
		assert.Equal(t, "corr-1", env.Headers["X-Correlation-ID"])
		assert.Equal(t, "relay", env.Headers["X-Source"])
		assert.NotContains(t, env.Headers, "X-Strip")
	})

	t.Run("configured metadata reaches the transport", func(t *testing.T) {
		b, transport, _, _ := newLogBus(t)
		b.WithMetadata("ttlInSeconds", "60").
			WithMetadata("priority", "high")

		require.NoError(t, b.Publish(ctx, event))
		require.Len(t, transport.sent, 1)

		msg := transport.sent[0]
		assert.Equal(t, "60", msg.metadata["ttlInSeconds"])
		assert.Equal(t, "high", msg.metadata["priority"])

		// metadata is a delivery hint, never part of the envelope
		env, err := model.DecodeEnvelope(msg.value)
		require.NoError(t, err)
		assert.NotContains(t, env.Headers, "ttlInSeconds")
	})

	t.Run("explicit topic overrides event attribute", func(t *testing.T) {
		b, transport, _, _ := newLogBus(t)
		b.WithTopic("override.topic")

		require.NoError(t, b.Publish(ctx, event))
		assert.Equal(t, "override.topic", transport.sent[0].topic)
	})

	t.Run("no topic anywhere is an error", func(t *testing.T) {
		b, transport, _, _ := newLogBus(t)
		err := b.Publish(ctx, model.Event{ID: "e9"})
		require.Error(t, err)
		assert.Empty(t, transport.sent)
	})

	t.Run("before hook vetoes the send", func(t *testing.T) {
		b, transport, _, store := newLogBus(t)
		b.OnBefore(func(context.Context, *eventlog.PublishArgument) (bool, error) {
			return false, nil
		})

		err := b.Publish(ctx, event)
		require.ErrorIs(t, err, bus.ErrPublishVetoed)
		assert.Empty(t, transport.sent)

		log, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Nil(t, log)
	})

	t.Run("send failure propagates and skips bookkeeping", func(t *testing.T) {
		b, transport, _, store := newLogBus(t)
		transport.err = errors.New("broker down")

		require.Error(t, b.Publish(ctx, event))

		log, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Nil(t, log)
	})

	t.Run("missing app id surfaces as configuration error", func(t *testing.T) {
		store := repository.NewMemoryEventLogStore()
		mgr := eventlog.NewManager(store, eventlog.StaticAppID(""), eventlog.Options{Enabled: true}, nil)
		b := bus.New(&fakeTransport{}, bus.NewLogCallback(mgr), nil)

		err := b.Publish(ctx, event)
		require.ErrorIs(t, err, eventlog.ErrMissingAppID)
	})

	t.Run("after action runs with the built argument", func(t *testing.T) {
		b, _, _, _ := newLogBus(t)

		var got eventlog.PublishArgument
		require.NoError(t, b.Publish(ctx, event, bus.WithAfterAction(
			func(_ context.Context, arg eventlog.PublishArgument) { got = arg },
		)))
		assert.Equal(t, "e1", got.Envelope.ID)
		assert.Equal(t, "orders.created", got.Topic)
	})
}

func TestRepublish(t *testing.T) {
	ctx := context.Background()
	event := model.Event{ID: "e1", Name: "orders.created", Data: map[string]any{"n": 1}}

	t.Run("resends original envelope and resets budgets", func(t *testing.T) {
		b, transport, mgr, store := newLogBus(t)
		require.NoError(t, b.Publish(ctx, event))
		original := transport.sent[0]

		// exhaust the consumer
		log, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			var admitted bool
			log, admitted, err = mgr.CreateSubscriptionLog(ctx, log, "/r")
			require.NoError(t, err)
			require.True(t, admitted)
			log, err = mgr.SubscriptionFail(ctx, log, "boom")
			require.NoError(t, err)
		}
		require.False(t, mgr.CanSubscription(ctx, log))

		require.NoError(t, b.Republish(ctx, "e1"))
		require.Len(t, transport.sent, 2)

		resent := transport.sent[1]
		assert.Equal(t, original.topic, resent.topic)
		assert.Equal(t, original.value, resent.value, "original envelope resent unchanged")
		assert.Equal(t, "e1", string(resent.key))

		final, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, 0, final.Subscription("consumer-a").RetryCount)
		assert.True(t, mgr.CanSubscription(ctx, final))
	})

	t.Run("unknown event fails", func(t *testing.T) {
		b, _, _, _ := newLogBus(t)
		require.Error(t, b.Republish(ctx, "missing"))
	})

	t.Run("noop callback cannot republish", func(t *testing.T) {
		b := bus.New(&fakeTransport{}, bus.NoopCallback{}, nil)
		err := b.Republish(ctx, "e1")
		require.ErrorIs(t, err, bus.ErrLoggingDisabled)
	})
}
