package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmehdipour/event-relay/internal/eventlog"
	"github.com/jmehdipour/event-relay/internal/metrics"
	"github.com/jmehdipour/event-relay/internal/model"
	"github.com/jmehdipour/event-relay/internal/util"
)

// ErrPublishVetoed is returned when a before hook or the publish callback
// stops the publish. The event was not sent.
var ErrPublishVetoed = errors.New("publish vetoed")

// Transport moves envelope bytes to the broker. Metadata rides as
// broker-level message headers alongside the payload.
type Transport interface {
	Send(ctx context.Context, topic string, key, value []byte, metadata map[string]string) error
}

// HeaderSource exposes inbound request headers for import into outbound
// envelopes.
type HeaderSource interface {
	Get(key string) (string, bool)
}

// BeforeHook runs before the transport send and may veto it by returning
// false.
type BeforeHook func(ctx context.Context, arg *eventlog.PublishArgument) (bool, error)

// AfterHook runs after the transport send.
type AfterHook func(ctx context.Context, arg eventlog.PublishArgument) error

// Bus builds outbound envelopes and drives the publish/republish flows.
// Configuration is fluent; the With*/On* methods return the bus itself.
type Bus struct {
	transport Transport
	callback  PublishCallback
	log       *zap.Logger

	pubsubName string
	topic      string
	headers    map[string]string
	metadata   map[string]string
	importKeys []string
	removeKeys []string
	before     BeforeHook
	after      AfterHook
}

func New(transport Transport, callback PublishCallback, log *zap.Logger) *Bus {
	if callback == nil {
		callback = NoopCallback{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		transport: transport,
		callback:  callback,
		log:       log,
		headers:   map[string]string{},
		metadata:  map[string]string{},
	}
}

func (b *Bus) WithPubsubName(name string) *Bus { b.pubsubName = name; return b }
func (b *Bus) WithTopic(topic string) *Bus     { b.topic = topic; return b }

func (b *Bus) WithHeader(key, value string) *Bus {
	b.headers[key] = value
	return b
}

func (b *Bus) WithMetadata(key, value string) *Bus {
	b.metadata[key] = value
	return b
}

// ImportHeaders allow-lists inbound request headers to copy onto outbound
// envelopes. Imported values never override configured ones.
func (b *Bus) ImportHeaders(keys ...string) *Bus {
	b.importKeys = append(b.importKeys, keys...)
	return b
}

// RemoveHeaders strips keys from the merged header set before sending.
func (b *Bus) RemoveHeaders(keys ...string) *Bus {
	b.removeKeys = append(b.removeKeys, keys...)
	return b
}

func (b *Bus) OnBefore(h BeforeHook) *Bus { b.before = h; return b }
func (b *Bus) OnAfter(h AfterHook) *Bus   { b.after = h; return b }

// PublishOption tunes a single Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	source HeaderSource
	action func(ctx context.Context, arg eventlog.PublishArgument)
}

// WithHeaderSource supplies the inbound request context whose allow-listed
// headers feed the envelope.
func WithHeaderSource(src HeaderSource) PublishOption {
	return func(o *publishOptions) { o.source = src }
}

// WithAfterAction runs a caller-supplied action once the publish completed.
func WithAfterAction(fn func(ctx context.Context, arg eventlog.PublishArgument)) PublishOption {
	return func(o *publishOptions) { o.action = fn }
}

func (b *Bus) mergeHeaders(src HeaderSource) map[string]string {
	merged := make(map[string]string, len(b.headers)+len(b.importKeys))

	if src != nil {
		for _, k := range b.importKeys {
			if v, ok := src.Get(k); ok && v != "" {
				merged[k] = v
			}
		}
	}
	// configured headers win over imported ones
	for k, v := range b.headers {
		merged[k] = v
	}
	for _, k := range b.removeKeys {
		delete(merged, k)
	}

	if len(merged) == 0 {
		return nil
	}
	return merged
}

func (b *Bus) resolveDestination(event model.IntegrationEvent) (pubsub, topic string, err error) {
	pubsub = b.pubsubName
	if pubsub == "" {
		pubsub = event.PubsubName()
	}
	topic = b.topic
	if topic == "" {
		topic = event.Topic()
	}
	if topic == "" {
		return "", "", errors.New("publish: no topic configured or declared by event")
	}
	return pubsub, topic, nil
}

// Publish wraps the event in a transport envelope and sends it. The primary
// send failure propagates; bookkeeping failures (other than missing app id,
// which is a configuration error) are logged and swallowed so the audit path
// never blocks the data path.
func (b *Bus) Publish(ctx context.Context, event model.IntegrationEvent, opts ...PublishOption) error {
	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}

	pubsub, topic, err := b.resolveDestination(event)
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("publish: marshal event: %w", err)
	}

	id := event.EventID()
	if id == "" {
		id = util.New()
	}

	var md map[string]string
	if len(b.metadata) > 0 {
		md = make(map[string]string, len(b.metadata))
		for k, v := range b.metadata {
			md[k] = v
		}
	}

	arg := eventlog.PublishArgument{
		Event: event,
		Envelope: model.Envelope{
			ID:              id,
			Data:            data,
			Headers:         b.mergeHeaders(po.source),
			DataContentType: model.ContentTypeJSON,
		},
		PubsubName: pubsub,
		Topic:      topic,
		Metadata:   md,
	}

	if b.before != nil {
		ok, err := b.before(ctx, &arg)
		if err != nil {
			return err
		}
		if !ok {
			b.log.Debug("publish vetoed by before hook", zap.String("event_id", id))
			return ErrPublishVetoed
		}
	}
	ok, err := b.callback.OnPublishBefore(ctx, &arg)
	if err != nil {
		return err
	}
	if !ok {
		b.log.Debug("publish vetoed by callback", zap.String("event_id", id))
		return ErrPublishVetoed
	}

	value, err := model.EncodeEnvelope(arg.Envelope)
	if err != nil {
		return err
	}
	if err := b.transport.Send(ctx, arg.Topic, []byte(id), value, arg.Metadata); err != nil {
		return fmt.Errorf("publish: send: %w", err)
	}
	metrics.EventsTotal.WithLabelValues("published", arg.Topic).Inc()

	if err := b.callback.OnPublishAfter(ctx, arg); err != nil {
		if errors.Is(err, eventlog.ErrMissingAppID) {
			return err
		}
		b.log.Error("publish bookkeeping failed",
			zap.String("event_id", id), zap.String("topic", topic), zap.Error(err))
	}

	if b.after != nil {
		if err := b.after(ctx, arg); err != nil {
			b.log.Error("publish after hook failed", zap.String("event_id", id), zap.Error(err))
		}
	}
	if po.action != nil {
		po.action(ctx, arg)
	}
	return nil
}

// Republish re-sends a previously logged event's original envelope, keeping
// its id so consumer-side idempotency checks still apply. Every exhausted
// consumer gets a fresh retry budget first.
func (b *Bus) Republish(ctx context.Context, eventID string) error {
	log, err := b.callback.OnRepublishBefore(ctx, eventID)
	if err != nil {
		return err
	}
	if log == nil || log.IsNull() {
		return ErrLoggingDisabled
	}

	// sanity: the stored value must still decode as an envelope
	env, err := model.DecodeEnvelope(log.Value)
	if err != nil {
		return fmt.Errorf("republish: stored envelope for %s is corrupt: %w", eventID, err)
	}

	if err := b.transport.Send(ctx, log.Topic, []byte(env.ID), log.Value, b.metadata); err != nil {
		return fmt.Errorf("republish: send: %w", err)
	}
	metrics.EventsTotal.WithLabelValues("republished", log.Topic).Inc()

	if err := b.callback.OnRepublishAfter(ctx, log); err != nil {
		b.log.Error("republish bookkeeping failed", zap.String("event_id", eventID), zap.Error(err))
	}
	return nil
}
