package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/event-relay/internal/kafka"
)

// Deliverer bridges the broker to the webhook delivery contract: it fetches
// envelopes from Kafka, POSTs them to the subscriber route and interprets the
// returned status. SUCCESS and DROP commit the offset; RETRY redelivers after
// a backoff until the subscriber answers terminally (the event-log gate turns
// an exhausted budget into DROP, so the loop ends).
type Deliverer struct {
	Consumer *kafka.Consumer
	RouteURL string // e.g. http://app:8080/events; topic is appended
	Topic    string

	Workers      int
	RetryBackoff time.Duration

	client  *http.Client
	breaker *routeBreaker
	log     *zap.Logger
}

type Options struct {
	Workers       int
	RetryBackoff  time.Duration
	Timeout       time.Duration
	FailThreshold int
	OpenFor       time.Duration
}

func NewDeliverer(consumer *kafka.Consumer, routeURL, topic string, opts Options, log *zap.Logger) *Deliverer {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Deliverer{
		Consumer:     consumer,
		RouteURL:     routeURL,
		Topic:        topic,
		Workers:      opts.Workers,
		RetryBackoff: opts.RetryBackoff,
		client:       &http.Client{Timeout: opts.Timeout},
		breaker:      newRouteBreaker(opts.FailThreshold, opts.OpenFor),
		log:          log,
	}
}

// Run blocks until ctx is cancelled.
func (d *Deliverer) Run(ctx context.Context) error {
	msgCh := make(chan kafka.Message, d.Workers*2)

	go func() {
		defer close(msgCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				m, err := d.Consumer.Fetch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					d.log.Warn("kafka fetch failed", zap.Error(err))
					time.Sleep(200 * time.Millisecond)
					continue
				}
				msgCh <- m
			}
		}
	}()

	done := make(chan struct{})
	for i := 0; i < d.Workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for m := range msgCh {
				d.handle(ctx, m)
			}
		}()
	}

	for i := 0; i < d.Workers; i++ {
		<-done
	}
	return ctx.Err()
}

func (d *Deliverer) handle(ctx context.Context, m kafka.Message) {
	for {
		if ctx.Err() != nil {
			return
		}

		if !d.breaker.tryAcquire() {
			d.sleep(ctx, d.RetryBackoff)
			continue
		}

		status, err := d.post(ctx, m.Value)
		if err != nil {
			d.breaker.onFailure()
			d.log.Warn("route unreachable",
				zap.String("event_id", string(m.Key)), zap.Error(err))
			d.sleep(ctx, d.RetryBackoff)
			continue
		}
		d.breaker.onSuccess()

		switch status {
		case "SUCCESS", "DROP":
			if err := d.Consumer.Commit(ctx, m); err != nil {
				d.log.Error("offset commit failed",
					zap.String("event_id", string(m.Key)), zap.Error(err))
			}
			if status == "DROP" {
				d.log.Warn("delivery dropped", zap.String("event_id", string(m.Key)))
			}
			return
		case "RETRY":
			d.sleep(ctx, d.RetryBackoff)
		default:
			d.log.Error("unknown delivery status",
				zap.String("event_id", string(m.Key)), zap.String("status", status))
			d.sleep(ctx, d.RetryBackoff)
		}
	}
}

func (d *Deliverer) post(ctx context.Context, envelope []byte) (string, error) {
	url := d.RouteURL + "/" + d.Topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return "", fmt.Errorf("route status=%d", res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("bad route response: %w", err)
	}
	return out.Status, nil
}

func (d *Deliverer) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
