package model

import "time"

type EventState string

const (
	EventStatePublished  EventState = "published"
	EventStateProcessing EventState = "processing"
	EventStateSuccess    EventState = "success"
	EventStateFail       EventState = "fail"
)

func (s EventState) String() string { return string(s) }

func (s EventState) Valid() bool {
	return s == EventStatePublished || s == EventStateProcessing ||
		s == EventStateSuccess || s == EventStateFail
}

type SubscriptionState string

const (
	SubscriptionStateProcessing SubscriptionState = "processing"
	SubscriptionStateSuccess    SubscriptionState = "success"
	SubscriptionStateFail       SubscriptionState = "fail"
)

func (s SubscriptionState) String() string { return string(s) }

func (s SubscriptionState) Valid() bool {
	return s == SubscriptionStateProcessing || s == SubscriptionStateSuccess || s == SubscriptionStateFail
}

// IntegrationEventLog is the persisted record for one published event. It is
// created at publish time and mutated by consumers on every delivery attempt.
// The record is stored serialized as a single value; ETag rides alongside it
// and must be echoed back on save.
type IntegrationEventLog struct {
	ID                   string            `json:"id"`
	AppID                string            `json:"app_id"`
	PubsubName           string            `json:"pubsub_name"`
	Topic                string            `json:"topic"`
	Value                []byte            `json:"value"` // original envelope bytes, re-sent on republish
	State                EventState        `json:"state"`
	SubscriptionLogs     []SubscriptionLog `json:"subscription_logs"`
	PublishTime          time.Time         `json:"publish_time"`
	LastModificationTime time.Time         `json:"last_modification_time"`

	// ETag is the optimistic-concurrency token read alongside the value.
	// Not part of the serialized record.
	ETag string `json:"-"`

	// disabled marks the sentinel returned when event logging is turned off.
	disabled bool
}

// NullEventLog returns the sentinel log used when event logging is disabled,
// so call sites stay branch-free instead of handling nil.
func NullEventLog() *IntegrationEventLog {
	return &IntegrationEventLog{disabled: true}
}

// IsNull reports whether the log is the disabled-logging sentinel.
func (l *IntegrationEventLog) IsNull() bool { return l == nil || l.disabled }

// Subscription returns the subscription log for appID, or nil. There is at
// most one per consuming application.
func (l *IntegrationEventLog) Subscription(appID string) *SubscriptionLog {
	for i := range l.SubscriptionLogs {
		if l.SubscriptionLogs[i].AppID == appID {
			return &l.SubscriptionLogs[i]
		}
	}
	return nil
}

// RecomputeState derives the aggregate state from the subscription logs:
// all success => success; any processing => processing; otherwise fail.
// An event with no subscription logs keeps its published state.
func (l *IntegrationEventLog) RecomputeState() {
	if len(l.SubscriptionLogs) == 0 {
		return
	}

	allSuccess := true
	anyProcessing := false
	for i := range l.SubscriptionLogs {
		switch l.SubscriptionLogs[i].State {
		case SubscriptionStateSuccess:
		case SubscriptionStateProcessing:
			allSuccess = false
			anyProcessing = true
		default:
			allSuccess = false
		}
	}

	switch {
	case allSuccess:
		l.State = EventStateSuccess
	case anyProcessing:
		l.State = EventStateProcessing
	default:
		l.State = EventStateFail
	}
}

// SubscriptionLog tracks delivery of one event to one consuming application.
type SubscriptionLog struct {
	AppID                string                 `json:"app_id"`
	RouteURL             string                 `json:"route_url"`
	State                SubscriptionState      `json:"state"`
	RetryCount           int                    `json:"retry_count"`
	RetryLogs            []SubscriptionRetryLog `json:"retry_logs"`
	SubscriptionTime     time.Time              `json:"subscription_time"`
	LastModificationTime time.Time              `json:"last_modification_time"`
}

// NextRetryNumber returns one past the highest recorded retry number.
func (s *SubscriptionLog) NextRetryNumber() int {
	max := 0
	for i := range s.RetryLogs {
		if s.RetryLogs[i].Number > max {
			max = s.RetryLogs[i].Number
		}
	}
	return max + 1
}

// SubscriptionRetryLog is an append-only failure record.
type SubscriptionRetryLog struct {
	Number    int       `json:"number"`
	Message   string    `json:"message"`
	RetryTime time.Time `json:"retry_time"`
}

// IntegrationEventCount is the shared publish counter. Advisory only.
type IntegrationEventCount struct {
	Count int64  `json:"count"`
	ETag  string `json:"-"`
}
