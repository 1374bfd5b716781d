package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/event-relay/internal/model"
)

// ErrConcurrency is returned by Save/Increment when the stored ETag does not
// match the one carried by the write. Callers re-read and retry.
var ErrConcurrency = errors.New("etag mismatch")

const (
	// Record-type discriminators. The persisted key is "{TypeName}_{id}" so
	// records can be fetched without a secondary index; the discriminator is
	// also stored on its own for initial lookups and listings.
	TypeEventLog   = "IntegrationEventLog"
	TypeEventCount = "IntegrationEventCount"

	// The counter is a single shared record.
	countID = "total"
)

// RecordKey builds the deterministic storage key for a typed record.
func RecordKey(typeName, id string) string {
	return fmt.Sprintf("%s_%s", typeName, id)
}

// EventLogStore is the persistence gateway for event logs and the shared
// publish counter. Save is atomic with respect to the ETag: a stale token
// fails the whole write with ErrConcurrency. No retry logic lives here.
type EventLogStore interface {
	// Get returns the log for eventID, or nil when absent.
	Get(ctx context.Context, eventID string) (*model.IntegrationEventLog, error)

	// Save persists the log. An empty ETag means create; a non-empty ETag
	// must match the stored one. On success the log's ETag is replaced with
	// the new token.
	Save(ctx context.Context, log *model.IntegrationEventLog) error

	// List returns up to limit recent event ids via the discriminator index.
	List(ctx context.Context, limit int) ([]string, error)

	// Increment bumps the shared counter once, using the same optimistic
	// save. Conflicts surface as ErrConcurrency.
	Increment(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
	ClearCount(ctx context.Context) error
}
