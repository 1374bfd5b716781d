package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/event-relay/internal/model"
)

// DeliveryReports is the append-only ClickHouse sink for per-attempt delivery
// outcomes. Writes are best-effort; the delivery path never blocks on it.
type DeliveryReports interface {
	Record(ctx context.Context, a model.DeliveryAttempt) error
	List(ctx context.Context, eventID, topic, status string, limit, offset int) ([]model.DeliveryAttempt, error)
}

type deliveryReports struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewDeliveryReports(ch *sqlx.DB) DeliveryReports {
	return &deliveryReports{ch: ch}
}

func (r *deliveryReports) Record(ctx context.Context, a model.DeliveryAttempt) error {
	const q = `
		INSERT INTO evrelay.delivery_attempts
		    (event_id, app_id, topic, attempt, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := r.ch.ExecContext(ctx, q,
		a.EventID, a.AppID, a.Topic, a.Attempt, a.Status, a.Error, a.CreatedAt,
	)
	return err
}

func (r *deliveryReports) List(ctx context.Context, eventID, topic, status string, limit, offset int) ([]model.DeliveryAttempt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT event_id, app_id, topic, attempt, status, error, created_at
		FROM evrelay.delivery_attempts
		WHERE 1 = 1
	`
	var args []any

	if eventID != "" {
		q += " AND event_id = ?"
		args = append(args, eventID)
	}
	if topic != "" {
		q += " AND topic = ?"
		args = append(args, topic)
	}
	if status != "" {
		q += " AND status = ?"
		args = append(args, status)
	}

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.DeliveryAttempt
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
