package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/event-relay/internal/model"
	"github.com/jmehdipour/event-relay/internal/util"
)

// MySQLEventLogStore keeps records as rows in event_log_records: one row per
// typed record, serialized value plus an etag column. The optimistic save is
// an UPDATE guarded by the etag; zero affected rows means a stale token.
type MySQLEventLogStore struct {
	db *sqlx.DB
}

func NewMySQLEventLogStore(db *sqlx.DB) *MySQLEventLogStore {
	return &MySQLEventLogStore{db: db}
}

type recordRow struct {
	Value []byte `db:"value"`
	ETag  string `db:"etag"`
}

func (s *MySQLEventLogStore) getRecord(ctx context.Context, key string) (*recordRow, error) {
	const q = `SELECT value, etag FROM event_log_records WHERE record_key = ?`

	var row recordRow
	if err := s.db.GetContext(ctx, &row, q, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// saveRecord inserts (etag == "") or etag-guarded-updates one record.
func (s *MySQLEventLogStore) saveRecord(ctx context.Context, key, dataType string, value []byte, etag, next string) error {
	if etag == "" {
		const q = `
			INSERT INTO event_log_records (record_key, data_type, value, etag, created_at, updated_at)
			VALUES (?, ?, ?, ?, NOW(), NOW())
		`
		if _, err := s.db.ExecContext(ctx, q, key, dataType, value, next); err != nil {
			var me *mysql.MySQLError
			if errors.As(err, &me) && me.Number == 1062 { // duplicate key: created concurrently
				return ErrConcurrency
			}
			return err
		}
		return nil
	}

	const q = `
		UPDATE event_log_records
		SET value = ?, etag = ?, updated_at = NOW()
		WHERE record_key = ? AND etag = ?
	`
	res, err := s.db.ExecContext(ctx, q, value, next, key, etag)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrency
	}
	return nil
}

func (s *MySQLEventLogStore) Get(ctx context.Context, eventID string) (*model.IntegrationEventLog, error) {
	row, err := s.getRecord(ctx, RecordKey(TypeEventLog, eventID))
	if err != nil || row == nil {
		return nil, err
	}

	var log model.IntegrationEventLog
	if err := json.Unmarshal(row.Value, &log); err != nil {
		return nil, err
	}
	log.ETag = row.ETag
	return &log, nil
}

func (s *MySQLEventLogStore) Save(ctx context.Context, log *model.IntegrationEventLog) error {
	b, err := json.Marshal(log)
	if err != nil {
		return err
	}

	next := util.New()
	if err := s.saveRecord(ctx, RecordKey(TypeEventLog, log.ID), TypeEventLog, b, log.ETag, next); err != nil {
		return err
	}
	log.ETag = next
	return nil
}

func (s *MySQLEventLogStore) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	const q = `
		SELECT record_key FROM event_log_records
		WHERE data_type = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`
	var keys []string
	if err := s.db.SelectContext(ctx, &keys, q, TypeEventLog, limit); err != nil {
		return nil, err
	}

	prefix := TypeEventLog + "_"
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if len(k) > len(prefix) {
			ids = append(ids, k[len(prefix):])
		}
	}
	return ids, nil
}

func (s *MySQLEventLogStore) getCount(ctx context.Context) (model.IntegrationEventCount, error) {
	row, err := s.getRecord(ctx, RecordKey(TypeEventCount, countID))
	if err != nil {
		return model.IntegrationEventCount{}, err
	}

	var c model.IntegrationEventCount
	if row != nil {
		if err := json.Unmarshal(row.Value, &c); err != nil {
			return model.IntegrationEventCount{}, err
		}
		c.ETag = row.ETag
	}
	return c, nil
}

func (s *MySQLEventLogStore) saveCount(ctx context.Context, c model.IntegrationEventCount) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.saveRecord(ctx, RecordKey(TypeEventCount, countID), TypeEventCount, b, c.ETag, util.New())
}

func (s *MySQLEventLogStore) Increment(ctx context.Context) error {
	c, err := s.getCount(ctx)
	if err != nil {
		return err
	}
	c.Count++
	return s.saveCount(ctx, c)
}

func (s *MySQLEventLogStore) Count(ctx context.Context) (int64, error) {
	c, err := s.getCount(ctx)
	if err != nil {
		return 0, err
	}
	return c.Count, nil
}

func (s *MySQLEventLogStore) ClearCount(ctx context.Context) error {
	c, err := s.getCount(ctx)
	if err != nil {
		return err
	}
	c.Count = 0
	return s.saveCount(ctx, c)
}
