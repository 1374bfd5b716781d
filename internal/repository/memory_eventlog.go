package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/jmehdipour/event-relay/internal/model"
	"github.com/jmehdipour/event-relay/internal/util"
)

// MemoryEventLogStore is the in-process driver used for tests and local
// development. Same ETag semantics as the real drivers, backed by a map.
type MemoryEventLogStore struct {
	mu      sync.Mutex
	records map[string]memRecord
	seq     int64
}

type memRecord struct {
	value []byte
	etag  string
	order int64
}

func NewMemoryEventLogStore() *MemoryEventLogStore {
	return &MemoryEventLogStore{records: make(map[string]memRecord)}
}

func (s *MemoryEventLogStore) get(key string) (memRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	return r, ok
}

func (s *MemoryEventLogStore) save(key string, value []byte, etag, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.records[key]
	if exists {
		if cur.etag != etag {
			return ErrConcurrency
		}
	} else if etag != "" {
		return ErrConcurrency
	}

	s.seq++
	s.records[key] = memRecord{value: value, etag: next, order: s.seq}
	return nil
}

func (s *MemoryEventLogStore) Get(_ context.Context, eventID string) (*model.IntegrationEventLog, error) {
	r, ok := s.get(RecordKey(TypeEventLog, eventID))
	if !ok {
		return nil, nil
	}

	var log model.IntegrationEventLog
	if err := json.Unmarshal(r.value, &log); err != nil {
		return nil, err
	}
	log.ETag = r.etag
	return &log, nil
}

func (s *MemoryEventLogStore) Save(_ context.Context, log *model.IntegrationEventLog) error {
	b, err := json.Marshal(log)
	if err != nil {
		return err
	}

	next := util.New()
	if err := s.save(RecordKey(TypeEventLog, log.ID), b, log.ETag, next); err != nil {
		return err
	}
	log.ETag = next
	return nil
}

func (s *MemoryEventLogStore) List(_ context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		id    string
		order int64
	}
	prefix := TypeEventLog + "_"
	var entries []entry
	for k, r := range s.records {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			entries = append(entries, entry{id: k[len(prefix):], order: r.order})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order > entries[j].order })

	if len(entries) > limit {
		entries = entries[:limit]
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (s *MemoryEventLogStore) getCount() (model.IntegrationEventCount, error) {
	r, ok := s.get(RecordKey(TypeEventCount, countID))
	if !ok {
		return model.IntegrationEventCount{}, nil
	}

	var c model.IntegrationEventCount
	if err := json.Unmarshal(r.value, &c); err != nil {
		return model.IntegrationEventCount{}, err
	}
	c.ETag = r.etag
	return c, nil
}

func (s *MemoryEventLogStore) saveCount(c model.IntegrationEventCount) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.save(RecordKey(TypeEventCount, countID), b, c.ETag, util.New())
}

func (s *MemoryEventLogStore) Increment(_ context.Context) error {
	c, err := s.getCount()
	if err != nil {
		return err
	}
	c.Count++
	return s.saveCount(c)
}

func (s *MemoryEventLogStore) Count(_ context.Context) (int64, error) {
	c, err := s.getCount()
	if err != nil {
		return 0, err
	}
	return c.Count, nil
}

func (s *MemoryEventLogStore) ClearCount(_ context.Context) error {
	c, err := s.getCount()
	if err != nil {
		return err
	}
	c.Count = 0
	return s.saveCount(c)
}
