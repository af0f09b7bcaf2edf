package provisioning

import (
	"context"
	"sync"
)

// UpdateFunc receives the current record of an account, nil when there is
// none, and returns the record to keep. Returning nil deletes the record.
// Nothing is saved when it returns an error.
type UpdateFunc func(rec *Record) (*Record, error)

// Store keeps provisioning records. Update is atomic per call: the read and
// the write of one account cannot interleave with another Update.
type Store interface {
	Update(ctx context.Context, account string, fn UpdateFunc) error
	Get(ctx context.Context, account string) (*Record, error)
	ForEach(ctx context.Context, fn func(rec *Record) error) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Update(ctx context.Context, account string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *Record
	if rec, ok := s.records[account]; ok {
		current = rec.clone()
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.records, account)
		return nil
	}
	s.records[account] = next.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, account string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[account]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return rec.clone(), nil
}

func (s *MemoryStore) ForEach(ctx context.Context, fn func(rec *Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if err := fn(rec.clone()); err != nil {
			return err
		}
	}
	return nil
}
