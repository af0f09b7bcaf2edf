package provisioning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gregtusar/tokenset/pkg/models"
	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("provisioning")

// BoltStore keeps records as JSON documents keyed by account. Each Update is
// one bbolt write transaction.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("provisioning: init store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func decodeRecord(raw []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("provisioning: decode record: %w", err)
	}
	if rec.Status == nil {
		rec.Status = make(map[string]models.InstanceStatus)
	}
	return &rec, nil
}

func (s *BoltStore) Update(ctx context.Context, account string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)

		var current *Record
		if raw := b.Get([]byte(account)); raw != nil {
			rec, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			current = rec
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return b.Delete([]byte(account))
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(account), raw)
	})
}

func (s *BoltStore) Get(ctx context.Context, account string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(recordsBucket).Get([]byte(account))
		if raw == nil {
			return ErrAccountNotFound
		}
		var err error
		rec, err = decodeRecord(raw)
		return err
	})
	return rec, err
}

func (s *BoltStore) ForEach(ctx context.Context, fn func(rec *Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(_, raw []byte) error {
			rec, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	})
}
