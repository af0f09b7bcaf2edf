package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gregtusar/tokenset/pkg/models"
	bolt "go.etcd.io/bbolt"
)

var (
	rootBucket  = []byte("ledger")
	stateBucket = []byte("$state")
)

// BoltLedger keeps balances of one namespace in a bbolt database:
//
//	ledger/<namespace>/<account>/<asset> = big-endian amount
//	ledger/<namespace>/$state/<key>      = raw value
//
// Several ledgers may share one database under different namespaces.
type BoltLedger struct {
	db        *bolt.DB
	namespace []byte
}

// NewBolt opens namespace, creating it when it does not exist yet.
func NewBolt(db *bolt.DB, namespace string) (*BoltLedger, error) {
	return openBolt(db, namespace, false)
}

// CreateBolt creates namespace and fails with ErrNamespaceExists when an
// earlier run already created it.
func CreateBolt(db *bolt.DB, namespace string) (*BoltLedger, error) {
	return openBolt(db, namespace, true)
}

func openBolt(db *bolt.DB, namespace string, exclusive bool) (*BoltLedger, error) {
	if namespace == "" {
		return nil, errors.New("ledger: empty namespace")
	}
	l := &BoltLedger{db: db, namespace: []byte(namespace)}
	err := db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(rootBucket)
		if err != nil {
			return err
		}
		if exclusive {
			_, err = root.CreateBucket(l.namespace)
			if errors.Is(err, bolt.ErrBucketExists) {
				return ErrNamespaceExists
			}
			return err
		}
		_, err = root.CreateBucketIfNotExists(l.namespace)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: init namespace %s: %w", namespace, err)
	}
	return l, nil
}

// Namespaces lists every namespace stored in db.
func Namespaces(db *bolt.DB) ([]string, error) {
	var out []string
	err := db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root == nil {
			return nil
		}
		return root.ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, string(k))
			}
			return nil
		})
	})
	return out, err
}

func (l *BoltLedger) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{bucket: l.bucket(tx)})
	})
}

func (l *BoltLedger) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(rootBucket)
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists(l.namespace)
		if err != nil {
			return err
		}
		return fn(&boltTx{bucket: b, writable: true})
	})
}

func (l *BoltLedger) Drop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root == nil {
			return nil
		}
		err := root.DeleteBucket(l.namespace)
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (l *BoltLedger) bucket(tx *bolt.Tx) *bolt.Bucket {
	root := tx.Bucket(rootBucket)
	if root == nil {
		return nil
	}
	return root.Bucket(l.namespace)
}

type boltTx struct {
	bucket   *bolt.Bucket
	writable bool
}

func (tx *boltTx) Balance(account, asset string) (models.Amount, error) {
	if err := checkKey(account, asset); err != nil {
		return models.Amount{}, err
	}
	if tx.bucket == nil {
		return models.Amount{}, nil
	}
	acc := tx.bucket.Bucket([]byte(account))
	if acc == nil {
		return models.Amount{}, nil
	}
	raw := acc.Get([]byte(asset))
	if raw == nil {
		return models.Amount{}, nil
	}
	return models.AmountFromBytes(raw)
}

func (tx *boltTx) Balances(account string) (map[string]models.Amount, error) {
	out := make(map[string]models.Amount)
	if tx.bucket == nil {
		return out, nil
	}
	acc := tx.bucket.Bucket([]byte(account))
	if acc == nil {
		return out, nil
	}
	err := acc.ForEach(func(k, v []byte) error {
		amount, err := models.AmountFromBytes(v)
		if err != nil {
			return err
		}
		if !amount.IsZero() {
			out[string(k)] = amount
		}
		return nil
	})
	return out, err
}

func (tx *boltTx) Deposit(account, asset string, amount models.Amount) error {
	current, err := tx.Balance(account, asset)
	if err != nil {
		return err
	}
	next, err := current.Add(amount)
	if err != nil {
		return fmt.Errorf("deposit %s to %s: %w", asset, account, err)
	}
	return tx.put(account, asset, next)
}

func (tx *boltTx) Withdraw(account, asset string, amount models.Amount) error {
	current, err := tx.Balance(account, asset)
	if err != nil {
		return err
	}
	if current.LessThan(amount) {
		return fmt.Errorf("withdraw %s %s from %s (balance %s): %w",
			amount, asset, account, current, ErrInsufficientBalance)
	}
	next, err := current.Sub(amount)
	if err != nil {
		return err
	}
	return tx.put(account, asset, next)
}

func (tx *boltTx) put(account, asset string, amount models.Amount) error {
	if !tx.writable {
		return ErrReadOnly
	}
	acc, err := tx.bucket.CreateBucketIfNotExists([]byte(account))
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return acc.Delete([]byte(asset))
	}
	return acc.Put([]byte(asset), amount.Bytes())
}

func (tx *boltTx) State(key string) ([]byte, error) {
	if err := checkStateKey(key); err != nil {
		return nil, err
	}
	if tx.bucket == nil {
		return nil, nil
	}
	state := tx.bucket.Bucket(stateBucket)
	if state == nil {
		return nil, nil
	}
	raw := state.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	return append([]byte{}, raw...), nil
}

func (tx *boltTx) SetState(key string, value []byte) error {
	if err := checkStateKey(key); err != nil {
		return err
	}
	if !tx.writable {
		return ErrReadOnly
	}
	state, err := tx.bucket.CreateBucketIfNotExists(stateBucket)
	if err != nil {
		return err
	}
	if value == nil {
		return state.Delete([]byte(key))
	}
	return state.Put([]byte(key), value)
}

func (tx *boltTx) ScanState(prefix string, fn func(key string, value []byte) error) error {
	if tx.bucket == nil {
		return nil
	}
	state := tx.bucket.Bucket(stateBucket)
	if state == nil {
		return nil
	}
	c := state.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if err := fn(string(k), append([]byte{}, v...)); err != nil {
			return err
		}
	}
	return nil
}
